package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Typed verification failures. The engine maps these onto wire codes; the
// retryable ones carry a retry_after hint upstream.
var (
	ErrTxNotFound     = errors.New("treasury transaction not found")
	ErrTxNotFinalised = errors.New("treasury transaction not finalised")
	ErrMismatch       = errors.New("treasury destination mismatch")
	ErrFeeTooLow      = errors.New("filing fee too low")
)

// Payment is the subset of a chain transaction the court cares about.
type Payment struct {
	Found       bool
	Finalized   bool
	Destination string
	Lamports    int64
}

// Verifier looks up a payment transaction on the rail. The chain RPC is an
// external collaborator; only its lookup contract is consumed here.
type Verifier interface {
	LookupTransaction(ctx context.Context, txSig string) (Payment, error)
}

// Client talks JSON-RPC to a chain RPC/indexer endpoint.
type Client struct {
	RPCURL string
	HTTP   *http.Client
}

func NewClient(rpcURL string) *Client {
	return &Client{RPCURL: rpcURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *struct {
		Meta struct {
			Err          any     `json:"err"`
			PostBalances []int64 `json:"postBalances"`
			PreBalances  []int64 `json:"preBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []string `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// LookupTransaction fetches a finalized transaction by signature.
func (c *Client) LookupTransaction(ctx context.Context, txSig string) (Payment, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params:  []any{txSig, map[string]any{"commitment": "finalized", "encoding": "json"}},
	})
	if err != nil {
		return Payment{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(body))
	if err != nil {
		return Payment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("treasury rpc: %w", err)
	}
	defer res.Body.Close()
	var parsed rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Payment{}, fmt.Errorf("treasury rpc decode: %w", err)
	}
	if parsed.Error != nil {
		return Payment{}, fmt.Errorf("treasury rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return Payment{Found: false}, nil
	}
	p := Payment{Found: true, Finalized: parsed.Result.Meta.Err == nil}
	keys := parsed.Result.Transaction.Message.AccountKeys
	post := parsed.Result.Meta.PostBalances
	pre := parsed.Result.Meta.PreBalances
	// The receiving account is the one whose balance increased.
	for i := range keys {
		if i < len(pre) && i < len(post) && post[i] > pre[i] {
			p.Destination = keys[i]
			p.Lamports = post[i] - pre[i]
			break
		}
	}
	return p, nil
}

// Verify checks a payment against the court treasury address and fee floor.
// Order matters: existence, finality, destination, amount.
func Verify(ctx context.Context, v Verifier, txSig, treasuryAddress string, minLamports int64) error {
	p, err := v.LookupTransaction(ctx, txSig)
	if err != nil {
		return err
	}
	if !p.Found {
		return ErrTxNotFound
	}
	if !p.Finalized {
		return ErrTxNotFinalised
	}
	if treasuryAddress != "" && p.Destination != treasuryAddress {
		return ErrMismatch
	}
	if p.Lamports < minLamports {
		return ErrFeeTooLow
	}
	return nil
}

// Stub treats any non-empty signature as a finalized payment of the
// configured amount to the configured address. Dev rails only.
type Stub struct {
	TreasuryAddress string
	Lamports        int64
}

func (s Stub) LookupTransaction(_ context.Context, txSig string) (Payment, error) {
	if txSig == "" {
		return Payment{}, nil
	}
	return Payment{Found: true, Finalized: true, Destination: s.TreasuryAddress, Lamports: s.Lamports}, nil
}

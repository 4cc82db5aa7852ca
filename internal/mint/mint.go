package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotResolved means the mint transaction exists but the asset is not yet
// queryable; callers retry with backoff.
var ErrNotResolved = errors.New("asset not yet resolved")

// Request carries the hashes anchored into the minted asset.
type Request struct {
	CaseID                 string `json:"case_id"`
	VerdictHash            string `json:"verdict_hash"`
	TranscriptRootHash     string `json:"transcript_root_hash"`
	JurySelectionProofHash string `json:"jury_selection_proof_hash"`
}

// Asset is the resolved on-chain record of a seal.
type Asset struct {
	AssetID string `json:"asset_id"`
	URI     string `json:"uri"`
}

// Worker is the external minting collaborator. Mint submits and returns a
// transaction signature; Resolve looks the resulting asset up, returning
// ErrNotResolved until the chain has it.
type Worker interface {
	Mint(ctx context.Context, req Request) (string, error)
	Resolve(ctx context.Context, txSig string) (Asset, error)
}

// HTTPWorker posts to the mint worker service.
type HTTPWorker struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPWorker(baseURL string) *HTTPWorker {
	return &HTTPWorker{BaseURL: baseURL, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

func (w *HTTPWorker) Mint(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/mint", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mint worker: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("mint worker status %d", res.StatusCode)
	}
	var parsed struct {
		TxSig string `json:"tx_sig"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.TxSig == "" {
		return "", fmt.Errorf("mint worker returned empty tx_sig")
	}
	return parsed.TxSig, nil
}

func (w *HTTPWorker) Resolve(ctx context.Context, txSig string) (Asset, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/asset?tx="+txSig, nil)
	if err != nil {
		return Asset{}, err
	}
	res, err := w.HTTP.Do(httpReq)
	if err != nil {
		return Asset{}, fmt.Errorf("mint worker: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return Asset{}, ErrNotResolved
	}
	if res.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("mint worker status %d", res.StatusCode)
	}
	var asset Asset
	if err := json.NewDecoder(res.Body).Decode(&asset); err != nil {
		return Asset{}, err
	}
	if asset.AssetID == "" {
		return Asset{}, ErrNotResolved
	}
	return asset, nil
}

// Stub mints deterministic placeholders with no external call. The same
// request always yields the same signature and asset, which keeps seal
// re-runs idempotent.
type Stub struct {
	BaseURI string
}

func (s Stub) Mint(ctx context.Context, req Request) (string, error) {
	if req.VerdictHash == "" || req.TranscriptRootHash == "" {
		return "", fmt.Errorf("stub mint: hashes required")
	}
	sig := uuid.NewSHA1(uuid.NameSpaceOID, []byte("tx|"+req.CaseID+"|"+req.VerdictHash+"|"+req.TranscriptRootHash))
	return "stub-" + sig.String(), nil
}

func (s Stub) Resolve(ctx context.Context, txSig string) (Asset, error) {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("asset|"+txSig))
	uri := s.BaseURI
	if uri == "" {
		uri = "stub://seals"
	}
	return Asset{
		AssetID: "asset-" + id.String(),
		URI:     fmt.Sprintf("%s/%s.json", uri, id.String()),
	}, nil
}

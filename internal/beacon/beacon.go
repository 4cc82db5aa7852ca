package beacon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Source supplies the external randomness value used to seed jury selection.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// Client reads a drand-style randomness endpoint with bounded retries. The
// beacon being down must not fail a filing destructively; callers surface a
// retryable error and the case stays in its current state.
type Client struct {
	URL         string
	MaxAttempts int
	HTTP        *http.Client
}

func NewClient(url string, maxAttempts int) *Client {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Client{URL: url, MaxAttempts: maxAttempts, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

type beaconResponse struct {
	Round      int64  `json:"round"`
	Randomness string `json:"randomness"`
}

func (c *Client) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("beacon status %d", res.StatusCode)
	}
	var parsed beaconResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Randomness == "" {
		return "", fmt.Errorf("beacon returned empty randomness")
	}
	return fmt.Sprintf("%d:%s", parsed.Round, parsed.Randomness), nil
}

func (c *Client) Fetch(ctx context.Context) (string, error) {
	var value string
	op := func() error {
		v, err := c.fetchOnce(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), uint64(c.MaxAttempts-1))
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("beacon unreachable: %w", err)
	}
	return value, nil
}

// Derived seeds selection from an already-unpredictable external value (the
// filing payment signature). Used when no beacon endpoint is configured,
// e.g. local development and tests.
type Derived struct {
	Seed string
}

func (d Derived) Fetch(ctx context.Context) (string, error) {
	if d.Seed == "" {
		return "", fmt.Errorf("derived beacon: empty seed")
	}
	sum := sha256.Sum256([]byte("opencawt-beacon|" + d.Seed))
	return hex.EncodeToString(sum[:]), nil
}

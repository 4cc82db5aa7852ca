package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opencawt/internal/engine"
)

// heliusEvent is the slice of a Helius enhanced-transaction notification we
// care about: which mint transaction landed and what asset it produced.
type heliusEvent struct {
	Signature string `json:"signature"`
	AssetID   string `json:"asset_id"`
	URI       string `json:"uri"`
}

// registerHeliusWebhook accepts out-of-band mint confirmations so a seal
// resolves without waiting for the next poll. Disabled (404) unless a
// webhook secret is configured; the payload is authenticated with an HMAC
// over the raw body.
func registerHeliusWebhook(router chi.Router, basePath string, e engine.Engine, cfg AuthConfig) {
	router.Post(path.Join(basePath, "internal/helius/webhook"), func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(cfg.HeliusWebhookSecret) == "" {
			http.NotFound(w, r)
			return
		}
		body := bodyBytes(r.Context())
		mac := hmac.New(sha256.New, []byte(cfg.HeliusWebhookSecret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		got := strings.TrimSpace(r.Header.Get("X-Webhook-Signature"))
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "bad webhook signature", nil))
			return
		}

		var events []heliusEvent
		if err := json.Unmarshal(body, &events); err != nil {
			// Helius also delivers single objects.
			var one heliusEvent
			if err := json.Unmarshal(body, &one); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unparseable webhook payload", nil))
				return
			}
			events = []heliusEvent{one}
		}

		resolved := 0
		now := e.Now().UTC().Format(time.RFC3339)
		for _, ev := range events {
			if ev.Signature == "" || ev.AssetID == "" {
				continue
			}
			ok, err := e.Repo.MarkTxResolved(r.Context(), ev.Signature, ev.AssetID, ev.URI, now)
			if err != nil {
				log.Printf("helius webhook: resolve %s: %v", ev.Signature, err)
				continue
			}
			if ok {
				resolved++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"resolved": resolved})
	})
}

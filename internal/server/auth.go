package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"opencawt/internal/repo"
)

// AuthConfig carries the server-side credentials.
type AuthConfig struct {
	JWTSecret           string
	HeliusWebhookSecret string
	TimestampSkew       time.Duration
	Now                 func() time.Time
}

func (c AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c AuthConfig) skew() time.Duration {
	if c.TimestampSkew > 0 {
		return c.TimestampSkew
	}
	return 5 * time.Minute
}

// Principal is the authenticated caller: either a registered agent with a
// signing secret, or an operator holding a JWT.
type Principal struct {
	AgentID  string
	Operator bool
	Source   string
}

type principalKey struct{}
type bodyBytesKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func agentFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.AgentID != "" {
		return p.AgentID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "agent authentication required", nil)
}

func requireOperator(ctx context.Context) huma.StatusError {
	if p, ok := principalFromContext(ctx); ok && p.Operator {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "operator token required", nil)
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// captureBody buffers the request body so signature verification and
// idempotency hashing see the exact bytes the handler will parse.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(b))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, b)))
	})
}

// SignRequest computes the agent request signature:
//
//	HMAC-SHA256(secret, method \n path \n timestamp \n hex(sha256(body)))
//
// Shared with the Go SDK so both sides agree on the string to sign.
func SignRequest(secret, method, reqPath, timestamp string, body []byte) string {
	payloadHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + reqPath + "\n" + timestamp + "\n" + hex.EncodeToString(payloadHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

func authenticateAgent(ctx context.Context, r repo.Repo, cfg AuthConfig, req *http.Request) (Principal, error) {
	agentID := strings.TrimSpace(req.Header.Get("X-Agent-Id"))
	timestamp := strings.TrimSpace(req.Header.Get("X-Timestamp"))
	signature := strings.TrimSpace(req.Header.Get("X-Signature"))
	if agentID == "" || timestamp == "" || signature == "" {
		return Principal{}, errors.New("agent credentials incomplete")
	}
	if claimed := strings.TrimSpace(req.Header.Get("X-Payload-Hash")); claimed != "" {
		sum := sha256.Sum256(bodyBytes(req.Context()))
		if claimed != hex.EncodeToString(sum[:]) {
			return Principal{}, errors.New("payload hash mismatch")
		}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return Principal{}, errors.New("invalid timestamp")
	}
	if d := cfg.now().Sub(ts); d > cfg.skew() || d < -cfg.skew() {
		return Principal{}, errors.New("timestamp outside the accepted window")
	}
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return Principal{}, errors.New("unknown agent")
	}
	if !agent.Active {
		return Principal{}, errors.New("agent deactivated")
	}
	want := SignRequest(agent.Secret, req.Method, req.URL.Path, timestamp, bodyBytes(req.Context()))
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return Principal{}, errors.New("bad signature")
	}
	return Principal{AgentID: agentID, Source: "hmac"}, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Operator bool `json:"operator,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{AgentID: claims.Subject, Operator: claims.Operator, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a principal when credentials are presented.
// Reads are open; mutation handlers demand a principal themselves, so a
// request with bad credentials fails here rather than proceeding
// anonymously.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}
			if req.Header.Get("X-Agent-Id") != "" {
				principal, err := authenticateAgent(req.Context(), r, cfg, req)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	if ae, ok := err.(*apiError); ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": ae.Body})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": err.Error()}})
}

// recorder captures the handler's response so idempotent retries can
// replay the first outcome byte for byte.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// newIdempotencyMiddleware implements Idempotency-Key semantics for agent
// mutations: the first request claims the key and stores its response, a
// retry with the same payload replays it, a reuse with a different payload
// is rejected.
func newIdempotencyMiddleware(basePath string, r repo.Repo, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := strings.TrimSpace(req.Header.Get("Idempotency-Key"))
			if key == "" || req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			principal, ok := principalFromContext(req.Context())
			if !ok || principal.AgentID == "" {
				next.ServeHTTP(w, req)
				return
			}
			sum := sha256.Sum256(bodyBytes(req.Context()))
			payloadHash := hex.EncodeToString(sum[:])
			claimed, prior, err := r.ClaimIdempotencyKey(req.Context(), key, principal.AgentID, req.URL.Path,
				payloadHash, now().UTC().Format(time.RFC3339))
			if errors.Is(err, repo.ErrIdempotencyPayloadMismatch) {
				respondStatusError(w, newAPIError(http.StatusConflict, "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD",
					"idempotency key reused with a different payload", nil))
				return
			}
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil))
				return
			}
			if !claimed {
				if prior.ResponseStatus == 0 {
					// First request still in flight.
					respondStatusError(w, newAPIError(http.StatusConflict, "REQUEST_IN_FLIGHT",
						"an identical request is still being processed", nil))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(prior.ResponseStatus)
				_, _ = io.WriteString(w, prior.ResponseBody)
				return
			}
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, req)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			_ = r.SaveIdempotencyResult(req.Context(), key, principal.AgentID, req.URL.Path, rec.status, rec.buf.String())
		})
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opencawt/internal/engine"
	"opencawt/internal/repo"
	"opencawt/internal/seal"
	"opencawt/internal/verify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sealer   seal.Pipeline
	Verifier verify.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"DEFENCE_ALREADY_TAKEN"`
	Message string         `json:"message" example:"defence already taken"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the court API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newIdempotencyMiddleware(basePath, cfg.Engine.Repo, cfg.Engine.Now))

	hcfg := huma.DefaultConfig("OpenCawt API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerDefence(group, cfg.Engine)
	registerJury(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerBallots(group, cfg.Engine)
	registerTranscript(group, cfg.Engine)
	registerSealStatus(group, cfg.Engine, cfg.Sealer)
	registerVerify(group, cfg.Verifier)
	registerAgents(group, cfg.Engine, cfg.Auth)
	registerLive(router, basePath, cfg.Engine)
	registerHeliusWebhook(router, basePath, cfg.Engine, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine rejections onto HTTP statuses. Contention and
// already-done rejections are 409s; retryable upstream failures become 503
// with a retry_after_seconds hint.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee engine.Error
	if errors.As(err, &ee) {
		status := statusForCode(ee.Code)
		var details map[string]any
		if ee.RetryAfter > 0 {
			details = map[string]any{"retry_after_seconds": int(ee.RetryAfter / time.Second)}
		}
		return newAPIError(status, ee.Code, ee.Message, details)
	}
	if errors.Is(err, repo.ErrIdempotencyPayloadMismatch) {
		return newAPIError(http.StatusConflict, "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, seal.ErrNeedsRetry) {
		return newAPIError(http.StatusConflict, "SEAL_NEEDS_RETRY", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func statusForCode(code string) int {
	switch code {
	case engine.CodeCaseNotFound:
		return http.StatusNotFound
	case engine.CodeDefenceCannotBeProsecution,
		engine.CodeDefenceReserved,
		engine.CodeNotAJuror,
		engine.CodeNotAParty:
		return http.StatusForbidden
	case engine.CodeDefenceAlreadyTaken,
		engine.CodeDefenceWindowClosed,
		engine.CodeCaseNotOpenForDefence,
		engine.CodeCaseAlreadyFiled,
		engine.CodeSeatNotPending,
		engine.CodeWrongStage,
		engine.CodeAlreadySubmitted,
		engine.CodeBallotExists:
		return http.StatusConflict
	case engine.CodeInvalidBallot:
		return http.StatusBadRequest
	case engine.CodeTreasuryMismatch,
		engine.CodeFeeTooLow,
		engine.CodeJuryPoolTooSmall:
		return http.StatusUnprocessableEntity
	case engine.CodeTreasuryTxNotFound,
		engine.CodeTreasuryTxNotFinalised,
		engine.CodeBeaconUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"opencawt/internal/domain"
	"opencawt/internal/engine"
	"opencawt/internal/repo"
	"opencawt/internal/seal"
	"opencawt/internal/verify"
)

type DraftCaseRequest struct {
	DefendantAgentID *string `json:"defendant_agent_id,omitempty"`
	OpenDefence      bool    `json:"open_defence,omitempty"`
	ClaimSummary     string  `json:"claim_summary"`
}

type FileCaseRequest struct {
	PaymentTxSig string `json:"payment_tx_sig"`
}

type SubmissionRequest struct {
	Message string `json:"message"`
}

type BallotRequest struct {
	ClaimID            string   `json:"claim_id,omitempty"`
	Finding            string   `json:"finding" enum:"proven,not_proven,insufficient"`
	ReasoningSummary   string   `json:"reasoning_summary"`
	PrinciplesReliedOn []string `json:"principles_relied_on"`
	Confidence         *float64 `json:"confidence,omitempty"`
}

// CaseDetail bundles what an observer needs to follow a case.
type CaseDetail struct {
	Case    domain.Case         `json:"case"`
	Session *domain.CaseSession `json:"session,omitempty"`
	Seats   []domain.JurorSeat  `json:"seats,omitempty"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "draft-case",
		Method:        http.MethodPost,
		Path:          "/cases/draft",
		Summary:       "Draft a case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body DraftCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DraftCaseOptions{
			ProsecutionAgentID: agentID,
			OpenDefence:        input.Body.OpenDefence,
			ClaimSummary:       input.Body.ClaimSummary,
		}
		if input.Body.DefendantAgentID != nil {
			opts.DefendantAgentID = *input.Body.DefendantAgentID
		}
		c, err := e.DraftCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "file-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/file",
		Summary:     "File a case with its payment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Body   FileCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if c.ProsecutionAgentID != agentID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the prosecution files its case", nil)
		}
		filed, err := e.FileCase(ctx, input.CaseID, input.Body.PaymentTxSig)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: filed}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"scheduled,active,closed,sealed,void,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: input.Status, Limit: limit})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Case{}
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseDetail `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := CaseDetail{Case: c}
		if session, err := e.Repo.GetSession(ctx, input.CaseID); err == nil {
			detail.Session = &session
			detail.Case.CurrentPhase = session.CurrentStage
		} else {
			detail.Case.CurrentPhase = domain.StagePreSession
		}
		if seats, err := e.Repo.ListSeats(ctx, input.CaseID); err == nil {
			detail.Seats = seats
		}
		return &struct {
			Body CaseDetail `json:"body"`
		}{Body: detail}, nil
	})
}

func registerDefence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "volunteer-defence",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/volunteer-defence",
		Summary:     "Claim the defence slot",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.VolunteerDefence(ctx, input.CaseID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})
}

func registerJury(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "juror-ready",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/juror-ready",
		Summary:     "Confirm juror readiness",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.JurorSeat `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		seat, err := e.JurorReady(ctx, input.CaseID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JurorSeat `json:"body"`
		}{Body: seat}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-address",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/submissions",
		Summary:     "Submit a party address for the current stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   SubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.CaseSession `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session, err := e.SubmitSubmission(ctx, input.CaseID, agentID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseSession `json:"body"`
		}{Body: session}, nil
	})
}

func registerBallots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-ballot",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/ballots",
		Summary:       "Cast a juror ballot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   BallotRequest `json:"body"`
	}) (*struct {
		Body domain.Ballot `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SubmitBallot(ctx, engine.BallotInput{
			CaseID:             input.CaseID,
			AgentID:            agentID,
			ClaimID:            input.Body.ClaimID,
			Finding:            input.Body.Finding,
			ReasoningSummary:   input.Body.ReasoningSummary,
			PrinciplesReliedOn: input.Body.PrinciplesReliedOn,
			Confidence:         input.Body.Confidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ballot `json:"body"`
		}{Body: b}, nil
	})
}

func registerTranscript(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-transcript",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/transcript",
		Summary:     "Read the case transcript",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID   string `path:"case_id"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"200"`
	}) (*struct {
		Body []domain.TranscriptEvent `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Log.Read(ctx, input.CaseID, input.AfterSeq, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.TranscriptEvent{}
		}
		return &struct {
			Body []domain.TranscriptEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerSealStatus(api huma.API, e engine.Engine, sealer seal.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "seal-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/seal-status",
		Summary:     "Seal status for a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.SealInfo `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetSeal(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SealInfo `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-seal",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/seal/retry",
		Summary:     "Retry a failed seal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.SealInfo `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if err := sealer.Retry(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetSeal(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SealInfo `json:"body"`
		}{Body: rec}, nil
	})
}

func registerVerify(api huma.API, v verify.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/verify",
		Summary:     "Independently re-derive a case's seal hashes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body verify.Report `json:"body"`
	}, error) {
		report, err := v.Verify(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verify.Report `json:"body"`
		}{Body: report}, nil
	})
}

type RegisterAgentRequest struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name,omitempty"`
	JurorEligible bool   `json:"juror_eligible"`
}

// RegisteredAgent is the one response that carries the signing secret;
// it is shown exactly once, at registration.
type RegisteredAgent struct {
	domain.Agent
	Secret string `json:"secret"`
}

func registerAgents(api huma.API, e engine.Engine, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body RegisteredAgent `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		secret, err := newAgentSecret()
		if err != nil {
			return nil, handleError(err)
		}
		a := domain.Agent{
			ID:            input.Body.ID,
			DisplayName:   input.Body.DisplayName,
			Secret:        secret,
			JurorEligible: input.Body.JurorEligible,
			Active:        true,
			CreatedAt:     e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAgent(ctx, a); err != nil {
			return nil, newAPIError(http.StatusConflict, "AGENT_EXISTS", "agent id already registered", nil)
		}
		return &struct {
			Body RegisteredAgent `json:"body"`
		}{Body: RegisteredAgent{Agent: a, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})
}

func newAgentSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opencawt/internal/beacon"
	"opencawt/internal/config"
	"opencawt/internal/domain"
	"opencawt/internal/mint"
	"opencawt/internal/repo"
	"opencawt/internal/selection"
	"opencawt/internal/transcript"
	"opencawt/internal/treasury"
)

// Machine-readable rejection codes surfaced to callers.
const (
	CodeCaseNotFound             = "CASE_NOT_FOUND"
	CodeCaseNotOpenForDefence    = "CASE_NOT_OPEN_FOR_DEFENCE"
	CodeDefenceCannotBeProsecution = "DEFENCE_CANNOT_BE_PROSECUTION"
	CodeDefenceReserved          = "DEFENCE_RESERVED_FOR_NAMED_DEFENDANT"
	CodeDefenceWindowClosed      = "DEFENCE_WINDOW_CLOSED"
	CodeDefenceAlreadyTaken      = "DEFENCE_ALREADY_TAKEN"
	CodeCaseAlreadyFiled         = "CASE_ALREADY_FILED"
	CodeTreasuryTxNotFound       = "TREASURY_TX_NOT_FOUND"
	CodeTreasuryTxNotFinalised   = "TREASURY_TX_NOT_FINALISED"
	CodeTreasuryMismatch         = "TREASURY_MISMATCH"
	CodeFeeTooLow                = "FEE_TOO_LOW"
	CodeBeaconUnavailable        = "BEACON_UNAVAILABLE"
	CodeNotAJuror                = "NOT_A_JUROR"
	CodeSeatNotPending           = "SEAT_NOT_PENDING"
	CodeWrongStage               = "WRONG_STAGE"
	CodeNotAParty                = "NOT_A_PARTY"
	CodeAlreadySubmitted         = "ALREADY_SUBMITTED"
	CodeBallotExists             = "BALLOT_ALREADY_ACCEPTED"
	CodeInvalidBallot            = "INVALID_BALLOT"
	CodeJuryPoolTooSmall         = "JURY_POOL_TOO_SMALL"
)

// Error is a typed rejection carrying a wire code. Contention and integrity
// rejections are definitive; retryable external failures set RetryAfter.
type Error struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e Error) Error() string { return e.Message }

func errf(code, format string, args ...any) Error {
	return Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transcript event types.
const (
	EventCaseDrafted     = "case_drafted"
	EventCaseFiled       = "case_filed"
	EventJurySelected    = "jury_selected"
	EventStageStarted    = "stage_started"
	EventStageCompleted  = "stage_completed"
	EventStageDeadline   = "stage_deadline"
	EventDefenceAssigned = "defence_assigned"
	EventJurorReady      = "juror_ready"
	EventJurorTimedOut   = "juror_timed_out"
	EventJurorReplaced   = "juror_replaced"
	EventSubmission      = "submission"
	EventBallotCast      = "ballot_cast"
	EventCaseVoided      = "case_voided"
	EventCaseClosed      = "case_closed"
	EventSealRequested   = "seal_requested"
	EventCaseSealed      = "case_sealed"
	EventSealFailed      = "seal_failed"
)

// Engine owns all case mutations. Every operation follows the same shape:
// external calls first (no lock held), then one transaction that appends
// transcript events and applies the state change together.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Log      transcript.Log
	Config   *config.Config
	Now      func() time.Time
	Treasury treasury.Verifier
	Beacon   beacon.Source
	Mint     mint.Worker
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    transcript.Log{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// appendSystem writes a court/system transcript event inside tx.
func (e Engine) appendSystem(ctx context.Context, tx *sql.Tx, caseID, stage, eventType, message string, payload map[string]any) error {
	_, err := e.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:      caseID,
		ActorRole:   domain.RoleSystem,
		EventType:   eventType,
		Stage:       stage,
		MessageText: message,
		Payload:     payload,
		CreatedAt:   e.ts(e.now()),
	})
	return err
}

// DraftCaseOptions are parameters for creating a draft case.
type DraftCaseOptions struct {
	ID                 string
	ProsecutionAgentID string
	DefendantAgentID   string
	OpenDefence        bool
	ClaimSummary       string
}

// DraftCase records a filing intent. No session exists until the filing
// payment is verified.
func (e Engine) DraftCase(ctx context.Context, opts DraftCaseOptions) (domain.Case, error) {
	if opts.ProsecutionAgentID == "" {
		return domain.Case{}, errors.New("prosecution agent is required")
	}
	if opts.ClaimSummary == "" {
		return domain.Case{}, errors.New("claim summary is required")
	}
	if opts.DefendantAgentID == "" && !opts.OpenDefence {
		return domain.Case{}, errors.New("either a named defendant or open_defence is required")
	}
	if opts.DefendantAgentID == opts.ProsecutionAgentID && opts.DefendantAgentID != "" {
		return domain.Case{}, errf(CodeDefenceCannotBeProsecution, "prosecution cannot name itself as defendant")
	}
	if _, err := e.Repo.GetAgent(ctx, opts.ProsecutionAgentID); err != nil {
		return domain.Case{}, fmt.Errorf("prosecution agent: %w", err)
	}
	id := opts.ID
	now := e.now()
	if id == "" {
		id = "OC-" + uuid.New().String()
	}
	c := domain.Case{
		ID:                 id,
		Status:             domain.CaseScheduled,
		ProsecutionAgentID: opts.ProsecutionAgentID,
		OpenDefence:        opts.OpenDefence,
		DefenceState:       domain.DefenceUnassigned,
		ClaimSummary:       opts.ClaimSummary,
		CreatedAt:          e.ts(now),
	}
	if opts.DefendantAgentID != "" {
		c.DefendantAgentID = &opts.DefendantAgentID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.appendSystem(ctx, tx, c.ID, domain.StagePreSession, EventCaseDrafted, "case drafted", map[string]any{
		"prosecution_agent_id": c.ProsecutionAgentID,
		"open_defence":         c.OpenDefence,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.CurrentPhase = domain.StagePreSession
	return c, nil
}

// FileCase verifies the filing payment, selects the jury from the beacon,
// and opens the session. The treasury and beacon calls run before the
// transaction so no per-case lock is held across network waits.
func (e Engine) FileCase(ctx context.Context, caseID, txSig string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, errf(CodeCaseNotFound, "case %s not found", caseID)
		}
		return domain.Case{}, err
	}
	if c.Status != domain.CaseScheduled {
		if c.PaymentTxSig != nil && *c.PaymentTxSig == txSig {
			// Retried filing with the same payment: idempotent success.
			return e.caseWithPhase(ctx, c)
		}
		return domain.Case{}, errf(CodeCaseAlreadyFiled, "case %s already filed", caseID)
	}
	if txSig == "" {
		return domain.Case{}, errors.New("payment tx signature is required")
	}

	if err := treasury.Verify(ctx, e.Treasury, txSig, e.Config.Court.TreasuryAddress, e.Config.Court.FilingFeeLamports); err != nil {
		switch {
		case errors.Is(err, treasury.ErrTxNotFound):
			return domain.Case{}, Error{Code: CodeTreasuryTxNotFound, Message: err.Error(), RetryAfter: 5 * time.Second}
		case errors.Is(err, treasury.ErrTxNotFinalised):
			return domain.Case{}, Error{Code: CodeTreasuryTxNotFinalised, Message: err.Error(), RetryAfter: 5 * time.Second}
		case errors.Is(err, treasury.ErrMismatch):
			return domain.Case{}, errf(CodeTreasuryMismatch, "%s", err.Error())
		case errors.Is(err, treasury.ErrFeeTooLow):
			return domain.Case{}, errf(CodeFeeTooLow, "%s", err.Error())
		default:
			return domain.Case{}, Error{Code: CodeTreasuryTxNotFound, Message: err.Error(), RetryAfter: 10 * time.Second}
		}
	}

	src := e.Beacon
	if src == nil {
		src = beacon.Derived{Seed: txSig}
	}
	beaconValue, err := src.Fetch(ctx)
	if err != nil {
		// Beacon down must not kill the filing; the case stays scheduled
		// and the caller retries.
		return domain.Case{}, Error{Code: CodeBeaconUnavailable, Message: err.Error(), RetryAfter: 30 * time.Second}
	}

	exclude := []string{c.ProsecutionAgentID}
	if c.DefendantAgentID != nil {
		exclude = append(exclude, *c.DefendantAgentID)
	}
	pool, err := e.Repo.EligiblePool(ctx, exclude)
	if err != nil {
		return domain.Case{}, err
	}
	sel, err := selection.SelectPanel(caseID, e.Config.Jury.PanelSize, e.Config.Jury.ReserveSize, beaconValue, pool)
	if err != nil {
		return domain.Case{}, errf(CodeJuryPoolTooSmall, "jury selection: %v", err)
	}
	proofHash, err := sel.Proof.Hash()
	if err != nil {
		return domain.Case{}, err
	}

	now := e.now()
	readinessDeadline := e.ts(now.Add(e.Config.ReadinessWindow()))
	defenceDeadline := e.ts(now.Add(e.Config.DefenceWindow()))
	sessionStart := e.ts(now.Add(e.Config.SessionLead()))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	// Re-validate under the transaction; a concurrent filing loses here.
	if err := e.Repo.SetCaseStatusTx(ctx, tx, caseID, domain.CaseScheduled, domain.CaseActive); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Case{}, errf(CodeCaseAlreadyFiled, "case %s already filed", caseID)
		}
		return domain.Case{}, err
	}
	if err := e.Repo.SetPaymentTx(ctx, tx, caseID, txSig); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.SetJuryTx(ctx, tx, caseID, beaconValue, proofHash, e.Config.Jury.PanelSize); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.SetScheduledForTx(ctx, tx, caseID, sessionStart); err != nil {
		return domain.Case{}, err
	}
	session := domain.CaseSession{
		CaseID:                  caseID,
		CurrentStage:            domain.StagePreSession,
		StageStartedAt:          e.ts(now),
		StageDeadlineAt:         &defenceDeadline,
		ScheduledSessionStartAt: sessionStart,
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, session); err != nil {
		return domain.Case{}, fmt.Errorf("insert session: %w", err)
	}
	for i, cand := range sel.Panel {
		seat := domain.JurorSeat{
			CaseID:              caseID,
			SeatIndex:           i,
			AssignedAgentID:     cand.AgentID,
			Status:              domain.SeatPending,
			SelectionRank:       cand.Rank,
			SeatProof:           selection.SeatProof(cand),
			ReadinessDeadlineAt: &readinessDeadline,
			UpdatedAt:           e.ts(now),
		}
		if err := e.Repo.InsertSeatTx(ctx, tx, seat); err != nil {
			return domain.Case{}, fmt.Errorf("insert seat %d: %w", i, err)
		}
	}
	for _, cand := range sel.Reserves {
		if err := e.Repo.InsertReserveTx(ctx, tx, caseID, cand.Rank, cand.AgentID); err != nil {
			return domain.Case{}, fmt.Errorf("insert reserve: %w", err)
		}
	}
	orderingJSON, err := json.Marshal(sel.Proof.Ordering)
	if err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.InsertJuryProofTx(ctx, tx, repo.JuryProof{
		CaseID:       caseID,
		Beacon:       beaconValue,
		PoolHash:     sel.Proof.PoolHash,
		OrderingJSON: string(orderingJSON),
		ProofHash:    proofHash,
		CreatedAt:    e.ts(now),
	}); err != nil {
		return domain.Case{}, err
	}
	if err := e.appendSystem(ctx, tx, caseID, domain.StagePreSession, EventCaseFiled, "filing payment verified", map[string]any{
		"payment_tx_sig": txSig,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := e.appendSystem(ctx, tx, caseID, domain.StagePreSession, EventJurySelected, "jury panel selected", map[string]any{
		"panel_size": e.Config.Jury.PanelSize,
		"proof_hash": proofHash,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := e.appendSystem(ctx, tx, caseID, domain.StagePreSession, EventStageStarted, "pre-session opened", map[string]any{
		"stage_deadline_at": defenceDeadline,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return e.caseWithPhase(ctx, domain.Case{ID: caseID})
}

// VolunteerDefence arbitrates the contested defence slot. Precondition
// rejections are evaluated in a fixed priority order; the final write is a
// single atomic conditional update, so exactly one concurrent claimant wins.
func (e Engine) VolunteerDefence(ctx context.Context, caseID, agentID string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, errf(CodeCaseNotFound, "case %s not found", caseID)
		}
		return domain.Case{}, err
	}
	session, err := e.Repo.GetSession(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, errf(CodeCaseNotOpenForDefence, "case %s is not open for defence", caseID)
		}
		return domain.Case{}, err
	}
	now := e.now()

	if c.Status != domain.CaseActive || session.CurrentStage != domain.StagePreSession {
		return domain.Case{}, errf(CodeCaseNotOpenForDefence, "case %s is not open for defence", caseID)
	}
	if agentID == c.ProsecutionAgentID {
		return domain.Case{}, errf(CodeDefenceCannotBeProsecution, "prosecution agent cannot act as defence")
	}
	if c.DefendantAgentID != nil && *c.DefendantAgentID != agentID {
		exclusiveUntil, perr := time.Parse(time.RFC3339, session.StageStartedAt)
		if perr == nil && now.Before(exclusiveUntil.Add(e.Config.NamedDefendantExclusive())) {
			return domain.Case{}, errf(CodeDefenceReserved, "defence is reserved for the named defendant")
		}
	}
	if session.StageDeadlineAt != nil {
		cutoff, perr := time.Parse(time.RFC3339, *session.StageDeadlineAt)
		if perr == nil && now.After(cutoff) {
			return domain.Case{}, errf(CodeDefenceWindowClosed, "defence assignment window has closed")
		}
	}

	state := domain.DefenceVolunteered
	if c.DefendantAgentID != nil && *c.DefendantAgentID == agentID {
		state = domain.DefenceAccepted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	won, err := e.Repo.ClaimDefenceTx(ctx, tx, caseID, agentID, state)
	if err != nil {
		return domain.Case{}, err
	}
	if !won {
		return domain.Case{}, errf(CodeDefenceAlreadyTaken, "defence already taken")
	}
	if _, err := e.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:       caseID,
		ActorRole:    domain.RoleDefence,
		ActorAgentID: &agentID,
		EventType:    EventDefenceAssigned,
		Stage:        domain.StagePreSession,
		MessageText:  "defence assigned",
		Payload:      map[string]any{"defence_state": state},
		CreatedAt:    e.ts(now),
	}); err != nil {
		return domain.Case{}, err
	}
	if err := e.advanceTx(ctx, tx, caseID, domain.StagePreSession, domain.StageJuryReadiness, now); err != nil {
		return domain.Case{}, err
	}
	// Jurors may confirm readiness while the defence slot is still open. If
	// the whole panel already has, nothing is left to wait for and the
	// session moves straight to opening addresses.
	ready, err := e.Repo.CountSeatsByStatusTx(ctx, tx, caseID, domain.SeatReady)
	if err != nil {
		return domain.Case{}, err
	}
	if ready >= c.PanelSize {
		if err := e.advanceTx(ctx, tx, caseID, domain.StageJuryReadiness, domain.StageOpeningAddresses, now); err != nil {
			return domain.Case{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return e.caseWithPhase(ctx, domain.Case{ID: caseID})
}

// JurorReady confirms a seat with the same CAS shape as the defence claim.
// When the last seat confirms, the session advances to opening addresses.
func (e Engine) JurorReady(ctx context.Context, caseID, agentID string) (domain.JurorSeat, error) {
	session, err := e.Repo.GetSession(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.JurorSeat{}, errf(CodeCaseNotFound, "case %s not found", caseID)
		}
		return domain.JurorSeat{}, err
	}
	if session.CurrentStage != domain.StagePreSession && session.CurrentStage != domain.StageJuryReadiness {
		return domain.JurorSeat{}, errf(CodeWrongStage, "case %s is not awaiting juror readiness", caseID)
	}
	seat, err := e.Repo.SeatForAgent(ctx, caseID, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.JurorSeat{}, errf(CodeNotAJuror, "agent %s holds no seat on case %s", agentID, caseID)
		}
		return domain.JurorSeat{}, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JurorSeat{}, err
	}
	defer tx.Rollback()

	won, err := e.Repo.ClaimSeatReadyTx(ctx, tx, caseID, seat.SeatIndex, agentID, e.ts(now))
	if err != nil {
		return domain.JurorSeat{}, err
	}
	if !won {
		return domain.JurorSeat{}, errf(CodeSeatNotPending, "seat %d is not awaiting confirmation", seat.SeatIndex)
	}
	if _, err := e.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:       caseID,
		ActorRole:    domain.RoleJuror,
		ActorAgentID: &agentID,
		EventType:    EventJurorReady,
		Stage:        session.CurrentStage,
		MessageText:  "juror confirmed readiness",
		Payload:      map[string]any{"seat_index": seat.SeatIndex},
		CreatedAt:    e.ts(now),
	}); err != nil {
		return domain.JurorSeat{}, err
	}

	// Panel complete? Only once defence is assigned (stage jury_readiness).
	if session.CurrentStage == domain.StageJuryReadiness {
		ready, err := e.Repo.CountSeatsByStatusTx(ctx, tx, caseID, domain.SeatReady)
		if err != nil {
			return domain.JurorSeat{}, err
		}
		c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
		if err != nil {
			return domain.JurorSeat{}, err
		}
		if ready == c.PanelSize {
			if err := e.advanceTx(ctx, tx, caseID, domain.StageJuryReadiness, domain.StageOpeningAddresses, now); err != nil {
				return domain.JurorSeat{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.JurorSeat{}, err
	}
	return e.Repo.GetSeat(ctx, caseID, seat.SeatIndex)
}

func (e Engine) caseWithPhase(ctx context.Context, c domain.Case) (domain.Case, error) {
	full, err := e.Repo.GetCase(ctx, c.ID)
	if err != nil {
		return domain.Case{}, err
	}
	if session, err := e.Repo.GetSession(ctx, c.ID); err == nil {
		full.CurrentPhase = session.CurrentStage
	} else if errors.Is(err, repo.ErrNotFound) {
		full.CurrentPhase = domain.StagePreSession
	} else {
		return domain.Case{}, err
	}
	return full, nil
}

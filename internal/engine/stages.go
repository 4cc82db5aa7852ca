package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opencawt/internal/config"
	"opencawt/internal/domain"
	"opencawt/internal/repo"
	"opencawt/internal/selection"
)

var stageOrder = []string{
	domain.StagePreSession,
	domain.StageJuryReadiness,
	domain.StageOpeningAddresses,
	domain.StageEvidence,
	domain.StageClosingAddresses,
	domain.StageSummingUp,
	domain.StageVoting,
	domain.StageClosed,
}

func nextStage(stage string) (string, bool) {
	for i, s := range stageOrder {
		if s == stage && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

func isArgumentStage(stage string) bool {
	switch stage {
	case domain.StageOpeningAddresses, domain.StageEvidence, domain.StageClosingAddresses, domain.StageSummingUp:
		return true
	}
	return false
}

// advanceTx completes fromStage and starts toStage inside the caller's
// transaction, arming the deadlines the new stage needs. The CAS in
// AdvanceStageTx guarantees no two transitions interleave.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, caseID, fromStage, toStage string, now time.Time) error {
	var deadline, votingHard *string
	payload := map[string]any{}
	switch {
	case isArgumentStage(toStage):
		d := e.ts(now.Add(e.Config.SubmissionWindow()))
		deadline = &d
		payload["stage_deadline_at"] = d
	case toStage == domain.StageVoting:
		d := e.ts(now.Add(e.Config.VotingWindow()))
		h := e.ts(now.Add(e.Config.VotingHardTimeout()))
		deadline = &d
		votingHard = &h
		payload["stage_deadline_at"] = d
		payload["voting_hard_deadline_at"] = h
	}
	if err := e.Repo.AdvanceStageTx(ctx, tx, caseID, fromStage, toStage, e.ts(now), deadline, votingHard); err != nil {
		return err
	}
	if err := e.appendSystem(ctx, tx, caseID, fromStage, EventStageCompleted, fromStage+" completed", nil); err != nil {
		return err
	}
	return e.appendSystem(ctx, tx, caseID, toStage, EventStageStarted, toStage+" started", payload)
}

// voidTx terminates a session and its case together, recording why. Seat
// readiness deadlines are cleared so the supervisor stops scanning the case.
func (e Engine) voidTx(ctx context.Context, tx *sql.Tx, caseID, fromStage, reason string, now time.Time) error {
	if err := e.Repo.VoidSessionTx(ctx, tx, caseID, fromStage, reason, e.ts(now)); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatusTx(ctx, tx, caseID, domain.CaseActive, domain.CaseVoid); err != nil {
		return err
	}
	if err := e.Repo.ClearSeatDeadlinesTx(ctx, tx, caseID); err != nil {
		return err
	}
	return e.appendSystem(ctx, tx, caseID, fromStage, EventCaseVoided, "case voided: "+reason, map[string]any{
		"void_reason": reason,
	})
}

// countSubmissionsTx counts accepted party submissions for a stage.
func (e Engine) countSubmissionsTx(ctx context.Context, tx *sql.Tx, caseID, stage, role string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_events WHERE case_id=? AND stage=? AND event_type=? AND actor_role=?`,
		caseID, stage, EventSubmission, role).Scan(&n)
	return n, err
}

// SubmitSubmission records a party's address for the current argument
// stage. When both parties have spoken, the stage completes and the next
// one starts in the same transaction.
func (e Engine) SubmitSubmission(ctx context.Context, caseID, agentID, message string) (domain.CaseSession, error) {
	if message == "" {
		return domain.CaseSession{}, errors.New("submission text is required")
	}
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CaseSession{}, errf(CodeCaseNotFound, "case %s not found", caseID)
		}
		return domain.CaseSession{}, err
	}
	session, err := e.Repo.GetSession(ctx, caseID)
	if err != nil {
		return domain.CaseSession{}, err
	}
	if !isArgumentStage(session.CurrentStage) {
		return domain.CaseSession{}, errf(CodeWrongStage, "stage %s does not accept submissions", session.CurrentStage)
	}
	var role string
	switch {
	case agentID == c.ProsecutionAgentID:
		role = domain.RoleProsecution
	case c.DefenceAgentID != nil && agentID == *c.DefenceAgentID:
		role = domain.RoleDefence
	default:
		return domain.CaseSession{}, errf(CodeNotAParty, "agent %s is not a party to case %s", agentID, caseID)
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseSession{}, err
	}
	defer tx.Rollback()

	// Re-read under the transaction; the stage may have moved.
	session, err = e.Repo.GetSessionTx(ctx, tx, caseID)
	if err != nil {
		return domain.CaseSession{}, err
	}
	if !isArgumentStage(session.CurrentStage) {
		return domain.CaseSession{}, errf(CodeWrongStage, "stage %s does not accept submissions", session.CurrentStage)
	}
	mine, err := e.countSubmissionsTx(ctx, tx, caseID, session.CurrentStage, role)
	if err != nil {
		return domain.CaseSession{}, err
	}
	if mine > 0 {
		return domain.CaseSession{}, errf(CodeAlreadySubmitted, "%s has already addressed %s", role, session.CurrentStage)
	}
	if _, err := e.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:       caseID,
		ActorRole:    role,
		ActorAgentID: &agentID,
		EventType:    EventSubmission,
		Stage:        session.CurrentStage,
		MessageText:  message,
		CreatedAt:    e.ts(now),
	}); err != nil {
		return domain.CaseSession{}, err
	}

	other := domain.RoleDefence
	if role == domain.RoleDefence {
		other = domain.RoleProsecution
	}
	theirs, err := e.countSubmissionsTx(ctx, tx, caseID, session.CurrentStage, other)
	if err != nil {
		return domain.CaseSession{}, err
	}
	if theirs > 0 {
		next, ok := nextStage(session.CurrentStage)
		if !ok {
			return domain.CaseSession{}, fmt.Errorf("no stage after %s", session.CurrentStage)
		}
		if err := e.advanceTx(ctx, tx, caseID, session.CurrentStage, next, now); err != nil {
			return domain.CaseSession{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseSession{}, err
	}
	return e.Repo.GetSession(ctx, caseID)
}

// BallotInput is a juror's vote on the case claim.
type BallotInput struct {
	CaseID             string
	AgentID            string
	ClaimID            string
	Finding            string
	ReasoningSummary   string
	PrinciplesReliedOn []string
	Confidence         *float64
}

func validateBallot(in BallotInput) error {
	switch in.Finding {
	case domain.FindingProven, domain.FindingNotProven, domain.FindingInsufficient:
	default:
		return errf(CodeInvalidBallot, "finding must be one of proven, not_proven, insufficient")
	}
	if len(in.ReasoningSummary) == 0 || len(in.ReasoningSummary) > 2000 {
		return errf(CodeInvalidBallot, "reasoning summary must be 1..2000 characters")
	}
	if len(in.PrinciplesReliedOn) < 1 || len(in.PrinciplesReliedOn) > 3 {
		return errf(CodeInvalidBallot, "between 1 and 3 principles must be cited")
	}
	for _, p := range in.PrinciplesReliedOn {
		if p == "" {
			return errf(CodeInvalidBallot, "principles must be non-empty")
		}
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return errf(CodeInvalidBallot, "confidence must be within [0,1]")
	}
	return nil
}

func ballotMatches(b domain.Ballot, in BallotInput) bool {
	if b.Finding != in.Finding || b.ReasoningSummary != in.ReasoningSummary {
		return false
	}
	if len(b.PrinciplesReliedOn) != len(in.PrinciplesReliedOn) {
		return false
	}
	for i := range b.PrinciplesReliedOn {
		if b.PrinciplesReliedOn[i] != in.PrinciplesReliedOn[i] {
			return false
		}
	}
	return true
}

// SubmitBallot accepts one juror vote. A retry with identical content
// replays the first acceptance; a conflicting resubmission is rejected.
// The eleventh accepted ballot closes voting.
func (e Engine) SubmitBallot(ctx context.Context, in BallotInput) (domain.Ballot, error) {
	if err := validateBallot(in); err != nil {
		return domain.Ballot{}, err
	}
	if in.ClaimID == "" {
		in.ClaimID = "primary"
	}
	c, err := e.Repo.GetCase(ctx, in.CaseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Ballot{}, errf(CodeCaseNotFound, "case %s not found", in.CaseID)
		}
		return domain.Ballot{}, err
	}
	session, err := e.Repo.GetSession(ctx, in.CaseID)
	if err != nil {
		return domain.Ballot{}, err
	}
	if session.CurrentStage != domain.StageVoting {
		return domain.Ballot{}, errf(CodeWrongStage, "case %s is not in voting", in.CaseID)
	}
	seat, err := e.Repo.SeatForAgent(ctx, in.CaseID, in.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Ballot{}, errf(CodeNotAJuror, "agent %s holds no seat on case %s", in.AgentID, in.CaseID)
		}
		return domain.Ballot{}, err
	}
	if prior, err := e.Repo.GetBallotBySeat(ctx, in.CaseID, seat.SeatIndex, in.ClaimID); err == nil {
		if ballotMatches(prior, in) {
			return prior, nil
		}
		return domain.Ballot{}, errf(CodeBallotExists, "seat %d has already voted on %s", seat.SeatIndex, in.ClaimID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Ballot{}, err
	}
	now := e.now()
	b := domain.Ballot{
		ID:                 uuid.New().String(),
		CaseID:             in.CaseID,
		SeatIndex:          seat.SeatIndex,
		JurorAgentID:       in.AgentID,
		ClaimID:            in.ClaimID,
		Finding:            in.Finding,
		ReasoningSummary:   in.ReasoningSummary,
		PrinciplesReliedOn: in.PrinciplesReliedOn,
		Confidence:         in.Confidence,
		CreatedAt:          e.ts(now),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ballot{}, err
	}
	defer tx.Rollback()

	// The seat CAS runs first so a concurrent duplicate loses here with a
	// typed rejection instead of tripping the ballot uniqueness constraint.
	if err := e.Repo.SetSeatStatusTx(ctx, tx, in.CaseID, seat.SeatIndex, domain.SeatReady, domain.SeatVoted, e.ts(now)); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Ballot{}, errf(CodeBallotExists, "seat %d is not eligible to vote", seat.SeatIndex)
		}
		return domain.Ballot{}, err
	}
	if err := e.Repo.InsertBallotTx(ctx, tx, b); err != nil {
		return domain.Ballot{}, err
	}
	if err := e.Repo.BumpTallyTx(ctx, tx, in.CaseID, in.Finding); err != nil {
		return domain.Ballot{}, err
	}
	if _, err := e.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:       in.CaseID,
		ActorRole:    domain.RoleJuror,
		ActorAgentID: &in.AgentID,
		EventType:    EventBallotCast,
		Stage:        domain.StageVoting,
		MessageText:  "ballot accepted",
		Payload: map[string]any{
			"seat_index": seat.SeatIndex,
			"finding":    in.Finding,
			"claim_id":   in.ClaimID,
		},
		CreatedAt: e.ts(now),
	}); err != nil {
		return domain.Ballot{}, err
	}
	votes, err := e.Repo.CountBallotsTx(ctx, tx, in.CaseID)
	if err != nil {
		return domain.Ballot{}, err
	}
	if votes >= c.PanelSize {
		if err := e.closeVotingTx(ctx, tx, in.CaseID, now); err != nil {
			return domain.Ballot{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Ballot{}, err
	}
	return b, nil
}

func (e Engine) closeVotingTx(ctx context.Context, tx *sql.Tx, caseID string, now time.Time) error {
	if err := e.advanceTx(ctx, tx, caseID, domain.StageVoting, domain.StageClosed, now); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatusTx(ctx, tx, caseID, domain.CaseActive, domain.CaseClosed); err != nil {
		return err
	}
	return e.appendSystem(ctx, tx, caseID, domain.StageClosed, EventCaseClosed, "verdict reached, sealing queued", nil)
}

// HandleStageTimeout enforces a missed stage deadline. The deadline is
// re-checked under the transaction so a mutation that landed in time wins
// over a slow supervisor tick.
func (e Engine) HandleStageTimeout(ctx context.Context, caseID string) error {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if session.StageDeadlineAt == nil {
		return nil
	}
	deadline, perr := time.Parse(time.RFC3339, *session.StageDeadlineAt)
	if perr != nil {
		// A deadline that cannot be parsed would fire on every tick. Clear
		// it and surface the corruption once.
		if err := e.clearStageDeadlineTx(ctx, tx, caseID, session.CurrentStage); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("case %s: cleared unreadable stage deadline %q: %w", caseID, *session.StageDeadlineAt, perr)
	}
	if now.Before(deadline) {
		return nil
	}
	if err := e.appendSystem(ctx, tx, caseID, session.CurrentStage, EventStageDeadline, "stage deadline missed", map[string]any{
		"stage_deadline_at": *session.StageDeadlineAt,
	}); err != nil {
		return err
	}
	switch {
	case session.CurrentStage == domain.StagePreSession:
		if err := e.voidTx(ctx, tx, caseID, domain.StagePreSession, domain.VoidDefenceUnassigned, now); err != nil {
			return err
		}
	case isArgumentStage(session.CurrentStage):
		if err := e.voidTx(ctx, tx, caseID, session.CurrentStage, domain.VoidStageDeadlineMissed, now); err != nil {
			return err
		}
	case session.CurrentStage == domain.StageVoting:
		// The soft voting window lapsing is advisory; the hard timeout
		// decides the outcome.
		if err := e.clearStageDeadlineTx(ctx, tx, caseID, domain.StageVoting); err != nil {
			return err
		}
	default:
		return nil
	}
	return tx.Commit()
}

func (e Engine) clearStageDeadlineTx(ctx context.Context, tx *sql.Tx, caseID, stage string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE case_sessions SET stage_deadline_at=NULL WHERE case_id=? AND current_stage=?`, caseID, stage)
	return err
}

func (e Engine) clearVotingHardDeadlineTx(ctx context.Context, tx *sql.Tx, caseID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE case_sessions SET voting_hard_deadline_at=NULL WHERE case_id=?`, caseID)
	return err
}

// HandleVotingHardTimeout resolves a voting stage that ran past the hard
// deadline: a full panel closes normally, anything less voids the case.
func (e Engine) HandleVotingHardTimeout(ctx context.Context, caseID string) error {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if session.CurrentStage != domain.StageVoting || session.VotingHardDeadlineAt == nil {
		return nil
	}
	deadline, perr := time.Parse(time.RFC3339, *session.VotingHardDeadlineAt)
	if perr != nil {
		if err := e.clearVotingHardDeadlineTx(ctx, tx, caseID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("case %s: cleared unreadable voting hard deadline %q: %w", caseID, *session.VotingHardDeadlineAt, perr)
	}
	if now.Before(deadline) {
		return nil
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	votes, err := e.Repo.CountBallotsTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if votes >= c.PanelSize {
		if err := e.closeVotingTx(ctx, tx, caseID, now); err != nil {
			return err
		}
	} else {
		if err := e.appendSystem(ctx, tx, caseID, domain.StageVoting, EventStageDeadline, "voting hard deadline missed", map[string]any{
			"votes_cast": votes,
			"panel_size": c.PanelSize,
		}); err != nil {
			return err
		}
		if err := e.voidTx(ctx, tx, caseID, domain.StageVoting, domain.VoidVotingTimeout, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// HandleSeatTimeout replaces a juror who never confirmed readiness with
// the next reserve: the seat moves to replaced and the incoming juror gets
// a fresh readiness deadline. With the reserve list exhausted the
// configured policy applies: wait keeps the seat timed out for operator
// action, void terminates the case.
func (e Engine) HandleSeatTimeout(ctx context.Context, caseID string, seatIndex int) error {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replacement only makes sense while the panel is still assembling. A
	// case that voided, closed, or moved past readiness keeps its seats as
	// they stand.
	session, err := e.Repo.GetSessionTx(ctx, tx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if session.VoidReason != nil {
		return nil
	}
	switch session.CurrentStage {
	case domain.StagePreSession, domain.StageJuryReadiness:
	default:
		return nil
	}

	seat, err := e.Repo.GetSeat(ctx, caseID, seatIndex)
	if err != nil {
		return err
	}
	if seat.ReadinessDeadlineAt == nil {
		return nil
	}
	if seat.Status != domain.SeatPending && seat.Status != domain.SeatReplaced {
		return nil
	}
	deadline, perr := time.Parse(time.RFC3339, *seat.ReadinessDeadlineAt)
	if perr != nil {
		if err := e.Repo.ClearSeatDeadlineTx(ctx, tx, caseID, seatIndex); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("case %s seat %d: cleared unreadable readiness deadline %q: %w",
			caseID, seatIndex, *seat.ReadinessDeadlineAt, perr)
	}
	if now.Before(deadline) {
		return nil
	}
	if err := e.Repo.SetSeatStatusTx(ctx, tx, caseID, seatIndex, seat.Status, domain.SeatTimedOut, e.ts(now)); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return err
	}
	if err := e.appendSystem(ctx, tx, caseID, domain.StageJuryReadiness, EventJurorTimedOut, "juror readiness window lapsed", map[string]any{
		"seat_index": seatIndex,
		"agent_id":   seat.AssignedAgentID,
	}); err != nil {
		return err
	}

	reserve, err := e.Repo.ConsumeNextReserveTx(ctx, tx, caseID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if e.Config.Jury.OnReserveExhausted == config.PolicyVoid {
			if verr := e.voidTx(ctx, tx, caseID, session.CurrentStage, domain.VoidJuryExhausted, now); verr != nil {
				return verr
			}
		}
		// Policy wait: the seat stays timed out until an operator reseats.
	case err != nil:
		return err
	default:
		cand := selection.Candidate{AgentID: reserve.AgentID, Rank: reserve.SelectionRank}
		newDeadline := e.ts(now.Add(e.Config.ReadinessWindow()))
		if err := e.Repo.ReseatTx(ctx, tx, caseID, seatIndex, reserve.AgentID, reserve.SelectionRank,
			selection.SeatProof(cand), newDeadline, e.ts(now)); err != nil {
			return err
		}
		if err := e.appendSystem(ctx, tx, caseID, domain.StageJuryReadiness, EventJurorReplaced, "reserve juror seated", map[string]any{
			"seat_index":     seatIndex,
			"agent_id":       reserve.AgentID,
			"selection_rank": reserve.SelectionRank,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

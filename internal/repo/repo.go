package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"opencawt/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,status,prosecution_agent_id,defendant_agent_id,open_defence,defence_agent_id,defence_state,
claim_summary,payment_tx_sig,jury_beacon,jury_proof_hash,panel_size,votes_cast,tally_proven,tally_not_proven,
tally_insufficient,created_at,COALESCE(scheduled_for,'')`

type caseScanner interface {
	Scan(dest ...any) error
}

func scanCase(row caseScanner) (domain.Case, error) {
	var c domain.Case
	var defendant, defence, payment, beacon, proof sql.NullString
	err := row.Scan(&c.ID, &c.Status, &c.ProsecutionAgentID, &defendant, &c.OpenDefence, &defence, &c.DefenceState,
		&c.ClaimSummary, &payment, &beacon, &proof, &c.PanelSize, &c.VotesCast, &c.TallyProven, &c.TallyNotProven,
		&c.TallyInsufficient, &c.CreatedAt, &c.ScheduledFor)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if defendant.Valid {
		c.DefendantAgentID = &defendant.String
	}
	if defence.Valid {
		c.DefenceAgentID = &defence.String
	}
	if payment.Valid {
		c.PaymentTxSig = &payment.String
	}
	if beacon.Valid {
		c.JuryBeacon = &beacon.String
	}
	if proof.Valid {
		c.JuryProofHash = &proof.String
	}
	return c, nil
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cases(id,status,prosecution_agent_id,defendant_agent_id,open_defence,defence_agent_id,defence_state,
		 claim_summary,payment_tx_sig,jury_beacon,jury_proof_hash,panel_size,created_at,scheduled_for)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Status, c.ProsecutionAgentID, nullableStringPtr(c.DefendantAgentID), c.OpenDefence,
		nullableStringPtr(c.DefenceAgentID), c.DefenceState, c.ClaimSummary, nullableStringPtr(c.PaymentTxSig),
		nullableStringPtr(c.JuryBeacon), nullableStringPtr(c.JuryProofHash), c.PanelSize, c.CreatedAt, nullable(c.ScheduledFor))
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

type CaseFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	q := `SELECT ` + caseColumns + ` FROM cases`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCaseStatusTx moves a case status with a CAS guard on the previous
// status; zero rows affected means the state moved underneath the caller.
func (r Repo) SetCaseStatusTx(ctx context.Context, tx *sql.Tx, id, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %s not in status %s: %w", id, from, ErrConflict)
	}
	return nil
}

// ErrConflict marks a lost compare-and-swap.
var ErrConflict = errors.New("conflict")

// ClaimDefenceTx is the single-writer defence assignment: the precondition
// check and the write are one statement, so exactly one of N concurrent
// claimants observes rows-affected=1.
func (r Repo) ClaimDefenceTx(ctx context.Context, tx *sql.Tx, caseID, agentID, state string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE cases SET defence_agent_id=?, defence_state=? WHERE id=? AND defence_agent_id IS NULL`,
		agentID, state, caseID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetJuryTx(ctx context.Context, tx *sql.Tx, caseID, beacon, proofHash string, panelSize int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE cases SET jury_beacon=?, jury_proof_hash=?, panel_size=? WHERE id=?`,
		beacon, proofHash, panelSize, caseID)
	return err
}

func (r Repo) SetPaymentTx(ctx context.Context, tx *sql.Tx, caseID, txSig string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cases SET payment_tx_sig=? WHERE id=?`, txSig, caseID)
	return err
}

func (r Repo) SetScheduledForTx(ctx context.Context, tx *sql.Tx, caseID, scheduledFor string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cases SET scheduled_for=? WHERE id=?`, scheduledFor, caseID)
	return err
}

// BumpTallyTx records one accepted ballot in the running vote summary.
func (r Repo) BumpTallyTx(ctx context.Context, tx *sql.Tx, caseID, finding string) error {
	col := ""
	switch finding {
	case domain.FindingProven:
		col = "tally_proven"
	case domain.FindingNotProven:
		col = "tally_not_proven"
	case domain.FindingInsufficient:
		col = "tally_insufficient"
	default:
		return fmt.Errorf("unknown finding %s", finding)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE cases SET votes_cast=votes_cast+1, `+col+`=`+col+`+1 WHERE id=?`, caseID)
	return err
}

// --- sessions ---

func scanSession(row caseScanner) (domain.CaseSession, error) {
	var s domain.CaseSession
	var deadline, voting, reason, voided sql.NullString
	err := row.Scan(&s.CaseID, &s.CurrentStage, &s.StageStartedAt, &deadline, &s.ScheduledSessionStartAt,
		&voting, &reason, &voided)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if deadline.Valid {
		s.StageDeadlineAt = &deadline.String
	}
	if voting.Valid {
		s.VotingHardDeadlineAt = &voting.String
	}
	if reason.Valid {
		s.VoidReason = &reason.String
	}
	if voided.Valid {
		s.VoidedAt = &voided.String
	}
	return s, nil
}

const sessionColumns = `case_id,current_stage,stage_started_at,stage_deadline_at,scheduled_session_start_at,
voting_hard_deadline_at,void_reason,voided_at`

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.CaseSession) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO case_sessions(case_id,current_stage,stage_started_at,stage_deadline_at,scheduled_session_start_at,
		 voting_hard_deadline_at,void_reason,voided_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.CaseID, s.CurrentStage, s.StageStartedAt, nullableStringPtr(s.StageDeadlineAt), s.ScheduledSessionStartAt,
		nullableStringPtr(s.VotingHardDeadlineAt), nullableStringPtr(s.VoidReason), nullableStringPtr(s.VoidedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, caseID string) (domain.CaseSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM case_sessions WHERE case_id=?`, caseID))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.CaseSession, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM case_sessions WHERE case_id=?`, caseID))
}

// AdvanceStageTx moves the session cursor with a CAS on the current stage.
// No two transitions for the same case can interleave: the loser sees
// ErrConflict and re-reads.
func (r Repo) AdvanceStageTx(ctx context.Context, tx *sql.Tx, caseID, fromStage, toStage, startedAt string, deadlineAt, votingHardDeadlineAt *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE case_sessions SET current_stage=?, stage_started_at=?, stage_deadline_at=?,
		 voting_hard_deadline_at=COALESCE(?, voting_hard_deadline_at)
		 WHERE case_id=? AND current_stage=?`,
		toStage, startedAt, nullableStringPtr(deadlineAt), nullableStringPtr(votingHardDeadlineAt), caseID, fromStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not in stage %s: %w", caseID, fromStage, ErrConflict)
	}
	return nil
}

// VoidSessionTx terminates the session; the CAS guard keeps a void from
// clobbering a transition that won the race.
func (r Repo) VoidSessionTx(ctx context.Context, tx *sql.Tx, caseID, fromStage, reason, voidedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE case_sessions SET current_stage=?, void_reason=?, voided_at=?, stage_deadline_at=NULL,
		 voting_hard_deadline_at=NULL WHERE case_id=? AND current_stage=?`,
		domain.StageVoid, reason, voidedAt, caseID, fromStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not in stage %s: %w", caseID, fromStage, ErrConflict)
	}
	return nil
}

// SessionsDue returns sessions whose stage deadline has passed, oldest first.
func (r Repo) SessionsDue(ctx context.Context, now string, limit int) ([]domain.CaseSession, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM case_sessions
		 WHERE stage_deadline_at IS NOT NULL AND stage_deadline_at<=? AND void_reason IS NULL
		 ORDER BY stage_deadline_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// VotingDue returns sessions in voting whose hard deadline has passed.
func (r Repo) VotingDue(ctx context.Context, now string, limit int) ([]domain.CaseSession, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM case_sessions
		 WHERE current_stage=? AND voting_hard_deadline_at IS NOT NULL AND voting_hard_deadline_at<=?
		 ORDER BY voting_hard_deadline_at ASC LIMIT ?`, domain.StageVoting, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

package repo

import (
	"context"
	"database/sql"
	"fmt"

	"opencawt/internal/domain"
)

const seatColumns = `case_id,seat_index,assigned_agent_id,status,selection_rank,seat_proof,readiness_deadline_at,updated_at`

func scanSeat(row caseScanner) (domain.JurorSeat, error) {
	var s domain.JurorSeat
	var deadline sql.NullString
	err := row.Scan(&s.CaseID, &s.SeatIndex, &s.AssignedAgentID, &s.Status, &s.SelectionRank, &s.SeatProof,
		&deadline, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if deadline.Valid {
		s.ReadinessDeadlineAt = &deadline.String
	}
	return s, nil
}

func (r Repo) InsertSeatTx(ctx context.Context, tx *sql.Tx, s domain.JurorSeat) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO juror_seats(case_id,seat_index,assigned_agent_id,status,selection_rank,seat_proof,readiness_deadline_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		s.CaseID, s.SeatIndex, s.AssignedAgentID, s.Status, s.SelectionRank, s.SeatProof,
		nullableStringPtr(s.ReadinessDeadlineAt), s.UpdatedAt)
	return err
}

func (r Repo) ListSeats(ctx context.Context, caseID string) ([]domain.JurorSeat, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM juror_seats WHERE case_id=? ORDER BY seat_index ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JurorSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetSeat(ctx context.Context, caseID string, seatIndex int) (domain.JurorSeat, error) {
	return scanSeat(r.DB.QueryRowContext(ctx,
		`SELECT `+seatColumns+` FROM juror_seats WHERE case_id=? AND seat_index=?`, caseID, seatIndex))
}

// SeatForAgent finds the live seat an agent currently occupies on a case.
// Timed-out seats do not count; a replaced seat belongs to its new occupant.
func (r Repo) SeatForAgent(ctx context.Context, caseID, agentID string) (domain.JurorSeat, error) {
	return scanSeat(r.DB.QueryRowContext(ctx,
		`SELECT `+seatColumns+` FROM juror_seats WHERE case_id=? AND assigned_agent_id=? AND status IN (?,?,?,?)`,
		caseID, agentID, domain.SeatPending, domain.SeatReplaced, domain.SeatReady, domain.SeatVoted))
}

// ClaimSeatReadyTx confirms readiness with the same atomic-conditional-write
// shape as the defence claim: only a seat awaiting confirmation, freshly
// selected or refilled from the reserve, flips to ready.
func (r Repo) ClaimSeatReadyTx(ctx context.Context, tx *sql.Tx, caseID string, seatIndex int, agentID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE juror_seats SET status=?, readiness_deadline_at=NULL, updated_at=?
		 WHERE case_id=? AND seat_index=? AND assigned_agent_id=? AND status IN (?,?)`,
		domain.SeatReady, updatedAt, caseID, seatIndex, agentID, domain.SeatPending, domain.SeatReplaced)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSeatStatusTx moves a seat with a CAS on the previous status.
func (r Repo) SetSeatStatusTx(ctx context.Context, tx *sql.Tx, caseID string, seatIndex int, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE juror_seats SET status=?, updated_at=? WHERE case_id=? AND seat_index=? AND status=?`,
		to, updatedAt, caseID, seatIndex, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seat %s/%d not in status %s: %w", caseID, seatIndex, from, ErrConflict)
	}
	return nil
}

// ReseatTx points a timed-out seat at a replacement juror with a fresh
// readiness deadline. The seat lands in replaced, recording that it was
// refilled from the reserve; the old occupant's history lives in the
// transcript.
func (r Repo) ReseatTx(ctx context.Context, tx *sql.Tx, caseID string, seatIndex int, agentID string, rank int, proof, deadlineAt, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE juror_seats SET assigned_agent_id=?, status=?, selection_rank=?, seat_proof=?, readiness_deadline_at=?, updated_at=?
		 WHERE case_id=? AND seat_index=? AND status=?`,
		agentID, domain.SeatReplaced, rank, proof, deadlineAt, updatedAt, caseID, seatIndex, domain.SeatTimedOut)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seat %s/%d not timed out: %w", caseID, seatIndex, ErrConflict)
	}
	return nil
}

func (r Repo) CountSeatsByStatus(ctx context.Context, caseID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM juror_seats WHERE case_id=? GROUP BY status`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) CountSeatsByStatusTx(ctx context.Context, tx *sql.Tx, caseID, status string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM juror_seats WHERE case_id=? AND status=?`, caseID, status).Scan(&n)
	return n, err
}

// ClearSeatDeadlineTx drops one seat's readiness deadline.
func (r Repo) ClearSeatDeadlineTx(ctx context.Context, tx *sql.Tx, caseID string, seatIndex int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE juror_seats SET readiness_deadline_at=NULL WHERE case_id=? AND seat_index=?`, caseID, seatIndex)
	return err
}

// ClearSeatDeadlinesTx drops every readiness deadline on a case, so a
// terminated case never surfaces in the overdue scan again.
func (r Repo) ClearSeatDeadlinesTx(ctx context.Context, tx *sql.Tx, caseID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE juror_seats SET readiness_deadline_at=NULL WHERE case_id=?`, caseID)
	return err
}

// SeatsOverdue returns unconfirmed seats whose readiness deadline has passed.
func (r Repo) SeatsOverdue(ctx context.Context, now string, limit int) ([]domain.JurorSeat, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM juror_seats
		 WHERE status IN (?,?) AND readiness_deadline_at IS NOT NULL AND readiness_deadline_at<=?
		 ORDER BY readiness_deadline_at ASC LIMIT ?`, domain.SeatPending, domain.SeatReplaced, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JurorSeat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- reserves ---

type Reserve struct {
	CaseID        string
	SelectionRank int
	AgentID       string
}

func (r Repo) InsertReserveTx(ctx context.Context, tx *sql.Tx, caseID string, rank int, agentID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jury_reserves(case_id,selection_rank,agent_id,consumed) VALUES (?,?,?,0)`,
		caseID, rank, agentID)
	return err
}

// ConsumeNextReserveTx pulls the lowest-ranked unconsumed reserve for a
// case. The conditional update on the chosen rank makes consumption
// exactly-once under concurrent replacement handling.
func (r Repo) ConsumeNextReserveTx(ctx context.Context, tx *sql.Tx, caseID string) (Reserve, error) {
	var res Reserve
	err := tx.QueryRowContext(ctx,
		`SELECT case_id,selection_rank,agent_id FROM jury_reserves
		 WHERE case_id=? AND consumed=0 ORDER BY selection_rank ASC LIMIT 1`, caseID).
		Scan(&res.CaseID, &res.SelectionRank, &res.AgentID)
	if err == sql.ErrNoRows {
		return Reserve{}, ErrNotFound
	}
	if err != nil {
		return Reserve{}, err
	}
	upd, err := tx.ExecContext(ctx,
		`UPDATE jury_reserves SET consumed=1 WHERE case_id=? AND selection_rank=? AND consumed=0`,
		caseID, res.SelectionRank)
	if err != nil {
		return Reserve{}, err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return Reserve{}, fmt.Errorf("reserve %s/%d already consumed: %w", caseID, res.SelectionRank, ErrConflict)
	}
	return res, nil
}

// --- jury proofs ---

type JuryProof struct {
	CaseID       string
	Beacon       string
	PoolHash     string
	OrderingJSON string
	ProofHash    string
	CreatedAt    string
}

func (r Repo) InsertJuryProofTx(ctx context.Context, tx *sql.Tx, p JuryProof) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jury_proofs(case_id,beacon,pool_hash,ordering_json,proof_hash,created_at) VALUES (?,?,?,?,?,?)`,
		p.CaseID, p.Beacon, p.PoolHash, p.OrderingJSON, p.ProofHash, p.CreatedAt)
	return err
}

func (r Repo) GetJuryProof(ctx context.Context, caseID string) (JuryProof, error) {
	var p JuryProof
	err := r.DB.QueryRowContext(ctx,
		`SELECT case_id,beacon,pool_hash,ordering_json,proof_hash,created_at FROM jury_proofs WHERE case_id=?`, caseID).
		Scan(&p.CaseID, &p.Beacon, &p.PoolHash, &p.OrderingJSON, &p.ProofHash, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

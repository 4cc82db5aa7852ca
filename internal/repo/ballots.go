package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"opencawt/internal/domain"
)

const ballotColumns = `id,case_id,seat_index,juror_agent_id,claim_id,finding,reasoning_summary,principles_json,confidence,created_at`

func scanBallot(row caseScanner) (domain.Ballot, error) {
	var b domain.Ballot
	var principles string
	var confidence sql.NullFloat64
	err := row.Scan(&b.ID, &b.CaseID, &b.SeatIndex, &b.JurorAgentID, &b.ClaimID, &b.Finding,
		&b.ReasoningSummary, &principles, &confidence, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if confidence.Valid {
		b.Confidence = &confidence.Float64
	}
	if err := json.Unmarshal([]byte(principles), &b.PrinciplesReliedOn); err != nil {
		return b, err
	}
	return b, nil
}

// InsertBallotTx accepts one ballot. UNIQUE(case_id, seat_index, claim_id)
// enforces the one-ballot-per-seat-per-claim invariant at the storage layer.
func (r Repo) InsertBallotTx(ctx context.Context, tx *sql.Tx, b domain.Ballot) error {
	principles, err := json.Marshal(b.PrinciplesReliedOn)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ballots(id,case_id,seat_index,juror_agent_id,claim_id,finding,reasoning_summary,principles_json,confidence,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.CaseID, b.SeatIndex, b.JurorAgentID, b.ClaimID, b.Finding, b.ReasoningSummary,
		string(principles), nullableFloatPtr(b.Confidence), b.CreatedAt)
	return err
}

func (r Repo) GetBallotBySeat(ctx context.Context, caseID string, seatIndex int, claimID string) (domain.Ballot, error) {
	return scanBallot(r.DB.QueryRowContext(ctx,
		`SELECT `+ballotColumns+` FROM ballots WHERE case_id=? AND seat_index=? AND claim_id=?`,
		caseID, seatIndex, claimID))
}

func (r Repo) ListBallots(ctx context.Context, caseID string) ([]domain.Ballot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ballotColumns+` FROM ballots WHERE case_id=? ORDER BY seat_index ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ballot
	for rows.Next() {
		b, err := scanBallot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountBallotsTx(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ballots WHERE case_id=?`, caseID).Scan(&n)
	return n, err
}

func (r Repo) CountBallots(ctx context.Context, caseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ballots WHERE case_id=?`, caseID).Scan(&n)
	return n, err
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

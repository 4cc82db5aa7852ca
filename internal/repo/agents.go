package repo

import (
	"context"
	"database/sql"

	"opencawt/internal/domain"
)

const agentColumns = `id,COALESCE(display_name,''),secret,juror_eligible,active,created_at`

func scanAgent(row caseScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.DisplayName, &a.Secret, &a.JurorEligible, &a.Active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO agents(id,display_name,secret,juror_eligible,active,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, nullable(a.DisplayName), a.Secret, a.JurorEligible, a.Active, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// EligiblePool snapshots agents that can serve as jurors, excluding the
// parties to the case.
func (r Repo) EligiblePool(ctx context.Context, excludeAgentIDs []string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM agents WHERE active=1 AND juror_eligible=1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	excluded := map[string]bool{}
	for _, id := range excludeAgentIDs {
		excluded[id] = true
	}
	var pool []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !excluded[id] {
			pool = append(pool, id)
		}
	}
	return pool, rows.Err()
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"opencawt/internal/domain"
)

// ErrIdempotencyPayloadMismatch means a key was reused with a different
// payload; the caller's intent is ambiguous, so the request is rejected.
var ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")

// ClaimIdempotencyKey registers a processing slot for a mutation. The
// INSERT is the claim: the first caller wins it and proceeds; a retry with
// the same payload gets the stored first result back; a reuse with a
// different payload is rejected.
func (r Repo) ClaimIdempotencyKey(ctx context.Context, key, agentID, endpoint, payloadHash, createdAt string) (claimed bool, prior domain.IdempotencyRecord, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.IdempotencyRecord{}, err
	}
	defer tx.Rollback()

	var rec domain.IdempotencyRecord
	err = tx.QueryRowContext(ctx,
		`SELECT key,agent_id,endpoint,payload_hash,response_status,response_body,created_at
		 FROM idempotency_keys WHERE key=? AND agent_id=? AND endpoint=?`, key, agentID, endpoint).
		Scan(&rec.Key, &rec.AgentID, &rec.Endpoint, &rec.PayloadHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys(key,agent_id,endpoint,payload_hash,created_at) VALUES (?,?,?,?,?)`,
			key, agentID, endpoint, payloadHash, createdAt); err != nil {
			return false, domain.IdempotencyRecord{}, err
		}
		if err := tx.Commit(); err != nil {
			return false, domain.IdempotencyRecord{}, err
		}
		return true, domain.IdempotencyRecord{}, nil
	case err != nil:
		return false, domain.IdempotencyRecord{}, err
	}
	if rec.PayloadHash != payloadHash {
		return false, rec, ErrIdempotencyPayloadMismatch
	}
	return false, rec, nil
}

// SaveIdempotencyResult stores the first outcome so retries replay it.
func (r Repo) SaveIdempotencyResult(ctx context.Context, key, agentID, endpoint string, status int, body string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE idempotency_keys SET response_status=?, response_body=? WHERE key=? AND agent_id=? AND endpoint=?`,
		status, body, key, agentID, endpoint)
	return err
}

// PruneIdempotencyKeys bounds the cache; records older than the cutoff go.
func (r Repo) PruneIdempotencyKeys(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at<?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

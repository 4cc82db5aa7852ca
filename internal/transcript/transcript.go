package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opencawt/internal/canon"
	"opencawt/internal/domain"
)

// Log is the append-only, per-case ordered record of everything that
// happened in a case. It is the substrate both hashing and audit read from.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one event inside the caller's transaction and returns its
// sequence number. Sequence numbers are gapless and strictly increasing per
// case: the next value is computed in the same transaction that inserts the
// row, and UNIQUE(case_id, seq_no) rejects any writer that lost the race.
func (l Log) Append(ctx context.Context, tx *sql.Tx, ev domain.TranscriptEvent) (int64, error) {
	if ev.CaseID == "" {
		return 0, fmt.Errorf("append: case id required")
	}
	if ev.EventType == "" {
		return 0, fmt.Errorf("append: event type required")
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq_no),0)+1 FROM transcript_events WHERE case_id=?`, ev.CaseID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	eventID := ev.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	createdAt := ev.CreatedAt
	if createdAt == "" {
		createdAt = l.now().UTC().Format(time.RFC3339)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcript_events(event_id,case_id,seq_no,actor_role,actor_agent_id,event_type,stage,message_text,payload_json,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		eventID, ev.CaseID, seq, ev.ActorRole, nullableStringPtr(ev.ActorAgentID), ev.EventType, ev.Stage,
		ev.MessageText, string(payload), createdAt)
	if err != nil {
		return 0, fmt.Errorf("insert transcript event: %w", err)
	}
	return seq, nil
}

// Read returns events for a case in seq order, starting strictly after
// afterSeq. limit <= 0 means no limit.
func (l Log) Read(ctx context.Context, caseID string, afterSeq int64, limit int) ([]domain.TranscriptEvent, error) {
	q := `SELECT event_id,case_id,seq_no,actor_role,actor_agent_id,event_type,stage,message_text,payload_json,created_at
	      FROM transcript_events WHERE case_id=? AND seq_no>? ORDER BY seq_no ASC`
	args := []any{caseID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TranscriptEvent
	for rows.Next() {
		var ev domain.TranscriptEvent
		var actor sql.NullString
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.CaseID, &ev.SeqNo, &ev.ActorRole, &actor, &ev.EventType,
			&ev.Stage, &ev.MessageText, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			ev.ActorAgentID = &actor.String
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("event %s payload: %w", ev.EventID, err)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// projection is the single shape hashed on both the sealing and verifying
// side. Adding or reordering fields here changes every transcript root.
type projection struct {
	SeqNo        int64          `json:"seq_no"`
	ActorRole    string         `json:"actor_role"`
	ActorAgentID *string        `json:"actor_agent_id,omitempty"`
	EventType    string         `json:"event_type"`
	Stage        string         `json:"stage"`
	MessageText  string         `json:"message_text"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    string         `json:"created_at"`
}

func project(ev domain.TranscriptEvent) projection {
	p := projection{
		SeqNo:        ev.SeqNo,
		ActorRole:    ev.ActorRole,
		ActorAgentID: ev.ActorAgentID,
		EventType:    ev.EventType,
		Stage:        ev.Stage,
		MessageText:  ev.MessageText,
		Payload:      ev.Payload,
		CreatedAt:    ev.CreatedAt,
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	return p
}

// RootHash folds the ordered events into a hash chain:
//
//	r_0 = H(canon(case_id))
//	r_i = H(r_{i-1} || H(canon(project(e_i))))
//
// so any mutation, reordering, or truncation of the log changes the root.
func RootHash(caseID string, events []domain.TranscriptEvent) (string, error) {
	root, err := canon.Sum(caseID)
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		link, err := canon.Sum(project(ev))
		if err != nil {
			return "", fmt.Errorf("event seq %d: %w", ev.SeqNo, err)
		}
		root = canon.SumBytes([]byte(root + link))
	}
	return root, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

package supervisor

import (
	"context"
	"errors"
	"log"
	"time"

	"opencawt/internal/domain"
	"opencawt/internal/engine"
	"opencawt/internal/repo"
	"opencawt/internal/seal"
)

const (
	defaultInterval        = 2 * time.Second
	defaultBatch           = 100
	idempotencyKeyLifetime = 24 * time.Hour
)

// Supervisor is the deadline enforcer: it scans for lapsed stage deadlines,
// lapsed juror readiness windows, and expired voting, and drives the seal
// pipeline for closed cases. Mutations all go through the engine, so a
// supervisor tick races agent requests safely.
type Supervisor struct {
	Engine   engine.Engine
	Sealer   seal.Pipeline
	Interval time.Duration
	Batch    int
}

func New(eng engine.Engine, sealer seal.Pipeline) *Supervisor {
	return &Supervisor{
		Engine:   eng,
		Sealer:   sealer,
		Interval: defaultInterval,
		Batch:    defaultBatch,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full scan. Exported so tests and the CLI can drive the
// supervisor without the timer.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.Engine.Now().UTC().Format(time.RFC3339)

	seats, err := s.Engine.Repo.SeatsOverdue(ctx, now, s.Batch)
	if err != nil {
		log.Printf("supervisor: scan overdue seats: %v", err)
	}
	for _, seat := range seats {
		if err := s.Engine.HandleSeatTimeout(ctx, seat.CaseID, seat.SeatIndex); err != nil && !errors.Is(err, repo.ErrConflict) {
			log.Printf("supervisor: seat %s/%d timeout: %v", seat.CaseID, seat.SeatIndex, err)
		}
	}

	sessions, err := s.Engine.Repo.SessionsDue(ctx, now, s.Batch)
	if err != nil {
		log.Printf("supervisor: scan due sessions: %v", err)
	}
	for _, session := range sessions {
		if err := s.Engine.HandleStageTimeout(ctx, session.CaseID); err != nil && !errors.Is(err, repo.ErrConflict) {
			log.Printf("supervisor: stage timeout for %s: %v", session.CaseID, err)
		}
	}

	voting, err := s.Engine.Repo.VotingDue(ctx, now, s.Batch)
	if err != nil {
		log.Printf("supervisor: scan voting deadlines: %v", err)
	}
	for _, session := range voting {
		if err := s.Engine.HandleVotingHardTimeout(ctx, session.CaseID); err != nil && !errors.Is(err, repo.ErrConflict) {
			log.Printf("supervisor: voting timeout for %s: %v", session.CaseID, err)
		}
	}

	s.sealClosed(ctx)

	cutoff := s.Engine.Now().Add(-idempotencyKeyLifetime).UTC().Format(time.RFC3339)
	if _, err := s.Engine.Repo.PruneIdempotencyKeys(ctx, cutoff); err != nil {
		log.Printf("supervisor: prune idempotency keys: %v", err)
	}
}

// sealClosed pushes every closed case through the seal pipeline. Failed
// seals are skipped; they wait for an explicit retry.
func (s *Supervisor) sealClosed(ctx context.Context) {
	cases, err := s.Engine.Repo.ListCases(ctx, repo.CaseFilters{Status: domain.CaseClosed, Limit: s.Batch})
	if err != nil {
		log.Printf("supervisor: scan closed cases: %v", err)
		return
	}
	for _, c := range cases {
		if err := s.Sealer.Run(ctx, c.ID); err != nil {
			if errors.Is(err, seal.ErrNeedsRetry) {
				continue
			}
			log.Printf("supervisor: seal %s: %v", c.ID, err)
		}
	}
}

package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"opencawt/internal/config"
	"opencawt/internal/db"
	"opencawt/internal/domain"
	"opencawt/internal/engine"
	"opencawt/internal/migrate"
	"opencawt/internal/seal"
	"opencawt/internal/treasury"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTreasury struct{ payment treasury.Payment }

func (f fakeTreasury) LookupTransaction(context.Context, string) (treasury.Payment, error) {
	return f.payment, nil
}

func testSupervisor(t *testing.T) (*Supervisor, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Court.TreasuryAddress = "treasury"
	cfg.Jury.PanelSize = 3
	cfg.Jury.ReserveSize = 1
	clk := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Treasury = fakeTreasury{payment: treasury.Payment{
		Found: true, Finalized: true, Destination: "treasury", Lamports: cfg.Court.FilingFeeLamports,
	}}
	ctx := context.Background()
	if err := eng.Repo.InsertAgent(ctx, domain.Agent{ID: "agent-pros", Secret: "s", Active: true, CreatedAt: "2026-03-14T09:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if err := eng.Repo.InsertAgent(ctx, domain.Agent{
			ID: fmt.Sprintf("juror-%02d", i), Secret: "s", JurorEligible: true, Active: true,
			CreatedAt: "2026-03-14T09:00:00Z",
		}); err != nil {
			t.Fatal(err)
		}
	}
	sealer := sealPipeline(conn, cfg, clk)
	return New(eng, sealer), clk
}

func sealPipeline(conn *sql.DB, cfg *config.Config, clk *clock) seal.Pipeline {
	p := seal.New(conn, cfg)
	p.Now = clk.Now
	return p
}

func TestTickVoidsUndefendedCase(t *testing.T) {
	sup, clk := testSupervisor(t)
	ctx := context.Background()
	c, err := sup.Engine.DraftCase(ctx, engine.DraftCaseOptions{
		ProsecutionAgentID: "agent-pros",
		OpenDefence:        true,
		ClaimSummary:       "open claim against the registry",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Engine.FileCase(ctx, c.ID, "sig"); err != nil {
		t.Fatal(err)
	}

	// Before the deadline a tick must not touch the case.
	sup.Tick(ctx)
	session, err := sup.Engine.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStage != domain.StagePreSession {
		t.Fatalf("premature tick moved stage to %s", session.CurrentStage)
	}

	clk.Advance(sup.Engine.Config.DefenceWindow() + time.Minute)
	sup.Tick(ctx)
	session, err = sup.Engine.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VoidReason == nil || *session.VoidReason != domain.VoidDefenceUnassigned {
		t.Fatalf("void reason = %v, want defence_unassigned", session.VoidReason)
	}
}

func TestTickReplacesLapsedJurors(t *testing.T) {
	sup, clk := testSupervisor(t)
	ctx := context.Background()
	c, err := sup.Engine.DraftCase(ctx, engine.DraftCaseOptions{
		ProsecutionAgentID: "agent-pros",
		OpenDefence:        true,
		ClaimSummary:       "open claim against the registry",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Engine.FileCase(ctx, c.ID, "sig"); err != nil {
		t.Fatal(err)
	}
	before, err := sup.Engine.Repo.ListSeats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(sup.Engine.Config.ReadinessWindow() + time.Minute)
	sup.Tick(ctx)

	after, err := sup.Engine.Repo.ListSeats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	replaced := 0
	for i := range after {
		if after[i].AssignedAgentID != before[i].AssignedAgentID {
			replaced++
		}
	}
	// One reserve is configured, so exactly one lapsed seat gets a new juror.
	if replaced != 1 {
		t.Fatalf("replaced = %d seats, want 1", replaced)
	}
}

func TestTickSealsClosedCases(t *testing.T) {
	sup, _ := testSupervisor(t)
	ctx := context.Background()
	if _, err := sup.Engine.DB.ExecContext(ctx,
		`INSERT INTO cases(id,status,prosecution_agent_id,open_defence,defence_agent_id,defence_state,claim_summary,
		 jury_beacon,jury_proof_hash,panel_size,votes_cast,tally_proven,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		"case-closed", domain.CaseClosed, "agent-pros", false, "juror-00", domain.DefenceVolunteered,
		"claim", "beacon", "proofhash", 3, 3, 3, "2026-03-14T09:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Engine.DB.ExecContext(ctx,
		`INSERT INTO case_sessions(case_id,current_stage,stage_started_at,scheduled_session_start_at)
		 VALUES (?,?,?,?)`,
		"case-closed", domain.StageClosed, "2026-03-14T09:00:00Z", "2026-03-14T09:00:00Z"); err != nil {
		t.Fatal(err)
	}

	sup.Tick(ctx)

	c, err := sup.Engine.Repo.GetCase(ctx, "case-closed")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CaseSealed {
		t.Fatalf("status = %s, want sealed", c.Status)
	}
}

package seal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"opencawt/internal/config"
	"opencawt/internal/db"
	"opencawt/internal/domain"
	"opencawt/internal/migrate"
	"opencawt/internal/mint"
)

func testPipeline(t *testing.T) Pipeline {
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
	cfg.Seal.ResolveMaxAttempts = 3
	return New(conn, cfg)
}

const ts = "2026-03-14T10:00:00Z"

// seedClosedCase writes a case that has just finished voting: closed, full
// tally, ballots on record, transcript populated.
func seedClosedCase(t *testing.T, p Pipeline, caseID string) {
	t.Helper()
	ctx := context.Background()
	proofHash := "deadbeef"
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	for _, agentID := range []string{"agent-pros", "agent-def"} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents(id,secret,juror_eligible,active,created_at) VALUES (?,?,?,?,?)`,
			agentID, "secret", 0, 1, ts); err != nil {
			t.Fatalf("seed agent %s: %v", agentID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cases(id,status,prosecution_agent_id,open_defence,defence_agent_id,defence_state,claim_summary,
		 jury_beacon,jury_proof_hash,panel_size,votes_cast,tally_proven,tally_not_proven,tally_insufficient,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		caseID, domain.CaseClosed, "agent-pros", false, "agent-def", domain.DefenceAccepted,
		"claim", "beacon-1", proofHash, 3, 3, 2, 1, 0, ts); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	if err := p.Repo.InsertSessionTx(ctx, tx, domain.CaseSession{
		CaseID:                  caseID,
		CurrentStage:            domain.StageClosed,
		StageStartedAt:          ts,
		ScheduledSessionStartAt: ts,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	for i := 0; i < 3; i++ {
		finding := domain.FindingProven
		if i == 2 {
			finding = domain.FindingNotProven
		}
		if err := p.Repo.InsertBallotTx(ctx, tx, domain.Ballot{
			ID:                 fmt.Sprintf("ballot-%d", i),
			CaseID:             caseID,
			SeatIndex:          i,
			JurorAgentID:       fmt.Sprintf("juror-%02d", i),
			ClaimID:            "primary",
			Finding:            finding,
			ReasoningSummary:   "reasoned",
			PrinciplesReliedOn: []string{"p1"},
			CreatedAt:          ts,
		}); err != nil {
			t.Fatalf("seed ballot %d: %v", i, err)
		}
	}
	for _, typ := range []string{"case_filed", "stage_started", "ballot_cast", "case_closed"} {
		if _, err := p.Log.Append(ctx, tx, domain.TranscriptEvent{
			CaseID:    caseID,
			ActorRole: domain.RoleSystem,
			EventType: typ,
			Stage:     domain.StageClosed,
			CreatedAt: ts,
		}); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		proven, notProven, cast int
		want                    string
	}{
		{2, 1, 3, domain.FindingProven},
		{1, 2, 3, domain.FindingNotProven},
		{1, 1, 3, domain.FindingInsufficient},
		{0, 0, 0, domain.FindingInsufficient},
	}
	for _, tc := range cases {
		if got := Outcome(tc.proven, tc.notProven, tc.cast); got != tc.want {
			t.Errorf("Outcome(%d,%d,%d) = %s, want %s", tc.proven, tc.notProven, tc.cast, got, tc.want)
		}
	}
}

func TestRunSealsClosedCase(t *testing.T) {
	p := testPipeline(t)
	ctx := context.Background()
	seedClosedCase(t, p, "case-1")

	if err := p.Run(ctx, "case-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	c, err := p.Repo.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CaseSealed {
		t.Fatalf("status = %s, want sealed", c.Status)
	}
	rec, err := p.Repo.GetSeal(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SealStatus != domain.SealSealed {
		t.Fatalf("seal status = %s", rec.SealStatus)
	}
	if rec.AssetID == nil || rec.TxSig == nil || rec.SealedURI == nil {
		t.Fatal("a sealed record must carry asset id, tx sig, and sealed uri")
	}
	if rec.VerdictHash == "" || rec.TranscriptRootHash == "" || rec.JurySelectionProofHash == "" {
		t.Fatal("a sealed record must carry all three hashes")
	}

	// Re-running a sealed case is a no-op.
	if err := p.Run(ctx, "case-1"); err != nil {
		t.Fatalf("re-run: %v", err)
	}
}

func TestRunRejectsOpenCase(t *testing.T) {
	p := testPipeline(t)
	ctx := context.Background()
	if _, err := p.DB.ExecContext(ctx,
		`INSERT INTO agents(id,secret,juror_eligible,active,created_at) VALUES (?,?,?,?,?)`,
		"agent-pros", "secret", 0, 1, ts); err != nil {
		t.Fatal(err)
	}
	if _, err := p.DB.ExecContext(ctx,
		`INSERT INTO cases(id,status,prosecution_agent_id,open_defence,defence_state,claim_summary,panel_size,created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		"case-open", domain.CaseActive, "agent-pros", true, domain.DefenceUnassigned, "claim", 3, ts); err != nil {
		t.Fatal(err)
	}
	if err := p.Run(ctx, "case-open"); err == nil {
		t.Fatal("active cases must not seal")
	}
}

type brokenWorker struct{ mintErr error }

func (w brokenWorker) Mint(context.Context, mint.Request) (string, error) {
	if w.mintErr != nil {
		return "", w.mintErr
	}
	return "tx-1", nil
}

func (w brokenWorker) Resolve(context.Context, string) (mint.Asset, error) {
	return mint.Asset{}, mint.ErrNotResolved
}

func TestMintFailureMarksFailedAndRetryRecovers(t *testing.T) {
	p := testPipeline(t)
	ctx := context.Background()
	seedClosedCase(t, p, "case-2")

	good := p.Worker
	p.Worker = brokenWorker{mintErr: errors.New("worker down")}
	if err := p.Run(ctx, "case-2"); err == nil {
		t.Fatal("mint failure must surface")
	}
	rec, err := p.Repo.GetSeal(ctx, "case-2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SealStatus != domain.SealFailed || rec.LastError == nil {
		t.Fatalf("seal = %+v, want failed with error", rec)
	}
	c, err := p.Repo.GetCase(ctx, "case-2")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CaseClosed {
		t.Fatalf("failed seal must leave the case closed, got %s", c.Status)
	}
	// A plain Run refuses a failed seal; the retry path re-arms it.
	if err := p.Run(ctx, "case-2"); !errors.Is(err, ErrNeedsRetry) {
		t.Fatalf("run on failed seal: %v", err)
	}
	p.Worker = good
	if err := p.Retry(ctx, "case-2"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec, err = p.Repo.GetSeal(ctx, "case-2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SealStatus != domain.SealSealed {
		t.Fatalf("seal status after retry = %s", rec.SealStatus)
	}
}

func TestWebhookResolutionShortCircuitsPolling(t *testing.T) {
	p := testPipeline(t)
	ctx := context.Background()
	seedClosedCase(t, p, "case-3")

	// Resolve never answers, but the webhook lands the asset first.
	p.Worker = prefilledWorker{p: p, caseID: "case-3"}
	if err := p.Run(ctx, "case-3"); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec, err := p.Repo.GetSeal(ctx, "case-3")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AssetID == nil || *rec.AssetID != "asset-webhook" {
		t.Fatalf("asset = %v, want the webhook-resolved one", rec.AssetID)
	}
}

// prefilledWorker simulates the out-of-band chain webhook: on Mint it
// returns a signature, then the resolution arrives through MarkTxResolved
// rather than through Resolve.
type prefilledWorker struct {
	p      Pipeline
	caseID string
}

func (w prefilledWorker) Mint(context.Context, mint.Request) (string, error) {
	return "tx-webhook", nil
}

func (w prefilledWorker) Resolve(ctx context.Context, txSig string) (mint.Asset, error) {
	ok, err := w.p.Repo.MarkTxResolved(ctx, txSig, "asset-webhook", "https://opencawt.example/seals/webhook.json",
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return mint.Asset{}, err
	}
	_ = ok
	return mint.Asset{}, mint.ErrNotResolved
}

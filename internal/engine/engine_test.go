package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"opencawt/internal/config"
	"opencawt/internal/db"
	"opencawt/internal/domain"
	"opencawt/internal/migrate"
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

type fakeTreasury struct {
	payments map[string]treasury.Payment
}

func (f fakeTreasury) LookupTransaction(_ context.Context, txSig string) (treasury.Payment, error) {
	return f.payments[txSig], nil
}

const testTreasuryAddress = "CawtTreasury1111111111111111111111111111111"

func testEngine(t *testing.T) (Engine, *clock) {
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
	cfg.Court.TreasuryAddress = testTreasuryAddress
	cfg.Jury.PanelSize = 3
	cfg.Jury.ReserveSize = 2
	clk := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	eng := New(conn, cfg)
	eng.Now = clk.Now
	eng.Treasury = fakeTreasury{payments: map[string]treasury.Payment{
		"sig-good": {Found: true, Finalized: true, Destination: testTreasuryAddress, Lamports: cfg.Court.FilingFeeLamports},
		"sig-low":  {Found: true, Finalized: true, Destination: testTreasuryAddress, Lamports: 1},
		"sig-slow": {Found: true, Finalized: false, Destination: testTreasuryAddress, Lamports: cfg.Court.FilingFeeLamports},
	}}

	ctx := context.Background()
	for _, id := range []string{"agent-pros", "agent-def"} {
		if err := eng.Repo.InsertAgent(ctx, domain.Agent{
			ID: id, Secret: "s", Active: true, CreatedAt: eng.ts(clk.Now()),
		}); err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("juror-%02d", i)
		if err := eng.Repo.InsertAgent(ctx, domain.Agent{
			ID: id, Secret: "s", JurorEligible: true, Active: true, CreatedAt: eng.ts(clk.Now()),
		}); err != nil {
			t.Fatalf("seed juror %s: %v", id, err)
		}
	}
	return eng, clk
}

func mustDraft(t *testing.T, eng Engine) domain.Case {
	t.Helper()
	c, err := eng.DraftCase(context.Background(), DraftCaseOptions{
		ProsecutionAgentID: "agent-pros",
		DefendantAgentID:   "agent-def",
		ClaimSummary:       "defendant broke the shared protocol contract",
	})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	return c
}

func mustFile(t *testing.T, eng Engine, caseID string) domain.Case {
	t.Helper()
	c, err := eng.FileCase(context.Background(), caseID, "sig-good")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	return c
}

func code(t *testing.T, err error) string {
	t.Helper()
	var e Error
	if !errors.As(err, &e) {
		t.Fatalf("expected engine.Error, got %v", err)
	}
	return e.Code
}

func TestFileCaseOpensSession(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	filed := mustFile(t, eng, c.ID)

	if filed.Status != domain.CaseActive {
		t.Fatalf("status = %s, want active", filed.Status)
	}
	if filed.CurrentPhase != domain.StagePreSession {
		t.Fatalf("phase = %s, want pre_session", filed.CurrentPhase)
	}
	if filed.JuryBeacon == nil || filed.JuryProofHash == nil {
		t.Fatal("jury beacon and proof hash must be recorded at filing")
	}
	seats, err := eng.Repo.ListSeats(ctx, c.ID)
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	if len(seats) != 3 {
		t.Fatalf("seats = %d, want 3", len(seats))
	}
	for _, s := range seats {
		if s.Status != domain.SeatPending || s.ReadinessDeadlineAt == nil {
			t.Fatalf("seat %d not pending with deadline: %+v", s.SeatIndex, s)
		}
	}
	proof, err := eng.Repo.GetJuryProof(ctx, c.ID)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if proof.ProofHash != *filed.JuryProofHash {
		t.Fatal("stored proof hash must match the case record")
	}
	events, err := eng.Log.Read(ctx, c.ID, 0, 100)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	var sawFiled, sawJury bool
	for _, ev := range events {
		switch ev.EventType {
		case EventCaseFiled:
			sawFiled = true
		case EventJurySelected:
			sawJury = true
		}
	}
	if !sawFiled || !sawJury {
		t.Fatalf("transcript missing filing events: filed=%v jury=%v", sawFiled, sawJury)
	}
}

func TestFileCaseIdempotentRetry(t *testing.T) {
	eng, _ := testEngine(t)
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	again, err := eng.FileCase(context.Background(), c.ID, "sig-good")
	if err != nil {
		t.Fatalf("retry should replay success, got %v", err)
	}
	if again.Status != domain.CaseActive {
		t.Fatalf("retry status = %s", again.Status)
	}
	if _, err := eng.FileCase(context.Background(), c.ID, "sig-other"); code(t, err) != CodeCaseAlreadyFiled {
		t.Fatal("different payment on a filed case must be rejected")
	}
}

func TestFileCasePaymentRejections(t *testing.T) {
	eng, _ := testEngine(t)
	c := mustDraft(t, eng)

	_, err := eng.FileCase(context.Background(), c.ID, "sig-missing")
	var e Error
	if !errors.As(err, &e) || e.Code != CodeTreasuryTxNotFound || e.RetryAfter == 0 {
		t.Fatalf("missing tx: got %v", err)
	}
	_, err = eng.FileCase(context.Background(), c.ID, "sig-slow")
	if code(t, err) != CodeTreasuryTxNotFinalised {
		t.Fatalf("unfinalised tx: got %v", err)
	}
	_, err = eng.FileCase(context.Background(), c.ID, "sig-low")
	if code(t, err) != CodeFeeTooLow {
		t.Fatalf("low fee: got %v", err)
	}
	got, err := eng.Repo.GetCase(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CaseScheduled {
		t.Fatalf("rejected filings must leave the case scheduled, got %s", got.Status)
	}
}

func TestVolunteerDefencePreconditions(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)

	if _, err := eng.VolunteerDefence(ctx, c.ID, "juror-00"); code(t, err) != CodeCaseNotOpenForDefence {
		t.Fatal("unfiled case must not accept defence claims")
	}
	mustFile(t, eng, c.ID)

	if _, err := eng.VolunteerDefence(ctx, c.ID, "agent-pros"); code(t, err) != CodeDefenceCannotBeProsecution {
		t.Fatal("prosecution must not claim defence")
	}
	// Named defendant holds exclusivity for the first window.
	if _, err := eng.VolunteerDefence(ctx, c.ID, "juror-00"); code(t, err) != CodeDefenceReserved {
		t.Fatal("exclusivity window must reserve the slot for the defendant")
	}
	clk.Advance(eng.Config.DefenceWindow() + time.Minute)
	if _, err := eng.VolunteerDefence(ctx, c.ID, "agent-def"); code(t, err) != CodeDefenceWindowClosed {
		t.Fatal("claims after the defence cutoff must be rejected")
	}
}

func TestVolunteerDefenceExactlyOneWinner(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	clk.Advance(eng.Config.NamedDefendantExclusive() + time.Minute)

	claimants := []string{"agent-def", "juror-00", "juror-01", "juror-02", "juror-03"}
	var wg sync.WaitGroup
	results := make([]error, len(claimants))
	for i, agent := range claimants {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			_, results[i] = eng.VolunteerDefence(ctx, c.ID, agent)
		}(i, agent)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var e Error
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error type: %v", err)
		}
		switch e.Code {
		case CodeDefenceAlreadyTaken, CodeCaseNotOpenForDefence:
		default:
			t.Fatalf("loser got unexpected code %s", e.Code)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	got, err := eng.Repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefenceAgentID == nil {
		t.Fatal("defence agent must be recorded")
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStage != domain.StageJuryReadiness {
		t.Fatalf("stage = %s, want jury_readiness", session.CurrentStage)
	}
}

func claimDefence(t *testing.T, eng Engine, caseID string) {
	t.Helper()
	if _, err := eng.VolunteerDefence(context.Background(), caseID, "agent-def"); err != nil {
		t.Fatalf("defence claim: %v", err)
	}
}

func readyAllJurors(t *testing.T, eng Engine, caseID string) []domain.JurorSeat {
	t.Helper()
	ctx := context.Background()
	seats, err := eng.Repo.ListSeats(ctx, caseID)
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	for _, s := range seats {
		if _, err := eng.JurorReady(ctx, caseID, s.AssignedAgentID); err != nil {
			t.Fatalf("juror %s ready: %v", s.AssignedAgentID, err)
		}
	}
	seats, err = eng.Repo.ListSeats(ctx, caseID)
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	return seats
}

func TestJurorReadinessCompletesPanel(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)

	if _, err := eng.JurorReady(ctx, c.ID, "agent-pros"); code(t, err) != CodeNotAJuror {
		t.Fatal("non-jurors must not confirm readiness")
	}
	seats := readyAllJurors(t, eng, c.ID)
	for _, s := range seats {
		if s.Status != domain.SeatReady {
			t.Fatalf("seat %d = %s, want ready", s.SeatIndex, s.Status)
		}
	}
	if _, err := eng.JurorReady(ctx, c.ID, seats[0].AssignedAgentID); code(t, err) != CodeWrongStage {
		t.Fatal("readiness after panel completion must be rejected")
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStage != domain.StageOpeningAddresses {
		t.Fatalf("stage = %s, want opening_addresses", session.CurrentStage)
	}
	if session.StageDeadlineAt == nil {
		t.Fatal("argument stage must carry a deadline")
	}
}

func runToStage(t *testing.T, eng Engine, caseID, target string) {
	t.Helper()
	ctx := context.Background()
	for {
		session, err := eng.Repo.GetSession(ctx, caseID)
		if err != nil {
			t.Fatal(err)
		}
		if session.CurrentStage == target {
			return
		}
		if !isArgumentStage(session.CurrentStage) {
			t.Fatalf("cannot run stage %s forward", session.CurrentStage)
		}
		if _, err := eng.SubmitSubmission(ctx, caseID, "agent-pros", "the prosecution addresses the court"); err != nil {
			t.Fatalf("prosecution submission in %s: %v", session.CurrentStage, err)
		}
		if _, err := eng.SubmitSubmission(ctx, caseID, "agent-def", "the defence addresses the court"); err != nil {
			t.Fatalf("defence submission in %s: %v", session.CurrentStage, err)
		}
	}
}

func TestSubmissionsAdvanceStages(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)
	readyAllJurors(t, eng, c.ID)

	if _, err := eng.SubmitSubmission(ctx, c.ID, "juror-00", "objection"); code(t, err) != CodeNotAParty {
		t.Fatal("outsiders must not submit addresses")
	}
	if _, err := eng.SubmitSubmission(ctx, c.ID, "agent-pros", "opening"); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if _, err := eng.SubmitSubmission(ctx, c.ID, "agent-pros", "opening again"); code(t, err) != CodeAlreadySubmitted {
		t.Fatal("duplicate stage submissions must be rejected")
	}
	session, err := eng.SubmitSubmission(ctx, c.ID, "agent-def", "reply")
	if err != nil {
		t.Fatalf("defence submission: %v", err)
	}
	if session.CurrentStage != domain.StageEvidence {
		t.Fatalf("stage = %s, want evidence", session.CurrentStage)
	}

	runToStage(t, eng, c.ID, domain.StageVoting)
	session, err = eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VotingHardDeadlineAt == nil {
		t.Fatal("voting must arm the hard deadline")
	}
}

func runToVoting(t *testing.T, eng Engine) (domain.Case, []domain.JurorSeat) {
	t.Helper()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)
	seats := readyAllJurors(t, eng, c.ID)
	runToStage(t, eng, c.ID, domain.StageVoting)
	return c, seats
}

func TestBallotsCloseTheCase(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, seats := runToVoting(t, eng)

	_, err := eng.SubmitBallot(ctx, BallotInput{
		CaseID: c.ID, AgentID: seats[0].AssignedAgentID,
		Finding: "guilty", ReasoningSummary: "x", PrinciplesReliedOn: []string{"p1"},
	})
	if code(t, err) != CodeInvalidBallot {
		t.Fatal("unknown finding must be rejected")
	}
	_, err = eng.SubmitBallot(ctx, BallotInput{
		CaseID: c.ID, AgentID: "agent-pros",
		Finding: domain.FindingProven, ReasoningSummary: "x", PrinciplesReliedOn: []string{"p1"},
	})
	if code(t, err) != CodeNotAJuror {
		t.Fatal("parties must not vote")
	}

	first := BallotInput{
		CaseID: c.ID, AgentID: seats[0].AssignedAgentID,
		Finding:            domain.FindingProven,
		ReasoningSummary:   "the evidence record supports the claim",
		PrinciplesReliedOn: []string{"pacta sunt servanda"},
	}
	b1, err := eng.SubmitBallot(ctx, first)
	if err != nil {
		t.Fatalf("first ballot: %v", err)
	}
	// Identical retry replays the accepted ballot.
	replay, err := eng.SubmitBallot(ctx, first)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != b1.ID {
		t.Fatal("replay must return the originally accepted ballot")
	}
	conflicting := first
	conflicting.Finding = domain.FindingNotProven
	if _, err := eng.SubmitBallot(ctx, conflicting); code(t, err) != CodeBallotExists {
		t.Fatal("conflicting resubmission must be rejected")
	}

	for _, s := range seats[1:] {
		if _, err := eng.SubmitBallot(ctx, BallotInput{
			CaseID: c.ID, AgentID: s.AssignedAgentID,
			Finding:            domain.FindingNotProven,
			ReasoningSummary:   "the record leaves reasonable doubt",
			PrinciplesReliedOn: []string{"in dubio pro reo"},
		}); err != nil {
			t.Fatalf("ballot for seat %d: %v", s.SeatIndex, err)
		}
	}

	got, err := eng.Repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CaseClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if got.VotesCast != 3 || got.TallyProven != 1 || got.TallyNotProven != 2 {
		t.Fatalf("tally = %d/%d/%d of %d", got.TallyProven, got.TallyNotProven, got.TallyInsufficient, got.VotesCast)
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStage != domain.StageClosed {
		t.Fatalf("stage = %s, want closed", session.CurrentStage)
	}
}

func TestVotingHardTimeoutVoidsIncompletePanel(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c, seats := runToVoting(t, eng)

	if _, err := eng.SubmitBallot(ctx, BallotInput{
		CaseID: c.ID, AgentID: seats[0].AssignedAgentID,
		Finding:            domain.FindingProven,
		ReasoningSummary:   "the claim is made out",
		PrinciplesReliedOn: []string{"pacta sunt servanda"},
	}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(eng.Config.VotingHardTimeout() + time.Minute)
	if err := eng.HandleVotingHardTimeout(ctx, c.ID); err != nil {
		t.Fatalf("hard timeout: %v", err)
	}
	got, err := eng.Repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CaseVoid {
		t.Fatalf("status = %s, want void", got.Status)
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VoidReason == nil || *session.VoidReason != domain.VoidVotingTimeout {
		t.Fatalf("void reason = %v", session.VoidReason)
	}
}

func TestStageTimeoutVoidsUndefendedCase(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)

	clk.Advance(eng.Config.DefenceWindow() + time.Minute)
	if err := eng.HandleStageTimeout(ctx, c.ID); err != nil {
		t.Fatalf("stage timeout: %v", err)
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VoidReason == nil || *session.VoidReason != domain.VoidDefenceUnassigned {
		t.Fatalf("void reason = %v", session.VoidReason)
	}
}

func TestSeatTimeoutConsumesReserve(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)

	seats, err := eng.Repo.ListSeats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	lapsed := seats[0]
	clk.Advance(eng.Config.ReadinessWindow() + time.Minute)
	if err := eng.HandleSeatTimeout(ctx, c.ID, lapsed.SeatIndex); err != nil {
		t.Fatalf("seat timeout: %v", err)
	}
	reseated, err := eng.Repo.GetSeat(ctx, c.ID, lapsed.SeatIndex)
	if err != nil {
		t.Fatal(err)
	}
	if reseated.Status != domain.SeatReplaced {
		t.Fatalf("seat status = %s, want replaced", reseated.Status)
	}
	if reseated.AssignedAgentID == lapsed.AssignedAgentID {
		t.Fatal("a reserve juror must replace the lapsed one")
	}
	if reseated.ReadinessDeadlineAt == nil {
		t.Fatal("replacement must get a fresh readiness deadline")
	}
	// The incoming reserve juror confirms like any freshly seated one.
	confirmed, err := eng.JurorReady(ctx, c.ID, reseated.AssignedAgentID)
	if err != nil {
		t.Fatalf("replacement readiness: %v", err)
	}
	if confirmed.Status != domain.SeatReady {
		t.Fatalf("replacement status = %s, want ready", confirmed.Status)
	}
}

func TestDefenceClaimAfterPanelReadyOpensAddresses(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)

	// All jurors confirm while the defence slot is still open.
	readyAllJurors(t, eng, c.ID)
	claimDefence(t, eng, c.ID)

	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStage != domain.StageOpeningAddresses {
		t.Fatalf("stage = %s, want opening_addresses", session.CurrentStage)
	}
	if session.StageDeadlineAt == nil {
		t.Fatal("argument stage must carry a deadline")
	}
}

func TestSeatTimeoutLeavesVoidedCaseAlone(t *testing.T) {
	eng, clk := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)

	clk.Advance(eng.Config.DefenceWindow() + time.Minute)
	if err := eng.HandleStageTimeout(ctx, c.ID); err != nil {
		t.Fatalf("stage timeout: %v", err)
	}
	seats, err := eng.Repo.ListSeats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range seats {
		if s.ReadinessDeadlineAt != nil {
			t.Fatalf("voiding must clear seat %d's readiness deadline", s.SeatIndex)
		}
	}
	before, err := eng.Log.Read(ctx, c.ID, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(eng.Config.ReadinessWindow() + time.Minute)
	if err := eng.HandleSeatTimeout(ctx, c.ID, seats[0].SeatIndex); err != nil {
		t.Fatalf("seat timeout on a void case: %v", err)
	}
	after, err := eng.Log.Read(ctx, c.ID, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("void case gained %d transcript events", len(after)-len(before))
	}
	untouched, err := eng.Repo.GetSeat(ctx, c.ID, seats[0].SeatIndex)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Status != domain.SeatPending {
		t.Fatalf("seat status = %s, want pending", untouched.Status)
	}
	var consumed int
	if err := eng.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jury_reserves WHERE case_id=? AND consumed=1`, c.ID).Scan(&consumed); err != nil {
		t.Fatal(err)
	}
	if consumed != 0 {
		t.Fatalf("void case consumed %d reserves", consumed)
	}
}

func TestConcurrentDuplicateBallotsRejectedTyped(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, seats := runToVoting(t, eng)
	agent := seats[0].AssignedAgentID

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = eng.SubmitBallot(ctx, BallotInput{
				CaseID: c.ID, AgentID: agent,
				Finding:            domain.FindingProven,
				ReasoningSummary:   fmt.Sprintf("take %d on the evidence record", i),
				PrinciplesReliedOn: []string{"pacta sunt servanda"},
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		var e Error
		if !errors.As(err, &e) {
			t.Fatalf("loser must get a typed rejection, got %v", err)
		}
		if e.Code != CodeBallotExists {
			t.Fatalf("loser code = %s, want %s", e.Code, CodeBallotExists)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d ballots, want exactly 1", accepted)
	}
}

func TestStageTimeoutClearsUnreadableDeadline(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)

	if _, err := eng.DB.ExecContext(ctx,
		`UPDATE case_sessions SET stage_deadline_at='not-a-timestamp' WHERE case_id=?`, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.HandleStageTimeout(ctx, c.ID); err == nil {
		t.Fatal("an unreadable deadline must be surfaced")
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.StageDeadlineAt != nil {
		t.Fatal("the unreadable deadline must be cleared")
	}
	if session.VoidReason != nil {
		t.Fatal("an unreadable deadline must not void the case")
	}
	// The next tick finds nothing to do.
	if err := eng.HandleStageTimeout(ctx, c.ID); err != nil {
		t.Fatalf("second pass: %v", err)
	}
}

func TestVotingHardTimeoutClearsUnreadableDeadline(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, _ := runToVoting(t, eng)

	if _, err := eng.DB.ExecContext(ctx,
		`UPDATE case_sessions SET voting_hard_deadline_at='not-a-timestamp' WHERE case_id=?`, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.HandleVotingHardTimeout(ctx, c.ID); err == nil {
		t.Fatal("an unreadable deadline must be surfaced")
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VotingHardDeadlineAt != nil {
		t.Fatal("the unreadable deadline must be cleared")
	}
	if session.VoidReason != nil {
		t.Fatal("an unreadable deadline must not void the case")
	}
	if err := eng.HandleVotingHardTimeout(ctx, c.ID); err != nil {
		t.Fatalf("second pass: %v", err)
	}
}

func TestSeatTimeoutClearsUnreadableDeadline(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)

	if _, err := eng.DB.ExecContext(ctx,
		`UPDATE juror_seats SET readiness_deadline_at='not-a-timestamp' WHERE case_id=? AND seat_index=0`, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.HandleSeatTimeout(ctx, c.ID, 0); err == nil {
		t.Fatal("an unreadable deadline must be surfaced")
	}
	seat, err := eng.Repo.GetSeat(ctx, c.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seat.ReadinessDeadlineAt != nil {
		t.Fatal("the unreadable deadline must be cleared")
	}
	if seat.Status != domain.SeatPending {
		t.Fatalf("seat status = %s, want pending", seat.Status)
	}
	if err := eng.HandleSeatTimeout(ctx, c.ID, 0); err != nil {
		t.Fatalf("second pass: %v", err)
	}
}

func TestReserveExhaustionVoidPolicy(t *testing.T) {
	eng, clk := testEngine(t)
	eng.Config.Jury.ReserveSize = 0
	eng.Config.Jury.OnReserveExhausted = config.PolicyVoid
	ctx := context.Background()
	c := mustDraft(t, eng)
	mustFile(t, eng, c.ID)
	claimDefence(t, eng, c.ID)

	clk.Advance(eng.Config.ReadinessWindow() + time.Minute)
	if err := eng.HandleSeatTimeout(ctx, c.ID, 0); err != nil {
		t.Fatalf("seat timeout: %v", err)
	}
	session, err := eng.Repo.GetSession(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.VoidReason == nil || *session.VoidReason != domain.VoidJuryExhausted {
		t.Fatalf("void reason = %v", session.VoidReason)
	}
}

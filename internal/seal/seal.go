package seal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"opencawt/internal/canon"
	"opencawt/internal/config"
	"opencawt/internal/domain"
	"opencawt/internal/mint"
	"opencawt/internal/repo"
	"opencawt/internal/transcript"
)

// ErrNeedsRetry marks a seal that exhausted its attempts; an operator
// retries it explicitly via the CLI or API.
var ErrNeedsRetry = errors.New("seal previously failed; explicit retry required")

// Pipeline turns a closed case into a sealed one: it freezes the verdict
// bundle, hashes the transcript, mints the seal asset, and only then flips
// the case to sealed. A case is never sealed without an asset id, a tx
// signature, and a sealed URI all present.
type Pipeline struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    transcript.Log
	Config *config.Config
	Worker mint.Worker
	Now    func() time.Time
}

// New builds a pipeline with the worker the config names.
func New(db *sql.DB, cfg *config.Config) Pipeline {
	var worker mint.Worker
	if cfg.Seal.Mode == "production" {
		worker = mint.NewHTTPWorker(cfg.Seal.WorkerURL)
	} else {
		worker = mint.Stub{BaseURI: cfg.Seal.BaseURI}
	}
	return Pipeline{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    transcript.Log{DB: db},
		Config: cfg,
		Worker: worker,
		Now:    time.Now,
	}
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Pipeline) ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// BallotDigest pins one ballot into the verdict bundle by hash, so the
// bundle commits to every ballot without embedding free text.
type BallotDigest struct {
	SeatIndex    int    `json:"seat_index"`
	JurorAgentID string `json:"juror_agent_id"`
	Finding      string `json:"finding"`
	BallotHash   string `json:"ballot_hash"`
}

// Verdict is the canonical bundle the verdict hash commits to.
type Verdict struct {
	CaseID            string         `json:"case_id"`
	Outcome           string         `json:"outcome"`
	PanelSize         int            `json:"panel_size"`
	VotesCast         int            `json:"votes_cast"`
	TallyProven       int            `json:"tally_proven"`
	TallyNotProven    int            `json:"tally_not_proven"`
	TallyInsufficient int            `json:"tally_insufficient"`
	Ballots           []BallotDigest `json:"ballots"`
}

// Outcome derives the verdict from the tally: a strict majority for proven
// or not_proven decides, anything else resolves to insufficient.
func Outcome(proven, notProven, votesCast int) string {
	switch {
	case proven*2 > votesCast:
		return domain.FindingProven
	case notProven*2 > votesCast:
		return domain.FindingNotProven
	default:
		return domain.FindingInsufficient
	}
}

// BuildVerdict assembles and hashes the verdict bundle for a case.
func (p Pipeline) BuildVerdict(ctx context.Context, c domain.Case) (Verdict, string, error) {
	ballots, err := p.Repo.ListBallots(ctx, c.ID)
	if err != nil {
		return Verdict{}, "", err
	}
	digests := make([]BallotDigest, 0, len(ballots))
	for _, b := range ballots {
		h, err := canon.Sum(b)
		if err != nil {
			return Verdict{}, "", fmt.Errorf("ballot %s: %w", b.ID, err)
		}
		digests = append(digests, BallotDigest{
			SeatIndex:    b.SeatIndex,
			JurorAgentID: b.JurorAgentID,
			Finding:      b.Finding,
			BallotHash:   h,
		})
	}
	v := Verdict{
		CaseID:            c.ID,
		Outcome:           Outcome(c.TallyProven, c.TallyNotProven, c.VotesCast),
		PanelSize:         c.PanelSize,
		VotesCast:         c.VotesCast,
		TallyProven:       c.TallyProven,
		TallyNotProven:    c.TallyNotProven,
		TallyInsufficient: c.TallyInsufficient,
		Ballots:           digests,
	}
	hash, err := canon.Sum(v)
	if err != nil {
		return Verdict{}, "", err
	}
	return v, hash, nil
}

// Run seals one closed case end to end. Every step is resumable: re-running
// after a crash picks up from the recorded seal row rather than minting
// twice.
func (p Pipeline) Run(ctx context.Context, caseID string) error {
	c, err := p.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == domain.CaseSealed {
		return nil
	}
	if c.Status != domain.CaseClosed {
		return fmt.Errorf("case %s is %s, only closed cases seal", caseID, c.Status)
	}
	if c.JuryProofHash == nil {
		return fmt.Errorf("case %s has no jury selection proof", caseID)
	}

	existing, err := p.Repo.GetSeal(ctx, caseID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && existing.SealStatus == domain.SealFailed {
		return ErrNeedsRetry
	}

	// The root is pinned to the sequence number recorded on the first
	// attempt, so the seal bookkeeping events appended below never shift it.
	events, err := p.Log.Read(ctx, caseID, 0, 0)
	if err != nil {
		return err
	}
	rootSeq := existing.RootSeqNo
	if rootSeq == 0 && len(events) > 0 {
		rootSeq = events[len(events)-1].SeqNo
	}
	hashed := events[:0:0]
	for _, ev := range events {
		if ev.SeqNo <= rootSeq {
			hashed = append(hashed, ev)
		}
	}
	rootHash, err := transcript.RootHash(caseID, hashed)
	if err != nil {
		return err
	}
	_, verdictHash, err := p.BuildVerdict(ctx, c)
	if err != nil {
		return err
	}

	now := p.now()
	rec := domain.SealInfo{
		CaseID:                 caseID,
		SealStatus:             domain.SealMinting,
		VerdictHash:            verdictHash,
		TranscriptRootHash:     rootHash,
		JurySelectionProofHash: *c.JuryProofHash,
		RootSeqNo:              rootSeq,
		Attempts:               existing.Attempts + 1,
		AssetID:                existing.AssetID,
		TxSig:                  existing.TxSig,
		SealedURI:              existing.SealedURI,
		UpdatedAt:              p.ts(now),
	}

	if rec.TxSig == nil {
		sig, err := p.Worker.Mint(ctx, mint.Request{
			CaseID:                 caseID,
			VerdictHash:            verdictHash,
			TranscriptRootHash:     rootHash,
			JurySelectionProofHash: *c.JuryProofHash,
		})
		if err != nil {
			return p.markFailed(ctx, rec, fmt.Errorf("mint: %w", err))
		}
		rec.TxSig = &sig
		if err := p.recordMinting(ctx, rec); err != nil {
			return err
		}
	} else if err := p.Repo.UpsertSeal(ctx, rec); err != nil {
		return err
	}

	asset, err := p.resolve(ctx, caseID, *rec.TxSig)
	if err != nil {
		return p.markFailed(ctx, rec, fmt.Errorf("resolve: %w", err))
	}
	return p.finalize(ctx, rec, asset)
}

// recordMinting persists the tx signature together with a seal_requested
// event, so a crash after Mint never loses the signature.
func (p Pipeline) recordMinting(ctx context.Context, rec domain.SealInfo) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertSealTx(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := p.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:      rec.CaseID,
		ActorRole:   domain.RoleSystem,
		EventType:   "seal_requested",
		Stage:       domain.StageClosed,
		MessageText: "seal mint submitted",
		Payload: map[string]any{
			"tx_sig":       *rec.TxSig,
			"verdict_hash": rec.VerdictHash,
		},
		CreatedAt: rec.UpdatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// resolve polls the worker for the minted asset. Between polls it checks
// the seal row, because the chain webhook may have resolved the asset out
// of band.
func (p Pipeline) resolve(ctx context.Context, caseID, txSig string) (mint.Asset, error) {
	var asset mint.Asset
	bo := backoff.WithMaxRetries(
		backoff.WithContext(backoff.NewExponentialBackOff(), ctx),
		uint64(p.Config.Seal.ResolveMaxAttempts-1),
	)
	err := backoff.Retry(func() error {
		if rec, err := p.Repo.GetSeal(ctx, caseID); err == nil && rec.AssetID != nil && rec.SealedURI != nil {
			asset = mint.Asset{AssetID: *rec.AssetID, URI: *rec.SealedURI}
			return nil
		}
		a, err := p.Worker.Resolve(ctx, txSig)
		if errors.Is(err, mint.ErrNotResolved) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		asset = a
		return nil
	}, bo)
	if err != nil {
		return mint.Asset{}, err
	}
	return asset, nil
}

// finalize flips seal and case to sealed in one transaction. The guard here
// is the sealing invariant: no asset, no seal.
func (p Pipeline) finalize(ctx context.Context, rec domain.SealInfo, asset mint.Asset) error {
	if asset.AssetID == "" || asset.URI == "" || rec.TxSig == nil {
		return fmt.Errorf("case %s: refusing to seal without asset id, tx sig, and uri", rec.CaseID)
	}
	now := p.now()
	rec.SealStatus = domain.SealSealed
	rec.AssetID = &asset.AssetID
	rec.SealedURI = &asset.URI
	rec.LastError = nil
	rec.UpdatedAt = p.ts(now)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertSealTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := p.Repo.SetCaseStatusTx(ctx, tx, rec.CaseID, domain.CaseClosed, domain.CaseSealed); err != nil {
		return err
	}
	if err := p.Repo.AdvanceStageTx(ctx, tx, rec.CaseID, domain.StageClosed, domain.StageSealed, p.ts(now), nil, nil); err != nil {
		return err
	}
	if _, err := p.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:      rec.CaseID,
		ActorRole:   domain.RoleSystem,
		EventType:   "case_sealed",
		Stage:       domain.StageSealed,
		MessageText: "case sealed",
		Payload: map[string]any{
			"asset_id":   asset.AssetID,
			"sealed_uri": asset.URI,
			"tx_sig":     *rec.TxSig,
		},
		CreatedAt: p.ts(now),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// markFailed records the failure and leaves the case closed; verdict data
// stays intact for a later retry.
func (p Pipeline) markFailed(ctx context.Context, rec domain.SealInfo, cause error) error {
	now := p.now()
	msg := cause.Error()
	rec.SealStatus = domain.SealFailed
	rec.LastError = &msg
	rec.UpdatedAt = p.ts(now)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertSealTx(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := p.Log.Append(ctx, tx, domain.TranscriptEvent{
		CaseID:      rec.CaseID,
		ActorRole:   domain.RoleSystem,
		EventType:   "seal_failed",
		Stage:       domain.StageClosed,
		MessageText: "sealing failed",
		Payload:     map[string]any{"error": msg, "attempts": rec.Attempts},
		CreatedAt:   p.ts(now),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return cause
}

// Retry re-arms a failed seal and runs the pipeline again.
func (p Pipeline) Retry(ctx context.Context, caseID string) error {
	rec, err := p.Repo.GetSeal(ctx, caseID)
	if err != nil {
		return err
	}
	if rec.SealStatus != domain.SealFailed {
		return fmt.Errorf("seal for case %s is %s, only failed seals retry", caseID, rec.SealStatus)
	}
	rec.SealStatus = domain.SealPending
	rec.LastError = nil
	rec.UpdatedAt = p.ts(p.now())
	if err := p.Repo.UpsertSeal(ctx, rec); err != nil {
		return err
	}
	return p.Run(ctx, caseID)
}

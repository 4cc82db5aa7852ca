package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"opencawt/internal/domain"
	"opencawt/internal/repo"
	"opencawt/internal/seal"
	"opencawt/internal/selection"
	"opencawt/internal/transcript"
)

// Report is the result of an independent re-derivation of a sealed case.
// Every hash is recomputed from the stored records and compared against
// what the seal committed to.
type Report struct {
	CaseID                  string `json:"case_id"`
	SealStatus              string `json:"seal_status"`
	VerdictHashMatch        bool   `json:"verdict_hash_match"`
	TranscriptRootMatch     bool   `json:"transcript_root_match"`
	JuryProofMatch          bool   `json:"jury_proof_match"`
	JuryOrderingReproduced  bool   `json:"jury_ordering_reproduced"`
	ComputedVerdictHash     string `json:"computed_verdict_hash"`
	ComputedTranscriptRoot  string `json:"computed_transcript_root"`
	ComputedJuryProofHash   string `json:"computed_jury_proof_hash"`
	OK                      bool   `json:"ok"`
}

// Service re-derives seal hashes from first principles. It shares the
// verdict-bundle construction with the seal pipeline so the two sides can
// never drift apart.
type Service struct {
	Repo repo.Repo
	Log  transcript.Log
	Seal seal.Pipeline
}

func New(p seal.Pipeline) Service {
	return Service{Repo: p.Repo, Log: p.Log, Seal: p}
}

// Verify recomputes all three committed hashes for a case and reports
// whether they match the stored seal.
func (s Service) Verify(ctx context.Context, caseID string) (Report, error) {
	c, err := s.Repo.GetCase(ctx, caseID)
	if err != nil {
		return Report{}, err
	}
	rec, err := s.Repo.GetSeal(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Report{}, fmt.Errorf("case %s has no seal record", caseID)
		}
		return Report{}, err
	}

	report := Report{CaseID: caseID, SealStatus: rec.SealStatus}

	// Only events up to the sealed cutoff are in scope; the seal's own
	// bookkeeping events come after it.
	events, err := s.Log.Read(ctx, caseID, 0, 0)
	if err != nil {
		return Report{}, err
	}
	if rec.RootSeqNo > 0 {
		hashed := events[:0:0]
		for _, ev := range events {
			if ev.SeqNo <= rec.RootSeqNo {
				hashed = append(hashed, ev)
			}
		}
		events = hashed
	}
	root, err := transcript.RootHash(caseID, events)
	if err != nil {
		return Report{}, err
	}
	report.ComputedTranscriptRoot = root
	report.TranscriptRootMatch = root == rec.TranscriptRootHash

	_, verdictHash, err := s.Seal.BuildVerdict(ctx, c)
	if err != nil {
		return Report{}, err
	}
	report.ComputedVerdictHash = verdictHash
	report.VerdictHashMatch = verdictHash == rec.VerdictHash

	proofHash, reproduced, err := s.checkJuryProof(ctx, c)
	if err != nil {
		return Report{}, err
	}
	report.ComputedJuryProofHash = proofHash
	report.JuryProofMatch = proofHash == rec.JurySelectionProofHash
	report.JuryOrderingReproduced = reproduced

	report.OK = report.SealStatus == domain.SealSealed &&
		report.VerdictHashMatch && report.TranscriptRootMatch &&
		report.JuryProofMatch && report.JuryOrderingReproduced
	return report, nil
}

// checkJuryProof rebuilds the selection proof from the stored artifact and
// additionally replays the beacon derivation over the recorded pool,
// confirming the panel really was the deterministic function of the beacon.
func (s Service) checkJuryProof(ctx context.Context, c domain.Case) (string, bool, error) {
	stored, err := s.Repo.GetJuryProof(ctx, c.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, fmt.Errorf("case %s has no jury proof", c.ID)
		}
		return "", false, err
	}
	var ordering []selection.Candidate
	if err := json.Unmarshal([]byte(stored.OrderingJSON), &ordering); err != nil {
		return "", false, fmt.Errorf("jury proof ordering: %w", err)
	}
	proof := selection.Proof{
		CaseID:   c.ID,
		Beacon:   stored.Beacon,
		PoolHash: stored.PoolHash,
		Ordering: ordering,
	}
	proofHash, err := proof.Hash()
	if err != nil {
		return "", false, err
	}

	pool := make([]string, 0, len(ordering))
	for _, cand := range ordering {
		pool = append(pool, cand.AgentID)
	}
	reserves := len(ordering) - c.PanelSize
	if reserves < 0 {
		return proofHash, false, nil
	}
	replayed, err := selection.SelectPanel(c.ID, c.PanelSize, reserves, stored.Beacon, pool)
	if err != nil {
		return proofHash, false, nil
	}
	replayedHash, err := replayed.Proof.Hash()
	if err != nil {
		return "", false, err
	}
	return proofHash, replayedHash == proofHash, nil
}

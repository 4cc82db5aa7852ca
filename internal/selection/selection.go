package selection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"opencawt/internal/canon"
)

// Candidate is one entry in the derived ordering. Score is the hex digest
// that positioned the agent; keeping it in the proof lets anyone re-verify
// the ordering without re-deriving the whole pool.
type Candidate struct {
	AgentID string `json:"agent_id"`
	Rank    int    `json:"rank"`
	Score   string `json:"score"`
}

// Proof is the replayable record of a jury selection. Given the same case
// ID, beacon value, and eligible-pool snapshot, SelectPanel reproduces the
// same ordering, and Hash() the same proof hash.
type Proof struct {
	CaseID   string      `json:"case_id"`
	Beacon   string      `json:"beacon"`
	PoolHash string      `json:"pool_hash"`
	Ordering []Candidate `json:"ordering"`
}

// Hash returns the canonical hash of the proof artifact.
func (p Proof) Hash() (string, error) {
	return canon.Sum(p)
}

// Result carries the seated panel, the ordered reserve bench, and the proof.
type Result struct {
	Panel    []Candidate
	Reserves []Candidate
	Proof    Proof
}

// score derives the sort key for one agent: unpredictable before the beacon
// value is known, deterministic after.
func score(caseID, beacon, agentID string) string {
	sum := sha256.Sum256([]byte(caseID + "|" + beacon + "|" + agentID))
	return hex.EncodeToString(sum[:])
}

// SelectPanel derives a deterministic juror ordering from the externally
// supplied beacon value. The first panelSize candidates are seated; the next
// reserveSize are reserves in replacement order. The pool snapshot is hashed
// into the proof so a verifier can detect a different eligible set.
func SelectPanel(caseID string, panelSize, reserveSize int, beacon string, pool []string) (Result, error) {
	if panelSize < 1 {
		return Result{}, fmt.Errorf("panel size must be at least 1")
	}
	if beacon == "" {
		return Result{}, fmt.Errorf("beacon value required")
	}
	if len(pool) < panelSize {
		return Result{}, fmt.Errorf("eligible pool has %d agents, need %d", len(pool), panelSize)
	}

	snapshot := append([]string(nil), pool...)
	sort.Strings(snapshot)
	poolHash, err := canon.Sum(snapshot)
	if err != nil {
		return Result{}, err
	}

	ordering := make([]Candidate, 0, len(snapshot))
	for _, id := range snapshot {
		ordering = append(ordering, Candidate{AgentID: id, Score: score(caseID, beacon, id)})
	}
	sort.Slice(ordering, func(i, j int) bool {
		if ordering[i].Score != ordering[j].Score {
			return ordering[i].Score < ordering[j].Score
		}
		return ordering[i].AgentID < ordering[j].AgentID
	})
	for i := range ordering {
		ordering[i].Rank = i
	}

	cut := panelSize + reserveSize
	if cut > len(ordering) {
		cut = len(ordering)
	}
	res := Result{
		Panel:    ordering[:panelSize],
		Reserves: ordering[panelSize:cut],
		Proof: Proof{
			CaseID:   caseID,
			Beacon:   beacon,
			PoolHash: poolHash,
			Ordering: ordering,
		},
	}
	return res, nil
}

// SeatProof renders the per-seat derivation data persisted on a juror seat.
func SeatProof(c Candidate) string {
	return fmt.Sprintf("rank=%d score=%s", c.Rank, c.Score)
}

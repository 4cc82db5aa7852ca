package domain

// Case statuses.
const (
	CaseScheduled = "scheduled"
	CaseActive    = "active"
	CaseClosed    = "closed"
	CaseSealed    = "sealed"
	CaseVoid      = "void"
)

// Session stages in lifecycle order.
const (
	StagePreSession       = "pre_session"
	StageJuryReadiness    = "jury_readiness"
	StageOpeningAddresses = "opening_addresses"
	StageEvidence         = "evidence"
	StageClosingAddresses = "closing_addresses"
	StageSummingUp        = "summing_up"
	StageVoting           = "voting"
	StageClosed           = "closed"
	StageSealed           = "sealed"
	StageVoid             = "void"
)

// Void reasons.
const (
	VoidStageDeadlineMissed = "stage_deadline_missed"
	VoidDefenceUnassigned   = "defence_unassigned"
	VoidVotingTimeout       = "voting_timeout"
	VoidJuryExhausted       = "jury_exhausted"
)

// Defence assignment states.
const (
	DefenceUnassigned  = "unassigned"
	DefenceVolunteered = "volunteered"
	DefenceAccepted    = "accepted"
)

type Case struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status" enum:"scheduled,active,closed,sealed,void"`
	ProsecutionAgentID string  `json:"prosecution_agent_id"`
	DefendantAgentID   *string `json:"defendant_agent_id,omitempty"`
	OpenDefence        bool    `json:"open_defence"`
	DefenceAgentID     *string `json:"defence_agent_id,omitempty"`
	DefenceState       string  `json:"defence_state" enum:"unassigned,volunteered,accepted"`
	ClaimSummary       string  `json:"claim_summary"`
	PaymentTxSig       *string `json:"payment_tx_sig,omitempty"`
	JuryBeacon         *string `json:"jury_beacon,omitempty"`
	JuryProofHash      *string `json:"jury_proof_hash,omitempty"`
	PanelSize          int     `json:"panel_size"`
	VotesCast          int     `json:"votes_cast"`
	TallyProven        int     `json:"tally_proven"`
	TallyNotProven     int     `json:"tally_not_proven"`
	TallyInsufficient  int     `json:"tally_insufficient"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	ScheduledFor       string  `json:"scheduled_for,omitempty" format:"date-time"`
	CurrentPhase       string  `json:"current_phase"`
}

type CaseSession struct {
	CaseID                  string  `json:"case_id"`
	CurrentStage            string  `json:"current_stage" enum:"pre_session,jury_readiness,opening_addresses,evidence,closing_addresses,summing_up,voting,closed,sealed,void"`
	StageStartedAt          string  `json:"stage_started_at" format:"date-time"`
	StageDeadlineAt         *string `json:"stage_deadline_at,omitempty" format:"date-time"`
	ScheduledSessionStartAt string  `json:"scheduled_session_start_at" format:"date-time"`
	VotingHardDeadlineAt    *string `json:"voting_hard_deadline_at,omitempty" format:"date-time"`
	VoidReason              *string `json:"void_reason,omitempty"`
	VoidedAt                *string `json:"voided_at,omitempty" format:"date-time"`
}

// Actor roles on transcript events.
const (
	RoleCourt       = "court"
	RoleProsecution = "prosecution"
	RoleDefence     = "defence"
	RoleJuror       = "juror"
	RoleSystem      = "system"
)

type TranscriptEvent struct {
	EventID      string         `json:"event_id"`
	CaseID       string         `json:"case_id"`
	SeqNo        int64          `json:"seq_no"`
	ActorRole    string         `json:"actor_role" enum:"court,prosecution,defence,juror,system"`
	ActorAgentID *string        `json:"actor_agent_id,omitempty"`
	EventType    string         `json:"event_type"`
	Stage        string         `json:"stage"`
	MessageText  string         `json:"message_text,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// Juror seat statuses.
const (
	SeatPending  = "pending"
	SeatReady    = "ready"
	SeatVoted    = "voted"
	SeatTimedOut = "timed_out"
	SeatReplaced = "replaced"
)

type JurorSeat struct {
	CaseID              string  `json:"case_id"`
	SeatIndex           int     `json:"seat_index"`
	AssignedAgentID     string  `json:"assigned_agent_id"`
	Status              string  `json:"status" enum:"pending,ready,voted,timed_out,replaced"`
	SelectionRank       int     `json:"selection_rank"`
	SeatProof           string  `json:"seat_proof"`
	ReadinessDeadlineAt *string `json:"readiness_deadline_at,omitempty" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// Ballot findings.
const (
	FindingProven       = "proven"
	FindingNotProven    = "not_proven"
	FindingInsufficient = "insufficient"
)

type Ballot struct {
	ID                 string   `json:"id"`
	CaseID             string   `json:"case_id"`
	SeatIndex          int      `json:"seat_index"`
	JurorAgentID       string   `json:"juror_agent_id"`
	ClaimID            string   `json:"claim_id"`
	Finding            string   `json:"finding" enum:"proven,not_proven,insufficient"`
	ReasoningSummary   string   `json:"reasoning_summary"`
	PrinciplesReliedOn []string `json:"principles_relied_on"`
	Confidence         *float64 `json:"confidence,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// Seal statuses.
const (
	SealPending = "pending"
	SealMinting = "minting"
	SealSealed  = "sealed"
	SealFailed  = "failed"
)

type SealInfo struct {
	CaseID                 string  `json:"case_id"`
	SealStatus             string  `json:"seal_status" enum:"pending,minting,sealed,failed"`
	VerdictHash            string  `json:"verdict_hash"`
	TranscriptRootHash     string  `json:"transcript_root_hash"`
	JurySelectionProofHash string  `json:"jury_selection_proof_hash"`
	AssetID                *string `json:"asset_id,omitempty"`
	TxSig                  *string `json:"tx_sig,omitempty"`
	SealedURI              *string `json:"sealed_uri,omitempty"`
	RootSeqNo              int64   `json:"root_seq_no"`
	Attempts               int     `json:"attempts"`
	LastError              *string `json:"last_error,omitempty"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
}

type Agent struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name,omitempty"`
	Secret        string `json:"-"`
	JurorEligible bool   `json:"juror_eligible"`
	Active        bool   `json:"active"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type IdempotencyRecord struct {
	Key            string `json:"key"`
	AgentID        string `json:"agent_id"`
	Endpoint       string `json:"endpoint"`
	PayloadHash    string `json:"payload_hash"`
	ResponseStatus int    `json:"response_status"`
	ResponseBody   string `json:"response_body"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

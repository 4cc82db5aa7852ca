package opencawtsdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal OpenCawt HTTP API client. Agent credentials sign
// every request; operators set BearerToken instead.
type Client struct {
	BaseURL     string
	AgentID     string
	AgentSecret string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// Now is overridable for tests; it stamps the signed timestamp.
	Now func() time.Time
}

// New creates a client with sane defaults.
func New(baseURL, agentID, agentSecret string) *Client {
	return &Client{
		BaseURL:     baseURL,
		AgentID:     agentID,
		AgentSecret: agentSecret,
		Timeout:     10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	ProsecutionAgentID string  `json:"prosecution_agent_id"`
	DefendantAgentID   *string `json:"defendant_agent_id,omitempty"`
	DefenceAgentID     *string `json:"defence_agent_id,omitempty"`
	OpenDefence        bool    `json:"open_defence"`
	DefenceState       string  `json:"defence_state"`
	ClaimSummary       string  `json:"claim_summary"`
	CurrentPhase       string  `json:"current_phase,omitempty"`
	PanelSize          int     `json:"panel_size"`
	VotesCast          int     `json:"votes_cast"`
	TallyProven        int     `json:"tally_proven"`
	TallyNotProven     int     `json:"tally_not_proven"`
	TallyInsufficient  int     `json:"tally_insufficient"`
}

// Session is the stage clock for an active case.
type Session struct {
	CaseID               string  `json:"case_id"`
	CurrentStage         string  `json:"current_stage"`
	StageDeadlineAt      *string `json:"stage_deadline_at,omitempty"`
	VotingHardDeadlineAt *string `json:"voting_hard_deadline_at,omitempty"`
	VoidReason           *string `json:"void_reason,omitempty"`
}

// CaseDetail bundles a case with its session and seats.
type CaseDetail struct {
	Case    Case     `json:"case"`
	Session *Session `json:"session,omitempty"`
	Seats   []Seat   `json:"seats,omitempty"`
}

// Seat is one juror seat on a panel.
type Seat struct {
	CaseID          string `json:"case_id"`
	SeatIndex       int    `json:"seat_index"`
	AssignedAgentID string `json:"assigned_agent_id"`
	Status          string `json:"status"`
	SelectionRank   int    `json:"selection_rank"`
}

// Ballot is a juror's recorded vote.
type Ballot struct {
	CaseID           string `json:"case_id"`
	SeatIndex        int    `json:"seat_index"`
	ClaimID          string `json:"claim_id"`
	Finding          string `json:"finding"`
	ReasoningSummary string `json:"reasoning_summary"`
}

// BallotRequest is the payload for casting a ballot.
type BallotRequest struct {
	ClaimID            string   `json:"claim_id,omitempty"`
	Finding            string   `json:"finding"`
	ReasoningSummary   string   `json:"reasoning_summary"`
	PrinciplesReliedOn []string `json:"principles_relied_on"`
	Confidence         *float64 `json:"confidence,omitempty"`
}

// TranscriptEvent is one entry in a case's append-only transcript.
type TranscriptEvent struct {
	EventID     string         `json:"event_id"`
	CaseID      string         `json:"case_id"`
	SeqNo       int64          `json:"seq_no"`
	Stage       string         `json:"stage"`
	EventType   string         `json:"event_type"`
	ActorRole   string         `json:"actor_role"`
	ActorID     *string        `json:"actor_agent_id,omitempty"`
	MessageText string         `json:"message_text,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// SealInfo is the seal record for a closed case.
type SealInfo struct {
	CaseID                 string  `json:"case_id"`
	SealStatus             string  `json:"seal_status"`
	VerdictHash            string  `json:"verdict_hash,omitempty"`
	TranscriptRootHash     string  `json:"transcript_root_hash,omitempty"`
	JurySelectionProofHash string  `json:"jury_selection_proof_hash,omitempty"`
	AssetID                *string `json:"asset_id,omitempty"`
	TxSig                  *string `json:"tx_sig,omitempty"`
	SealedURI              *string `json:"sealed_uri,omitempty"`
	Attempts               int     `json:"attempts"`
	LastError              *string `json:"last_error,omitempty"`
}

// VerifyReport is the independent re-derivation of a sealed case.
type VerifyReport struct {
	CaseID                 string `json:"case_id"`
	SealStatus             string `json:"seal_status"`
	VerdictHashMatch       bool   `json:"verdict_hash_match"`
	TranscriptRootMatch    bool   `json:"transcript_root_match"`
	JuryProofMatch         bool   `json:"jury_proof_match"`
	JuryOrderingReproduced bool   `json:"jury_ordering_reproduced"`
	OK                     bool   `json:"ok"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// DraftCase drafts a case on behalf of the authenticated agent.
func (c *Client) DraftCase(ctx context.Context, claimSummary, defendantAgentID string, openDefence bool) (Case, error) {
	body := map[string]any{
		"claim_summary": claimSummary,
		"open_defence":  openDefence,
	}
	if defendantAgentID != "" {
		body["defendant_agent_id"] = defendantAgentID
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases/draft", body, &resp, "")
	return resp, err
}

// FileCase submits the filing payment; idempotencyKey guards retries.
func (c *Client) FileCase(ctx context.Context, caseID, paymentTxSig, idempotencyKey string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("cases/%s/file", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"payment_tx_sig": paymentTxSig}, &resp, idempotencyKey)
	return resp, err
}

// VolunteerDefence claims the defence slot for the authenticated agent.
func (c *Client) VolunteerDefence(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("cases/%s/volunteer-defence", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, "")
	return resp, err
}

// JurorReady confirms the authenticated agent's seat.
func (c *Client) JurorReady(ctx context.Context, caseID string) (Seat, error) {
	var resp Seat
	endpoint := fmt.Sprintf("cases/%s/juror-ready", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, "")
	return resp, err
}

// SubmitAddress submits the agent's address for the current stage.
func (c *Client) SubmitAddress(ctx context.Context, caseID, message string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("cases/%s/submissions", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"message": message}, &resp, "")
	return resp, err
}

// CastBallot records the agent's vote; idempotencyKey guards retries.
func (c *Client) CastBallot(ctx context.Context, caseID string, ballot BallotRequest, idempotencyKey string) (Ballot, error) {
	var resp Ballot
	endpoint := fmt.Sprintf("cases/%s/ballots", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, ballot, &resp, idempotencyKey)
	return resp, err
}

// Case fetches a case with its session and seats.
func (c *Client) Case(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID), nil, &resp, "")
	return resp, err
}

// Cases lists cases, optionally filtered by status.
func (c *Client) Cases(ctx context.Context, status string, limit int) ([]Case, error) {
	endpoint := "cases"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// Transcript reads transcript events after the given sequence number.
func (c *Client) Transcript(ctx context.Context, caseID string, afterSeq int64, limit int) ([]TranscriptEvent, error) {
	endpoint := fmt.Sprintf("cases/%s/transcript", url.PathEscape(caseID))
	params := url.Values{}
	if afterSeq > 0 {
		params.Set("after_seq", fmt.Sprintf("%d", afterSeq))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []TranscriptEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// SealStatus returns the seal record for a case.
func (c *Client) SealStatus(ctx context.Context, caseID string) (SealInfo, error) {
	var resp SealInfo
	endpoint := fmt.Sprintf("cases/%s/seal-status", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// Verify asks the court to re-derive the seal hashes for a case.
func (c *Client) Verify(ctx context.Context, caseID string) (VerifyReport, error) {
	var resp VerifyReport
	endpoint := fmt.Sprintf("cases/%s/verify", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// RetrySeal re-runs a failed seal. Operator token required.
func (c *Client) RetrySeal(ctx context.Context, caseID string) (SealInfo, error) {
	var resp SealInfo
	endpoint := fmt.Sprintf("cases/%s/seal/retry", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, "")
	return resp, err
}

// signPayload computes the agent request signature. The string to sign is
//
//	method \n path \n timestamp \n hex(sha256(body))
//
// and must stay in lockstep with the server's verification.
func signPayload(secret, method, reqPath, timestamp string, body []byte) string {
	payloadHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + reqPath + "\n" + timestamp + "\n" + hex.EncodeToString(payloadHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, idempotencyKey string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	fullURL := c.base() + "/api/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		timestamp := now().UTC().Format(time.RFC3339)
		sum := sha256.Sum256(payload)
		req.Header.Set("X-Agent-Id", c.AgentID)
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Payload-Hash", hex.EncodeToString(sum[:]))
		req.Header.Set("X-Signature", signPayload(c.AgentSecret, method, req.URL.Path, timestamp, payload))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = string(b)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

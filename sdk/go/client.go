package copilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Sales Copilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers accept it only in local mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  30 * time.Second,
	}
}

type Account struct {
	ID           int64  `json:"id"`
	CompanyName  string `json:"company_name"`
	Segment      string `json:"segment"`
	Region       string `json:"region,omitempty"`
	Website      string `json:"website,omitempty"`
	Source       string `json:"source,omitempty"`
	PriorityTier string `json:"priority_tier"`
	CreatedAt    string `json:"created_at"`
}

type Contact struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	FullName  string `json:"full_name,omitempty"`
	RoleTitle string `json:"role_title,omitempty"`
	Email     string `json:"email,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
}

type Signal struct {
	ID             int64   `json:"id"`
	AccountID      int64   `json:"account_id"`
	SignalType     string  `json:"signal_type"`
	SignalStrength int     `json:"signal_strength"`
	EventDate      *string `json:"event_date,omitempty"`
	Summary        string  `json:"summary"`
	SourceName     string  `json:"source_name,omitempty"`
	EvidenceURL    string  `json:"evidence_url"`
	SearchProvider string  `json:"search_provider,omitempty"`
}

// SignalInput is the body of a manual signal.
type SignalInput struct {
	AccountID      int64  `json:"account_id"`
	SignalType     string `json:"signal_type"`
	SignalStrength int    `json:"signal_strength"`
	EventDate      string `json:"event_date,omitempty"`
	Summary        string `json:"summary"`
	SourceName     string `json:"source_name,omitempty"`
	EvidenceURL    string `json:"evidence_url"`
}

type InteractionInput struct {
	ContactID      int64  `json:"contact_id"`
	Channel        string `json:"channel"`
	Direction      string `json:"direction"`
	ContentSummary string `json:"content_summary"`
	Sentiment      string `json:"sentiment,omitempty"`
	RawRef         string `json:"raw_ref,omitempty"`
	OccurredAt     string `json:"occurred_at,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type InteractionResult struct {
	InteractionID int64  `json:"interaction_id"`
	AccountID     int64  `json:"account_id"`
	PipelineStage string `json:"pipeline_stage"`
	Duplicate     bool   `json:"duplicate"`
}

type BANTScore struct {
	ID                    int64  `json:"id"`
	AccountID             int64  `json:"account_id"`
	Budget                int    `json:"budget_score"`
	Authority             int    `json:"authority_score"`
	Need                  int    `json:"need_score"`
	Timeline              int    `json:"timeline_score"`
	Total                 int    `json:"total_score"`
	Grade                 string `json:"grade"`
	Rationale             string `json:"rationale"`
	RecommendedNextAction string `json:"recommended_next_action"`
	PipelineStage         string `json:"pipeline_stage"`
}

type Evidence struct {
	SignalIDs []int64 `json:"signal_ids"`
	Reasoning string  `json:"reasoning,omitempty"`
}

type Generation struct {
	Provider     string `json:"provider"`
	LatencyMs    int64  `json:"latency_ms"`
	TokenUsage   int    `json:"token_usage"`
	FallbackUsed bool   `json:"fallback_used"`
}

type PainProfile struct {
	ID              int64      `json:"id"`
	AccountID       int64      `json:"account_id"`
	Persona         string     `json:"persona"`
	PainStatement   string     `json:"pain_statement"`
	BusinessImpact  string     `json:"business_impact"`
	TechnicalAnchor string     `json:"technical_anchor"`
	Confidence      float64    `json:"confidence"`
	Evidence        Evidence   `json:"evidence"`
	Generation      Generation `json:"generation"`
}

// Selection is one chosen signal with an optional note.
type Selection struct {
	SignalID   int64  `json:"signal_id"`
	Annotation string `json:"annotation,omitempty"`
}

type OutreachDraft struct {
	ID         int64      `json:"id"`
	ContactID  int64      `json:"contact_id"`
	Channel    string     `json:"channel"`
	Intent     string     `json:"intent"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	CTA        string     `json:"cta,omitempty"`
	Status     string     `json:"status"`
	Generation Generation `json:"generation"`
}

type PipelineItem struct {
	AccountID       int64   `json:"account_id"`
	Stage           string  `json:"stage"`
	Probability     float64 `json:"probability"`
	NextAction      string  `json:"next_action"`
	DueDate         string  `json:"due_date"`
	Owner           string  `json:"owner"`
	Blocker         *string `json:"blocker,omitempty"`
	LatestBANTGrade *string `json:"latest_bant_grade,omitempty"`
	LatestBANTScore *int    `json:"latest_bant_score,omitempty"`
	Version         int64   `json:"version"`
}

// StageChange is a manual pipeline override. Empty fields are left unchanged.
type StageChange struct {
	Stage   string  `json:"stage,omitempty"`
	DueDate string  `json:"due_date,omitempty"`
	Owner   string  `json:"owner,omitempty"`
	Blocker *string `json:"blocker,omitempty"`
}

type BoardItem struct {
	AccountID       int64   `json:"account_id"`
	CompanyName     string  `json:"company_name"`
	PriorityTier    string  `json:"priority_tier"`
	Stage           string  `json:"stage"`
	Probability     float64 `json:"probability"`
	NextAction      string  `json:"next_action"`
	DueDate         string  `json:"due_date"`
	Owner           string  `json:"owner"`
	LatestBANTGrade *string `json:"latest_bant_grade,omitempty"`
}

type BoardColumn struct {
	Stage string      `json:"stage"`
	Items []BoardItem `json:"items"`
}

type WeeklyReport struct {
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	OutboundCount     int    `json:"outbound_count"`
	InboundCount      int    `json:"inbound_count"`
	AccountsTouched   int    `json:"accounts_touched"`
	DraftsCreated     int    `json:"drafts_created"`
	DraftsApproved    int    `json:"drafts_approved"`
	DraftsRejected    int    `json:"drafts_rejected"`
	BANTACount        int    `json:"bant_a_count"`
	BANTBCount        int    `json:"bant_b_count"`
	BANTCCount        int    `json:"bant_c_count"`
	TechnicalHandoffs int    `json:"technical_handoffs"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AccountID  *int64         `json:"account_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the body
// carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a bearer token on servers started with dev login and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID}
	if len(roles) > 0 {
		body["roles"] = roles
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateAccount creates an account; tier may be empty.
func (c *Client) CreateAccount(ctx context.Context, company, segment, tier string) (Account, error) {
	body := map[string]any{"company_name": company, "segment": segment}
	if tier != "" {
		body["priority_tier"] = tier
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "accounts", body, &resp)
	return resp, err
}

func (c *Client) GetAccount(ctx context.Context, id int64) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "accounts/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp []Account
	err := c.do(ctx, http.MethodGet, "accounts", nil, &resp)
	return resp, err
}

func (c *Client) CreateContact(ctx context.Context, accountID int64, fullName, roleTitle string) (Contact, error) {
	body := map[string]any{"account_id": accountID, "full_name": fullName, "role_title": roleTitle}
	var resp Contact
	err := c.do(ctx, http.MethodPost, "contacts", body, &resp)
	return resp, err
}

// AddSignal stores a signal. inserted is false when the evidence URL was already known.
func (c *Client) AddSignal(ctx context.Context, in SignalInput) (sig Signal, inserted bool, err error) {
	var resp struct {
		Signal   Signal `json:"signal"`
		Inserted bool   `json:"inserted"`
	}
	err = c.do(ctx, http.MethodPost, "signals", in, &resp)
	return resp.Signal, resp.Inserted, err
}

func (c *Client) ListSignals(ctx context.Context, accountID int64) ([]Signal, error) {
	var resp []Signal
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("accounts/%d/signals", accountID), nil, &resp)
	return resp, err
}

func (c *Client) RecordInteraction(ctx context.Context, in InteractionInput) (InteractionResult, error) {
	var resp InteractionResult
	err := c.do(ctx, http.MethodPost, "interactions", in, &resp)
	return resp, err
}

func (c *Client) ScoreBant(ctx context.Context, accountID int64, lookbackDays int) (BANTScore, error) {
	body := map[string]any{"account_id": accountID}
	if lookbackDays > 0 {
		body["lookback_days"] = lookbackDays
	}
	var resp BANTScore
	err := c.do(ctx, http.MethodPost, "bant/score", body, &resp)
	return resp, err
}

// GeneratePainProfiles generates profiles from the selected signals; nil selects every signal.
func (c *Client) GeneratePainProfiles(ctx context.Context, accountID int64, selected []Selection, personas []string) ([]PainProfile, error) {
	body := map[string]any{"account_id": accountID}
	if selected != nil {
		body["selected"] = selected
	}
	if len(personas) > 0 {
		body["persona_targets"] = personas
	}
	var resp []PainProfile
	err := c.do(ctx, http.MethodPost, "pain-profiles/generate", body, &resp)
	return resp, err
}

func (c *Client) GenerateOutreach(ctx context.Context, contactID int64, channel, intent string) (OutreachDraft, error) {
	body := map[string]any{"contact_id": contactID}
	if channel != "" {
		body["channel"] = channel
	}
	if intent != "" {
		body["intent"] = intent
	}
	var resp OutreachDraft
	err := c.do(ctx, http.MethodPost, "outreach/generate", body, &resp)
	return resp, err
}

// ReviewOutreach approves or rejects a draft.
func (c *Client) ReviewOutreach(ctx context.Context, draftID int64, status string) (OutreachDraft, error) {
	var resp OutreachDraft
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("outreach/%d/status", draftID), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) PipelineItem(ctx context.Context, accountID int64) (PipelineItem, error) {
	var resp PipelineItem
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("pipeline/%d", accountID), nil, &resp)
	return resp, err
}

func (c *Client) SetStage(ctx context.Context, accountID int64, change StageChange) (PipelineItem, error) {
	var resp PipelineItem
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("pipeline/%d/stage", accountID), change, &resp)
	return resp, err
}

func (c *Client) Board(ctx context.Context) ([]BoardColumn, error) {
	var resp []BoardColumn
	err := c.do(ctx, http.MethodGet, "pipeline/board", nil, &resp)
	return resp, err
}

func (c *Client) WeeklyReport(ctx context.Context) (WeeklyReport, error) {
	var resp WeeklyReport
	err := c.do(ctx, http.MethodGet, "reports/weekly", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

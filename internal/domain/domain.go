package domain

type Account struct {
	ID           int64  `json:"id"`
	CompanyName  string `json:"company_name"`
	Segment      string `json:"segment"`
	Region       string `json:"region,omitempty"`
	Website      string `json:"website,omitempty"`
	Source       string `json:"source,omitempty"`
	PriorityTier string `json:"priority_tier" enum:"T1,T2,T3"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Contact struct {
	ID                  int64  `json:"id"`
	AccountID           int64  `json:"account_id"`
	FullName            string `json:"full_name,omitempty"`
	RoleTitle           string `json:"role_title,omitempty"`
	Email               string `json:"email,omitempty"`
	LinkedIn            string `json:"linkedin,omitempty"`
	ContactabilityScore *int   `json:"contactability_score,omitempty"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

// Signal is an external market observation. Signals are never edited once stored.
type Signal struct {
	ID             int64   `json:"id"`
	AccountID      int64   `json:"account_id"`
	SignalType     string  `json:"signal_type"`
	SignalStrength int     `json:"signal_strength"`
	EventDate      *string `json:"event_date,omitempty" format:"date"`
	Summary        string  `json:"summary"`
	SourceName     string  `json:"source_name,omitempty"`
	EvidenceURL    string  `json:"evidence_url"`
	SearchProvider string  `json:"search_provider,omitempty"`
	FetchedAt      string  `json:"fetched_at" format:"date-time"`
}

// EvidenceItem is a snapshot of one signal taken when a pain profile was generated.
type EvidenceItem struct {
	SignalID       int64   `json:"signal_id"`
	SignalType     string  `json:"signal_type"`
	SignalStrength int     `json:"signal_strength"`
	Summary        string  `json:"summary"`
	EvidenceURL    string  `json:"evidence_url"`
	SourceName     string  `json:"source_name,omitempty"`
	EventDate      *string `json:"event_date,omitempty"`
	Annotation     string  `json:"annotation,omitempty"`
}

type EvidenceRef struct {
	SignalIDs []int64        `json:"signal_ids"`
	Reasoning string         `json:"reasoning,omitempty"`
	Items     []EvidenceItem `json:"items"`
}

// GenerationMeta records how a piece of generated text was produced.
type GenerationMeta struct {
	Provider     string `json:"provider"`
	LatencyMs    int64  `json:"latency_ms"`
	TokenUsage   int    `json:"token_usage"`
	FallbackUsed bool   `json:"fallback_used"`
}

type PainProfile struct {
	ID              int64          `json:"id"`
	AccountID       int64          `json:"account_id"`
	Persona         string         `json:"persona"`
	PainStatement   string         `json:"pain_statement"`
	BusinessImpact  string         `json:"business_impact"`
	TechnicalAnchor string         `json:"technical_anchor"`
	Confidence      float64        `json:"confidence"`
	Evidence        EvidenceRef    `json:"evidence"`
	Generation      GenerationMeta `json:"generation"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type BANTScore struct {
	ID                    int64  `json:"id"`
	AccountID             int64  `json:"account_id"`
	Budget                int    `json:"budget_score"`
	Authority             int    `json:"authority_score"`
	Need                  int    `json:"need_score"`
	Timeline              int    `json:"timeline_score"`
	Total                 int    `json:"total_score"`
	Grade                 string `json:"grade" enum:"A,B,C"`
	Rationale             string `json:"rationale"`
	RecommendedNextAction string `json:"recommended_next_action"`
	PipelineStage         string `json:"pipeline_stage"`
	LookbackDays          int    `json:"lookback_days"`
	CreatedAt             string `json:"created_at" format:"date-time"`
}

type Interaction struct {
	ID             int64   `json:"id"`
	ContactID      int64   `json:"contact_id"`
	AccountID      int64   `json:"account_id"`
	Channel        string  `json:"channel" enum:"EMAIL,LINKEDIN,MEETING,CALL"`
	Direction      string  `json:"direction" enum:"OUTBOUND,INBOUND"`
	ContentSummary string  `json:"content_summary"`
	Sentiment      *string `json:"sentiment,omitempty" enum:"POSITIVE,NEUTRAL,NEGATIVE"`
	RawRef         string  `json:"raw_ref,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	OccurredAt     string  `json:"occurred_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// PipelineItem is the single mutable pipeline record of an account.
type PipelineItem struct {
	AccountID         int64   `json:"account_id"`
	Stage             string  `json:"stage"`
	Probability       float64 `json:"probability"`
	NextAction        string  `json:"next_action"`
	DueDate           string  `json:"due_date" format:"date"`
	DueDateOverridden bool    `json:"due_date_overridden"`
	Owner             string  `json:"owner"`
	Blocker           *string `json:"blocker,omitempty"`
	LatestBANTGrade   *string `json:"latest_bant_grade,omitempty"`
	LatestBANTScore   *int    `json:"latest_bant_score,omitempty"`
	Version           int64   `json:"version"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type OutreachDraft struct {
	ID         int64          `json:"id"`
	ContactID  int64          `json:"contact_id"`
	Channel    string         `json:"channel" enum:"EMAIL,LINKEDIN"`
	Intent     string         `json:"intent"`
	Tone       string         `json:"tone,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	CTA        string         `json:"cta,omitempty"`
	Status     string         `json:"status" enum:"DRAFT,APPROVED,REJECTED"`
	Generation GenerationMeta `json:"generation"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type BoardItem struct {
	AccountID       int64   `json:"account_id"`
	CompanyName     string  `json:"company_name"`
	PriorityTier    string  `json:"priority_tier"`
	Stage           string  `json:"stage"`
	Probability     float64 `json:"probability"`
	NextAction      string  `json:"next_action"`
	DueDate         string  `json:"due_date" format:"date"`
	Owner           string  `json:"owner"`
	Blocker         *string `json:"blocker,omitempty"`
	LatestBANTGrade *string `json:"latest_bant_grade,omitempty"`
	LatestBANTScore *int    `json:"latest_bant_score,omitempty"`
}

type BoardColumn struct {
	Stage string      `json:"stage"`
	Items []BoardItem `json:"items"`
}

type WeeklyReport struct {
	StartDate         string `json:"start_date" format:"date"`
	EndDate           string `json:"end_date" format:"date"`
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

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  *int64 `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

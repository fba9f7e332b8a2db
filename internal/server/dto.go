package server

import (
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
)

// Request payloads

type CreateAccountRequest struct {
	CompanyName  string `json:"company_name" minLength:"1"`
	Segment      string `json:"segment" enum:"WAFER_FAB,INSPECTION_METROLOGY,PACKAGING_TEST,FACTORY_AUTOMATION,DISPLAY,SEMICON"`
	Region       string `json:"region,omitempty"`
	Website      string `json:"website,omitempty"`
	Source       string `json:"source,omitempty"`
	PriorityTier string `json:"priority_tier,omitempty" enum:"T1,T2,T3"`
}

type CreateContactRequest struct {
	AccountID           int64  `json:"account_id"`
	FullName            string `json:"full_name,omitempty"`
	RoleTitle           string `json:"role_title,omitempty"`
	Email               string `json:"email,omitempty"`
	LinkedIn            string `json:"linkedin,omitempty"`
	ContactabilityScore *int   `json:"contactability_score,omitempty" minimum:"0" maximum:"100"`
}

type CreateSignalRequest struct {
	AccountID      int64  `json:"account_id"`
	SignalType     string `json:"signal_type"`
	SignalStrength int    `json:"signal_strength" minimum:"0" maximum:"100"`
	EventDate      string `json:"event_date,omitempty"`
	Summary        string `json:"summary"`
	SourceName     string `json:"source_name,omitempty"`
	EvidenceURL    string `json:"evidence_url"`
}

type ScanSignalsRequest struct {
	LookbackDays int `json:"lookback_days,omitempty" minimum:"0" maximum:"365"`
}

type RecordInteractionRequest struct {
	ContactID      int64  `json:"contact_id"`
	Channel        string `json:"channel" enum:"EMAIL,LINKEDIN,MEETING,CALL"`
	Direction      string `json:"direction" enum:"OUTBOUND,INBOUND"`
	ContentSummary string `json:"content_summary"`
	Sentiment      string `json:"sentiment,omitempty" enum:"POSITIVE,NEUTRAL,NEGATIVE"`
	RawRef         string `json:"raw_ref,omitempty"`
	OccurredAt     string `json:"occurred_at,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ScoreBantRequest struct {
	AccountID    int64 `json:"account_id"`
	LookbackDays int   `json:"lookback_days,omitempty"`
}

// EvidenceSelection is one human-picked signal with an optional note for the generator.
type EvidenceSelection struct {
	SignalID   int64  `json:"signal_id"`
	Annotation string `json:"annotation,omitempty"`
}

type GeneratePainRequest struct {
	AccountID int64 `json:"account_id"`
	// Selected restricts generation to these signals. Omit to use every signal of the account.
	Selected       []EvidenceSelection `json:"selected,omitempty"`
	PersonaTargets []string            `json:"persona_targets,omitempty"`
	MaxItems       int                 `json:"max_items,omitempty" minimum:"0" maximum:"10"`
}

type UpdatePainRequest struct {
	Persona         *string  `json:"persona,omitempty"`
	PainStatement   *string  `json:"pain_statement,omitempty"`
	BusinessImpact  *string  `json:"business_impact,omitempty"`
	TechnicalAnchor *string  `json:"technical_anchor,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

type GenerateOutreachRequest struct {
	ContactID int64  `json:"contact_id"`
	Channel   string `json:"channel,omitempty" enum:"EMAIL,LINKEDIN"`
	Intent    string `json:"intent,omitempty" enum:"FIRST_TOUCH,FOLLOW_UP,MEETING_REQUEST"`
	Tone      string `json:"tone,omitempty"`
}

type OutreachStatusRequest struct {
	Status string `json:"status" enum:"APPROVED,REJECTED"`
}

type SetStageRequest struct {
	Stage   string  `json:"stage,omitempty" enum:"DISCOVERY,CONTACTED,ENGAGED,QUALIFIED,TECHNICAL_EVAL,NURTURE,WON,LOST"`
	DueDate string  `json:"due_date,omitempty" format:"date"`
	Owner   string  `json:"owner,omitempty"`
	Blocker *string `json:"blocker,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type SignalResponse struct {
	Signal   domain.Signal `json:"signal"`
	Inserted bool          `json:"inserted"`
}

type DeleteResponse struct {
	Deleted        bool `json:"deleted"`
	AlreadyMissing bool `json:"already_missing"`
}

type ScanResponse struct {
	Inserted []domain.Signal `json:"inserted"`
	Skipped  int             `json:"skipped"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	AccountID  *int64 `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Helper mappers

func scanResponse(r engine.IngestResult) ScanResponse {
	return ScanResponse{Inserted: nonNilSlice(r.Inserted), Skipped: r.Skipped}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func selectionIDs(sel []EvidenceSelection) ([]int64, map[int64]string) {
	if sel == nil {
		return nil, nil
	}
	ids := make([]int64, 0, len(sel))
	notes := map[int64]string{}
	for _, s := range sel {
		ids = append(ids, s.SignalID)
		if s.Annotation != "" {
			notes[s.SignalID] = s.Annotation
		}
	}
	return ids, notes
}

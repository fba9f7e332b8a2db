// Package generator produces pain-profile and outreach prose. The engine treats it as an
// untrusted collaborator: every claim it returns is validated before persistence.
package generator

import (
	"context"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

// Generator is implemented by the LLM-backed client and by Fallback.
type Generator interface {
	PainProfiles(ctx context.Context, req PainRequest) (PainResult, error)
	Outreach(ctx context.Context, req OutreachRequest) (OutreachResult, error)
}

type PainRequest struct {
	Account        domain.Account
	Signals        []domain.Signal
	Annotations    map[int64]string
	PersonaTargets []string
	MaxItems       int
	// Selected is set when a human picked the signals; the prompt then forbids other facts.
	Selected bool
}

// PainDraft is one generated profile before evidence validation.
type PainDraft struct {
	Persona           string
	PainStatement     string
	BusinessImpact    string
	TechnicalAnchor   string
	Confidence        float64
	EvidenceSignalIDs []int64
	Reasoning         string
}

type PainResult struct {
	Items []PainDraft
	Meta  domain.GenerationMeta
}

type OutreachRequest struct {
	Account domain.Account
	Contact domain.Contact
	Pains   []domain.PainProfile
	Channel string
	Intent  string
	Tone    string
}

type OutreachResult struct {
	Subject string
	Body    string
	CTA     string
	Meta    domain.GenerationMeta
}

// DefaultPersonas are used when a caller names no persona targets.
var DefaultPersonas = []string{"RD", "NPI", "QA"}

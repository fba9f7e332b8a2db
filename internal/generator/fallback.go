package generator

import (
	"context"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

// ProviderFallback marks content produced without a model.
const ProviderFallback = "FALLBACK"

// Fallback returns fixed copy grounded on the strongest signal. It never fails.
type Fallback struct{}

func (Fallback) PainProfiles(ctx context.Context, req PainRequest) (PainResult, error) {
	res := PainResult{Meta: domain.GenerationMeta{Provider: ProviderFallback, FallbackUsed: true}}
	res.Items = fallbackPains(req)
	return res, ctx.Err()
}

func (Fallback) Outreach(ctx context.Context, req OutreachRequest) (OutreachResult, error) {
	res := fallbackOutreach(req.Channel, req.Intent)
	res.Meta = domain.GenerationMeta{Provider: ProviderFallback, FallbackUsed: true}
	return res, ctx.Err()
}

func fallbackPains(req PainRequest) []PainDraft {
	var primary []int64
	if len(req.Signals) > 0 {
		primary = []int64{req.Signals[0].ID}
	}
	personas := req.PersonaTargets
	if len(personas) == 0 {
		personas = DefaultPersonas
	}
	max := req.MaxItems
	if max <= 0 || max > len(personas) {
		max = len(personas)
	}
	items := make([]PainDraft, 0, max)
	for _, persona := range personas[:max] {
		items = append(items, PainDraft{
			Persona:           persona,
			PainStatement:     "Current processes likely suffer from unstable yield and insufficient equipment uptime.",
			BusinessImpact:    "Low yield raises scrap cost and downtime delays shipments and customer commitments.",
			TechnicalAnchor:   "Process control precision, inline inspection coverage and preventive maintenance.",
			Confidence:        0.55,
			EvidenceSignalIDs: primary,
			Reasoning:         "Recent expansion and process-upgrade signals suggest yield management and equipment efficiency become bottlenecks.",
		})
	}
	return items
}

func fallbackOutreach(channel, intent string) OutreachResult {
	if channel == domain.ChannelLinkedIn {
		return OutreachResult{
			Body: "Hi, we help semiconductor manufacturing teams raise yield and equipment uptime with advanced inspection and automation. " +
				"If useful, I can share a process-optimization benchmark checklist.",
			CTA: "Would a 15-minute technical chat next week work for you?",
		}
	}
	subject := "Improving process yield on your lines"
	switch intent {
	case domain.IntentFollowUp:
		subject = "Follow-up: inspection coverage and equipment uptime"
	case domain.IntentMeetingRequest:
		subject = "Request: 30 minutes on yield and inspection"
	}
	return OutreachResult{
		Subject: subject,
		Body: "Hello,\n\nWe work with fabs and packaging sites on inline inspection and automation that cut false rejects and unplanned downtime. " +
			"Based on your recent expansion, a short benchmark of your inspection coverage could surface quick wins.\n\nBest regards",
		CTA: "Could we schedule a 20-minute technical call next week?",
	}
}

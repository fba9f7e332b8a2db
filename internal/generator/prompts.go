package generator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const promptSignalLimit = 8

const painSystemPrompt = "You are a B2B technical sales strategist for semiconductor equipment and factory automation. " +
	"You know wafer processing, packaging and test, yield management and equipment procurement. Be concise and never invent facts. " +
	"Reply with JSON only."

const outreachSystemPrompt = "You write short B2B outreach for semiconductor equipment sales. " +
	"Reference only the pains you are given. Reply with JSON only."

type promptSignal struct {
	SignalID        int64  `json:"signal_id"`
	SignalType      string `json:"signal_type"`
	SignalStrength  int    `json:"signal_strength"`
	Summary         string `json:"summary"`
	Source          string `json:"source,omitempty"`
	EvidenceURL     string `json:"evidence_url"`
	EventDate       string `json:"event_date,omitempty"`
	SalespersonNote string `json:"salesperson_note,omitempty"`
}

func painPrompt(req PainRequest) string {
	signals := req.Signals
	if len(signals) > promptSignalLimit {
		signals = signals[:promptSignalLimit]
	}
	lines := make([]promptSignal, 0, len(signals))
	for _, s := range signals {
		ps := promptSignal{
			SignalID:        s.ID,
			SignalType:      s.SignalType,
			SignalStrength:  s.SignalStrength,
			Summary:         s.Summary,
			Source:          s.SourceName,
			EvidenceURL:     s.EvidenceURL,
			SalespersonNote: req.Annotations[s.ID],
		}
		if s.EventDate != nil {
			ps.EventDate = *s.EventDate
		}
		lines = append(lines, ps)
	}
	encoded, _ := json.Marshal(lines)
	personas := req.PersonaTargets
	if len(personas) == 0 {
		personas = DefaultPersonas
	}

	var b strings.Builder
	if req.Selected {
		b.WriteString("IMPORTANT: a salesperson confirmed every signal below as relevant. Cite only these signals and add no other facts. ")
		b.WriteString("Take any salesperson_note into account in reasoning.\n")
	}
	b.WriteString("Produce pain profiles for B2B technical prospecting.\n")
	b.WriteString("Return strict JSON with a root 'items' array.\n")
	b.WriteString("Each item has: persona, pain_statement, business_impact, technical_anchor, confidence, evidence_signal_ids, reasoning.\n")
	b.WriteString("evidence_signal_ids is an array citing only signal_id values listed below (1 to 3 ids).\n")
	b.WriteString("reasoning briefly explains the signal -> pain inference.\n")
	b.WriteString("confidence is between 0 and 1; lower it when evidence is thin.\n")
	fmt.Fprintf(&b, "At most %d items.\n", req.MaxItems)
	fmt.Fprintf(&b, "Target personas: %s.\n", strings.Join(personas, ", "))
	fmt.Fprintf(&b, "Company: %s, segment: %s.\n", req.Account.CompanyName, req.Account.Segment)
	fmt.Fprintf(&b, "Signals: %s", encoded)
	return b.String()
}

func outreachPrompt(req OutreachRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s. Intent: %s. Tone: %s.\n", req.Channel, req.Intent, req.Tone)
	fmt.Fprintf(&b, "Company: %s (%s). Recipient: %s, %s.\n", req.Account.CompanyName, req.Account.Segment, req.Contact.FullName, req.Contact.RoleTitle)
	b.WriteString("Pains:\n")
	for _, p := range req.Pains {
		fmt.Fprintf(&b, "- [%s] %s Impact: %s Anchor: %s\n", p.Persona, p.PainStatement, p.BusinessImpact, p.TechnicalAnchor)
	}
	if req.Channel == "LINKEDIN" {
		b.WriteString("LinkedIn messages have no subject and stay under 600 characters.\n")
	}
	b.WriteString(`Return strict JSON: {"subject": "...", "body": "...", "cta": "..."}`)
	return b.String()
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/generator"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

const (
	maxPersonaLen  = 32
	maxProseLen    = 2000
	defaultPersona = "RD"
)

type PainGenerateOptions struct {
	AccountID int64
	// SignalIDs restricts the candidates to signals a human selected. Nil means all signals.
	SignalIDs      []int64
	Annotations    map[int64]string
	PersonaTargets []string
	MaxItems       int
	ActorID        string
}

// LinkEvidence intersects the generator's claimed ids with the candidates, keeping claim
// order, removing duplicates and capping at maxEvidence. Claimed ids outside the candidate
// set are returned as dropped. An empty intersection falls back to the first (strongest)
// candidate.
func LinkEvidence(candidates []domain.Signal, claimed []int64, maxEvidence int) (linked []domain.Signal, dropped []int64) {
	if len(candidates) == 0 {
		return nil, claimed
	}
	byID := make(map[int64]domain.Signal, len(candidates))
	for _, s := range candidates {
		byID[s.ID] = s
	}
	seen := map[int64]bool{}
	for _, id := range claimed {
		s, ok := byID[id]
		if !ok {
			dropped = append(dropped, id)
			continue
		}
		if seen[id] || len(linked) >= maxEvidence {
			continue
		}
		seen[id] = true
		linked = append(linked, s)
	}
	if len(linked) == 0 {
		linked = []domain.Signal{candidates[0]}
	}
	return linked, dropped
}

// missingSelection reports the first selected id that is not a signal of the account.
func missingSelection(ids []int64, candidates []domain.Signal) error {
	have := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		have[c.ID] = true
	}
	for _, id := range ids {
		if !have[id] {
			return domain.NotFoundError{Kind: "signal", ID: id}
		}
	}
	return nil
}

// PainConfidence clamps a generated confidence into [0,1] and caps it when a single signal
// backs the claim.
func PainConfidence(v float64, evidenceCount int, singleCap float64) float64 {
	c := clamp01(v)
	if evidenceCount == 1 && singleCap > 0 && c > singleCap {
		c = singleCap
	}
	return round2(c)
}

func normalizePersona(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	if p == "" {
		return defaultPersona
	}
	return truncateRunes(p, maxPersonaLen)
}

func proseOr(v, placeholder string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return placeholder
	}
	return truncateRunes(v, maxProseLen)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// GeneratePainProfiles asks the generator for pain profiles grounded in the account's signals
// and stores them with a verified evidence chain.
func (e Engine) GeneratePainProfiles(ctx context.Context, opts PainGenerateOptions) ([]domain.PainProfile, error) {
	ctx, span, start := e.startSpan(ctx, "generate_pain_profiles", opts.AccountID)
	var err error
	defer func() { e.endSpan(span, "generate_pain_profiles", start, err) }()

	cfg := e.config()
	var account domain.Account
	account, err = e.requireAccount(ctx, nil, opts.AccountID)
	if err != nil {
		return nil, err
	}
	selected := opts.SignalIDs != nil
	if selected && len(opts.SignalIDs) == 0 {
		return []domain.PainProfile{}, nil
	}
	var candidates []domain.Signal
	candidates, err = e.Repo.ListSignals(ctx, nil, repo.SignalFilters{AccountID: opts.AccountID, IDs: opts.SignalIDs, Limit: len(opts.SignalIDs)})
	if err != nil {
		return nil, err
	}
	if selected {
		if err = missingSelection(opts.SignalIDs, candidates); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return []domain.PainProfile{}, nil
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = cfg.Generation.MaxPainItems
	}
	personas := make([]string, 0, len(opts.PersonaTargets))
	for _, p := range opts.PersonaTargets {
		if p = strings.TrimSpace(p); p != "" {
			personas = append(personas, normalizePersona(p))
		}
	}

	genCtx := ctx
	if d := cfg.GenerationTimeout(); d > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var result generator.PainResult
	result, err = e.Generator.PainProfiles(genCtx, generator.PainRequest{
		Account:        account,
		Signals:        candidates,
		Annotations:    opts.Annotations,
		PersonaTargets: personas,
		MaxItems:       maxItems,
		Selected:       selected,
	})
	if err != nil {
		err = fmt.Errorf("generate pain profiles: %w", err)
		return nil, err
	}

	now := timestamp(e.now())
	var profiles []domain.PainProfile
	var allDropped []int64
	for i, draft := range result.Items {
		if i >= maxItems {
			break
		}
		linked, dropped := LinkEvidence(candidates, draft.EvidenceSignalIDs, cfg.Generation.MaxEvidencePerPain)
		if len(dropped) > 0 {
			invalid := domain.InvalidEvidenceSetError{Dropped: dropped}
			e.log().Warn("dropped evidence outside candidate set", zap.Int64("account_id", opts.AccountID), zap.Error(invalid))
			e.Metrics.AddEvidenceDropped(len(dropped))
			allDropped = append(allDropped, dropped...)
		}
		ref := domain.EvidenceRef{Reasoning: truncateRunes(strings.TrimSpace(draft.Reasoning), maxProseLen)}
		for _, s := range linked {
			ref.SignalIDs = append(ref.SignalIDs, s.ID)
			ref.Items = append(ref.Items, domain.EvidenceItem{
				SignalID:       s.ID,
				SignalType:     s.SignalType,
				SignalStrength: s.SignalStrength,
				Summary:        s.Summary,
				EvidenceURL:    s.EvidenceURL,
				SourceName:     s.SourceName,
				EventDate:      s.EventDate,
				Annotation:     opts.Annotations[s.ID],
			})
		}
		profiles = append(profiles, domain.PainProfile{
			AccountID:       opts.AccountID,
			Persona:         normalizePersona(draft.Persona),
			PainStatement:   proseOr(draft.PainStatement, "Pain statement pending review."),
			BusinessImpact:  proseOr(draft.BusinessImpact, "Business impact pending review."),
			TechnicalAnchor: proseOr(draft.TechnicalAnchor, "Technical anchor pending review."),
			Confidence:      PainConfidence(draft.Confidence, len(linked), cfg.Generation.SingleEvidenceConfidenceCap),
			Evidence:        ref,
			Generation:      result.Meta,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if result.Meta.FallbackUsed {
		e.Metrics.IncrFallback("pain_profiles")
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return []domain.PainProfile{}, nil
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		ids := make([]int64, 0, len(profiles))
		for i := range profiles {
			id, err := e.Repo.InsertPainProfile(ctx, tx, profiles[i])
			if err != nil {
				return fmt.Errorf("insert pain profile: %w", err)
			}
			profiles[i].ID = id
			ids = append(ids, id)
		}
		payload := events.EventPayload{
			"profile_ids":   ids,
			"provider":      result.Meta.Provider,
			"fallback_used": result.Meta.FallbackUsed,
			"selected":      selected,
		}
		if len(allDropped) > 0 {
			payload["dropped_signal_ids"] = allDropped
		}
		return e.events().Append(ctx, tx, "pain.generated", opts.AccountID, "pain_profile", ids[0], opts.ActorID, payload)
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

type PainUpdate struct {
	ID              int64
	Persona         *string
	PainStatement   *string
	BusinessImpact  *string
	TechnicalAnchor *string
	Confidence      *float64
	ActorID         string
}

// UpdatePainProfile edits the prose and confidence of a profile. Evidence never changes.
func (e Engine) UpdatePainProfile(ctx context.Context, u PainUpdate) (domain.PainProfile, error) {
	if u.Persona == nil && u.PainStatement == nil && u.BusinessImpact == nil && u.TechnicalAnchor == nil && u.Confidence == nil {
		return domain.PainProfile{}, domain.ValidationError{Message: "at least one field is required"}
	}
	var p domain.PainProfile
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPainProfile(ctx, tx, u.ID)
		if err != nil {
			return notFound(err, "pain_profile", u.ID)
		}
		var fields []string
		if u.Persona != nil {
			p.Persona = normalizePersona(*u.Persona)
			fields = append(fields, "persona")
		}
		if u.PainStatement != nil {
			p.PainStatement = proseOr(*u.PainStatement, p.PainStatement)
			fields = append(fields, "pain_statement")
		}
		if u.BusinessImpact != nil {
			p.BusinessImpact = proseOr(*u.BusinessImpact, p.BusinessImpact)
			fields = append(fields, "business_impact")
		}
		if u.TechnicalAnchor != nil {
			p.TechnicalAnchor = proseOr(*u.TechnicalAnchor, p.TechnicalAnchor)
			fields = append(fields, "technical_anchor")
		}
		if u.Confidence != nil {
			p.Confidence = round2(clamp01(*u.Confidence))
			fields = append(fields, "confidence")
		}
		p.UpdatedAt = timestamp(e.now())
		if err := e.Repo.UpdatePainProfile(ctx, tx, p); err != nil {
			return notFound(err, "pain_profile", u.ID)
		}
		return e.events().Append(ctx, tx, "pain.updated", p.AccountID, "pain_profile", p.ID, u.ActorID, events.EventPayload{"fields": fields})
	})
	if err != nil {
		return domain.PainProfile{}, err
	}
	return p, nil
}

// DeletePainProfile is idempotent and reports whether the profile was already gone.
func (e Engine) DeletePainProfile(ctx context.Context, id int64, actorID string) (alreadyMissing bool, err error) {
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetPainProfile(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			alreadyMissing = true
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := e.Repo.DeletePainProfile(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "pain.deleted", p.AccountID, "pain_profile", id, actorID, nil)
	})
	return alreadyMissing, err
}

func (e Engine) ListPainProfiles(ctx context.Context, accountID int64, limit int) ([]domain.PainProfile, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return e.Repo.ListPainProfiles(ctx, nil, repo.PainFilters{AccountID: accountID, Limit: limit})
}

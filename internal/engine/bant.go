package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

// BANTSnapshot is everything the scorer reads. Signals and interactions are already
// restricted to the lookback window.
type BANTSnapshot struct {
	Now          time.Time
	LookbackDays int
	Signals      []domain.Signal
	Interactions []domain.Interaction
	Pains        []domain.PainProfile
	Contacts     []domain.Contact
}

type BANTResult struct {
	Budget           int
	Authority        int
	Need             int
	Timeline         int
	Total            int
	Grade            string
	Rationale        string
	HandoffConfirmed bool
}

// ComputeBANT scores a snapshot. It is pure: the same snapshot and config give the same result.
func ComputeBANT(cfg *config.Config, s BANTSnapshot) BANTResult {
	b := cfg.BANT
	corpus := interactionCorpus(s.Interactions)
	budgetHits := keywordHits(corpus, b.Keywords.Budget)
	authorityHits := keywordHits(corpus, b.Keywords.Authority)
	needHits := keywordHits(corpus, b.Keywords.Need)
	timelineHits := keywordHits(corpus, b.Keywords.Timeline)
	technicalHits := keywordHits(corpus, b.Keywords.Technical)

	contacts := make(map[int64]domain.Contact, len(s.Contacts))
	hasAuthorityContact := false
	for _, c := range s.Contacts {
		contacts[c.ID] = c
		if isAuthorityRole(c.RoleTitle, b.AuthorityRoles) {
			hasAuthorityContact = true
		}
	}

	var latestInbound *domain.Interaction
	inboundPositive := false
	authorityInbound := false
	handoff := false
	for i := range s.Interactions {
		it := s.Interactions[i]
		if it.Direction != domain.DirectionInbound {
			continue
		}
		if latestInbound == nil || it.OccurredAt > latestInbound.OccurredAt {
			latestInbound = &s.Interactions[i]
		}
		sentiment := ""
		if it.Sentiment != nil {
			sentiment = *it.Sentiment
		}
		if sentiment == domain.SentimentPositive {
			inboundPositive = true
		}
		c, ok := contacts[it.ContactID]
		if !ok || !isAuthorityRole(c.RoleTitle, b.AuthorityRoles) {
			continue
		}
		authorityInbound = true
		if sentiment != domain.SentimentNegative && keywordHits(strings.ToLower(it.ContentSummary), b.Keywords.Timeline) > 0 {
			handoff = true
		}
	}

	maxCapex, sumStrength := 0, 0
	timingSignal := false
	for _, sig := range s.Signals {
		sumStrength += sig.SignalStrength
		if sig.SignalType == domain.SignalCapex && sig.SignalStrength > maxCapex {
			maxCapex = sig.SignalStrength
		}
		if (sig.SignalType == domain.SignalCapex || sig.SignalType == domain.SignalNPI) && sig.EventDate != nil {
			if d, err := time.Parse(time.DateOnly, *sig.EventDate); err == nil {
				if !d.Before(dayStart(s.Now).AddDate(0, 0, -30)) && !d.After(dayStart(s.Now).AddDate(0, 0, 90)) {
					timingSignal = true
				}
			}
		}
	}
	maxPain := 0.0
	for i, p := range s.Pains {
		if i >= 5 {
			break
		}
		if c := clamp01(p.Confidence); c > maxPain {
			maxPain = c
		}
	}

	budget := maxCapex*15/100 + min(10, 4*budgetHits)

	authority := min(5, 3*authorityHits)
	if hasAuthorityContact {
		authority += 10
	}
	if authorityInbound {
		authority += 10
	}

	need := min(12, sumStrength/20) + int(math.Round(maxPain*8)) + min(5, 2*needHits)
	if inboundPositive {
		need += 2
	}

	timeline := min(5, 3*timelineHits)
	if latestInbound != nil {
		days := 1 << 30
		if at, err := parseTime(latestInbound.OccurredAt); err == nil {
			days = int(s.Now.Sub(at).Hours() / 24)
		}
		switch {
		case days <= 7:
			timeline += 10
		case days <= 30:
			timeline += 6
		default:
			timeline += 3
		}
	}
	if timingSignal {
		timeline += 8
	}
	if inboundPositive {
		timeline += 2
	}

	tt := b.TechnicalTrack
	technicalTrack := tt.MinHits > 0 && technicalHits >= tt.MinHits && inboundPositive && min(b.Max.Need, need) >= tt.MinNeed
	if technicalTrack {
		budget += tt.BudgetBonus
		authority += tt.AuthorityBonus
		timeline += tt.TimelineBonus
	}

	r := BANTResult{
		Budget:           min(b.Max.Budget, budget),
		Authority:        min(b.Max.Authority, authority),
		Need:             min(b.Max.Need, need),
		Timeline:         min(b.Max.Timeline, timeline),
		HandoffConfirmed: handoff,
	}
	r.Total = r.Budget + r.Authority + r.Need + r.Timeline
	switch {
	case r.Total >= b.Grades.A:
		r.Grade = domain.GradeA
	case r.Total >= b.Grades.B:
		r.Grade = domain.GradeB
	default:
		r.Grade = domain.GradeC
	}
	r.Rationale = fmt.Sprintf("B=%d A=%d N=%d T=%d total=%d grade=%s; window=%dd signals=%d interactions=%d pains=%d; keyword hits budget=%d authority=%d need=%d timeline=%d technical=%d",
		r.Budget, r.Authority, r.Need, r.Timeline, r.Total, r.Grade, s.LookbackDays,
		len(s.Signals), len(s.Interactions), min(len(s.Pains), 5), budgetHits, authorityHits, needHits, timelineHits, technicalHits)
	if technicalTrack {
		r.Rationale += "; technical track"
	}
	return r
}

func interactionCorpus(items []domain.Interaction) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, strings.ToLower(it.ContentSummary))
	}
	return strings.Join(parts, "\n")
}

// keywordHits counts distinct keywords present in the lower-cased text. A keyword must
// start a word; keywords of three runes or fewer must also end one, so "po" never
// matches "report".
func keywordHits(text string, keywords []string) int {
	seen := map[string]bool{}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		if containsWord(text, kw, utf8.RuneCountInString(kw) <= 3) {
			seen[kw] = true
		}
	}
	return len(seen)
}

func containsWord(text, kw string, whole bool) bool {
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(kw)
		before, _ := utf8.DecodeLastRuneInString(text[:i])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (i == 0 || !isWordRune(before)) && (!whole || end == len(text) || !isWordRune(after)) {
			return true
		}
		from = i + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isAuthorityRole(roleTitle string, roles []string) bool {
	title := strings.ToLower(roleTitle)
	if title == "" {
		return false
	}
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" && strings.Contains(title, r) {
			return true
		}
	}
	return false
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (e Engine) loadBANTSnapshot(ctx context.Context, tx *sql.Tx, accountID int64, lookbackDays int) (BANTSnapshot, error) {
	now := e.now()
	cutoff := timestamp(now.AddDate(0, 0, -lookbackDays))
	snap := BANTSnapshot{Now: now, LookbackDays: lookbackDays}
	var err error
	if snap.Signals, err = e.Repo.ListSignals(ctx, tx, repo.SignalFilters{AccountID: accountID, FetchedSince: cutoff, Limit: 1000}); err != nil {
		return snap, fmt.Errorf("load signals: %w", err)
	}
	if snap.Interactions, err = e.Repo.ListInteractions(ctx, tx, repo.InteractionFilters{AccountID: accountID, OccurredSince: cutoff, Limit: 1000}); err != nil {
		return snap, fmt.Errorf("load interactions: %w", err)
	}
	if snap.Pains, err = e.Repo.ListPainProfiles(ctx, tx, repo.PainFilters{AccountID: accountID, Recent: true, Limit: 5}); err != nil {
		return snap, fmt.Errorf("load pain profiles: %w", err)
	}
	if snap.Contacts, err = e.Repo.ListContacts(ctx, tx, accountID); err != nil {
		return snap, fmt.Errorf("load contacts: %w", err)
	}
	return snap, nil
}

// ScoreBant computes and stores a BANT score, then feeds the grade to the pipeline.
// A lookback of 0 uses the configured default.
func (e Engine) ScoreBant(ctx context.Context, accountID int64, lookbackDays int, actorID string) (domain.BANTScore, error) {
	ctx, span, start := e.startSpan(ctx, "score_bant", accountID)
	var err error
	defer func() { e.endSpan(span, "score_bant", start, err) }()

	cfg := e.config()
	if lookbackDays == 0 {
		lookbackDays = cfg.BANT.DefaultLookbackDays
	}
	if lookbackDays < 7 || lookbackDays > 365 {
		err = domain.ValidationError{Field: "lookback_days", Message: "must be within 7..365"}
		return domain.BANTScore{}, err
	}
	var score domain.BANTScore
	var out pipelineOutcome
	err = e.retryStale(ctx, "pipeline_item", func() error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.requireAccount(ctx, tx, accountID); err != nil {
				return err
			}
			snap, err := e.loadBANTSnapshot(ctx, tx, accountID, lookbackDays)
			if err != nil {
				return err
			}
			r := ComputeBANT(cfg, snap)
			out, err = e.applyPipeline(ctx, tx, pipelineChange{
				AccountID: accountID,
				Event:     PipelineEvent{Grade: r.Grade, HandoffConfirmed: r.HandoffConfirmed},
				Grade:     r.Grade,
				Score:     r.Total,
				Trigger:   "bant_score",
				ActorID:   actorID,
			})
			if err != nil {
				return err
			}
			score = domain.BANTScore{
				AccountID:             accountID,
				Budget:                r.Budget,
				Authority:             r.Authority,
				Need:                  r.Need,
				Timeline:              r.Timeline,
				Total:                 r.Total,
				Grade:                 r.Grade,
				Rationale:             r.Rationale,
				RecommendedNextAction: cfg.Recommendation(r.Grade, out.Item.Stage),
				PipelineStage:         out.Item.Stage,
				LookbackDays:          lookbackDays,
				CreatedAt:             timestamp(e.now()),
			}
			id, err := e.Repo.InsertBANTScore(ctx, tx, score)
			if err != nil {
				return fmt.Errorf("insert bant score: %w", err)
			}
			score.ID = id
			return e.events().Append(ctx, tx, "bant.scored", accountID, "bant_score", id, actorID, events.EventPayload{
				"total": score.Total, "grade": score.Grade, "pipeline_stage": score.PipelineStage, "lookback_days": lookbackDays,
			})
		})
	})
	if err != nil {
		return domain.BANTScore{}, err
	}
	e.Metrics.IncrGrade(score.Grade)
	e.afterStageChange(ctx, out, "bant_score", actorID)
	return score, nil
}

// GetBantScore returns one stored score.
func (e Engine) GetBantScore(ctx context.Context, id int64) (domain.BANTScore, error) {
	s, err := e.Repo.GetBANTScore(ctx, nil, id)
	return s, notFound(err, "bant_score", id)
}

func (e Engine) ListBantScores(ctx context.Context, accountID int64, limit int) ([]domain.BANTScore, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return e.Repo.ListBANTScores(ctx, accountID, limit)
}

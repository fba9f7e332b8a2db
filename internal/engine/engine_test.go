package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/db"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/generator"
	"github.com/zxc5118690/Sales-Copilot/internal/migrate"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) account(t *testing.T, name string) domain.Account {
	t.Helper()
	a, err := env.Engine.CreateAccount(env.Ctx, engine.AccountInput{CompanyName: name, Segment: "WAFER_FAB", PriorityTier: "T1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func (env testEnv) contact(t *testing.T, accountID int64, role string) domain.Contact {
	t.Helper()
	c, err := env.Engine.CreateContact(env.Ctx, engine.ContactInput{AccountID: accountID, FullName: "Lin " + role, RoleTitle: role, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	return c
}

func (env testEnv) signal(t *testing.T, accountID int64, typ string, strength int, url string, eventDate string) domain.Signal {
	t.Helper()
	s, inserted, err := env.Engine.AddSignal(env.Ctx, engine.SignalInput{
		AccountID: accountID, SignalType: typ, SignalStrength: strength, EventDate: eventDate,
		Summary: typ + " signal for the account", EvidenceURL: url, ActorID: "tester",
	})
	if err != nil || !inserted {
		t.Fatalf("add signal: inserted=%v err=%v", inserted, err)
	}
	return s
}

func (env testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func (env testEnv) stage(t *testing.T, accountID int64) domain.PipelineItem {
	t.Helper()
	item, err := env.Engine.GetPipelineItem(env.Ctx, accountID)
	if err != nil {
		t.Fatalf("get pipeline item: %v", err)
	}
	return item
}

// scriptedGenerator returns fixed pain drafts and records the last request.
type scriptedGenerator struct {
	drafts  []generator.PainDraft
	before  func()
	lastReq generator.PainRequest
}

func (g *scriptedGenerator) PainProfiles(ctx context.Context, req generator.PainRequest) (generator.PainResult, error) {
	g.lastReq = req
	if g.before != nil {
		g.before()
	}
	return generator.PainResult{Items: g.drafts, Meta: domain.GenerationMeta{Provider: "SCRIPTED", LatencyMs: 5}}, nil
}

func (g *scriptedGenerator) Outreach(ctx context.Context, req generator.OutreachRequest) (generator.OutreachResult, error) {
	return generator.Fallback{}.Outreach(ctx, req)
}

func TestNextStageRules(t *testing.T) {
	cases := []struct {
		name  string
		from  string
		event engine.PipelineEvent
		want  string
	}{
		{"outbound from discovery", domain.StageDiscovery, engine.PipelineEvent{Direction: domain.DirectionOutbound}, domain.StageContacted},
		{"outbound re-enters from nurture", domain.StageNurture, engine.PipelineEvent{Direction: domain.DirectionOutbound}, domain.StageContacted},
		{"outbound never regresses", domain.StageEngaged, engine.PipelineEvent{Direction: domain.DirectionOutbound}, domain.StageEngaged},
		{"inbound engages", domain.StageContacted, engine.PipelineEvent{Direction: domain.DirectionInbound, Sentiment: domain.SentimentNeutral}, domain.StageEngaged},
		{"negative nurtures", domain.StageEngaged, engine.PipelineEvent{Direction: domain.DirectionInbound, Sentiment: domain.SentimentNegative}, domain.StageNurture},
		{"terminal ignores negative", domain.StageWon, engine.PipelineEvent{Direction: domain.DirectionInbound, Sentiment: domain.SentimentNegative}, domain.StageWon},
		{"grade A qualifies", domain.StageEngaged, engine.PipelineEvent{Grade: domain.GradeA}, domain.StageQualified},
		{"grade A without handoff stays", domain.StageQualified, engine.PipelineEvent{Grade: domain.GradeA}, domain.StageQualified},
		{"grade A with handoff", domain.StageQualified, engine.PipelineEvent{Grade: domain.GradeA, HandoffConfirmed: true}, domain.StageTechnicalEval},
		{"grade B never moves", domain.StageDiscovery, engine.PipelineEvent{Grade: domain.GradeB}, domain.StageDiscovery},
		{"grade C never moves", domain.StageEngaged, engine.PipelineEvent{Grade: domain.GradeC}, domain.StageEngaged},
		{"lost ignores grade A", domain.StageLost, engine.PipelineEvent{Grade: domain.GradeA}, domain.StageLost},
	}
	for _, c := range cases {
		if got := engine.NextStage(c.from, c.event); got != c.want {
			t.Fatalf("%s: NextStage(%s) = %s, want %s", c.name, c.from, got, c.want)
		}
	}
}

func TestProbabilityBlend(t *testing.T) {
	cfg := config.Default()
	score := 45
	if got := engine.Probability(cfg, domain.StageQualified, &score); got != 0.52 {
		t.Fatalf("expected 0.52, got %v", got)
	}
	if got := engine.Probability(cfg, domain.StageQualified, nil); got != 0.55 {
		t.Fatalf("expected base 0.55 when unscored, got %v", got)
	}
	if got := engine.Probability(cfg, domain.StageWon, &score); got != 1 {
		t.Fatalf("expected terminal base 1, got %v", got)
	}
}

func TestComputeBANTStrongSignalsGiveNeed(t *testing.T) {
	snap := engine.BANTSnapshot{
		Now:          fixedNow,
		LookbackDays: 60,
		Signals: []domain.Signal{
			{ID: 1, SignalType: domain.SignalCapex, SignalStrength: 95},
			{ID: 2, SignalType: domain.SignalHiring, SignalStrength: 70},
		},
	}
	r := engine.ComputeBANT(config.Default(), snap)
	if r.Need <= 0 {
		t.Fatalf("expected need > 0, got %d", r.Need)
	}
	if r.Need != 8 || r.Budget != 14 {
		t.Fatalf("expected need 8 and budget 14, got need %d budget %d", r.Need, r.Budget)
	}
	if r.Total != r.Budget+r.Authority+r.Need+r.Timeline {
		t.Fatalf("total mismatch: %+v", r)
	}
}

func TestComputeBANTEmptyIsGradeC(t *testing.T) {
	r := engine.ComputeBANT(config.Default(), engine.BANTSnapshot{Now: fixedNow, LookbackDays: 60})
	if r.Grade != domain.GradeC || r.Total != 0 {
		t.Fatalf("expected empty snapshot to be grade C with 0, got %+v", r)
	}
}

func TestScoreBantWithoutDataIsGradeC(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Empty Corp")
	score, err := env.Engine.ScoreBant(env.Ctx, a.ID, 0, "tester")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Grade != domain.GradeC || score.LookbackDays != 60 {
		t.Fatalf("unexpected score %+v", score)
	}
	if score.PipelineStage != domain.StageDiscovery {
		t.Fatalf("expected stage to stay DISCOVERY, got %s", score.PipelineStage)
	}
	if want := env.Engine.Config.Recommendation(domain.GradeC, domain.StageDiscovery); score.RecommendedNextAction != want {
		t.Fatalf("expected recommendation %q, got %q", want, score.RecommendedNextAction)
	}
	item := env.stage(t, a.ID)
	if item.LatestBANTGrade == nil || *item.LatestBANTGrade != domain.GradeC {
		t.Fatalf("expected cached grade C, got %+v", item)
	}
	if _, err := env.Engine.ScoreBant(env.Ctx, a.ID, 400, "tester"); err == nil {
		t.Fatalf("expected lookback validation error")
	}
}

func TestMissingEntitiesAreNotFound(t *testing.T) {
	env := newTestEnv(t)
	var nf domain.NotFoundError
	_, err := env.Engine.ScoreBant(env.Ctx, 999, 30, "tester")
	if !errors.As(err, &nf) || nf.Kind != "account" || nf.ID != 999 {
		t.Fatalf("expected account not found, got %v", err)
	}
	_, err = env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: 42, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "hi"})
	if !errors.As(err, &nf) || nf.Kind != "contact" {
		t.Fatalf("expected contact not found, got %v", err)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFoundError to wrap ErrNotFound")
	}
	_, err = env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{AccountID: 7})
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found for pain generation, got %v", err)
	}
}

func TestOutboundInteractionMovesToContacted(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Acme")
	c := env.contact(t, a.ID, "Process Engineer")
	res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
		ContactID: c.ID, Channel: "email", Direction: "outbound", ContentSummary: "Intro email", ActorID: "rep-1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.PipelineStage != domain.StageContacted || res.AccountID != a.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	item := env.stage(t, a.ID)
	if item.Stage != domain.StageContacted || item.Probability != 0.15 || item.DueDate != "2026-03-05" {
		t.Fatalf("unexpected pipeline item %+v", item)
	}
	// a second outbound is a no-op for the stage
	if _, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
		ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "Follow-up",
	}); err != nil {
		t.Fatalf("record second: %v", err)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM events WHERE type='pipeline.stage_changed' AND account_id=?`, a.ID); n != 1 {
		t.Fatalf("expected one stage change event, got %d", n)
	}
}

func TestNegativeInteractionMovesEngagedToNurture(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Globex")
	c := env.contact(t, a.ID, "Engineer")
	if _, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: "INBOUND", ContentSummary: "Tell me more", Sentiment: "POSITIVE"}); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if item := env.stage(t, a.ID); item.Stage != domain.StageEngaged {
		t.Fatalf("expected ENGAGED, got %s", item.Stage)
	}
	res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "CALL", Direction: "INBOUND", ContentSummary: "Not interested", Sentiment: "NEGATIVE"})
	if err != nil {
		t.Fatalf("negative: %v", err)
	}
	if res.PipelineStage != domain.StageNurture {
		t.Fatalf("expected NURTURE, got %s", res.PipelineStage)
	}
	item := env.stage(t, a.ID)
	if item.DueDate != "2026-03-16" || item.Probability != 0.1 {
		t.Fatalf("unexpected nurture item %+v", item)
	}
}

func TestInteractionIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Initech")
	c := env.contact(t, a.ID, "Engineer")
	in := engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "Intro", IdempotencyKey: "msg-1"}
	first, err := env.Engine.RecordInteraction(env.Ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.Engine.RecordInteraction(env.Ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.InteractionID != first.InteractionID || !second.Duplicate || first.Duplicate {
		t.Fatalf("expected replay of %+v, got %+v", first, second)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM interactions`); n != 1 {
		t.Fatalf("expected one interaction row, got %d", n)
	}
}

func TestInteractionValidation(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Valid Co")
	c := env.contact(t, a.ID, "Engineer")
	var ve domain.ValidationError
	_, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "FAX", Direction: "OUTBOUND", ContentSummary: "x"})
	if !errors.As(err, &ve) || ve.Field != "channel" {
		t.Fatalf("expected channel validation error, got %v", err)
	}
	_, err = env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "x", Sentiment: "ANGRY"})
	if !errors.As(err, &ve) || ve.Field != "sentiment" {
		t.Fatalf("expected sentiment validation error, got %v", err)
	}
}

func TestConcurrentInteractionsKeepEveryUpdate(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Parallel Inc")
	c := env.contact(t, a.ID, "Engineer")
	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		dir := domain.DirectionOutbound
		if i%2 == 1 {
			dir = domain.DirectionInbound
		}
		go func(dir string) {
			_, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: dir, ContentSummary: "ping"})
			errs <- err
		}(dir)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent record: %v", err)
		}
	}
	item := env.stage(t, a.ID)
	if item.Stage != domain.StageEngaged {
		t.Fatalf("expected ENGAGED after mixed traffic, got %s", item.Stage)
	}
	if item.Version != n+1 {
		t.Fatalf("expected version %d, got %d", n+1, item.Version)
	}
}

func TestStaleCompareAndSetIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Stale Ltd")
	item := env.stage(t, a.ID)
	stale := item
	item.Owner = "AE"
	if err := env.Engine.Repo.CompareAndSetPipelineItem(env.Ctx, nil, item); err != nil {
		t.Fatalf("first cas: %v", err)
	}
	stale.Owner = "other"
	err := env.Engine.Repo.CompareAndSetPipelineItem(env.Ctx, nil, stale)
	var sw domain.StaleWriteError
	if !errors.As(err, &sw) || sw.ID != a.ID {
		t.Fatalf("expected stale write, got %v", err)
	}
	if err := env.Engine.Repo.InsertPipelineItem(env.Ctx, nil, item); !errors.As(err, &sw) {
		t.Fatalf("expected duplicate insert to be stale, got %v", err)
	}
}

func TestGradeAQualifiesThenHandsOff(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Umbrella Semi")
	vp := env.contact(t, a.ID, "VP Engineering")
	env.signal(t, a.ID, "CAPEX", 100, "https://www.reuters.com/umbrella-capex", "2026-03-12")
	env.signal(t, a.ID, "NPI", 90, "https://www.digitimes.com/umbrella-npi", "")
	env.signal(t, a.ID, "EXPANSION", 80, "https://www.eetimes.com/umbrella-expansion", "")
	if _, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
		ContactID: vp.ID, Channel: "MEETING", Direction: "INBOUND", Sentiment: "POSITIVE",
		ContentSummary: "Budget approved for capex; asked for a quote and price. Decision owner will approve. Yield and defect inspection issues. Pilot planned for Q3.",
		OccurredAt:     fixedNow.Add(-24 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first, err := env.Engine.ScoreBant(env.Ctx, a.ID, 60, "tester")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if first.Grade != domain.GradeA || first.PipelineStage != domain.StageQualified {
		t.Fatalf("expected grade A at QUALIFIED, got %+v", first)
	}
	if first.Budget != 25 || first.Authority != 25 || first.Timeline != 25 || first.Need != 19 {
		t.Fatalf("unexpected sub-scores %+v", first)
	}
	item := env.stage(t, a.ID)
	if item.Probability != 0.67 {
		t.Fatalf("expected blended probability 0.67, got %v", item.Probability)
	}
	second, err := env.Engine.ScoreBant(env.Ctx, a.ID, 60, "tester")
	if err != nil {
		t.Fatalf("second score: %v", err)
	}
	if second.PipelineStage != domain.StageTechnicalEval {
		t.Fatalf("expected TECHNICAL_EVAL after confirmed handoff, got %s", second.PipelineStage)
	}
	if second.RecommendedNextAction != env.Engine.Config.Recommendation(domain.GradeA, domain.StageTechnicalEval) {
		t.Fatalf("recommendation not keyed on resulting stage: %q", second.RecommendedNextAction)
	}

	rep, err := env.Engine.WeeklyReport(env.Ctx)
	if err != nil {
		t.Fatalf("weekly report: %v", err)
	}
	if rep.InboundCount != 1 || rep.AccountsTouched != 1 || rep.BANTACount != 2 || rep.TechnicalHandoffs != 1 {
		t.Fatalf("unexpected weekly report %+v", rep)
	}
}

func TestManualStageOverride(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Override Co")
	var ist domain.InvalidStateTransitionError
	if _, err := env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "NURTURE"}); !errors.As(err, &ist) {
		t.Fatalf("expected NURTURE override rejected, got %v", err)
	}
	item, err := env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "ENGAGED", DueDate: "2026-04-01", Owner: "AE-7"})
	if err != nil {
		t.Fatalf("forward move: %v", err)
	}
	if item.Stage != domain.StageEngaged || item.DueDate != "2026-04-01" || !item.DueDateOverridden || item.Owner != "AE-7" {
		t.Fatalf("unexpected item %+v", item)
	}
	if _, err := env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "CONTACTED"}); !errors.As(err, &ist) {
		t.Fatalf("expected backward move rejected, got %v", err)
	}
	item, err = env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "QUALIFIED"})
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if item.DueDateOverridden || item.DueDate != "2026-03-07" {
		t.Fatalf("expected override cleared on stage change, got %+v", item)
	}
	if _, err := env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "LOST"}); err != nil {
		t.Fatalf("lose: %v", err)
	}
	if _, err := env.Engine.SetPipelineStage(env.Ctx, engine.StageOverride{AccountID: a.ID, Stage: "QUALIFIED"}); !errors.As(err, &ist) {
		t.Fatalf("expected terminal stage to be final, got %v", err)
	}
	c := env.contact(t, a.ID, "Engineer")
	res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: "INBOUND", ContentSummary: "Any news?"})
	if err != nil || res.PipelineStage != domain.StageLost {
		t.Fatalf("expected LOST to ignore interactions, got %+v err=%v", res, err)
	}
}

func TestPainLinkerNeverCitesUnselectedSignals(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Hooli Fab")
	s1 := env.signal(t, a.ID, "CAPEX", 90, "https://www.reuters.com/hooli-capex", "")
	s2 := env.signal(t, a.ID, "NPI", 80, "https://www.reuters.com/hooli-npi", "")
	gen := &scriptedGenerator{drafts: []generator.PainDraft{{
		Persona: "qa", PainStatement: "Yield loss on new line", BusinessImpact: "Scrap cost", TechnicalAnchor: "Inline AOI",
		Confidence: 0.95, EvidenceSignalIDs: []int64{s2.ID, s1.ID, 999},
	}}}
	env.Engine.Generator = gen
	note := "Customer mentioned this on the call"
	profiles, err := env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{
		AccountID: a.ID, SignalIDs: []int64{s1.ID}, Annotations: map[int64]string{s1.ID: note}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(gen.lastReq.Signals) != 1 || !gen.lastReq.Selected {
		t.Fatalf("expected generator to see only the selected signal, got %+v", gen.lastReq.Signals)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected one profile, got %d", len(profiles))
	}
	p := profiles[0]
	if len(p.Evidence.SignalIDs) != 1 || p.Evidence.SignalIDs[0] != s1.ID {
		t.Fatalf("expected evidence [%d], got %v", s1.ID, p.Evidence.SignalIDs)
	}
	if p.Evidence.Items[0].Annotation != note || p.Evidence.Items[0].EvidenceURL != s1.EvidenceURL {
		t.Fatalf("unexpected evidence item %+v", p.Evidence.Items[0])
	}
	if p.Confidence != 0.78 || p.Persona != "QA" {
		t.Fatalf("expected capped confidence and upper-cased persona, got %v %s", p.Confidence, p.Persona)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM events WHERE type='pain.generated' AND json_array_length(json_extract(payload_json,'$.dropped_signal_ids'))=2`); n != 1 {
		t.Fatalf("expected dropped ids recorded in the audit event")
	}

	// deleting the signal leaves the snapshot intact
	if _, err := env.Engine.DeleteSignal(env.Ctx, s1.ID, "tester"); err != nil {
		t.Fatalf("delete signal: %v", err)
	}
	stored, err := env.Engine.ListPainProfiles(env.Ctx, a.ID, 10)
	if err != nil || len(stored) != 1 || stored[0].Evidence.Items[0].Summary == "" {
		t.Fatalf("expected evidence snapshot to survive signal deletion, got %+v err=%v", stored, err)
	}
}

func TestPainLinkerFallsBackToStrongestCandidate(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Fallback Fab")
	env.signal(t, a.ID, "HIRING", 60, "https://www.104.com.tw/job/1", "")
	strongest := env.signal(t, a.ID, "CAPEX", 95, "https://www.reuters.com/fb-capex", "")
	env.Engine.Generator = &scriptedGenerator{drafts: []generator.PainDraft{
		{Persona: "", Confidence: 0.4, EvidenceSignalIDs: []int64{12345}},
	}}
	profiles, err := env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{AccountID: a.ID})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	p := profiles[0]
	if p.Evidence.SignalIDs[0] != strongest.ID || p.Persona != "RD" || p.PainStatement == "" {
		t.Fatalf("unexpected fallback profile %+v", p)
	}
}

func TestPainGenerationWithoutSignalsIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Quiet Corp")
	profiles, err := env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{AccountID: a.ID})
	if err != nil || len(profiles) != 0 {
		t.Fatalf("expected empty result, got %v err=%v", profiles, err)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM pain_profiles`); n != 0 {
		t.Fatalf("expected nothing persisted, got %d", n)
	}
}

func TestPainGenerationCancelledWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Cancel Corp")
	env.signal(t, a.ID, "CAPEX", 90, "https://www.reuters.com/cancel", "")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Engine.Generator = &scriptedGenerator{
		drafts: []generator.PainDraft{{Persona: "RD", Confidence: 0.5}},
		before: cancel,
	}
	if _, err := env.Engine.GeneratePainProfiles(ctx, engine.PainGenerateOptions{AccountID: a.ID}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM pain_profiles`); n != 0 {
		t.Fatalf("expected nothing persisted, got %d", n)
	}
}

func TestPainConfidenceClamping(t *testing.T) {
	nan := math.NaN()
	cases := []struct {
		in       float64
		evidence int
		want     float64
	}{
		{nan, 2, 0},
		{1.7, 2, 1},
		{-0.3, 2, 0},
		{0.9, 1, 0.78},
		{0.6, 1, 0.6},
	}
	for _, c := range cases {
		if got := engine.PainConfidence(c.in, c.evidence, 0.78); got != c.want {
			t.Fatalf("PainConfidence(%v, %d) = %v, want %v", c.in, c.evidence, got, c.want)
		}
	}
}

func TestUpdateAndDeletePainProfile(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Edit Corp")
	env.signal(t, a.ID, "CAPEX", 90, "https://www.reuters.com/edit", "")
	profiles, err := env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{AccountID: a.ID, MaxItems: 1})
	if err != nil || len(profiles) != 1 {
		t.Fatalf("generate: %v %v", profiles, err)
	}
	if !profiles[0].Generation.FallbackUsed {
		t.Fatalf("expected default generator to be the fallback")
	}
	if _, err := env.Engine.UpdatePainProfile(env.Ctx, engine.PainUpdate{ID: profiles[0].ID}); err == nil {
		t.Fatalf("expected validation error for empty update")
	}
	conf := 3.0
	persona := "plant_manager"
	updated, err := env.Engine.UpdatePainProfile(env.Ctx, engine.PainUpdate{ID: profiles[0].ID, Confidence: &conf, Persona: &persona})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Confidence != 1 || updated.Persona != "PLANT_MANAGER" || len(updated.Evidence.SignalIDs) != 1 {
		t.Fatalf("unexpected update %+v", updated)
	}
	missing, err := env.Engine.DeletePainProfile(env.Ctx, profiles[0].ID, "tester")
	if err != nil || missing {
		t.Fatalf("first delete: missing=%v err=%v", missing, err)
	}
	missing, err = env.Engine.DeletePainProfile(env.Ctx, profiles[0].ID, "tester")
	if err != nil || !missing {
		t.Fatalf("second delete should report already missing: missing=%v err=%v", missing, err)
	}
}

func TestOutreachStatusIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Draft Corp")
	c := env.contact(t, a.ID, "Director of Quality")
	d, err := env.Engine.GenerateOutreach(env.Ctx, engine.OutreachInput{ContactID: c.ID, Channel: "LINKEDIN", Intent: "FOLLOW_UP"})
	if err != nil {
		t.Fatalf("generate outreach: %v", err)
	}
	if d.Status != domain.DraftStatusDraft || d.Subject != "" || d.Body == "" {
		t.Fatalf("unexpected draft %+v", d)
	}
	approved, err := env.Engine.SetOutreachStatus(env.Ctx, d.ID, "approved", "manager-1")
	if err != nil || approved.Status != domain.DraftStatusApproved {
		t.Fatalf("approve: %+v %v", approved, err)
	}
	var ist domain.InvalidStateTransitionError
	_, err = env.Engine.SetOutreachStatus(env.Ctx, d.ID, "REJECTED", "manager-1")
	if !errors.As(err, &ist) || ist.From != domain.DraftStatusApproved || ist.To != domain.DraftStatusRejected {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var nf domain.NotFoundError
	if _, err := env.Engine.SetOutreachStatus(env.Ctx, 9999, "APPROVED", "manager-1"); !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
	drafts, err := env.Engine.ListOutreach(env.Ctx, c.ID, 10)
	if err != nil || len(drafts) != 1 {
		t.Fatalf("list outreach: %v %v", drafts, err)
	}
}

func TestSignalsDedupeAndDeleteIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Dup Corp")
	s := env.signal(t, a.ID, "capex", 70, "https://www.reuters.com/dup", "2026-02-01")
	again, inserted, err := env.Engine.AddSignal(env.Ctx, engine.SignalInput{AccountID: a.ID, SignalType: "CAPEX", SignalStrength: 10, Summary: "dup", EvidenceURL: "https://www.reuters.com/dup"})
	if err != nil || inserted || again.ID != s.ID || again.SignalStrength != 70 {
		t.Fatalf("expected existing signal returned, got %+v inserted=%v err=%v", again, inserted, err)
	}
	if _, _, err := env.Engine.AddSignal(env.Ctx, engine.SignalInput{AccountID: a.ID, SignalType: "CAPEX", SignalStrength: 101, Summary: "x", EvidenceURL: "https://x.example/a"}); err == nil {
		t.Fatalf("expected strength validation error")
	}
	missing, err := env.Engine.DeleteSignal(env.Ctx, s.ID, "tester")
	if err != nil || missing {
		t.Fatalf("delete: %v %v", missing, err)
	}
	missing, err = env.Engine.DeleteSignal(env.Ctx, s.ID, "tester")
	if err != nil || !missing {
		t.Fatalf("second delete should be a no-op: %v %v", missing, err)
	}
}

type fakeRadar struct {
	signals []domain.Signal
}

func (f fakeRadar) Scan(ctx context.Context, account domain.Account, lookbackDays int) ([]domain.Signal, error) {
	return f.signals, nil
}

func TestScanSignalsIngestsOnce(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Radar Corp")
	if _, err := env.Engine.ScanSignals(env.Ctx, a.ID, 30, "tester"); err == nil {
		t.Fatalf("expected error without a radar")
	}
	env.Engine.Radar = fakeRadar{signals: []domain.Signal{
		{SignalType: domain.SignalCapex, SignalStrength: 90, Summary: "Radar Corp raises capex", EvidenceURL: "https://www.reuters.com/radar", SearchProvider: "TAVILY"},
		{SignalType: domain.SignalHiring, SignalStrength: 76, Summary: "Radar Corp hiring", EvidenceURL: "https://www.104.com.tw/job/9", SearchProvider: "TAVILY"},
	}}
	res, err := env.Engine.ScanSignals(env.Ctx, a.ID, 30, "tester")
	if err != nil || len(res.Inserted) != 2 {
		t.Fatalf("first scan: %+v %v", res, err)
	}
	res, err = env.Engine.ScanSignals(env.Ctx, a.ID, 30, "tester")
	if err != nil || len(res.Inserted) != 0 || res.Skipped != 2 {
		t.Fatalf("second scan should skip duplicates: %+v %v", res, err)
	}
}

func TestPipelineBoardGroupsByStage(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Board A")
	env.account(t, "Board B")
	c := env.contact(t, a.ID, "Engineer")
	if _, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "hello"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	cols, err := env.Engine.PipelineBoard(env.Ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(cols) != len(domain.Stages) || cols[0].Stage != domain.StageDiscovery {
		t.Fatalf("unexpected columns %+v", cols)
	}
	if len(cols[0].Items) != 1 || cols[0].Items[0].CompanyName != "Board B" {
		t.Fatalf("expected Board B in DISCOVERY, got %+v", cols[0].Items)
	}
	if len(cols[1].Items) != 1 || cols[1].Items[0].AccountID != a.ID {
		t.Fatalf("expected Board A in CONTACTED, got %+v", cols[1].Items)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Gone Corp")
	env.contact(t, a.ID, "Engineer")
	env.signal(t, a.ID, "CAPEX", 50, "https://www.reuters.com/gone", "")
	if err := env.Engine.DeleteAccount(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM signals`) + env.count(t, `SELECT COUNT(*) FROM contacts`) + env.count(t, `SELECT COUNT(*) FROM pipeline_items`); n != 0 {
		t.Fatalf("expected cascade delete, %d rows left", n)
	}
	var nf domain.NotFoundError
	if err := env.Engine.DeleteAccount(env.Ctx, a.ID, "tester"); !errors.As(err, &nf) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.AccountInput{CompanyName: "Bad", Segment: "RETAIL"}); err == nil {
		t.Fatalf("expected segment validation error")
	}
}

func TestComputeBANTMatchesWholeKeywords(t *testing.T) {
	cfg := config.Default()
	neutral := engine.ComputeBANT(cfg, engine.BANTSnapshot{
		Now: fixedNow, LookbackDays: 60,
		Interactions: []domain.Interaction{{
			Direction: domain.DirectionOutbound, ContentSummary: "Sent the support report; positive response to the proposal and opportunity",
			OccurredAt: fixedNow.Add(-time.Hour).Format(time.RFC3339),
		}},
	})
	if neutral.Budget != 0 || !strings.Contains(neutral.Rationale, "budget=0") {
		t.Fatalf("neutral summary should carry no budget evidence, got %d (%s)", neutral.Budget, neutral.Rationale)
	}
	priced := engine.ComputeBANT(cfg, engine.BANTSnapshot{
		Now: fixedNow, LookbackDays: 60,
		Interactions: []domain.Interaction{{
			Direction: domain.DirectionOutbound, ContentSummary: "Quoted a price against their RFQ",
			OccurredAt: fixedNow.Add(-time.Hour).Format(time.RFC3339),
		}},
	})
	if priced.Budget != 10 {
		t.Fatalf("expected quote, price and rfq to give budget 10, got %d (%s)", priced.Budget, priced.Rationale)
	}
}

func TestComputeBANTTechnicalTrackBonus(t *testing.T) {
	positive := domain.SentimentPositive
	snap := engine.BANTSnapshot{
		Now: fixedNow, LookbackDays: 60,
		Signals: []domain.Signal{
			{ID: 1, SignalType: domain.SignalCapex, SignalStrength: 100},
			{ID: 2, SignalType: domain.SignalNPI, SignalStrength: 100},
			{ID: 3, SignalType: domain.SignalHiring, SignalStrength: 100},
		},
		Interactions: []domain.Interaction{{
			Direction: domain.DirectionInbound, Sentiment: &positive,
			ContentSummary: "R&D team needs optical alignment validation for the NPI yield ramp",
			OccurredAt:     fixedNow.Add(-24 * time.Hour).Format(time.RFC3339),
		}},
	}
	on := engine.ComputeBANT(config.Default(), snap)
	offCfg := config.Default()
	offCfg.BANT.TechnicalTrack.MinHits = 0
	off := engine.ComputeBANT(offCfg, snap)

	if on.Need != off.Need || on.Need < 15 {
		t.Fatalf("need should be unaffected and strong: on=%d off=%d", on.Need, off.Need)
	}
	if on.Budget-off.Budget != 8 || on.Authority-off.Authority != 8 || on.Timeline-off.Timeline != 3 {
		t.Fatalf("expected +8/+8/+3 bonus, on=%+v off=%+v", on, off)
	}
	if !strings.Contains(on.Rationale, "technical track") || strings.Contains(off.Rationale, "technical track") {
		t.Fatalf("rationale should mention the bonus only when applied: %q / %q", on.Rationale, off.Rationale)
	}

	snap.Interactions[0].Sentiment = nil
	if quiet := engine.ComputeBANT(config.Default(), snap); strings.Contains(quiet.Rationale, "technical track") {
		t.Fatalf("bonus requires a positive inbound reply: %q", quiet.Rationale)
	}
}

func TestPainSelectionMustBelongToAccount(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Selective Fab")
	other := env.account(t, "Other Fab")
	own := env.signal(t, a.ID, "CAPEX", 90, "https://www.reuters.com/selective-capex", "")
	foreign := env.signal(t, other.ID, "NPI", 80, "https://www.reuters.com/other-npi", "")
	gen := &scriptedGenerator{drafts: []generator.PainDraft{{Persona: "QA", Confidence: 0.5, EvidenceSignalIDs: []int64{own.ID}}}}
	env.Engine.Generator = gen

	for name, ids := range map[string][]int64{
		"missing": {own.ID, 99999},
		"foreign": {foreign.ID},
	} {
		_, err := env.Engine.GeneratePainProfiles(env.Ctx, engine.PainGenerateOptions{AccountID: a.ID, SignalIDs: ids, ActorID: "tester"})
		var nf domain.NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "signal" || !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s: expected signal not found, got %v", name, err)
		}
		if nf.ID != ids[len(ids)-1] {
			t.Fatalf("%s: expected missing id %d, got %d", name, ids[len(ids)-1], nf.ID)
		}
	}
	if gen.lastReq.Account.ID != 0 {
		t.Fatalf("generator should not run for an invalid selection")
	}
	if n := env.count(t, `SELECT COUNT(*) FROM pain_profiles`); n != 0 {
		t.Fatalf("expected nothing persisted, got %d", n)
	}
}

func TestStaleWriteIsRetried(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Racing Co")
	c := env.contact(t, a.ID, "Process Engineer")
	attempts := 0
	engine.SetBeforePipelineStore(&env.Engine, func(ctx context.Context, tx *sql.Tx, accountID int64) error {
		attempts++
		if attempts > 1 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `UPDATE pipeline_items SET version=version+1 WHERE account_id=?`, accountID)
		return err
	})
	res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
		ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "Intro", ActorID: "rep-1",
	})
	if err != nil {
		t.Fatalf("record after one lost race: %v", err)
	}
	if attempts != 2 || res.PipelineStage != domain.StageContacted {
		t.Fatalf("expected a second attempt to land CONTACTED, attempts=%d result=%+v", attempts, res)
	}
	if got := env.stage(t, a.ID).Stage; got != domain.StageContacted {
		t.Fatalf("stored stage %s", got)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM interactions`); n != 1 {
		t.Fatalf("the lost attempt must roll back; interactions=%d", n)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM events WHERE type='pipeline.stage_changed'`); n != 1 {
		t.Fatalf("expected one stage change event, got %d", n)
	}
}

func TestPersistentStaleWriteSurfaces(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Contended Co")
	c := env.contact(t, a.ID, "Process Engineer")
	attempts := 0
	engine.SetBeforePipelineStore(&env.Engine, func(ctx context.Context, tx *sql.Tx, accountID int64) error {
		attempts++
		_, err := tx.ExecContext(ctx, `UPDATE pipeline_items SET version=version+1 WHERE account_id=?`, accountID)
		return err
	})
	_, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
		ContactID: c.ID, Channel: "EMAIL", Direction: "OUTBOUND", ContentSummary: "Intro", ActorID: "rep-1",
	})
	var stale domain.StaleWriteError
	if !errors.As(err, &stale) || stale.ID != a.ID {
		t.Fatalf("expected stale write error, got %v", err)
	}
	if want := env.Engine.Config.Pipeline.StaleWriteRetries; attempts != want {
		t.Fatalf("expected %d attempts, got %d", want, attempts)
	}
	if got := env.stage(t, a.ID).Stage; got != domain.StageDiscovery {
		t.Fatalf("stage should be unchanged, got %s", got)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM interactions`); n != 0 {
		t.Fatalf("expected no interaction stored, got %d", n)
	}
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.CreateAPIKey(env.Ctx, "bot", "ci", []string{"rep"}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CreateAPIKey(env.Ctx, "other", "", []string{"viewer"}, "tester"); err != nil {
		t.Fatalf("create second: %v", err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "bot")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != issued.Key.ID || keys[0].KeyHash != "" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	missing, err := env.Engine.RevokeAPIKey(env.Ctx, issued.Key.ID, "admin")
	if err != nil || missing {
		t.Fatalf("revoke: missing=%v err=%v", missing, err)
	}
	if _, err := env.Engine.LookupAPIKey(env.Ctx, issued.Secret); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("revoked key should not resolve, got %v", err)
	}
	missing, err = env.Engine.RevokeAPIKey(env.Ctx, issued.Key.ID, "admin")
	if err != nil || !missing {
		t.Fatalf("second revoke should report already missing: missing=%v err=%v", missing, err)
	}
	if n := env.count(t, `SELECT COUNT(*) FROM events WHERE type='apikey.revoked'`); n != 1 {
		t.Fatalf("expected one revoke event, got %d", n)
	}
	all, err := env.Engine.ListAPIKeys(env.Ctx, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one remaining key, got %d err=%v", len(all), err)
	}
}

func TestGetBantScore(t *testing.T) {
	env := newTestEnv(t)
	a := env.account(t, "Scored Co")
	score, err := env.Engine.ScoreBant(env.Ctx, a.ID, 0, "tester")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	got, err := env.Engine.GetBantScore(env.Ctx, score.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != score.ID || got.Grade != score.Grade || got.Rationale != score.Rationale {
		t.Fatalf("stored score differs: %+v vs %+v", got, score)
	}
	var nf domain.NotFoundError
	if _, err := env.Engine.GetBantScore(env.Ctx, score.ID+100); !errors.As(err, &nf) || nf.Kind != "bant_score" {
		t.Fatalf("expected bant_score not found, got %v", err)
	}
}

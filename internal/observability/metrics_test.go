package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.IncrStageTransition("DISCOVERY", "CONTACTED")
	m.IncrStageTransition("DISCOVERY", "CONTACTED")
	m.IncrGrade("A")
	m.AddEvidenceDropped(3)
	m.AddEvidenceDropped(0)
	m.AddSignalsIngested("TAVILY", 2)
	m.Since("score_bant", time.Now())

	if got := testutil.ToFloat64(m.stageTransitions.WithLabelValues("DISCOVERY", "CONTACTED")); got != 2 {
		t.Fatalf("stage transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.evidenceDropped); got != 3 {
		t.Fatalf("evidence dropped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.signalsIngested.WithLabelValues("TAVILY")); got != 2 {
		t.Fatalf("signals ingested = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.operationDuration); n != 1 {
		t.Fatalf("expected one operation series, got %d", n)
	}
	expected := `
# HELP copilot_bant_scores_total BANT scores computed by grade.
# TYPE copilot_bant_scores_total counter
copilot_bant_scores_total{grade="A"} 1
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "copilot_bant_scores_total"); err != nil {
		t.Fatalf("grades: %v", err)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncrFallback("outreach")
	m.IncrStaleWrite("pipeline")
	m.AddTokens("OPENAI", 10)
	m.IncrExternalError("tavily")
	m.Since("noop", time.Now())
}

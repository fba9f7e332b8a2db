package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the engine and its collaborators.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Registry owns these metrics and backs the /metrics endpoint.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	tokensUsed        *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
	grades            *prometheus.CounterVec
	evidenceDropped   prometheus.Counter
	staleWrites       *prometheus.CounterVec
	signalsIngested   *prometheus.CounterVec
}

// NewMetrics registers all collectors in a private registry, so tests can build many.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copilot_operation_duration_seconds",
			Help:    "Duration of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		externalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_external_errors_total",
			Help: "Errors returned by external services.",
		}, []string{"service"}),
		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_llm_tokens_total",
			Help: "LLM tokens consumed by provider.",
		}, []string{"provider"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_generation_fallbacks_total",
			Help: "Generations served from fallback content.",
		}, []string{"operation"}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_pipeline_stage_transitions_total",
			Help: "Pipeline stage changes.",
		}, []string{"from", "to"}),
		grades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bant_scores_total",
			Help: "BANT scores computed by grade.",
		}, []string{"grade"}),
		evidenceDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_pain_evidence_dropped_total",
			Help: "Evidence ids cited by the generator outside the candidate set.",
		}),
		staleWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_stale_writes_total",
			Help: "Compare-and-set conflicts.",
		}, []string{"kind"}),
		signalsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_signals_ingested_total",
			Help: "Signals stored by source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncrExternalError(service string) {
	if m == nil {
		return
	}
	m.externalErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) AddTokens(provider string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensUsed.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) IncrFallback(operation string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncrStageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncrGrade(grade string) {
	if m == nil {
		return
	}
	m.grades.WithLabelValues(grade).Inc()
}

func (m *Metrics) AddEvidenceDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evidenceDropped.Add(float64(n))
}

func (m *Metrics) IncrStaleWrite(kind string) {
	if m == nil {
		return
	}
	m.staleWrites.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddSignalsIngested(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.signalsIngested.WithLabelValues(source).Add(float64(n))
}

// Since records the elapsed time of an operation; use with defer.
func (m *Metrics) Since(operation string, start time.Time) {
	m.ObserveOperation(operation, time.Since(start))
}

package learning

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/braidd/internal/synthesis"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	// Ingested counts notify calls. Labels: kind, result (accepted, rejected, skipped)
	Ingested *prometheus.CounterVec

	// Evaluations counts (kind, level) evaluations. Labels: kind, trigger
	Evaluations *prometheus.CounterVec

	// EvaluationDuration times evaluations. Labels: kind
	EvaluationDuration *prometheus.HistogramVec

	// Decisions counts promotion decisions. Labels: kind, decision
	Decisions *prometheus.CounterVec

	// Promotions counts braids written. Labels: kind, level
	Promotions *prometheus.CounterVec

	// Deferrals counts promotions parked after exhausting retries. Labels: kind
	Deferrals *prometheus.CounterVec

	// Discards counts synthesis results dropped on revalidation. Labels: kind
	Discards *prometheus.CounterVec

	// DegradedClusters counts clusters scored with neutral defaults. Labels: kind
	DegradedClusters *prometheus.CounterVec

	// SynthesisDuration times synthesizer calls. Labels: result (success, error)
	SynthesisDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "learning",
			Name:      "strands_ingested_total",
			Help:      "Total number of strands passed to notify by result",
		}, []string{"kind", "result"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "learning",
			Name:      "evaluations_total",
			Help:      "Total number of (kind, level) evaluations",
		}, []string{"kind", "trigger"}),
		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "braidd",
			Subsystem: "learning",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of clustering and scoring passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "promotion",
			Name:      "decisions_total",
			Help:      "Total number of promotion decisions by outcome",
		}, []string{"kind", "decision"}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "promotion",
			Name:      "braids_total",
			Help:      "Total number of braids written",
		}, []string{"kind", "level"}),
		Deferrals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "promotion",
			Name:      "deferred_total",
			Help:      "Total number of promotions deferred after exhausting retries",
		}, []string{"kind"}),
		Discards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "promotion",
			Name:      "discarded_total",
			Help:      "Total number of synthesis results discarded because the cluster changed",
		}, []string{"kind"}),
		DegradedClusters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braidd",
			Subsystem: "resonance",
			Name:      "degraded_clusters_total",
			Help:      "Total number of clusters scored with neutral defaults",
		}, []string{"kind"}),
		SynthesisDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "braidd",
			Subsystem: "synthesis",
			Name:      "call_duration_seconds",
			Help:      "Duration of lesson synthesis calls in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
	}
}

func levelLabel(level int) string {
	return strconv.Itoa(level)
}

// instrumentedSynthesizer records call latency.
type instrumentedSynthesizer struct {
	next    synthesis.Synthesizer
	metrics *Metrics
}

func (s *instrumentedSynthesizer) Synthesize(ctx context.Context, summary synthesis.Summary) (synthesis.Lesson, error) {
	start := time.Now()
	lesson, err := s.next.Synthesize(ctx, summary)
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.SynthesisDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return lesson, err
}

// Package injection serves ranked lessons to consumer modules.
//
// GetContext is a pure read path. It returns existing braids the consumer
// is entitled to, ranked by promotion-time S, then theta, then recency.
// Matching level-0 records are clustered and scored in memory; the best
// cluster that has no braid yet is ranked alongside the braids as a
// placeholder. Nothing is ever written back to the store.
package injection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/strandstore"
)

const instrumentationName = "github.com/fyrsmithlabs/braidd/internal/injection"

// Limits on returned lessons.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ErrNotSubscribed is returned when the consumer has no subscription for
// the requested kind. It is never replaced by an empty result.
var ErrNotSubscribed = errors.New("consumer not subscribed to kind")

// Entitlements resolves what a consumer may read.
type Entitlements interface {
	Entitlement(consumer, kind string) (strand.AnyOf, bool)
}

// Request is a context query.
type Request struct {
	Consumer string
	Kind     string
	Filter   strand.Filter
	Limit    int
}

// Lesson is one ranked entry. Placeholder entries have no ID.
type Lesson struct {
	ID              string            `json:"id,omitempty"`
	Kind            string            `json:"kind"`
	Level           int               `json:"level"`
	Dimension       string            `json:"dimension"`
	Bucket          string            `json:"bucket"`
	Text            string            `json:"lesson"`
	KeyInsights     []string          `json:"key_insights"`
	Recommendations []string          `json:"recommendations"`
	Attributes      strand.Attributes `json:"attributes,omitempty"`
	Scores          strand.Scores     `json:"scores"`
	SourceIDs       []string          `json:"source_ids,omitempty"`
	Members         int               `json:"members"`
	Placeholder     bool              `json:"placeholder"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Result is the answer to a Request.
type Result struct {
	Consumer string   `json:"consumer"`
	Kind     string   `json:"kind"`
	Lessons  []Lesson `json:"lessons"`
}

// Engine answers context queries.
type Engine struct {
	store        strandstore.Store
	entitlements Entitlements
	clusters     *clustering.Engine
	scorer       *resonance.Scorer
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewEngine creates an injection engine.
func NewEngine(store strandstore.Store, ent Entitlements, clusters *clustering.Engine, scorer *resonance.Scorer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:        store,
		entitlements: ent,
		clusters:     clusters,
		scorer:       scorer,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
	}
}

// GetContext returns ranked lessons for req.
func (e *Engine) GetContext(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "injection.get_context", trace.WithAttributes(
		attribute.String("consumer", req.Consumer),
		attribute.String("kind", req.Kind),
	))
	defer span.End()

	grant, ok := e.entitlements.Entitlement(req.Consumer, req.Kind)
	if !ok {
		err := fmt.Errorf("%w: consumer %q, kind %q", ErrNotSubscribed, req.Consumer, req.Kind)
		span.SetStatus(codes.Error, "not subscribed")
		e.logger.Info("context request rejected",
			zap.String("consumer", req.Consumer),
			zap.String("kind", req.Kind),
			zap.Error(err))
		return nil, err
	}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	res := &Result{Consumer: req.Consumer, Kind: req.Kind, Lessons: []Lesson{}}

	braids, err := e.store.Query(ctx, strandstore.FromLevel(req.Kind, 1, req.Filter))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query braids: %w", err)
	}
	for _, b := range entitled(braids, grant) {
		res.Lessons = append(res.Lessons, fromBraid(b))
	}

	ph, err := e.placeholder(ctx, req, grant)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ph != nil {
		res.Lessons = append(res.Lessons, *ph)
	}

	rank(res.Lessons)
	if len(res.Lessons) > limit {
		res.Lessons = res.Lessons[:limit]
	}
	span.SetAttributes(
		attribute.Int("lessons", len(res.Lessons)),
		attribute.Bool("placeholder", ph != nil),
	)
	return res, nil
}

func entitled(records []*strand.Strand, grant strand.AnyOf) []*strand.Strand {
	out := records[:0]
	for _, r := range records {
		if grant.Matches(r.Attributes) {
			out = append(out, r)
		}
	}
	return out
}

// rank orders lessons by S, theta and recency, all descending.
func rank(lessons []Lesson) {
	sort.SliceStable(lessons, func(i, j int) bool {
		a, b := lessons[i], lessons[j]
		if a.Scores.S != b.Scores.S {
			return a.Scores.S > b.Scores.S
		}
		if a.Scores.Theta != b.Scores.Theta {
			return a.Scores.Theta > b.Scores.Theta
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Bucket < b.Bucket
	})
}

func fromBraid(b *strand.Strand) Lesson {
	return Lesson{
		ID:              b.ID,
		Kind:            b.Kind,
		Level:           b.Level,
		Dimension:       b.Dimension,
		Bucket:          b.BucketKey,
		Text:            b.Lesson,
		KeyInsights:     b.KeyInsights,
		Recommendations: b.Recommendations,
		Attributes:      b.Attributes,
		Scores:          b.RankScores(),
		SourceIDs:       b.SourceIDs,
		Members:         len(b.SourceIDs),
		CreatedAt:       b.CreatedAt,
	}
}

// placeholder clusters and scores the matching level-0 records without
// persisting anything and describes the best cluster that has not been
// promoted. It returns nil when every cluster already has a braid.
func (e *Engine) placeholder(ctx context.Context, req Request, grant strand.AnyOf) (*Lesson, error) {
	records, err := e.store.Query(ctx, strandstore.AtLevel(req.Kind, 0, req.Filter))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records = entitled(records, grant)
	if len(records) == 0 {
		return nil, nil
	}

	var clusters []*clustering.Cluster
	for _, p := range e.clusters.Partition(req.Kind, 0, records) {
		clusters = append(clusters, p.Clusters...)
	}
	if len(clusters) == 0 {
		return nil, nil
	}

	prior, err := e.store.Query(ctx, strandstore.AtLevel(req.Kind, 1, nil))
	if err != nil {
		return nil, fmt.Errorf("query promotion history: %w", err)
	}
	batch := e.scorer.ScoreBatch(clusters, e.clusters.OutcomeFor(req.Kind), resonance.BraidHistory(prior))

	promoted := make(map[clustering.Key]bool, len(prior))
	for _, b := range prior {
		promoted[clustering.Key{Kind: b.Kind, Level: 0, Dimension: b.Dimension, Bucket: b.BucketKey}] = true
	}

	var best *resonance.ClusterScore
	var bestCluster *clustering.Cluster
	for _, c := range clusters {
		if promoted[c.Key] {
			continue
		}
		cs, _ := batch.Get(c.Key)
		if best == nil || better(cs, c, best, bestCluster) {
			best, bestCluster = cs, c
		}
	}
	if best == nil {
		return nil, nil
	}

	e.logger.Debug("serving placeholder lesson",
		zap.String("consumer", req.Consumer),
		zap.String("cluster", bestCluster.Key.String()),
		zap.Float64("s", best.Scores.S))

	return &Lesson{
		Kind:        req.Kind,
		Level:       0,
		Dimension:   bestCluster.Key.Dimension,
		Bucket:      bestCluster.Key.Bucket,
		Text:        placeholderText(bestCluster, best.Scores),
		KeyInsights: placeholderInsights(bestCluster.Stats),
		Scores:      best.Scores,
		SourceIDs:   bestCluster.MemberIDs(),
		Members:     bestCluster.Size(),
		Placeholder: true,
		CreatedAt:   bestCluster.Stats.Newest,
	}, nil
}

func better(cs *resonance.ClusterScore, c *clustering.Cluster, best *resonance.ClusterScore, bc *clustering.Cluster) bool {
	if cs.Scores.S != best.Scores.S {
		return cs.Scores.S > best.Scores.S
	}
	if cs.Scores.Theta != best.Scores.Theta {
		return cs.Scores.Theta > best.Scores.Theta
	}
	if !c.Stats.Newest.Equal(bc.Stats.Newest) {
		return c.Stats.Newest.After(bc.Stats.Newest)
	}
	return c.Key.String() < bc.Key.String()
}

func placeholderText(c *clustering.Cluster, s strand.Scores) string {
	return fmt.Sprintf("No lesson has been promoted for %s yet. The strongest candidate is %s along %s with %d records (S=%.3f); treat it as provisional evidence.",
		c.Key.Kind, c.Key.Bucket, c.Key.Dimension, c.Size(), s.S)
}

func placeholderInsights(st clustering.Stats) []string {
	var out []string
	if st.HasSuccess() {
		out = append(out, fmt.Sprintf("%d of %d records succeeded (%.0f%%)", st.Successes, st.Observed, st.SuccessRate*100))
	}
	names := make([]string, 0, len(st.Numeric))
	for name := range st.Numeric {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ns := st.Numeric[name]
		out = append(out, fmt.Sprintf("%s mean %.4g, median %.4g over %d records", name, ns.Mean, ns.Median, ns.N))
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("%d records, newest at %s", st.Count, st.Newest.Format(time.RFC3339)))
	}
	return out
}

package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/strandstore"
	"github.com/fyrsmithlabs/braidd/internal/subscription"
	"github.com/fyrsmithlabs/braidd/internal/synthesis"
)

const kind = "prediction_review"

var now = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

const subs = `
consumers:
  risk_assessor:
    - kind: prediction_review
`

var (
	assetDim     = clustering.Dimension{Name: "asset", Strategy: clustering.StrategyCategorical, Attributes: []string{"asset"}}
	assetTFDim   = clustering.Dimension{Name: "asset_timeframe", Strategy: clustering.StrategyComposite, Attributes: []string{"asset", "timeframe"}}
	strengthDim  = clustering.Dimension{Name: "strength", Strategy: clustering.StrategyRange, Attributes: []string{"strength"}, Buckets: []clustering.Bucket{{Low: 0, High: 0.5, Label: "weak"}, {Low: 0.5, High: 1.01, Label: "strong"}}}
	deskDim      = clustering.Dimension{Name: "desk", Strategy: clustering.StrategyCategorical, Attributes: []string{"desk"}}
	deskTFDim    = clustering.Dimension{Name: "desk_timeframe", Strategy: clustering.StrategyComposite, Attributes: []string{"desk", "timeframe"}}
	successOnly  = clustering.Outcome{SuccessAttribute: "success"}
	fastRetries  = promotion.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, Workers: 4, MaxRepresentatives: 5, MaxPayloadBytes: 256}
	drainTimeout = 5 * time.Second
)

// gateSynth answers with a lesson, failing the first failFor calls. While
// gate is open (non-nil and not closed) calls block.
type gateSynth struct {
	calls   atomic.Int32
	failFor int32
	gate    chan struct{}
	started chan struct{}
}

func (g *gateSynth) Synthesize(ctx context.Context, s synthesis.Summary) (synthesis.Lesson, error) {
	n := g.calls.Add(1)
	if g.started != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return synthesis.Lesson{}, ctx.Err()
		}
	}
	if n <= g.failFor {
		return synthesis.Lesson{}, fmt.Errorf("call %d: %w", n, synthesis.ErrTimeout)
	}
	return synthesis.Lesson{
		Text:        fmt.Sprintf("%s %s: %d records", s.Dimension, s.Bucket, s.Count),
		KeyInsights: []string{fmt.Sprintf("success rate %.2f", s.Stats.SuccessRate)},
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type pipeline struct {
	engine    *Engine
	store     *strandstore.MemoryStore
	registry  *subscription.Registry
	clusters  *clustering.Engine
	scorer    *resonance.Scorer
	publisher *recordingPublisher
	metrics   *Metrics
}

func newPipeline(t *testing.T, dims []clustering.Dimension, synth synthesis.Synthesizer, opts ...Option) *pipeline {
	t.Helper()
	snap, err := subscription.Parse([]byte(subs))
	require.NoError(t, err)
	clusters, err := clustering.NewEngine(dims, successOnly, zap.NewNop())
	require.NoError(t, err)
	scorer, err := resonance.NewScorer(resonance.DefaultConfig(), resonance.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	p := &pipeline{
		store:     strandstore.NewMemoryStore(),
		registry:  subscription.New(snap, zap.NewNop()),
		clusters:  clusters,
		scorer:    scorer,
		publisher: &recordingPublisher{},
		metrics:   NewMetrics(nil),
	}
	cfg := DefaultConfig()
	cfg.Promotion = fastRetries
	base := []Option{WithConfig(cfg), WithPublisher(p.publisher), WithMetrics(p.metrics), WithLogger(zap.NewNop())}
	p.engine, err = New(p.store, clusters, scorer, synth, p.registry, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.engine.Close() })
	return p
}

func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	require.NoError(t, p.engine.Drain(ctx))
}

func (p *pipeline) level(t *testing.T, level int) []*strand.Strand {
	t.Helper()
	out, err := p.store.Query(context.Background(), strandstore.AtLevel(kind, level, nil))
	require.NoError(t, err)
	return out
}

func review(id string, minutesAgo int, attrs ...strand.Attribute) *strand.Strand {
	return &strand.Strand{
		ID:           id,
		Kind:         kind,
		Attributes:   attrs,
		CreatedAt:    now.Add(-time.Duration(minutesAgo) * time.Minute),
		SourceModule: "prediction_reviewer",
	}
}

func str(name, v string) strand.Attribute {
	return strand.Attribute{Name: name, Value: strand.String(v)}
}

func success(ok bool) strand.Attribute {
	return strand.Attribute{Name: "success", Value: strand.Bool(ok)}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, &gateSynth{}, nil)
	assert.Error(t, err)

	snap, err := subscription.Parse([]byte(subs))
	require.NoError(t, err)
	clusters, err := clustering.NewEngine(nil, successOnly, nil)
	require.NoError(t, err)
	scorer, err := resonance.NewScorer(resonance.DefaultConfig())
	require.NoError(t, err)
	_, err = New(strandstore.NewMemoryStore(), clusters, scorer, nil, subscription.New(snap, nil))
	assert.ErrorIs(t, err, promotion.ErrNoSynthesize)
}

// Five BTC/1h reviews, all successful: one braid holding all five, even
// though the cluster first became eligible at three members.
func TestScenario_FiveMatchingReviewsPromoteOnce(t *testing.T) {
	ctx := context.Background()
	synth := &gateSynth{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	p := newPipeline(t, []clustering.Dimension{assetTFDim, strengthDim}, synth)

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i+1)
		ids = append(ids, id)
		res, err := p.engine.NotifyNewRecord(ctx, review(id, 10-i, str("asset", "BTC"), str("timeframe", "1h"), success(true)))
		require.NoError(t, err)
		require.True(t, res.Evaluated)
		require.Len(t, res.Evaluation.Decisions, 1)
		switch {
		case i < 2:
			assert.Equal(t, promotion.DecisionIneligible, res.Evaluation.Decisions[0].Decision)
		case i == 2:
			assert.Equal(t, promotion.DecisionDispatched, res.Evaluation.Decisions[0].Decision)
			<-synth.started
		default:
			assert.Equal(t, promotion.DecisionInFlight, res.Evaluation.Decisions[0].Decision)
		}
	}
	close(synth.gate)
	p.drain(t)

	braids := p.level(t, 1)
	require.Len(t, braids, 1)
	b := braids[0]
	assert.Equal(t, ids, b.SourceIDs)
	assert.Equal(t, "asset_timeframe", b.Dimension)
	assert.Equal(t, "asset=BTC|timeframe=1h", b.BucketKey)
	assert.Equal(t, "asset_timeframe asset=BTC|timeframe=1h: 5 records", b.Lesson)
	require.NotNil(t, b.OriginScores)
	assert.GreaterOrEqual(t, b.OriginScores.S, 0.6)

	for _, m := range p.level(t, 0) {
		assert.True(t, m.IsConsumed("asset_timeframe", 1), m.ID)
	}
	assert.Equal(t, int32(2), synth.calls.Load(), "the three-member result is discarded and re-synthesized")
	assert.Empty(t, p.engine.Status().InFlight)
	assert.Len(t, p.publisher.ofType(EventBraidPromoted), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.Promotions.WithLabelValues(kind, "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.Discards.WithLabelValues(kind)))
}

// Only two of five reviews share an asset: nothing is promoted, and the
// pair is served as a placeholder.
func TestScenario_SmallClusterServedAsPlaceholder(t *testing.T) {
	ctx := context.Background()
	synth := &gateSynth{}
	p := newPipeline(t, []clustering.Dimension{assetDim}, synth)

	for i, asset := range []string{"BTC", "BTC", "ETH", "SOL", "ADA"} {
		_, err := p.engine.NotifyNewRecord(ctx, review(fmt.Sprintf("r%d", i+1), 10-i, str("asset", asset), success(true)))
		require.NoError(t, err)
	}
	p.drain(t)
	assert.Empty(t, p.level(t, 1))
	assert.Zero(t, synth.calls.Load())

	inj := injection.NewEngine(p.store, p.registry, p.clusters, p.scorer, zap.NewNop())
	res, err := inj.GetContext(ctx, injection.Request{Consumer: "risk_assessor", Kind: kind})
	require.NoError(t, err)
	require.Len(t, res.Lessons, 1)
	assert.True(t, res.Lessons[0].Placeholder)
	assert.Equal(t, []string{"r1", "r2"}, res.Lessons[0].SourceIDs)

	_, err = inj.GetContext(ctx, injection.Request{
		Consumer: "risk_assessor",
		Kind:     "trade_outcome",
		Filter:   strand.Filter{strand.Eq("asset", "ETH")},
	})
	assert.ErrorIs(t, err, injection.ErrNotSubscribed)
}

func TestScenario_FailedSynthesisLeavesMembersEligible(t *testing.T) {
	ctx := context.Background()
	synth := &gateSynth{failFor: 3}
	p := newPipeline(t, []clustering.Dimension{assetDim}, synth)

	for i := 0; i < 3; i++ {
		_, err := p.engine.NotifyNewRecord(ctx, review(fmt.Sprintf("r%d", i+1), 5-i, str("asset", "BTC"), success(true)))
		require.NoError(t, err)
	}
	p.drain(t)

	assert.Equal(t, int32(3), synth.calls.Load())
	assert.Empty(t, p.level(t, 1))
	for _, m := range p.level(t, 0) {
		assert.Empty(t, m.ConsumedBy, m.ID)
	}
	st := p.engine.Status()
	require.Len(t, st.Deferred, 1)
	assert.Equal(t, 3, st.Deferred[0].Attempts)
	deferred := p.publisher.ofType(EventPromotionDeferred)
	require.Len(t, deferred, 1)
	assert.Equal(t, []string{"r1", "r2", "r3"}, deferred[0].MemberIDs)

	sched, err := NewScheduler(p.engine, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sched.Tick(ctx))
	p.drain(t)

	braids := p.level(t, 1)
	require.Len(t, braids, 1)
	assert.Equal(t, []string{"r1", "r2", "r3"}, braids[0].SourceIDs)
	assert.Empty(t, p.engine.Status().Deferred)
}

func TestConsumptionIsPerDimension(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, []clustering.Dimension{assetDim, assetTFDim}, &gateSynth{})

	for i := 0; i < 3; i++ {
		_, err := p.engine.NotifyNewRecord(ctx, review(fmt.Sprintf("r%d", i+1), 5-i, str("asset", "BTC"), str("timeframe", "1h"), success(true)))
		require.NoError(t, err)
	}
	p.drain(t)

	braids := p.level(t, 1)
	require.Len(t, braids, 2)
	dims := []string{braids[0].Dimension, braids[1].Dimension}
	assert.ElementsMatch(t, []string{"asset", "asset_timeframe"}, dims)
	for _, m := range p.level(t, 0) {
		assert.True(t, m.IsConsumed("asset", 1))
		assert.True(t, m.IsConsumed("asset_timeframe", 1))
	}

	// Re-evaluation is a no-op: the consumed members form no clusters.
	ev, err := p.engine.Evaluate(ctx, kind, 0, promotion.TriggerTick)
	require.NoError(t, err)
	assert.Empty(t, ev.Decisions)
	p.drain(t)
	assert.Len(t, p.level(t, 1), 2)
}

func backfillDesks(t *testing.T, p *pipeline) {
	t.Helper()
	n := 0
	for _, tf := range []string{"1h", "4h", "1d"} {
		for i := 0; i < 3; i++ {
			n++
			require.NoError(t, p.store.Insert(context.Background(),
				review(fmt.Sprintf("r%d", n), 30-n, str("desk", "alpha"), str("timeframe", tf), success(true))))
		}
	}
}

func TestCascadeToNextLevel(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, []clustering.Dimension{deskDim, deskTFDim}, &gateSynth{})
	backfillDesks(t, p)

	_, err := p.engine.Evaluate(ctx, kind, 0, promotion.TriggerTick)
	require.NoError(t, err)
	p.drain(t)

	level1 := p.level(t, 1)
	require.Len(t, level1, 4, "three desk/timeframe braids and one desk braid")
	level2 := p.level(t, 2)
	require.Len(t, level2, 1)
	assert.Equal(t, "desk", level2[0].Dimension)
	assert.GreaterOrEqual(t, len(level2[0].SourceIDs), 3)
	for _, id := range level2[0].SourceIDs {
		m, err := p.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, m.Level)
		assert.True(t, m.IsConsumed("desk", 2))
	}
}

func TestCascadeStopsAtMaxLevel(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxLevel = 1
	cfg.Promotion = fastRetries
	p := newPipeline(t, []clustering.Dimension{deskDim, deskTFDim}, &gateSynth{}, WithConfig(cfg))
	backfillDesks(t, p)

	_, err := p.engine.Evaluate(ctx, kind, 0, promotion.TriggerTick)
	require.NoError(t, err)
	p.drain(t)

	assert.Len(t, p.level(t, 1), 4)
	assert.Empty(t, p.level(t, 2))
}

func TestNotifyNewRecord_Validation(t *testing.T) {
	ctx := context.Background()
	schemas := strand.Schemas{
		kind: {Kind: kind, Attributes: map[string]strand.AttrSpec{
			"asset":     {Type: strand.TypeCategorical, Required: true},
			"direction": {Type: strand.TypeEnum, Values: []string{"long", "short"}},
		}},
	}
	p := newPipeline(t, []clustering.Dimension{assetDim}, &gateSynth{}, WithSchemas(schemas))

	tests := []struct {
		name  string
		s     *strand.Strand
		field string
	}{
		{"missing required", review("a", 1, success(true)), "asset"},
		{"wrong type", review("b", 1, strand.Attribute{Name: "asset", Value: strand.Number(1)}), "asset"},
		{"enum value", review("c", 1, str("asset", "BTC"), strand.Attribute{Name: "direction", Value: strand.EnumOf("sideways")}), "direction"},
		{"no kind", &strand.Strand{ID: "d"}, "kind"},
		{"braid level", &strand.Strand{ID: "e", Kind: kind, Level: 1, SourceIDs: []string{"x"}}, "level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.engine.NotifyNewRecord(ctx, tt.s)
			require.Error(t, err)
			var ve *strand.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, strand.ErrInvalidStrand)
		})
	}
	assert.Zero(t, p.store.Len(), "rejected strands are never stored")
	assert.Equal(t, 5.0, testutil.ToFloat64(p.metrics.Ingested.WithLabelValues(kind, "rejected"))+
		testutil.ToFloat64(p.metrics.Ingested.WithLabelValues("", "rejected")))

	res, err := p.engine.NotifyNewRecord(ctx, &strand.Strand{Kind: kind, Attributes: strand.Attributes{str("asset", "BTC")}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID, "ids are assigned on ingest")
}

func TestNotifyNewRecord_UnsubscribedKindIsStoredNotEvaluated(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, []clustering.Dimension{assetDim}, &gateSynth{})

	s := review("x", 1, str("asset", "BTC"))
	s.Kind = "execution_report"
	res, err := p.engine.NotifyNewRecord(ctx, s)
	require.NoError(t, err)
	assert.False(t, res.Evaluated)

	got, err := p.store.Get(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, got.Scores)
}

func TestNotifyNewRecord_PersistsScoreCards(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, []clustering.Dimension{assetDim, strengthDim}, &gateSynth{})

	_, err := p.engine.NotifyNewRecord(ctx, review("a", 2, str("asset", "BTC"), success(true),
		strand.Attribute{Name: "strength", Value: strand.Number(0.8)}))
	require.NoError(t, err)
	_, err = p.engine.NotifyNewRecord(ctx, review("b", 1, str("asset", "BTC"), success(false)))
	require.NoError(t, err)

	a, err := p.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Contains(t, a.Scores, "asset")
	assert.Contains(t, a.Scores, "strength")
	assert.GreaterOrEqual(t, a.BestScores().S, a.Scores["asset"].S)

	b, err := p.store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Contains(t, b.Scores, "asset")
	assert.NotContains(t, b.Scores, "strength", "missing attribute leaves the dimension out")
	assert.Equal(t, a.Scores["asset"].S, b.Scores["asset"].S)
}

func TestEvaluate_ClearsCardsOfFullyConsumedRecords(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, []clustering.Dimension{assetDim}, &gateSynth{})

	for i := range 3 {
		_, err := p.engine.NotifyNewRecord(ctx, review(fmt.Sprintf("r%d", i+1), 10-i, str("asset", "BTC"), success(true)))
		require.NoError(t, err)
	}
	p.drain(t)
	require.Len(t, p.level(t, 1), 1)

	before, err := p.store.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, before.IsConsumed("asset", 1))
	require.Contains(t, before.Scores, "asset")

	ev, err := p.engine.Evaluate(ctx, kind, 0, promotion.TriggerTick)
	require.NoError(t, err)
	assert.Empty(t, ev.Decisions)
	assert.Equal(t, 3, ev.Records)

	for _, m := range p.level(t, 0) {
		assert.Empty(t, m.Scores, m.ID)
		assert.False(t, m.ScoreDegraded, m.ID)
	}
	braid := p.level(t, 1)[0]
	assert.NotNil(t, braid.OriginScores, "braids keep their promotion-time scores")
}

// Package learning wires the pipeline together.
//
// NotifyNewRecord is the only ingestion entrypoint. It validates and stores
// a level-0 strand, then re-evaluates that strand's (kind, level 0): the
// level is clustered along every dimension, scored in one batch, and every
// cluster is offered to the promotion manager. Evaluation of one
// (kind, level) is serialized by a keyed lock; inserts and reads are not.
// A written braid cascades evaluation to the next level up to MaxLevel.
package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/strandstore"
	"github.com/fyrsmithlabs/braidd/internal/synthesis"
)

const instrumentationName = "github.com/fyrsmithlabs/braidd/internal/learning"

// DefaultMaxLevel is the highest braid level produced by default.
const DefaultMaxLevel = 3

// Subscriptions decides which kinds are worth learning.
type Subscriptions interface {
	HasKind(kind string) bool
	Kinds() []string
}

// Config tunes the engine.
type Config struct {
	MaxLevel  int              `json:"max_level" koanf:"max_level"`
	Promotion promotion.Config `json:"promotion" koanf:"promotion"`
}

// DefaultConfig returns MaxLevel 3 and default promotion settings.
func DefaultConfig() Config {
	return Config{MaxLevel: DefaultMaxLevel, Promotion: promotion.DefaultConfig()}
}

// NotifyResult reports what happened to an ingested strand.
type NotifyResult struct {
	ID         string      `json:"id"`
	Evaluated  bool        `json:"evaluated"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// ClusterDecision is the promotion decision for one cluster.
type ClusterDecision struct {
	Key      clustering.Key     `json:"key"`
	Size     int                `json:"size"`
	Scores   strand.Scores      `json:"scores"`
	Decision promotion.Decision `json:"decision"`
}

// Evaluation summarizes one (kind, level) pass.
type Evaluation struct {
	Kind      string            `json:"kind"`
	Level     int               `json:"level"`
	Trigger   promotion.Trigger `json:"trigger"`
	Records   int               `json:"records"`
	Decisions []ClusterDecision `json:"decisions"`
}

// Dispatched returns the keys whose promotion was started.
func (e *Evaluation) Dispatched() []clustering.Key {
	var out []clustering.Key
	for _, d := range e.Decisions {
		if d.Decision == promotion.DecisionDispatched {
			out = append(out, d.Key)
		}
	}
	return out
}

// Engine is the learning pipeline.
type Engine struct {
	store     strandstore.Store
	clusters  *clustering.Engine
	scorer    *resonance.Scorer
	subs      Subscriptions
	schemas   strand.Schemas
	policy    promotion.ThresholdPolicy
	tracker   *promotion.Tracker
	publisher Publisher
	metrics   *Metrics
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer

	locks    *promotion.KeyedMutex
	promoter *promotion.Manager
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchemas enables per-kind attribute validation.
func WithSchemas(s strand.Schemas) Option {
	return func(e *Engine) { e.schemas = s }
}

// WithPolicy sets the promotion threshold policy.
func WithPolicy(p promotion.ThresholdPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithTracker shares the promotion performance tracker, so adaptive
// policies and callers see the same outcomes.
func WithTracker(t *promotion.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds the pipeline and its promotion manager.
func New(store strandstore.Store, clusters *clustering.Engine, scorer *resonance.Scorer, synth synthesis.Synthesizer, subs Subscriptions, opts ...Option) (*Engine, error) {
	if store == nil || clusters == nil || scorer == nil || subs == nil {
		return nil, fmt.Errorf("learning engine requires store, clustering, scorer and subscriptions")
	}
	e := &Engine{
		store:     store,
		clusters:  clusters,
		scorer:    scorer,
		subs:      subs,
		publisher: NopPublisher{},
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		locks:     promotion.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.cfg.MaxLevel < 1 {
		e.cfg.MaxLevel = DefaultMaxLevel
	}
	if synth == nil {
		return nil, promotion.ErrNoSynthesize
	}

	popts := []promotion.Option{
		promotion.WithConfig(e.cfg.Promotion),
		promotion.WithLocker(e.locks),
		promotion.WithListener(e),
		promotion.WithLogger(e.logger.Named("promotion")),
	}
	if e.policy != nil {
		popts = append(popts, promotion.WithPolicy(e.policy))
	}
	if e.tracker != nil {
		popts = append(popts, promotion.WithTracker(e.tracker))
	}
	mgr, err := promotion.NewManager(store, &instrumentedSynthesizer{next: synth, metrics: e.metrics}, e, popts...)
	if err != nil {
		return nil, err
	}
	e.promoter = mgr
	return e, nil
}

// Promotions exposes the promotion manager.
func (e *Engine) Promotions() *promotion.Manager {
	return e.promoter
}

// Kinds returns the kinds the engine learns.
func (e *Engine) Kinds() []string {
	return e.subs.Kinds()
}

// MaxLevel returns the highest braid level the engine produces.
func (e *Engine) MaxLevel() int {
	return e.cfg.MaxLevel
}

// NotifyNewRecord validates and stores a level-0 strand and re-evaluates
// its kind. Only validation and store errors are returned; promotion
// outcomes are asynchronous and surface through Status and events.
func (e *Engine) NotifyNewRecord(ctx context.Context, s *strand.Strand) (*NotifyResult, error) {
	ctx, span := e.tracer.Start(ctx, "learning.notify", trace.WithAttributes(attribute.String("kind", s.Kind)))
	defer span.End()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := e.validate(s); err != nil {
		e.metrics.Ingested.WithLabelValues(s.Kind, "rejected").Inc()
		span.SetStatus(codes.Error, "validation failed")
		e.logger.Info("strand rejected",
			zap.String("kind", s.Kind),
			zap.String("source_module", s.SourceModule),
			zap.Error(err))
		return nil, err
	}
	if err := e.store.Insert(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, fmt.Errorf("store strand: %w", err)
	}
	span.SetAttributes(attribute.String("strand_id", s.ID))

	res := &NotifyResult{ID: s.ID}
	if !e.subs.HasKind(s.Kind) {
		e.metrics.Ingested.WithLabelValues(s.Kind, "skipped").Inc()
		e.logger.Debug("no subscriber for kind, skipping evaluation",
			zap.String("kind", s.Kind),
			zap.String("strand_id", s.ID))
		return res, nil
	}
	e.metrics.Ingested.WithLabelValues(s.Kind, "accepted").Inc()

	ev, err := e.Evaluate(ctx, s.Kind, 0, promotion.TriggerIngest)
	if err != nil {
		// The strand is stored; the next tick retries the evaluation.
		e.logger.Error("evaluation after ingest failed",
			zap.String("kind", s.Kind),
			zap.String("strand_id", s.ID),
			zap.Error(err))
		return res, nil
	}
	res.Evaluated = true
	res.Evaluation = ev
	return res, nil
}

func (e *Engine) validate(s *strand.Strand) error {
	if s.Level != 0 {
		return &strand.ValidationError{Field: "level", Reason: "only level-0 strands can be ingested"}
	}
	if s.Lesson != "" || len(s.SourceIDs) > 0 {
		return &strand.ValidationError{Field: "source_ids", Reason: "braid fields are set by promotion only"}
	}
	if len(s.ConsumedBy) > 0 || len(s.Scores) > 0 || s.OriginScores != nil {
		return &strand.ValidationError{Field: "scores", Reason: "scores and consumption marks are derived"}
	}
	return e.schemas.Validate(s)
}

// Evaluate clusters, scores and offers for promotion every cluster of
// (kind, level).
func (e *Engine) Evaluate(ctx context.Context, kind string, level int, trigger promotion.Trigger) (*Evaluation, error) {
	unlock := e.locks.Lock(promotion.LockKey(kind, level))
	defer unlock()
	return e.evaluateLocked(ctx, kind, level, trigger)
}

func (e *Engine) evaluateLocked(ctx context.Context, kind string, level int, trigger promotion.Trigger) (*Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "learning.evaluate", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("level", level),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()
	start := time.Now()

	ev := &Evaluation{Kind: kind, Level: level, Trigger: trigger, Decisions: []ClusterDecision{}}
	records, clusters, batch, err := e.score(ctx, kind, level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		return nil, err
	}
	n := len(records)
	ev.Records = n
	e.metrics.Evaluations.WithLabelValues(kind, string(trigger)).Inc()

	// Every record gets a fresh card. Records outside all clusters, such as
	// those consumed along every dimension, lose their stale scores.
	var cards map[string]strand.ScoreCard
	if batch != nil {
		cards = batch.Cards()
	}
	for _, r := range records {
		card, ok := cards[r.ID]
		if !ok {
			if len(r.Scores) == 0 {
				continue
			}
			card = strand.ScoreCard{}
		}
		if err := e.store.UpdateScores(ctx, r.ID, card); err != nil {
			return nil, fmt.Errorf("update scores for %s: %w", r.ID, err)
		}
	}
	if batch == nil {
		return ev, nil
	}

	promotable := level+1 <= e.cfg.MaxLevel
	for _, c := range clusters {
		cs, _ := batch.Get(c.Key)
		if cs.Scores.Degraded {
			e.metrics.DegradedClusters.WithLabelValues(kind).Inc()
		}
		d := ClusterDecision{Key: c.Key, Size: c.Size(), Scores: cs.Scores, Decision: promotion.DecisionIneligible}
		if promotable {
			d.Decision = e.promoter.Consider(ctx, c, cs.Scores, trigger)
		}
		e.metrics.Decisions.WithLabelValues(kind, string(d.Decision)).Inc()
		ev.Decisions = append(ev.Decisions, d)
	}

	e.metrics.EvaluationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("clusters", len(clusters)), attribute.Int("dispatched", len(ev.Dispatched())))
	e.logger.Debug("evaluated level",
		zap.String("kind", kind),
		zap.Int("level", level),
		zap.String("trigger", string(trigger)),
		zap.Int("records", n),
		zap.Int("clusters", len(clusters)),
		zap.Int("dispatched", len(ev.Dispatched())))
	return ev, nil
}

// score partitions and scores (kind, level) without writing anything. The
// caller holds the level lock. The batch is nil when no cluster formed.
func (e *Engine) score(ctx context.Context, kind string, level int) ([]*strand.Strand, []*clustering.Cluster, *resonance.Batch, error) {
	records, err := e.store.Query(ctx, strandstore.AtLevel(kind, level, nil))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query %s level %d: %w", kind, level, err)
	}
	var clusters []*clustering.Cluster
	for _, p := range e.clusters.Partition(kind, level, records) {
		clusters = append(clusters, p.Clusters...)
	}
	if len(clusters) == 0 {
		return records, nil, nil, nil
	}
	prior, err := e.store.Query(ctx, strandstore.AtLevel(kind, level+1, nil))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query promotion history: %w", err)
	}
	batch := e.scorer.ScoreBatch(clusters, e.clusters.OutcomeFor(kind), resonance.BraidHistory(prior))
	return records, clusters, batch, nil
}

// Current implements promotion.Source.
func (e *Engine) Current(ctx context.Context, key clustering.Key) (*clustering.Cluster, *resonance.ClusterScore, error) {
	_, clusters, batch, err := e.score(ctx, key.Kind, key.Level)
	if err != nil || batch == nil {
		return nil, nil, err
	}
	for _, c := range clusters {
		if c.Key == key {
			cs, _ := batch.Get(key)
			return c, cs, nil
		}
	}
	return nil, nil, nil
}

// Promoted implements promotion.Listener. It publishes the event and
// cascades evaluation to the braid's level.
func (e *Engine) Promoted(ctx context.Context, key clustering.Key, braid *strand.Strand) {
	e.metrics.Promotions.WithLabelValues(key.Kind, levelLabel(braid.Level)).Inc()
	e.publish(ctx, Event{
		Type:      EventBraidPromoted,
		Kind:      braid.Kind,
		Level:     braid.Level,
		Dimension: key.Dimension,
		Bucket:    key.Bucket,
		BraidID:   braid.ID,
		MemberIDs: braid.SourceIDs,
		Scores:    braid.OriginScores,
		Lesson:    braid.Lesson,
		Time:      braid.CreatedAt,
	})

	if braid.Level >= e.cfg.MaxLevel {
		return
	}
	if _, err := e.Evaluate(ctx, braid.Kind, braid.Level, promotion.TriggerCascade); err != nil {
		e.logger.Error("cascade evaluation failed",
			zap.String("kind", braid.Kind),
			zap.Int("level", braid.Level),
			zap.Error(err))
	}
}

// Deferred implements promotion.Listener.
func (e *Engine) Deferred(ctx context.Context, d promotion.Deferral) {
	e.metrics.Deferrals.WithLabelValues(d.Key.Kind).Inc()
	e.publish(ctx, Event{
		Type:      EventPromotionDeferred,
		Kind:      d.Key.Kind,
		Level:     d.Key.Level,
		Dimension: d.Key.Dimension,
		Bucket:    d.Key.Bucket,
		MemberIDs: d.MemberIDs,
		Attempts:  d.Attempts,
		Error:     d.LastError,
		Time:      d.Since,
	})
}

// Discarded implements promotion.Listener. The cluster changed while its
// lesson was synthesized, so the level is evaluated again.
func (e *Engine) Discarded(ctx context.Context, key clustering.Key, reason string) {
	e.metrics.Discards.WithLabelValues(key.Kind).Inc()
	if _, err := e.Evaluate(ctx, key.Kind, key.Level, promotion.TriggerRetry); err != nil {
		e.logger.Error("re-evaluation after discard failed",
			zap.String("cluster", key.String()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.String("kind", ev.Kind),
			zap.Error(err))
	}
}

// Status lists in-flight and deferred promotions.
func (e *Engine) Status() promotion.Status {
	return e.promoter.Status()
}

// Drain waits for outstanding promotions, including cascades.
func (e *Engine) Drain(ctx context.Context) error {
	return e.promoter.Drain(ctx)
}

// Close stops promotion workers. Outstanding promotions are abandoned and
// their members stay unconsumed.
func (e *Engine) Close() error {
	return e.promoter.Close()
}

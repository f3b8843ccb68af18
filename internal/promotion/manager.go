// Package promotion decides when a cluster becomes a braid and performs the
// promotion.
//
// Eligibility is checked synchronously under the (kind, level) lock. The
// synthesizer is called on a bounded worker pool, never on the ingest path,
// with up to MaxAttempts tries and exponential backoff. When every attempt
// fails the cluster is parked as deferred and members stay unconsumed. A
// successful result is applied only if the cluster still has exactly the
// members it had when synthesis started; the braid insert and the member
// consumption marks are one store transaction.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
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
	"github.com/fyrsmithlabs/braidd/internal/synthesis"
)

// InstrumentationName is the otel tracer name for this package.
const InstrumentationName = "github.com/fyrsmithlabs/braidd/internal/promotion"

// Promotion errors.
var (
	// ErrConsistencyViolation marks an attempted double promotion along an
	// already consumed (dimension, level) pair. It is logged, never returned
	// to ingesting callers.
	ErrConsistencyViolation = errors.New("consistency violation: member already consumed")

	// ErrSynthesisFailed is recorded on a deferral once retries are exhausted.
	ErrSynthesisFailed = errors.New("synthesis failed after retries")

	ErrNoSource     = errors.New("promotion source cannot be nil")
	ErrNoStore      = errors.New("promotion store cannot be nil")
	ErrNoSynthesize = errors.New("synthesizer cannot be nil")
)

// Trigger names what started an evaluation.
type Trigger string

const (
	TriggerIngest  Trigger = "ingest"
	TriggerTick    Trigger = "tick"
	TriggerCascade Trigger = "cascade"
	TriggerRetry   Trigger = "retry"
)

// Decision is the outcome of Consider.
type Decision string

const (
	DecisionIneligible Decision = "ineligible"
	DecisionViolation  Decision = "consistency_violation"
	DecisionDispatched Decision = "dispatched"
	DecisionInFlight   Decision = "in_flight"
	DecisionDeferred   Decision = "deferred"
	DecisionClosed     Decision = "closed"
)

// Eligibility explains a promotion gate result.
type Eligibility struct {
	Eligible  bool
	Violation bool
	Reason    string
}

// CheckEligibility applies the promotion gates to a cluster.
func CheckEligibility(c *clustering.Cluster, s strand.Scores, th Thresholds) Eligibility {
	target := c.Key.Level + 1
	for _, m := range c.Members {
		if m.IsConsumed(c.Key.Dimension, target) {
			return Eligibility{Violation: true, Reason: fmt.Sprintf("member %s already consumed for (%s, %d)", m.ID, c.Key.Dimension, target)}
		}
	}
	if c.Size() < th.MinClusterSize {
		return Eligibility{Reason: fmt.Sprintf("size %d below min_cluster_size %d", c.Size(), th.MinClusterSize)}
	}
	if s.S < th.PromotionThreshold {
		return Eligibility{Reason: fmt.Sprintf("S %.3f below promotion_threshold %.3f", s.S, th.PromotionThreshold)}
	}
	return Eligibility{Eligible: true, Reason: "eligible"}
}

// Deferral is a cluster whose promotion exhausted its retries.
type Deferral struct {
	Key       clustering.Key `json:"key"`
	MemberIDs []string       `json:"member_ids"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error"`
	Since     time.Time      `json:"since"`
}

// Flight is a promotion currently waiting on synthesis.
type Flight struct {
	Key       clustering.Key `json:"key"`
	MemberIDs []string       `json:"member_ids"`
	Since     time.Time      `json:"since"`
}

// Status lists in-flight and deferred promotions.
type Status struct {
	InFlight []Flight   `json:"in_flight"`
	Deferred []Deferral `json:"deferred"`
}

// Source re-derives a cluster and its scores from current store state.
// The caller holds the (kind, level) lock. A nil cluster means the bucket
// no longer exists.
type Source interface {
	Current(ctx context.Context, key clustering.Key) (*clustering.Cluster, *resonance.ClusterScore, error)
}

// Listener observes promotion outcomes. Calls happen outside any lock.
type Listener interface {
	Promoted(ctx context.Context, key clustering.Key, braid *strand.Strand)
	Deferred(ctx context.Context, d Deferral)
	Discarded(ctx context.Context, key clustering.Key, reason string)
}

type nopListener struct{}

func (nopListener) Promoted(context.Context, clustering.Key, *strand.Strand) {}
func (nopListener) Deferred(context.Context, Deferral) {}
func (nopListener) Discarded(context.Context, clustering.Key, string) {}

// Config tunes retries and concurrency.
type Config struct {
	MaxAttempts        int           `json:"max_attempts" koanf:"max_attempts"`
	BaseBackoff        time.Duration `json:"base_backoff" koanf:"base_backoff"`
	MaxBackoff         time.Duration `json:"max_backoff" koanf:"max_backoff"`
	Workers            int           `json:"workers" koanf:"workers"`
	MaxRepresentatives int           `json:"max_representatives" koanf:"max_representatives"`
	MaxPayloadBytes    int           `json:"max_payload_bytes" koanf:"max_payload_bytes"`
}

// DefaultConfig returns 3 attempts from 200ms backoff on 4 workers.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BaseBackoff:        200 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		Workers:            4,
		MaxRepresentatives: 5,
		MaxPayloadBytes:    512,
	}
}

// Manager runs promotions.
type Manager struct {
	store    strandstore.Store
	synth    synthesis.Synthesizer
	source   Source
	policy   ThresholdPolicy
	tracker  *Tracker
	locks    Locker
	listener Listener
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[clustering.Key]*Flight
	deferred map[clustering.Key]*Deferral
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the threshold policy.
func WithPolicy(p ThresholdPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLocker shares a lock table with the caller.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locks = l }
}

// WithListener sets the outcome listener.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listener = l }
}

// WithTracker shares a performance tracker.
func WithTracker(t *Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithConfig sets retry and pool settings.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager. Source is required.
func NewManager(store strandstore.Store, synth synthesis.Synthesizer, source Source, opts ...Option) (*Manager, error) {
	switch {
	case store == nil:
		return nil, ErrNoStore
	case synth == nil:
		return nil, ErrNoSynthesize
	case source == nil:
		return nil, ErrNoSource
	}
	m := &Manager{
		store:    store,
		synth:    synth,
		source:   source,
		tracker:  NewTracker(20),
		locks:    NewKeyedMutex(),
		listener: nopListener{},
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(InstrumentationName),
		inflight: make(map[clustering.Key]*Flight),
		deferred: make(map[clustering.Key]*Deferral),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = &StaticPolicy{Default: DefaultThresholds()}
	}
	if m.cfg.MaxAttempts < 1 {
		m.cfg.MaxAttempts = 1
	}
	if m.cfg.Workers < 1 {
		m.cfg.Workers = 1
	}
	m.sem = make(chan struct{}, m.cfg.Workers)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Locks returns the lock table used for (kind, level) serialization.
func (m *Manager) Locks() Locker {
	return m.locks
}

// Thresholds returns the current thresholds for a (kind, dimension).
func (m *Manager) Thresholds(kind, dimension string) Thresholds {
	return m.policy.Thresholds(kind, dimension, m.tracker.Performance(kind))
}

type job struct {
	key     clustering.Key
	ids     []string
	summary synthesis.Summary
}

// Consider checks a freshly scored cluster and dispatches its promotion
// when eligible. The caller holds the (kind, level) lock.
func (m *Manager) Consider(ctx context.Context, c *clustering.Cluster, score strand.Scores, trigger Trigger) Decision {
	key := c.Key
	el := CheckEligibility(c, score, m.Thresholds(key.Kind, key.Dimension))
	if el.Violation {
		m.logger.Warn("consistency violation: promotion rejected",
			zap.String("cluster", key.String()),
			zap.String("trigger", string(trigger)),
			zap.String("reason", el.Reason),
			zap.Error(ErrConsistencyViolation))
		return DecisionViolation
	}

	ids := c.MemberIDs()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return DecisionClosed
	}
	if !el.Eligible {
		if d, ok := m.deferred[key]; ok && !slices.Equal(d.MemberIDs, ids) {
			delete(m.deferred, key)
		}
		m.mu.Unlock()
		m.logger.Debug("cluster not eligible",
			zap.String("cluster", key.String()),
			zap.String("reason", el.Reason))
		return DecisionIneligible
	}
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return DecisionInFlight
	}
	if d, ok := m.deferred[key]; ok {
		if trigger != TriggerTick && slices.Equal(d.MemberIDs, ids) {
			m.mu.Unlock()
			return DecisionDeferred
		}
		delete(m.deferred, key)
	}
	m.inflight[key] = &Flight{Key: key, MemberIDs: ids, Since: time.Now().UTC()}
	m.wg.Add(1)
	m.mu.Unlock()

	j := job{
		key:     key,
		ids:     ids,
		summary: synthesis.NewSummary(c, score, m.cfg.MaxRepresentatives, m.cfg.MaxPayloadBytes),
	}
	m.logger.Info("dispatching promotion",
		zap.String("cluster", key.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("members", len(ids)),
		zap.Float64("s", score.S))
	go m.promote(j)
	return DecisionDispatched
}

func (m *Manager) promote(j job) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		m.clearFlight(j.key)
		return
	}
	defer func() { <-m.sem }()

	ctx, span := m.tracer.Start(m.ctx, "promotion.promote", trace.WithAttributes(
		attribute.String("kind", j.key.Kind),
		attribute.Int("level", j.key.Level),
		attribute.String("dimension", j.key.Dimension),
		attribute.String("bucket", j.key.Bucket),
		attribute.Int("members", len(j.ids)),
	))
	defer span.End()

	lesson, attempts, err := m.synthesize(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		m.deferPromotion(ctx, j, attempts, err)
		return
	}
	if err := m.apply(ctx, j, lesson); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "promoted")
}

func (m *Manager) synthesize(ctx context.Context, j job) (synthesis.Lesson, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := m.cfg.BaseBackoff * time.Duration(1<<(attempt-2))
			if m.cfg.MaxBackoff > 0 && backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return synthesis.Lesson{}, attempt - 1, fmt.Errorf("%w: %w", ErrSynthesisFailed, ctx.Err())
			}
		}
		lesson, err := m.synth.Synthesize(ctx, j.summary)
		if err == nil {
			return lesson, attempt, nil
		}
		lastErr = err
		m.logger.Warn("synthesis attempt failed",
			zap.String("cluster", j.key.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err))
		if ctx.Err() != nil {
			return synthesis.Lesson{}, attempt, fmt.Errorf("%w: %w", ErrSynthesisFailed, ctx.Err())
		}
	}
	return synthesis.Lesson{}, m.cfg.MaxAttempts, fmt.Errorf("%w: %w", ErrSynthesisFailed, lastErr)
}

func (m *Manager) deferPromotion(ctx context.Context, j job, attempts int, err error) {
	d := Deferral{
		Key:       j.key,
		MemberIDs: j.ids,
		Attempts:  attempts,
		LastError: err.Error(),
		Since:     time.Now().UTC(),
	}
	m.mu.Lock()
	delete(m.inflight, j.key)
	closed := m.closed
	if !closed {
		m.deferred[j.key] = &d
	}
	m.mu.Unlock()
	if closed {
		return
	}

	m.tracker.Record(j.key.Kind, false)
	m.logger.Warn("promotion deferred",
		zap.String("cluster", j.key.String()),
		zap.Int("attempts", attempts),
		zap.Error(err))
	m.listener.Deferred(ctx, d)
}

func (m *Manager) apply(ctx context.Context, j job, lesson synthesis.Lesson) error {
	unlock := m.locks.Lock(LockKey(j.key.Kind, j.key.Level))
	braid, reason, err := m.applyLocked(ctx, j, lesson)
	unlock()
	m.clearFlight(j.key)

	switch {
	case errors.Is(err, strandstore.ErrAlreadyConsumed):
		m.logger.Warn("consistency violation: braid not written",
			zap.String("cluster", j.key.String()),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrConsistencyViolation, err)
	case err != nil:
		m.logger.Error("promotion apply failed",
			zap.String("cluster", j.key.String()),
			zap.Error(err))
		m.deferPromotion(ctx, j, 0, err)
		return err
	case braid == nil:
		m.logger.Info("discarding synthesis result",
			zap.String("cluster", j.key.String()),
			zap.String("reason", reason))
		m.listener.Discarded(ctx, j.key, reason)
		return nil
	}

	m.tracker.Record(j.key.Kind, true)
	m.logger.Info("promoted cluster to braid",
		zap.String("cluster", j.key.String()),
		zap.String("braid_id", braid.ID),
		zap.Int("level", braid.Level),
		zap.Int("members", len(braid.SourceIDs)),
		zap.Float64("s", braid.OriginScores.S))
	m.listener.Promoted(ctx, j.key, braid)
	return nil
}

// applyLocked re-derives the cluster and writes the braid if membership is
// unchanged. A nil braid with a nil error means the result was discarded.
func (m *Manager) applyLocked(ctx context.Context, j job, lesson synthesis.Lesson) (*strand.Strand, string, error) {
	cur, score, err := m.source.Current(ctx, j.key)
	if err != nil {
		return nil, "", fmt.Errorf("revalidate cluster: %w", err)
	}
	if cur == nil {
		return nil, "cluster no longer exists", nil
	}
	if !slices.Equal(cur.MemberIDs(), j.ids) {
		return nil, fmt.Sprintf("membership changed from %d to %d members", len(j.ids), cur.Size()), nil
	}

	braid, err := strand.NewBraid(cur.Members, j.key.Dimension, j.key.Bucket)
	if err != nil {
		return nil, "", err
	}
	braid.Lesson = lesson.Text
	braid.KeyInsights = lesson.KeyInsights
	braid.Recommendations = lesson.Recommendations
	origin := score.Scores
	braid.OriginScores = &origin
	braid.SetScores(strand.ScoreCard{j.key.Dimension: origin})

	if err := m.store.InsertBraid(ctx, braid); err != nil {
		return nil, "", err
	}
	return braid, "", nil
}

func (m *Manager) clearFlight(key clustering.Key) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

// Status returns in-flight and deferred promotions ordered by key.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{InFlight: []Flight{}, Deferred: []Deferral{}}
	for _, f := range m.inflight {
		st.InFlight = append(st.InFlight, *f)
	}
	for _, d := range m.deferred {
		st.Deferred = append(st.Deferred, *d)
	}
	slices.SortFunc(st.InFlight, func(a, b Flight) int { return compareKeys(a.Key, b.Key) })
	slices.SortFunc(st.Deferred, func(a, b Deferral) int { return compareKeys(a.Key, b.Key) })
	return st
}

func compareKeys(a, b clustering.Key) int {
	switch {
	case a.String() < b.String():
		return -1
	case a.String() > b.String():
		return 1
	}
	return 0
}

// IsDeferred reports whether key is parked as deferred.
func (m *Manager) IsDeferred(key clustering.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deferred[key]
	return ok
}

// Drain waits until no promotion is in flight or ctx ends.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding promotions and waits for workers to exit.
// Members of cancelled promotions stay unconsumed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

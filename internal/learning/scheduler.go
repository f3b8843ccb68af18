package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/braidd/internal/promotion"
)

// Scheduler re-evaluates every subscribed (kind, level) on a fixed
// interval. Ticks refresh time-dependent scores and retry deferred
// promotions.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type Scheduler struct {
	engine      *Engine
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick interval. Defaults to one minute.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithTickTimeout bounds one tick. Defaults to five minutes.
func WithTickTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithConcurrency bounds how many (kind, level) keys a tick evaluates at once.
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) { s.concurrency = n }
}

// NewScheduler creates a scheduler. It does not start automatically.
func NewScheduler(engine *Engine, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Scheduler{
		engine:      engine,
		interval:    time.Minute,
		timeout:     5 * time.Minute,
		concurrency: 4,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s, nil
}

// Start launches the background loop. It returns an error if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("re-evaluation scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop and waits for the current tick to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.logger.Info("re-evaluation scheduler stopped")
	return nil
}

func (s *Scheduler) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeTick(stopCh)
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) safeTick(stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("re-evaluation tick panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("re-evaluation tick failed", zap.Error(err))
	}
}

// Tick evaluates every subscribed kind at every promotable level once.
func (s *Scheduler) Tick(ctx context.Context) error {
	kinds := s.engine.Kinds()
	if len(kinds) == 0 {
		s.logger.Debug("no subscribed kinds, skipping tick")
		return nil
	}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, kind := range kinds {
		for level := 0; level < s.engine.MaxLevel(); level++ {
			g.Go(func() error {
				if _, err := s.engine.Evaluate(ctx, kind, level, promotion.TriggerTick); err != nil {
					return fmt.Errorf("evaluate %s level %d: %w", kind, level, err)
				}
				return nil
			})
		}
	}
	err := g.Wait()
	s.logger.Debug("re-evaluation tick completed",
		zap.Int("kinds", len(kinds)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

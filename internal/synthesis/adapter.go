package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Adapter is the Synthesizer backed by an LLMClient.
type Adapter struct {
	client  LLMClient
	prompts *PromptBuilder
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// WithRateLimit limits calls to r per second with the given burst.
// A non-positive r disables limiting.
func WithRateLimit(r float64, burst int) AdapterOption {
	return func(a *Adapter) {
		if r <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter creates an adapter.
func NewAdapter(client LLMClient, prompts *PromptBuilder, opts ...AdapterOption) (*Adapter, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if prompts == nil {
		var err error
		if prompts, err = NewPromptBuilder(nil, defaultMaxPromptBytes); err != nil {
			return nil, err
		}
	}
	a := &Adapter{
		client:  client,
		prompts: prompts,
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Synthesize implements Synthesizer. A single call is made; failures map
// onto ErrTimeout or ErrMalformedResponse where applicable.
func (a *Adapter) Synthesize(ctx context.Context, summary Summary) (Lesson, error) {
	prompt, err := a.prompts.Build(summary)
	if err != nil {
		return Lesson{}, err
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.limiter.Wait(callCtx); err != nil {
		if ctx.Err() == nil {
			return Lesson{}, fmt.Errorf("%w: waiting for rate limiter", ErrTimeout)
		}
		return Lesson{}, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	raw, err := a.client.Complete(callCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Lesson{}, fmt.Errorf("%w after %s", ErrTimeout, a.timeout)
		}
		return Lesson{}, fmt.Errorf("synthesis call failed: %w", err)
	}

	lesson, err := ParseLesson(raw)
	if err != nil {
		a.logger.Warn("rejected synthesis response",
			zap.String("kind", summary.Kind),
			zap.String("bucket", summary.Bucket),
			zap.Int("response_bytes", len(raw)),
			zap.Error(err))
		return Lesson{}, err
	}

	a.logger.Debug("synthesized lesson",
		zap.String("kind", summary.Kind),
		zap.String("dimension", summary.Dimension),
		zap.String("bucket", summary.Bucket),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("insights", len(lesson.KeyInsights)),
		zap.Duration("latency", time.Since(start)))
	return lesson, nil
}

var _ Synthesizer = (*Adapter)(nil)

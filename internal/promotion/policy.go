package promotion

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Thresholds gate promotion of a cluster.
type Thresholds struct {
	MinClusterSize     int     `json:"min_cluster_size" koanf:"min_cluster_size"`
	PromotionThreshold float64 `json:"promotion_threshold" koanf:"promotion_threshold"`
}

// DefaultThresholds returns min size 3 and threshold 0.6.
func DefaultThresholds() Thresholds {
	return Thresholds{MinClusterSize: 3, PromotionThreshold: 0.6}
}

// Validate checks the thresholds are usable.
func (t Thresholds) Validate() error {
	if t.MinClusterSize < 1 {
		return fmt.Errorf("min_cluster_size must be at least 1, got %d", t.MinClusterSize)
	}
	if t.PromotionThreshold < 0 || t.PromotionThreshold > 1 {
		return fmt.Errorf("promotion_threshold must be within [0, 1], got %.3f", t.PromotionThreshold)
	}
	return nil
}

// Performance summarizes recent promotion attempts for one kind.
type Performance struct {
	Attempts    int     `json:"attempts"`
	Promotions  int     `json:"promotions"`
	SuccessRate float64 `json:"success_rate"`
}

// ThresholdPolicy decides the thresholds for a (kind, dimension) given
// recent performance. Implementations must be safe for concurrent use.
type ThresholdPolicy interface {
	Thresholds(kind, dimension string, recent Performance) Thresholds
}

// KindThresholds overrides the defaults for one kind, optionally per dimension.
type KindThresholds struct {
	Thresholds `koanf:",squash"`
	Dimensions map[string]Thresholds `json:"dimensions,omitempty" koanf:"dimensions"`
}

// StaticPolicy returns configured thresholds and ignores performance.
type StaticPolicy struct {
	Default Thresholds
	Kinds   map[string]KindThresholds
}

// NewStaticPolicy validates every configured threshold.
func NewStaticPolicy(def Thresholds, kinds map[string]KindThresholds) (*StaticPolicy, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default thresholds: %w", err)
	}
	for kind, kt := range kinds {
		if err := kt.Validate(); err != nil {
			return nil, fmt.Errorf("thresholds for %s: %w", kind, err)
		}
		for dim, dt := range kt.Dimensions {
			if err := dt.Validate(); err != nil {
				return nil, fmt.Errorf("thresholds for %s/%s: %w", kind, dim, err)
			}
		}
	}
	return &StaticPolicy{Default: def, Kinds: kinds}, nil
}

// Thresholds implements ThresholdPolicy.
func (p *StaticPolicy) Thresholds(kind, dimension string, _ Performance) Thresholds {
	kt, ok := p.Kinds[kind]
	if !ok {
		return p.Default
	}
	if dt, ok := kt.Dimensions[dimension]; ok {
		return dt
	}
	return kt.Thresholds
}

// AdaptiveConfig tunes AdaptivePolicy.
type AdaptiveConfig struct {
	// TargetRate is the promotion success rate the controller steers toward.
	TargetRate float64 `json:"target_rate" koanf:"target_rate"`

	// Gain scales the threshold shift per unit of rate error.
	Gain float64 `json:"gain" koanf:"gain"`

	// MinAttempts is the evidence needed before adjusting.
	MinAttempts int `json:"min_attempts" koanf:"min_attempts"`

	// Threshold and size bounds.
	MinThreshold float64 `json:"min_threshold" koanf:"min_threshold"`
	MaxThreshold float64 `json:"max_threshold" koanf:"max_threshold"`
	MinSize      int     `json:"min_size" koanf:"min_size"`
	MaxSize      int     `json:"max_size" koanf:"max_size"`
}

// DefaultAdaptiveConfig returns conservative controller settings.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		TargetRate:   0.8,
		Gain:         0.25,
		MinAttempts:  5,
		MinThreshold: 0.4,
		MaxThreshold: 0.9,
		MinSize:      2,
		MaxSize:      10,
	}
}

// AdaptivePolicy shifts a base policy's thresholds by the gap between the
// target and the recent promotion success rate. A low success rate raises
// the bar so fewer, stronger clusters reach the synthesizer. The result is
// a pure function of its inputs; every change is logged for audit.
type AdaptivePolicy struct {
	base   ThresholdPolicy
	cfg    AdaptiveConfig
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]Thresholds
}

// NewAdaptivePolicy wraps base.
func NewAdaptivePolicy(base ThresholdPolicy, cfg AdaptiveConfig, logger *zap.Logger) *AdaptivePolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptivePolicy{
		base:   base,
		cfg:    cfg,
		logger: logger,
		last:   make(map[string]Thresholds),
	}
}

// Thresholds implements ThresholdPolicy.
func (p *AdaptivePolicy) Thresholds(kind, dimension string, recent Performance) Thresholds {
	base := p.base.Thresholds(kind, dimension, recent)
	next, reason := p.adjust(base, recent)

	key := kind + "/" + dimension
	p.mu.Lock()
	prev, seen := p.last[key]
	p.last[key] = next
	p.mu.Unlock()

	if seen && prev != next {
		p.logger.Info("promotion thresholds adjusted",
			zap.String("kind", kind),
			zap.String("dimension", dimension),
			zap.Float64("previous_threshold", prev.PromotionThreshold),
			zap.Float64("new_threshold", next.PromotionThreshold),
			zap.Int("previous_min_cluster_size", prev.MinClusterSize),
			zap.Int("new_min_cluster_size", next.MinClusterSize),
			zap.Float64("success_rate", recent.SuccessRate),
			zap.Int("attempts", recent.Attempts),
			zap.String("justification", reason))
	}
	return next
}

func (p *AdaptivePolicy) adjust(base Thresholds, recent Performance) (Thresholds, string) {
	if recent.Attempts < p.cfg.MinAttempts {
		return base, fmt.Sprintf("insufficient evidence (%d < %d attempts)", recent.Attempts, p.cfg.MinAttempts)
	}
	gap := p.cfg.TargetRate - recent.SuccessRate
	shift := p.cfg.Gain * gap

	out := base
	out.PromotionThreshold = math.Max(p.cfg.MinThreshold, math.Min(p.cfg.MaxThreshold, base.PromotionThreshold+shift))
	// Every 0.1 of shift moves the size gate by one member.
	sizeShift := int(math.Round(shift * 10))
	out.MinClusterSize = base.MinClusterSize + sizeShift
	if out.MinClusterSize < p.cfg.MinSize {
		out.MinClusterSize = p.cfg.MinSize
	}
	if out.MinClusterSize > p.cfg.MaxSize {
		out.MinClusterSize = p.cfg.MaxSize
	}

	switch {
	case gap > 0:
		return out, fmt.Sprintf("success rate %.2f below target %.2f: raising bar", recent.SuccessRate, p.cfg.TargetRate)
	case gap < 0:
		return out, fmt.Sprintf("success rate %.2f above target %.2f: lowering bar", recent.SuccessRate, p.cfg.TargetRate)
	default:
		return out, "success rate on target"
	}
}

// Tracker keeps a sliding window of promotion outcomes per kind.
type Tracker struct {
	mu     sync.Mutex
	window int
	kinds  map[string][]bool
}

// NewTracker creates a tracker keeping the last window outcomes per kind.
func NewTracker(window int) *Tracker {
	if window < 1 {
		window = 20
	}
	return &Tracker{window: window, kinds: make(map[string][]bool)}
}

// Record adds an outcome.
func (t *Tracker) Record(kind string, promoted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := append(t.kinds[kind], promoted)
	if len(w) > t.window {
		w = w[len(w)-t.window:]
	}
	t.kinds[kind] = w
}

// Performance returns the summary for kind.
func (t *Tracker) Performance(kind string) Performance {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.kinds[kind]
	p := Performance{Attempts: len(w)}
	for _, ok := range w {
		if ok {
			p.Promotions++
		}
	}
	if p.Attempts > 0 {
		p.SuccessRate = float64(p.Promotions) / float64(p.Attempts)
	}
	return p
}

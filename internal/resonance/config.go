package resonance

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Configuration errors.
var (
	ErrWeightsSum    = errors.New("score weights must sum to 1")
	ErrNegativeParam = errors.New("resonance parameter cannot be negative")
	ErrRhoBounds     = errors.New("rho_min must be positive and below rho_max")
)

// Weights are the coefficients of the selection score
// S = acc*accuracy + prec*precision + stab*stability - cost*cost.
type Weights struct {
	Accuracy  float64 `json:"accuracy" koanf:"accuracy"`
	Precision float64 `json:"precision" koanf:"precision"`
	Stability float64 `json:"stability" koanf:"stability"`
	Cost      float64 `json:"cost" koanf:"cost"`
}

// DefaultWeights returns 0.4 / 0.3 / 0.2 / 0.1.
func DefaultWeights() Weights {
	return Weights{Accuracy: 0.4, Precision: 0.3, Stability: 0.2, Cost: 0.1}
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Accuracy, w.Precision, w.Stability, w.Cost} {
		if v < 0 {
			return ErrNegativeParam
		}
	}
	if sum := w.Accuracy + w.Precision + w.Stability + w.Cost; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: got %.4f", ErrWeightsSum, sum)
	}
	return nil
}

// Config holds the resonance constants.
type Config struct {
	// Alpha is the rho learning rate.
	Alpha float64 `json:"alpha" koanf:"alpha"`

	// RhoMin and RhoMax clamp rho.
	RhoMin float64 `json:"rho_min" koanf:"rho_min"`
	RhoMax float64 `json:"rho_max" koanf:"rho_max"`

	// Hbar scales the theta field contribution.
	Hbar float64 `json:"hbar" koanf:"hbar"`

	// Epsilon smooths the rho seed ratio.
	Epsilon float64 `json:"epsilon" koanf:"epsilon"`

	// OmegaWindow is K, the number of S points omega spans, counting the
	// current score. Values below 2 disable the trend.
	OmegaWindow int `json:"omega_window" koanf:"omega_window"`

	// TargetSample is the member count at which the sample-size penalty vanishes.
	TargetSample int `json:"target_sample" koanf:"target_sample"`

	// StaleAfter is the age of the newest member at which the staleness
	// penalty saturates.
	StaleAfter time.Duration `json:"stale_after" koanf:"stale_after"`

	// Weights are the default S weights; KindWeights override per kind.
	Weights     Weights            `json:"weights" koanf:"weights"`
	KindWeights map[string]Weights `json:"kind_weights,omitempty" koanf:"kind_weights"`
}

// DefaultConfig returns the default resonance constants.
func DefaultConfig() Config {
	return Config{
		Alpha:        0.1,
		RhoMin:       0.5,
		RhoMax:       1.5,
		Hbar:         0.01,
		Epsilon:      0.05,
		OmegaWindow:  5,
		TargetSample: 10,
		StaleAfter:   7 * 24 * time.Hour,
		Weights:      DefaultWeights(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Alpha < 0 || c.Hbar < 0 || c.Epsilon < 0 || c.OmegaWindow < 0 || c.TargetSample < 0 || c.StaleAfter < 0 {
		return ErrNegativeParam
	}
	if c.RhoMin <= 0 || c.RhoMin >= c.RhoMax {
		return ErrRhoBounds
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	for kind, w := range c.KindWeights {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("weights for %s: %w", kind, err)
		}
	}
	return nil
}

// WeightsFor returns the weights configured for kind.
func (c Config) WeightsFor(kind string) Weights {
	if w, ok := c.KindWeights[kind]; ok {
		return w
	}
	return c.Weights
}

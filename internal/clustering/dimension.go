package clustering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Dimension configuration errors.
var (
	ErrNoDimensionName   = errors.New("dimension name cannot be empty")
	ErrUnknownStrategy   = errors.New("unknown dimension strategy")
	ErrStrategyAttrCount = errors.New("wrong number of attributes for strategy")
	ErrNoBuckets         = errors.New("range strategy needs at least one bucket")
	ErrBadBucket         = errors.New("bucket low must be below high")
	ErrOverlappingBucket = errors.New("range buckets must be ordered and non-overlapping")
)

// Strategy names how a dimension derives a bucket key from attributes.
type Strategy string

const (
	// StrategyCategorical groups by exact value of one attribute.
	StrategyCategorical Strategy = "categorical"

	// StrategyRange groups one numeric attribute into labelled [low, high) buckets.
	StrategyRange Strategy = "range"

	// StrategyComposite groups by the concatenated values of several attributes.
	StrategyComposite Strategy = "composite"
)

// Bucket is one labelled half-open numeric interval [Low, High).
type Bucket struct {
	Low   float64 `koanf:"low" json:"low"`
	High  float64 `koanf:"high" json:"high"`
	Label string  `koanf:"label" json:"label"`
}

// Dimension is one configured clustering strategy.
type Dimension struct {
	Name       string   `koanf:"name" json:"name"`
	Strategy   Strategy `koanf:"strategy" json:"strategy"`
	Attributes []string `koanf:"attributes" json:"attributes"`
	Buckets    []Bucket `koanf:"buckets" json:"buckets,omitempty"`
}

// Validate checks the strategy is well formed.
func (d Dimension) Validate() error {
	if d.Name == "" {
		return ErrNoDimensionName
	}
	switch d.Strategy {
	case StrategyCategorical:
		if len(d.Attributes) != 1 {
			return fmt.Errorf("%s: %w: want 1, got %d", d.Name, ErrStrategyAttrCount, len(d.Attributes))
		}
	case StrategyRange:
		if len(d.Attributes) != 1 {
			return fmt.Errorf("%s: %w: want 1, got %d", d.Name, ErrStrategyAttrCount, len(d.Attributes))
		}
		if len(d.Buckets) == 0 {
			return fmt.Errorf("%s: %w", d.Name, ErrNoBuckets)
		}
		for i, b := range d.Buckets {
			if b.Low >= b.High {
				return fmt.Errorf("%s bucket %q: %w", d.Name, b.Label, ErrBadBucket)
			}
			if i > 0 && b.Low < d.Buckets[i-1].High {
				return fmt.Errorf("%s bucket %q: %w", d.Name, b.Label, ErrOverlappingBucket)
			}
		}
	case StrategyComposite:
		if len(d.Attributes) < 2 {
			return fmt.Errorf("%s: %w: want at least 2, got %d", d.Name, ErrStrategyAttrCount, len(d.Attributes))
		}
	default:
		return fmt.Errorf("%s: %w %q", d.Name, ErrUnknownStrategy, d.Strategy)
	}
	return nil
}

// Key derives the bucket key for attrs. It returns false when a required
// attribute is missing, or when a range value falls outside every bucket.
func (d Dimension) Key(attrs strand.Attributes) (string, bool) {
	switch d.Strategy {
	case StrategyRange:
		v, ok := attrs.Get(d.Attributes[0])
		if !ok || v.Type != strand.TypeNumeric {
			return "", false
		}
		for _, b := range d.Buckets {
			if v.Num >= b.Low && v.Num < b.High {
				return d.Attributes[0] + "=" + b.Label, true
			}
		}
		return "", false
	default:
		parts := make([]string, 0, len(d.Attributes))
		for _, name := range d.Attributes {
			v, ok := attrs.Get(name)
			if !ok {
				return "", false
			}
			parts = append(parts, name+"="+v.Key())
		}
		return strings.Join(parts, "|"), true
	}
}

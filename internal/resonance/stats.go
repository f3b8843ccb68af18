package resonance

import (
	"math"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Neutral is substituted for any score whose input statistic is undefined.
const Neutral = 0.5

// wilsonZ is the 95% normal quantile.
const wilsonZ = 1.96

// Components are the S inputs before weighting.
type Components struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Stability float64 `json:"stability"`
	Cost      float64 `json:"cost"`
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// wilsonLower is the lower bound of the Wilson score interval.
func wilsonLower(successes, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(successes) / float64(n)
	nf := float64(n)
	z2 := wilsonZ * wilsonZ
	center := p + z2/(2*nf)
	margin := wilsonZ * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return (center - margin) / (1 + z2/nf)
}

// quality maps one member onto [0, 1]: the success flag when present,
// otherwise the logistic of the primary numeric outcome. It reports false
// when neither is available.
func quality(m *strand.Strand, outcome clustering.Outcome) (float64, bool) {
	if outcome.SuccessAttribute != "" {
		if v, ok := m.Attributes.Get(outcome.SuccessAttribute); ok && v.Type == strand.TypeBoolean {
			if v.Bool {
				return 1, true
			}
			return 0, true
		}
	}
	if name, ok := outcome.Primary(); ok {
		if v, ok := m.Attributes.Get(name); ok && v.Type == strand.TypeNumeric {
			return logistic(v.Num), true
		}
	}
	return Neutral, false
}

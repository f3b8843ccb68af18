package clustering

import (
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Outcome names the attributes that carry a strand's result. Both are
// optional; without them a cluster has no outcome statistics.
type Outcome struct {
	// SuccessAttribute is a boolean attribute marking success or failure.
	SuccessAttribute string `koanf:"success_attribute" json:"success_attribute,omitempty"`

	// NumericAttributes are numeric outcome fields (e.g., return). The first
	// one is the primary field used for stability scoring.
	NumericAttributes []string `koanf:"numeric_attributes" json:"numeric_attributes,omitempty"`
}

// Primary returns the first numeric outcome attribute, if any.
func (o Outcome) Primary() (string, bool) {
	if len(o.NumericAttributes) == 0 {
		return "", false
	}
	return o.NumericAttributes[0], true
}

// NumericStats summarizes one numeric outcome field.
type NumericStats struct {
	N        int     `json:"n"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stddev"`
}

// Stats are the aggregate statistics of a cluster.
type Stats struct {
	Count int `json:"count"`

	// Observed counts members carrying the success attribute; Successes
	// counts those with value true. SuccessRate is 0 when Observed is 0.
	Observed    int     `json:"observed"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`

	Numeric map[string]NumericStats `json:"numeric,omitempty"`

	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}

// HasSuccess reports whether any member carried the success attribute.
func (s Stats) HasSuccess() bool {
	return s.Observed > 0
}

// Summarize computes Stats over members.
func Summarize(members []*strand.Strand, outcome Outcome) Stats {
	st := Stats{Count: len(members)}
	samples := make(map[string][]float64)
	for i, m := range members {
		if i == 0 || m.CreatedAt.Before(st.Oldest) {
			st.Oldest = m.CreatedAt
		}
		if i == 0 || m.CreatedAt.After(st.Newest) {
			st.Newest = m.CreatedAt
		}
		if outcome.SuccessAttribute != "" {
			if v, ok := m.Attributes.Get(outcome.SuccessAttribute); ok && v.Type == strand.TypeBoolean {
				st.Observed++
				if v.Bool {
					st.Successes++
				}
			}
		}
		for _, name := range outcome.NumericAttributes {
			if v, ok := m.Attributes.Get(name); ok && v.Type == strand.TypeNumeric {
				samples[name] = append(samples[name], v.Num)
			}
		}
	}
	if st.Observed > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Observed)
	}
	if len(samples) > 0 {
		st.Numeric = make(map[string]NumericStats, len(samples))
		for name, xs := range samples {
			st.Numeric[name] = Describe(xs)
		}
	}
	return st
}

// Describe returns count, mean, median and population variance of xs.
func Describe(xs []float64) NumericStats {
	n := len(xs)
	if n == 0 {
		return NumericStats{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	var sum float64
	for _, x := range sorted {
		sum += x
	}
	mean := sum / float64(n)

	var ss float64
	for _, x := range sorted {
		d := x - mean
		ss += d * d
	}
	variance := ss / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return NumericStats{
		N:        n,
		Mean:     mean,
		Median:   median,
		Variance: variance,
		StdDev:   math.Sqrt(variance),
	}
}

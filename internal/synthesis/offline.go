package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Offline is a deterministic Synthesizer that derives the lesson from the
// summary statistics alone. It is used when no text-generation service is
// configured.
type Offline struct{}

// NewOffline returns an offline synthesizer.
func NewOffline() *Offline {
	return &Offline{}
}

// Synthesize implements Synthesizer.
func (o *Offline) Synthesize(ctx context.Context, s Summary) (Lesson, error) {
	if err := ctx.Err(); err != nil {
		return Lesson{}, err
	}
	var text strings.Builder
	fmt.Fprintf(&text, "%d %s records sharing %s", s.Count, s.Kind, s.Bucket)
	if s.Stats.Observed > 0 {
		fmt.Fprintf(&text, " succeeded %.0f%% of the time (%d/%d)", s.Stats.SuccessRate*100, s.Stats.Successes, s.Stats.Observed)
	}
	fmt.Fprintf(&text, "; selection score %.2f.", s.Scores.S)

	insights := []string{fmt.Sprintf("%s=%s recurs across %d records", s.Dimension, s.Bucket, s.Count)}
	names := make([]string, 0, len(s.Stats.Numeric))
	for name := range s.Stats.Numeric {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := s.Stats.Numeric[name]
		insights = append(insights, fmt.Sprintf("%s averages %.4g (median %.4g, n=%d)", name, n.Mean, n.Median, n.N))
	}

	var recs []string
	switch {
	case s.Stats.Observed == 0:
		recs = append(recs, "Record an outcome attribute so this pattern can be evaluated")
	case s.Stats.SuccessRate >= 0.5:
		recs = append(recs, fmt.Sprintf("Favor setups matching %s", s.Bucket))
	default:
		recs = append(recs, fmt.Sprintf("Avoid or re-check setups matching %s", s.Bucket))
	}
	return Lesson{Text: text.String(), KeyInsights: insights, Recommendations: recs}, nil
}

var _ Synthesizer = (*Offline)(nil)

// Package synthesis turns a cluster into lesson text through an external
// text-generation service.
//
// The adapter owns prompt construction and response validation only. It
// builds a bounded prompt from a cluster summary and a kind-specific
// template, calls the configured LLMClient under a rate limit and a
// per-call timeout, and parses the labelled response into a Lesson. Retry
// policy belongs to the caller.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Synthesis errors.
var (
	// ErrTimeout is returned when the service does not answer within the
	// configured timeout.
	ErrTimeout = errors.New("synthesis timed out")

	// ErrMalformedResponse is returned when the response is empty or lacks
	// a parseable insight list.
	ErrMalformedResponse = errors.New("malformed synthesis response")

	// ErrNoClient is returned when an adapter is built without a client.
	ErrNoClient = errors.New("synthesis client cannot be nil")

	// ErrUnknownProvider is returned for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown synthesis provider")

	// ErrUnsupportedOption is returned when a provider cannot honour a setting.
	ErrUnsupportedOption = errors.New("unsupported synthesis option")
)

// LLMClient generates text from a prompt.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Synthesizer produces a lesson for a cluster summary.
type Synthesizer interface {
	Synthesize(ctx context.Context, summary Summary) (Lesson, error)
}

// Lesson is the normalized synthesis output.
type Lesson struct {
	Text            string   `json:"lesson"`
	KeyInsights     []string `json:"key_insights"`
	Recommendations []string `json:"recommendations"`
}

// Representative is one member shown to the service.
type Representative struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Attributes strand.Attributes `json:"attributes"`
	Payload    string            `json:"payload,omitempty"`
	Lesson     string            `json:"lesson,omitempty"`
}

// Summary is the structured description of a cluster passed to the service.
type Summary struct {
	Kind            string           `json:"kind"`
	Level           int              `json:"level"`
	Dimension       string           `json:"dimension"`
	Bucket          string           `json:"bucket"`
	Count           int              `json:"count"`
	Stats           clustering.Stats `json:"stats"`
	Scores          strand.Scores    `json:"scores"`
	Representatives []Representative `json:"representatives"`
}

// NewSummary builds a summary from a cluster, keeping at most maxReps
// representatives spread evenly over the member history and truncating
// each payload to maxPayload bytes.
func NewSummary(c *clustering.Cluster, scores strand.Scores, maxReps, maxPayload int) Summary {
	s := Summary{
		Kind:      c.Key.Kind,
		Level:     c.Key.Level,
		Dimension: c.Key.Dimension,
		Bucket:    c.Key.Bucket,
		Count:     c.Size(),
		Stats:     c.Stats,
		Scores:    scores,
	}
	for _, i := range spread(len(c.Members), maxReps) {
		m := c.Members[i]
		s.Representatives = append(s.Representatives, Representative{
			ID:         m.ID,
			CreatedAt:  m.CreatedAt,
			Attributes: m.Attributes,
			Payload:    truncate(compact(m.Payload), maxPayload),
			Lesson:     truncate(m.Lesson, maxPayload),
		})
	}
	return s
}

// spread picks up to k evenly spaced indexes out of n, always including
// the first and last.
func spread(n, k int) []int {
	if k <= 0 || n == 0 {
		return nil
	}
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if k == 1 {
		return []int{n - 1}
	}
	out := make([]int, 0, k)
	for i := 0; i < k; i++ {
		idx := i * (n - 1) / (k - 1)
		if len(out) > 0 && out[len(out)-1] == idx {
			continue
		}
		out = append(out, idx)
	}
	return out
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Step back to a rune boundary.
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

func (l Lesson) String() string {
	return fmt.Sprintf("%s (%d insights, %d recommendations)", l.Text, len(l.KeyInsights), len(l.Recommendations))
}

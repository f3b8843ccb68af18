// Package strand defines the leveled record model shared by every stage of
// the learning pipeline.
//
// A strand at level 0 is a raw event produced by an upstream module. A strand
// at level N >= 1 is a braid: a synthetic record promoted from a cluster of
// level N-1 strands, carrying the lesson text produced for that cluster.
package strand

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BraidSourceModule is the provenance recorded on every promoted braid.
const BraidSourceModule = "braidd"

// Scores holds the resonance metrics computed for a strand within one
// cluster.
type Scores struct {
	// Phi is the self-similarity running product over the cluster history.
	Phi float64 `json:"phi"`

	// Rho is the clamped recursive feedback term.
	Rho float64 `json:"rho"`

	// Theta is the cross-cluster global field accumulated over siblings.
	Theta float64 `json:"theta"`

	// Omega is the first derivative of S across recent promotions.
	Omega float64 `json:"omega"`

	// S is the selection score in [0, 1] that drives promotion.
	S float64 `json:"s"`

	// Degraded is set when any input statistic was undefined and a
	// neutral default was substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// ScoreCard maps a dimension name to the scores of the cluster the strand
// belongs to along that dimension.
type ScoreCard map[string]Scores

// Best returns the highest-S entry, breaking ties by Theta then by
// dimension name. It returns false for an empty card.
func (c ScoreCard) Best() (Scores, bool) {
	if len(c) == 0 {
		return Scores{}, false
	}
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	best := c[names[0]]
	for _, name := range names[1:] {
		sc := c[name]
		if sc.S > best.S || (sc.S == best.S && sc.Theta > best.Theta) {
			best = sc
		}
	}
	return best, true
}

// Degraded reports whether any entry is degraded.
func (c ScoreCard) Degraded() bool {
	for _, sc := range c {
		if sc.Degraded {
			return true
		}
	}
	return false
}

// Consumption records that a strand was promoted into a braid along one
// dimension at one target level.
type Consumption struct {
	Dimension   string `json:"dimension"`
	TargetLevel int    `json:"target_level"`
}

// Strand is the atomic unit of learning input and output.
type Strand struct {
	// ID is the unique, immutable strand identifier (UUID).
	ID string `json:"id"`

	// Kind names the semantic type of the strand (e.g., "prediction_review").
	// Clustering and subscription routing key on it.
	Kind string `json:"kind"`

	// Level is 0 for raw strands and N for braids promoted from level N-1.
	// Immutable after creation.
	Level int `json:"level"`

	// Attributes are the typed fields used as clustering dimensions.
	Attributes Attributes `json:"attributes"`

	// Payload is kind-specific content that the engine never interprets.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Lesson is the synthesized text. Only set for braids.
	Lesson string `json:"lesson,omitempty"`

	// KeyInsights and Recommendations are the structured parts of the lesson.
	KeyInsights     []string `json:"key_insights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	// SourceIDs lists the exact members a braid was built from.
	SourceIDs []string `json:"source_ids,omitempty"`

	// Dimension and BucketKey identify the cluster a braid was promoted from.
	Dimension string `json:"dimension,omitempty"`
	BucketKey string `json:"bucket_key,omitempty"`

	// Scores holds per-dimension resonance scores.
	Scores ScoreCard `json:"scores,omitempty"`

	// ScoreDegraded is set when any score used a neutral default.
	ScoreDegraded bool `json:"score_degraded,omitempty"`

	// OriginScores are the scores of the cluster a braid was promoted from,
	// frozen at promotion time. Nil for level-0 strands.
	OriginScores *Scores `json:"origin_scores,omitempty"`

	// ConsumedBy lists the (dimension, target level) pairs this strand has
	// already been promoted along.
	ConsumedBy []Consumption `json:"consumed_by,omitempty"`

	// CreatedAt and SourceModule are provenance.
	CreatedAt    time.Time `json:"created_at"`
	SourceModule string    `json:"source_module"`
}

// NewStrand creates a level-0 strand with a fresh ID and validates it.
func NewStrand(kind, sourceModule string, attrs Attributes, payload json.RawMessage) (*Strand, error) {
	s := &Strand{
		ID:           uuid.New().String(),
		Kind:         kind,
		Level:        0,
		Attributes:   attrs,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
		SourceModule: sourceModule,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks structural invariants. It returns a *ValidationError.
func (s *Strand) Validate() error {
	if s.ID == "" {
		return invalid("id", "id cannot be empty")
	}
	if s.Kind == "" {
		return &ValidationError{Field: "kind", Reason: ErrEmptyKind.Error()}
	}
	if s.Level < 0 {
		return &ValidationError{Field: "level", Reason: ErrNegativeLevel.Error()}
	}
	if s.Level > 0 && len(s.SourceIDs) == 0 {
		return invalid("source_ids", "braid at level %d must reference its members", s.Level)
	}
	if s.Level == 0 && s.Lesson != "" {
		return invalid("lesson", "lesson is only valid on braids")
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return invalid("payload", "payload must be valid JSON")
	}
	return s.Attributes.validate()
}

// IsBraid reports whether the strand was produced by promotion.
func (s *Strand) IsBraid() bool {
	return s.Level > 0
}

// IsConsumed reports whether the strand was already promoted along
// dimension into targetLevel.
func (s *Strand) IsConsumed(dimension string, targetLevel int) bool {
	for _, c := range s.ConsumedBy {
		if c.Dimension == dimension && c.TargetLevel == targetLevel {
			return true
		}
	}
	return false
}

// Consume adds the (dimension, targetLevel) pair. It returns false when the
// pair was already present.
func (s *Strand) Consume(dimension string, targetLevel int) bool {
	if s.IsConsumed(dimension, targetLevel) {
		return false
	}
	s.ConsumedBy = append(s.ConsumedBy, Consumption{Dimension: dimension, TargetLevel: targetLevel})
	return true
}

// SetScores replaces the score card and refreshes the degraded flag.
func (s *Strand) SetScores(card ScoreCard) {
	s.Scores = card
	s.ScoreDegraded = card.Degraded()
}

// BestScores returns the strand's best per-dimension scores.
func (s *Strand) BestScores() Scores {
	sc, _ := s.Scores.Best()
	return sc
}

// RankScores returns the scores used to rank a braid: its origin scores
// when set, otherwise its best current scores.
func (s *Strand) RankScores() Scores {
	if s.OriginScores != nil {
		return *s.OriginScores
	}
	return s.BestScores()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Strand) Clone() *Strand {
	if s == nil {
		return nil
	}
	out := *s
	out.Attributes = s.Attributes.clone()
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	out.KeyInsights = append([]string(nil), s.KeyInsights...)
	out.Recommendations = append([]string(nil), s.Recommendations...)
	out.SourceIDs = append([]string(nil), s.SourceIDs...)
	out.ConsumedBy = append([]Consumption(nil), s.ConsumedBy...)
	if s.OriginScores != nil {
		origin := *s.OriginScores
		out.OriginScores = &origin
	}
	if s.Scores != nil {
		out.Scores = make(ScoreCard, len(s.Scores))
		for k, v := range s.Scores {
			out.Scores[k] = v
		}
	}
	return &out
}

// String returns a short identifier for logs.
func (s *Strand) String() string {
	return fmt.Sprintf("%s/L%d/%s", s.Kind, s.Level, s.ID)
}

// Order sorts strands chronologically, breaking ties by ID, so that every
// pass over a member set replays evidence in the same order.
func Order(members []*Strand) {
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].ID < members[j].ID
	})
}

// IDs returns the member IDs in their current order.
func IDs(members []*Strand) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.ID
	}
	return out
}

// NewBraid builds an unsaved level N+1 strand from a non-empty member set of
// level N strands sharing one kind. Lesson fields are filled by the caller.
func NewBraid(members []*Strand, dimension, bucketKey string) (*Strand, error) {
	if len(members) == 0 {
		return nil, invalid("source_ids", "braid needs at least one member")
	}
	kind, level := members[0].Kind, members[0].Level
	attrSets := make([]Attributes, len(members))
	for i, m := range members {
		if m.Kind != kind || m.Level != level {
			return nil, invalid("source_ids", "member %s is not %s at level %d", m.ID, kind, level)
		}
		attrSets[i] = m.Attributes
	}
	return &Strand{
		ID:           uuid.New().String(),
		Kind:         kind,
		Level:        level + 1,
		Attributes:   Common(attrSets...).clone(),
		SourceIDs:    IDs(members),
		Dimension:    dimension,
		BucketKey:    bucketKey,
		CreatedAt:    time.Now().UTC(),
		SourceModule: BraidSourceModule,
	}, nil
}

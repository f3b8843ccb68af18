// Package strandstore is the record store boundary of the learning engine.
//
// Two implementations satisfy Store: MemoryStore for tests and single-process
// deployments, and SQLiteStore for durable storage. Both return copies, so
// callers may freely mutate what they receive.
package strandstore

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Common errors for store operations.
var (
	ErrDuplicateID     = errors.New("strand id already exists")
	ErrAlreadyConsumed = errors.New("strand already consumed for dimension and level")
	ErrStoreClosed     = errors.New("store is closed")
)

// Query selects strands of one kind within a level range whose attributes
// match Filter. Results are ordered by (created_at, id).
type Query struct {
	Kind string

	// MinLevel and MaxLevel bound the level inclusively. A negative
	// MaxLevel means unbounded.
	MinLevel int
	MaxLevel int

	Filter strand.Filter
}

// AtLevel selects one level.
func AtLevel(kind string, level int, filter strand.Filter) Query {
	return Query{Kind: kind, MinLevel: level, MaxLevel: level, Filter: filter}
}

// FromLevel selects every level at or above level.
func FromLevel(kind string, level int, filter strand.Filter) Query {
	return Query{Kind: kind, MinLevel: level, MaxLevel: -1, Filter: filter}
}

func (q Query) matches(s *strand.Strand) bool {
	if s.Kind != q.Kind || s.Level < q.MinLevel {
		return false
	}
	if q.MaxLevel >= 0 && s.Level > q.MaxLevel {
		return false
	}
	return q.Filter.Matches(s.Attributes)
}

// Store persists strands.
type Store interface {
	// Insert appends a strand. Strands are immutable apart from scores and
	// consumption marks.
	Insert(ctx context.Context, s *strand.Strand) error

	// Get returns one strand or strand.ErrStrandNotFound.
	Get(ctx context.Context, id string) (*strand.Strand, error)

	// Query returns matching strands ordered by (created_at, id).
	Query(ctx context.Context, q Query) ([]*strand.Strand, error)

	// UpdateScores replaces the whole score card of a strand.
	UpdateScores(ctx context.Context, id string, card strand.ScoreCard) error

	// MarkConsumed adds a (dimension, targetLevel) mark. It returns
	// ErrAlreadyConsumed when the mark exists.
	MarkConsumed(ctx context.Context, id, dimension string, targetLevel int) error

	// InsertBraid inserts braid and marks every source strand consumed under
	// (braid.Dimension, braid.Level) in one atomic step. If any source is
	// missing or already consumed nothing is written.
	InsertBraid(ctx context.Context, braid *strand.Strand) error

	// Close releases resources.
	Close() error
}

package strandstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// MemoryStore is an in-process Store guarded by a RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	strands map[string]*strand.Strand
	byKind  map[string][]string
	closed  bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strands: make(map[string]*strand.Strand),
		byKind:  make(map[string][]string),
	}
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, s *strand.Strand) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return m.insertLocked(s)
}

func (m *MemoryStore) insertLocked(s *strand.Strand) error {
	if _, exists := m.strands[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}
	m.strands[s.ID] = s.Clone()
	m.byKind[s.Kind] = append(m.byKind[s.Kind], s.ID)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*strand.Strand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.strands[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	return s.Clone(), nil
}

// Query implements Store.
func (m *MemoryStore) Query(ctx context.Context, q Query) ([]*strand.Strand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*strand.Strand
	for _, id := range m.byKind[q.Kind] {
		s := m.strands[id]
		if q.matches(s) {
			out = append(out, s.Clone())
		}
	}
	strand.Order(out)
	return out, nil
}

// UpdateScores implements Store.
func (m *MemoryStore) UpdateScores(ctx context.Context, id string, card strand.ScoreCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	s, ok := m.strands[id]
	if !ok {
		return fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	cp := make(strand.ScoreCard, len(card))
	for k, v := range card {
		cp[k] = v
	}
	s.SetScores(cp)
	return nil
}

// MarkConsumed implements Store.
func (m *MemoryStore) MarkConsumed(ctx context.Context, id, dimension string, targetLevel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	s, ok := m.strands[id]
	if !ok {
		return fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	if !s.Consume(dimension, targetLevel) {
		return fmt.Errorf("%w: %s (%s, %d)", ErrAlreadyConsumed, id, dimension, targetLevel)
	}
	return nil
}

// InsertBraid implements Store.
func (m *MemoryStore) InsertBraid(ctx context.Context, braid *strand.Strand) error {
	if err := braid.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, id := range braid.SourceIDs {
		src, ok := m.strands[id]
		if !ok {
			return fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
		}
		if src.IsConsumed(braid.Dimension, braid.Level) {
			return fmt.Errorf("%w: %s (%s, %d)", ErrAlreadyConsumed, id, braid.Dimension, braid.Level)
		}
	}
	if err := m.insertLocked(braid); err != nil {
		return err
	}
	for _, id := range braid.SourceIDs {
		m.strands[id].Consume(braid.Dimension, braid.Level)
	}
	return nil
}

// Len returns the number of stored strands.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.strands)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

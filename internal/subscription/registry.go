// Package subscription holds the consumer entitlement registry.
//
// The registry maps a consumer module to the kinds it may receive context
// for, each optionally narrowed by attribute filters. It is read-only at
// runtime: a new configuration replaces the whole snapshot atomically, so
// readers never see a partially applied file.
package subscription

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

const maxFileSize = 1024 * 1024 // 1MB

// Registry errors.
var (
	ErrNoPath        = errors.New("subscription registry has no file path")
	ErrEmptyConsumer = errors.New("consumer name cannot be empty")
	ErrEmptyKind     = errors.New("subscription kind cannot be empty")
	ErrInvalidFilter = errors.New("invalid subscription filter")
	ErrFileTooLarge  = errors.New("subscription file too large")
)

// Entry is one subscription of a consumer. An empty Filter grants every
// record of Kind.
type Entry struct {
	Kind   string        `json:"kind" koanf:"kind"`
	Filter strand.Filter `json:"filter,omitempty" koanf:"filter"`
}

// File is the on-disk layout.
//
//	consumers:
//	  risk_assessor:
//	    - kind: prediction_review
//	      filter:
//	        - name: asset
//	          equals: BTC
type File struct {
	Consumers map[string][]Entry `json:"consumers" koanf:"consumers"`
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	grants   map[string]map[string]strand.AnyOf
	kinds    []string
	LoadedAt time.Time
}

// NewSnapshot validates f and indexes it.
func NewSnapshot(f File) (*Snapshot, error) {
	s := &Snapshot{
		grants:   make(map[string]map[string]strand.AnyOf, len(f.Consumers)),
		LoadedAt: time.Now().UTC(),
	}
	kinds := make(map[string]struct{})
	for consumer, entries := range f.Consumers {
		if consumer == "" {
			return nil, ErrEmptyConsumer
		}
		byKind := make(map[string]strand.AnyOf)
		for i, e := range entries {
			if e.Kind == "" {
				return nil, fmt.Errorf("%s entry %d: %w", consumer, i, ErrEmptyKind)
			}
			if err := validateFilter(e.Filter); err != nil {
				return nil, fmt.Errorf("%s/%s: %w", consumer, e.Kind, err)
			}
			byKind[e.Kind] = append(byKind[e.Kind], slices.Clone(e.Filter))
			kinds[e.Kind] = struct{}{}
		}
		s.grants[consumer] = byKind
	}
	for k := range kinds {
		s.kinds = append(s.kinds, k)
	}
	sort.Strings(s.kinds)
	return s, nil
}

func validateFilter(f strand.Filter) error {
	for _, c := range f {
		if c.Name == "" {
			return fmt.Errorf("%w: condition without attribute name", ErrInvalidFilter)
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return fmt.Errorf("%w: %s min %g exceeds max %g", ErrInvalidFilter, c.Name, *c.Min, *c.Max)
		}
	}
	return nil
}

// IsSubscribed reports whether consumer holds any subscription for kind.
func (s *Snapshot) IsSubscribed(consumer, kind string) bool {
	_, ok := s.grants[consumer][kind]
	return ok
}

// Entitlement returns the union of consumer's filters for kind.
func (s *Snapshot) Entitlement(consumer, kind string) (strand.AnyOf, bool) {
	a, ok := s.grants[consumer][kind]
	return a, ok
}

// Kinds returns every kind some consumer subscribes to, sorted.
func (s *Snapshot) Kinds() []string {
	return slices.Clone(s.kinds)
}

// HasKind reports whether any consumer subscribes to kind.
func (s *Snapshot) HasKind(kind string) bool {
	_, ok := slices.BinarySearch(s.kinds, kind)
	return ok
}

// Consumers returns the configured consumers, sorted.
func (s *Snapshot) Consumers() []string {
	out := make([]string, 0, len(s.grants))
	for c := range s.grants {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Parse reads the YAML layout.
func Parse(data []byte) (*Snapshot, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions: %w", err)
	}
	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscriptions: %w", err)
	}
	return NewSnapshot(f)
}

// Registry serves the current snapshot and swaps it on reload.
type Registry struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

// New returns a registry serving snap. Reload is unavailable without a path.
func New(snap *Snapshot, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snap == nil {
		snap, _ = NewSnapshot(File{})
	}
	r := &Registry{logger: logger}
	r.current.Store(snap)
	return r
}

// Load reads path and returns a registry bound to it.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	snap, err := readFile(path)
	if err != nil {
		return nil, err
	}
	r := New(snap, logger)
	r.path = path
	r.logger.Info("subscriptions loaded",
		zap.String("path", path),
		zap.Int("consumers", len(snap.grants)),
		zap.Strings("kinds", snap.kinds))
	return r, nil
}

func readFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subscriptions file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat subscriptions file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), maxFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}
	return Parse(content)
}

// Path returns the backing file, if any.
func (r *Registry) Path() string {
	return r.path
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace installs snap.
func (r *Registry) Replace(snap *Snapshot) {
	r.current.Store(snap)
}

// Reload re-reads the backing file. On error the previous snapshot stays.
func (r *Registry) Reload() error {
	if r.path == "" {
		return ErrNoPath
	}
	snap, err := readFile(r.path)
	if err != nil {
		r.logger.Warn("subscription reload failed, keeping previous snapshot",
			zap.String("path", r.path),
			zap.Error(err))
		return err
	}
	prev := r.current.Swap(snap)
	r.logger.Info("subscriptions reloaded",
		zap.String("path", r.path),
		zap.Strings("previous_kinds", prev.kinds),
		zap.Strings("kinds", snap.kinds))
	return nil
}

// IsSubscribed reports whether consumer may query kind.
func (r *Registry) IsSubscribed(consumer, kind string) bool {
	return r.Snapshot().IsSubscribed(consumer, kind)
}

// Entitlement returns consumer's filters for kind.
func (r *Registry) Entitlement(consumer, kind string) (strand.AnyOf, bool) {
	return r.Snapshot().Entitlement(consumer, kind)
}

// HasKind reports whether kind is worth learning at all.
func (r *Registry) HasKind(kind string) bool {
	return r.Snapshot().HasKind(kind)
}

// Kinds returns every subscribed kind.
func (r *Registry) Kinds() []string {
	return r.Snapshot().Kinds()
}

// Package clustering partitions strands of one (kind, level) along
// independently configured dimensions.
//
// Every dimension runs over the same record set, so a strand can sit in an
// "asset" cluster and a "strength" cluster at once. A strand missing an
// attribute a dimension reads is left out of that dimension only, and a
// strand already consumed along (dimension, level+1) is left out of that
// dimension's partition. Partitioning is a pure function of its input:
// buckets are ordered by key and members by (created_at, id).
package clustering

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// ErrDuplicateDimension is returned when two dimensions share a name.
var ErrDuplicateDimension = errors.New("duplicate dimension name")

// Key identifies a cluster.
type Key struct {
	Kind      string `json:"kind"`
	Level     int    `json:"level"`
	Dimension string `json:"dimension"`
	Bucket    string `json:"bucket"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/L%d/%s/%s", k.Kind, k.Level, k.Dimension, k.Bucket)
}

// Cluster is a derived grouping of same-kind, same-level strands along one
// dimension. It is never persisted.
type Cluster struct {
	Key     Key
	Members []*strand.Strand
	Stats   Stats
}

// MemberIDs returns the ordered member ids.
func (c *Cluster) MemberIDs() []string {
	return strand.IDs(c.Members)
}

// Size returns the member count.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// Partition is the output of one dimension strategy.
type Partition struct {
	Dimension Dimension
	Clusters  []*Cluster
}

// Find returns the cluster for bucket, if present.
func (p Partition) Find(bucket string) (*Cluster, bool) {
	i := sort.Search(len(p.Clusters), func(i int) bool { return p.Clusters[i].Key.Bucket >= bucket })
	if i < len(p.Clusters) && p.Clusters[i].Key.Bucket == bucket {
		return p.Clusters[i], true
	}
	return nil, false
}

// Engine partitions strands along a fixed set of dimensions.
type Engine struct {
	dimensions []Dimension
	outcome    Outcome
	kinds      map[string]Outcome
	logger     *zap.Logger
}

// NewEngine validates dimensions and creates an engine.
func NewEngine(dimensions []Dimension, outcome Outcome, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(dimensions))
	for _, d := range dimensions {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDimension, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return &Engine{
		dimensions: append([]Dimension(nil), dimensions...),
		outcome:    outcome,
		logger:     logger,
	}, nil
}

// Dimensions returns the configured dimensions in configuration order.
func (e *Engine) Dimensions() []Dimension {
	return append([]Dimension(nil), e.dimensions...)
}

// Dimension returns the named dimension.
func (e *Engine) Dimension(name string) (Dimension, bool) {
	for _, d := range e.dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Outcome returns the default outcome attribute configuration.
func (e *Engine) Outcome() Outcome {
	return e.outcome
}

// WithKindOutcomes returns a copy of e that uses per-kind outcome
// attributes where configured.
func (e *Engine) WithKindOutcomes(kinds map[string]Outcome) *Engine {
	out := *e
	out.kinds = make(map[string]Outcome, len(kinds))
	for k, o := range kinds {
		out.kinds[k] = o
	}
	return &out
}

// OutcomeFor returns the outcome attributes of kind.
func (e *Engine) OutcomeFor(kind string) Outcome {
	if o, ok := e.kinds[kind]; ok {
		return o
	}
	return e.outcome
}

// Partition runs every dimension over records, in configuration order.
// Records of another kind or level are ignored.
func (e *Engine) Partition(kind string, level int, records []*strand.Strand) []Partition {
	out := make([]Partition, 0, len(e.dimensions))
	for _, d := range e.dimensions {
		out = append(out, e.partition(d, kind, level, records))
	}
	return out
}

// PartitionDimension runs a single named dimension.
func (e *Engine) PartitionDimension(dimension, kind string, level int, records []*strand.Strand) (Partition, error) {
	d, ok := e.Dimension(dimension)
	if !ok {
		return Partition{}, fmt.Errorf("unknown dimension %q", dimension)
	}
	return e.partition(d, kind, level, records), nil
}

func (e *Engine) partition(d Dimension, kind string, level int, records []*strand.Strand) Partition {
	buckets := make(map[string][]*strand.Strand)
	var missing, consumed int
	for _, r := range records {
		if r.Kind != kind || r.Level != level {
			continue
		}
		if r.IsConsumed(d.Name, level+1) {
			consumed++
			continue
		}
		key, ok := d.Key(r.Attributes)
		if !ok {
			missing++
			continue
		}
		buckets[key] = append(buckets[key], r)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := Partition{Dimension: d, Clusters: make([]*Cluster, 0, len(keys))}
	for _, k := range keys {
		members := buckets[k]
		strand.Order(members)
		p.Clusters = append(p.Clusters, &Cluster{
			Key:     Key{Kind: kind, Level: level, Dimension: d.Name, Bucket: k},
			Members: members,
			Stats:   Summarize(members, e.OutcomeFor(kind)),
		})
	}

	e.logger.Debug("partitioned dimension",
		zap.String("kind", kind),
		zap.Int("level", level),
		zap.String("dimension", d.Name),
		zap.Int("clusters", len(p.Clusters)),
		zap.Int("excluded_missing", missing),
		zap.Int("excluded_consumed", consumed))
	return p
}

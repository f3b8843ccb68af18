package subscription

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

const sample = `
consumers:
  risk_assessor:
    - kind: prediction_review
      filter:
        - name: asset
          equals: BTC
    - kind: prediction_review
      filter:
        - name: strength
          min: 0.7
  plan_generator:
    - kind: trade_outcome
    - kind: pattern
`

func attrs(kv ...any) strand.Attributes {
	var out strand.Attributes
	for i := 0; i < len(kv); i += 2 {
		name := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			out = append(out, strand.Attribute{Name: name, Value: strand.String(v)})
		case float64:
			out = append(out, strand.Attribute{Name: name, Value: strand.Number(v)})
		}
	}
	return out
}

func TestParse(t *testing.T) {
	snap, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"pattern", "prediction_review", "trade_outcome"}, snap.Kinds())
	assert.Equal(t, []string{"plan_generator", "risk_assessor"}, snap.Consumers())
	assert.True(t, snap.HasKind("pattern"))
	assert.False(t, snap.HasKind("execution_report"))

	tests := []struct {
		consumer, kind string
		want           bool
	}{
		{"risk_assessor", "prediction_review", true},
		{"risk_assessor", "trade_outcome", false},
		{"plan_generator", "trade_outcome", true},
		{"unknown", "trade_outcome", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snap.IsSubscribed(tt.consumer, tt.kind), "%s/%s", tt.consumer, tt.kind)
	}
}

func TestEntitlement_UnionOfFilters(t *testing.T) {
	snap, err := Parse([]byte(sample))
	require.NoError(t, err)

	ent, ok := snap.Entitlement("risk_assessor", "prediction_review")
	require.True(t, ok)
	require.Len(t, ent, 2)

	assert.True(t, ent.Matches(attrs("asset", "BTC", "strength", 0.2)))
	assert.True(t, ent.Matches(attrs("asset", "ETH", "strength", 0.9)))
	assert.False(t, ent.Matches(attrs("asset", "ETH", "strength", 0.3)))

	all, ok := snap.Entitlement("plan_generator", "trade_outcome")
	require.True(t, ok)
	assert.True(t, all.Matches(attrs("asset", "anything")), "unfiltered grant matches every record")

	_, ok = snap.Entitlement("plan_generator", "prediction_review")
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty kind": `
consumers:
  a:
    - kind: ""
`,
		"nameless condition": `
consumers:
  a:
    - kind: k
      filter:
        - equals: x
`,
		"inverted range": `
consumers:
  a:
    - kind: k
      filter:
        - name: s
          min: 2
          max: 1
`,
		"bad yaml": "consumers: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestNew_EmptyRegistry(t *testing.T) {
	r := New(nil, nil)
	assert.False(t, r.IsSubscribed("a", "k"))
	assert.Empty(t, r.Kinds())
	assert.ErrorIs(t, r.Reload(), ErrNoPath)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, sample)

	r, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, r.IsSubscribed("plan_generator", "pattern"))
	before := r.Snapshot()

	writeFile(t, path, `
consumers:
  plan_generator:
    - kind: trade_outcome
`)
	require.NoError(t, r.Reload())
	assert.False(t, r.IsSubscribed("plan_generator", "pattern"))
	assert.False(t, r.HasKind("prediction_review"))
	assert.True(t, before.IsSubscribed("plan_generator", "pattern"), "old snapshots are immutable")

	writeFile(t, path, "consumers: [")
	assert.Error(t, r.Reload())
	assert.True(t, r.IsSubscribed("plan_generator", "trade_outcome"), "failed reload keeps previous snapshot")
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, sample)
	r, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	var reloads atomic.Int32
	w, err := NewWatcher(r, zap.NewNop(),
		WithDebounce(10*time.Millisecond),
		OnReload(func(*Snapshot) { reloads.Add(1) }))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, path, `
consumers:
  execution_monitor:
    - kind: execution_report
`)
	assert.Eventually(t, func() bool {
		return r.IsSubscribed("execution_monitor", "execution_report")
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher(New(nil, nil), nil)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestLoadExampleSubscriptions(t *testing.T) {
	r, err := Load(filepath.Join("..", "..", "configs", "subscriptions.yaml"), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, r.IsSubscribed("risk_assessor", "prediction_review"))
	assert.True(t, r.IsSubscribed("reporter", "trade_outcome"))
	assert.False(t, r.IsSubscribed("reporter", "prediction_review"))
	assert.Equal(t, []string{"prediction_review", "trade_outcome"}, r.Kinds())
}

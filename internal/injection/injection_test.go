package injection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strand"
	"github.com/fyrsmithlabs/braidd/internal/strandstore"
	"github.com/fyrsmithlabs/braidd/internal/subscription"
)

var now = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

const subs = `
consumers:
  risk_assessor:
    - kind: prediction_review
  btc_desk:
    - kind: prediction_review
      filter:
        - name: asset
          equals: BTC
`

// readOnly fails every write.
type readOnly struct {
	strandstore.Store
	writes int
}

var errWrite = errors.New("write on read path")

func (r *readOnly) Insert(context.Context, *strand.Strand) error {
	r.writes++
	return errWrite
}

func (r *readOnly) UpdateScores(context.Context, string, strand.ScoreCard) error {
	r.writes++
	return errWrite
}

func (r *readOnly) MarkConsumed(context.Context, string, string, int) error {
	r.writes++
	return errWrite
}

func (r *readOnly) InsertBraid(context.Context, *strand.Strand) error {
	r.writes++
	return errWrite
}

func review(id string, mins int, asset, tf string, ok bool) *strand.Strand {
	return &strand.Strand{
		ID:   id,
		Kind: "prediction_review",
		Attributes: strand.Attributes{
			{Name: "asset", Value: strand.String(asset)},
			{Name: "timeframe", Value: strand.String(tf)},
			{Name: "success", Value: strand.Bool(ok)},
		},
		CreatedAt:    now.Add(-time.Duration(mins) * time.Minute),
		SourceModule: "prediction_reviewer",
	}
}

func braid(id, asset string, mins int, s, theta float64) *strand.Strand {
	return &strand.Strand{
		ID:           id,
		Kind:         "prediction_review",
		Level:        1,
		Attributes:   strand.Attributes{{Name: "asset", Value: strand.String(asset)}},
		SourceIDs:    []string{"x", "y", "z"},
		Dimension:    "asset",
		BucketKey:    "asset=" + asset,
		Lesson:       "lesson " + id,
		KeyInsights:  []string{"insight " + id},
		OriginScores: &strand.Scores{S: s, Theta: theta},
		CreatedAt:    now.Add(-time.Duration(mins) * time.Minute),
		SourceModule: strand.BraidSourceModule,
	}
}

func newEngine(t *testing.T, records ...*strand.Strand) (*Engine, *readOnly) {
	t.Helper()
	mem := strandstore.NewMemoryStore()
	for _, r := range records {
		require.NoError(t, mem.Insert(context.Background(), r))
	}
	reg, err := subscription.Parse([]byte(subs))
	require.NoError(t, err)
	clusters, err := clustering.NewEngine([]clustering.Dimension{
		{Name: "asset", Strategy: clustering.StrategyCategorical, Attributes: []string{"asset"}},
		{Name: "asset_timeframe", Strategy: clustering.StrategyComposite, Attributes: []string{"asset", "timeframe"}},
	}, clustering.Outcome{SuccessAttribute: "success"}, zap.NewNop())
	require.NoError(t, err)
	scorer, err := resonance.NewScorer(resonance.DefaultConfig(), resonance.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	store := &readOnly{Store: mem}
	return NewEngine(store, reg, clusters, scorer, zap.NewNop()), store
}

func TestGetContext_NotSubscribed(t *testing.T) {
	e, _ := newEngine(t, braid("b1", "ETH", 1, 0.9, 0))

	_, err := e.GetContext(context.Background(), Request{
		Consumer: "risk_assessor",
		Kind:     "trade_outcome",
		Filter:   strand.Filter{strand.Eq("asset", "ETH")},
	})
	assert.ErrorIs(t, err, ErrNotSubscribed)

	_, err = e.GetContext(context.Background(), Request{Consumer: "nobody", Kind: "prediction_review"})
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func consumed(r *strand.Strand) *strand.Strand {
	r.Consume("asset", 1)
	r.Consume("asset_timeframe", 1)
	return r
}

func TestGetContext_RanksBraids(t *testing.T) {
	e, store := newEngine(t,
		braid("low", "BTC", 1, 0.61, 0.5),
		braid("high", "ETH", 30, 0.9, 0.0),
		braid("tie-theta", "SOL", 20, 0.75, 0.2),
		braid("tie-old", "BTC", 50, 0.75, 0.1),
		braid("tie-new", "ETH", 5, 0.75, 0.1),
		consumed(review("r1", 3, "BTC", "1h", true)),
	)

	res, err := e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review"})
	require.NoError(t, err)
	var ids []string
	for _, l := range res.Lessons {
		ids = append(ids, l.ID)
		assert.False(t, l.Placeholder)
	}
	assert.Equal(t, []string{"high", "tie-theta", "tie-new", "tie-old", "low"}, ids)
	assert.Equal(t, "lesson high", res.Lessons[0].Text)
	assert.InDelta(t, 0.9, res.Lessons[0].Scores.S, 1e-9)
	assert.Equal(t, 3, res.Lessons[0].Members)
	assert.Zero(t, store.writes)

	res, err = e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Lessons, 2)
}

func TestGetContext_OriginScoresOutrankCurrentCard(t *testing.T) {
	stale := braid("stale", "BTC", 1, 0.65, 0)
	stale.SetScores(strand.ScoreCard{"asset": {S: 0.99}})
	e, _ := newEngine(t, stale, braid("fresh", "ETH", 1, 0.8, 0))

	res, err := e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review"})
	require.NoError(t, err)
	require.Len(t, res.Lessons, 2)
	assert.Equal(t, "fresh", res.Lessons[0].ID)
}

func TestGetContext_FilterAndEntitlement(t *testing.T) {
	e, _ := newEngine(t,
		braid("btc", "BTC", 1, 0.7, 0),
		braid("eth", "ETH", 1, 0.9, 0),
	)
	ctx := context.Background()

	res, err := e.GetContext(ctx, Request{Consumer: "risk_assessor", Kind: "prediction_review", Filter: strand.Filter{strand.Eq("asset", "ETH")}})
	require.NoError(t, err)
	require.Len(t, res.Lessons, 1)
	assert.Equal(t, "eth", res.Lessons[0].ID)

	res, err = e.GetContext(ctx, Request{Consumer: "btc_desk", Kind: "prediction_review"})
	require.NoError(t, err)
	require.Len(t, res.Lessons, 1)
	assert.Equal(t, "btc", res.Lessons[0].ID)

	// An entitled consumer asking outside its grant gets no braid and no
	// level-0 data either.
	res, err = e.GetContext(ctx, Request{Consumer: "btc_desk", Kind: "prediction_review", Filter: strand.Filter{strand.Eq("asset", "ETH")}})
	require.NoError(t, err)
	assert.Empty(t, res.Lessons)
}

func TestGetContext_PlaceholderWhenNoBraid(t *testing.T) {
	e, store := newEngine(t,
		review("a", 50, "BTC", "1h", true),
		review("b", 40, "BTC", "1h", true),
		review("c", 30, "ETH", "4h", false),
		review("d", 20, "SOL", "1d", true),
		review("e", 10, "ADA", "1h", false),
	)

	res, err := e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review"})
	require.NoError(t, err)
	require.Len(t, res.Lessons, 1)
	ph := res.Lessons[0]
	assert.True(t, ph.Placeholder)
	assert.Empty(t, ph.ID)
	assert.Equal(t, 0, ph.Level)
	assert.Equal(t, []string{"a", "b"}, ph.SourceIDs)
	assert.Equal(t, 2, ph.Members)
	assert.Contains(t, ph.Text, "No lesson has been promoted")
	assert.Contains(t, ph.KeyInsights[0], "2 of 2 records succeeded")
	assert.Greater(t, ph.Scores.S, 0.0)
	assert.Zero(t, store.writes)

	// Nothing was persisted: the records carry no scores.
	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, got.Scores)
}

func TestGetContext_PlaceholderRankedWithBraids(t *testing.T) {
	ctx := context.Background()
	btc := []*strand.Strand{
		review("b1", 20, "BTC", "1h", true),
		review("b2", 10, "BTC", "1h", true),
	}

	tests := []struct {
		name    string
		braidS  float64
		wantIDs []string
	}{
		{name: "strong braid first", braidS: 0.9, wantIDs: []string{"eth-braid", ""}},
		{name: "weak braid last", braidS: 0.3, wantIDs: []string{"", "eth-braid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := append([]*strand.Strand{braid("eth-braid", "ETH", 5, tt.braidS, 0)}, btc...)
			e, store := newEngine(t, records...)

			res, err := e.GetContext(ctx, Request{Consumer: "risk_assessor", Kind: "prediction_review"})
			require.NoError(t, err)
			var ids []string
			for _, l := range res.Lessons {
				ids = append(ids, l.ID)
			}
			require.Equal(t, tt.wantIDs, ids)

			var ph Lesson
			for _, l := range res.Lessons {
				if l.Placeholder {
					ph = l
				}
			}
			assert.Equal(t, []string{"b1", "b2"}, ph.SourceIDs)
			assert.Zero(t, store.writes)

			res, err = e.GetContext(ctx, Request{Consumer: "risk_assessor", Kind: "prediction_review", Limit: 1})
			require.NoError(t, err)
			require.Len(t, res.Lessons, 1)
			assert.Equal(t, tt.wantIDs[0], res.Lessons[0].ID)
		})
	}
}

func TestGetContext_NoPlaceholderForPromotedBucket(t *testing.T) {
	btcBraid := braid("btc-braid", "BTC", 5, 0.8, 0)
	btcBraid.Dimension = "asset_timeframe"
	btcBraid.BucketKey = "asset=BTC|timeframe=1h"
	e, _ := newEngine(t,
		braid("btc-asset", "BTC", 5, 0.7, 0),
		btcBraid,
		review("b1", 20, "BTC", "1h", true),
	)

	res, err := e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review"})
	require.NoError(t, err)
	for _, l := range res.Lessons {
		assert.False(t, l.Placeholder, "both buckets already have a braid")
	}
	assert.Len(t, res.Lessons, 2)
}

func TestGetContext_Empty(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.GetContext(context.Background(), Request{Consumer: "risk_assessor", Kind: "prediction_review"})
	require.NoError(t, err)
	assert.NotNil(t, res.Lessons)
	assert.Empty(t, res.Lessons)
}

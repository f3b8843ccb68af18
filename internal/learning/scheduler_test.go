package learning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
)

func TestNewScheduler_Validation(t *testing.T) {
	p := newPipeline(t, []clustering.Dimension{assetDim}, &gateSynth{})

	_, err := NewScheduler(nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewScheduler(p.engine, nil)
	assert.Error(t, err)
	_, err = NewScheduler(p.engine, zap.NewNop(), WithInterval(0))
	assert.Error(t, err)

	s, err := NewScheduler(p.engine, zap.NewNop(), WithConcurrency(0))
	require.NoError(t, err)
	assert.Equal(t, 1, s.concurrency)
}

func TestScheduler_StartStop(t *testing.T) {
	p := newPipeline(t, []clustering.Dimension{assetDim}, &gateSynth{})
	s, err := NewScheduler(p.engine, zap.NewNop(), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Stop(), "stopping a stopped scheduler is a no-op")
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(), "a stopped scheduler can be restarted")
	require.NoError(t, s.Stop())
}

// Records inserted behind the engine's back are picked up by the next tick.
func TestScheduler_TickEvaluatesSubscribedKinds(t *testing.T) {
	ctx := context.Background()
	synth := &gateSynth{}
	p := newPipeline(t, []clustering.Dimension{assetDim}, synth)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.store.Insert(ctx, review(fmt.Sprintf("r%d", i+1), 5-i, str("asset", "BTC"), success(true))))
	}
	s, err := NewScheduler(p.engine, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))
	p.drain(t)

	assert.Len(t, p.level(t, 1), 1)
	assert.Equal(t, int32(1), synth.calls.Load())
}

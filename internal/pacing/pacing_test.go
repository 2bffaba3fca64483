package pacing

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource []float64

func (f *fixedSource) Float64() float64 {
	v := (*f)[0]
	*f = (*f)[1:]
	return v
}

func TestScheduler_NextDeterministic(t *testing.T) {
	src := &fixedSource{0, 0.5, 0.999999}
	s := New(time.Second, 0.4, src)

	ms := float64(time.Millisecond)
	assert.InDelta(t, float64(800*time.Millisecond), float64(s.Next()), ms)
	assert.InDelta(t, float64(time.Second), float64(s.Next()), ms)
	assert.InDelta(t, float64(1200*time.Millisecond), float64(s.Next()), ms)
}

func TestScheduler_DelayBounds(t *testing.T) {
	for _, variation := range []float64{0, 0.1, 0.5, 1} {
		s := New(2*time.Second, variation, rand.New(rand.NewPCG(7, 11)))
		lo, hi := s.Bounds()
		for i := 0; i < 1000; i++ {
			d := s.Next()
			require.GreaterOrEqual(t, d, lo, "variation=%v", variation)
			require.LessOrEqual(t, d, hi, "variation=%v", variation)
		}
	}
}

func TestScheduler_ClampsVariation(t *testing.T) {
	assert.Equal(t, 1.0, New(time.Second, 3, nil).Variation())
	assert.Equal(t, 0.0, New(time.Second, -1, nil).Variation())
	assert.Equal(t, time.Duration(0), New(-time.Second, 0.5, nil).Base())

	s := New(time.Second, 0, nil)
	assert.Equal(t, time.Second, s.Next())
}

func TestWait(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Wait(ctx, time.Millisecond, nil))
	assert.NoError(t, Wait(ctx, 0, nil))

	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	start := time.Now()
	assert.ErrorIs(t, Wait(ctx, time.Minute, wake), ErrInterrupted)
	assert.Less(t, time.Since(start), time.Second)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Wait(cctx, time.Minute, nil), context.Canceled)
}

func TestWait_ZeroDelayIgnoresDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, Wait(ctx, 0, nil))
	assert.NoError(t, Wait(ctx, -time.Second, nil))
}

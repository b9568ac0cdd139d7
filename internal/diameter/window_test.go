package diameter

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time { return t0.Add(time.Duration(sec * float64(time.Second))) }

func TestWindow_Eviction(t *testing.T) {
	w := NewWindow(60 * time.Second)
	for _, s := range []struct {
		sec float64
		d   float64
	}{{0, 1.70}, {10, 1.75}, {30, 1.80}, {61, 1.78}} {
		require.NoError(t, w.Insert(s.d, at(s.sec)))
	}

	assert.Equal(t, []float64{1.75, 1.80, 1.78}, w.Values())
	lo, hi := w.MinMax()
	require.NotNil(t, lo)
	require.NotNil(t, hi)
	assert.Equal(t, 1.75, *lo)
	assert.Equal(t, 1.80, *hi)
}

func TestWindow_BoundaryIsInclusive(t *testing.T) {
	w := NewWindow(10 * time.Second)
	require.NoError(t, w.Insert(1.0, at(0)))
	require.NoError(t, w.Insert(2.0, at(10)))
	assert.Equal(t, 2, w.Len(), "a sample exactly window old is retained")

	require.NoError(t, w.Insert(3.0, at(10.001)))
	assert.Equal(t, []float64{2.0, 3.0}, w.Values())
}

func TestWindow_EmptyMinMax(t *testing.T) {
	w := NewWindow(time.Minute)
	lo, hi := w.MinMax()
	assert.Nil(t, lo)
	assert.Nil(t, hi)
}

func TestWindow_OutOfOrderRejected(t *testing.T) {
	w := NewWindow(time.Minute)
	require.NoError(t, w.Insert(1.7, at(5)))
	assert.ErrorIs(t, w.Insert(1.8, at(4)), ErrOutOfOrder)
	assert.Equal(t, []float64{1.7}, w.Values())

	require.NoError(t, w.Insert(1.9, at(5)), "equal timestamps are in order")
	assert.Equal(t, 2, w.Len())
}

func TestWindow_SetWindow(t *testing.T) {
	w := NewWindow(time.Hour)
	for i := 0; i <= 10; i++ {
		require.NoError(t, w.Insert(float64(i), at(float64(i*60))))
	}

	// Evicts relative to the newest sample at t=600s.
	w.SetWindow(3 * time.Minute)
	assert.Equal(t, []float64{7, 8, 9, 10}, w.Values())

	w.SetWindow(-time.Second)
	assert.Equal(t, time.Duration(0), w.Duration())
	assert.Equal(t, []float64{10}, w.Values())

	w.SetWindow(time.Hour)
	assert.Equal(t, []float64{10}, w.Values(), "growing the window does not restore samples")
}

func TestWindow_ZeroWindowKeepsSameInstant(t *testing.T) {
	w := NewWindow(0)
	require.NoError(t, w.Insert(1, at(1)))
	require.NoError(t, w.Insert(2, at(1)))
	assert.Equal(t, 2, w.Len())
	require.NoError(t, w.Insert(3, at(2)))
	assert.Equal(t, []float64{3}, w.Values())
}

// Random insert sequences keep every retained sample inside the window, keep
// insertion order and report min/max drawn from the retained samples.
func TestWindow_Invariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 20; trial++ {
		win := time.Duration(rng.IntN(5000)) * time.Millisecond
		w := NewWindow(win)
		now := t0
		var inserted []Sample
		for i := 0; i < 1000; i++ {
			now = now.Add(time.Duration(rng.IntN(40)) * time.Millisecond)
			d := 1.5 + rng.Float64()*0.5
			require.NoError(t, w.Insert(d, now))
			inserted = append(inserted, Sample{D: d, T: now})

			samples := w.Samples()
			require.NotEmpty(t, samples)
			newest := samples[len(samples)-1].T
			assert.True(t, newest.Equal(now))
			for _, s := range samples {
				if now.Sub(s.T) > win {
					t.Fatalf("trial %d: sample at %v outside %v window at %v", trial, s.T, win, now)
				}
			}
			// Retained samples are the tail of the inserted sequence.
			tail := inserted[len(inserted)-len(samples):]
			require.Equal(t, tail, samples)

			lo, hi := w.MinMax()
			require.NotNil(t, lo)
			assert.Contains(t, w.Values(), *lo)
			assert.Contains(t, w.Values(), *hi)
			assert.LessOrEqual(t, *lo, *hi)
		}
	}
}

func TestWindow_CompactsBackingSlice(t *testing.T) {
	w := NewWindow(time.Second)
	for i := 0; i < 5000; i++ {
		require.NoError(t, w.Insert(float64(i), t0.Add(time.Duration(i)*10*time.Millisecond)))
	}
	assert.Equal(t, 101, w.Len())
	assert.Less(t, len(w.samples), 2*compactThreshold+101)
	values := w.Values()
	assert.Equal(t, 4899.0, values[0])
	assert.Equal(t, 4999.0, values[len(values)-1])
}

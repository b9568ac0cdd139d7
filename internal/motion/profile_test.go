package motion

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newProfile(t *testing.T) *JerkLimitedProfile {
	t.Helper()
	p, err := NewJerkLimitedProfile(50, 5, 10)
	require.NoError(t, err)
	return p
}

func TestProfile_FirstUpdateOnlyRecordsTime(t *testing.T) {
	p := newProfile(t)
	assert.Equal(t, 0.0, p.Update(20, t0))
	assert.Equal(t, 0.0, p.Acceleration())

	v := p.Update(20, t0.Add(100*time.Millisecond))
	assert.Greater(t, v, 0.0)
	assert.InDelta(t, 1.0, p.Acceleration(), 1e-12, "jerk 10 for 0.1s")
}

func TestProfile_ReachesTargetWithoutOvershoot(t *testing.T) {
	p := newProfile(t)
	now := t0
	p.Update(20, now)

	prev := 0.0
	reached := false
	for i := 0; i < 60*30; i++ {
		now = now.Add(16 * time.Millisecond)
		v := p.Update(20, now)
		require.LessOrEqual(t, v, 20.0)
		require.GreaterOrEqual(t, v, prev, "monotone ramp toward a fixed target")
		prev = v
		if v == 20 && p.Acceleration() == 0 {
			reached = true
			break
		}
	}
	assert.True(t, reached, "settled at %v with a=%v", p.Velocity(), p.Acceleration())
}

func TestProfile_RampsDownAndReverses(t *testing.T) {
	p := newProfile(t)
	now := t0
	p.Update(10, now)
	for i := 0; i < 2000; i++ {
		now = now.Add(16 * time.Millisecond)
		p.Update(10, now)
	}
	require.Equal(t, 10.0, p.Velocity())

	for i := 0; i < 4000; i++ {
		now = now.Add(16 * time.Millisecond)
		v := p.Update(-10, now)
		require.GreaterOrEqual(t, v, -10.0)
	}
	assert.Equal(t, -10.0, p.Velocity())
}

func TestProfile_TargetClampedToMaxV(t *testing.T) {
	p, err := NewJerkLimitedProfile(1, 5, 50)
	require.NoError(t, err)
	now := t0
	p.Update(100, now)
	for i := 0; i < 1000; i++ {
		now = now.Add(16 * time.Millisecond)
		require.LessOrEqual(t, p.Update(100, now), 1.0)
	}
	assert.Equal(t, 1.0, p.Velocity())
}

// Random targets and tick spacings never violate the velocity, acceleration
// or jerk limits.
func TestProfile_LimitsHold(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 20; trial++ {
		maxV := 1 + rng.Float64()*100
		maxA := 0.5 + rng.Float64()*20
		maxJ := 0.5 + rng.Float64()*50
		p, err := NewJerkLimitedProfile(maxV, maxA, maxJ)
		require.NoError(t, err)

		now := t0
		p.Update(0, now)
		target := 0.0
		for i := 0; i < 5000; i++ {
			if rng.IntN(200) == 0 {
				target = (rng.Float64()*2 - 1) * maxV * 1.5
			}
			dt := time.Duration(1+rng.IntN(50)) * time.Millisecond
			now = now.Add(dt)
			prevA := p.Acceleration()
			v := p.Update(target, now)

			const eps = 1e-9
			require.LessOrEqual(t, math.Abs(v), maxV+eps)
			require.LessOrEqual(t, math.Abs(p.Acceleration()), maxA+eps)
			require.LessOrEqual(t, math.Abs(p.Acceleration()-prevA), maxJ*dt.Seconds()+eps)
		}
	}
}

func TestProfile_IgnoresNaNAndNonAdvancingTime(t *testing.T) {
	p := newProfile(t)
	p.Update(10, t0)
	v := p.Update(10, t0.Add(time.Second))
	assert.Equal(t, v, p.Update(math.NaN(), t0.Add(2*time.Second)))
	assert.Equal(t, v, p.Update(10, t0.Add(time.Second)), "time did not advance")
}

func TestProfile_Reset(t *testing.T) {
	p := newProfile(t)
	p.Update(10, t0)
	p.Update(10, t0.Add(time.Second))
	require.NotZero(t, p.Velocity())

	p.Reset()
	assert.Zero(t, p.Velocity())
	assert.Zero(t, p.Acceleration())
	assert.Zero(t, p.Update(10, t0.Add(5*time.Second)), "first update after reset only records time")
}

func TestProfile_SetLimits(t *testing.T) {
	_, err := NewJerkLimitedProfile(0, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLimits)
	_, err = NewJerkLimitedProfile(1, math.Inf(1), 1)
	assert.ErrorIs(t, err, ErrInvalidLimits)
	_, err = NewJerkLimitedProfile(1, 1, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidLimits)

	p := newProfile(t)
	now := t0
	p.Update(40, now)
	for i := 0; i < 1000; i++ {
		now = now.Add(16 * time.Millisecond)
		p.Update(40, now)
	}
	require.NoError(t, p.SetLimits(20, 5, 10))
	assert.Equal(t, 20.0, p.Velocity())
	maxV, maxA, maxJ := p.Limits()
	assert.Equal(t, []float64{20, 5, 10}, []float64{maxV, maxA, maxJ})

	assert.ErrorIs(t, p.SetLimits(-1, 5, 10), ErrInvalidLimits)
	maxV, _, _ = p.Limits()
	assert.Equal(t, 20.0, maxV, "rejected limits leave the profile unchanged")
}

// Package motion shapes velocity setpoints for the puller drive and converts
// between the filament's linear speed and the drive's rotation.
package motion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidLimits is returned for non-positive or non-finite limits.
var ErrInvalidLimits = errors.New("motion limits must be positive and finite")

// JerkLimitedProfile tracks a velocity target with bounded acceleration and
// bounded rate of change of acceleration. Units are whatever the caller uses
// consistently (the puller uses m/min, m/min/s and m/min/s²).
//
// Not safe for concurrent use.
type JerkLimitedProfile struct {
	maxV, maxA, maxJ float64

	v, a    float64
	last    time.Time
	started bool
}

// NewJerkLimitedProfile returns a profile at rest.
func NewJerkLimitedProfile(maxV, maxA, maxJ float64) (*JerkLimitedProfile, error) {
	p := &JerkLimitedProfile{}
	if err := p.SetLimits(maxV, maxA, maxJ); err != nil {
		return nil, err
	}
	return p, nil
}

// SetLimits replaces all three limits. The current velocity and acceleration
// are clamped into the new bounds.
func (p *JerkLimitedProfile) SetLimits(maxV, maxA, maxJ float64) error {
	for _, v := range []float64{maxV, maxA, maxJ} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: v=%v a=%v j=%v", ErrInvalidLimits, maxV, maxA, maxJ)
		}
	}
	p.maxV, p.maxA, p.maxJ = maxV, maxA, maxJ
	p.v = clamp(p.v, -maxV, maxV)
	p.a = clamp(p.a, -maxA, maxA)
	return nil
}

// Limits returns the configured maxima.
func (p *JerkLimitedProfile) Limits() (maxV, maxA, maxJ float64) {
	return p.maxV, p.maxA, p.maxJ
}

// Update advances the profile to time t toward target and returns the new
// velocity. The first call only records t.
func (p *JerkLimitedProfile) Update(target float64, t time.Time) float64 {
	if !p.started {
		p.started = true
		p.last = t
		return p.v
	}
	dt := t.Sub(p.last).Seconds()
	p.last = t
	if dt <= 0 || math.IsNaN(target) {
		return p.v
	}

	target = clamp(target, -p.maxV, p.maxV)
	gap := target - p.v
	step := p.maxJ * dt

	if gap == 0 {
		// On target: hold velocity and let acceleration decay.
		p.a = approach(p.a, 0, step)
		return p.v
	}

	// The largest acceleration from which we can still brake to zero at the
	// jerk limit before covering the remaining gap.
	want := math.Copysign(math.Min(p.maxA, math.Sqrt(2*p.maxJ*math.Abs(gap))), gap)
	p.a = approach(p.a, want, step)

	next := p.v + p.a*dt
	if (gap > 0 && next > target) || (gap < 0 && next < target) {
		next = target
	}
	p.v = clamp(next, -p.maxV, p.maxV)
	return p.v
}

// Reset brings the profile to rest and forgets the last update time.
func (p *JerkLimitedProfile) Reset() {
	p.v, p.a = 0, 0
	p.started = false
	p.last = time.Time{}
}

// Velocity is the current output.
func (p *JerkLimitedProfile) Velocity() float64 { return p.v }

// Acceleration is the current acceleration.
func (p *JerkLimitedProfile) Acceleration() float64 { return p.a }

func approach(from, to, step float64) float64 {
	return from + clamp(to-from, -step, step)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

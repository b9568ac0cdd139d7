// Package control holds the small discrete-time building blocks used by the
// diameter regulator.
package control

import (
	"math"
	"time"
)

// PID is a discrete PID controller acting on an error signal. The derivative
// is taken on the error and is zero on the first update after a reset.
//
// Not safe for concurrent use.
type PID struct {
	Kp, Ki, Kd float64

	// IntegralLimit clamps the accumulated integral to ±IntegralLimit.
	// Zero means unbounded.
	IntegralLimit float64
	// OutputLimit clamps the output to ±OutputLimit. Zero means unbounded.
	OutputLimit float64

	integral  float64
	prevError float64
	havePrev  bool
}

func NewPID(kp, ki, kd float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd}
}

// Update feeds one error sample observed dt after the previous one and
// returns the control output. A non-positive dt contributes only the
// proportional term.
func (p *PID) Update(err float64, dt time.Duration) float64 {
	if math.IsNaN(err) || math.IsInf(err, 0) {
		return 0
	}
	sec := dt.Seconds()
	if sec <= 0 {
		return p.limitOutput(p.Kp*err + p.Ki*p.integral)
	}

	p.integral += err * sec
	if p.IntegralLimit > 0 {
		p.integral = math.Max(-p.IntegralLimit, math.Min(p.IntegralLimit, p.integral))
	}

	derivative := 0.0
	if p.havePrev {
		derivative = (err - p.prevError) / sec
	}
	p.prevError = err
	p.havePrev = true

	return p.limitOutput(p.Kp*err + p.Ki*p.integral + p.Kd*derivative)
}

func (p *PID) limitOutput(out float64) float64 {
	if p.OutputLimit > 0 {
		return math.Max(-p.OutputLimit, math.Min(p.OutputLimit, out))
	}
	return out
}

// Reset clears the integral and derivative history.
func (p *PID) Reset() {
	p.integral = 0
	p.prevError = 0
	p.havePrev = false
}

// Integral returns the accumulated integral term (before Ki).
func (p *PID) Integral() float64 { return p.integral }

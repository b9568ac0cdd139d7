// Package regulator holds filament diameter on target by trimming the puller
// line speed and the extruder screw speed. Two PID loops run side by side,
// one on diameter error and one on volumetric flow error, and a strategy
// decides how their outputs are split between the two actuators.
package regulator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/extrusion.control/internal/control"
	"github.com/banshee-data/extrusion.control/internal/namespace"
)

// ErrInvalidTolerance is returned for negative or non-finite tolerances.
var ErrInvalidTolerance = errors.New("invalid diameter tolerance")

// Tuning constants.
const (
	DefaultTightTolerance = 0.02 // mm
	DefaultLooseTolerance = 0.05 // mm

	MinSpeedScale = 0.5
	MaxSpeedScale = 2.0

	// speedGain converts diameter correction into a fraction of line speed.
	speedGain = 0.1

	speedFilterAlpha  = 0.1
	volumeFilterAlpha = 0.15

	defaultTick = 16 * time.Millisecond
)

// Integral clamps for the two loops. They bound the correction that can
// build up while an actuator sits at its limit.
const (
	DefaultDiameterIntegralLimit = 1.0 // mm·s
	DefaultVolumeIntegralLimit   = 2.0 // cm³
)

// Strategy decides which actuator absorbs the correction.
type Strategy int

const (
	// WinderOnly trims line speed; the extruder is left alone.
	WinderOnly Strategy = iota
	// ExtruderOnly trims screw speed; line speed is left alone.
	ExtruderOnly
	// Balanced splits 60/40 between line speed and screw speed.
	Balanced
	// SpeedPrioritized keeps line speed steady and leans on the extruder.
	SpeedPrioritized
)

var strategyNames = [...]string{
	WinderOnly:       "winder_only",
	ExtruderOnly:     "extruder_only",
	Balanced:         "balanced",
	SpeedPrioritized: "speed_prioritized",
}

func (s Strategy) String() string {
	if s >= 0 && int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy accepts the snake_case names from String as well as the
// CamelCase spelling, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	for i, n := range strategyNames {
		if key == strings.ReplaceAll(n, "_", "") {
			return Strategy(i), nil
		}
	}
	return Balanced, fmt.Errorf("unknown regulation strategy %q", name)
}

// coefficients returns the share of the diameter and volume corrections
// applied by s.
func (s Strategy) coefficients() (cv, cw float64) {
	switch s {
	case WinderOnly:
		return 1, 0
	case ExtruderOnly:
		return 0, 1
	case Balanced:
		return 0.6, 0.4
	case SpeedPrioritized:
		return 0.2, 0.8
	}
	return 0, 0
}

// mix turns the two PID outputs into a line speed adjustment (m/s) and a
// screw speed adjustment (rpm). A positive diameter correction means the
// filament is too thin, so the puller slows down.
func (s Strategy) mix(uD, uQ, lineSpeed float64, m Model) (dv, dw float64) {
	cv, cw := s.coefficients()
	if cv != 0 {
		dv = -(cv * uD) * speedGain * lineSpeed
	}
	if cw != 0 {
		dw = m.RequiredRPM(cw * uQ)
	}
	return dv, dw
}

// Output is one tick's result. Adjustments are offsets from the operator's
// base setpoints.
type Output struct {
	SpeedAdjustment   float64 // m/s
	RPMAdjustment     float64 // rpm
	DiameterError     float64 // mm, target minus measured
	VolumeError       float64 // cm³/s, target minus current
	InTolerance       bool
	InTightTolerance  bool
	CurrentVolumeRate float64 // cm³/s
	TargetVolumeRate  float64 // cm³/s
	SpeedScale        float64
}

// Event returns the wire form of o.
func (o Output) Event() namespace.RegulatorOutput {
	return namespace.RegulatorOutput{
		SpeedAdjustmentMPS:    o.SpeedAdjustment,
		RPMAdjustment:         o.RPMAdjustment,
		DiameterErrorMM:       o.DiameterError,
		VolumeErrorCM3S:       o.VolumeError,
		InTolerance:           o.InTolerance,
		InTightTolerance:      o.InTightTolerance,
		CurrentVolumeRateCM3S: o.CurrentVolumeRate,
		TargetVolumeRateCM3S:  o.TargetVolumeRate,
		SpeedScale:            o.SpeedScale,
	}
}

// Diagnostics is a snapshot of the regulator's internal state.
type Diagnostics struct {
	TargetDiameter    float64  `json:"target_diameter_mm"`
	CurrentDiameter   float64  `json:"current_diameter_mm"`
	TargetVolumeRate  float64  `json:"target_volume_rate_cm3s"`
	CurrentVolumeRate float64  `json:"current_volume_rate_cm3s"`
	DiameterError     float64  `json:"diameter_error_mm"`
	Strategy          Strategy `json:"-"`
	StrategyName      string   `json:"strategy"`
	Enabled           bool     `json:"enabled"`
	SpeedScale        float64  `json:"speed_scale"`
	InTolerance       bool     `json:"in_tolerance"`
	InTightTolerance  bool     `json:"in_tight_tolerance"`
	DiameterIntegral  float64  `json:"diameter_integral"`
	VolumeIntegral    float64  `json:"volume_integral"`
}

// Config seeds a Regulator. Zero values select the defaults.
type Config struct {
	TargetDiameter    float64 // mm
	ScrewDisplacement float64 // cm³/rev
	TightTolerance    float64 // mm
	LooseTolerance    float64 // mm
	Strategy          Strategy

	DiameterIntegralLimit float64 // mm·s
	VolumeIntegralLimit   float64 // cm³
}

// Regulator is the dual-loop diameter controller. It starts disabled with a
// speed scale of 1.
//
// Not safe for concurrent use.
type Regulator struct {
	model Model

	pidD, pidQ   *control.PID
	filtV, filtQ *control.LowPass
	targetD      float64
	measuredD    float64
	targetQ      float64
	currentQ     float64
	strategy     Strategy
	enabled      bool
	speedScale   float64
	tight, loose float64
	last         time.Time
	haveLast     bool
}

// New returns a disabled Regulator. Tolerances and integral limits must be
// finite and non-negative.
func New(cfg Config) (*Regulator, error) {
	for name, v := range map[string]float64{
		"diameter integral limit": cfg.DiameterIntegralLimit,
		"volume integral limit":   cfg.VolumeIntegralLimit,
	} {
		if !nonNegative(v) {
			return nil, fmt.Errorf("invalid %s: %v", name, v)
		}
	}
	if !nonNegative(cfg.TightTolerance) || !nonNegative(cfg.LooseTolerance) {
		return nil, fmt.Errorf("%w: tight=%v loose=%v", ErrInvalidTolerance, cfg.TightTolerance, cfg.LooseTolerance)
	}

	r := &Regulator{
		model:      Model{ScrewDisplacement: cfg.ScrewDisplacement},
		pidD:       control.NewPID(2.0, 0.1, 0.05),
		pidQ:       control.NewPID(1.5, 0.08, 0.02),
		filtV:      control.NewLowPass(speedFilterAlpha),
		filtQ:      control.NewLowPass(volumeFilterAlpha),
		targetD:    cfg.TargetDiameter,
		strategy:   cfg.Strategy,
		speedScale: 1,
		tight:      DefaultTightTolerance,
		loose:      DefaultLooseTolerance,
	}
	if r.model.ScrewDisplacement <= 0 {
		r.model.ScrewDisplacement = DefaultScrewDisplacement
	}
	r.pidD.IntegralLimit = cfg.DiameterIntegralLimit
	if r.pidD.IntegralLimit == 0 {
		r.pidD.IntegralLimit = DefaultDiameterIntegralLimit
	}
	r.pidQ.IntegralLimit = cfg.VolumeIntegralLimit
	if r.pidQ.IntegralLimit == 0 {
		r.pidQ.IntegralLimit = DefaultVolumeIntegralLimit
	}

	if cfg.TightTolerance > 0 || cfg.LooseTolerance > 0 {
		tight, loose := cfg.TightTolerance, cfg.LooseTolerance
		if tight <= 0 {
			tight = math.Min(DefaultTightTolerance, loose)
		}
		if loose <= 0 {
			loose = math.Max(DefaultLooseTolerance, tight)
		}
		if err := r.SetTolerances(tight, loose); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Model returns the physical model in use.
func (r *Regulator) Model() Model { return r.model }

// Update runs one regulation step at time t given the current screw speed
// (rpm) and line speed (m/s). A disabled regulator returns a zero Output and
// leaves its loops untouched.
func (r *Regulator) Update(t time.Time, extruderRPM, lineSpeed float64) Output {
	if !r.enabled {
		return Output{}
	}

	dt := defaultTick
	if r.haveLast {
		dt = t.Sub(r.last)
	}
	r.last, r.haveLast = t, true

	if math.IsNaN(lineSpeed) || lineSpeed < 0 {
		lineSpeed = 0
	}
	if math.IsNaN(extruderRPM) {
		extruderRPM = 0
	}

	r.currentQ = r.model.VolumeRateFromRPM(extruderRPM)
	r.targetQ = 0
	if r.targetD > 0 {
		r.targetQ = RequiredVolumeRate(r.targetD, lineSpeed*r.speedScale)
	}

	eD := r.targetD - r.measuredD
	eQ := r.targetQ - r.currentQ

	uD := r.pidD.Update(eD, dt)
	uQ := r.pidQ.Update(eQ, dt)

	dv, dw := r.strategy.mix(uD, uQ, lineSpeed, r.model)

	return Output{
		SpeedAdjustment:   r.filtV.Apply(dv),
		RPMAdjustment:     r.filtQ.Apply(dw),
		DiameterError:     eD,
		VolumeError:       eQ,
		InTolerance:       r.InTolerance(),
		InTightTolerance:  r.InTightTolerance(),
		CurrentVolumeRate: r.currentQ,
		TargetVolumeRate:  r.targetQ,
		SpeedScale:        r.speedScale,
	}
}

// SetMeasuredDiameter records the latest measured diameter in mm.
func (r *Regulator) SetMeasuredDiameter(mm float64) {
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return
	}
	r.measuredD = mm
}

// SetEnabled switches regulation on or off. Switching off clears both loops,
// both filters and the tick history.
func (r *Regulator) SetEnabled(enabled bool) {
	r.enabled = enabled
	if !enabled {
		r.reset()
	}
}

func (r *Regulator) reset() {
	r.pidD.Reset()
	r.pidQ.Reset()
	r.filtV.Reset()
	r.filtQ.Reset()
	r.haveLast = false
	r.last = time.Time{}
}

// SetTargetDiameter changes the setpoint and clears the diameter loop.
func (r *Regulator) SetTargetDiameter(mm float64) {
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return
	}
	r.targetD = mm
	r.pidD.Reset()
}

// SetStrategy changes how corrections are split. Loop state is kept.
func (r *Regulator) SetStrategy(s Strategy) { r.strategy = s }

// SetSpeedScale sets the process speed factor, clamped to [0.5, 2.0]. NaN is
// ignored.
func (r *Regulator) SetSpeedScale(x float64) {
	if math.IsNaN(x) {
		return
	}
	r.speedScale = math.Max(MinSpeedScale, math.Min(MaxSpeedScale, x))
}

// SetTolerances sets the tight and loose bands in mm. Reversed arguments are
// swapped so that tight never exceeds loose.
func (r *Regulator) SetTolerances(tight, loose float64) error {
	for _, v := range []float64{tight, loose} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: tight=%v loose=%v", ErrInvalidTolerance, tight, loose)
		}
	}
	if tight > loose {
		tight, loose = loose, tight
	}
	r.tight, r.loose = tight, loose
	return nil
}

// InTolerance reports |measured − target| ≤ loose tolerance.
func (r *Regulator) InTolerance() bool { return math.Abs(r.measuredD-r.targetD) <= r.loose }

// InTightTolerance reports |measured − target| ≤ tight tolerance.
func (r *Regulator) InTightTolerance() bool { return math.Abs(r.measuredD-r.targetD) <= r.tight }

func (r *Regulator) Enabled() bool           { return r.enabled }
func (r *Regulator) Strategy() Strategy      { return r.strategy }
func (r *Regulator) SpeedScale() float64     { return r.speedScale }
func (r *Regulator) TargetDiameter() float64 { return r.targetD }

// Tolerances returns the tight and loose bands in mm.
func (r *Regulator) Tolerances() (tight, loose float64) { return r.tight, r.loose }

// Diagnostics returns a snapshot of the regulator state.
func (r *Regulator) Diagnostics() Diagnostics {
	return Diagnostics{
		TargetDiameter:    r.targetD,
		CurrentDiameter:   r.measuredD,
		TargetVolumeRate:  r.targetQ,
		CurrentVolumeRate: r.currentQ,
		DiameterError:     r.targetD - r.measuredD,
		Strategy:          r.strategy,
		StrategyName:      r.strategy.String(),
		Enabled:           r.enabled,
		SpeedScale:        r.speedScale,
		InTolerance:       r.InTolerance(),
		InTightTolerance:  r.InTightTolerance(),
		DiameterIntegral:  r.pidD.Integral(),
		VolumeIntegral:    r.pidQ.Integral(),
	}
}

// State returns the configuration in its wire form.
func (r *Regulator) State() namespace.RegulatorState {
	return namespace.RegulatorState{
		Enabled:          r.enabled,
		Strategy:         r.strategy.String(),
		SpeedScale:       r.speedScale,
		TargetDiameterMM: r.targetD,
		TightToleranceMM: r.tight,
		LooseToleranceMM: r.loose,
	}
}

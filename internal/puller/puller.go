// Package puller drives the haul-off rollers that draw filament from the die.
// It turns a speed or diameter setpoint into a jerk-limited rotation command.
package puller

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/extrusion.control/internal/motion"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/units"
)

// NominalVolumeRate is the melt flow assumed by Diameter mode, in m³/s
// (0.5 cm³/s).
const NominalVolumeRate = 0.5e-6

// Motion limits used when Config leaves them unset.
const (
	DefaultMaxSpeed        = 50.0 // m/min
	DefaultMaxAcceleration = 5.0  // m/min/s
	DefaultMaxJerk         = 10.0 // m/min/s²
)

// RegulationMode selects where the puller's speed setpoint comes from.
type RegulationMode int

const (
	// Speed follows the operator's target speed (plus regulator corrections).
	Speed RegulationMode = iota
	// Diameter derives speed from the target diameter and a nominal flow.
	Diameter
)

func (m RegulationMode) String() string {
	switch m {
	case Speed:
		return "speed"
	case Diameter:
		return "diameter"
	}
	return fmt.Sprintf("RegulationMode(%d)", int(m))
}

// ParseRegulationMode accepts the names produced by String, case-insensitively.
func ParseRegulationMode(s string) (RegulationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "speed":
		return Speed, nil
	case "diameter":
		return Diameter, nil
	}
	return Speed, fmt.Errorf("unknown puller regulation mode %q", s)
}

// Config seeds a Controller. Zero motion limits select the defaults.
type Config struct {
	TargetSpeed     float64 // m/min
	TargetDiameter  float64 // mm
	Converter       motion.LinearRotaryConverter
	MaxSpeed        float64
	MaxAcceleration float64
	MaxJerk         float64
}

// Controller is the puller state machine. It starts disabled, in Speed mode,
// running forward.
//
// Not safe for concurrent use.
type Controller struct {
	enabled        bool
	targetSpeed    float64
	targetDiameter float64
	mode           RegulationMode
	forward        bool
	lastSpeed      float64

	profile   *motion.JerkLimitedProfile
	converter motion.LinearRotaryConverter
}

func NewController(cfg Config) (*Controller, error) {
	maxV, maxA, maxJ := cfg.MaxSpeed, cfg.MaxAcceleration, cfg.MaxJerk
	if maxV == 0 {
		maxV = DefaultMaxSpeed
	}
	if maxA == 0 {
		maxA = DefaultMaxAcceleration
	}
	if maxJ == 0 {
		maxJ = DefaultMaxJerk
	}
	profile, err := motion.NewJerkLimitedProfile(maxV, maxA, maxJ)
	if err != nil {
		return nil, fmt.Errorf("puller motion profile: %w", err)
	}
	if cfg.Converter.Radius <= 0 || cfg.Converter.StepsPerRevolution <= 0 {
		return nil, fmt.Errorf("puller converter: %w", motion.ErrInvalidGeometry)
	}
	return &Controller{
		targetSpeed:    cfg.TargetSpeed,
		targetDiameter: cfg.TargetDiameter,
		mode:           Speed,
		forward:        true,
		profile:        profile,
		converter:      cfg.Converter,
	}, nil
}

// Tick advances the motion profile to t and returns the commanded rotation in
// rpm. Disabling ramps the rollers down rather than stopping them dead.
func (c *Controller) Tick(t time.Time) float64 {
	speed := 0.0
	if c.enabled {
		switch c.mode {
		case Speed:
			speed = c.targetSpeed
		case Diameter:
			speed = SpeedForDiameter(c.targetDiameter)
		}
	}
	if !c.forward {
		speed = -speed
	}
	c.lastSpeed = c.profile.Update(speed, t)
	return c.converter.LinearToAngular(c.lastSpeed)
}

// SpeedForDiameter returns the line speed in m/min at which NominalVolumeRate
// produces filament of diameter mm. It is 0 for a non-positive diameter.
func SpeedForDiameter(mm float64) float64 {
	if !(mm > 0) || math.IsInf(mm, 0) {
		return 0
	}
	area := units.CircleArea(units.MMToM(mm)) // m²
	return units.MPSToMPM(NominalVolumeRate / area)
}

func (c *Controller) SetEnabled(enabled bool)            { c.enabled = enabled }
func (c *Controller) SetTargetSpeed(mpm float64)         { c.targetSpeed = mpm }
func (c *Controller) SetTargetDiameter(mm float64)       { c.targetDiameter = mm }
func (c *Controller) SetRegulationMode(m RegulationMode) { c.mode = m }
func (c *Controller) SetForward(forward bool)            { c.forward = forward }

func (c *Controller) Enabled() bool                  { return c.enabled }
func (c *Controller) TargetSpeed() float64           { return c.targetSpeed }
func (c *Controller) TargetDiameter() float64        { return c.targetDiameter }
func (c *Controller) RegulationMode() RegulationMode { return c.mode }
func (c *Controller) Forward() bool                  { return c.forward }

// LastSpeed is the signed line speed, in m/min, produced by the last Tick.
func (c *Controller) LastSpeed() float64 { return c.lastSpeed }

// Converter returns the roller geometry.
func (c *Controller) Converter() motion.LinearRotaryConverter { return c.converter }

// SpeedToAngular converts a line speed in m/min to roller rpm.
func (c *Controller) SpeedToAngular(mpm float64) float64 { return c.converter.LinearToAngular(mpm) }

// AngularToSpeed converts roller rpm to line speed in m/min.
func (c *Controller) AngularToSpeed(rpm float64) float64 { return c.converter.AngularToLinear(rpm) }

// State returns the wire form published on the namespace.
func (c *Controller) State() namespace.PullerState {
	return namespace.PullerState{
		Enabled:          c.enabled,
		Mode:             c.mode.String(),
		Forward:          c.forward,
		TargetSpeedMPM:   c.targetSpeed,
		TargetDiameterMM: c.targetDiameter,
		LastSpeedMPM:     c.lastSpeed,
	}
}

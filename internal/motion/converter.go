package motion

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned for a non-positive radius or step count.
var ErrInvalidGeometry = errors.New("invalid drive geometry")

// LinearRotaryConverter maps the linear surface speed of a driven roller to
// its rotation. Linear speeds are in m/min, rotation in rpm.
type LinearRotaryConverter struct {
	Radius             float64 // m
	StepsPerRevolution float64
}

// NewLinearRotaryConverter validates the geometry. Methods on a converter
// built this way are total.
func NewLinearRotaryConverter(radius, stepsPerRevolution float64) (LinearRotaryConverter, error) {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return LinearRotaryConverter{}, fmt.Errorf("%w: radius %v m", ErrInvalidGeometry, radius)
	}
	if !(stepsPerRevolution > 0) || math.IsInf(stepsPerRevolution, 0) {
		return LinearRotaryConverter{}, fmt.Errorf("%w: %v steps per revolution", ErrInvalidGeometry, stepsPerRevolution)
	}
	return LinearRotaryConverter{Radius: radius, StepsPerRevolution: stepsPerRevolution}, nil
}

// NewLinearRotaryConverterFromDiameter is a convenience for roller specs given
// by diameter.
func NewLinearRotaryConverterFromDiameter(diameter, stepsPerRevolution float64) (LinearRotaryConverter, error) {
	return NewLinearRotaryConverter(diameter/2, stepsPerRevolution)
}

func (c LinearRotaryConverter) circumference() float64 { return 2 * math.Pi * c.Radius }

// LinearToAngular converts m/min to rpm.
func (c LinearRotaryConverter) LinearToAngular(v float64) float64 { return v / c.circumference() }

// AngularToLinear converts rpm to m/min.
func (c LinearRotaryConverter) AngularToLinear(rpm float64) float64 { return rpm * c.circumference() }

// AngularToSteps converts rpm to steps per second.
func (c LinearRotaryConverter) AngularToSteps(rpm float64) float64 {
	return rpm / 60 * c.StepsPerRevolution
}

// StepsToAngular converts steps per second to rpm.
func (c LinearRotaryConverter) StepsToAngular(stepsPerSecond float64) float64 {
	return stepsPerSecond * 60 / c.StepsPerRevolution
}

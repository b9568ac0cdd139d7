// Package units provides shared constants and conversions for the physical
// quantities exchanged between the laser, the regulator and the actuators.
//
// The control core keeps plain float64 values; the unit is part of every
// identifier (diameterMM, speedMPM, rateCM3S) and conversions happen here.
package units

import "math"

// Speed unit constants accepted by the API.
const (
	MPS  = "mps"  // metres per second
	MPM  = "mpm"  // metres per minute
	MMPS = "mmps" // millimetres per second
	CMPS = "cmps" // centimetres per second
)

// ValidSpeedUnits contains all valid speed unit values
var ValidSpeedUnits = []string{MPS, MPM, MMPS, CMPS}

// IsValidSpeedUnit checks if the given unit is in the list of valid units
func IsValidSpeedUnit(unit string) bool {
	for _, validUnit := range ValidSpeedUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidSpeedUnitsString returns a comma-separated string of valid units for error messages
func GetValidSpeedUnitsString() string {
	return "mps, mpm, mmps, cmps"
}

// ConvertSpeed converts a speed from metres per minute (the puller's native
// unit) to the target units.
func ConvertSpeed(speedMPM float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return MPMToMPS(speedMPM)
	case MMPS:
		return MPMToMPS(speedMPM) * 1000
	case CMPS:
		return MPMToMPS(speedMPM) * 100
	default:
		return speedMPM
	}
}

// MPMToMPS converts metres per minute to metres per second.
func MPMToMPS(v float64) float64 { return v / 60 }

// MPSToMPM converts metres per second to metres per minute.
func MPSToMPM(v float64) float64 { return v * 60 }

// MPSToCMPS converts metres per second to centimetres per second.
func MPSToCMPS(v float64) float64 { return v * 100 }

// MMToCM converts millimetres to centimetres.
func MMToCM(d float64) float64 { return d / 10 }

// CMToMM converts centimetres to millimetres.
func CMToMM(d float64) float64 { return d * 10 }

// MMToM converts millimetres to metres.
func MMToM(d float64) float64 { return d / 1000 }

// CM3ToM3 converts cubic centimetres to cubic metres.
func CM3ToM3(v float64) float64 { return v * 1e-6 }

// RPMToRadPerSec converts revolutions per minute to radians per second.
func RPMToRadPerSec(rpm float64) float64 { return rpm * 2 * math.Pi / 60 }

// RadPerSecToRPM converts radians per second to revolutions per minute.
func RadPerSecToRPM(w float64) float64 { return w * 60 / (2 * math.Pi) }

// CircleArea returns the area of a circle with the given diameter, in the
// square of the diameter's unit.
func CircleArea(diameter float64) float64 {
	r := diameter / 2
	return math.Pi * r * r
}

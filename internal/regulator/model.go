package regulator

import (
	"math"

	"github.com/banshee-data/extrusion.control/internal/units"
)

// DefaultScrewDisplacement is the melt volume delivered per screw revolution,
// in cm³/rev, for a small single-screw extruder.
const DefaultScrewDisplacement = 0.5

// Model relates screw speed, volumetric flow, line speed and filament
// diameter. Flow is in cm³/s, diameters in mm, line speed in m/s.
type Model struct {
	ScrewDisplacement float64 // cm³/rev
}

// VolumeRateFromRPM is the flow delivered by the screw at rpm.
func (m Model) VolumeRateFromRPM(rpm float64) float64 {
	return rpm * m.ScrewDisplacement / 60
}

// RequiredRPM is the screw speed that delivers flow q.
func (m Model) RequiredRPM(q float64) float64 {
	if m.ScrewDisplacement <= 0 {
		return 0
	}
	return q * 60 / m.ScrewDisplacement
}

// RequiredVolumeRate is the flow needed to draw filament of diameter d at
// line speed v.
func RequiredVolumeRate(d, v float64) float64 {
	return units.CircleArea(units.MMToCM(d)) * units.MPSToCMPS(v)
}

// ExpectedDiameter is the filament diameter produced by flow q drawn at line
// speed v. It is 0 when the line is not moving forward.
func ExpectedDiameter(q, v float64) float64 {
	cmps := units.MPSToCMPS(v)
	if !(cmps > 0) || !(q > 0) {
		return 0
	}
	return units.CMToMM(2 * math.Sqrt(q/(math.Pi*cmps)))
}

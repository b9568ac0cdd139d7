package machine

import (
	"fmt"

	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
)

// Grouped updates change several settings at once. Every field is checked
// before any is applied, so a rejected update leaves the machine, the store
// and the namespace untouched. Nil fields are left as they are.

// LaserUpdate changes the laser target.
type LaserUpdate struct {
	TargetDiameter   *float64 // mm
	LowerTolerance   *float64 // mm
	HigherTolerance  *float64 // mm
	TimeframeMinutes *uint64
}

func (u LaserUpdate) Empty() bool {
	return u.TargetDiameter == nil && u.LowerTolerance == nil && u.HigherTolerance == nil && u.TimeframeMinutes == nil
}

// UpdateLaser applies u. The merged target must pass diameter.Target.Validate.
func (m *Machine) UpdateLaser(u LaserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.aggregator.Target()
	if u.TargetDiameter != nil {
		next.TargetDiameter = *u.TargetDiameter
	}
	if u.LowerTolerance != nil {
		next.LowerTolerance = *u.LowerTolerance
	}
	if u.HigherTolerance != nil {
		next.HigherTolerance = *u.HigherTolerance
	}
	if u.TimeframeMinutes != nil {
		next.TimeframeMinutes = *u.TimeframeMinutes
	}
	if err := next.Validate(); err != nil {
		return err
	}

	if u.TargetDiameter != nil {
		if err := m.setTargetDiameter(*u.TargetDiameter); err != nil {
			return err
		}
	}
	if u.LowerTolerance != nil {
		if err := m.setLowerTolerance(*u.LowerTolerance); err != nil {
			return err
		}
	}
	if u.HigherTolerance != nil {
		if err := m.setHigherTolerance(*u.HigherTolerance); err != nil {
			return err
		}
	}
	if u.TimeframeMinutes != nil {
		if err := m.setMinMaxTimeframe(*u.TimeframeMinutes); err != nil {
			return err
		}
	}
	return nil
}

// RegulatorUpdate changes the regulator. The tolerances are set as a pair.
type RegulatorUpdate struct {
	Enabled        *bool
	Strategy       *regulator.Strategy
	SpeedScale     *float64
	TightTolerance *float64 // mm
	LooseTolerance *float64 // mm
}

func (u RegulatorUpdate) Empty() bool {
	return u.Enabled == nil && u.Strategy == nil && u.SpeedScale == nil &&
		u.TightTolerance == nil && u.LooseTolerance == nil
}

// UpdateRegulator applies u. Enabling happens last so the loops start with
// the new parameters.
func (m *Machine) UpdateRegulator(u RegulatorUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Strategy != nil {
		if err := checkStrategy(*u.Strategy); err != nil {
			return err
		}
	}
	if u.SpeedScale != nil {
		if err := checkSpeedScale(*u.SpeedScale); err != nil {
			return err
		}
	}
	if (u.TightTolerance == nil) != (u.LooseTolerance == nil) {
		return fmt.Errorf("%w: tight and loose tolerances must be set together", ErrInvalidSetpoint)
	}
	if u.TightTolerance != nil {
		if err := checkTolerances(*u.TightTolerance, *u.LooseTolerance); err != nil {
			return err
		}
	}

	if u.Strategy != nil {
		m.setStrategy(*u.Strategy)
	}
	if u.SpeedScale != nil {
		m.setSpeedScale(*u.SpeedScale)
	}
	if u.TightTolerance != nil {
		if err := m.setTolerances(*u.TightTolerance, *u.LooseTolerance); err != nil {
			return err
		}
	}
	if u.Enabled != nil {
		m.setRegulationEnabled(*u.Enabled)
	}
	return nil
}

// PullerUpdate changes the puller. TargetSpeed is in m/min.
type PullerUpdate struct {
	Enabled     *bool
	TargetSpeed *float64
	Mode        *puller.RegulationMode
	Forward     *bool
}

func (u PullerUpdate) Empty() bool {
	return u.Enabled == nil && u.TargetSpeed == nil && u.Mode == nil && u.Forward == nil
}

// UpdatePuller applies u, enabling or disabling last.
func (m *Machine) UpdatePuller(u PullerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Mode != nil {
		if err := checkPullerMode(*u.Mode); err != nil {
			return err
		}
	}
	if u.TargetSpeed != nil {
		if err := checkPullerSpeed(*u.TargetSpeed); err != nil {
			return err
		}
	}

	if u.Mode != nil {
		m.setPullerMode(*u.Mode)
	}
	if u.TargetSpeed != nil {
		m.setPullerTargetSpeed(*u.TargetSpeed)
	}
	if u.Forward != nil {
		m.setPullerForward(*u.Forward)
	}
	if u.Enabled != nil {
		m.setPullerEnabled(*u.Enabled)
	}
	return nil
}

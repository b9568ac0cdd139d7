package machine

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/banshee-data/extrusion.control/internal/db"
	"github.com/banshee-data/extrusion.control/internal/diameter"
	"github.com/banshee-data/extrusion.control/internal/monitoring"
	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
)

// ErrInvalidSetpoint is returned for operator values outside their range.
// The machine state is left unchanged.
var ErrInvalidSetpoint = errors.New("invalid setpoint")

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// SetHigherTolerance sets the laser tolerance above target, in mm.
func (m *Machine) SetHigherTolerance(mm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setHigherTolerance(mm)
}

func (m *Machine) setHigherTolerance(mm float64) error {
	if err := m.aggregator.SetHigherTolerance(mm); err != nil {
		return err
	}
	m.persist("higher_tolerance_mm", formatFloat(mm))
	return nil
}

// SetLowerTolerance sets the laser tolerance below target, in mm.
func (m *Machine) SetLowerTolerance(mm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLowerTolerance(mm)
}

func (m *Machine) setLowerTolerance(mm float64) error {
	if err := m.aggregator.SetLowerTolerance(mm); err != nil {
		return err
	}
	m.persist("lower_tolerance_mm", formatFloat(mm))
	return nil
}

// SetTargetDiameter moves the laser target, the regulator setpoint and the
// puller's Diameter-mode target together.
func (m *Machine) SetTargetDiameter(mm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTargetDiameter(mm)
}

func (m *Machine) setTargetDiameter(mm float64) error {
	if err := m.aggregator.SetTargetDiameter(mm); err != nil {
		return err
	}
	m.regulator.SetTargetDiameter(mm)
	m.puller.SetTargetDiameter(mm)
	m.emitRegulatorState()
	m.emitPullerState()
	m.persist("target_diameter_mm", formatFloat(mm))
	return nil
}

// SetMinMaxTimeframe sets the rolling min/max timeframe in minutes.
func (m *Machine) SetMinMaxTimeframe(minutes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMinMaxTimeframe(minutes)
}

func (m *Machine) setMinMaxTimeframe(minutes uint64) error {
	if err := m.aggregator.SetTimeframeMinutes(minutes); err != nil {
		return err
	}
	m.persist("min_max_timeframe_minutes", strconv.FormatUint(minutes, 10))
	return nil
}

// SetRegulationEnabled switches closed-loop diameter regulation. Disabling
// clears the loop state and publishes a zero output; drives fall back to the
// base setpoints.
func (m *Machine) SetRegulationEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRegulationEnabled(enabled)
	return nil
}

func (m *Machine) setRegulationEnabled(enabled bool) {
	if enabled {
		m.regulator.SetEnabled(true)
	} else {
		m.disableRegulation()
	}
	m.emitRegulatorState()
	m.persist("regulation_enabled", strconv.FormatBool(enabled))
}

func (m *Machine) SetStrategy(s regulator.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkStrategy(s); err != nil {
		return err
	}
	m.setStrategy(s)
	return nil
}

func checkStrategy(s regulator.Strategy) error {
	if s < regulator.WinderOnly || s > regulator.SpeedPrioritized {
		return fmt.Errorf("%w: strategy %d", ErrInvalidSetpoint, int(s))
	}
	return nil
}

func (m *Machine) setStrategy(s regulator.Strategy) {
	m.regulator.SetStrategy(s)
	m.emitRegulatorState()
	m.persist("strategy", s.String())
}

// SetSpeedScale sets the regulator's process speed factor. Values are clamped
// to [0.5, 2.0]; NaN is rejected.
func (m *Machine) SetSpeedScale(x float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkSpeedScale(x); err != nil {
		return err
	}
	m.setSpeedScale(x)
	return nil
}

func checkSpeedScale(x float64) error {
	if math.IsNaN(x) {
		return fmt.Errorf("%w: speed scale NaN", ErrInvalidSetpoint)
	}
	return nil
}

func (m *Machine) setSpeedScale(x float64) {
	m.regulator.SetSpeedScale(x)
	m.emitRegulatorState()
	m.persist("speed_scale", formatFloat(m.regulator.SpeedScale()))
}

// SetTolerances sets the regulator's tight and loose bands in mm.
func (m *Machine) SetTolerances(tight, loose float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTolerances(tight, loose)
}

func checkTolerances(tight, loose float64) error {
	if !finite(tight) || !finite(loose) || tight < 0 || loose < 0 {
		return fmt.Errorf("%w: tight=%v loose=%v", regulator.ErrInvalidTolerance, tight, loose)
	}
	return nil
}

func (m *Machine) setTolerances(tight, loose float64) error {
	if err := m.regulator.SetTolerances(tight, loose); err != nil {
		return err
	}
	m.emitRegulatorState()
	t, l := m.regulator.Tolerances()
	m.persist("tolerances_mm", formatFloat(t)+","+formatFloat(l))
	return nil
}

func (m *Machine) SetPullerEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPullerEnabled(enabled)
	return nil
}

func (m *Machine) setPullerEnabled(enabled bool) {
	m.puller.SetEnabled(enabled)
	if enabled {
		m.stopped = false
	}
	m.emitPullerState()
	m.persist("puller_enabled", strconv.FormatBool(enabled))
}

// SetPullerTargetSpeed sets the base line speed in m/min.
func (m *Machine) SetPullerTargetSpeed(mpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkPullerSpeed(mpm); err != nil {
		return err
	}
	m.setPullerTargetSpeed(mpm)
	return nil
}

func checkPullerSpeed(mpm float64) error {
	if !finite(mpm) || mpm < 0 {
		return fmt.Errorf("%w: puller speed %v m/min", ErrInvalidSetpoint, mpm)
	}
	return nil
}

func (m *Machine) setPullerTargetSpeed(mpm float64) {
	m.baseSpeed = mpm
	m.puller.SetTargetSpeed(mpm)
	m.emitPullerState()
	m.persist("puller_target_speed_mpm", formatFloat(mpm))
}

func (m *Machine) SetPullerMode(mode puller.RegulationMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkPullerMode(mode); err != nil {
		return err
	}
	m.setPullerMode(mode)
	return nil
}

func checkPullerMode(mode puller.RegulationMode) error {
	if mode != puller.Speed && mode != puller.Diameter {
		return fmt.Errorf("%w: puller mode %d", ErrInvalidSetpoint, int(mode))
	}
	return nil
}

func (m *Machine) setPullerMode(mode puller.RegulationMode) {
	m.puller.SetRegulationMode(mode)
	m.emitPullerState()
	m.persist("puller_mode", mode.String())
}

func (m *Machine) SetPullerForward(forward bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPullerForward(forward)
	return nil
}

func (m *Machine) setPullerForward(forward bool) {
	m.puller.SetForward(forward)
	m.emitPullerState()
	m.persist("puller_forward", strconv.FormatBool(forward))
}

// SetExtruderRPM sets the base screw speed. It must lie in [0, max rpm].
func (m *Machine) SetExtruderRPM(rpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !finite(rpm) || rpm < 0 || rpm > m.maxRPM {
		return fmt.Errorf("%w: extruder %v rpm (max %v)", ErrInvalidSetpoint, rpm, m.maxRPM)
	}
	m.baseRPM = rpm
	if !m.regulator.Enabled() {
		m.extruderRPM = rpm
	}
	m.persist("extruder_rpm", formatFloat(rpm))
	return nil
}

func (m *Machine) settings() *db.Settings {
	target := m.aggregator.Target()
	tight, loose := m.regulator.Tolerances()
	return &db.Settings{
		TargetDiameterMM:       target.TargetDiameter,
		LowerToleranceMM:       target.LowerTolerance,
		HigherToleranceMM:      target.HigherTolerance,
		MinMaxTimeframeMinutes: target.TimeframeMinutes,
		Strategy:               m.regulator.Strategy().String(),
		SpeedScale:             m.regulator.SpeedScale(),
		TightToleranceMM:       tight,
		LooseToleranceMM:       loose,
		PullerTargetSpeedMPM:   m.baseSpeed,
		PullerMode:             m.puller.RegulationMode().String(),
		PullerForward:          m.puller.Forward(),
		ExtruderRPM:            m.baseRPM,
	}
}

// persist writes the current setpoints and a change log entry. Store failures
// are logged; the in-memory change stands.
func (m *Machine) persist(field, value string) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSettings(m.settings()); err != nil {
		monitoring.Logf("machine: failed to persist %s: %v", field, err)
	}
	if err := m.store.RecordChange(m.sessionID, field, value, m.clock.Now()); err != nil {
		monitoring.Logf("machine: failed to log change of %s: %v", field, err)
	}
}

// restore applies persisted settings. Fields that no longer validate are
// skipped with a log line so a bad row cannot keep the machine from starting.
func (m *Machine) restore() {
	s, err := m.store.GetSettings()
	if err != nil {
		monitoring.Logf("machine: failed to load settings, using configuration defaults: %v", err)
		return
	}
	if s == nil {
		return
	}

	target := diameter.Target{
		TargetDiameter:   s.TargetDiameterMM,
		LowerTolerance:   s.LowerToleranceMM,
		HigherTolerance:  s.HigherToleranceMM,
		TimeframeMinutes: s.MinMaxTimeframeMinutes,
	}
	if err := m.aggregator.Restore(target); err != nil {
		monitoring.Logf("machine: ignoring stored laser target: %v", err)
	} else {
		m.regulator.SetTargetDiameter(target.TargetDiameter)
		m.puller.SetTargetDiameter(target.TargetDiameter)
	}

	if strategy, err := regulator.ParseStrategy(s.Strategy); err != nil {
		monitoring.Logf("machine: ignoring stored strategy: %v", err)
	} else {
		m.regulator.SetStrategy(strategy)
	}
	if s.SpeedScale > 0 {
		m.regulator.SetSpeedScale(s.SpeedScale)
	}
	if err := m.regulator.SetTolerances(s.TightToleranceMM, s.LooseToleranceMM); err != nil {
		monitoring.Logf("machine: ignoring stored tolerances: %v", err)
	}

	if finite(s.PullerTargetSpeedMPM) && s.PullerTargetSpeedMPM >= 0 {
		m.baseSpeed = s.PullerTargetSpeedMPM
		m.puller.SetTargetSpeed(s.PullerTargetSpeedMPM)
	}
	if mode, err := puller.ParseRegulationMode(s.PullerMode); err != nil {
		monitoring.Logf("machine: ignoring stored puller mode: %v", err)
	} else {
		m.puller.SetRegulationMode(mode)
	}
	m.puller.SetForward(s.PullerForward)

	if finite(s.ExtruderRPM) && s.ExtruderRPM >= 0 && s.ExtruderRPM <= m.maxRPM {
		m.baseRPM = s.ExtruderRPM
		m.extruderRPM = s.ExtruderRPM
	}
	monitoring.Logf("machine: restored settings saved at %d", s.UpdatedAt)
}

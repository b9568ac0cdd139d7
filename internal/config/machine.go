// Package config loads the machine configuration file.
//
// Every field is optional. Omitted fields fall back to the defaults returned
// by the Get* accessors, so a partial file only needs to name what differs
// from the stock machine.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
	"github.com/banshee-data/extrusion.control/internal/serialmux"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/machine.defaults.json"

// MachineConfig is the flat configuration schema. Durations are strings
// accepted by time.ParseDuration.
type MachineConfig struct {
	// Devices. An empty port leaves that device disabled.
	LaserPort    *string                `json:"laser_port,omitempty"`
	LaserSerial  *serialmux.PortOptions `json:"laser_serial,omitempty"`
	ExtruderPort *string                `json:"extruder_port,omitempty"`
	PullerPort   *string                `json:"puller_port,omitempty"`
	SpoolPort    *string                `json:"spool_port,omitempty"`
	MotorSerial  *serialmux.PortOptions `json:"motor_serial,omitempty"`

	// Loop timing.
	TickInterval    *string `json:"tick_interval,omitempty"`
	LiveInterval    *string `json:"live_interval,omitempty"`
	MinMaxInterval  *string `json:"min_max_interval,omitempty"`
	LaserStaleAfter *string `json:"laser_stale_after,omitempty"`

	// Laser target.
	TargetDiameterMM       *float64 `json:"target_diameter_mm,omitempty"`
	LowerToleranceMM       *float64 `json:"lower_tolerance_mm,omitempty"`
	HigherToleranceMM      *float64 `json:"higher_tolerance_mm,omitempty"`
	MinMaxTimeframeMinutes *uint64  `json:"min_max_timeframe_minutes,omitempty"`

	// Regulator.
	Strategy             *string  `json:"strategy,omitempty"`
	TightToleranceMM     *float64 `json:"tight_tolerance_mm,omitempty"`
	LooseToleranceMM     *float64 `json:"loose_tolerance_mm,omitempty"`
	ScrewDisplacementCM3 *float64 `json:"screw_displacement_cm3,omitempty"`
	FilamentDensity      *float64 `json:"filament_density_g_cm3,omitempty"`
	// Integral clamps of the diameter (mm·s) and flow (cm³) loops.
	DiameterIntegralLimit *float64 `json:"diameter_integral_limit,omitempty"`
	VolumeIntegralLimit   *float64 `json:"volume_integral_limit,omitempty"`

	// Extruder.
	ExtruderBaseRPM *float64 `json:"extruder_base_rpm,omitempty"`
	ExtruderMaxRPM  *float64 `json:"extruder_max_rpm,omitempty"`

	// Puller.
	PullerRollerRadiusM   *float64 `json:"puller_roller_radius_m,omitempty"`
	PullerStepsPerRev     *float64 `json:"puller_steps_per_rev,omitempty"`
	PullerTargetSpeedMPM  *float64 `json:"puller_target_speed_mpm,omitempty"`
	PullerMode            *string  `json:"puller_mode,omitempty"`
	PullerMaxSpeedMPM     *float64 `json:"puller_max_speed_mpm,omitempty"`
	PullerMaxAcceleration *float64 `json:"puller_max_acceleration,omitempty"`
	PullerMaxJerk         *float64 `json:"puller_max_jerk,omitempty"`

	// Spool.
	SpoolCoreRadiusM *float64 `json:"spool_core_radius_m,omitempty"`
	SpoolStepsPerRev *float64 `json:"spool_steps_per_rev,omitempty"`
}

// EmptyMachineConfig returns a config with every field unset.
func EmptyMachineConfig() *MachineConfig {
	return &MachineConfig{}
}

// LoadMachineConfig reads and validates a JSON config file of at most 1MB.
func LoadMachineConfig(path string) (*MachineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMachineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. It panics on failure and is meant for tests.
func MustLoadDefaultConfig() *MachineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMachineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *MachineConfig) Validate() error {
	for name, v := range map[string]*string{
		"tick_interval":     c.TickInterval,
		"live_interval":     c.LiveInterval,
		"min_max_interval":  c.MinMaxInterval,
		"laser_stale_after": c.LaserStaleAfter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.TickInterval != nil && *c.TickInterval != "" && c.GetTickInterval() == 0 {
		return fmt.Errorf("tick_interval must be positive")
	}

	for name, v := range map[string]*float64{
		"target_diameter_mm":      c.TargetDiameterMM,
		"lower_tolerance_mm":      c.LowerToleranceMM,
		"higher_tolerance_mm":     c.HigherToleranceMM,
		"tight_tolerance_mm":      c.TightToleranceMM,
		"loose_tolerance_mm":      c.LooseToleranceMM,
		"extruder_base_rpm":       c.ExtruderBaseRPM,
		"puller_target_speed_mpm": c.PullerTargetSpeedMPM,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0) {
			return fmt.Errorf("%s must be a non-negative number, got %v", name, *v)
		}
	}
	for name, v := range map[string]*float64{
		"screw_displacement_cm3":  c.ScrewDisplacementCM3,
		"filament_density_g_cm3":  c.FilamentDensity,
		"diameter_integral_limit": c.DiameterIntegralLimit,
		"volume_integral_limit":   c.VolumeIntegralLimit,
		"extruder_max_rpm":        c.ExtruderMaxRPM,
		"puller_roller_radius_m":  c.PullerRollerRadiusM,
		"puller_steps_per_rev":    c.PullerStepsPerRev,
		"puller_max_speed_mpm":    c.PullerMaxSpeedMPM,
		"puller_max_acceleration": c.PullerMaxAcceleration,
		"puller_max_jerk":         c.PullerMaxJerk,
		"spool_core_radius_m":     c.SpoolCoreRadiusM,
		"spool_steps_per_rev":     c.SpoolStepsPerRev,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0) {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}

	if c.Strategy != nil {
		if _, err := regulator.ParseStrategy(*c.Strategy); err != nil {
			return err
		}
	}
	if c.PullerMode != nil {
		if _, err := puller.ParseRegulationMode(*c.PullerMode); err != nil {
			return err
		}
	}
	for name, opts := range map[string]*serialmux.PortOptions{
		"laser_serial": c.LaserSerial,
		"motor_serial": c.MotorSerial,
	} {
		if opts == nil {
			continue
		}
		if _, err := opts.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.TightToleranceMM != nil && c.LooseToleranceMM != nil && *c.TightToleranceMM > *c.LooseToleranceMM {
		return fmt.Errorf("tight_tolerance_mm (%v) must not exceed loose_tolerance_mm (%v)", *c.TightToleranceMM, *c.LooseToleranceMM)
	}
	return nil
}

func getString(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (c *MachineConfig) GetLaserPort() string    { return getString(c.LaserPort, "") }
func (c *MachineConfig) GetExtruderPort() string { return getString(c.ExtruderPort, "") }
func (c *MachineConfig) GetPullerPort() string   { return getString(c.PullerPort, "") }
func (c *MachineConfig) GetSpoolPort() string    { return getString(c.SpoolPort, "") }

// GetLaserSerial returns the laser port options, defaulting to 115200 8N1.
func (c *MachineConfig) GetLaserSerial() serialmux.PortOptions {
	if c.LaserSerial == nil {
		return serialmux.PortOptions{}
	}
	return *c.LaserSerial
}

// GetMotorSerial returns the options shared by the motor controller ports.
func (c *MachineConfig) GetMotorSerial() serialmux.PortOptions {
	if c.MotorSerial == nil {
		return serialmux.PortOptions{}
	}
	return *c.MotorSerial
}

// GetTickInterval defaults to 16ms, roughly 60Hz.
func (c *MachineConfig) GetTickInterval() time.Duration {
	return getDuration(c.TickInterval, 16*time.Millisecond)
}

// GetLiveInterval defaults to 33ms, roughly 30Hz.
func (c *MachineConfig) GetLiveInterval() time.Duration {
	return getDuration(c.LiveInterval, 33*time.Millisecond)
}

func (c *MachineConfig) GetMinMaxInterval() time.Duration {
	return getDuration(c.MinMaxInterval, time.Second)
}

func (c *MachineConfig) GetLaserStaleAfter() time.Duration {
	return getDuration(c.LaserStaleAfter, 250*time.Millisecond)
}

func (c *MachineConfig) GetTargetDiameterMM() float64  { return getFloat(c.TargetDiameterMM, 1.75) }
func (c *MachineConfig) GetLowerToleranceMM() float64  { return getFloat(c.LowerToleranceMM, 0.05) }
func (c *MachineConfig) GetHigherToleranceMM() float64 { return getFloat(c.HigherToleranceMM, 0.05) }

func (c *MachineConfig) GetMinMaxTimeframeMinutes() uint64 {
	if c.MinMaxTimeframeMinutes == nil {
		return 30
	}
	return *c.MinMaxTimeframeMinutes
}

// GetStrategy defaults to Balanced. An unparseable value also yields Balanced;
// Validate reports it.
func (c *MachineConfig) GetStrategy() regulator.Strategy {
	if c.Strategy == nil {
		return regulator.Balanced
	}
	s, err := regulator.ParseStrategy(*c.Strategy)
	if err != nil {
		return regulator.Balanced
	}
	return s
}

func (c *MachineConfig) GetTightToleranceMM() float64 {
	return getFloat(c.TightToleranceMM, regulator.DefaultTightTolerance)
}

func (c *MachineConfig) GetLooseToleranceMM() float64 {
	return getFloat(c.LooseToleranceMM, regulator.DefaultLooseTolerance)
}

func (c *MachineConfig) GetScrewDisplacementCM3() float64 {
	return getFloat(c.ScrewDisplacementCM3, regulator.DefaultScrewDisplacement)
}

// GetFilamentDensity is carried for reporting; the control loop does not
// use it.
func (c *MachineConfig) GetFilamentDensity() float64 { return getFloat(c.FilamentDensity, 1.25) }

func (c *MachineConfig) GetDiameterIntegralLimit() float64 {
	return getFloat(c.DiameterIntegralLimit, regulator.DefaultDiameterIntegralLimit)
}

func (c *MachineConfig) GetVolumeIntegralLimit() float64 {
	return getFloat(c.VolumeIntegralLimit, regulator.DefaultVolumeIntegralLimit)
}

func (c *MachineConfig) GetExtruderBaseRPM() float64 { return getFloat(c.ExtruderBaseRPM, 0) }
func (c *MachineConfig) GetExtruderMaxRPM() float64  { return getFloat(c.ExtruderMaxRPM, 120) }

func (c *MachineConfig) GetPullerRollerRadiusM() float64 {
	return getFloat(c.PullerRollerRadiusM, 0.04)
}
func (c *MachineConfig) GetPullerStepsPerRev() float64 { return getFloat(c.PullerStepsPerRev, 200) }

func (c *MachineConfig) GetPullerTargetSpeedMPM() float64 {
	return getFloat(c.PullerTargetSpeedMPM, 5)
}

func (c *MachineConfig) GetPullerMode() puller.RegulationMode {
	if c.PullerMode == nil {
		return puller.Speed
	}
	m, err := puller.ParseRegulationMode(*c.PullerMode)
	if err != nil {
		return puller.Speed
	}
	return m
}

func (c *MachineConfig) GetPullerMaxSpeedMPM() float64 {
	return getFloat(c.PullerMaxSpeedMPM, puller.DefaultMaxSpeed)
}

func (c *MachineConfig) GetPullerMaxAcceleration() float64 {
	return getFloat(c.PullerMaxAcceleration, puller.DefaultMaxAcceleration)
}

func (c *MachineConfig) GetPullerMaxJerk() float64 {
	return getFloat(c.PullerMaxJerk, puller.DefaultMaxJerk)
}

func (c *MachineConfig) GetSpoolCoreRadiusM() float64 { return getFloat(c.SpoolCoreRadiusM, 0.05) }
func (c *MachineConfig) GetSpoolStepsPerRev() float64 { return getFloat(c.SpoolStepsPerRev, 200) }

// Package namespace carries the events published by the machine to UI clients.
//
// Every event kind has a stable field set: optional values are encoded as
// JSON null rather than omitted, so clients can rely on the keys existing.
package namespace

import "time"

// Kind names an event type on the wire.
type Kind string

const (
	KindLiveValues         Kind = "LiveValues"
	KindMinMaxDiameter     Kind = "MinMaxDiameter"
	KindState              Kind = "State"
	KindDiameterStatistics Kind = "DiameterStatistics"
	KindRegulatorState     Kind = "RegulatorState"
	KindRegulatorOutput    Kind = "RegulatorOutput"
	KindPullerState        Kind = "PullerState"
)

// Event is a single emission on the namespace.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// Namespace is the sink the machine publishes to. Implementations must not
// block the caller; emission happens inside the control tick.
type Namespace interface {
	Emit(Event)
}

// LiveValues is the per-tick laser snapshot.
type LiveValues struct {
	DiameterMM  float64  `json:"diameter_mm"`
	XDiameterMM *float64 `json:"x_diameter_mm"`
	YDiameterMM *float64 `json:"y_diameter_mm"`
	Roundness   *float64 `json:"roundness"`
}

// MinMaxDiameter reports the extremes over the configured timeframe.
type MinMaxDiameter struct {
	MinMM            *float64 `json:"min_mm"`
	MaxMM            *float64 `json:"max_mm"`
	TimeframeMinutes uint64   `json:"timeframe_minutes"`
}

// DiameterStatistics reports the distribution of the retained samples.
type DiameterStatistics struct {
	MeanMM           *float64 `json:"mean_mm"`
	StdDevMM         *float64 `json:"std_dev_mm"`
	Samples          int      `json:"samples"`
	TimeframeMinutes uint64   `json:"timeframe_minutes"`
}

// LaserState is the operator-visible laser target configuration.
type LaserState struct {
	HigherToleranceMM      float64 `json:"higher_tolerance_mm"`
	LowerToleranceMM       float64 `json:"lower_tolerance_mm"`
	TargetDiameterMM       float64 `json:"target_diameter_mm"`
	MinMaxTimeframeMinutes uint64  `json:"min_max_timeframe_minutes"`
}

// State is emitted after construction and after every laser target change.
// IsDefaultState is true only on the first emission of a machine instance.
type State struct {
	IsDefaultState bool       `json:"is_default_state"`
	LaserState     LaserState `json:"laser_state"`
}

// RegulatorState describes the diameter regulator configuration.
type RegulatorState struct {
	Enabled          bool    `json:"enabled"`
	Strategy         string  `json:"strategy"`
	SpeedScale       float64 `json:"speed_scale"`
	TargetDiameterMM float64 `json:"target_diameter_mm"`
	TightToleranceMM float64 `json:"tight_tolerance_mm"`
	LooseToleranceMM float64 `json:"loose_tolerance_mm"`
}

// RegulatorOutput mirrors the regulator's per-tick output record.
type RegulatorOutput struct {
	SpeedAdjustmentMPS    float64 `json:"speed_adjustment_mps"`
	RPMAdjustment         float64 `json:"rpm_adjustment"`
	DiameterErrorMM       float64 `json:"diameter_error_mm"`
	VolumeErrorCM3S       float64 `json:"volume_error_cm3s"`
	InTolerance           bool    `json:"in_tolerance"`
	InTightTolerance      bool    `json:"in_tight_tolerance"`
	CurrentVolumeRateCM3S float64 `json:"current_volume_rate_cm3s"`
	TargetVolumeRateCM3S  float64 `json:"target_volume_rate_cm3s"`
	SpeedScale            float64 `json:"speed_scale"`
}

// PullerState describes the puller configuration and last commanded speed.
type PullerState struct {
	Enabled          bool    `json:"enabled"`
	Mode             string  `json:"mode"`
	Forward          bool    `json:"forward"`
	TargetSpeedMPM   float64 `json:"target_speed_mpm"`
	TargetDiameterMM float64 `json:"target_diameter_mm"`
	LastSpeedMPM     float64 `json:"last_speed_mpm"`
}

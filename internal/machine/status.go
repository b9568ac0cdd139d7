package machine

import (
	"time"

	"github.com/banshee-data/extrusion.control/internal/diameter"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/regulator"
)

// Status is a point-in-time view of the whole machine.
type Status struct {
	SessionID string    `json:"session_id"`
	Ticks     uint64    `json:"ticks"`
	LastTick  time.Time `json:"last_tick"`
	Stopped   bool      `json:"stopped"`

	Live       *namespace.LiveValues        `json:"live"`
	LastIngest string                       `json:"last_ingest"`
	Dropouts   uint64                       `json:"dropouts"`
	Misses     uint64                       `json:"misses"`
	Laser      namespace.LaserState         `json:"laser_state"`
	MinMax     namespace.MinMaxDiameter     `json:"min_max"`
	Statistics namespace.DiameterStatistics `json:"statistics"`

	Regulator       regulator.Diagnostics     `json:"regulator"`
	RegulatorOutput namespace.RegulatorOutput `json:"regulator_output"`

	Puller          namespace.PullerState `json:"puller"`
	ExtruderBaseRPM float64               `json:"extruder_base_rpm"`
	ExtruderRPM     float64               `json:"extruder_rpm"`
	ExtruderMaxRPM  float64               `json:"extruder_max_rpm"`
	SpoolSpeedMPM   *float64              `json:"spool_speed_mpm"`
}

// Status returns a snapshot for the HTTP API.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.aggregator.Target()
	lo, hi := m.aggregator.MinMax()
	mean, sd, n := m.aggregator.Statistics()

	s := Status{
		SessionID:  m.sessionID,
		Ticks:      m.ticks,
		LastTick:   m.lastTick,
		Stopped:    m.stopped,
		LastIngest: m.lastIngest.String(),
		Dropouts:   m.aggregator.Dropouts,
		Misses:     m.aggregator.Misses,
		Laser:      m.aggregator.LaserState(),
		MinMax: namespace.MinMaxDiameter{
			MinMM:            lo,
			MaxMM:            hi,
			TimeframeMinutes: target.TimeframeMinutes,
		},
		Statistics: namespace.DiameterStatistics{
			MeanMM:           mean,
			StdDevMM:         sd,
			Samples:          n,
			TimeframeMinutes: target.TimeframeMinutes,
		},
		Regulator:       m.regulator.Diagnostics(),
		RegulatorOutput: m.lastOutput.Event(),
		Puller:          m.puller.State(),
		ExtruderBaseRPM: m.baseRPM,
		ExtruderRPM:     m.extruderRPM,
		ExtruderMaxRPM:  m.maxRPM,
	}
	if live, ok := m.aggregator.Live(); ok {
		s.Live = &namespace.LiveValues{
			DiameterMM:  live.D,
			XDiameterMM: live.DX,
			YDiameterMM: live.DY,
			Roundness:   live.Roundness,
		}
	}
	if m.spool != nil {
		v := m.spool.LastSpeed()
		s.SpoolSpeedMPM = &v
	}
	return s
}

// Samples returns a copy of the diameter window.
func (m *Machine) Samples() []diameter.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregator.Samples()
}

// ExpectedDiameter predicts the filament diameter in mm from the current
// screw speed and line speed.
func (m *Machine) ExpectedDiameter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.regulator.Model().VolumeRateFromRPM(m.extruderRPM)
	return regulator.ExpectedDiameter(q, absMPS(m.puller.LastSpeed()))
}

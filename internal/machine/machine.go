// Package machine owns the control core of the extrusion line and drives it
// from a single periodic tick: ingest the laser reading, regulate, actuate
// the drives, then publish events.
package machine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/extrusion.control/internal/actuator"
	"github.com/banshee-data/extrusion.control/internal/config"
	"github.com/banshee-data/extrusion.control/internal/db"
	"github.com/banshee-data/extrusion.control/internal/diameter"
	"github.com/banshee-data/extrusion.control/internal/monitoring"
	"github.com/banshee-data/extrusion.control/internal/motion"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
	"github.com/banshee-data/extrusion.control/internal/spool"
	"github.com/banshee-data/extrusion.control/internal/timeutil"
	"github.com/banshee-data/extrusion.control/internal/units"
)

// ErrFatal marks construction failures the process cannot recover from.
var ErrFatal = errors.New("fatal machine error")

// SettingsStore persists operator setpoints. *db.DB satisfies it.
type SettingsStore interface {
	GetSettings() (*db.Settings, error)
	SaveSettings(s *db.Settings) error
	RecordChange(sessionID, field, value string, at time.Time) error
}

// Deps are the machine's collaborators. Only Laser is required; a nil drive
// is simply not commanded.
type Deps struct {
	Laser     diameter.SnapshotReader
	Namespace namespace.Namespace
	Extruder  actuator.Actuator
	Puller    actuator.Actuator
	Spool     actuator.Actuator
	Store     SettingsStore
	Clock     timeutil.Clock
}

// Machine coordinates the aggregator, regulator, puller and spool. Tick and
// every operation take the same lock, so HTTP handlers may call operations
// while Run is ticking.
type Machine struct {
	mu sync.Mutex

	clock     timeutil.Clock
	ns        namespace.Namespace
	store     SettingsStore
	sessionID string

	aggregator *diameter.Aggregator
	regulator  *regulator.Regulator
	puller     *puller.Controller
	spool      *spool.Controller

	extruderDrive actuator.Actuator
	pullerDrive   actuator.Actuator
	spoolDrive    actuator.Actuator

	tickInterval   time.Duration
	liveInterval   time.Duration
	minMaxInterval time.Duration

	// Operator setpoints; regulator corrections are applied on top.
	baseSpeed   float64 // m/min
	baseRPM     float64
	maxRPM      float64
	extruderRPM float64 // last commanded

	lastTick       time.Time
	ticks          uint64
	lastIngest     diameter.IngestResult
	lastOutput     regulator.Output
	lastLiveEmit   time.Time
	lastMinMaxEmit time.Time
	emittedSpeed   float64
	stopped        bool

	extruderWarn *monitoring.Throttle
	pullerWarn   *monitoring.Throttle
	spoolWarn    *monitoring.Throttle
}

// New builds a machine from cfg, restores any persisted settings from
// deps.Store and emits the initial state.
func New(cfg *config.MachineConfig, deps Deps) (*Machine, error) {
	if deps.Laser == nil {
		return nil, fmt.Errorf("%w: laser reader is required", ErrFatal)
	}
	if cfg == nil {
		cfg = config.EmptyMachineConfig()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Namespace == nil {
		deps.Namespace = &namespace.Recorder{}
	}

	target := diameter.Target{
		TargetDiameter:   cfg.GetTargetDiameterMM(),
		LowerTolerance:   cfg.GetLowerToleranceMM(),
		HigherTolerance:  cfg.GetHigherToleranceMM(),
		TimeframeMinutes: cfg.GetMinMaxTimeframeMinutes(),
	}
	agg, err := diameter.NewAggregator(deps.Laser, deps.Namespace, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	agg.StaleAfter = cfg.GetLaserStaleAfter()

	reg, err := regulator.New(regulator.Config{
		TargetDiameter:        target.TargetDiameter,
		ScrewDisplacement:     cfg.GetScrewDisplacementCM3(),
		TightTolerance:        cfg.GetTightToleranceMM(),
		LooseTolerance:        cfg.GetLooseToleranceMM(),
		Strategy:              cfg.GetStrategy(),
		DiameterIntegralLimit: cfg.GetDiameterIntegralLimit(),
		VolumeIntegralLimit:   cfg.GetVolumeIntegralLimit(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: regulator: %v", ErrFatal, err)
	}

	rollers, err := motion.NewLinearRotaryConverter(cfg.GetPullerRollerRadiusM(), cfg.GetPullerStepsPerRev())
	if err != nil {
		return nil, fmt.Errorf("%w: puller: %v", ErrFatal, err)
	}
	pull, err := puller.NewController(puller.Config{
		TargetSpeed:     cfg.GetPullerTargetSpeedMPM(),
		TargetDiameter:  target.TargetDiameter,
		Converter:       rollers,
		MaxSpeed:        cfg.GetPullerMaxSpeedMPM(),
		MaxAcceleration: cfg.GetPullerMaxAcceleration(),
		MaxJerk:         cfg.GetPullerMaxJerk(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	pull.SetRegulationMode(cfg.GetPullerMode())

	m := &Machine{
		clock:          deps.Clock,
		ns:             deps.Namespace,
		store:          deps.Store,
		sessionID:      uuid.NewString(),
		aggregator:     agg,
		regulator:      reg,
		puller:         pull,
		extruderDrive:  deps.Extruder,
		pullerDrive:    deps.Puller,
		spoolDrive:     deps.Spool,
		tickInterval:   cfg.GetTickInterval(),
		liveInterval:   cfg.GetLiveInterval(),
		minMaxInterval: cfg.GetMinMaxInterval(),
		baseSpeed:      cfg.GetPullerTargetSpeedMPM(),
		baseRPM:        cfg.GetExtruderBaseRPM(),
		maxRPM:         cfg.GetExtruderMaxRPM(),
		extruderWarn:   monitoring.NewThrottle(5 * time.Second),
		pullerWarn:     monitoring.NewThrottle(5 * time.Second),
		spoolWarn:      monitoring.NewThrottle(5 * time.Second),
	}
	m.extruderRPM = m.baseRPM

	if deps.Spool != nil {
		core, err := motion.NewLinearRotaryConverter(cfg.GetSpoolCoreRadiusM(), cfg.GetSpoolStepsPerRev())
		if err != nil {
			return nil, fmt.Errorf("%w: spool: %v", ErrFatal, err)
		}
		m.spool, err = spool.NewController(core, cfg.GetPullerMaxSpeedMPM(), cfg.GetPullerMaxAcceleration(), cfg.GetPullerMaxJerk())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}

	if m.store != nil {
		m.restore()
	}

	m.aggregator.EmitState()
	m.emitRegulatorState()
	m.emitPullerState()
	return m, nil
}

// SessionID identifies this process run in the settings change log.
func (m *Machine) SessionID() string { return m.sessionID }

// TickInterval is the period Run ticks at.
func (m *Machine) TickInterval() time.Duration { return m.tickInterval }

// Tick runs one control cycle at time t.
func (m *Machine) Tick(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickLocked(t)
}

func (m *Machine) tickLocked(t time.Time) {
	m.lastTick = t
	m.ticks++

	// Ingest.
	m.lastIngest = m.aggregator.Ingest(t)
	live, haveLive := m.aggregator.Live()
	if haveLive {
		m.regulator.SetMeasuredDiameter(live.D)
	}

	// Regulate.
	lineSpeed := absMPS(m.puller.LastSpeed())
	out := regulator.Output{}
	if haveLive {
		out = m.regulator.Update(t, m.extruderRPM, lineSpeed)
	}
	m.lastOutput = out

	// Actuate.
	speed, rpm := m.baseSpeed, m.baseRPM
	if m.regulator.Enabled() {
		if m.puller.RegulationMode() == puller.Speed {
			speed = math.Max(0, m.baseSpeed+units.MPSToMPM(out.SpeedAdjustment))
		}
		rpm = m.baseRPM + out.RPMAdjustment
	}
	m.puller.SetTargetSpeed(speed)
	m.extruderRPM = math.Max(0, math.Min(m.maxRPM, rpm))

	pullerRPM := m.puller.Tick(t)
	m.command(m.pullerDrive, pullerRPM, m.pullerWarn, "puller", t)
	m.command(m.extruderDrive, m.extruderRPM, m.extruderWarn, "extruder", t)
	if m.spool != nil {
		m.command(m.spoolDrive, m.spool.Tick(t, m.puller.LastSpeed()), m.spoolWarn, "spool", t)
	}

	// Emit.
	if m.lastLiveEmit.IsZero() || t.Sub(m.lastLiveEmit) >= m.liveInterval {
		m.lastLiveEmit = t
		if haveLive {
			m.aggregator.EmitLive()
		}
		if m.regulator.Enabled() {
			m.ns.Emit(namespace.Event{Kind: namespace.KindRegulatorOutput, Timestamp: t, Data: out.Event()})
		}
		if m.puller.LastSpeed() != m.emittedSpeed {
			m.emitPullerState()
		}
	}
	if m.lastMinMaxEmit.IsZero() || t.Sub(m.lastMinMaxEmit) >= m.minMaxInterval {
		m.lastMinMaxEmit = t
		m.aggregator.EmitMinMax()
		m.aggregator.EmitStatistics()
	}
}

// command sends rpm to a drive. Failures are logged and left for the next
// tick to resend.
func (m *Machine) command(drive actuator.Actuator, rpm float64, warn *monitoring.Throttle, name string, t time.Time) {
	if drive == nil {
		return
	}
	if err := drive.SetAngularVelocity(rpm); err != nil {
		warn.Logf(t, "machine: %s command %.3f rpm failed: %v", name, rpm, err)
	}
}

// Run ticks the machine every TickInterval until ctx is cancelled, then shuts
// the machine down and returns ctx.Err().
func (m *Machine) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return ctx.Err()
		case t := <-ticker.C():
			m.Tick(t)
		}
	}
}

// Shutdown disables regulation and the puller. Further ticks ramp the puller
// and spool down to rest; the extruder keeps its base speed.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.disableRegulation()
	m.puller.SetEnabled(false)
	m.emitRegulatorState()
	m.emitPullerState()
	monitoring.Logf("machine: shutdown requested, puller ramping down from %.3f m/min", m.puller.LastSpeed())
}

// Drain keeps ticking until the puller and spool have come to rest or ctx
// ends. It is meant to follow Shutdown so the rollers are not stopped dead.
func (m *Machine) Drain(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for !m.atRest() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C():
			m.Tick(t)
		}
	}
	return nil
}

func (m *Machine) atRest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puller.LastSpeed() != 0 {
		return false
	}
	return m.spool == nil || m.spool.LastSpeed() == 0
}

// disableRegulation turns the regulator off. Leaving the enabled state
// publishes one zero output so clients drop the last correction.
func (m *Machine) disableRegulation() {
	wasEnabled := m.regulator.Enabled()
	m.regulator.SetEnabled(false)
	if !wasEnabled {
		return
	}
	m.lastOutput = regulator.Output{}
	m.ns.Emit(namespace.Event{Kind: namespace.KindRegulatorOutput, Timestamp: m.lastTick, Data: m.lastOutput.Event()})
}

func (m *Machine) emitRegulatorState() {
	m.ns.Emit(namespace.Event{Kind: namespace.KindRegulatorState, Timestamp: m.lastTick, Data: m.regulator.State()})
}

func (m *Machine) emitPullerState() {
	m.emittedSpeed = m.puller.LastSpeed()
	m.ns.Emit(namespace.Event{Kind: namespace.KindPullerState, Timestamp: m.lastTick, Data: m.puller.State()})
}

func absMPS(mpm float64) float64 { return units.MPMToMPS(math.Abs(mpm)) }

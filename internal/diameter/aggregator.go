package diameter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/extrusion.control/internal/laser"
	"github.com/banshee-data/extrusion.control/internal/monitoring"
	"github.com/banshee-data/extrusion.control/internal/namespace"
)

// ErrConfigOutOfRange is returned by the target setters for negative or
// non-finite values. The target is left unchanged.
var ErrConfigOutOfRange = errors.New("laser target value out of range")

// MaxTimeframeMinutes bounds the min/max timeframe so that the window
// duration cannot overflow.
const MaxTimeframeMinutes = 7 * 24 * 60

// SnapshotReader is satisfied by laser.Device.
type SnapshotReader interface {
	ReadSnapshot() (laser.Snapshot, bool)
}

// Target is the operator-configured diameter target. All values are in
// millimetres except the timeframe, and tolerances may be asymmetric.
type Target struct {
	TargetDiameter   float64 `json:"target_diameter_mm"`
	LowerTolerance   float64 `json:"lower_tolerance_mm"`
	HigherTolerance  float64 `json:"higher_tolerance_mm"`
	TimeframeMinutes uint64  `json:"min_max_timeframe_minutes"`
}

// DefaultTarget is 1.75mm filament with ±0.05mm and a 30 minute min/max.
func DefaultTarget() Target {
	return Target{
		TargetDiameter:   1.75,
		LowerTolerance:   0.05,
		HigherTolerance:  0.05,
		TimeframeMinutes: 30,
	}
}

// Validate reports whether every field is in range.
func (t Target) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"target diameter", t.TargetDiameter},
		{"lower tolerance", t.LowerTolerance},
		{"higher tolerance", t.HigherTolerance},
	} {
		if err := checkMM(f.name, f.v); err != nil {
			return err
		}
	}
	if t.TimeframeMinutes > MaxTimeframeMinutes {
		return fmt.Errorf("%w: timeframe %d minutes exceeds %d", ErrConfigOutOfRange, t.TimeframeMinutes, MaxTimeframeMinutes)
	}
	return nil
}

// Within reports whether d lies inside [target-lower, target+higher].
func (t Target) Within(d float64) bool {
	return d >= t.TargetDiameter-t.LowerTolerance && d <= t.TargetDiameter+t.HigherTolerance
}

func (t Target) window() time.Duration {
	return time.Duration(t.TimeframeMinutes) * time.Minute
}

func checkMM(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s %v", ErrConfigOutOfRange, name, v)
	}
	return nil
}

// LiveReading is the last accepted gauge reading.
type LiveReading struct {
	D         float64
	DX        *float64
	DY        *float64
	Roundness *float64
}

// Roundness returns min/max of the two axis diameters. Both zero gives 0;
// a missing axis, or only one axis at zero, gives nil.
func Roundness(dx, dy *float64) *float64 {
	if dx == nil || dy == nil {
		return nil
	}
	x, y := *dx, *dy
	var r float64
	switch {
	case x == 0 && y == 0:
		r = 0
	case x > 0 && y > 0:
		r = math.Min(x, y) / math.Max(x, y)
	default:
		return nil
	}
	return &r
}

// IngestResult classifies what happened to one tick's snapshot.
type IngestResult int

const (
	// Accepted: the reading was cached and added to the window.
	Accepted IngestResult = iota
	// Missed: no reading, a stale reading, or one already ingested.
	Missed
	// Dropout: the gauge reported zero diameter (no filament in the beam).
	Dropout
	// OutOfOrder: cached as live but rejected by the window.
	OutOfOrder
)

func (r IngestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Missed:
		return "missed"
	case Dropout:
		return "dropout"
	case OutOfOrder:
		return "out_of_order"
	}
	return fmt.Sprintf("IngestResult(%d)", int(r))
}

// Aggregator turns gauge snapshots into live values and windowed min/max. It
// is driven by the control tick and never schedules itself.
type Aggregator struct {
	reader SnapshotReader
	ns     namespace.Namespace

	// StaleAfter marks snapshots older than this (relative to the tick) as
	// missed. Zero disables the check.
	StaleAfter time.Duration

	target       Target
	window       *Window
	live         LiveReading
	haveLive     bool
	lastSeq      uint64
	haveSeq      bool
	lastTick     time.Time
	stateEmitted bool

	// Dropouts and Misses count non-accepted ticks.
	Dropouts uint64
	Misses   uint64

	warn *monitoring.Throttle
}

// NewAggregator validates target and returns an aggregator reading from r and
// publishing to ns.
func NewAggregator(r SnapshotReader, ns namespace.Namespace, target Target) (*Aggregator, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		reader: r,
		ns:     ns,
		target: target,
		window: NewWindow(target.window()),
		warn:   monitoring.NewThrottle(5 * time.Second),
	}, nil
}

// Ingest pulls the current snapshot and records it at tick time t.
func (a *Aggregator) Ingest(t time.Time) IngestResult {
	a.lastTick = t

	snap, ok := a.reader.ReadSnapshot()
	switch {
	case !ok:
		a.Misses++
		return Missed
	case a.StaleAfter > 0 && !snap.ReceivedAt.IsZero() && t.Sub(snap.ReceivedAt) > a.StaleAfter:
		a.Misses++
		a.warn.Logf(t, "diameter: laser snapshot stale by %v", t.Sub(snap.ReceivedAt))
		return Missed
	case a.haveSeq && snap.Seq != 0 && snap.Seq == a.lastSeq:
		a.Misses++
		return Missed
	}
	a.lastSeq, a.haveSeq = snap.Seq, true

	if snap.Diameter <= 0 {
		a.Dropouts++
		a.warn.Logf(t, "diameter: sensor dropout (d=%v)", snap.Diameter)
		return Dropout
	}

	a.live = LiveReading{
		D:         snap.Diameter,
		DX:        copyFloat(snap.X),
		DY:        copyFloat(snap.Y),
		Roundness: Roundness(snap.X, snap.Y),
	}
	a.haveLive = true

	if err := a.window.Insert(snap.Diameter, t); err != nil {
		a.warn.Logf(t, "diameter: discarding sample at %v: %v", t, err)
		return OutOfOrder
	}
	return Accepted
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Live returns the cached reading and whether any reading was accepted yet.
func (a *Aggregator) Live() (LiveReading, bool) { return a.live, a.haveLive }

// Target returns the current target configuration.
func (a *Aggregator) Target() Target { return a.target }

// MinMax returns the window extremes.
func (a *Aggregator) MinMax() (min, max *float64) { return a.window.MinMax() }

// Samples returns a copy of the window contents.
func (a *Aggregator) Samples() []Sample { return a.window.Samples() }

// Statistics returns mean and sample standard deviation over the window. Both
// are nil for an empty window; the deviation of a single sample is 0.
func (a *Aggregator) Statistics() (mean, stddev *float64, n int) {
	values := a.window.Values()
	n = len(values)
	if n == 0 {
		return nil, nil, 0
	}
	m, s := stat.MeanStdDev(values, nil)
	if n == 1 || math.IsNaN(s) {
		s = 0
	}
	return &m, &s, n
}

func (a *Aggregator) emit(kind namespace.Kind, data any) {
	if a.ns == nil {
		return
	}
	a.ns.Emit(namespace.Event{Kind: kind, Timestamp: a.lastTick, Data: data})
}

// EmitLive publishes the cached live reading.
func (a *Aggregator) EmitLive() {
	a.emit(namespace.KindLiveValues, namespace.LiveValues{
		DiameterMM:  a.live.D,
		XDiameterMM: copyFloat(a.live.DX),
		YDiameterMM: copyFloat(a.live.DY),
		Roundness:   copyFloat(a.live.Roundness),
	})
}

// EmitMinMax publishes the window extremes.
func (a *Aggregator) EmitMinMax() {
	lo, hi := a.window.MinMax()
	a.emit(namespace.KindMinMaxDiameter, namespace.MinMaxDiameter{
		MinMM:            lo,
		MaxMM:            hi,
		TimeframeMinutes: a.target.TimeframeMinutes,
	})
}

// EmitStatistics publishes mean and standard deviation over the window.
func (a *Aggregator) EmitStatistics() {
	mean, sd, n := a.Statistics()
	a.emit(namespace.KindDiameterStatistics, namespace.DiameterStatistics{
		MeanMM:           mean,
		StdDevMM:         sd,
		Samples:          n,
		TimeframeMinutes: a.target.TimeframeMinutes,
	})
}

// EmitState publishes the target. The first call on an aggregator is flagged
// as the default state.
func (a *Aggregator) EmitState() {
	a.emit(namespace.KindState, namespace.State{
		IsDefaultState: !a.stateEmitted,
		LaserState:     a.LaserState(),
	})
	a.stateEmitted = true
}

// LaserState returns the target in its wire form.
func (a *Aggregator) LaserState() namespace.LaserState {
	return namespace.LaserState{
		HigherToleranceMM:      a.target.HigherTolerance,
		LowerToleranceMM:       a.target.LowerTolerance,
		TargetDiameterMM:       a.target.TargetDiameter,
		MinMaxTimeframeMinutes: a.target.TimeframeMinutes,
	}
}

// Restore replaces the whole target without emitting. It is used when
// persisted settings are loaded before the initial state emission.
func (a *Aggregator) Restore(t Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	a.target = t
	a.window.SetWindow(t.window())
	return nil
}

// SetTargetDiameter sets the target diameter in mm.
func (a *Aggregator) SetTargetDiameter(mm float64) error {
	if err := checkMM("target diameter", mm); err != nil {
		return err
	}
	a.target.TargetDiameter = mm
	a.EmitState()
	return nil
}

// SetLowerTolerance sets the tolerance below target in mm.
func (a *Aggregator) SetLowerTolerance(mm float64) error {
	if err := checkMM("lower tolerance", mm); err != nil {
		return err
	}
	a.target.LowerTolerance = mm
	a.EmitState()
	return nil
}

// SetHigherTolerance sets the tolerance above target in mm.
func (a *Aggregator) SetHigherTolerance(mm float64) error {
	if err := checkMM("higher tolerance", mm); err != nil {
		return err
	}
	a.target.HigherTolerance = mm
	a.EmitState()
	return nil
}

// SetTimeframeMinutes sets the min/max timeframe, which is also the window
// duration. Shrinking it evicts immediately.
func (a *Aggregator) SetTimeframeMinutes(minutes uint64) error {
	if minutes > MaxTimeframeMinutes {
		return fmt.Errorf("%w: timeframe %d minutes exceeds %d", ErrConfigOutOfRange, minutes, MaxTimeframeMinutes)
	}
	a.target.TimeframeMinutes = minutes
	a.window.SetWindow(a.target.window())
	a.EmitState()
	return nil
}

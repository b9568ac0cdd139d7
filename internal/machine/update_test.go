package machine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/extrusion.control/internal/diameter"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/puller"
	"github.com/banshee-data/extrusion.control/internal/regulator"
)

func ptr[T any](v T) *T { return &v }

func TestUpdateLaser_AppliesAllFields(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.m.UpdateLaser(LaserUpdate{
		TargetDiameter:   ptr(2.85),
		LowerTolerance:   ptr(0.03),
		TimeframeMinutes: ptr(uint64(5)),
	}))

	status := f.m.Status()
	assert.Equal(t, 2.85, status.Laser.TargetDiameterMM)
	assert.Equal(t, 0.03, status.Laser.LowerToleranceMM)
	assert.Equal(t, uint64(5), status.Laser.MinMaxTimeframeMinutes)
	assert.Equal(t, 2.85, status.Regulator.TargetDiameter)
	assert.Equal(t, 2.85, status.Puller.TargetDiameterMM)
}

func TestUpdateLaser_RejectedUpdateChangesNothing(t *testing.T) {
	store := testStore(t)
	f := newFixture(t, nil, store)
	f.rec.Reset()

	err := f.m.UpdateLaser(LaserUpdate{
		TargetDiameter: ptr(2.85),
		LowerTolerance: ptr(-1.0),
	})
	require.ErrorIs(t, err, diameter.ErrConfigOutOfRange)

	status := f.m.Status()
	assert.Equal(t, 1.75, status.Laser.TargetDiameterMM)
	assert.Equal(t, 1.75, status.Regulator.TargetDiameter)
	assert.Equal(t, 1.75, status.Puller.TargetDiameterMM)
	assert.Empty(t, f.rec.Events())

	changes, err := store.RecentChanges(10)
	require.NoError(t, err)
	assert.Empty(t, changes)

	err = f.m.UpdateLaser(LaserUpdate{TimeframeMinutes: ptr(uint64(diameter.MaxTimeframeMinutes + 1))})
	assert.ErrorIs(t, err, diameter.ErrConfigOutOfRange)
}

func TestUpdateRegulator_RejectedUpdateChangesNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.rec.Reset()

	tests := []struct {
		name string
		u    RegulatorUpdate
		want error
	}{
		{"nan speed scale", RegulatorUpdate{Strategy: ptr(regulator.ExtruderOnly), SpeedScale: ptr(math.NaN()), Enabled: ptr(true)}, ErrInvalidSetpoint},
		{"bad strategy", RegulatorUpdate{Strategy: ptr(regulator.Strategy(9)), Enabled: ptr(true)}, ErrInvalidSetpoint},
		{"half a tolerance pair", RegulatorUpdate{TightTolerance: ptr(0.01), Enabled: ptr(true)}, ErrInvalidSetpoint},
		{"negative tolerance", RegulatorUpdate{SpeedScale: ptr(1.5), TightTolerance: ptr(0.01), LooseTolerance: ptr(-1.0)}, regulator.ErrInvalidTolerance},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, f.m.UpdateRegulator(tc.u), tc.want)
		})
	}

	d := f.m.Status().Regulator
	assert.False(t, d.Enabled)
	assert.Equal(t, regulator.Balanced, d.Strategy)
	assert.Equal(t, 1.0, d.SpeedScale)
	assert.Empty(t, f.rec.Events())
}

func TestUpdateRegulator_EnablesLast(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.rec.Reset()

	require.NoError(t, f.m.UpdateRegulator(RegulatorUpdate{
		Enabled:        ptr(true),
		Strategy:       ptr(regulator.WinderOnly),
		TightTolerance: ptr(0.01),
		LooseTolerance: ptr(0.04),
	}))

	states := f.rec.OfKind(namespace.KindRegulatorState)
	require.NotEmpty(t, states)
	last := states[len(states)-1].Data.(namespace.RegulatorState)
	assert.True(t, last.Enabled)
	assert.Equal(t, "winder_only", last.Strategy)
	assert.Equal(t, 0.01, last.TightToleranceMM)
	assert.Equal(t, 0.04, last.LooseToleranceMM)
	first := states[0].Data.(namespace.RegulatorState)
	assert.False(t, first.Enabled, "parameters change before the loop is enabled")
}

func TestUpdatePuller_RejectedUpdateChangesNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.rec.Reset()

	err := f.m.UpdatePuller(PullerUpdate{
		Mode:        ptr(puller.Diameter),
		Forward:     ptr(false),
		TargetSpeed: ptr(-1.0),
		Enabled:     ptr(true),
	})
	require.ErrorIs(t, err, ErrInvalidSetpoint)

	state := f.m.Status().Puller
	assert.Equal(t, "speed", state.Mode)
	assert.True(t, state.Forward)
	assert.False(t, state.Enabled)
	assert.Equal(t, 5.0, state.TargetSpeedMPM)
	assert.Empty(t, f.rec.Events())

	require.NoError(t, f.m.UpdatePuller(PullerUpdate{TargetSpeed: ptr(8.0), Enabled: ptr(true)}))
	state = f.m.Status().Puller
	assert.True(t, state.Enabled)
	assert.Equal(t, 8.0, state.TargetSpeedMPM)
}

func TestUpdate_Empty(t *testing.T) {
	assert.True(t, LaserUpdate{}.Empty())
	assert.True(t, RegulatorUpdate{}.Empty())
	assert.True(t, PullerUpdate{}.Empty())
	assert.False(t, PullerUpdate{Forward: ptr(true)}.Empty())
}

func TestSetRegulationEnabled_DisablePublishesZeroOutput(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.m.SetStrategy(regulator.ExtruderOnly))
	require.NoError(t, f.m.SetExtruderRPM(10))
	require.NoError(t, f.m.SetPullerEnabled(true))

	at := f.run(t0, 120)
	require.NoError(t, f.m.SetRegulationEnabled(true))
	f.run(at, 60)
	require.NotZero(t, f.m.Status().RegulatorOutput.RPMAdjustment)

	f.rec.Reset()
	require.NoError(t, f.m.SetRegulationEnabled(false))
	outputs := f.rec.OfKind(namespace.KindRegulatorOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, regulator.Output{}.Event(), outputs[0].Data)
	assert.Equal(t, regulator.Output{}.Event(), f.m.Status().RegulatorOutput)

	// Already disabled: nothing further to retract.
	f.rec.Reset()
	require.NoError(t, f.m.SetRegulationEnabled(false))
	assert.Empty(t, f.rec.OfKind(namespace.KindRegulatorOutput))
}

func TestShutdown_PublishesZeroOutput(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.m.SetPullerEnabled(true))
	require.NoError(t, f.m.SetRegulationEnabled(true))
	f.run(t0, 30)

	f.rec.Reset()
	f.m.Shutdown()
	outputs := f.rec.OfKind(namespace.KindRegulatorOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, regulator.Output{}.Event(), outputs[0].Data)
	assert.WithinDuration(t, t0.Add(29*tick), outputs[0].Timestamp, time.Millisecond)
}

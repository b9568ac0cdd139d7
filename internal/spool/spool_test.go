package spool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/extrusion.control/internal/motion"
)

func TestController_FollowsLineSpeed(t *testing.T) {
	conv, err := motion.NewLinearRotaryConverter(0.1, 200)
	require.NoError(t, err)
	c, err := NewController(conv, 60, 10, 20)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0.0, c.Tick(now, 12))
	var rpm float64
	for i := 0; i < 1000; i++ {
		now = now.Add(16 * time.Millisecond)
		rpm = c.Tick(now, 12)
	}
	assert.Equal(t, 12.0, c.LastSpeed())
	assert.InDelta(t, conv.LinearToAngular(12), rpm, 1e-12)
}

func TestNewController_Validates(t *testing.T) {
	_, err := NewController(motion.LinearRotaryConverter{}, 60, 10, 20)
	assert.ErrorIs(t, err, motion.ErrInvalidGeometry)

	conv, _ := motion.NewLinearRotaryConverter(0.1, 200)
	_, err = NewController(conv, 0, 10, 20)
	assert.ErrorIs(t, err, motion.ErrInvalidLimits)
}

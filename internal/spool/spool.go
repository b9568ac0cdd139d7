// Package spool drives the take-up spool so that it winds at the puller's
// line speed.
package spool

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/extrusion.control/internal/motion"
)

// Controller follows the line speed through its own motion profile. Winding
// tension and traverse are handled by the drive.
type Controller struct {
	converter motion.LinearRotaryConverter
	profile   *motion.JerkLimitedProfile
	last      float64
}

// NewController builds a spool follower for a spool of the given core radius
// (m). maxSpeed, maxAcceleration and maxJerk are in m/min units.
func NewController(converter motion.LinearRotaryConverter, maxSpeed, maxAcceleration, maxJerk float64) (*Controller, error) {
	if converter.Radius <= 0 || converter.StepsPerRevolution <= 0 {
		return nil, fmt.Errorf("spool converter: %w", motion.ErrInvalidGeometry)
	}
	profile, err := motion.NewJerkLimitedProfile(maxSpeed, maxAcceleration, maxJerk)
	if err != nil {
		return nil, fmt.Errorf("spool motion profile: %w", err)
	}
	return &Controller{converter: converter, profile: profile}, nil
}

// Tick follows lineSpeed (m/min, signed) and returns the spool rpm.
func (c *Controller) Tick(t time.Time, lineSpeed float64) float64 {
	if math.IsNaN(lineSpeed) {
		lineSpeed = 0
	}
	c.last = c.profile.Update(lineSpeed, t)
	return c.converter.LinearToAngular(c.last)
}

// LastSpeed is the winding speed in m/min from the last Tick.
func (c *Controller) LastSpeed() float64 { return c.last }

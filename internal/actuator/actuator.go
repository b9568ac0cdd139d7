// Package actuator sends rotation commands to the extruder, puller and spool
// drives.
package actuator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/extrusion.control/internal/serialmux"
)

// ErrRejected is returned when a drive does not accept a command. The caller
// is expected to send again on its next tick rather than retry inline.
var ErrRejected = errors.New("actuator rejected command")

// Actuator is a drive that accepts an angular velocity setpoint in rpm.
type Actuator interface {
	SetAngularVelocity(rpm float64) error
}

// Serial drives a motor controller over a serial line using one
// "RPM=<value>" command per change. Identical consecutive setpoints are sent
// once; a failed send is retried by the next call.
type Serial struct {
	Name string
	// MaxRPM rejects setpoints whose magnitude exceeds it. Zero disables the
	// check.
	MaxRPM float64

	mux serialmux.SerialMuxInterface

	mu       sync.Mutex
	last     float64
	haveLast bool
}

func NewSerial(name string, mux serialmux.SerialMuxInterface, maxRPM float64) *Serial {
	return &Serial{Name: name, MaxRPM: maxRPM, mux: mux}
}

// Command formats the wire command for rpm.
func Command(rpm float64) string {
	return fmt.Sprintf("RPM=%.3f", rpm)
}

func (s *Serial) SetAngularVelocity(rpm float64) error {
	if math.IsNaN(rpm) || math.IsInf(rpm, 0) {
		return fmt.Errorf("%w: %s: non-finite setpoint %v", ErrRejected, s.Name, rpm)
	}
	if s.MaxRPM > 0 && math.Abs(rpm) > s.MaxRPM {
		return fmt.Errorf("%w: %s: %.3f rpm exceeds limit %.3f", ErrRejected, s.Name, rpm, s.MaxRPM)
	}

	cmd := Command(rpm)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveLast && Command(s.last) == cmd {
		return nil
	}
	if err := s.mux.SendCommand(cmd); err != nil {
		s.haveLast = false
		return fmt.Errorf("%w: %s: %v", ErrRejected, s.Name, err)
	}
	s.last, s.haveLast = rpm, true
	return nil
}

// Last returns the last setpoint accepted by the drive.
func (s *Serial) Last() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveLast
}

// Recording is an in-memory Actuator. It keeps every accepted setpoint and
// can be told to reject the next few commands.
type Recording struct {
	mu       sync.Mutex
	commands []float64
	rejects  int
	attempts int
}

// RejectNext makes the next n calls fail with ErrRejected.
func (r *Recording) RejectNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects = n
}

func (r *Recording) SetAngularVelocity(rpm float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.rejects > 0 {
		r.rejects--
		return ErrRejected
	}
	r.commands = append(r.commands, rpm)
	return nil
}

// Commands returns a copy of the accepted setpoints.
func (r *Recording) Commands() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.commands...)
}

// Last returns the most recent accepted setpoint.
func (r *Recording) Last() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return 0, false
	}
	return r.commands[len(r.commands)-1], true
}

// Attempts counts every call, accepted or not.
func (r *Recording) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

var (
	_ Actuator = (*Serial)(nil)
	_ Actuator = (*Recording)(nil)
)

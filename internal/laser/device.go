package laser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/banshee-data/extrusion.control/internal/monitoring"
	"github.com/banshee-data/extrusion.control/internal/serialmux"
	"github.com/banshee-data/extrusion.control/internal/timeutil"
)

// StartCommands put the gauge into continuous key=value output.
var StartCommands = []string{"MODE=CONT", "FMT=KV"}

// Device holds the latest gauge reading. One goroutine writes it (the serial
// subscription) and the control tick reads it through ReadSnapshot.
type Device struct {
	mu     sync.RWMutex
	latest Snapshot
	have   bool
	seq    uint64

	clock       timeutil.Clock
	unparseable atomic.Uint64
	warn        *monitoring.Throttle
}

// NewDevice returns a device with no reading yet. A nil clock uses the real
// clock.
func NewDevice(clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{clock: clock, warn: monitoring.NewThrottle(5 * time.Second)}
}

// ReadSnapshot returns the latest reading, or false when none has arrived.
// It never blocks on the serial port.
func (d *Device) ReadSnapshot() (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.have
}

// HandleLine parses one raw line and, if it carries a reading, publishes it
// with the next sequence number. Acknowledgements and device errors are
// ignored.
func (d *Device) HandleLine(line string) error {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypeAck:
		return nil
	case serialmux.LineTypeError:
		d.warn.Logf(d.clock.Now(), "laser: device reported %q", line)
		return nil
	}

	snap, err := ParseLine(line)
	if err != nil {
		d.unparseable.Add(1)
		d.warn.Logf(d.clock.Now(), "laser: dropping line: %v", err)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	snap.Seq = d.seq
	snap.ReceivedAt = d.clock.Now()
	d.latest = snap
	d.have = true
	return nil
}

// Unparseable reports how many lines were dropped by the parser.
func (d *Device) Unparseable() uint64 { return d.unparseable.Load() }

// Follow subscribes to mux and handles its lines until the subscription is
// closed or ctx is done.
func (d *Device) Follow(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	return d.follow(ctx, lines)
}

func (d *Device) follow(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			_ = d.HandleLine(line)
		}
	}
}

// Opener opens (or reopens) the gauge's serial mux.
type Opener func() (serialmux.SerialMuxInterface, error)

// DefaultBackOff is the reopen policy used by Supervise: quick first retries,
// capped at five seconds between attempts, never giving up.
func DefaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2.,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock}
}

// Supervise keeps the device fed: it opens the port (retrying under the
// backoff policy), follows it until the port fails and then reopens. It
// returns when ctx is done, or with the last open error if the policy gives
// up.
func Supervise(ctx context.Context, d *Device, open Opener, policy func() backoff.BackOff) error {
	if policy == nil {
		policy = DefaultBackOff
	}
	for {
		var mux serialmux.SerialMuxInterface
		op := func() error {
			m, err := open()
			if err != nil {
				monitoring.Logf("laser: open failed: %v", err)
				return err
			}
			if err := m.Initialize(); err != nil {
				monitoring.Logf("laser: initialize failed: %v", err)
				m.Close()
				return err
			}
			mux = m
			return nil
		}
		err := backoff.Retry(op, backoff.WithContext(policy(), ctx))
		if ctx.Err() != nil {
			if mux != nil {
				mux.Close()
			}
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		err = d.run(ctx, mux)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Logf("laser: serial port stopped (%v), reopening", err)
	}
}

// run follows mux while it is monitored and closes it once monitoring stops.
func (d *Device) run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.follow(ctx, lines)
	}()

	err := mux.Monitor(ctx)
	if cerr := mux.Close(); cerr != nil && err == nil {
		err = cerr
	}
	wg.Wait()
	if err == nil {
		err = errors.New("monitor stopped")
	}
	return err
}

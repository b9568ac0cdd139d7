package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle rate-limits a repeating log line. The control loop ticks at ~60Hz
// so a stuck sensor or a refusing actuator would otherwise flood the log.
// Suppressed occurrences are counted and reported with the next emitted line.
type Throttle struct {
	Interval time.Duration

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

// NewThrottle returns a Throttle emitting at most one line per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{Interval: interval}
}

// Logf logs through the package logger unless a line was emitted less than
// Interval before now. It reports whether the line was emitted.
func (t *Throttle) Logf(now time.Time, format string, v ...interface{}) bool {
	t.mu.Lock()
	if !t.last.IsZero() && now.Sub(t.last) < t.Interval {
		t.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := t.suppressed
	t.suppressed = 0
	t.last = now
	t.mu.Unlock()

	if suppressed > 0 {
		Logf(format+" (%d similar suppressed)", append(v, suppressed)...)
	} else {
		Logf(format, v...)
	}
	return true
}

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *Throttle) Suppressed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}

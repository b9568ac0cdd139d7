// Package diameter aggregates laser gauge readings into live values, a
// time-bounded sample window and the derived min/max and statistics events.
package diameter

import (
	"errors"
	"time"
)

// ErrOutOfOrder is returned when a sample is older than the newest retained
// sample. The sample is discarded.
var ErrOutOfOrder = errors.New("sample older than newest in window")

// compactThreshold is the number of evicted slots tolerated at the front of
// the backing slice before it is compacted.
const compactThreshold = 1024

// Sample is one diameter reading in millimetres at tick time T.
type Sample struct {
	D float64
	T time.Time
}

// Window retains samples whose timestamps are within the window duration of
// the newest sample. Samples are kept in insertion order, which is also
// non-decreasing time order.
type Window struct {
	samples []Sample
	head    int
	window  time.Duration
}

// NewWindow returns an empty window. Negative durations are treated as zero.
func NewWindow(d time.Duration) *Window {
	if d < 0 {
		d = 0
	}
	return &Window{window: d}
}

// Insert appends a sample and evicts everything older than t minus the window.
func (w *Window) Insert(d float64, t time.Time) error {
	if w.Len() > 0 && t.Before(w.samples[len(w.samples)-1].T) {
		return ErrOutOfOrder
	}
	w.samples = append(w.samples, Sample{D: d, T: t})
	w.evict(t)
	return nil
}

func (w *Window) evict(newest time.Time) {
	cutoff := newest.Add(-w.window)
	for w.head < len(w.samples) && w.samples[w.head].T.Before(cutoff) {
		w.samples[w.head] = Sample{}
		w.head++
	}
	if w.head == len(w.samples) {
		w.samples = w.samples[:0]
		w.head = 0
		return
	}
	if w.head >= compactThreshold && w.head*2 >= len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

// SetWindow changes the retention duration and evicts relative to the newest
// retained sample. The wall clock plays no part.
func (w *Window) SetWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.window = d
	if w.Len() > 0 {
		w.evict(w.samples[len(w.samples)-1].T)
	}
}

// Duration returns the retention duration.
func (w *Window) Duration() time.Duration { return w.window }

// Len returns the number of retained samples.
func (w *Window) Len() int { return len(w.samples) - w.head }

// MinMax returns the smallest and largest retained diameters, or nil for both
// when the window is empty.
func (w *Window) MinMax() (min, max *float64) {
	if w.Len() == 0 {
		return nil, nil
	}
	lo := w.samples[w.head].D
	hi := lo
	for _, s := range w.samples[w.head+1:] {
		if s.D < lo {
			lo = s.D
		}
		if s.D > hi {
			hi = s.D
		}
	}
	return &lo, &hi
}

// Values returns a copy of the retained diameters, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.Len())
	for _, s := range w.samples[w.head:] {
		out = append(out, s.D)
	}
	return out
}

// Samples returns a copy of the retained samples, oldest first.
func (w *Window) Samples() []Sample {
	return append([]Sample(nil), w.samples[w.head:]...)
}

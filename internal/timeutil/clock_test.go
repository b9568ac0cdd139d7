package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AdvanceAndSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(16 * time.Millisecond)

	if got := clock.Since(start); got != 16*time.Millisecond {
		t.Errorf("Since() = %v, want 16ms", got)
	}

	later := start.Add(time.Hour)
	clock.Set(later)
	if !clock.Now().Equal(later) {
		t.Errorf("Now() = %v, want %v", clock.Now(), later)
	}
}

func TestMockClock_Ticker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(16 * time.Millisecond)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired too early")
	default:
	}

	clock.Advance(16 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(16 * time.Millisecond)) {
			t.Errorf("tick time = %v", got)
		}
	default:
		t.Fatal("ticker did not fire after advance")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Error("stopped ticker should not fire")
	default:
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Minute).(*MockTicker)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ticker.Trigger(at)

	select {
	case got := <-ticker.C():
		if !got.Equal(at) {
			t.Errorf("got %v, want %v", got, at)
		}
	default:
		t.Error("Trigger did not deliver a tick")
	}
}

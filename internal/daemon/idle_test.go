package daemon

import (
	"testing"
	"time"
)

func TestNewWatchdogDisabledForNonPositiveTimeout(t *testing.T) {
	if w := NewWatchdog(0, func() {}); w != nil {
		t.Fatal("NewWatchdog(0) != nil, want disabled watchdog")
	}

	var w *Watchdog
	w.Begin()
	w.End()
	w.Stop()
}

func TestWatchdogFiresWhenIdle(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })
	defer w.Stop()

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("watchdog did not fire")
	}
}

func TestWatchdogDefersWhileRequestInFlight(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })
	defer w.Stop()

	w.Begin()
	select {
	case <-fired:
		t.Fatal("watchdog fired while a request was in flight")
	case <-time.After(60 * time.Millisecond):
	}

	w.mu.Lock()
	hasTimer := w.timer != nil
	w.mu.Unlock()
	if hasTimer {
		t.Fatal("timer running while a request is in flight")
	}

	w.End()
	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("watchdog did not fire after request completed")
	}
}

func TestWatchdogStopPreventsFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })
	w.Stop()

	select {
	case <-fired:
		t.Fatal("watchdog fired after Stop")
	case <-time.After(60 * time.Millisecond):
	}
}

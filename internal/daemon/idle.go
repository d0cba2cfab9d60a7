package daemon

import (
	"sync"
	"time"
)

// Watchdog fires a callback when no request has been in flight for the
// configured timeout. A nil *Watchdog is valid and does nothing.
type Watchdog struct {
	mu          sync.Mutex
	timer       *time.Timer
	timerID     uint64
	nextTimerID uint64
	inFlight    int
	timeout     time.Duration
	onIdle      func()
	stopped     bool
}

// NewWatchdog returns a started watchdog, or nil when timeout is not
// positive.
func NewWatchdog(timeout time.Duration, onIdle func()) *Watchdog {
	if timeout <= 0 {
		return nil
	}
	w := &Watchdog{timeout: timeout, onIdle: onIdle}
	w.mu.Lock()
	w.startTimerLocked()
	w.mu.Unlock()
	return w
}

// Begin marks the start of a request. The idle timer is canceled so a
// long-running request is never interrupted.
func (w *Watchdog) Begin() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopTimerLocked()
	w.inFlight++
}

// End marks the completion of a request and restarts the idle timer once
// nothing is in flight.
func (w *Watchdog) End() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight > 1 {
		w.inFlight--
		return
	}
	w.inFlight = 0
	w.startTimerLocked()
}

// Stop cancels the timer permanently.
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.stopTimerLocked()
}

func (w *Watchdog) startTimerLocked() {
	if w.stopped {
		return
	}
	w.stopTimerLocked()

	w.nextTimerID++
	id := w.nextTimerID
	w.timerID = id
	w.timer = time.AfterFunc(w.timeout, func() {
		w.expire(id)
	})
}

func (w *Watchdog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerID = 0
}

func (w *Watchdog) expire(id uint64) {
	w.mu.Lock()
	if w.stopped || w.timerID != id || w.inFlight > 0 {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.timerID = 0
	fn := w.onIdle
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

package harvest

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInactive is the cancellation cause when a job makes no observable
// progress for its whole timeout window.
var ErrInactive = errors.New("job made no progress within its timeout")

// Watchdog cancels its context when Reset is not called for the duration
// of the timeout. Downloads and bulk inserts call Reset as data moves, so
// a slow but live job keeps running while a stuck one gets reaped.
type Watchdog struct {
	timeout time.Duration
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// NewWatchdog wraps ctx with an inactivity deadline. The returned stop
// function must be called when the job finishes.
func NewWatchdog(ctx context.Context, timeout time.Duration) (context.Context, *Watchdog, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{timeout: timeout, cancel: cancel}
	w.timer = time.AfterFunc(timeout, w.expire)
	return ctx, w, w.stop
}

// Reset acknowledges progress and rearms the timer.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.cancel(ErrInactive)
}

func (w *Watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.timer.Stop()
	w.cancel(nil)
}

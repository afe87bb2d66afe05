// Package anr guards every one-way call to an app with a deadline. If the
// app's done callback does not arrive in time, the timeout surfaces as a
// reported error; it is never allowed to become a crash.
package anr

import (
	"sync/atomic"
	"time"

	"github.com/cartemplate/host/internal/telemetry"
)

// Token tracks one outstanding call. The holder must either Dismiss it when
// the done callback arrives or let it expire.
type Token struct {
	api     telemetry.API
	timer   *time.Timer
	settled atomic.Bool
	fired   atomic.Bool
}

// API returns the call this token labels.
func (t *Token) API() telemetry.API {
	return t.api
}

// Dismiss cancels the deadline. Safe to call more than once; a dismiss after
// the deadline has already fired is a no-op.
func (t *Token) Dismiss() {
	if t.settled.CompareAndSwap(false, true) {
		t.timer.Stop()
	}
}

// Expired reports whether the deadline fired before a dismiss.
func (t *Token) Expired() bool {
	return t.fired.Load()
}

// Watchdog issues tokens with a fixed deadline. The deadline is configured
// shorter than the platform's own unresponsiveness limit so the host reports
// the app before the platform flags the host.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func(api telemetry.API)
}

// New creates a watchdog. onTimeout runs on a timer goroutine; it must
// repost before touching shared state.
func New(timeout time.Duration, onTimeout func(api telemetry.API)) *Watchdog {
	return &Watchdog{timeout: timeout, onTimeout: onTimeout}
}

// Timeout returns the configured deadline.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Track starts the deadline for one call.
func (w *Watchdog) Track(api telemetry.API) *Token {
	t := &Token{api: api}
	t.timer = time.AfterFunc(w.timeout, func() {
		if t.settled.CompareAndSwap(false, true) {
			t.fired.Store(true)
			if w.onTimeout != nil {
				w.onTimeout(api)
			}
		}
	})
	return t
}

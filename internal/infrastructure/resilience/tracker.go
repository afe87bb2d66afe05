// Package resilience decides how the host reacts when an app process dies.
//
// A death after at least one successful connection is a transient failure:
// the binding retries with bounded backoff. A death before any successful
// connection, or too many deaths inside a rolling window, is fatal to the
// session; the user sees an error and no further retries are attempted.
package resilience

import (
	"sync"
	"time"
)

// Decision is the tracker's verdict on a recorded death.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionFatal
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Settings configures the crash policy.
type Settings struct {
	// MaxDeaths is the number of deaths tolerated within Interval before the
	// session is declared fatal.
	MaxDeaths uint32
	// Interval is the rolling window for counting deaths.
	Interval time.Duration
	// RetryDelay is the base delay before an auto-rebind; it doubles per
	// consecutive death up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// OnFatal is called once when the tracker turns fatal.
	OnFatal func(name string, counts Counts)
}

// Counts holds the statistics for the tracker.
type Counts struct {
	Connects          uint32
	Deaths            uint32
	ConsecutiveDeaths uint32
}

// Tracker records connection and death events for one app session.
type Tracker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	counts      Counts
	connected   bool // at least one successful handshake
	fatal       bool
	windowStart time.Time
}

// New creates a tracker with the given settings.
func New(name string, settings Settings) *Tracker {
	if settings.MaxDeaths == 0 {
		settings.MaxDeaths = 3
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.RetryDelay == 0 {
		settings.RetryDelay = 500 * time.Millisecond
	}
	if settings.MaxRetryDelay == 0 {
		settings.MaxRetryDelay = 10 * time.Second
	}

	return &Tracker{
		name:        name,
		settings:    settings,
		windowStart: time.Now(),
	}
}

// Name returns the name of the tracker.
func (t *Tracker) Name() string {
	return t.name
}

// RecordConnected notes a completed handshake and clears the consecutive
// death streak.
func (t *Tracker) RecordConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = true
	t.counts.Connects++
	t.counts.ConsecutiveDeaths = 0
}

// RecordDeath notes a process death and returns the policy decision.
func (t *Tracker) RecordDeath() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fatal {
		return DecisionFatal
	}

	now := time.Now()
	if now.Sub(t.windowStart) > t.settings.Interval {
		t.windowStart = now
		t.counts.Deaths = 0
	}
	t.counts.Deaths++
	t.counts.ConsecutiveDeaths++

	// Death with no prior successful connection means the app cannot even
	// come up; retrying would loop forever.
	if !t.connected || t.counts.Deaths >= t.settings.MaxDeaths {
		t.setFatal()
		return DecisionFatal
	}
	return DecisionRetry
}

// RetryDelay returns the backoff delay for the current death streak.
func (t *Tracker) RetryDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	delay := t.settings.RetryDelay
	for i := uint32(1); i < t.counts.ConsecutiveDeaths; i++ {
		delay *= 2
		if delay >= t.settings.MaxRetryDelay {
			return t.settings.MaxRetryDelay
		}
	}
	return delay
}

// Fatal reports whether the session has been declared dead.
func (t *Tracker) Fatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// Counts returns a copy of the internal counts.
func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// setFatal flips the tracker to fatal (must hold mu).
func (t *Tracker) setFatal() {
	if t.fatal {
		return
	}
	t.fatal = true
	if t.settings.OnFatal != nil {
		t.settings.OnFatal(t.name, t.counts)
	}
}

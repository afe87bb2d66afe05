// Package mainloop serializes all shared-state mutation onto a single
// consumer goroutine. External asynchronous notifications (transport
// callbacks, timers) must be posted here before touching any session state;
// the packages built on top rely on that discipline instead of locks.
package mainloop

import (
	"sync"
	"time"
)

// Loop is a single-consumer task queue. Tasks run in the order they were
// posted, one at a time, on the loop's own goroutine.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a loop and starts its consumer goroutine.
func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			// Drain what was already queued, then exit.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn for execution on the loop. Tasks posted after Stop are
// dropped silently.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.quit:
	case l.tasks <- fn:
	}
}

// PostAndWait enqueues fn and blocks until it has run, reporting whether it
// did. A false return means the loop stopped first and fn never executed;
// callers must not act as if it had. Intended for diagnostics and tests, not
// the dispatch path.
func (l *Loop) PostAndWait(fn func()) bool {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-l.done:
		// The shutdown drain may still have executed fn.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Timer is a handle to a delayed task.
type Timer struct {
	t *time.Timer
}

// Cancel stops the delayed task if it has not been posted yet.
func (t *Timer) Cancel() bool {
	if t == nil || t.t == nil {
		return false
	}
	return t.t.Stop()
}

// PostDelayed schedules fn to be posted onto the loop after d.
func (l *Loop) PostDelayed(fn func(), d time.Duration) *Timer {
	return &Timer{t: time.AfterFunc(d, func() {
		l.Post(fn)
	})}
}

// Stop shuts the loop down after draining already-queued tasks. Idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.quit)
	})
	<-l.done
}

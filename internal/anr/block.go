package anr

import (
	"errors"
	"time"
)

// ErrNoResponse is returned when a blocking call gave up waiting. Timing out
// means "treat as no response"; the in-flight call is not cancelled.
var ErrNoResponse = errors.New("no response from app")

// Block is the sole sanctioned way to make a one-way call look synchronous.
// It issues call and parks the caller until the done callback fires or
// timeout elapses. The timeout must stay below the platform ANR limit so the
// caller is released before the host itself would be flagged unresponsive.
//
// The done callback may be invoked from any goroutine; a late callback after
// timeout is discarded.
func Block[T any](timeout time.Duration, call func(done func(T, error))) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	ch := make(chan outcome, 1)
	call(func(v T, err error) {
		select {
		case ch <- outcome{value: v, err: err}:
		default:
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-timer.C:
		var zero T
		return zero, ErrNoResponse
	}
}

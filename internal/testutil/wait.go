// Package testutil provides testing utilities for polling and waiting.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return false
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("condition not met before timeout")
	}
}

// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.AfterFunc, or time.Sleep directly. In production,
// Real() provides standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called — the
// request processor's disconnect grace timer is driven this way so tests
// never sleep.
package clock

import "time"

// Clock abstracts time operations. Every production function that
// schedules or measures time should accept a Clock (or be a method on a
// struct with a Clock field) instead of calling the time package
// directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. Returns a Timer that can cancel the pending call
	// with Stop. If d <= 0, f runs immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer is a pending AfterFunc call. Stop cancels the call if it has
// not fired yet; it reports whether the call was still pending.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the timer. Returns false if the timer already fired or
// was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

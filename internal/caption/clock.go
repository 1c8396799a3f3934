package caption

import "time"

// Clock abstracts time for the caption pipeline so tests can drive timers
// deterministically. The production implementation is [RealClock].
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms a one-shot timer that calls fn after d. The returned
	// [Timer] can be stopped; fn may still run if the timer already fired.
	//
	// Callers in this package always wrap fn so that it re-enters the session
	// loop; fn itself must therefore be treated as running on an arbitrary
	// goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// RealClock implements [Clock] on top of the time package.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

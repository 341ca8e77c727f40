package jobs

import "time"

// Scheduler is the timer capability injected into the poller so tests
// can drive time deterministically
type Scheduler interface {
	// Schedule runs fn once after d and returns a cancel func. Cancel
	// after firing is a no-op.
	Schedule(d time.Duration, fn func()) (cancel func())
}

// timerScheduler backs Schedule with time.AfterFunc
type timerScheduler struct{}

// NewTimerScheduler returns the wall-clock Scheduler used in production
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

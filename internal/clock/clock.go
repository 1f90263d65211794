package clock

import "time"

// Clock is the time source for everything that schedules work:
// scan ticks, handshake timeouts, reconnect backoff and log stamps.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
	AfterFunc(d time.Duration, f func()) *Timer
}

// Ticker delivers ticks on C. C has capacity 1; slow consumers drop ticks.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop reports whether the call was cancelled before it fired.
func (t *Timer) Stop() bool { return t.stop() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	tk := time.NewTicker(d)
	return &Ticker{C: tk.C, stop: tk.Stop}
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	tm := time.AfterFunc(d, f)
	return &Timer{stop: tm.Stop}
}

// Package clock abstracts wall-clock time and logical ordering.
//
// Production code injects Real(); tests inject testutil.FakeClock so that
// cool-off windows, token expiry and poll loops can be driven
// deterministically.
package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel at
	// the specified interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C and call Stop when the
// ticker is no longer needed.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1; ticks are dropped when
	// the consumer falls behind.
	C <-chan time.Time

	stopFunc func()
}

// NewTicker builds a Ticker from a tick channel and a stop function.
// Clock implementations outside this package use it to hand out tickers.
func NewTicker(c <-chan time.Time, stop func()) *Ticker {
	return &Ticker{C: c, stopFunc: stop}
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}

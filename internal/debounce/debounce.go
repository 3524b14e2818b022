// Package debounce coalesces bursts of calls into one trailing
// invocation after a quiet period, the way search-as-you-type inputs
// batch their refetches.
package debounce

import (
	"sync"
	"time"
)

// DefaultQuiet is the standard quiet period for user-driven bursts.
const DefaultQuiet = 300 * time.Millisecond

// Debouncer runs the most recent function once the calls stop arriving.
type Debouncer struct {
	quiet time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// New builds a debouncer; a zero quiet period gets the default.
func New(quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Debouncer{quiet: quiet}
}

// Trigger schedules fn after the quiet period, replacing any previously
// scheduled call. Only the last fn of a burst runs.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, fn)
}

// Stop cancels any pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

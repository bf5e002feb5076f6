package rooms

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one callback invocation. Each
// Trigger resets a quiet-period timer; a separate non-resettable ceiling
// timer guarantees the callback fires at least once every maxWait under
// continuous triggering. Whichever timer fires first runs the callback and
// clears both.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	maxWait  time.Duration
	callback func()
	quiet    *time.Timer
	ceiling  *time.Timer
}

func newDebouncer(interval, maxWait time.Duration, callback func()) *debouncer {
	return &debouncer{
		interval: interval,
		maxWait:  maxWait,
		callback: callback,
	}
}

// Trigger schedules (or reschedules) the callback interval after the most
// recent trigger, and arms the ceiling timer if this is the first trigger of
// a burst.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quiet != nil {
		d.quiet.Stop()
	}
	d.quiet = time.AfterFunc(d.interval, d.fire)
	if d.ceiling == nil {
		d.ceiling = time.AfterFunc(d.maxWait, d.fire)
	}
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.quiet == nil && d.ceiling == nil {
		// The other timer won the race, or Stop ran first.
		d.mu.Unlock()
		return
	}
	d.clearLocked()
	d.mu.Unlock()
	d.callback()
}

// Stop cancels any pending invocation without running the callback.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

// Flush cancels any pending invocation and runs the callback synchronously.
func (d *debouncer) Flush() {
	d.Stop()
	d.callback()
}

func (d *debouncer) clearLocked() {
	if d.quiet != nil {
		d.quiet.Stop()
		d.quiet = nil
	}
	if d.ceiling != nil {
		d.ceiling.Stop()
		d.ceiling = nil
	}
}

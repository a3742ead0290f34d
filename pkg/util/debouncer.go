package util

import (
	"sync"
	"time"
)

// Debouncer fires once a configured quiet period elapses without a Reset.
// It starts disarmed: the timer only begins counting after the first Reset,
// so consumers observing an activity stream are not woken before any
// activity has occurred. It's thread-safe and handles timer edge cases.
//
// Example usage:
//
//	debouncer := NewDebouncer(1500 * time.Millisecond)
//	defer debouncer.Stop()
//
//	for {
//	    select {
//	    case chunk := <-voicedChunks:
//	        process(chunk)
//	        debouncer.Reset() // activity observed, push the deadline out
//	    case <-debouncer.C():
//	        onQuiet() // no activity for the full duration
//	    }
//	}
type Debouncer struct {
	duration time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	stopped  bool
}

// NewDebouncer creates a disarmed debouncer with the specified quiet period.
func NewDebouncer(duration time.Duration) *Debouncer {
	timer := time.NewTimer(duration)
	if !timer.Stop() {
		<-timer.C
	}

	return &Debouncer{
		duration: duration,
		timer:    timer,
	}
}

// Reset arms the timer to fire after the debouncer's duration, replacing
// any pending deadline. If the debouncer has been stopped, this is a no-op.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	// Stop timer and drain channel if necessary
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.duration)
}

// C returns the timer's channel.
func (d *Debouncer) C() <-chan time.Time {
	return d.timer.C
}

// Stop stops the debouncer and prevents further resets.
// It's safe to call Stop multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.stopped {
		d.timer.Stop()
		d.stopped = true
	}
}

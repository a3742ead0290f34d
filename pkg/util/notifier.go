package util

// Notifier coalesces wake-up signals for a single consumer. Any number of
// producers may call Notify without blocking; a consumer waiting on C is
// woken at least once after one or more notifications. Pending signals
// collapse into one, so the consumer must re-check its work queue after
// every wake-up rather than counting signals.
//
// Example usage:
//
//	notifier := NewNotifier()
//
//	// producer
//	queue.Push(item)
//	notifier.Notify()
//
//	// consumer
//	for {
//	    select {
//	    case <-notifier.C():
//	        drain(queue)
//	    case <-ctx.Done():
//	        return
//	    }
//	}
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a new notifier with no pending signal.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify wakes the consumer. Never blocks; signals coalesce.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the wake-up channel.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}

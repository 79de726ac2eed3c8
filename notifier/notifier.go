package notifier

import (
	"sync"
)

// Notifier wakes every subscriber whenever new status events are written.
// Subscribers get a coalesced signal, not the event itself; they are
// expected to re-read from their cursor.
type Notifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.Mutex
}

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (n *Notifier) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	if _, ok := n.subscribers[ch]; ok {
		delete(n.subscribers, ch)
		close(ch)
	}
	n.mu.Unlock()
}

// NotifyAll is safe to call on a nil Notifier.
func (n *Notifier) NotifyAll() {
	if n == nil {
		return
	}

	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
	n.mu.Unlock()
}

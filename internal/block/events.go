package block

import "sync"

// notifier fans out commit events to registered listeners. Listeners are
// called synchronously on the committing goroutine after the transaction
// has committed, so they must only enqueue work (the sync bridge hands the
// event to its worker queue and returns).
type notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (n *notifier) register(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) notify(ev Event) {
	n.mu.RLock()
	ls := n.listeners
	n.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

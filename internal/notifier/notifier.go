// Package notifier broadcasts workspace change events to subscribers.
package notifier

import "sync"

// Kind classifies an Event.
type Kind string

// Event kinds.
const (
	DatabaseAdded   Kind = "database-added"
	DatabaseRemoved Kind = "database-removed"
	ActiveChanged   Kind = "active-changed"
	QueriesChanged  Kind = "queries-changed"
	QueryProgress   Kind = "query-progress"
	QueryResult     Kind = "query-result"
	QueryFinished   Kind = "query-finished"
	TablesChanged   Kind = "tables-changed"
	CreateProgress  Kind = "create-progress"
)

// Event describes one change. DatabaseID is -1 for events that are not
// about a persisted database.
type Event struct {
	Kind       Kind
	DatabaseID int64
	QueryIndex int
	Progress   float64
}

// Buffer is the per-subscriber channel capacity.
const Buffer = 64

// Notifier fans events out to every subscriber. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

// New creates a Notifier.
func New() *Notifier {
	return &Notifier{
		listeners: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel receiving future events. Call Unsubscribe
// when done.
func (n *Notifier) Subscribe() chan Event {
	ch := make(chan Event, Buffer)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	_, ok := n.listeners[ch]
	delete(n.listeners, ch)
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers ev to every subscriber with room for it.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

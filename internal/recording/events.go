package recording

import (
	"sync"
	"time"
)

// EventType names a controller notification.
type EventType string

const (
	EventStarted  EventType = "started"
	EventStopping EventType = "stopping"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
)

// Event is a user-facing notification. Kind is set for EventError.
type Event struct {
	Type    EventType `json:"type"`
	Kind    Kind      `json:"kind,omitempty"`
	Session string    `json:"session,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

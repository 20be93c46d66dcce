package registry

import "sync"

// EventType is a database lifecycle event kind.
type EventType string

// Lifecycle events emitted by the manager.
const (
	EventCreated     EventType = "created"
	EventUpdated     EventType = "updated"
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventDeleted     EventType = "deleted"
)

// Event describes one database lifecycle change.
type Event struct {
	Type       EventType
	DatabaseID string
	TenantID   string
}

// Listener receives lifecycle events. Listeners must not call back into
// the manager method that emitted the event.
type Listener func(Event)

// eventBus fans lifecycle events out to subscribers in emission order.
// Subscription is expected at wire-up time; emission happens on whatever
// goroutine drives the lifecycle change.
type eventBus struct {
	mu        sync.Mutex
	listeners []Listener
}

func (b *eventBus) subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

package events

import "sync"

// Listener receives published events. It runs on the publisher's goroutine
// and must not block.
type Listener func(Event)

// Emitter fans events out to subscribed listeners, in subscription order.
type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []subscription
}

type subscription struct {
	id       uint64
	listener Listener
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers l and returns a func that removes it again.
func (e *Emitter) Subscribe(l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, subscription{id: id, listener: l})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, sub := range e.listeners {
				if sub.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers event to every listener subscribed at the time of the call.
func (e *Emitter) Publish(event Event) {
	if e == nil || event == nil {
		return
	}

	e.mu.RLock()
	snapshot := make([]Listener, len(e.listeners))
	for i, sub := range e.listeners {
		snapshot[i] = sub.listener
	}
	e.mu.RUnlock()

	for _, l := range snapshot {
		l(event)
	}
}

// Len returns the number of subscribed listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

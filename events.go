package brokerkit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EventKind identifies a lifecycle notification.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Err is set for error events and for
// disconnects caused by a broker error.
type Event struct {
	Kind EventKind
	Err  error
	Time time.Time
}

// Listener receives events synchronously on the goroutine that produced
// them. It must not block.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

type eventRegistry struct {
	logger *slog.Logger
	clock  clock.Clock

	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventKind][]listenerEntry
}

func newEventRegistry(logger *slog.Logger, clk clock.Clock) *eventRegistry {
	return &eventRegistry{
		logger:    logger,
		clock:     clk,
		listeners: make(map[EventKind][]listenerEntry),
	}
}

func (r *eventRegistry) on(kind EventKind, fn Listener) func() {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[kind] = append(r.listeners[kind], listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(kind, id) })
	}
}

func (r *eventRegistry) remove(kind EventKind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[kind]
	for i, e := range entries {
		if e.id == id {
			r.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (r *eventRegistry) emit(kind EventKind, err error) {
	r.mu.RLock()
	entries := append([]listenerEntry(nil), r.listeners[kind]...)
	r.mu.RUnlock()

	event := Event{Kind: kind, Err: err, Time: r.clock.Now()}
	for _, e := range entries {
		r.call(e.fn, event)
	}
}

func (r *eventRegistry) call(fn Listener, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event listener panicked", "event", event.Kind.String(), "panic", rec)
		}
	}()
	fn(event)
}

// Package bus is the process-wide subscriber registry: a typed pub/sub
// channel between the transport and its independent consumers. It is an
// injectable instance rather than package-level state so tests and multiple
// feeds do not leak subscribers into each other.
package bus

import (
	"sort"
	"sync"

	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
)

// Handler receives one published event. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is isolated and logged.
type Handler func(feed.Event)

type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[feed.EventKind]map[uint64]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[feed.EventKind]map[uint64]Handler)}
}

// Subscribe registers fn for events of the given kind and returns its
// disposer. Disposal is idempotent. Ownership of disposal is the caller's;
// the bus does not detect duplicate registrations for the same consumer.
func (b *Bus) Subscribe(kind feed.EventKind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	m, ok := b.subs[kind]
	if !ok {
		m = make(map[uint64]Handler)
		b.subs[kind] = m
	}
	m[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[kind], id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber current at call time before
// returning. Subscribers added during delivery see only later events;
// a disposed subscriber receives nothing further. One handler's panic does
// not prevent delivery to the rest.
func (b *Bus) Publish(ev feed.Event) {
	b.mu.RLock()
	m := b.subs[ev.Kind]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = m[id]
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(ev, fn)
	}
}

func (b *Bus) deliver(ev feed.Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("bus_callback_panics_total", map[string]string{"kind": ev.Kind.String()})
			observ.Log("bus_callback_panic", map[string]any{
				"kind":  ev.Kind.String(),
				"panic": r,
			})
		}
	}()
	fn(ev)
}

// SubscriberCount reports current subscribers for a kind (used by tests and
// the status endpoint).
func (b *Bus) SubscriberCount(kind feed.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Package bus implements the in-process publish/subscribe channel that
// decouples pipeline producers (stages, subprocess log lines) from consumers
// (CLI printer, journal, controller bridges).
package bus

import (
	"log/slog"
	"sync"
)

// Handler consumes one delivered event payload.
type Handler func(Payload)

// entry pairs a handler with its registration id so the same function can be
// registered more than once and removed individually.
type entry struct {
	id uint64
	fn Handler
}

// Bus delivers events synchronously and in registration order on the
// emitting goroutine. Subscribe, Unsubscribe and Emit are all safe to call
// concurrently; one mutex guards the registry.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]entry
	nextID   uint64
	logger   *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default; the
// logger only ever reports recovered handler panics.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// Subscription identifies one registration and can remove it again.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
}

// Unsubscribe removes this registration. Removing an already-removed
// subscription is a no-op. Emissions that started before Unsubscribe may
// still reach the handler once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	entries := s.bus.handlers[s.name]
	for i, e := range entries {
		if e.id == s.id {
			s.bus.handlers[s.name] = append(entries[:i:i], entries[i+1:]...)

			break
		}
	}
}

// Subscribe registers fn for the named event. Duplicate registrations of the
// same function are allowed and each receives its own delivery.
func (b *Bus) Subscribe(name string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	b.handlers[name] = append(b.handlers[name], entry{id: id, fn: fn})

	return &Subscription{bus: b, name: name, id: id}
}

// Emit synchronously invokes every handler currently registered for the
// payload's event name, in registration order, on the calling goroutine.
// A panicking handler is recovered and logged; remaining handlers still run
// and nothing propagates to the caller. Delivery is at-most-once: handlers
// registered after Emit starts never see this emission.
func (b *Bus) Emit(p Payload) {
	name := p.EventName()

	b.mu.Lock()
	entries := b.handlers[name]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	for _, e := range snapshot {
		b.deliver(name, e, p)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(name string, e entry, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", name),
				slog.Any("panic", r))
		}
	}()

	e.fn(p)
}

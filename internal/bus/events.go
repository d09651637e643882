package bus

import (
	"log/slog"
	"sync"

	"farmchat/internal/metrics"
)

// Handler is a callback for values published on a Topic.
type Handler[T any] func(T)

// Topic keeps an ordered list of handlers for one event category and fans
// every published value out to all of them. The same function may be
// subscribed more than once; each subscription is removed independently.
type Topic[T any] struct {
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []namedHandler[T]
	nextID   uint64
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler[T any] struct {
	ID      uint64
	Handler Handler[T]
}

// NewTopic creates an empty Topic. name only labels log lines.
func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{name: name, logger: logger}
}

// Subscribe appends handler and returns a func that removes exactly this
// registration. Calling the returned func again is a no-op.
func (t *Topic[T]) Subscribe(handler Handler[T]) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, namedHandler[T]{ID: id, Handler: handler})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

// Deliver hands v to handler alone, with the same panic isolation as
// Publish. It is how a new subscriber is told the current value.
func (t *Topic[T]) Deliver(handler Handler[T], v T) {
	t.call(0, handler, v)
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, h := range t.handlers {
		if h.ID == id {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every current handler in registration order.
// A panicking handler is logged and skipped; the remaining handlers still run.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := make([]namedHandler[T], len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, h := range handlers {
		t.call(h.ID, h.Handler, v)
	}
}

func (t *Topic[T]) call(id uint64, handler Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberPanics.Inc()
			t.logger.Error("subscriber panic", "topic", t.name, "handler", id, "panic", r)
		}
	}()
	handler(v)
}

// Clear drops every handler. Unsubscribe funcs handed out earlier stay safe
// to call.
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = nil
}

// Len returns the number of registered handlers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

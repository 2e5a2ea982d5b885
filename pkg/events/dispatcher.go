package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler reacts to one event. A returned error is logged by the dispatcher
// and never stops delivery to the remaining handlers.
type Handler func(ctx context.Context, ev Event) error

// HandlerID is the subscription handle returned by On.
type HandlerID uint64

type subscription struct {
	id      HandlerID
	handler Handler
}

// Dispatcher maps event kinds to ordered handler lists.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]subscription
	nextID   HandlerID

	// OnHandlerError, when set, observes every failed or panicking handler.
	OnHandlerError func(kind Kind, err error)

	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[Kind][]subscription),
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// On registers h for kind. Handlers for one kind run in registration order.
func (d *Dispatcher) On(kind Kind, h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], subscription{id: id, handler: h})
	return id
}

// Off removes the handler registered under id. It reports whether a handler
// was removed.
func (d *Dispatcher) Off(kind Kind, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[kind]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Build a new slice so that an in-flight Emit keeps its own copy intact.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, kind)
		} else {
			d.handlers[kind] = next
		}
		return true
	}
	return false
}

// Count returns the number of handlers registered for kind.
func (d *Dispatcher) Count(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Emit invokes every handler registered for ev.Type and returns how many of
// them completed without error.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) int {
	d.mu.RLock()
	subs := make([]subscription, len(d.handlers[ev.Type]))
	copy(subs, d.handlers[ev.Type])
	d.mu.RUnlock()

	ok := 0
	for _, s := range subs {
		if err := d.invoke(ctx, s.handler, ev); err != nil {
			d.logger.Error("Event handler failed",
				slog.String("event", ev.Type.String()),
				slog.Uint64("handlerID", uint64(s.id)),
				slog.Any("error", err),
			)
			if d.OnHandlerError != nil {
				d.OnHandlerError(ev.Type, err)
			}
			continue
		}
		ok++
	}
	return ok
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

package host

import (
	"reflect"
	"sync"
)

// CustomEventHandler receives custom events on the main thread.
type CustomEventHandler interface {
	Notify(args *CustomEventArgs)
}

// HandlerFunc adapts a function to CustomEventHandler. Funcs are not
// comparable, so a HandlerFunc can be added but never removed.
type HandlerFunc func(args *CustomEventArgs)

// Notify calls f(args).
func (f HandlerFunc) Notify(args *CustomEventArgs) { f(args) }

// CustomEventArgs is passed to handlers of a fired custom event.
type CustomEventArgs struct {
	// Name is the event name the payload was fired under.
	Name string

	// AdditionalInfo is the opaque payload given to FireCustomEvent.
	AdditionalInfo string

	dispatched bool
}

// Dispatched reports whether the args were delivered by the main loop, as
// opposed to being constructed and passed to a handler directly.
func (a *CustomEventArgs) Dispatched() bool {
	return a != nil && a.dispatched
}

// CustomEvent is a named event that handlers can subscribe to.
type CustomEvent struct {
	name string

	mu       sync.Mutex
	handlers []CustomEventHandler
}

// Name returns the event name.
func (e *CustomEvent) Name() string {
	return e.name
}

// Add subscribes handler. Returns false if handler is nil.
func (e *CustomEvent) Add(handler CustomEventHandler) bool {
	if handler == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	return true
}

// Remove unsubscribes handler. Returns false if it was not subscribed.
func (e *CustomEvent) Remove(handler CustomEventHandler) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handler == nil || !reflect.TypeOf(handler).Comparable() {
		return false
	}
	for i, h := range e.handlers {
		if reflect.TypeOf(h).Comparable() && h == handler {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// HandlerCount returns the number of subscribed handlers.
func (e *CustomEvent) HandlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *CustomEvent) snapshot() []CustomEventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CustomEventHandler, len(e.handlers))
	copy(out, e.handlers)
	return out
}

func (e *CustomEvent) clear() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}

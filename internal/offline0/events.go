package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// EventKind enumerates what the host can deliver to a worker.
type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one delivery. Request is set for EventFetch, Message for EventMessage.
type Event struct {
	Kind    EventKind
	Request *http.Request
	Message Message
}

// Handler handles one event. The response is only meaningful for EventFetch.
type Handler func(ctx context.Context, ev Event) (*http.Response, error)

// Future is the pending result of a dispatched event.
type Future struct {
	done chan struct{}
	resp *http.Response
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(resp *http.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed once the handler has returned.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the handler returns or ctx ends.
func (f *Future) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrNoHandler is the result of dispatching an event nobody registered for.
var ErrNoHandler = fmt.Errorf("no handler registered")

// Dispatcher holds at most one handler per event kind. Every dispatch runs
// as its own goroutine and reports through a Future.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[EventKind]Handler{}}
}

// On registers h for kind, replacing any earlier handler.
func (d *Dispatcher) On(kind EventKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Future {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()

	f := newFuture()
	if !ok {
		f.resolve(nil, fmt.Errorf("%s: %w", ev.Kind, ErrNoHandler))
		return f
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.resolve(nil, fmt.Errorf("%s handler panic: %v", ev.Kind, r))
			}
		}()
		f.resolve(h(ctx, ev))
	}()
	return f
}

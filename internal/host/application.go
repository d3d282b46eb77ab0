package host

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dshills/scriptbridge/internal/logging"
)

// Options configures an Application.
type Options struct {
	// Logger receives host diagnostics. Defaults to a discarding logger.
	Logger *logging.Logger

	// SearchPath seeds the module search scope.
	SearchPath []string
}

// task is one unit of work queued for the main loop.
type task struct {
	fn func() error

	// result receives fn's error for synchronous calls; nil for posts.
	result chan error
}

// Application is the host: a main loop with single-thread affinity, the
// custom events other goroutines use to reach it, and the process-wide
// module search path.
type Application struct {
	base *logging.Logger
	log  *logging.Logger

	eventsMu sync.Mutex
	events   map[string]*CustomEvent

	// queue is unbounded so producers never block on main-loop progress.
	queueMu sync.Mutex
	queue   []task
	wake    chan struct{}

	search *SearchPath

	running  atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a host application. The loop does not run until Run is called.
func New(opts Options) *Application {
	log := opts.Logger
	if log == nil {
		log = logging.Null()
	}
	return &Application{
		base:   log,
		log:    log.WithComponent("host"),
		events: make(map[string]*CustomEvent),
		wake:   make(chan struct{}, 1),
		search: NewSearchPath(opts.SearchPath...),
		done:   make(chan struct{}),
	}
}

// RegisterCustomEvent registers a named custom event.
func (a *Application) RegisterCustomEvent(name string) (*CustomEvent, error) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()

	if _, ok := a.events[name]; ok {
		return nil, fmt.Errorf("register %q: %w", name, ErrEventExists)
	}
	ev := &CustomEvent{name: name}
	a.events[name] = ev
	a.log.Debug("registered custom event %q", name)
	return ev, nil
}

// UnregisterCustomEvent removes a custom event and drops its handlers.
// Events already queued for it are delivered to nobody.
func (a *Application) UnregisterCustomEvent(name string) error {
	a.eventsMu.Lock()
	ev, ok := a.events[name]
	delete(a.events, name)
	a.eventsMu.Unlock()

	if !ok {
		return fmt.Errorf("unregister %q: %w", name, ErrEventNotFound)
	}
	ev.clear()
	a.log.Debug("unregistered custom event %q", name)
	return nil
}

// CustomEvent returns the registered event with the given name.
func (a *Application) CustomEvent(name string) (*CustomEvent, bool) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	ev, ok := a.events[name]
	return ev, ok
}

// FireCustomEvent queues the event for delivery on the main loop and returns
// immediately. It is safe to call from any goroutine.
func (a *Application) FireCustomEvent(name, additionalInfo string) error {
	ev, ok := a.CustomEvent(name)
	if !ok {
		return fmt.Errorf("fire %q: %w", name, ErrEventNotFound)
	}
	return a.enqueue(task{fn: func() error {
		a.dispatch(ev, additionalInfo)
		return nil
	}})
}

// dispatch delivers one event to the handlers subscribed at delivery time.
func (a *Application) dispatch(ev *CustomEvent, info string) {
	for _, h := range ev.snapshot() {
		args := &CustomEventArgs{Name: ev.name, AdditionalInfo: info, dispatched: true}
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("handler for %q panicked: %v\n%s", ev.name, r, debug.Stack())
				}
			}()
			h.Notify(args)
		}()
	}
}

// Post queues fn for the main loop without waiting for it.
func (a *Application) Post(fn func()) error {
	return a.enqueue(task{fn: func() error {
		fn()
		return nil
	}})
}

// Call runs fn on the main loop and waits for its result.
// It must not be called from the main loop itself.
func (a *Application) Call(ctx context.Context, fn func() error) error {
	t := task{fn: fn, result: make(chan error, 1)}
	if err := a.enqueue(t); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// Already queued; it will still run, but we stop waiting.
		return ctx.Err()
	case err := <-t.result:
		return err
	case <-a.done:
		select {
		case err := <-t.result:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

func (a *Application) enqueue(t task) error {
	if a.stopped.Load() {
		return ErrLoopStopped
	}

	a.queueMu.Lock()
	a.queue = append(a.queue, t)
	a.queueMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *Application) next() (task, bool) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if len(a.queue) == 0 {
		return task{}, false
	}
	t := a.queue[0]
	a.queue[0] = task{}
	a.queue = a.queue[1:]
	return t, true
}

// Pending returns the number of queued tasks.
func (a *Application) Pending() int {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return len(a.queue)
}

// Run processes queued tasks in FIFO order, one at a time, until Stop is
// called or ctx is cancelled.
//
// Run must be called from the goroutine that owns main-thread affinity;
// every handler and every task executes on it.
func (a *Application) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	for {
		for {
			if a.stopped.Load() {
				a.drain()
				return nil
			}
			t, ok := a.next()
			if !ok {
				break
			}
			a.execute(t)
		}

		select {
		case <-ctx.Done():
			a.Stop()
			a.drain()
			return ctx.Err()
		case <-a.done:
			a.drain()
			return nil
		case <-a.wake:
		}
	}
}

// execute runs a single task with panic recovery.
func (a *Application) execute(t task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("main loop task panicked: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("main loop task panicked: %v", r)
			}
		}()
		err = t.fn()
	}()

	if t.result != nil {
		t.result <- err
	}
}

// drain fails every queued synchronous call with ErrLoopStopped.
func (a *Application) drain() {
	for {
		t, ok := a.next()
		if !ok {
			return
		}
		if t.result != nil {
			t.result <- ErrLoopStopped
		}
	}
}

// Stop stops the main loop. Queued tasks are discarded.
func (a *Application) Stop() {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.done)
	})
}

// SearchPath returns the module search scope. Main loop only.
func (a *Application) SearchPath() *SearchPath {
	return a.search
}

// Notify shows a message to the user. The host has no UI here, so messages
// go to the log.
func (a *Application) Notify(message string) {
	a.base.WithComponent("ui").Info("%s", message)
}

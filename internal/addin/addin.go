// Package addin wires the listener and the runner into the host and owns
// their lifecycle.
package addin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/listener"
	"github.com/dshills/scriptbridge/internal/logging"
)

// DefaultEventName is the custom event carrying run requests.
const DefaultEventName = "scriptbridge_run_script"

// Messages shown to the user through the host.
const (
	msgStarted     = "addin started"
	msgStartFailed = "AddIn Start Failed: "
	msgStopFailed  = "AddIn Stop Failed: "
)

// Server is the listener side of the add-in.
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Addr() string
}

// Options configures an AddIn.
type Options struct {
	Host      *host.Application
	Server    Server
	Runner    host.CustomEventHandler
	EventName string
	Logger    *logging.Logger
}

// AddIn registers the runner for the run event and serves requests.
type AddIn struct {
	host   *host.Application
	server Server
	runner host.CustomEventHandler
	event  string
	log    *logging.Logger

	// handlers keeps every registered handler reachable for the life of
	// the process. Touched only on the main loop, or after it stopped.
	mu       sync.Mutex
	handlers []host.CustomEventHandler
}

// New creates an AddIn.
func New(opts Options) *AddIn {
	if opts.EventName == "" {
		opts.EventName = DefaultEventName
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	return &AddIn{
		host:   opts.Host,
		server: opts.Server,
		runner: opts.Runner,
		event:  opts.EventName,
		log:    opts.Logger.WithComponent("addin"),
	}
}

// Start registers the run event and its handler on the main loop, then
// starts the server. It is safe to call again: a registration left by an
// earlier Start is replaced and a running server is kept.
func (a *AddIn) Start(ctx context.Context) error {
	err := a.host.Call(ctx, a.register)
	if err == nil {
		err = a.server.Start(ctx)
		if errors.Is(err, listener.ErrAlreadyStarted) {
			err = nil
		}
	}
	if err != nil {
		a.host.Notify(msgStartFailed + err.Error())
		return fmt.Errorf("start addin: %w", err)
	}

	a.log.Info("serving %s on %s", a.event, a.server.Addr())
	a.host.Notify(msgStarted)
	return nil
}

func (a *AddIn) register() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch err := a.host.UnregisterCustomEvent(a.event); {
	case err == nil:
		a.log.Debug("replaced stale registration of %s", a.event)
		a.handlers = nil
	case !errors.Is(err, host.ErrEventNotFound):
		return err
	}

	ev, err := a.host.RegisterCustomEvent(a.event)
	if err != nil {
		return err
	}
	if !ev.Add(a.runner) {
		return fmt.Errorf("add handler to %s", a.event)
	}
	a.handlers = append(a.handlers, a.runner)
	return nil
}

// Stop shuts the server down and unregisters the run event. Runs already
// queued on the main loop are not waited for.
func (a *AddIn) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, listener.ErrNotStarted) {
		errs = append(errs, err)
	}

	err := a.host.Call(ctx, a.unregister)
	if errors.Is(err, host.ErrLoopStopped) {
		err = a.unregister()
	}
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		a.host.Notify(msgStopFailed + err.Error())
		return fmt.Errorf("stop addin: %w", err)
	}
	a.log.Info("stopped")
	return nil
}

func (a *AddIn) unregister() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev, ok := a.host.CustomEvent(a.event); ok {
		for _, h := range a.handlers {
			ev.Remove(h)
		}
	}
	a.handlers = nil

	if err := a.host.UnregisterCustomEvent(a.event); err != nil && !errors.Is(err, host.ErrEventNotFound) {
		return err
	}
	return nil
}

// Handlers returns how many handlers the add-in keeps registered.
func (a *AddIn) Handlers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

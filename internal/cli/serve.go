package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/scriptbridge/internal/addin"
	"github.com/dshills/scriptbridge/internal/config"
	"github.com/dshills/scriptbridge/internal/debug"
	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/listener"
	"github.com/dshills/scriptbridge/internal/runner"
	"github.com/dshills/scriptbridge/internal/script"
	"github.com/dshills/scriptbridge/internal/script/lua"
	"github.com/dshills/scriptbridge/internal/script/python"
)

// shutdownTimeout bounds stopping the add-in after the loop exits.
const shutdownTimeout = 5 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for run requests and execute them",
		Long: `Serve starts the host main loop, registers the run event and listens for
run requests on a loopback address until interrupted.

The main loop runs on the calling goroutine; every script executes there,
one at a time, in the order requests arrived.`,
		Example: `  scriptbridge serve
  scriptbridge serve --addr 127.0.0.1:9000 --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Listener.Address = address
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&address, "addr", "", "Listen address (default from config, "+listener.DefaultAddress+")")

	return cmd
}

// serve wires the bridge together and runs the host loop until ctx is
// cancelled or a signal arrives.
func serve(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	log := newLogger(cfg, cmd.ErrOrStderr())
	app := host.New(host.Options{Logger: log})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	attacher := debug.NewAttacher(debug.Options{
		Timeout: cfg.Runner.AttachTimeout.Duration,
		Logger:  log,
	})
	luaRuntime := lua.New(lua.Options{
		Logger:   log,
		Debugger: attacher,
		Notify:   app.Notify,
	})
	pyRuntime := python.New(python.Options{
		Interpreter: cfg.Python.Interpreter,
		Logger:      log,
	})

	run := runner.New(runner.Options{
		Runtimes:   script.NewRegistry(luaRuntime, pyRuntime),
		SearchPath: app.SearchPath(),
		FailureLog: runner.NewFailureLog(cfg.Runner.FailureLog),
		Logger:     log,
		EntryPoint: cfg.Runner.EntryPoint,
		DebugHost:  cfg.Runner.DebugHost,
		Context:    ctx,
	})

	lis, err := listener.New(listener.Options{
		Address:    cfg.Listener.Address,
		EventName:  cfg.Host.EventName,
		Dispatcher: app,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	bridge := addin.New(addin.Options{
		Host:      app,
		Server:    lis,
		Runner:    run,
		EventName: cfg.Host.EventName,
		Logger:    log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Start(gctx)
	})

	log.Info("failure log at %s", run.FailureLog().Path())
	loopErr := app.Run(gctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := bridge.Stop(shutdownCtx)

	// The loop no longer runs, so the Lua state is ours to close.
	if err := attacher.Detach(); err != nil {
		log.Debug("%v", err)
	}
	luaRuntime.Close()

	if err := g.Wait(); err != nil {
		return err
	}
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return fmt.Errorf("main loop: %w", loopErr)
	}
	return stopErr
}

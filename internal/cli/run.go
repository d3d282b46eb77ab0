package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/scriptbridge/internal/client"
	"github.com/dshills/scriptbridge/internal/request"
)

// DefaultDebugPort is the port debug adapters conventionally listen on.
const DefaultDebugPort = 5678

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		address string
		port    int
		detach  bool
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Ask a running bridge to execute a script",
		Long: `Run posts a run request for the script to a bridge started with
"scriptbridge serve". The path is made absolute before it is sent.

The bridge answers once the run is queued; script output and failures show
up in the bridge's log and its failure log, not here.

With --watch, the request is sent again every time the script is saved.`,
		Example: `  scriptbridge run ./tools/export.py --port 5678 --detach
  scriptbridge run macros/count.lua --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				address = cfg.Listener.Address
			}

			script, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}
			req := request.New(script, detach, port)

			c := client.New(client.Options{
				Address: address,
				Logger:  newLogger(cfg, cmd.ErrOrStderr()),
			})

			out := cmd.OutOrStdout()
			if !watch {
				err := c.Trigger(cmd.Context(), req)
				printStatus(out, script, err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Watch(ctx, req, func(err error) {
				printStatus(out, script, err)
			})
		},
	}

	cmd.Flags().StringVar(&address, "addr", "", "Bridge address (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", DefaultDebugPort, "Port the debug adapter listens on")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Stop tracing once the script returns")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-run the script every time it is saved")

	return cmd
}


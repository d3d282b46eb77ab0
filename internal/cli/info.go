package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/scriptbridge/internal/request"
	"github.com/dshills/scriptbridge/internal/runner"
)

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of a run request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := request.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "scriptbridge %s\n", info.Version)
			fmt.Fprintf(w, "Commit: %s\n", info.Commit)
			fmt.Fprintf(w, "Built: %s\n", info.Date)
			fmt.Fprintf(w, "Go version: %s\n", goVersion())
			fmt.Fprintf(w, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newFailureLogCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "failure-log",
		Short: "Print the details of the last failed run",
		Long: `Failure-log prints the failure log the bridge writes whenever a run fails:
the time, the error and the stack at the point of failure. Only the most
recent failure is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			log := runner.NewFailureLog(cfg.Runner.FailureLog)
			text, err := log.Read()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if strings.TrimSpace(text) == "" {
				fmt.Fprintln(w, dimStyle.Render("no failed runs recorded in "+log.Path()))
				return nil
			}
			fmt.Fprintln(w, pathStyle.Render(log.Path()))
			fmt.Fprint(w, text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}

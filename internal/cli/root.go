// Package cli implements the scriptbridge command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/dshills/scriptbridge/internal/config"
	"github.com/dshills/scriptbridge/internal/logging"
)

// BuildInfo identifies the binary. Set via ldflags in main.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the scriptbridge command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "scriptbridge",
		Short: "Run and debug host scripts on request",
		Long: `scriptbridge listens on a loopback port for run requests and executes the
named script on the host's main loop, attaching a debugger first.

Start the bridge with "scriptbridge serve", then trigger scripts from an
editor task or with "scriptbridge run".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv(config.EnvConfigFile),
		"Config file path (default is the user config dir's scriptbridge/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"Log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newSchemaCommand())
	rootCmd.AddCommand(newVersionCommand(info))
	rootCmd.AddCommand(newFailureLogCommand(flags))

	return rootCmd
}

// loadConfig loads the layered configuration and applies the global flags.
func (f *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config, out io.Writer) *logging.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Output: out,
		Name:   "scriptbridge",
		JSON:   cfg.Logging.Format == "json",
	})
}

// goVersion returns the Go version used to build the binary.
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return runtime.Version()
}

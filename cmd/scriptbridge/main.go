// Package main is the entry point for scriptbridge.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/dshills/scriptbridge/internal/cli"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func init() {
	// The host main loop runs on the main goroutine; keep it on the main
	// OS thread so embedded runtimes see a single thread.
	runtime.LockOSThread()
}

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCommand(cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

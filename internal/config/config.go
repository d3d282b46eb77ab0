// Package config holds scriptbridge's settings.
//
// Settings are layered: built-in defaults, then a TOML file, then
// SCRIPTBRIDGE_* environment variables. Command line flags are applied
// last by the caller.
//
// Example file:
//
//	[listener]
//	address = "127.0.0.1:8181"
//
//	[runner]
//	entry_point = "run"
//	attach_timeout = "5s"
//
//	[logging]
//	level = "debug"
package config

import (
	"fmt"
	"time"

	"github.com/dshills/scriptbridge/internal/addin"
	"github.com/dshills/scriptbridge/internal/debug"
	"github.com/dshills/scriptbridge/internal/listener"
)

// Config is the complete set of settings.
type Config struct {
	Listener ListenerConfig `toml:"listener"`
	Host     HostConfig     `toml:"host"`
	Runner   RunnerConfig   `toml:"runner"`
	Python   PythonConfig   `toml:"python"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ListenerConfig configures the HTTP listener.
type ListenerConfig struct {
	// Address is the loopback host:port to serve on.
	Address string `toml:"address" validate:"required,hostname_port"`
}

// HostConfig configures the host integration.
type HostConfig struct {
	// EventName is the custom event run requests travel on.
	EventName string `toml:"event_name" validate:"required,eventname"`
}

// RunnerConfig configures script execution.
type RunnerConfig struct {
	// EntryPoint is the function called in each script.
	EntryPoint string `toml:"entry_point" validate:"required,identifier"`

	// FailureLog is where the last failed run is recorded. Empty means the
	// temp dir.
	FailureLog string `toml:"failure_log"`

	// DebugHost is where debug adapters listen.
	DebugHost string `toml:"debug_host" validate:"required"`

	// AttachTimeout bounds connecting to the IDE and its debug handshake.
	AttachTimeout Duration `toml:"attach_timeout"`
}

// PythonConfig configures the Python runtime.
type PythonConfig struct {
	// Interpreter is the python executable. Empty means python3 from PATH.
	Interpreter string `toml:"interpreter"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{Address: listener.DefaultAddress},
		Host:     HostConfig{EventName: addin.DefaultEventName},
		Runner: RunnerConfig{
			EntryPoint:    "run",
			DebugHost:     "localhost",
			AttachTimeout: Duration{debug.DefaultTimeout},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable scriptbridge reads.
const EnvPrefix = "SCRIPTBRIDGE_"

// EnvConfigFile names the config file when no --config flag is given.
const EnvConfigFile = EnvPrefix + "CONFIG"

// DefaultPath returns the per-user config file location, or "" when the
// user config dir is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scriptbridge", "config.toml")
}

// Load builds the configuration from defaults, the file at path and the
// environment, then validates it. An empty path means DefaultPath, which
// may be missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := cfg.LoadEnv(NewEnvLoader(EnvPrefix)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path. Keys the file leaves out keep
// their current values; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	defer f.Close()
	return c.decode(path, f)
}

// LoadReader overlays TOML read from r.
func (c *Config) LoadReader(r io.Reader) error {
	return c.decode("<reader>", r)
}

func (c *Config) decode(source string, r io.Reader) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			perr.Message = strings.TrimSpace(serr.String())
		}
		return perr
	}
	return nil
}

// LoadEnv overlays the variables found by l.
func (c *Config) LoadEnv(l *EnvLoader) error {
	values := l.Load()
	if len(values) == 0 {
		return nil
	}
	// Every setting is a string or text-encoded, so the raw values
	// round-trip through TOML into their fields.
	data, err := toml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(c); err != nil {
		return &ParseError{Path: "environment", Message: err.Error(), Err: err}
	}
	return nil
}

// EnvLoader reads settings from environment variables.
type EnvLoader struct {
	prefix  string            // Environment variable prefix (e.g., "SCRIPTBRIDGE_")
	mapping map[string]string // Env var -> config path
	known   map[string]bool
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		mapping: map[string]string{
			prefix + "LOG_LEVEL":  "logging.level",
			prefix + "LOG_FORMAT": "logging.format",
			prefix + "ADDRESS":    "listener.address",
			prefix + "PYTHON":     "python.interpreter",
		},
		known: settingPaths(),
	}
}

// Load returns the recognized variables as a nested map of strings.
// Prefixed variables that name no setting are skipped.
func (l *EnvLoader) Load() map[string]any {
	config := make(map[string]any)

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, mapped := l.mapping[name]
		if !mapped {
			path = l.envToPath(name)
		}
		if !l.known[path] {
			continue
		}
		setByPath(config, path, value)
	}

	// Explicit mappings are applied last so they win over the long form.
	for env, path := range l.mapping {
		if val, ok := os.LookupEnv(env); ok {
			setByPath(config, path, val)
		}
	}

	return config
}

// envToPath converts SCRIPTBRIDGE_RUNNER_ENTRY_POINT to runner.entry_point.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// settingPaths lists the dotted path of every setting in Config.
func settingPaths() map[string]bool {
	paths := make(map[string]bool)
	root := reflect.TypeFor[Config]()
	for i := range root.NumField() {
		section := root.Field(i)
		for j := range section.Type.NumField() {
			key := section.Type.Field(j)
			paths[tomlName(section)+"."+tomlName(key)] = true
		}
	}
	return paths
}

func tomlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

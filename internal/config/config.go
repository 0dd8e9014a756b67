// Package config handles mcphost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AppName names the configuration directory.
const AppName = "mcphost"

// ConfigDir returns the per-user configuration directory:
// $XDG_CONFIG_HOME/mcphost, falling back to ~/.config/mcphost.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", AppName)
	}
	return ""
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first by FindConfig.
// Then: ./mcphost.yaml, ./mcp_servers.json, the user config directory
// (config.yaml, then mcp_servers.json), /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphost.yaml", "mcp_servers.json"}

	if dir := ConfigDir(); dir != "" {
		paths = append(paths,
			filepath.Join(dir, "config.yaml"),
			filepath.Join(dir, "mcp_servers.json"),
		)
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=auto text json"`

	// MaxParallelSetup bounds how many servers are spawned and
	// handshaken at once. Zero means DefaultMaxParallelSetup.
	MaxParallelSetup int `yaml:"max_parallel_setup" validate:"gte=0"`

	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Listen    ListenConfig    `yaml:"listen"`

	// Servers maps server name to launch configuration. The key is the
	// server's identity everywhere else (logs, API, CLI).
	Servers map[string]ServerConfig `yaml:"mcpServers" validate:"dive"`
}

// TimeoutsConfig holds per-operation timeouts. Durations are written as
// Go duration strings ("30s", "1m").
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake" validate:"gte=0"`
	Call      time.Duration `yaml:"call" validate:"gte=0"`
	Shutdown  time.Duration `yaml:"shutdown" validate:"gte=0"`
}

// ReconnectConfig controls respawning a server whose process exits
// unexpectedly after it became ready.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	// MaxRetries is the number of respawn attempts before giving up.
	// Zero means retry forever.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// ServerConfig describes how to launch one MCP server.
type ServerConfig struct {
	Command  string            `yaml:"command" validate:"required"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Disabled bool              `yaml:"disabled"`
}

// Environ returns Env as KEY=VALUE pairs sorted by key, ready to append
// to the parent environment.
func (s ServerConfig) Environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Defaults applied by Default and Load.
const (
	DefaultMaxParallelSetup = 8
	DefaultListenAddress    = "127.0.0.1"
	DefaultListenPort       = 8931
)

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "auto",
		MaxParallelSetup: DefaultMaxParallelSetup,
		Timeouts: TimeoutsConfig{
			Handshake: 30 * time.Second,
			Call:      60 * time.Second,
			Shutdown:  5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxRetries:   5,
		},
		Listen: ListenConfig{
			Address: DefaultListenAddress,
			Port:    DefaultListenPort,
		},
		Servers: map[string]ServerConfig{},
	}
}

// Load reads configuration from a YAML file. JSON files in the
// mcp_servers.json format load too, since JSON is valid YAML.
// ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}

	for name, s := range cfg.Servers {
		s.Command = expandHome(s.Command)
		cfg.Servers[name] = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and server names.
func (c *Config) Validate() error {
	var problems []string

	for name := range c.Servers {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "mcpServers: server name must not be empty")
		}
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

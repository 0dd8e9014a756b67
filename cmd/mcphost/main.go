// Mcphost starts a set of MCP servers as subprocesses and exposes their
// tools through one CLI and an optional HTTP API.
//
// Configuration is loaded from a YAML file or a plain mcp_servers.json,
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost serve                       Start all servers and the HTTP API
//	mcphost tools                       List every tool of every server
//	mcphost call [--server S] <tool> [json-args|-]
//	mcphost servers                     Show per-server setup diagnostics
//	mcphost init [dir]                  Write a default mcp_servers.json
//	mcphost version                     Print version and build information
//	mcphost -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/toolhost"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole command lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mcphost: %s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command output goes to stdout; logs and
// diagnostics go to stderr. A fresh command tree is built per call, so
// run holds no package-level state and tests may call it in parallel.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globals carries the persistent flags and the output streams.
type globals struct {
	configPath string
	output     string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

func (g *globals) json() bool { return g.output == "json" }

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "mcphost",
		Short:         "Host MCP servers and call their tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			if g.logLevel != "" {
				if _, err := config.ParseLogLevel(g.logLevel); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	addGlobalFlags(cmd.PersistentFlags(), g)

	cmd.AddCommand(
		newServeCommand(g),
		newToolsCommand(g),
		newCallCommand(g),
		newServersCommand(g),
		newInitCommand(g),
		newVersionCommand(g),
	)
	return cmd
}

func addGlobalFlags(flags *pflag.FlagSet, g *globals) {
	flags.StringVar(&g.configPath, "config", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&g.output, "output", "o", "text", "output format: text or json")
	flags.StringVar(&g.logLevel, "log-level", "", "log level override: trace, debug, info, warn, error")
}

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(g.stdout, g.json())
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, asJSON bool) error {
	info := buildinfo.Info()
	if asJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger creates a structured logger that writes to w at the given
// level. Auto format picks text when w is a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == config.LogFormatAuto {
		format = config.LogFormatJSON
		if isTerminal(w) {
			format = config.LogFormatText
		}
	}

	var handler slog.Handler
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// loadConfig locates and parses the configuration file. If explicit is
// non-empty, that exact path is used (and must exist). Returns the parsed
// config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// setup loads configuration and builds the logger it asks for. The
// --log-level flag wins over the configured level.
func (g *globals) setup() (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}

	levelName := cfg.LogLevel
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	// Both were validated already; the error paths are unreachable.
	level, _ := config.ParseLogLevel(levelName)
	format, _ := config.ParseLogFormat(cfg.LogFormat)

	logger := newLogger(g.stderr, level, format)
	logger.Debug("config loaded",
		"path", cfgPath,
		"servers", len(cfg.Servers),
	)
	return cfg, logger, nil
}

// startHost loads configuration and starts every configured server,
// publishing host activity on bus when it is non-nil. The caller owns
// the returned host and must Close it.
func (g *globals) startHost(ctx context.Context, bus *events.Bus) (*toolhost.Host, toolhost.Report, *config.Config, *slog.Logger, error) {
	cfg, logger, err := g.setup()
	if err != nil {
		return nil, toolhost.Report{}, nil, nil, err
	}

	opts := toolhost.OptionsFromConfig(cfg, logger)
	opts.Events = bus
	host := toolhost.New(opts)
	report := host.Start(ctx, cfg.Servers)
	return host, report, cfg, logger, nil
}

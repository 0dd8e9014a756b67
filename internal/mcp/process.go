package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// StdioConfig describes an MCP server launched as a subprocess that
// speaks newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment, so they win on conflict.
	Env []string

	// Dir is the working directory. Empty means the host's.
	Dir string
}

// process is the OS side of a stdio connection.
type process struct {
	cmd *exec.Cmd
	pid int
}

// wait reaps the process. It must be called exactly once, after the
// receive loop has stopped reading stdout.
func (p *process) wait() error {
	return p.cmd.Wait()
}

// kill forcibly terminates the process.
func (p *process) kill() {
	_ = p.cmd.Process.Kill()
}

// Spawn starts the server process for name and returns a connection in
// the initializing state with its receive loop running. The process
// lifetime is independent of ctx, which only gates starting. A failure
// to launch is reported as a *SpawnError and no Conn is returned.
func Spawn(ctx context.Context, name string, cfg StdioConfig, opts Options) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Server: name, Command: cfg.Command, Err: err}
	}

	c := newConn(name, opts)
	fail := func(err error) (*Conn, error) {
		c.transition(StateFailed)
		return nil, &SpawnError{Server: name, Command: cfg.Command, Err: err}
	}

	c.logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("create stdin pipe: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fail(fmt.Errorf("create stdout pipe: %w", err))
	}

	// stderr is diagnostics only, never protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fail(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fail(err)
	}

	proc := &process{cmd: cmd, pid: cmd.Process.Pid}
	go drainStderr(stderr, c.logger)
	c.start(stdout, stdin, proc)

	c.logger.Info("MCP subprocess started", "pid", proc.pid)
	return c, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

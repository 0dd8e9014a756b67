package toolhost

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunIfStub()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubServer returns a server config that runs the test binary as a
// stub MCP server.
func stubServer(mode string) config.ServerConfig {
	s := mcptest.Stub(mode)
	return config.ServerConfig{Command: s.Command, Args: s.Args, Env: s.Env}
}

func newTestHost(t *testing.T, opts Options) *Host {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 2 * time.Second
	}
	h := New(opts)
	t.Cleanup(func() { h.Close() })
	return h
}

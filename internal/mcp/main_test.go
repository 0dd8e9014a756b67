package mcp

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/nugget/mcphost/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunIfStub()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

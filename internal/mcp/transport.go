package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nugget/mcphost/internal/config"
)

// errEncode marks a message that could not be marshaled. Nothing was
// written, so the connection is unaffected.
var errEncode = errors.New("encode message")

// Transport frames newline-delimited JSON-RPC messages over a pair of
// byte streams, normally a subprocess's stdin and stdout. Writes are
// serialized by a per-transport mutex; exactly one goroutine (the
// connection's receive loop) reads.
type Transport struct {
	logger *slog.Logger

	wmu sync.Mutex
	w   io.WriteCloser

	r  *bufio.Reader
	rc io.Closer

	closeOnce sync.Once
}

// NewTransport wraps the given streams. r is what the server writes to
// (its stdout), w is what it reads from (its stdin).
func NewTransport(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger: logger,
		w:      w,
		r:      bufio.NewReaderSize(r, 1<<20), // 1 MiB buffer for large tool lists
		rc:     r,
	}
}

// WriteMessage marshals v and writes it as a single line.
func (t *Transport) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.logger.Log(context.Background(), config.LevelTrace, "mcp send", "payload", string(data))

	if _, err := t.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// receive reads lines until the stream ends, calling handle for each
// non-blank line. It returns the error that ended the stream; io.EOF
// means the server closed its stdout. A trailing line without a
// newline is reported and dropped, not handled.
func (t *Transport) receive(handle func(line []byte)) error {
	for {
		line, err := t.r.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				t.logger.Warn("discarding partial line from MCP server",
					"bytes", len(line),
					"error", err,
				)
			}
			return err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		t.logger.Log(context.Background(), config.LevelTrace, "mcp recv", "payload", string(line))
		handle(line)
	}
}

// CloseWrite closes the server's stdin, which asks a well-behaved
// server to exit. It does not take the write lock, so it also unblocks
// a writer stuck on a full pipe.
func (t *Transport) CloseWrite() error {
	return t.w.Close()
}

// CloseRead closes the read side, unblocking a receive loop stuck on a
// pipe that some other process still holds open.
func (t *Transport) CloseRead() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.rc.Close()
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrSpawn            = errors.New("spawn failed")
	ErrHandshake        = errors.New("handshake failed")
	ErrProtocol         = errors.New("protocol error")
	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("request timed out")
)

// SpawnError is returned when a server process could not be started,
// typically because the executable is missing or not executable.
type SpawnError struct {
	Server  string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Server, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is reports ErrSpawn equivalence.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// HandshakeError is returned when initialize or tools/list fails. The
// connection is discarded; other servers are unaffected.
type HandshakeError struct {
	Server string
	Step   string // "initialize" or "tools/list"
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed at %s: %v", e.Server, e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is reports ErrHandshake equivalence.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// ProtocolError describes an inbound message that could not be routed.
// Most are only logged; a response with neither result nor error is also
// delivered to its caller as a ProtocolError.
type ProtocolError struct {
	Reason string
	Line   []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is reports ErrProtocol equivalence.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ConnectionClosedError fails every pending and future call on a
// connection once its process exits or it is shut down. Cause holds the
// exit status or read error when known.
type ConnectionClosedError struct {
	Server string
	Cause  error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to %s closed: %v", e.Server, e.Cause)
	}
	return fmt.Sprintf("connection to %s closed", e.Server)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// Is reports ErrConnectionClosed equivalence.
func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

// TimeoutError is returned when no response arrived within the call
// timeout. The connection stays open.
type TimeoutError struct {
	Server string
	Method string
	ID     int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %d to %s timed out after %s", e.Method, e.ID, e.Server, e.After)
}

// Is reports ErrTimeout equivalence.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

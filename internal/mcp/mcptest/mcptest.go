// Package mcptest provides stub MCP servers for tests. The stubs run as
// helper processes: a test binary calls RunIfStub at the top of its
// TestMain, and Stub returns the command line that re-executes that
// binary in stub mode.
//
//	func TestMain(m *testing.M) {
//		mcptest.RunIfStub()
//		os.Exit(m.Run())
//	}
package mcptest

import (
	"fmt"
	"os"
	"sort"
)

// EnvMode selects the stub mode in a re-executed test binary.
const EnvMode = "MCPHOST_TEST_STUB"

// Stub modes.
const (
	// ModeMCPGo is a well-behaved server built on mark3labs/mcp-go with
	// "echo" and "add" tools.
	ModeMCPGo = "mcpgo"

	// ModeRaw is a hand-scripted server whose tools misbehave on request
	// (out-of-order replies, garbage lines, crashes). See RawTools.
	ModeRaw = "raw"

	// ModePaged is ModeRaw with tools/list split into one-tool pages.
	ModePaged = "paged"

	// ModeBadInit answers initialize with a JSON-RPC error.
	ModeBadInit = "bad-init"

	// ModeNotObject answers initialize with a string result.
	ModeNotObject = "not-object"

	// ModeNoTools answers tools/list without a tools array.
	ModeNoTools = "no-tools"

	// ModeNameless lists a tool without a name.
	ModeNameless = "nameless"

	// ModeExitOnInit exits as soon as initialize arrives.
	ModeExitOnInit = "exit-on-init"

	// ModeSilent never answers anything.
	ModeSilent = "silent"

	// ModeExit exits immediately with status 2.
	ModeExit = "exit"
)

// Server is the launch description of a stub server.
type Server struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Environ returns Env as sorted KEY=VALUE pairs.
func (s Server) Environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Stub returns a Server that runs the current test binary in the given
// mode.
func Stub(mode string) Server {
	return Server{
		Command: os.Args[0],
		Env:     map[string]string{EnvMode: mode},
	}
}

// RunIfStub runs the stub server and exits when the process was started
// by Stub. Otherwise it returns immediately.
func RunIfStub() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}

	fmt.Fprintf(os.Stderr, "mcptest stub starting in %s mode\n", mode)

	var err error
	switch mode {
	case ModeMCPGo:
		err = serveMCPGo()
	case ModeExit:
		os.Exit(2)
	default:
		err = newRawServer(mode, os.Stdin, os.Stdout).serve()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcptest stub:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

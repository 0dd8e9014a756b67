package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/mcphost/internal/toolhost"
)

func newToolsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Start all servers and list their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _, _, _, err := g.startHost(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer host.Close()
			return printTools(g.stdout, host.ListTools(), g.json())
		},
	}
}

func printTools(w io.Writer, tools []toolhost.ServerTool, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]any{"tools": tools})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTOOL\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Server, t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

// firstLine trims a description to its first line for table output.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newServersCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Start all servers and report how each one came up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, report, _, _, err := g.startHost(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer host.Close()
			return printReport(g.stdout, report, g.json())
		},
	}
}

func printReport(w io.Writer, report toolhost.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(w, report)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tELAPSED\tERROR")
	for _, d := range report.Diagnostics {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			d.Server, d.State, d.Tools, d.Elapsed.Round(time.Millisecond), d.Error)
	}
	return tw.Flush()
}

func newCallCommand(g *globals) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "call [--server S] <tool> [json-args|-]",
		Short: "Call one tool and print its result",
		Long: "Call one tool and print its result. Arguments are a JSON object,\n" +
			"or - to read them from stdin. Without --server the tool name must\n" +
			"be provided by exactly one server.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 2 {
				var err error
				if raw, err = readArgs(args[1], cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return runCall(cmd.Context(), g, server, args[0], raw)
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "server that provides the tool")
	return cmd
}

// readArgs returns tool arguments from the command line or, for "-",
// from stdin. They must be a JSON object.
func readArgs(arg string, stdin io.Reader) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read arguments from stdin: %w", err)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

func runCall(ctx context.Context, g *globals, server, tool string, args json.RawMessage) error {
	host, _, _, _, err := g.startHost(ctx, nil)
	if err != nil {
		return err
	}
	defer host.Close()

	result, err := host.Call(ctx, server, tool, args)
	if err != nil {
		return fmt.Errorf("%s: %w", toolhost.Kind(err), err)
	}
	return printResult(g.stdout, result, g.json())
}

// toolResult is the part of an MCP tools/call result printed as text.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// printResult writes the result verbatim (indented) in JSON mode. In
// text mode it prints the text content items, falling back to JSON for
// anything else. A result flagged isError is printed and then reported
// as an error.
func printResult(w io.Writer, result json.RawMessage, asJSON bool) error {
	var res toolResult
	parsed := json.Unmarshal(result, &res) == nil

	if asJSON || !parsed || !allText(res) {
		var v any
		if err := json.Unmarshal(result, &v); err != nil {
			_, err = fmt.Fprintln(w, string(result))
			return err
		}
		if err := writeJSON(w, v); err != nil {
			return err
		}
	} else {
		for _, c := range res.Content {
			fmt.Fprintln(w, c.Text)
		}
	}

	if parsed && res.IsError {
		return errors.New("tool reported an error")
	}
	return nil
}

func allText(res toolResult) bool {
	if len(res.Content) == 0 {
		return false
	}
	for _, c := range res.Content {
		if c.Type != "text" {
			return false
		}
	}
	return true
}

package mcptest

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"
)

// serveMCPGo runs a real mcp-go server on stdin/stdout.
func serveMCPGo() error {
	s := server.NewMCPServer("mcptest", "1.0.0")
	s.AddTools(echoTool(), addTool())
	return server.ServeStdio(s)
}

func echoTool() server.ServerTool {
	return server.ServerTool{
		Tool: mcp.NewTool(
			"echo",
			mcp.WithDescription("Echo the text argument back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Text string `mapstructure:"text"`
			}
			if err := mapstructure.Decode(req.Params.Arguments, &args); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(args.Text), nil
		},
	}
}

func addTool() server.ServerTool {
	return server.ServerTool{
		Tool: mcp.NewTool(
			"add",
			mcp.WithDescription("Add two numbers"),
			mcp.WithNumber("a", mcp.Required(), mcp.Description("First addend")),
			mcp.WithNumber("b", mcp.Required(), mcp.Description("Second addend")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				A float64 `mapstructure:"a"`
				B float64 `mapstructure:"b"`
			}
			if err := mapstructure.Decode(req.Params.Arguments, &args); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(strconv.FormatFloat(args.A+args.B, 'f', -1, 64)), nil
		},
	}
}

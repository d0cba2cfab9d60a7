package mcpengine

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/storaged-project/blivet-gui-sub000/internal/config"
)

const protocolVersion = "2025-11-25"

// connection wraps an MCP client with its transport.
type connection struct {
	listTools func(ctx context.Context) ([]mcp.Tool, error)
	callTool  func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	close     func() error
}

func connect(ctx context.Context, cfg config.MCPConfig) (*connection, error) {
	switch {
	case cfg.IsStdio():
		return connectStdio(ctx, cfg)
	case cfg.IsHTTP():
		return connectHTTP(ctx, cfg)
	default:
		return nil, fmt.Errorf("engine.mcp: no command or url configured")
	}
}

func connectStdio(ctx context.Context, cfg config.MCPConfig) (*connection, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("creating stdio client: %w", err)
	}
	if err := initialize(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	return wrapClient(c), nil
}

func connectHTTP(ctx context.Context, cfg config.MCPConfig) (*connection, error) {
	c, err := mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(requestHeaders(cfg.Headers)))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting HTTP client: %w", err)
	}
	if err := initialize(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	return wrapClient(c), nil
}

func initialize(ctx context.Context, c *mcpclient.Client) error {
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "blivetctl",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}); err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	return nil
}

func wrapClient(c *mcpclient.Client) *connection {
	return &connection{
		listTools: func(ctx context.Context) ([]mcp.Tool, error) {
			result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
			if err != nil {
				return nil, err
			}
			return result.Tools, nil
		},
		callTool: func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			return c.CallTool(ctx, mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      name,
					Arguments: args,
				},
			})
		},
		close: func() error {
			return c.Close()
		},
	}
}

// Package mcpclient adapts the spec's abstract "tool-protocol client
// library" (a session opening initialize/list_tools/list_resources/
// list_prompts/call_tool over a duplex channel) onto mark3labs/mcp-go,
// grounded on the teacher's internal/service/mcp_test_connection.go.
package mcpclient

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Method is how a session reaches a server, one of the three spec.md §4.8
// connection-resolution outcomes.
type Method string

const (
	MethodStdio  Method = "stdio"
	MethodRemote Method = "remote"
	MethodLocal  Method = "local"
)

// ConnectionInfo carries everything needed to open a session, already
// placeholder-resolved by the caller (spec.md §4.8: "with placeholder
// resolution").
type ConnectionInfo struct {
	Method Method

	// stdio / local
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string

	// remote
	TransportIsSSE bool // false selects streamable-http
	URL            string
	Headers        map[string]string
}

// clientName/clientVersion identify wisp to the servers it connects to.
const (
	clientName    = "wisp"
	clientVersion = "1.0.0"
)

// NewClient constructs the mcp-go client for one ConnectionInfo, without
// opening it.
func NewClient(info ConnectionInfo) (client.MCPClient, error) {
	switch info.Method {
	case MethodStdio, MethodLocal:
		return client.NewStdioMCPClient(info.Command, envMapToSlice(info.Env), info.Args...)
	case MethodRemote:
		if info.TransportIsSSE {
			var opts []transport.ClientOption
			if len(info.Headers) > 0 {
				opts = append(opts, transport.WithHeaders(info.Headers))
			}
			return client.NewSSEMCPClient(info.URL, opts...)
		}
		var opts []transport.StreamableHTTPCOption
		if len(info.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(info.Headers))
		}
		return client.NewStreamableHttpClient(info.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported connection method: %s", info.Method)
	}
}

// Session is one scoped use of an mcp-go client: open, initialize, do work,
// close. Session lifetime is strictly call-scoped (spec.md §4.8: "on any
// exit path ... the stdio child process or HTTP stream is torn down").
type Session struct {
	client client.MCPClient
}

// Open creates the underlying client and performs the initialize handshake,
// bounded by ctx.
func Open(ctx context.Context, info ConnectionInfo) (*Session, error) {
	c, err := NewClient(info)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return &Session{client: c}, nil
}

// Close tears down the session's underlying transport.
func (s *Session) Close() error {
	return s.client.Close()
}

// ListTools returns every tool the server advertises.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, nil
}

// ListResources returns every resource the server advertises.
func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	result, err := s.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return result.Resources, nil
}

// ListPrompts returns every prompt the server advertises.
func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	result, err := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return result.Prompts, nil
}

// CallTool invokes one tool with the given arguments and returns its raw
// result.
func (s *Session) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments
	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", toolName, err)
	}
	return result, nil
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

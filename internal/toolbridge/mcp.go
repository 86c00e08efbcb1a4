package toolbridge

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolClient is a live session against one tool server. Sessions are
// short-lived: dial, use, close.
type ToolClient interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (text string, isError bool, err error)
	Close() error
}

// Dialer opens a session against a tool server. The default dialer speaks
// MCP; tests substitute a fake.
type Dialer func(ctx context.Context, conn *ToolConnection, authToken string) (ToolClient, error)

// DialMCP is the default Dialer. It connects with the connection's transport,
// runs the MCP initialize handshake, and returns the live session.
func DialMCP(ctx context.Context, conn *ToolConnection, authToken string) (ToolClient, error) {
	headers := map[string]string{}
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}

	var (
		c   *mcpclient.Client
		err error
	)
	switch conn.Transport {
	case TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(conn.URL, transport.WithHeaders(headers))
	case TransportStreamableHTTP:
		c, err = mcpclient.NewStreamableHttpClient(conn.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, fmt.Errorf("unsupported transport: %s", conn.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", conn.ServerID, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", conn.ServerID, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tracklet", Version: "1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize %s: %w", conn.ServerID, err)
	}

	return &mcpSession{client: c}, nil
}

type mcpSession struct {
	client *mcpclient.Client
}

func (s *mcpSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := map[string]interface{}{"type": t.InputSchema.Type}
		if len(t.InputSchema.Properties) > 0 {
			schema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

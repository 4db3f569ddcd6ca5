// Package mcptools exposes the tools of a remote MCP server as local tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
)

const clientName = "vai-live-bridge"

// Client holds one MCP client session shared by all live sessions.
type Client struct {
	session *sdk.ClientSession
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect performs the MCP handshake over transport.
func Connect(ctx context.Context, transport sdk.Transport, logger *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("mcp transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := sdk.NewClient(&sdk.Implementation{Name: clientName, Version: "v1"}, nil)
	session, err := c.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return &Client{session: session, logger: logger}, nil
}

// ConnectURL connects to a streamable HTTP MCP endpoint.
func ConnectURL(ctx context.Context, endpoint string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("mcp endpoint is required")
	}
	return Connect(ctx, &sdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, logger)
}

// ConnectCommand spawns commandLine and speaks MCP over its stdio.
func ConnectCommand(ctx context.Context, commandLine string, logger *zap.Logger) (*Client, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("mcp command is required")
	}
	return Connect(ctx, &sdk.CommandTransport{Command: exec.Command(fields[0], fields[1:]...)}, logger)
}

func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

// Tools lists the remote tools and wraps each as a tools.Tool whose Func
// performs a remote call.
func (c *Client) Tools(ctx context.Context) ([]tools.Tool, error) {
	res, err := c.session.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("mcp list tools: %w", err)
	}
	out := make([]tools.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		out = append(out, tools.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.InputSchema),
			Func:        c.caller(t.Name),
		})
	}
	c.logger.Info("mcp tools loaded", zap.Int("count", len(out)))
	return out, nil
}

func (c *Client) caller(name string) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		res, err := c.session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return nil, fmt.Errorf("mcp call %s: %w", name, err)
		}
		text := joinText(res.Content)
		if res.IsError {
			if text == "" {
				text = "remote tool reported an error"
			}
			return nil, errors.New(text)
		}
		if m, ok := asMap(res.StructuredContent); ok {
			return m, nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			return decoded, nil
		}
		return text, nil
	}
}

func joinText(content []sdk.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return m, true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false
		}
		return out, true
	}
}

func convertSchema(v any) *realtime.Schema {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	s := &realtime.Schema{}
	s.Type, _ = m["type"].(string)
	s.Description, _ = m["description"].(string)
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*realtime.Schema, len(props))
		for name, raw := range props {
			if child := convertSchema(raw); child != nil {
				s.Properties[name] = child
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if items, ok := m["items"]; ok {
		s.Items = convertSchema(items)
	}
	return s
}

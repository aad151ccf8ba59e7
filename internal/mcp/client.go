package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/scholar/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2025-06-18"

// NoResult is the text reported for a tool call whose result has no content.
const NoResult = "No result"

// Tool is an MCP tool as returned by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Server is the name of the server that owns the tool. Set by the
	// Manager, never sent on the wire.
	Server string `json:"-"`
}

// PromptArgument describes one named argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is an MCP prompt template as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Server      string           `json:"-"`
}

// Resource is a readable resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Server      string `json:"-"`
}

// DisplayName is the resource name, or its URI when the server gave none.
func (r Resource) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.URI
}

// ResourceTemplate is a parameterized resource URI such as papers://{topic}.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Server      string `json:"-"`
}

// ContentBlock is a single content item in a tools/call or prompts/get
// response.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ResourceContents is one item of a resources/read response.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptMessage is one rendered message of a prompts/get response.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// PromptResult is the rendered prompt returned by prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Text joins the text of every message in the prompt.
func (p *PromptResult) Text() string {
	blocks := make([]ContentBlock, 0, len(p.Messages))
	for _, m := range p.Messages {
		blocks = append(blocks, m.Content)
	}
	return extractText(blocks)
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type promptsListResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type resourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type templatesListResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

type readResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports. A nil field
// means the server did not advertise that kind.
type serverCapabilities struct {
	Tools     *json.RawMessage `json:"tools,omitempty"`
	Prompts   *json.RawMessage `json:"prompts,omitempty"`
	Resources *json.RawMessage `json:"resources,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	// handshake serializes repeated handshakes after a restart.
	handshake sync.Mutex

	mu           sync.RWMutex
	initialized  bool
	generation   uint64 // transport generation the handshake ran on
	serverName   string
	serverVer    string
	capabilities serverCapabilities
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (stdio or HTTP).
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// initialization.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	gen := c.transportGeneration()
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "scholar",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.generation = gen
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.capabilities = result.Capabilities
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// Supports reports whether the server advertised kind in its
// initialize capabilities.
func (c *Client) Supports(kind Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch kind {
	case KindTool:
		return c.capabilities.Tools != nil
	case KindPrompt:
		return c.capabilities.Prompts != nil
	case KindResource:
		return c.capabilities.Resources != nil
	}
	return false
}

// ListTools calls tools/list, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	err := c.paginate(ctx, "tools/list", func(raw json.RawMessage) (string, error) {
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed MCP tools", "count", len(out))
	return out, nil
}

// ListPrompts calls prompts/list, following pagination cursors.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var out []Prompt
	err := c.paginate(ctx, "prompts/list", func(raw json.RawMessage) (string, error) {
		var page promptsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed MCP prompts", "count", len(out))
	return out, nil
}

// ListResources calls resources/list, following pagination cursors.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	err := c.paginate(ctx, "resources/list", func(raw json.RawMessage) (string, error) {
		var page resourcesListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed MCP resources", "count", len(out))
	return out, nil
}

// ListResourceTemplates calls resources/templates/list, following
// pagination cursors.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	var out []ResourceTemplate
	err := c.paginate(ctx, "resources/templates/list", func(raw json.RawMessage) (string, error) {
		var page templatesListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.ResourceTemplates...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// paginate issues method repeatedly until the server stops returning a
// cursor. decode appends one page and returns the next cursor.
func (c *Client) paginate(ctx context.Context, method string, decode func(json.RawMessage) (string, error)) error {
	cursor := ""
	for page := 0; ; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.send(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		next, err := decode(resp.Result)
		if err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		if next == "" || next == cursor {
			return nil
		}
		if page >= 100 {
			return fmt.Errorf("%s: too many pages", method)
		}
		cursor = next
	}
}

// CallTool invokes a tool by name with the given arguments. The result
// is extracted from the response content blocks as a single string;
// a result with no content reads as NoResult. A result flagged isError
// is returned as an error carrying the server's text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	if text == "" {
		return NoResult, nil
	}

	return text, nil
}

// GetPrompt renders a prompt with the given arguments via prompts/get.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	resp, err := c.send(ctx, "prompts/get", params)
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}

	var result PromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return &result, nil
}

// ReadResource fetches a resource via resources/read and returns its
// text contents joined together. Binary contents are described inline.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	resp, err := c.send(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal resources/read result: %w", err)
	}

	parts := make([]string, 0, len(result.Contents))
	for _, rc := range result.Contents {
		if rc.Text != "" || rc.Blob == "" {
			parts = append(parts, rc.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[binary %s, %d bytes base64]", rc.MIMEType, len(rc.Blob)))
	}
	return strings.Join(parts, "\n"), nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

func (c *Client) transportGeneration() uint64 {
	if r, ok := c.transport.(restartable); ok {
		return r.Generation()
	}
	return 0
}

func (c *Client) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized && c.generation != c.transportGeneration()
}

// ensureSession repeats the handshake when the transport replaced the
// server process since the last one.
func (c *Client) ensureSession(ctx context.Context) error {
	if !c.stale() {
		return nil
	}
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.stale() {
		return nil
	}
	c.logger.Warn("MCP server process was replaced, repeating handshake")
	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("re-initialize after restart: %w", err)
	}
	return nil
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	if method != "initialize" {
		if err := c.ensureSession(ctx); err != nil {
			return nil, err
		}
	}

	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			if b.Resource != nil && b.Resource.Text != "" {
				parts = append(parts, b.Resource.Text)
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// maxListPages bounds cursor pagination on tools/list and resources/list
// so a server that keeps returning cursors cannot stall initialization.
const maxListPages = 100

// State is a client's lifecycle stage.
type State int32

const (
	// StateCreated is a spawned client that has not started the handshake.
	StateCreated State = iota
	// StateInitializing is a client inside Initialize.
	StateInitializing
	// StateReady is a client that completed the handshake and accepts calls.
	StateReady
	// StateStopped is terminal: the process is gone or was killed.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Tool is an MCP tool as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ServerInfo identifies the server as reported in the initialize reply.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// listPage is one page of a tools/list or resources/list reply. Entries
// stay raw so a single bad entry can be dropped without failing the page.
type listPage struct {
	Tools      []json.RawMessage `json:"tools"`
	Resources  []json.RawMessage `json:"resources"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type cursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// Client connects to a single MCP server and provides typed access to
// the protocol operations. Tools and resources are discovered once
// during [Client.Initialize] and cached for the client's lifetime.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	state     atomic.Int32

	mu        sync.RWMutex
	info      ServerInfo
	tools     []Tool
	resources []Resource
}

// Spawn starts the server process described by cfg and returns a client
// in [StateCreated]. The caller must call Initialize before using it.
func Spawn(name string, cfg StdioConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger.With("mcp_server", name)

	transport, err := StartStdio(cfg)
	if err != nil {
		return nil, &SpawnError{Server: name, Command: cfg.Command, Err: err}
	}
	return NewClient(name, transport, logger), nil
}

// NewClient creates an MCP client for the given server over an already
// started transport. If the transport can end on its own, the client
// moves to [StateStopped] when it does.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
	c.state.Store(int32(StateCreated))

	if cn, ok := transport.(closeNotifier); ok {
		go func() {
			<-cn.Done()
			if State(c.state.Swap(int32(StateStopped))) == StateReady {
				c.logger.Warn("MCP server connection lost")
			}
		}()
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// State returns the client's current lifecycle stage.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ServerInfo returns what the server reported about itself during the
// handshake. It is zero before Initialize succeeds.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Tools returns a copy of the cached tool list.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Resources returns a copy of the cached resource list.
func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Initialize performs the MCP handshake: an initialize request, the
// notifications/initialized notification, and then tool and resource
// discovery in that order. It may run once. On failure the transport is
// closed and the client is left in [StateStopped].
func (c *Client) Initialize(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("initialize %s: client is %s", c.name, c.State())
	}

	if err := c.handshake(ctx); err != nil {
		c.logger.Error("MCP server initialization failed", "error", err)
		c.stop()
		return &InitError{Server: c.name, Err: err}
	}

	if !c.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		// The transport ended while we were discovering.
		c.stop()
		return &InitError{Server: c.name, Err: ErrCancelled}
	}

	c.mu.RLock()
	c.logger.Info("MCP server ready",
		"server_name", c.info.Name,
		"server_version", c.info.Version,
		"tools", len(c.tools),
		"resources", len(c.resources),
	)
	c.mu.RUnlock()
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
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
	c.info = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	c.mu.Unlock()

	c.logger.Debug("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	// Discovery failures leave the list empty; only a dead transport
	// fails the handshake.
	tools, err := c.listTools(ctx)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		c.logger.Warn("tools/list failed", "error", err)
	}
	resources, err := c.listResources(ctx)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		c.logger.Warn("resources/list failed", "error", err)
	}

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.mu.Unlock()
	return nil
}

func (c *Client) listTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	err := c.paginate(ctx, "tools/list", func(page *listPage) {
		for _, raw := range page.Tools {
			var t Tool
			if err := json.Unmarshal(raw, &t); err != nil || t.Name == "" {
				c.logger.Debug("dropping unparsable tool entry", "entry", string(raw))
				continue
			}
			tools = append(tools, t)
		}
	})
	return tools, err
}

func (c *Client) listResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	err := c.paginate(ctx, "resources/list", func(page *listPage) {
		for _, raw := range page.Resources {
			var r Resource
			if err := json.Unmarshal(raw, &r); err != nil || r.URI == "" || r.Name == "" {
				c.logger.Debug("dropping unparsable resource entry", "entry", string(raw))
				continue
			}
			resources = append(resources, r)
		}
	})
	return resources, err
}

// paginate issues method repeatedly, following nextCursor.
func (c *Client) paginate(ctx context.Context, method string, each func(*listPage)) error {
	var cursor string
	for range maxListPages {
		var params any
		if cursor != "" {
			params = cursorParams{Cursor: cursor}
		}
		resp, err := c.send(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		var page listPage
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		each(&page)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		cursor = page.NextCursor
	}
	c.logger.Warn("pagination limit reached", "method", method, "pages", maxListPages)
	return nil
}

// CallTool invokes a tool by name. Nil args are sent as an empty
// object. The result document is returned as the server sent it,
// including results flagged isError.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	resp, err := c.request(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return resp.Result, nil
}

// ReadResource reads a resource by URI and returns the result document
// as the server sent it.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	resp, err := c.request(ctx, "resources/read", readResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	return resp.Result, nil
}

// SendRequest issues an arbitrary method on a ready client and returns
// the raw result.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "ping", nil)
	return err
}

// Close terminates the server process. It is safe to call more than once.
func (c *Client) Close() error {
	if State(c.state.Load()) != StateStopped {
		c.logger.Info("closing MCP client")
	}
	return c.stop()
}

func (c *Client) stop() error {
	c.state.Store(int32(StateStopped))
	return c.transport.Close()
}

// request is send gated on the client being ready.
func (c *Client) request(ctx context.Context, method string, params any) (*Response, error) {
	switch s := c.State(); s {
	case StateReady:
	case StateStopped:
		return nil, ErrCancelled
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s)
	}
	return c.send(ctx, method, params)
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
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

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// ToolResult is the decoded shape of a tools/call result.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// DecodeToolResult parses a raw tools/call result.
func DecodeToolResult(raw json.RawMessage) (*ToolResult, error) {
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Text joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func (r *ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// ResourceContents is one entry of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceText extracts the text of a raw resources/read result. Binary
// entries are represented as inline markers.
func ResourceText(raw json.RawMessage) (string, error) {
	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	var parts []string
	for _, c := range result.Contents {
		if c.Blob != "" && c.Text == "" {
			parts = append(parts, fmt.Sprintf("[blob %s]", c.MIMEType))
			continue
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n"), nil
}

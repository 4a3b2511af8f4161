package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and correlation of JSON-RPC
// requests with their responses.
type Transport interface {
	// Send sends a JSON-RPC request and waits for the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// closeNotifier is implemented by transports that can end on their own,
// such as a subprocess exiting. The channel is closed once the
// transport can no longer deliver responses.
type closeNotifier interface {
	Done() <-chan struct{}
}

// Package mcp implements the client side of MCP (Model Context Protocol)
// for servers that run as local subprocesses.
//
// MCP is JSON-RPC 2.0 carried one document per line over the child's
// stdin and stdout. [StdioTransport] owns the process and multiplexes
// concurrent requests over the single pipe pair: a reader goroutine
// correlates replies to callers by request id, so replies may arrive in
// any order. [Client] layers the protocol on top: the initialize
// handshake, tool and resource discovery (cached once), and the
// tools/call and resources/read operations.
//
// The subprocess never acts as a caller against us. Server-initiated
// requests and notifications are logged and otherwise ignored.
package mcp

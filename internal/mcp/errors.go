package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches any [TimeoutError] via errors.Is.
var ErrTimeout = errors.New("mcp request timed out")

// ErrCancelled is returned for requests still waiting when the
// transport closed, and for requests sent after it closed.
var ErrCancelled = errors.New("mcp request cancelled: transport closed")

// ErrNotReady is returned by operations that require a completed
// handshake.
var ErrNotReady = errors.New("mcp client not ready")

// TimeoutError reports a request that received no reply within the
// transport's request timeout. It is distinct from [RPCError]: the
// server never answered, as opposed to answering with a rejection.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp request %s timed out after %s", e.Method, e.After)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// SpawnError reports a server process that could not be started.
type SpawnError struct {
	Server  string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn MCP server %s (%s): %v", e.Server, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// InitError reports a failed initialize handshake. The client is
// stopped and must be discarded.
type InitError struct {
	Server string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize MCP server %s: %v", e.Server, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

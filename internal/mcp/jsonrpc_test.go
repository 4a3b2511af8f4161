package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestWireShapes pins the exact bytes written to a server, since some
// servers reject "params": null and a missing jsonrpc member.
func TestWireShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{
			"request with params",
			NewRequest(42, "tools/call", map[string]any{"name": "echo"}),
			`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"echo"}}`,
		},
		{
			"request without params",
			NewRequest(1, "tools/list", nil),
			`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		},
		{
			"notification",
			NewNotification("notifications/initialized", nil),
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("wire = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestRPCError(t *testing.T) {
	var m inbound
	raw := `{"jsonrpc":"2.0","id":9,"error":{"code":-32601,"message":"Method not found","data":{"method":"x"}}}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Error == nil {
		t.Fatal("Error is nil")
	}
	if m.Error.Code != -32601 || string(m.Error.Data) != `{"method":"x"}` {
		t.Errorf("Error = %+v", m.Error)
	}
	if got, want := m.Error.Error(), "jsonrpc error -32601: Method not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInboundClassification(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		hasID     bool
		numeric   bool
		wantID    int64
		hasMethod bool
	}{
		{"response", `{"jsonrpc":"2.0","id":7,"result":{}}`, true, true, 7, false},
		{"error response", `{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"x"}}`, true, true, 3, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, false, false, 0, true},
		{"server request", `{"jsonrpc":"2.0","id":"srv-1","method":"sampling/createMessage"}`, true, false, 0, true},
		{"null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, false, false, 0, false},
		{"string id", `{"jsonrpc":"2.0","id":"1","result":{}}`, true, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m inbound
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.hasID(); got != tt.hasID {
				t.Errorf("hasID() = %v, want %v", got, tt.hasID)
			}
			if tt.hasID {
				id, ok := m.numericID()
				if ok != tt.numeric {
					t.Errorf("numericID() ok = %v, want %v", ok, tt.numeric)
				}
				if ok && id != tt.wantID {
					t.Errorf("numericID() = %d, want %d", id, tt.wantID)
				}
			}
			if got := m.Method != ""; got != tt.hasMethod {
				t.Errorf("has method = %v, want %v", got, tt.hasMethod)
			}
		})
	}
}

func TestTimeoutErrorIs(t *testing.T) {
	var err error = &TimeoutError{Method: "tools/call", After: 30 * time.Second}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(TimeoutError, ErrTimeout) = false")
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("TimeoutError matched ErrCancelled")
	}
	want := "mcp request tools/call timed out after 30s"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestSpawnAndInitErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	spawn := fmt.Errorf("load: %w", &SpawnError{Server: "fs", Command: "npx", Err: cause})
	if !errors.Is(spawn, cause) {
		t.Error("SpawnError does not unwrap to cause")
	}
	var se *SpawnError
	if !errors.As(spawn, &se) || se.Server != "fs" {
		t.Errorf("errors.As SpawnError = %+v", se)
	}

	initErr := &InitError{Server: "fs", Err: &RPCError{Code: -32603, Message: "internal"}}
	var rpcErr *RPCError
	if !errors.As(initErr, &rpcErr) || rpcErr.Code != -32603 {
		t.Errorf("InitError does not unwrap to RPCError: %v", initErr)
	}
}

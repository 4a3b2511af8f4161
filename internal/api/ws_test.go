package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphost/internal/events"
)

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", wsURL, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsCall(t *testing.T, conn *websocket.Conn, req string) wsResponse {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return wsRead(t, conn)
}

func wsRead(t *testing.T, conn *websocket.Conn) wsResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp wsResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWebSocket_Methods(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, nil)

	tests := []struct {
		name       string
		req        string
		wantResult string
		wantCode   int
	}{
		{"load", `{"id":1,"method":"load_servers"}`, `{"servers":["alpha","beta"]}`, 0},
		{"call tool", `{"id":2,"method":"call_tool","params":{"server":"alpha","tool":"read","arguments":{"x":1}}}`, `"text":"ok"`, 0},
		{"call qualified", `{"id":"q","method":"call","params":{"name":"mcp_alpha_read"}}`, `"text":"ok"`, 0},
		{"read resource", `{"id":3,"method":"read_resource","params":{"server":"alpha","uri":"file:///n"}}`, `"text":"notes"`, 0},
		{"config path", `{"id":4,"method":"get_config_path"}`, `claude_desktop_config.json`, 0},
		{"get config", `{"id":5,"method":"get_config"}`, `"mcpServers"`, 0},
		{"list tools", `{"id":6,"method":"list_tools"}`, `mcp_alpha_read`, 0},
		{"save config", `{"id":7,"method":"save_config","params":{"mcpServers":{"x":{"command":"y"}}}}`, `"servers":["x"]`, 0},
		{"stop", `{"id":8,"method":"stop_server","params":{"name":"alpha"}}`, `"stopped":"alpha"`, 0},
		{"not found", `{"id":9,"method":"call_tool","params":{"server":"zeta","tool":"read"}}`, "", http.StatusNotFound},
		{"timeout", `{"id":10,"method":"call_tool","params":{"server":"alpha","tool":"slow"}}`, "", http.StatusGatewayTimeout},
		{"rpc error", `{"id":11,"method":"call_tool","params":{"server":"alpha","tool":"reject"}}`, "", http.StatusBadGateway},
		{"missing params", `{"id":12,"method":"call_tool"}`, "", http.StatusBadRequest},
		{"bad arguments", `{"id":13,"method":"call_tool","params":{"server":"alpha","tool":"read","arguments":[1]}}`, "", http.StatusBadRequest},
		{"invalid config", `{"id":14,"method":"save_config","params":{"mcpServers":{"x":{}}}}`, "", http.StatusBadRequest},
		{"unknown method", `{"id":15,"method":"frobnicate"}`, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := wsCall(t, conn, tt.req)

			var req wsRequest
			if err := json.Unmarshal([]byte(tt.req), &req); err != nil {
				t.Fatal(err)
			}
			if string(resp.ID) != string(req.ID) {
				t.Errorf("id = %s, want %s", resp.ID, req.ID)
			}

			if tt.wantCode != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("error = %+v, want code %d", resp.Error, tt.wantCode)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error: %+v", resp.Error)
			}
			if !strings.Contains(string(resp.Result), tt.wantResult) {
				t.Errorf("result = %s, want it to contain %s", resp.Result, tt.wantResult)
			}
		})
	}
}

func TestWebSocket_RPCErrorDetail(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, nil)

	resp := wsCall(t, conn, `{"id":1,"method":"call_tool","params":{"server":"alpha","tool":"reject"}}`)
	if resp.Error == nil || resp.Error.RPCCode != -32602 {
		t.Errorf("error = %+v, want rpc_code -32602", resp.Error)
	}
}

func TestWebSocket_ConcurrentRepliesMatchIDs(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, nil)

	// The slow request is answered after the fast one.
	for _, req := range []string{
		`{"id":"slow","method":"call_tool","params":{"server":"alpha","tool":"wait"}}`,
		`{"id":"fast","method":"list_servers"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			t.Fatal(err)
		}
	}

	first := wsRead(t, conn)
	second := wsRead(t, conn)
	if string(first.ID) != `"fast"` || string(second.ID) != `"slow"` {
		t.Errorf("reply order = %s, %s; want fast then slow", first.ID, second.ID)
	}
	if !strings.Contains(string(second.Result), "waited") {
		t.Errorf("slow result = %s", second.Result)
	}
}

func TestWebSocket_MalformedMessageKeepsConnection(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, nil)

	resp := wsCall(t, conn, `{not json`)
	if resp.Error == nil || resp.Error.Code != http.StatusBadRequest {
		t.Errorf("error = %+v, want 400", resp.Error)
	}
	resp = wsCall(t, conn, `{"id":2,"method":"list_servers"}`)
	if resp.Error != nil || string(resp.ID) != "2" {
		t.Errorf("connection unusable after malformed message: %+v", resp)
	}
}

func TestWebSocket_OriginCheck(t *testing.T) {
	ts, _, _ := newTestServer(t)

	dialWS(t, ts.URL, http.Header{"Origin": []string{"https://app.example"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("dial from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestWebSocket_SubscribeEvents(t *testing.T) {
	bus := events.New()
	s := NewServer("127.0.0.1", 0, &fakeHosts{}, discardLogger())
	s.SetEventBus(bus)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts.URL, nil)
	resp := wsCall(t, conn, `{"id":1,"method":"subscribe"}`)
	if resp.Error != nil || !strings.Contains(string(resp.Result), `"subscribed":true`) {
		t.Fatalf("subscribe = %+v", resp)
	}
	// A second subscribe is acknowledged without a second stream.
	if resp := wsCall(t, conn, `{"id":2,"method":"subscribe"}`); resp.Error != nil {
		t.Fatalf("second subscribe = %+v", resp)
	}
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	bus.Emit(events.SourceHealth, events.KindServerDown, map[string]any{"mcp_server": "alpha"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Event.Kind != events.KindServerDown || frame.Event.Data["mcp_server"] != "alpha" {
		t.Errorf("event = %+v", frame.Event)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after close = %d, want 0", got)
	}
}

func TestWebSocket_SubscribeNotConfigured(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, nil)
	resp := wsCall(t, conn, `{"id":1,"method":"subscribe"}`)
	if resp.Error == nil || resp.Error.Code != http.StatusServiceUnavailable {
		t.Errorf("subscribe without bus = %+v, want 503", resp)
	}
}

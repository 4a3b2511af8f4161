package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcpconfig"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsReadLimit  = maxBodyBytes
	wsEventBuf   = 64
)

// wsRequest is one call over the WebSocket. ID is echoed back verbatim
// so the caller can match replies, which may arrive out of order.
type wsRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wsResponse carries exactly one of Result or Error.
type wsResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

// wsEvent is pushed to subscribed connections. It has no id.
type wsEvent struct {
	Event events.Event `json:"event"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The upgraded connection outlives the HTTP write timeout.
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	var sub <-chan events.Event
	defer func() {
		if sub != nil {
			s.events.Unsubscribe(sub)
		}
	}()

	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "error", err)
			}
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				wc.write(wsResponse{Error: newErrorBody(http.StatusBadRequest, "invalid JSON", nil)})
				continue
			}
			cancel()
			return
		}

		if req.Method == "subscribe" {
			resp := wsResponse{ID: req.ID}
			switch {
			case s.events == nil:
				resp.Error = newErrorBody(http.StatusServiceUnavailable, "event stream not configured", nil)
			case sub == nil:
				sub = s.events.Subscribe(wsEventBuf)
				wg.Add(1)
				go func(ch <-chan events.Event) {
					defer wg.Done()
					s.forwardEvents(ctx, wc, ch)
				}(sub)
				fallthrough
			default:
				resp.Result = json.RawMessage(`{"subscribed":true}`)
			}
			wc.write(resp)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.dispatch(ctx, req)
			if err := wc.write(resp); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
			}
		}()
	}
}

// forwardEvents pushes bus events to the connection until the
// connection ends or the subscription is closed.
func (s *Server) forwardEvents(ctx context.Context, wc *wsConn, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := wc.write(wsEvent{Event: e}); err != nil {
				s.logger.Debug("websocket event write failed", "error", err)
				return
			}
		}
	}
}

// dispatch runs one envelope request against the hosts.
func (s *Server) dispatch(ctx context.Context, req wsRequest) wsResponse {
	resp := wsResponse{ID: req.ID}

	result, err := s.invoke(ctx, req.Method, req.Params)
	if err != nil {
		var (
			bad     *badRequestError
			unknown *methodNotFoundError
		)
		switch {
		case errors.As(err, &bad):
			resp.Error = newErrorBody(http.StatusBadRequest, bad.msg, nil)
			return resp
		case errors.As(err, &unknown):
			resp.Error = newErrorBody(http.StatusNotFound, unknown.Error(), nil)
			return resp
		}
		status, rpcErr := classify(err)
		resp.Error = newErrorBody(status, err.Error(), rpcErr)
		return resp
	}

	switch v := result.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		resp.Result = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			resp.Error = newErrorBody(http.StatusInternalServerError, err.Error(), nil)
			return resp
		}
		resp.Result = data
	}
	return resp
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

// decodeParams unmarshals params into v. Missing params decode as an
// empty object.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return badRequest("invalid params: " + err.Error())
	}
	return nil
}

func (s *Server) invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "load_servers":
		names, err := s.hosts.LoadServers(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"servers": names}, nil

	case "list_servers":
		return map[string]any{"servers": s.hosts.ListServers()}, nil

	case "list_tools":
		return map[string]any{"tools": s.hosts.Catalog()}, nil

	case "call_tool":
		var p struct {
			Server    string          `json:"server"`
			Tool      string          `json:"tool"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Server == "" || p.Tool == "" {
			return nil, badRequest("server and tool are required")
		}
		args, err := parseArguments(p.Arguments)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return s.hosts.CallTool(ctx, p.Server, p.Tool, args)

	case "call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, badRequest("name is required")
		}
		args, err := parseArguments(p.Arguments)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return s.hosts.CallQualified(ctx, p.Name, args)

	case "read_resource":
		var p struct {
			Server string `json:"server"`
			URI    string `json:"uri"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Server == "" || p.URI == "" {
			return nil, badRequest("server and uri are required")
		}
		return s.hosts.ReadResource(ctx, p.Server, p.URI)

	case "stop_server":
		var p struct {
			Name string `json:"name"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.hosts.StopServer(p.Name); err != nil {
			return nil, err
		}
		return map[string]any{"stopped": p.Name}, nil

	case "get_config":
		return s.hosts.Config()

	case "save_config":
		var cfg mcpconfig.Config
		if len(params) == 0 {
			return nil, badRequest("params are required")
		}
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, badRequest("invalid config: " + err.Error())
		}
		if err := cfg.Validate(); err != nil {
			return nil, badRequest(err.Error())
		}
		if err := s.hosts.SaveConfig(cfg.Servers); err != nil {
			return nil, err
		}
		return map[string]any{"path": s.hosts.ConfigPath(), "servers": cfg.Names()}, nil

	case "get_config_path":
		return map[string]string{"path": s.hosts.ConfigPath()}, nil
	}
	return nil, &methodNotFoundError{method: method}
}

type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string { return "unknown method: " + e.method }

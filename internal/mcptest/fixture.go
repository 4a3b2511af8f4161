// Package mcptest runs the current test binary as an MCP server so
// subprocess behavior can be tested without external tools.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		mcptest.ServeIfFixture()
//		os.Exit(m.Run())
//	}
//
// and then launches a fixture with [Fixture]. ServeIfFixture never
// returns when the process was started as a fixture.
package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// EnvMode selects the fixture mode in the child process.
const EnvMode = "MCPHOST_FIXTURE"

// EnvFailInit makes the canned fixture reject initialize.
const EnvFailInit = "MCPHOST_FIXTURE_FAIL_INIT"

// Fixture modes.
const (
	// ModeCanned speaks a scripted line protocol with exact control
	// over ordering, malformed output and silence.
	ModeCanned = "canned"
	// ModeSDK runs a server built on the official Go SDK.
	ModeSDK = "sdk"
)

// NotesURI is the resource both fixtures expose.
const NotesURI = "file:///fixture/notes.txt"

// NotesText is the content of NotesURI.
const NotesText = "hello from the fixture"

// Launch describes how to start a fixture process.
type Launch struct {
	Command string
	Args    []string
	Env     []string
}

// Fixture returns the launch spec for the given mode. extraEnv entries
// (KEY=VALUE) are passed to the child.
func Fixture(mode string, extraEnv ...string) Launch {
	return Launch{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     append([]string{EnvMode + "=" + mode}, extraEnv...),
	}
}

// ServeIfFixture runs the fixture server and exits if this process was
// launched as one. Otherwise it returns immediately.
func ServeIfFixture() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	var err error
	switch mode {
	case ModeCanned:
		err = serveCanned(os.Stdin, os.Stdout, os.Stderr)
	case ModeSDK:
		err = serveSDK(context.Background())
	default:
		err = fmt.Errorf("unknown fixture mode %q", mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fixture:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// greetArgs is the input of the SDK fixture's greet tool.
type greetArgs struct {
	Name string `json:"name" jsonschema:"who to greet"`
}

func serveSDK(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{Name: "mcphost-sdk-fixture", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "greet", Description: "Say hello"},
		func(_ context.Context, _ *mcp.CallToolRequest, args greetArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "Hello, " + args.Name + "!"}},
			}, nil, nil
		})

	server.AddResource(&mcp.Resource{URI: NotesURI, Name: "notes", MIMEType: "text/plain"},
		func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: NotesText}},
			}, nil
		})

	return server.Run(ctx, &mcp.StdioTransport{})
}

// cannedMessage is a request or notification read by the canned fixture.
type cannedMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type cannedServer struct {
	mu          sync.Mutex
	out         io.Writer
	initialized bool
}

// serveCanned answers a fixed script. Tools:
//
//	echo    replies with its "text" argument after "delay_ms"
//	fail    replies with JSON-RPC error -32000
//	sleep   never replies
//	exit    exits the process without replying
//	noisy   writes garbage and a stray reply before the real one
func serveCanned(in io.Reader, out, errOut io.Writer) error {
	s := &cannedServer{out: out}

	// Startup noise on both streams before any protocol traffic.
	s.writeLine("fixture booting, this is not JSON")
	fmt.Fprintln(errOut, "fixture: started pid", os.Getpid())

	reader := bufio.NewReader(in)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var msg cannedMessage
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				fmt.Fprintln(errOut, "fixture: bad input:", jerr)
			} else {
				s.handle(&msg)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (s *cannedServer) handle(msg *cannedMessage) {
	switch msg.Method {
	case "initialize":
		if os.Getenv(EnvFailInit) != "" {
			s.replyError(msg.ID, -32603, "initialization refused")
			return
		}
		// Unsolicited traffic the client must ignore.
		s.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"booted"}}`)
		s.writeLine(`{"jsonrpc":"2.0","id":"srv-1","method":"roots/list"}`)
		s.reply(msg.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{},"resources":{}},"serverInfo":{"name":"mcphost-canned-fixture","version":"0.9.0"}}`)
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	case "tools/list":
		if !s.ready(msg) {
			return
		}
		s.reply(msg.ID, `{"tools":[
			{"name":"echo","description":"Echo the text argument","inputSchema":{"type":"object","properties":{"text":{"type":"string"},"delay_ms":{"type":"integer"}}}},
			{"name":"fail","description":"Always fails","inputSchema":{"type":"object"}},
			{"description":"entry without a name"},
			{"name":"sleep","description":"Never replies","inputSchema":{"type":"object"}},
			{"name":"exit","description":"Exits the server","inputSchema":{"type":"object"}},
			{"name":"noisy","description":"Writes garbage before replying","inputSchema":{"type":"object"}},
			17
		]}`)
	case "resources/list":
		if !s.ready(msg) {
			return
		}
		s.reply(msg.ID, `{"resources":[
			{"uri":"`+NotesURI+`","name":"notes","description":"Fixture notes","mimeType":"text/plain"},
			{"name":"missing uri"}
		]}`)
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.URI != NotesURI {
			s.replyError(msg.ID, -32002, "resource not found: "+p.URI)
			return
		}
		s.reply(msg.ID, `{"contents":[{"uri":"`+NotesURI+`","mimeType":"text/plain","text":"`+NotesText+`"}]}`)
	case "tools/call":
		s.callTool(msg)
	case "ping":
		s.reply(msg.ID, `{}`)
	default:
		if len(msg.ID) > 0 {
			s.replyError(msg.ID, -32601, "method not found: "+msg.Method)
		}
	}
}

func (s *cannedServer) ready(msg *cannedMessage) bool {
	s.mu.Lock()
	ok := s.initialized
	s.mu.Unlock()
	if !ok {
		s.replyError(msg.ID, -32002, "server not initialized")
	}
	return ok
}

func (s *cannedServer) callTool(msg *cannedMessage) {
	var p struct {
		Name      string `json:"name"`
		Arguments struct {
			Text    string `json:"text"`
			DelayMS int    `json:"delay_ms"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg.ID, -32602, "invalid params")
		return
	}

	switch p.Name {
	case "echo":
		text, _ := json.Marshal(p.Arguments.Text)
		result := `{"content":[{"type":"text","text":` + string(text) + `}]}`
		if p.Arguments.DelayMS > 0 {
			go func() {
				time.Sleep(time.Duration(p.Arguments.DelayMS) * time.Millisecond)
				s.reply(msg.ID, result)
			}()
			return
		}
		s.reply(msg.ID, result)
	case "fail":
		s.replyError(msg.ID, -32000, "tool failed on purpose")
	case "sleep":
	case "exit":
		os.Exit(3)
	case "noisy":
		s.writeLine("{{{ definitely not json")
		s.writeLine(`{"jsonrpc":"2.0","id":999999,"result":{"stray":true}}`)
		s.reply(msg.ID, `{"content":[{"type":"text","text":"survived"}]}`)
	default:
		s.replyError(msg.ID, -32602, "unknown tool: "+p.Name)
	}
}

func (s *cannedServer) reply(id json.RawMessage, result string) {
	s.writeLine(`{"jsonrpc":"2.0","id":` + string(id) + `,"result":` + compact(result) + `}`)
}

func (s *cannedServer) replyError(id json.RawMessage, code int, message string) {
	msg, _ := json.Marshal(message)
	s.writeLine(`{"jsonrpc":"2.0","id":` + string(id) + `,"error":{"code":` + strconv.Itoa(code) + `,"message":` + string(msg) + `}}`)
}

func (s *cannedServer) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

// compact strips the layout used to keep the scripted replies
// readable. Every reply must fit on one line.
func compact(doc string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(doc)); err != nil {
		panic(fmt.Sprintf("fixture reply is not JSON: %v", err))
	}
	return buf.String()
}

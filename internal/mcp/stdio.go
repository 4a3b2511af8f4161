package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout is how long a request waits for its reply
// before failing with a [TimeoutError].
const DefaultRequestTimeout = 30 * time.Second

// levelTrace is below Debug, used for wire-level payload logging.
// Mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// exitDrainGrace bounds how long a reaped process's stdout may keep
// delivering buffered replies before the pipe is closed under it.
const exitDrainGrace = 2 * time.Second

// maxLoggedLine truncates raw lines in log output.
const maxLoggedLine = 4096

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// RequestTimeout bounds each request's wait for a reply.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Requests are written under a mutex that is released
// before waiting, so any number of requests can be in flight. A reader
// goroutine routes each reply to its caller through the pending table.
type StdioTransport struct {
	logger  *slog.Logger
	timeout time.Duration

	// cmd is nil for transports attached to plain streams.
	cmd *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser
	stdout  io.Closer

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
	closed    bool

	closing    atomic.Bool
	readerDone chan struct{}
	exited     chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	closeOnce  sync.Once
}

// StartStdio launches the subprocess described by cfg and starts the
// stdout reader and stderr drain goroutines.
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// Plain os.Pipes rather than StdoutPipe/StderrPipe: Wait must not
	// close the read ends while the reader goroutines still use them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	t := newTransport(stdin, stdoutR, cfg.RequestTimeout, logger)
	t.cmd = cmd

	go t.drainStderr(stderrR)
	go t.wait()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// newTransport attaches a transport to an already-open stream pair and
// starts the reader. StartStdio wraps it with process management.
func newTransport(stdin io.WriteCloser, stdout io.ReadCloser, timeout time.Duration, logger *slog.Logger) *StdioTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &StdioTransport{
		logger:     logger,
		timeout:    timeout,
		stdin:      stdin,
		stdout:     stdout,
		pending:    make(map[int64]chan *Response),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// PID returns the subprocess id, or 0 if the transport has no process.
func (t *StdioTransport) PID() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Done returns a channel closed once the transport can no longer
// deliver responses: the process exited, stdout closed, or Close ran.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// Send writes a request and waits for its reply, the request timeout,
// or ctx, whichever comes first. Replies are matched by id only.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.register(req.ID)
	if err != nil {
		return nil, err
	}

	if err := t.write(req); err != nil {
		t.take(req.ID)
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrCancelled
		}
		return resp, nil
	case <-timer.C:
		t.logger.Warn("MCP request timed out",
			"method", req.Method,
			"id", req.ID,
			"timeout", t.timeout,
		)
		return t.abandon(req.ID, ch, &TimeoutError{Method: req.Method, After: t.timeout})
	case <-ctx.Done():
		return t.abandon(req.ID, ch, ctx.Err())
	}
}

// Notify writes a notification. No reply is expected.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.pendingMu.Lock()
	closed := t.closed
	t.pendingMu.Unlock()
	if closed {
		return ErrCancelled
	}
	return t.write(notif)
}

// Close force-terminates the subprocess and waits for it to be reaped.
// Safe to call more than once and after the process already exited.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.stdin.Close()

		if t.cmd == nil {
			t.stdout.Close()
			t.finish()
			close(t.exited)
			return
		}

		t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("kill MCP subprocess", "pid", t.cmd.Process.Pid, "error", err)
		}
	})
	<-t.exited
	return nil
}

// register creates the completion slot for id. The slot is buffered so
// the reader never blocks delivering into it.
func (t *StdioTransport) register(id int64) (chan *Response, error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if t.closed {
		return nil, ErrCancelled
	}
	ch := make(chan *Response, 1)
	t.pending[id] = ch
	return ch, nil
}

// take removes and returns the slot for id, or nil if it is gone.
// Whoever gets a non-nil slot owns its resolution.
func (t *StdioTransport) take(id int64) chan *Response {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return ch
}

// abandon gives up on a request. If the reader claimed the slot first,
// its delivery is already on the way and is returned instead of cause.
func (t *StdioTransport) abandon(id int64, ch chan *Response, cause error) (*Response, error) {
	if t.take(id) != nil {
		return nil, cause
	}
	resp, ok := <-ch
	if !ok {
		return nil, ErrCancelled
	}
	return resp, nil
}

// pendingCount reports how many requests are awaiting replies.
func (t *StdioTransport) pendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// isPending reports whether id still has a completion slot.
func (t *StdioTransport) isPending(id int64) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(context.Background(), levelTrace, "MCP send", "json", string(data))

	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %v", ErrCancelled, err)
	}
	return nil
}

// readLoop reads newline-delimited JSON from stdout until it closes.
func (t *StdioTransport) readLoop(r io.Reader) {
	defer close(t.readerDone)
	defer t.finish()
	defer t.stdout.Close()

	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug("MCP subprocess stdout closed")
			} else {
				t.logger.Warn("read from subprocess stdout failed", "error", err)
			}
			return
		}
	}
}

// dispatch routes one line from stdout.
func (t *StdioTransport) dispatch(line []byte) {
	t.logger.Log(context.Background(), levelTrace, "MCP recv", "json", truncate(line))

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Warn("skipping non-JSON line from MCP subprocess",
			"line", truncate(line),
			"error", err,
		)
		return
	}

	if msg.Method != "" {
		// Server-initiated request or notification. We never answer.
		t.logger.Debug("ignoring server-initiated message",
			"method", msg.Method,
			"has_id", msg.hasID(),
		)
		return
	}

	if !msg.hasID() {
		t.logger.Debug("skipping MCP message without id or method", "line", truncate(line))
		return
	}

	id, ok := msg.numericID()
	if !ok {
		t.logger.Debug("skipping MCP response with non-numeric id", "id", string(msg.ID))
		return
	}

	ch := t.take(id)
	if ch == nil {
		t.logger.Debug("dropping MCP response for unknown request", "id", id)
		return
	}
	ch <- &Response{
		JSONRPC: msg.JSONRPC,
		ID:      id,
		Result:  msg.Result,
		Error:   msg.Error,
	}
}

// finish fails every pending request and marks the transport closed.
func (t *StdioTransport) finish() {
	t.doneOnce.Do(func() {
		t.pendingMu.Lock()
		t.closed = true
		for id, ch := range t.pending {
			delete(t.pending, id)
			close(ch)
		}
		t.pendingMu.Unlock()
		close(t.done)
	})
}

// wait reaps the subprocess. Replies written just before exit are given
// a short grace period to be read before stdout is closed.
func (t *StdioTransport) wait() {
	err := t.cmd.Wait()

	select {
	case <-t.readerDone:
	case <-time.After(exitDrainGrace):
		t.stdout.Close()
	}
	t.finish()

	if t.closing.Load() {
		t.logger.Debug("MCP subprocess stopped", "pid", t.cmd.Process.Pid)
	} else {
		t.logger.Warn("MCP subprocess exited", "pid", t.cmd.Process.Pid, "error", err)
	}
	close(t.exited)
}

// drainStderr logs stderr lines at debug level. It reads until EOF so a
// chatty server never blocks on a full pipe.
func (t *StdioTransport) drainStderr(r io.ReadCloser) {
	defer r.Close()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if s := bytes.TrimRight(line, "\r\n"); len(s) > 0 {
			t.logger.Debug("MCP subprocess stderr", "line", truncate(s))
		}
		if err != nil {
			return
		}
	}
}

func truncate(line []byte) string {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}

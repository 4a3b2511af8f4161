// Package events broadcasts server lifecycle and call events to
// interested subscribers, chiefly WebSocket clients of the local API.
// The bus is nil-safe: publishing on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceManager identifies events from the server manager.
	SourceManager = "manager"
	// SourceHealth identifies events from the health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerStarted signals a server finished its handshake.
	// Data: mcp_server, source, tools, resources.
	KindServerStarted = "server_started"
	// KindServerFailed signals a server could not be started.
	// Data: mcp_server, source, error.
	KindServerFailed = "server_failed"
	// KindServerStopped signals a server was stopped on request.
	// Data: mcp_server.
	KindServerStopped = "server_stopped"
	// KindServerExited signals an exited server was dropped on reload.
	// Data: mcp_server.
	KindServerExited = "server_exited"
	// KindLoadComplete signals the end of a load pass.
	// Data: started, running.
	KindLoadComplete = "load_complete"
	// KindCallDone signals completion of a tool call or resource read.
	// Data: mcp_server, kind, target, outcome, duration_ms.
	KindCallDone = "call_done"

	// KindServerDown signals a server stopped answering pings.
	// Data: mcp_server, error.
	KindServerDown = "server_down"
	// KindServerRecovered signals a down server answers again.
	// Data: mcp_server.
	KindServerRecovered = "server_recovered"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only channel handed to the subscriber back
	// to the channel stored in subs.
	recv map[<-chan Event]chan Event

	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends e to all subscribers. A full subscriber channel drops
// the event for that subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeated
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recv, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

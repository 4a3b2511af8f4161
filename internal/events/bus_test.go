package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceManager, Kind: KindServerStarted})
	b.Emit(SourceHealth, KindServerDown, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestEmitSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceManager, KindServerStarted, map[string]any{"mcp_server": "alpha"})

	select {
	case got := <-ch:
		if got.Source != SourceManager || got.Kind != KindServerStarted {
			t.Errorf("got event %+v", got)
		}
		if name, _ := got.Data["mcp_server"].(string); name != "alpha" {
			t.Errorf("mcp_server = %v, want alpha", got.Data["mcp_server"])
		}
		if got.Timestamp.Before(before) {
			t.Errorf("Timestamp %v predates Emit", got.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceHealth, Kind: KindServerDown})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindServerDown {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %+v", evt)
	default:
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1) // no-op
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindLoadComplete}) // must not panic
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var pub sync.WaitGroup
	for i := range 10 {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for j := range 100 {
				b.Emit(SourceManager, KindCallDone, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	pub.Wait()
	b.Unsubscribe(ch)
	drain.Wait()
}

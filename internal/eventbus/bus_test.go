package eventbus

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/senseng/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(schema.EngineEvent{Type: schema.EventReady})

	select {
	case got := <-ch:
		if got.Type != schema.EventReady {
			t.Fatalf("expected ready event, got %v", got.Type)
		}
		if got.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", got.Seq)
		}
		if got.Time.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestDeliveryPreservesOrderWithSlowSubscriber(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	const total = 500
	for i := 0; i < total; i++ {
		bus.Publish(schema.EngineEvent{Type: schema.EventErase, Cell: i})
	}
	for i := 0; i < total; i++ {
		select {
		case got := <-ch:
			if got.Cell != i {
				t.Fatalf("expected cell %d, got %d", i, got.Cell)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestOnFiltersTypes(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var got []schema.EngineEventType
	done := make(chan struct{})
	bus.On(func(event schema.EngineEvent) {
		mu.Lock()
		got = append(got, event.Type)
		mu.Unlock()
		if event.Type == schema.EventExit {
			close(done)
		}
	}, schema.EventReady, schema.EventExit)

	bus.Publish(schema.EngineEvent{Type: schema.EventStarted})
	bus.Publish(schema.EngineEvent{Type: schema.EventReady})
	bus.Publish(schema.EngineEvent{Type: schema.EventExecuting})
	bus.Publish(schema.EngineEvent{Type: schema.EventExit})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for exit")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != schema.EventReady || got[1] != schema.EventExit {
		t.Fatalf("unexpected filtered events: %v", got)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	bus.On(func(event schema.EngineEvent) {
		if event.Type == schema.EventStarted {
			bus.Publish(schema.EngineEvent{Type: schema.EventReady})
		}
	})
	bus.Publish(schema.EngineEvent{Type: schema.EventStarted})

	want := []schema.EngineEventType{schema.EventStarted, schema.EventReady}
	for _, expected := range want {
		select {
		case got := <-ch:
			if got.Type != expected {
				t.Fatalf("expected %s, got %s", expected, got.Type)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

func TestCloseDeliversPendingThenCloses(t *testing.T) {
	bus := New(nil)
	ch, _ := bus.Subscribe(4)
	bus.Publish(schema.EngineEvent{Type: schema.EventExit, Code: 3})
	bus.Close()
	if _, ok := bus.Publish(schema.EngineEvent{Type: schema.EventReady}); ok {
		t.Fatalf("expected publish after close to be refused")
	}

	select {
	case <-bus.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for bus to finish")
	}
	got, ok := <-ch
	if !ok || got.Type != schema.EventExit || got.Code != 3 {
		t.Fatalf("expected exit event before close, got %+v (ok=%v)", got, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after the bus finished")
	}
}

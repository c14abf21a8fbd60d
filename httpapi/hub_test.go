package httpapi

import (
	"testing"

	"pkt.systems/senseng/schema"
)

func TestHubHistoryIsBounded(t *testing.T) {
	hub := NewHub("engine-1", 3)
	for i := 0; i < 5; i++ {
		hub.OnEvent(schema.EngineEvent{Seq: uint64(i + 1), Type: schema.EventReady})
	}
	replay := hub.Replay(0, hub.Seq())
	if len(replay) != 3 || replay[0].Seq != 3 || replay[2].Seq != 5 {
		t.Fatalf("unexpected replay %+v", replay)
	}
}

func TestHubSubscribeReplayHasNoGap(t *testing.T) {
	hub := NewHub("engine-1", 10)
	hub.OnEvent(schema.EngineEvent{Type: schema.EventReady})
	hub.OnEvent(schema.EngineEvent{Type: schema.EventExecuting})
	ch, unsubscribe, at := hub.Subscribe()
	defer unsubscribe()
	hub.OnEvent(schema.EngineEvent{Type: schema.EventReady})

	replay := hub.Replay(1, at)
	if len(replay) != 1 || replay[0].Seq != 2 {
		t.Fatalf("unexpected replay %+v", replay)
	}
	live := <-ch
	if live.Seq != 3 {
		t.Fatalf("expected live seq 3, got %d", live.Seq)
	}
	unsubscribe()
	unsubscribe()
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub("engine-1", 10)
	_, unsubscribe, _ := hub.Subscribe()
	defer unsubscribe()
	for i := 0; i < 300; i++ {
		hub.OnEvent(schema.EngineEvent{Type: schema.EventReady})
	}
	if hub.Seq() != 300 {
		t.Fatalf("expected publishing to continue, seq %d", hub.Seq())
	}
}

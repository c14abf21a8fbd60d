package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/schema"
)

// StreamEvent is sent to SSE and WebSocket clients.
type StreamEvent struct {
	Seq         uint64              `json:"seq"`
	Type        string              `json:"type"`
	Event       *schema.EngineEvent `json:"event,omitempty"`
	Snapshot    *SnapshotPayload    `json:"snapshot,omitempty"`
	Completions []string            `json:"completions,omitempty"`
	Error       string              `json:"error,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

const (
	streamEngine      = "engine"
	streamSnapshot    = "snapshot"
	streamCompletions = "completions"
	streamError       = "error"
)

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Engine   schema.EngineID      `json:"engine"`
	Language schema.LanguageName  `json:"language"`
	State    schema.EngineState   `json:"state"`
	Cell     int                  `json:"cell"`
	Pending  int                  `json:"pending"`
	Outputs  []schema.OutputEvent `json:"outputs"`
	// LastSeq is the engine seq the outputs reflect; later engine events follow
	// on the stream.
	LastSeq uint64 `json:"last_seq"`
}

// Hub broadcasts engine events to stream subscribers and keeps a bounded
// history for replay.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
	engine      schema.EngineID
}

// NewHub constructs a hub with the given history size.
func NewHub(engine schema.EngineID, historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
		engine:      engine,
	}
}

// OnEvent is registered as an engine event handler.
func (h *Hub) OnEvent(event schema.EngineEvent) {
	logx.WithEngine(context.Background(), h.engine).Trace("hub engine event", "type", event.Type, "engine_seq", event.Seq)
	h.publish(StreamEvent{
		Type:      streamEngine,
		Event:     &event,
		Timestamp: time.Now(),
	})
}

// Subscribe registers a subscriber. The returned seq is the last event the
// subscriber will not receive.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	log := logx.WithEngine(context.Background(), h.engine)
	log.Info("hub subscribe", "subs", len(h.subs), "history", len(h.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events after the provided seq, up to and including until.
func (h *Hub) Replay(after, until uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && event.Seq <= until {
			events = append(events, event)
		}
	}
	logx.WithEngine(context.Background(), h.engine).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Seq returns the sequence number of the latest event.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithEngine(context.Background(), h.engine).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

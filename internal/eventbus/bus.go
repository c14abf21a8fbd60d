package eventbus

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

// Handler receives engine events.
type Handler func(schema.EngineEvent)

type subscriber struct {
	id    uint64
	types map[schema.EngineEventType]struct{}
	fn    Handler
	stop  chan struct{}
	ch    chan schema.EngineEvent
}

func (s *subscriber) accepts(eventType schema.EngineEventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func (s *subscriber) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Bus delivers engine events to subscribers in publish order.
//
// Publish never blocks. A single goroutine drains the pending queue and invokes
// handlers one at a time, so handlers may call back into whatever published the
// event. Nothing is dropped: a slow channel subscriber holds up delivery, never the
// publisher.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []schema.EngineEvent
	subs    []*subscriber
	retired []*subscriber
	seq     uint64
	nextID  uint64
	closed  bool
	done    chan struct{}
	log     pslog.Logger
}

// New constructs a Bus and starts its delivery goroutine.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		done: make(chan struct{}),
		log:  logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// On registers a handler for the given event types (all types when none are given)
// and returns a cancel func.
func (b *Bus) On(fn Handler, types ...schema.EngineEventType) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	sub := &subscriber{fn: fn, stop: make(chan struct{})}
	if len(types) > 0 {
		sub.types = make(map[schema.EngineEventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	return b.add(sub)
}

// Subscribe registers a channel subscriber for every event. The channel is closed
// after the bus closes or after cancel.
func (b *Bus) Subscribe(depth int) (<-chan schema.EngineEvent, func()) {
	if b == nil {
		ch := make(chan schema.EngineEvent)
		close(ch)
		return ch, func() {}
	}
	if depth <= 0 {
		depth = 256
	}
	sub := &subscriber{stop: make(chan struct{}), ch: make(chan schema.EngineEvent, depth)}
	sub.fn = func(event schema.EngineEvent) {
		select {
		case sub.ch <- event:
		case <-sub.stop:
		}
	}
	cancel := b.add(sub)
	return sub.ch, cancel
}

func (b *Bus) add(sub *subscriber) func() {
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	closed := b.closed
	if !closed {
		b.subs = append(b.subs, sub)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if closed {
		close(sub.stop)
		if sub.ch != nil {
			close(sub.ch)
		}
		return func() {}
	}
	b.log.Debug("eventbus subscribe", "sub", sub.id, "subs", count)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.stop)
			b.mu.Lock()
			for i, candidate := range b.subs {
				if candidate == sub {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			if sub.ch != nil {
				b.retired = append(b.retired, sub)
			}
			b.cond.Signal()
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe", "sub", sub.id)
		})
	}
}

// Publish stamps the event with the next sequence number and queues it for
// delivery. It reports false once the bus is closed.
func (b *Bus) Publish(event schema.EngineEvent) (schema.EngineEvent, bool) {
	if b == nil {
		return event, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return event, false
	}
	b.seq++
	event.Seq = b.seq
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.pending = append(b.pending, event)
	b.cond.Signal()
	return event, true
}

// Close stops accepting events. Events already published are still delivered
// before Done is closed.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Signal()
	}
	b.mu.Unlock()
}

// Done is closed once every published event has been delivered after Close.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) run() {
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && len(b.retired) == 0 && !b.closed {
			b.cond.Wait()
		}
		retired := b.retired
		b.retired = nil
		batch := b.pending
		b.pending = nil
		subs := append([]*subscriber(nil), b.subs...)
		finished := b.closed && len(batch) == 0
		if finished {
			b.subs = nil
		}
		b.mu.Unlock()

		for _, sub := range retired {
			close(sub.ch)
		}
		if finished {
			for _, sub := range subs {
				if sub.ch != nil {
					close(sub.ch)
				}
			}
			close(b.done)
			b.log.Trace("eventbus closed")
			return
		}
		for _, event := range batch {
			for _, sub := range subs {
				if sub.stopped() || !sub.accepts(event.Type) {
					continue
				}
				sub.fn(event)
			}
		}
	}
}

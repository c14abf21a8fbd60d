package worker

import (
	"context"
	"io"
	"sync"

	"pkt.systems/senseng/schema"
)

// Session is a connection to a language worker. One request is outstanding at a time.
type Session interface {
	// Execute runs code and returns its terminal message. Text messages that
	// arrive before the terminal message are passed to text first.
	Execute(ctx context.Context, code string, text func(string)) (Message, error)
	Complete(ctx context.Context, prefix string) ([]string, error)
	Interrupt(ctx context.Context) error
	Close() error
}

// Evaluator is the language side of a worker.
type Evaluator interface {
	// Evaluate runs code, writing printed text to text, and returns a terminal
	// result, html or widget message.
	Evaluate(ctx context.Context, code string, text io.Writer) (Message, error)
	Complete(prefix string) []string
}

// Local runs an Evaluator in process.
type Local struct {
	ev Evaluator

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	closed bool
}

// NewLocal constructs an in-process session.
func NewLocal(ev Evaluator) *Local {
	return &Local{ev: ev}
}

// Execute implements Session.
func (l *Local) Execute(ctx context.Context, code string, text func(string)) (Message, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Message{}, schema.ErrWorkerExited
	}
	if l.busy {
		l.mu.Unlock()
		return Message{}, schema.ErrWorkerBusy
	}
	execCtx, cancel := context.WithCancel(ctx)
	l.busy = true
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.busy = false
		l.cancel = nil
		l.mu.Unlock()
	}()
	msg, err := l.ev.Evaluate(execCtx, code, TextFunc(text))
	if err != nil {
		return Message{Type: MessageError, Value: err.Error()}, nil
	}
	return msg, nil
}

// Complete implements Session.
func (l *Local) Complete(_ context.Context, prefix string) ([]string, error) {
	return l.ev.Complete(prefix), nil
}

// Interrupt cancels the running evaluation.
func (l *Local) Interrupt(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

// Close implements Session.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

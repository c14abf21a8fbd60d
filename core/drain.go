package core

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/schema"
)

// operation is the single in-flight execution handle.
type operation struct {
	id        uint64
	chunk     schema.Chunk
	started   time.Time
	abandoned bool
}

// kickLocked starts the drain goroutine unless one is already running.
func (e *Engine) kickLocked() {
	if e.draining || e.state != schema.StateReady || len(e.queue) == 0 {
		return
	}
	e.draining = true
	go e.drain()
}

// drain pops queue entries until the queue is empty. Only one drain runs at a time.
func (e *Engine) drain() {
	for {
		op, ok := e.step()
		if !ok {
			return
		}
		if op != nil {
			e.run(op)
		}
	}
}

// step advances the queue by one entry. It returns an operation to run, or
// false when draining is over.
func (e *Engine) step() (*operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == schema.StateExited {
		e.draining = false
		return nil, false
	}
	e.flushLocked()
	if len(e.queue) == 0 {
		e.draining = false
		e.becomeReadyLocked()
		return nil, false
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	switch next.kind {
	case entryMark:
		e.markLocked()
		return nil, true
	case entryErase:
		e.eraseLocked()
		return nil, true
	case entryFailure:
		e.enterExecutingLocked()
		e.emitLocked(schema.OutputError, schema.ErrorData{Message: next.err.Error()})
		return nil, true
	}
	op, err := e.beginLocked(next.chunk)
	if err != nil {
		// A drain never overlaps an execution; keep the chunk for the next pass.
		e.queue = append([]entry{next}, e.queue...)
		e.draining = false
		e.log.Warn("engine drain refused", "err", err)
		return nil, false
	}
	return op, true
}

func (e *Engine) enterExecutingLocked() {
	if e.state == schema.StateExecuting {
		return
	}
	e.state = schema.StateExecuting
	e.publishLocked(schema.EngineEvent{Type: schema.EventExecuting, Cell: e.cell})
}

// beginLocked claims the in-flight slot for chunk.
func (e *Engine) beginLocked(chunk schema.Chunk) (*operation, error) {
	if e.inflight != nil {
		return nil, schema.ErrExecutionInFlight
	}
	e.enterExecutingLocked()
	e.opSeq++
	op := &operation{id: e.opSeq, chunk: chunk, started: time.Now()}
	e.inflight = op
	e.metrics.ObserveQueueDepth(pendingWork(e.queue))
	return op, nil
}

// run executes op and waits for it to finish, for the watchdog or for exit.
func (e *Engine) run(op *operation) {
	e.mu.Lock()
	ctx := e.ctx
	executor := e.backend.Executor
	e.mu.Unlock()

	log := logx.WithChunk(e.log, op.chunk).With("op", op.id)
	log.Trace("engine execute start")
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		result <- executor.Execute(ctx, op.chunk, outputWriter{e: e, op: op})
	}()

	var watchdog <-chan time.Time
	if e.cfg.ExecTimeout > 0 {
		timer := time.NewTimer(e.cfg.ExecTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}

	var err error
	select {
	case err = <-result:
	case <-watchdog:
		err = fmt.Errorf("%w after %s", schema.ErrExecutionTimeout, e.cfg.ExecTimeout)
		log.Warn("engine execute abandoned", "timeout", e.cfg.ExecTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.finish(op, err)
}

// finish releases the in-flight slot and surfaces a failed execution as an error output.
func (e *Engine) finish(op *operation, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := time.Since(op.started)
	if e.inflight == op {
		e.inflight = nil
	}
	if op.abandoned {
		return
	}
	op.abandoned = errors.Is(err, schema.ErrExecutionTimeout)
	e.metrics.ObserveExecution(e.cfg.Language, elapsed, err)
	if err == nil || e.state == schema.StateExited {
		return
	}
	e.log.Debug("engine execute failed", "op", op.id, "elapsed", elapsed, "err", err)
	e.emitLocked(schema.OutputError, schema.ErrorData{Message: err.Error()})
}

// becomeReadyLocked settles in ready once the queue has drained. In batch mode
// the second ready exits instead.
func (e *Engine) becomeReadyLocked() {
	e.flushLocked()
	e.state = schema.StateReady
	e.readyCount++
	if e.cfg.Batch && e.readyCount >= 2 {
		code := 0
		if e.errored {
			code = 1
		}
		e.exitLocked(code)
		return
	}
	e.publishLocked(schema.EngineEvent{Type: schema.EventReady, Cell: e.cell})
}

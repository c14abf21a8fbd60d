package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/eventbus"
	"pkt.systems/senseng/schema"
)

// Engine sequences the execution of user input and publishes its output.
//
// All state is guarded by mu. Events are published while mu is held and are
// delivered on the bus goroutine, so event handlers may call back into the engine.
type Engine struct {
	outputWriter

	id         schema.EngineID
	cfg        schema.EngineConfig
	newBackend BackendFactory
	log        pslog.Logger
	metrics    Recorder
	bus        *eventbus.Bus

	// inputMu keeps chunking in submission order.
	inputMu sync.Mutex

	mu             sync.Mutex
	state          schema.EngineState
	backend        Backend
	hasBackend     bool
	starting       bool
	readyPending   bool
	readyCount     int
	cell           int
	lastInputStart int
	queue          []entry
	draining       bool
	inflight       *operation
	opSeq          uint64
	errored        bool
	exitCode       int
	text           textBuffer
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewEngine constructs an engine. Nothing runs until Start.
func NewEngine(cfg schema.EngineConfig, deps EngineDeps) (*Engine, error) {
	normalized, err := schema.NormalizeEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, errors.New("missing backend factory")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	id := schema.EngineID(newID())
	logger = logger.With("engine", id)
	e := &Engine{
		id:         id,
		cfg:        normalized,
		newBackend: deps.Backend,
		log:        logger,
		metrics:    metrics,
		bus:        eventbus.New(logger),
		state:      schema.StateNotStarted,
	}
	e.outputWriter = outputWriter{e: e}
	return e, nil
}

// ID returns the engine id.
func (e *Engine) ID() schema.EngineID {
	return e.id
}

// Config returns the normalized engine configuration.
func (e *Engine) Config() schema.EngineConfig {
	return e.cfg
}

// On registers a handler for the given event types, or for all events when none
// are given. The returned func unregisters it.
func (e *Engine) On(fn func(schema.EngineEvent), types ...schema.EngineEventType) func() {
	return e.bus.On(fn, types...)
}

// Subscribe returns a channel receiving every event. It is closed after exit.
func (e *Engine) Subscribe(depth int) (<-chan schema.EngineEvent, func()) {
	return e.bus.Subscribe(depth)
}

// Start builds the backend and queues the startup script. ctx bounds the
// lifetime of the backend. The engine leaves not-started once the backend
// calls Ready.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	e.inputMu.Lock()
	defer e.inputMu.Unlock()

	e.mu.Lock()
	if e.state == schema.StateExited {
		e.mu.Unlock()
		return schema.ErrEngineExited
	}
	if e.starting || e.hasBackend {
		e.mu.Unlock()
		return schema.ErrEngineStarted
	}
	e.starting = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.log.Info("engine start", "language", e.cfg.Language, "batch", e.cfg.Batch)
	backend, err := e.newBackend(runCtx, e)
	if err != nil {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		e.log.Warn("engine backend failed", "err", err)
		return fmt.Errorf("start backend: %w", err)
	}
	if backend.Executor == nil {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		closeBackend(e.log, backend)
		return errors.New("backend has no executor")
	}
	if backend.Chunker == nil {
		backend.Chunker = ChunkerFunc(wholeInput)
	}

	e.mu.Lock()
	if e.state == schema.StateExited {
		e.starting = false
		e.mu.Unlock()
		closeBackend(e.log, backend)
		return schema.ErrEngineExited
	}
	e.backend = backend
	e.hasBackend = true
	e.mu.Unlock()

	if script := e.cfg.StartupScript; strings.TrimSpace(script) != "" {
		if err := e.input(runCtx, script, false); err != nil && !errors.Is(err, schema.ErrEngineExited) {
			e.log.Warn("engine startup script failed", "err", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starting = false
	if e.readyPending {
		e.readyPending = false
		e.announceLocked()
	}
	return nil
}

// Ready is called by the backend once it can execute. The first call emits
// started and begins draining; later calls are no-ops unless queued work is
// waiting for a drain.
func (e *Engine) Ready() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case schema.StateNotStarted:
		if e.starting || !e.hasBackend {
			e.readyPending = true
			return
		}
		e.announceLocked()
	case schema.StateReady:
		e.kickLocked()
	}
}

// announceLocked performs the one-time transition out of not-started.
func (e *Engine) announceLocked() {
	if e.state != schema.StateNotStarted {
		return
	}
	e.log.Info("engine started", "queued", pendingWork(e.queue))
	e.publishLocked(schema.EngineEvent{Type: schema.EventStarted})
	e.state = schema.StateReady
	e.readyCount = 1
	if len(e.queue) > 0 {
		e.kickLocked()
		return
	}
	e.publishLocked(schema.EngineEvent{Type: schema.EventReady, Cell: e.cell})
	if e.cfg.Batch {
		e.becomeReadyLocked()
	}
}

// Input chunks raw and queues it. With overwriteLast the output of the previous
// input is erased before the new output appears.
func (e *Engine) Input(ctx context.Context, raw string, overwriteLast bool) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	e.inputMu.Lock()
	defer e.inputMu.Unlock()
	return e.input(ctx, raw, overwriteLast)
}

func (e *Engine) input(ctx context.Context, raw string, overwriteLast bool) error {
	if strings.TrimSpace(raw) == "" && !overwriteLast {
		return schema.ErrEmptyInput
	}
	e.mu.Lock()
	if e.state == schema.StateExited {
		e.mu.Unlock()
		return schema.ErrEngineExited
	}
	if !e.hasBackend {
		e.mu.Unlock()
		return schema.ErrEngineNotStarted
	}
	chunker := e.backend.Chunker
	e.mu.Unlock()

	var chunks []schema.Chunk
	var chunkErr error
	if strings.TrimSpace(raw) != "" {
		chunks, chunkErr = chunker.Chunk(ctx, raw)
	}
	if chunkErr != nil {
		e.log.Debug("engine chunk failed", "err", chunkErr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == schema.StateExited {
		return schema.ErrEngineExited
	}
	e.queue = append(e.queue, inputEntries(chunks, chunkErr, overwriteLast)...)
	e.metrics.ObserveQueueDepth(pendingWork(e.queue))
	e.log.Debug("engine input", "chunks", len(chunks), "overwrite", overwriteLast, "state", e.state)
	if e.state == schema.StateReady {
		e.kickLocked()
	}
	return nil
}

// Interrupt drops queued work, emits a warning and asks the backend to stop
// the running execution. Output of the running execution is still accepted.
func (e *Engine) Interrupt(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	e.mu.Lock()
	if e.state == schema.StateExited {
		e.mu.Unlock()
		return schema.ErrEngineExited
	}
	dropped := pendingWork(e.queue)
	e.queue = nil
	e.errored = true
	e.metrics.ObserveQueueDepth(0)
	e.emitLocked(schema.OutputWarning, "interrupted")
	interrupter := e.backend.Interrupter
	executing := e.inflight != nil
	e.mu.Unlock()

	e.log.Info("engine interrupt", "dropped", dropped, "executing", executing)
	if interrupter == nil {
		return nil
	}
	if err := interrupter.Interrupt(ctx); err != nil {
		e.log.Warn("engine interrupt failed", "err", err)
		return err
	}
	return nil
}

// Complete returns completion candidates for prefix.
func (e *Engine) Complete(ctx context.Context, prefix string) ([]string, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	e.mu.Lock()
	if e.state == schema.StateExited {
		e.mu.Unlock()
		return nil, schema.ErrEngineExited
	}
	completer := e.backend.Completer
	e.mu.Unlock()
	if completer == nil {
		return nil, nil
	}
	return completer.Complete(ctx, prefix)
}

// Exit is terminal: it emits exit, refuses further input and releases the backend.
func (e *Engine) Exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitLocked(code)
}

func (e *Engine) exitLocked(code int) {
	if e.state == schema.StateExited {
		return
	}
	e.flushLocked()
	e.state = schema.StateExited
	e.exitCode = code
	e.queue = nil
	if e.inflight != nil {
		e.inflight.abandoned = true
		e.inflight = nil
	}
	e.publishLocked(schema.EngineEvent{Type: schema.EventExit, Code: code, Cell: e.cell})
	e.bus.Close()
	if e.cancel != nil {
		e.cancel()
	}
	e.log.Info("engine exit", "code", code, "errored", e.errored)
	go closeBackend(e.log, e.backend)
}

func closeBackend(log pslog.Logger, backend Backend) {
	if backend.Closer == nil {
		return
	}
	if err := backend.Closer.Close(); err != nil {
		log.Warn("engine backend close failed", "err", err)
	}
}

// Done is closed once the engine has exited and every event was delivered.
func (e *Engine) Done() <-chan struct{} {
	return e.bus.Done()
}

// State returns the current state.
func (e *Engine) State() schema.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cell returns the current cell number.
func (e *Engine) Cell() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cell
}

// Pending returns the number of queued work items.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pendingWork(e.queue)
}

// Errored reports whether an error or interrupt happened in this session.
func (e *Engine) Errored() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errored
}

// ExitCode returns the exit code once the engine has exited.
func (e *Engine) ExitCode() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode, e.state == schema.StateExited
}

package core

import (
	"context"
	"io"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

// Chunker splits raw input into chunks, in the order they should execute.
type Chunker interface {
	Chunk(ctx context.Context, raw string) ([]schema.Chunk, error)
}

// Executor runs one chunk. Execute must not return before every output for the
// chunk has been written to out; returning is the completion signal.
type Executor interface {
	Execute(ctx context.Context, chunk schema.Chunk, out Output) error
}

// Completer returns completion candidates for a prefix.
type Completer interface {
	Complete(ctx context.Context, prefix string) ([]string, error)
}

// Interrupter asks the backend to stop the running execution. Best effort.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Backend bundles the language collaborators of an engine.
type Backend struct {
	Chunker     Chunker
	Executor    Executor
	Completer   Completer
	Interrupter Interrupter
	// Closer is closed asynchronously when the engine exits.
	Closer io.Closer
}

// Host is the engine surface handed to a backend while it is being built.
type Host interface {
	Output
	Ready()
	Exit(code int)
}

// BackendFactory builds the backend for an engine. ctx is cancelled when the engine exits.
type BackendFactory func(ctx context.Context, host Host) (Backend, error)

// Recorder receives engine measurements.
type Recorder interface {
	ObserveOutput(outputType schema.OutputType)
	ObserveExecution(language schema.LanguageName, elapsed time.Duration, err error)
	ObserveQueueDepth(depth int)
	ObserveErase(cells int)
}

// EngineDeps captures the dependencies of an engine.
type EngineDeps struct {
	Backend BackendFactory
	Logger  pslog.Logger
	Metrics Recorder
}

type nopRecorder struct{}

func (nopRecorder) ObserveOutput(schema.OutputType) {}
func (nopRecorder) ObserveExecution(schema.LanguageName, time.Duration, error) {}
func (nopRecorder) ObserveQueueDepth(int) {}
func (nopRecorder) ObserveErase(int) {}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, chunk schema.Chunk, out Output) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, chunk schema.Chunk, out Output) error {
	return f(ctx, chunk, out)
}

// ChunkerFunc adapts a function to Chunker.
type ChunkerFunc func(ctx context.Context, raw string) ([]schema.Chunk, error)

// Chunk implements Chunker.
func (f ChunkerFunc) Chunk(ctx context.Context, raw string) ([]schema.Chunk, error) {
	return f(ctx, raw)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prefix string) ([]string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prefix string) ([]string, error) {
	return f(ctx, prefix)
}

// InterrupterFunc adapts a function to Interrupter.
type InterrupterFunc func(ctx context.Context) error

// Interrupt implements Interrupter.
func (f InterrupterFunc) Interrupt(ctx context.Context) error {
	return f(ctx)
}

// wholeInput is the chunker used when a backend supplies none.
func wholeInput(_ context.Context, raw string) ([]schema.Chunk, error) {
	return []schema.Chunk{schema.CodeChunk(raw)}, nil
}

package core

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

// ContinuationFunc runs a chunk and calls next exactly once, synchronously or
// from another goroutine, after all output for the chunk has been written.
type ContinuationFunc func(ctx context.Context, chunk schema.Chunk, out Output, next func(error))

// ContinuationExecutor adapts a callback-style executor to Executor.
type ContinuationExecutor struct {
	Run    ContinuationFunc
	Logger pslog.Logger
}

// Execute implements Executor. Extra calls to next are logged and ignored.
func (c ContinuationExecutor) Execute(ctx context.Context, chunk schema.Chunk, out Output) error {
	log := c.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	done := make(chan error, 1)
	var once sync.Once
	next := func(err error) {
		called := false
		once.Do(func() {
			called = true
			done <- err
		})
		if !called {
			log.Warn("executor continuation called more than once", "chunk_kind", chunk.Kind)
		}
	}
	c.Run(ctx, chunk, out, next)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

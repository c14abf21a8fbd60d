package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/senseng/schema"
)

type discardOutput struct{ Output }

func TestContinuationExecutorWaitsForNext(t *testing.T) {
	release := make(chan struct{})
	exec := ContinuationExecutor{Run: func(_ context.Context, _ schema.Chunk, _ Output, next func(error)) {
		go func() {
			<-release
			next(nil)
		}()
	}}
	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(context.Background(), schema.CodeChunk("a"), discardOutput{})
	}()
	select {
	case err := <-done:
		t.Fatalf("execute returned before next: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for execute")
	}
}

func TestContinuationExecutorIgnoresSecondNext(t *testing.T) {
	boom := errors.New("boom")
	exec := ContinuationExecutor{Run: func(_ context.Context, _ schema.Chunk, _ Output, next func(error)) {
		next(boom)
		next(nil)
	}}
	if err := exec.Execute(context.Background(), schema.CodeChunk("a"), discardOutput{}); !errors.Is(err, boom) {
		t.Fatalf("expected first result, got %v", err)
	}
}

func TestContinuationExecutorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := ContinuationExecutor{Run: func(context.Context, schema.Chunk, Output, func(error)) {}}
	cancel()
	if err := exec.Execute(ctx, schema.CodeChunk("a"), discardOutput{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

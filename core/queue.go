package core

import "pkt.systems/senseng/schema"

type entryKind int

const (
	// entryChunk executes a chunk.
	entryChunk entryKind = iota
	// entryErase rolls output back to the start of the previous input.
	entryErase
	// entryMark records where the output of a new top-level input begins.
	entryMark
	// entryFailure surfaces a chunker error in queue order.
	entryFailure
)

type entry struct {
	kind  entryKind
	chunk schema.Chunk
	err   error
}

// inputEntries builds the queue entries for one top-level input.
func inputEntries(chunks []schema.Chunk, chunkErr error, overwriteLast bool) []entry {
	entries := make([]entry, 0, len(chunks)+2)
	if overwriteLast {
		entries = append(entries, entry{kind: entryErase})
	}
	entries = append(entries, entry{kind: entryMark})
	if chunkErr != nil {
		return append(entries, entry{kind: entryFailure, err: chunkErr})
	}
	for _, chunk := range chunks {
		entries = append(entries, entry{kind: entryChunk, chunk: chunk})
	}
	return entries
}

// pendingWork counts queued entries that will produce output.
func pendingWork(queue []entry) int {
	n := 0
	for _, item := range queue {
		if item.kind == entryChunk || item.kind == entryFailure {
			n++
		}
	}
	return n
}

// markLocked records the rollback target for the next overwriting input.
func (e *Engine) markLocked() {
	e.lastInputStart = e.cell + 1
}

// eraseLocked retracts every cell from the start of the previous input through
// the current cell and rewinds the counter so the next output reuses the start.
func (e *Engine) eraseLocked() {
	start := e.lastInputStart
	if start <= 0 {
		return
	}
	erased := 0
	for cell := start; cell <= e.cell; cell++ {
		e.publishLocked(schema.EngineEvent{Type: schema.EventErase, Cell: cell})
		erased++
	}
	e.log.Debug("engine erase", "from", start, "through", e.cell, "cells", erased)
	e.metrics.ObserveErase(erased)
	e.cell = start - 1
}

package transcript

import (
	"sync"
	"time"

	"pkt.systems/senseng/schema"
)

// Snapshot is the persisted form of a transcript.
type Snapshot struct {
	Engine   schema.EngineID      `json:"engine"`
	Language schema.LanguageName  `json:"language,omitempty"`
	Outputs  []schema.OutputEvent `json:"outputs"`
	ExitCode *int                 `json:"exit_code,omitempty"`
	// LastSeq is the seq of the last engine event applied.
	LastSeq uint64    `json:"last_seq,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// Transcript is the live, erase-aware output of one engine. Feed it engine
// events in delivery order with Apply.
type Transcript struct {
	engine   schema.EngineID
	language schema.LanguageName

	mu       sync.Mutex
	outputs  []schema.OutputEvent
	exitCode *int
	lastSeq  uint64
}

// New returns an empty transcript.
func New(engine schema.EngineID, language schema.LanguageName) *Transcript {
	return &Transcript{engine: engine, language: language}
}

// Apply records an output, retracts the outputs of an erased cell, or records the exit.
func (t *Transcript) Apply(event schema.EngineEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if event.Seq != 0 && event.Seq <= t.lastSeq {
		return
	}
	t.lastSeq = event.Seq
	switch event.Type {
	case schema.EventOutput:
		if event.Output != nil {
			t.outputs = append(t.outputs, *event.Output)
		}
	case schema.EventErase:
		kept := t.outputs[:0]
		for _, output := range t.outputs {
			if output.Cell != event.Cell {
				kept = append(kept, output)
			}
		}
		t.outputs = kept
	case schema.EventExit:
		code := event.Code
		t.exitCode = &code
	}
}

// Outputs returns a copy of the current outputs.
func (t *Transcript) Outputs() []schema.OutputEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]schema.OutputEvent(nil), t.outputs...)
}

// Len reports the number of outputs.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outputs)
}

// Snapshot captures the transcript for persistence.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := Snapshot{
		Engine:   t.engine,
		Language: t.language,
		Outputs:  append([]schema.OutputEvent{}, t.outputs...),
		LastSeq:  t.lastSeq,
		SavedAt:  time.Now().UTC(),
	}
	if t.exitCode != nil {
		code := *t.exitCode
		snapshot.ExitCode = &code
	}
	return snapshot
}

package schema

import "time"

// EngineEventType identifies an engine lifecycle or output event.
type EngineEventType string

const (
	// EventStarted fires once, when the engine first becomes ready.
	EventStarted EngineEventType = "started"
	// EventReady fires whenever the queue has drained.
	EventReady EngineEventType = "ready"
	// EventExecuting fires when draining leaves the ready state.
	EventExecuting EngineEventType = "executing"
	// EventOutput carries an OutputEvent.
	EventOutput EngineEventType = "output"
	// EventErase retracts every output attributed to Cell.
	EventErase EngineEventType = "erase"
	// EventExit is terminal and carries the exit code.
	EventExit EngineEventType = "exit"
)

// EngineEvent is delivered to engine subscribers in publish order.
type EngineEvent struct {
	Seq    uint64          `json:"seq"`
	Type   EngineEventType `json:"type"`
	Output *OutputEvent    `json:"output,omitempty"`
	Cell   int             `json:"cell,omitempty"`
	Code   int             `json:"code,omitempty"`
	Time   time.Time       `json:"time"`
}

// EngineState is the state of the execution state machine.
type EngineState string

const (
	StateNotStarted EngineState = "not-started"
	StateReady      EngineState = "ready"
	StateExecuting  EngineState = "executing"
	StateExited     EngineState = "exited"
)

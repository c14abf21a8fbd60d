package schema

import "errors"

var (
	// ErrEngineExited indicates the engine has exited and refuses further work.
	ErrEngineExited = errors.New("engine exited")
	// ErrEngineNotStarted indicates the engine backend has not been started.
	ErrEngineNotStarted = errors.New("engine not started")
	// ErrEngineStarted indicates Start was called more than once.
	ErrEngineStarted = errors.New("engine already started")
	// ErrExecutionInFlight indicates a second execution was attempted while one is running.
	ErrExecutionInFlight = errors.New("execution already in flight")
	// ErrExecutionTimeout indicates the execution watchdog expired.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrEmptyInput indicates the submitted input was empty.
	ErrEmptyInput = errors.New("empty input")
	// ErrWorkerExited indicates the worker went away before replying.
	ErrWorkerExited = errors.New("worker exited")
	// ErrWorkerBusy indicates the worker already has a request outstanding.
	ErrWorkerBusy = errors.New("worker is busy")
	// ErrUnknownLanguage indicates no backend exists for the configured language.
	ErrUnknownLanguage = errors.New("unknown language")
	// ErrInvalidMessage indicates a malformed worker protocol message.
	ErrInvalidMessage = errors.New("invalid worker message")
)

package schema

// EngineID identifies an engine instance.
type EngineID string

// SessionID identifies a front-end session (SSH session, HTTP stream, console).
type SessionID string

// LanguageName identifies a language backend.
type LanguageName string

const (
	// LanguageCalc is the CUE-backed expression language.
	LanguageCalc LanguageName = "calc"
	// LanguageEcho echoes every chunk back as code and text.
	LanguageEcho LanguageName = "echo"
)

// WorkerMode selects how a language backend reaches its worker.
type WorkerMode string

const (
	// WorkerInProcess evaluates in the engine process.
	WorkerInProcess WorkerMode = "inproc"
	// WorkerProcess spawns a worker subprocess speaking JSON lines over stdio.
	WorkerProcess WorkerMode = "process"
	// WorkerGRPC connects to a remote worker over gRPC.
	WorkerGRPC WorkerMode = "grpc"
)

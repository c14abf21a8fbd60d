package schema

import (
	"errors"
	"strings"
	"time"
)

// EngineConfig defines engine behavior.
type EngineConfig struct {
	// FlushDelay is the text coalescing debounce.
	FlushDelay time.Duration
	// ExecTimeout abandons an execution that runs longer; zero disables the watchdog.
	ExecTimeout time.Duration
	// KeepQueueOnError keeps queued chunks after an error output instead of clearing them.
	KeepQueueOnError bool
	// Batch exits the engine once it goes idle after the startup work.
	Batch bool
	// StartupScript is submitted before any user input.
	StartupScript string
	// Language is recorded for logging and code echo.
	Language LanguageName
}

// DefaultFlushDelay is the default text coalescing debounce.
const DefaultFlushDelay = 300 * time.Millisecond

// NormalizeEngineConfig applies defaults and validates the config.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.ExecTimeout < 0 {
		return EngineConfig{}, errors.New("exec timeout must not be negative")
	}
	cfg.Language = LanguageName(strings.ToLower(strings.TrimSpace(string(cfg.Language))))
	return cfg, nil
}

// NormalizeLanguage validates a language name.
func NormalizeLanguage(name string) (LanguageName, error) {
	switch lang := LanguageName(strings.ToLower(strings.TrimSpace(name))); lang {
	case "":
		return LanguageCalc, nil
	case LanguageCalc, LanguageEcho:
		return lang, nil
	default:
		return "", ErrUnknownLanguage
	}
}

// NormalizeWorkerMode validates a worker mode.
func NormalizeWorkerMode(mode string) (WorkerMode, error) {
	switch m := WorkerMode(strings.ToLower(strings.TrimSpace(mode))); m {
	case "":
		return WorkerInProcess, nil
	case WorkerInProcess, WorkerProcess, WorkerGRPC:
		return m, nil
	default:
		return "", errors.New("unsupported worker mode: " + mode)
	}
}

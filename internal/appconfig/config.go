package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/senseng/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	Engine        EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Language      LanguageConfig   `mapstructure:"language" yaml:"language"`
	Worker        WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	HTTP          HTTPConfig       `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig        `mapstructure:"ssh" yaml:"ssh"`
	GRPC          GRPCConfig       `mapstructure:"grpc" yaml:"grpc"`
	Transcript    TranscriptConfig `mapstructure:"transcript" yaml:"transcript"`
	Metrics       MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Logging       LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig controls the execution engine.
type EngineConfig struct {
	FlushDelayMS       int    `mapstructure:"flush_delay_ms" yaml:"flush_delay_ms"`
	ExecTimeoutSeconds int    `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
	ClearQueueOnError  bool   `mapstructure:"clear_queue_on_error" yaml:"clear_queue_on_error"`
	Batch              bool   `mapstructure:"batch" yaml:"batch"`
	StartupScript      string `mapstructure:"startup_script" yaml:"startup_script"`
	StartupCode        string `mapstructure:"startup_code" yaml:"startup_code"`
}

// LanguageConfig selects the language backend.
type LanguageConfig struct {
	Name string     `mapstructure:"name" yaml:"name"`
	Echo EchoConfig `mapstructure:"echo" yaml:"echo"`
}

// EchoConfig configures the echo language.
type EchoConfig struct {
	Split string `mapstructure:"split" yaml:"split"`
}

// WorkerConfig selects how the language reaches its worker.
type WorkerConfig struct {
	Mode    string            `mapstructure:"mode" yaml:"mode"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
	Address string            `mapstructure:"address" yaml:"address"`
}

// HTTPConfig configures the web dashboard.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
	History  int    `mapstructure:"history" yaml:"history"`
}

// SSHConfig configures the SSH terminal.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
	AllowAnyKey        bool   `mapstructure:"allow_any_key" yaml:"allow_any_key"`
}

// GRPCConfig configures the gRPC worker server.
type GRPCConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TranscriptConfig controls transcript persistence.
type TranscriptConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Engine: EngineConfig{
			FlushDelayMS:      int(schema.DefaultFlushDelay / time.Millisecond),
			ClearQueueOnError: true,
		},
		Language: LanguageConfig{
			Name: string(schema.LanguageCalc),
			Echo: EchoConfig{Split: "lines"},
		},
		Worker: WorkerConfig{
			Mode: string(schema.WorkerInProcess),
			Args: []string{},
			Env:  map[string]string{},
		},
		HTTP: HTTPConfig{
			Addr:    ":27490",
			History: 2000,
		},
		SSH: SSHConfig{
			Addr:               ":27422",
			HostKeyPath:        filepath.Join(home, ".senseng", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".senseng", "authorized_keys"),
		},
		GRPC: GRPCConfig{
			Addr: filepath.Join(home, ".senseng", "worker.sock"),
		},
		Transcript: TranscriptConfig{
			Dir: filepath.Join(home, ".senseng", "transcripts"),
		},
		Metrics: MetricsConfig{Enabled: true},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".senseng", "config.yaml"), nil
}

// EngineSettings converts the engine and language sections into an engine config.
// The startup script file and startup code are concatenated, file first.
func (c Config) EngineSettings() (schema.EngineConfig, error) {
	startup, err := c.Engine.StartupSource()
	if err != nil {
		return schema.EngineConfig{}, err
	}
	lang, err := schema.NormalizeLanguage(c.Language.Name)
	if err != nil {
		return schema.EngineConfig{}, fmt.Errorf("language.name %q: %w", c.Language.Name, err)
	}
	return schema.NormalizeEngineConfig(schema.EngineConfig{
		FlushDelay:       time.Duration(c.Engine.FlushDelayMS) * time.Millisecond,
		ExecTimeout:      time.Duration(c.Engine.ExecTimeoutSeconds) * time.Second,
		KeepQueueOnError: !c.Engine.ClearQueueOnError,
		Batch:            c.Engine.Batch,
		StartupScript:    startup,
		Language:         lang,
	})
}

// StartupSource returns the code to run before the first prompt.
func (e EngineConfig) StartupSource() (string, error) {
	var parts []string
	if path := strings.TrimSpace(e.StartupScript); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read startup script: %w", err)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}
	if code := strings.TrimSpace(e.StartupCode); code != "" {
		parts = append(parts, code)
	}
	return strings.Join(parts, "\n"), nil
}

// EnvList renders the worker environment as KEY=VALUE pairs.
func (w WorkerConfig) EnvList() []string {
	if len(w.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.Env))
	for key, value := range w.Env {
		out = append(out, key+"="+value)
	}
	return out
}

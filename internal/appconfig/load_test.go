package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/senseng/schema"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Language.Name != "calc" || cfg.Worker.Mode != "inproc" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Engine.ClearQueueOnError {
		t.Fatalf("expected clear_queue_on_error to default true")
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 9
language:
  name: calc
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
language:
  name: calc
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version required error, got %v", err)
	}
}

func TestLoadRejectsUnknownLanguage(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
language:
  name: ruby
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "language.name") {
		t.Fatalf("expected language error, got %v", err)
	}
}

func TestLoadRequiresGRPCAddress(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
worker:
  mode: grpc
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "worker.address") {
		t.Fatalf("expected worker.address error, got %v", err)
	}
}

func TestLoadRejectsURLBasePath(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
http:
  base_path: https://example.com/app
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "http.base_path") {
		t.Fatalf("expected base_path error, got %v", err)
	}
}

func TestLoadReadsSectionsAndExpandsEnv(t *testing.T) {
	t.Setenv("SENSENG_TEST_DIR", "/srv/senseng")
	path := writeConfig(t, `
config_version: 1
engine:
  flush_delay_ms: 50
  exec_timeout_seconds: 3
  clear_queue_on_error: false
  batch: true
language:
  name: echo
  echo:
    split: words
worker:
  mode: process
  command: $SENSENG_TEST_DIR/bin/senseng
  args: [worker]
transcript:
  dir: $SENSENG_TEST_DIR/transcripts
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Command != "/srv/senseng/bin/senseng" || cfg.Transcript.Dir != "/srv/senseng/transcripts" {
		t.Fatalf("expected env expansion, got %+v", cfg)
	}
	settings, err := cfg.EngineSettings()
	if err != nil {
		t.Fatalf("engine settings: %v", err)
	}
	if settings.FlushDelay != 50*time.Millisecond || settings.ExecTimeout != 3*time.Second {
		t.Fatalf("unexpected durations: %+v", settings)
	}
	if !settings.KeepQueueOnError || !settings.Batch || settings.Language != schema.LanguageEcho {
		t.Fatalf("unexpected engine settings: %+v", settings)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("SENSENG_LANGUAGE_NAME", "echo")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Language.Name != "echo" {
		t.Fatalf("expected env override, got %q", cfg.Language.Name)
	}
}

func TestStartupSourceConcatenatesScriptAndCode(t *testing.T) {
	script := filepath.Join(t.TempDir(), "init.calc")
	if err := os.WriteFile(script, []byte("a = 1\n"), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	got, err := EngineConfig{StartupScript: script, StartupCode: "b = a"}.StartupSource()
	if err != nil {
		t.Fatalf("startup source: %v", err)
	}
	if got != "a = 1\nb = a" {
		t.Fatalf("unexpected startup source: %q", got)
	}
	if _, err := (EngineConfig{StartupScript: script + ".missing"}).StartupSource(); err == nil {
		t.Fatalf("expected missing script to fail")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

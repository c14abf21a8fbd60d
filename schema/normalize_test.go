package schema

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeLanguage(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  LanguageName
		valid bool
	}{
		{"default", "", LanguageCalc, true},
		{"calc", "calc", LanguageCalc, true},
		{"mixed-case", " Echo ", LanguageEcho, true},
		{"unknown", "ruby", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeLanguage(tc.input)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid {
			if !errors.Is(err, ErrUnknownLanguage) {
				t.Fatalf("case %q expected ErrUnknownLanguage, got %v", tc.name, err)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestNormalizeWorkerMode(t *testing.T) {
	if mode, err := NormalizeWorkerMode(""); err != nil || mode != WorkerInProcess {
		t.Fatalf("expected inproc default, got %q (%v)", mode, err)
	}
	if mode, err := NormalizeWorkerMode("GRPC"); err != nil || mode != WorkerGRPC {
		t.Fatalf("expected grpc, got %q (%v)", mode, err)
	}
	if _, err := NormalizeWorkerMode("docker"); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestNormalizeEngineConfigDefaults(t *testing.T) {
	cfg, err := NormalizeEngineConfig(EngineConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.FlushDelay != DefaultFlushDelay {
		t.Fatalf("expected default flush delay, got %v", cfg.FlushDelay)
	}
	if _, err := NormalizeEngineConfig(EngineConfig{ExecTimeout: -time.Second}); err == nil {
		t.Fatalf("expected negative timeout to be rejected")
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/senseng/core"
	"pkt.systems/senseng/internal/appconfig"
	"pkt.systems/senseng/internal/lang"
	"pkt.systems/senseng/internal/transcript"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// engineFlags are the flags shared by the commands that drive a local engine.
type engineFlags struct {
	cfgPath       string
	language      string
	workerMode    string
	startupScript string
	startupCode   string
	batch         bool
	raw           bool
	transcript    string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	flags.StringVarP(&f.language, "language", "l", "", "language backend (calc or echo)")
	flags.StringVar(&f.workerMode, "worker", "", "worker mode (inproc, process or grpc)")
	flags.StringVar(&f.startupScript, "startupScript", "", "file to run before the first prompt")
	flags.StringVar(&f.startupCode, "startupCode", "", "code to run before the first prompt")
	flags.BoolVar(&f.batch, "batch", false, "exit once the engine is idle")
	flags.BoolVar(&f.raw, "raw", false, "print engine events as JSON lines")
	flags.StringVar(&f.transcript, "transcript", "", "write the session transcript to this file on exit")
}

// load reads the config file and applies flag overrides.
func (f *engineFlags) load() (appconfig.Config, error) {
	cfg, err := appconfig.Load(f.cfgPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if f.language != "" {
		cfg.Language.Name = f.language
	}
	if f.workerMode != "" {
		cfg.Worker.Mode = f.workerMode
	}
	if f.startupScript != "" {
		cfg.Engine.StartupScript = f.startupScript
	}
	if f.startupCode != "" {
		cfg.Engine.StartupCode = f.startupCode
	}
	if f.batch {
		cfg.Engine.Batch = true
	}
	return cfg, nil
}

// languageOptions maps the language and worker sections onto backend options.
// A process worker without a command re-executes this binary as `senseng worker`.
func languageOptions(cfg appconfig.Config, logger pslog.Logger) (lang.Options, error) {
	language, err := schema.NormalizeLanguage(cfg.Language.Name)
	if err != nil {
		return lang.Options{}, fmt.Errorf("language.name %q: %w", cfg.Language.Name, err)
	}
	mode, err := schema.NormalizeWorkerMode(cfg.Worker.Mode)
	if err != nil {
		return lang.Options{}, fmt.Errorf("worker.mode %q: %w", cfg.Worker.Mode, err)
	}
	opts := lang.Options{
		Language:   language,
		WorkerMode: mode,
		EchoSplit:  lang.EchoSplit(cfg.Language.Echo.Split),
		GRPCTarget: cfg.Worker.Address,
		Logger:     logger,
	}
	if mode == schema.WorkerProcess {
		command := strings.TrimSpace(cfg.Worker.Command)
		args := cfg.Worker.Args
		if command == "" {
			self, err := os.Executable()
			if err != nil {
				return lang.Options{}, fmt.Errorf("locate worker binary: %w", err)
			}
			command = self
			args = []string{"worker"}
		}
		opts.Process = worker.ProcessConfig{
			Command: command,
			Args:    args,
			Env:     cfg.Worker.EnvList(),
		}
	}
	return opts, nil
}

func newLocalEngine(cfg appconfig.Config, settings schema.EngineConfig, logger pslog.Logger) (*core.Engine, error) {
	opts, err := languageOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	factory, err := lang.NewBackendFactory(opts)
	if err != nil {
		return nil, err
	}
	settings.Language = opts.Language
	return core.NewEngine(settings, core.EngineDeps{Backend: factory, Logger: logger})
}

// recordTranscript writes the engine transcript to path when the engine exits.
// The returned channel closes once the file is written.
func recordTranscript(engine *core.Engine, language schema.LanguageName, path string, logger pslog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if path == "" {
		close(done)
		return done
	}
	tr := transcript.New(engine.ID(), language)
	engine.On(func(event schema.EngineEvent) {
		tr.Apply(event)
		if event.Type != schema.EventExit {
			return
		}
		defer close(done)
		if err := transcript.WriteFile(path, tr.Snapshot()); err != nil {
			logger.Warn("transcript write failed", "path", path, "err", err)
			return
		}
		logger.Debug("transcript written", "path", path, "outputs", tr.Len())
	})
	return done
}

func waitTranscript(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// isTerminal reports whether stream is a terminal. Streams replaced through
// cobra's SetIn/SetOut are never terminals.
func isTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".senseng")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

func joinSource(parts ...string) string {
	var out []string
	for _, part := range parts {
		if part = strings.TrimRight(part, "\n"); strings.TrimSpace(part) != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "\n")
}

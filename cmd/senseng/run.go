package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/console"
	"pkt.systems/senseng/internal/watch"
	"pkt.systems/senseng/schema"
)

func newRunCmd() *cobra.Command {
	var flags engineFlags
	var watchFile bool
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a source file, optionally re-running it on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			path := args[0]
			source, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if watchFile && cfg.Engine.Batch {
				return errors.New("--watch cannot be combined with --batch")
			}
			cfg.Engine.Batch = !watchFile
			settings, err := cfg.EngineSettings()
			if err != nil {
				return err
			}
			if !watchFile {
				settings.StartupScript = joinSource(settings.StartupScript, string(source))
			}
			engine, err := newLocalEngine(cfg, settings, logger)
			if err != nil {
				return err
			}

			// A one-shot run turns SIGINT into an interrupt. Watch mode has no
			// prompt to return to, so SIGINT ends it.
			var interrupts chan os.Signal
			stopSignals := []os.Signal{syscall.SIGTERM}
			if watchFile {
				stopSignals = append(stopSignals, os.Interrupt)
			} else {
				interrupts = make(chan os.Signal, 1)
				signal.Notify(interrupts, os.Interrupt)
				defer signal.Stop(interrupts)
			}
			ctx, stop := signal.NotifyContext(context.WithoutCancel(cmd.Context()), stopSignals...)
			defer stop()

			if watchFile {
				// The file is submitted once the startup code is done; every change
				// afterwards replaces the cells of the previous submission.
				var once sync.Once
				engine.On(func(schema.EngineEvent) {
					once.Do(func() {
						go submit(ctx, engine, string(source), false, logger)
					})
				}, schema.EventReady)
				go func() {
					err := watch.File(ctx, path, watch.Options{Debounce: debounce, Logger: logger}, func(ctx context.Context, content string) {
						submit(ctx, engine, content, true, logger)
					})
					if err != nil {
						logger.Error("watch failed", "path", path, "err", err)
						engine.Exit(1)
					}
				}()
			}
			written := recordTranscript(engine, engine.Config().Language, flags.transcript, logger)

			code, err := console.New(engine, console.Options{
				Out:        cmd.OutOrStdout(),
				Raw:        flags.raw,
				Color:      !flags.raw && isTerminal(cmd.OutOrStdout()),
				Interrupts: interrupts,
				Session:    "run",
				Logger:     logger,
			}).Run(ctx)
			if flags.transcript != "" {
				waitTranscript(written)
			}
			if err != nil {
				return err
			}
			return exitStatus(code)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&watchFile, "watch", "w", false, "re-run the file whenever it changes")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "how long to wait for writes to settle")
	return cmd
}

func submit(ctx context.Context, engine interface {
	Input(context.Context, string, bool) error
}, source string, overwriteLast bool, logger pslog.Logger) {
	if err := engine.Input(ctx, source, overwriteLast); err != nil && !errors.Is(err, schema.ErrEmptyInput) {
		logger.Warn("run submit failed", "overwrite", overwriteLast, "err", err)
	}
}

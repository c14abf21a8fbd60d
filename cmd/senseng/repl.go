package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/console"
)

func newReplCmd() *cobra.Command {
	var flags engineFlags
	var disableAuditTrails bool
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session on the console",
		Long: "Start an interactive session on the console. With --batch the session exits\n" +
			"once the startup code and piped stdin have run, with status 1 if anything failed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			settings, err := cfg.EngineSettings()
			if err != nil {
				return err
			}
			stdinTTY := isTerminal(cmd.InOrStdin())
			if settings.Batch && !stdinTTY {
				piped, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				settings.StartupScript = joinSource(settings.StartupScript, string(piped))
			}
			engine, err := newLocalEngine(cfg, settings, logger)
			if err != nil {
				return err
			}

			// SIGINT interrupts executions instead of ending the session.
			ctx, stop := signal.NotifyContext(context.WithoutCancel(cmd.Context()), syscall.SIGTERM)
			defer stop()
			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			var reader console.LineReader
			if !settings.Batch {
				if stdinTTY {
					reader = console.NewLinerReader(ctx, engine.Complete, historyPath())
				} else {
					reader = console.NewPlainReader(cmd.InOrStdin())
				}
			}
			written := recordTranscript(engine, engine.Config().Language, flags.transcript, logger)

			code, err := console.New(engine, console.Options{
				Out:         cmd.OutOrStdout(),
				Reader:      reader,
				Raw:         flags.raw,
				Color:       !flags.raw && isTerminal(cmd.OutOrStdout()),
				Interactive: stdinTTY && !settings.Batch,
				Interrupts:  interrupts,
				Commands:    command.NewHandler(command.HandlerConfig{DisableAuditLogging: disableAuditTrails || cfg.Logging.DisableAuditTrails}),
				Logger:      logger,
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
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for commands")
	return cmd
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/lang"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/internal/workergrpc"
)

func newWorkerCmd() *cobra.Command {
	var grpcAddr string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a calc worker (JSONL on stdin/stdout, or gRPC with --grpc)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			evaluator := lang.NewCalcEvaluator()
			if grpcAddr != "" {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				logger.Info("grpc worker listening", "addr", grpcAddr)
				return workergrpc.NewServer(evaluator).ListenAndServe(ctx, grpcAddr)
			}

			// The engine delivers interrupts as SIGINT; they cancel the running
			// evaluation and must not end the worker.
			ctx, stop := signal.NotifyContext(context.WithoutCancel(cmd.Context()), syscall.SIGTERM)
			defer stop()
			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)
			logger.Debug("stdio worker start", "pid", os.Getpid())
			return worker.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), evaluator, interrupts)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "serve the worker over gRPC on this address (unix:PATH for a socket)")
	return cmd
}

package lang

import (
	"context"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/senseng/core"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/internal/workergrpc"
	"pkt.systems/senseng/schema"
)

// Options selects and configures a language backend.
type Options struct {
	Language   schema.LanguageName
	WorkerMode schema.WorkerMode
	// EchoSplit chooses how the echo language chunks input.
	EchoSplit EchoSplit
	// Process configures the worker subprocess in process mode.
	Process worker.ProcessConfig
	// GRPCTarget is the worker address in grpc mode.
	GRPCTarget string
	Logger     pslog.Logger
}

// NewBackendFactory returns a factory for the configured language.
func NewBackendFactory(opts Options) (core.BackendFactory, error) {
	lang, err := schema.NormalizeLanguage(string(opts.Language))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, opts.Language)
	}
	mode, err := schema.NormalizeWorkerMode(string(opts.WorkerMode))
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logx.Ctx(context.Background())
	}
	log = log.With("language", lang, "worker_mode", mode)
	switch lang {
	case schema.LanguageEcho:
		return echoFactory(opts.EchoSplit), nil
	case schema.LanguageCalc:
		switch mode {
		case schema.WorkerProcess:
			if opts.Process.Command == "" {
				return nil, fmt.Errorf("process worker requires a command")
			}
			return processFactory(opts.Process, log), nil
		case schema.WorkerGRPC:
			if opts.GRPCTarget == "" {
				return nil, fmt.Errorf("grpc worker requires a target address")
			}
			return grpcFactory(opts.GRPCTarget, log), nil
		default:
			return inprocFactory(log), nil
		}
	}
	return nil, schema.ErrUnknownLanguage
}

func echoFactory(split EchoSplit) core.BackendFactory {
	return func(_ context.Context, host core.Host) (core.Backend, error) {
		host.Ready()
		return core.Backend{
			Chunker:     EchoChunker{Split: split},
			Executor:    EchoExecutor{},
			Completer:   EchoCompleter{},
			Interrupter: EchoInterrupter{Host: host},
		}, nil
	}
}

func inprocFactory(log pslog.Logger) core.BackendFactory {
	return func(_ context.Context, host core.Host) (core.Backend, error) {
		session := worker.NewLocal(NewCalcEvaluator())
		host.Ready()
		return calcBackend(session, log), nil
	}
}

func processFactory(cfg worker.ProcessConfig, log pslog.Logger) core.BackendFactory {
	return func(ctx context.Context, host core.Host) (core.Backend, error) {
		proc, err := worker.StartProcess(ctx, cfg, worker.Handler{
			OnReady: host.Ready,
			OnText:  host.Text,
			OnExit: func(code int) {
				log.Info("lang worker exited", "code", code)
				host.Exit(code)
			},
		})
		if err != nil {
			return core.Backend{}, err
		}
		return calcBackend(proc, log), nil
	}
}

func grpcFactory(target string, log pslog.Logger) core.BackendFactory {
	return func(ctx context.Context, host core.Host) (core.Backend, error) {
		client, err := workergrpc.Dial(ctx, target, log)
		if err != nil {
			return core.Backend{}, err
		}
		go func() {
			if err := client.WaitReady(ctx); err != nil {
				log.Warn("lang grpc worker not ready", "target", target, "err", err)
				host.Exit(1)
				return
			}
			host.Ready()
		}()
		return calcBackend(client, log), nil
	}
}

func calcBackend(session worker.Session, log pslog.Logger) core.Backend {
	return core.Backend{
		Chunker:     CalcChunker{},
		Executor:    WorkerExecutor{Session: session, Language: string(schema.LanguageCalc), Logger: log},
		Completer:   core.CompleterFunc(session.Complete),
		Interrupter: core.InterrupterFunc(session.Interrupt),
		Closer:      session,
	}
}

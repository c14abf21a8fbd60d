package senseng

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/senseng/core"
	"pkt.systems/senseng/httpapi"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/console"
	"pkt.systems/senseng/internal/lang"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/internal/metrics"
	"pkt.systems/senseng/internal/transcript"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/internal/workergrpc"
	"pkt.systems/senseng/schema"
	"pkt.systems/senseng/sshserver"
)

// Server composes the HTTP, SSH and gRPC worker services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Engine   schema.EngineConfig
	Language lang.Options
	HTTP     httpapi.Config
	SSH      sshserver.Config
	GRPC     GRPCConfig
	// TranscriptDir persists the transcript of every engine on exit when set.
	TranscriptDir       string
	DisableAuditLogging bool
}

// GRPCConfig configures the gRPC worker server.
type GRPCConfig struct {
	Addr string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Logger pslog.Logger
	// Metrics is optional; when set it records engine activity and serves /metrics.
	Metrics *metrics.Engine
	// Evaluator backs the gRPC worker server. Defaults to calc.
	Evaluator worker.Evaluator
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
	enableGRPC bool
}

// WithHTTP enables the HTTP API/UI server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithGRPCWorker enables the gRPC worker server.
func WithGRPCWorker() ServerOption {
	return func(o *serverOptions) { o.enableGRPC = true }
}

// New constructs a composable senseng server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH && !options.enableGRPC {
		return nil, errors.New("no services enabled")
	}
	engineCfg, err := schema.NormalizeEngineConfig(cfg.Engine)
	if err != nil {
		return nil, err
	}
	cfg.Engine = engineCfg
	if engineCfg.Batch {
		return nil, errors.New("batch mode is not supported by the server")
	}

	s := &compositeServer{cfg: cfg, options: options, metrics: deps.Metrics}
	commands := command.NewHandler(command.HandlerConfig{DisableAuditLogging: cfg.DisableAuditLogging})

	if options.enableHTTP || options.enableSSH {
		if cfg.Language.Logger == nil {
			cfg.Language.Logger = deps.Logger
		}
		factory, err := lang.NewBackendFactory(cfg.Language)
		if err != nil {
			return nil, err
		}
		s.factory = factory
		s.language, _ = schema.NormalizeLanguage(string(cfg.Language.Language))
		if s.cfg.Engine.Language == "" {
			s.cfg.Engine.Language = s.language
		}
		if cfg.TranscriptDir != "" {
			store, err := transcript.NewStore(cfg.TranscriptDir, deps.Logger)
			if err != nil {
				return nil, err
			}
			s.store = store
		}
		s.logger = deps.Logger
	}

	if options.enableHTTP {
		engine, tr, err := s.newEngine()
		if err != nil {
			return nil, err
		}
		hub := httpapi.NewHub(engine.ID(), cfg.HTTP.History)
		engine.On(hub.OnEvent)
		httpDeps := httpapi.ServerDeps{
			Engine:     engine,
			Commands:   commands,
			Hub:        hub,
			Transcript: tr,
			Language:   s.language,
		}
		if deps.Metrics != nil {
			httpDeps.Metrics = deps.Metrics.Handler()
		}
		s.httpEngine = engine
		s.httpSrv = httpapi.NewServer(cfg.HTTP, httpDeps)
	}

	if options.enableSSH {
		s.sshSrv = sshserver.New(cfg.SSH, func(_ context.Context, _ schema.SessionID) (console.Engine, error) {
			engine, _, err := s.newEngine()
			return engine, err
		})
		s.sshSrv.Commands = commands
		if deps.Metrics != nil {
			s.sshSrv.Metrics = deps.Metrics
		}
	}

	if options.enableGRPC {
		ev := deps.Evaluator
		if ev == nil {
			ev = lang.NewCalcEvaluator()
		}
		s.grpcSrv = workergrpc.NewServer(ev)
	}
	return s, nil
}

type compositeServer struct {
	cfg        ServerConfig
	options    serverOptions
	factory    core.BackendFactory
	language   schema.LanguageName
	store      *transcript.Store
	metrics    *metrics.Engine
	httpEngine *core.Engine
	httpSrv    *httpapi.Server
	sshSrv     *sshserver.Server
	grpcSrv    *workergrpc.Server
	logger     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// newEngine builds an unstarted engine with a transcript attached. The
// transcript is saved when the engine exits if a store is configured.
func (s *compositeServer) newEngine() (*core.Engine, *transcript.Transcript, error) {
	deps := core.EngineDeps{Backend: s.factory, Logger: s.logger}
	if s.metrics != nil {
		deps.Metrics = s.metrics
	}
	engine, err := core.NewEngine(s.cfg.Engine, deps)
	if err != nil {
		return nil, nil, err
	}
	tr := transcript.New(engine.ID(), s.language)
	engine.On(func(event schema.EngineEvent) {
		tr.Apply(event)
		if event.Type != schema.EventExit || s.store == nil {
			return
		}
		if err := s.store.Save(tr.Snapshot()); err != nil {
			logx.WithEngine(context.Background(), engine.ID()).Warn("transcript save failed", "err", err)
		}
	})
	return engine, tr, nil
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	if s.logger == nil {
		s.logger = pslog.Ctx(s.ctx)
	}
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"grpc", s.options.enableGRPC,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
		"grpc_addr", s.cfg.GRPC.Addr,
		"language", s.language,
	)
	if s.httpSrv != nil {
		if err := s.httpEngine.Start(groupCtx); err != nil {
			s.cancel()
			return err
		}
		group.Go(func() error {
			if err := httpapi.ListenAndServe(groupCtx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.sshSrv != nil {
		group.Go(func() error {
			if err := s.sshSrv.ListenAndServe(groupCtx); err != nil {
				log.Error("ssh server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.grpcSrv != nil {
		group.Go(func() error {
			if err := s.grpcSrv.ListenAndServe(groupCtx, s.cfg.GRPC.Addr); err != nil {
				log.Error("grpc worker server failed", "err", err)
				return err
			}
			return nil
		})
	}
	return nil
}

// Wait blocks until every component has stopped. A failing component stops the others.
func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	s.exitEngine()
	if err != nil {
		s.logger.Error("server stopped", "err", err)
	}
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	group := s.group
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	log.Info("server stop requested")
	s.exitEngine()
	cancel()
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}

// exitEngine ends the shared HTTP engine so its worker and transcript are
// settled before the process exits.
func (s *compositeServer) exitEngine() {
	if s.httpEngine == nil {
		return
	}
	s.httpEngine.Exit(0)
	<-s.httpEngine.Done()
}

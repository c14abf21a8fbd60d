package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/senseng"
	"pkt.systems/senseng/httpapi"
	"pkt.systems/senseng/internal/appconfig"
	"pkt.systems/senseng/internal/metrics"
	"pkt.systems/senseng/sshserver"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var disableAuditTrails bool
	var enableHTTP, enableSSH, enableGRPC bool
	var language string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, SSH and gRPC worker servers",
		Long: "Start the network front-ends. Without --http, --ssh or --grpc both the\n" +
			"HTTP dashboard and the SSH terminal are started.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if language != "" {
				cfg.Language.Name = language
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}
			settings, err := cfg.EngineSettings()
			if err != nil {
				return err
			}
			langOpts, err := languageOptions(cfg, logger)
			if err != nil {
				return err
			}

			var opts []senseng.ServerOption
			if !enableHTTP && !enableSSH && !enableGRPC {
				enableHTTP, enableSSH = true, true
			}
			if enableHTTP {
				opts = append(opts, senseng.WithHTTP())
			}
			if enableSSH {
				opts = append(opts, senseng.WithSSH())
			}
			if enableGRPC {
				opts = append(opts, senseng.WithGRPCWorker())
			}

			serverCfg := senseng.ServerConfig{
				Engine:              settings,
				Language:            langOpts,
				HTTP:                toHTTPConfig(cfg.HTTP),
				SSH:                 toSSHConfig(cfg.SSH),
				GRPC:                senseng.GRPCConfig{Addr: cfg.GRPC.Addr},
				TranscriptDir:       cfg.Transcript.Dir,
				DisableAuditLogging: cfg.Logging.DisableAuditTrails,
			}
			deps := senseng.ServerDeps{Logger: logger}
			if cfg.Metrics.Enabled {
				deps.Metrics = metrics.New()
			}
			server, err := senseng.New(serverCfg, deps, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if enableHTTP {
				logger.Info("http server listening", "addr", serverCfg.HTTP.Addr, "base_path", serverCfg.HTTP.BasePath)
			}
			if enableSSH {
				logger.Info("ssh server listening", "addr", serverCfg.SSH.Addr)
			}
			if enableGRPC {
				logger.Info("grpc worker listening", "addr", serverCfg.GRPC.Addr)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&language, "language", "l", "", "language backend (calc or echo)")
	cmd.Flags().BoolVar(&enableHTTP, "http", false, "start the HTTP dashboard")
	cmd.Flags().BoolVar(&enableSSH, "ssh", false, "start the SSH terminal")
	cmd.Flags().BoolVar(&enableGRPC, "grpc", false, "start the gRPC worker server")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for commands")
	return cmd
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:     cfg.Addr,
		BasePath: cfg.BasePath,
		History:  cfg.History,
	}
}

func toSSHConfig(cfg appconfig.SSHConfig) sshserver.Config {
	return sshserver.Config{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
		AllowAnyKey:        cfg.AllowAnyKey,
	}
}

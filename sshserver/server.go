package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/console"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/schema"
)

// EngineFactory builds a fresh, unstarted engine for one SSH session.
type EngineFactory func(ctx context.Context, sessionID schema.SessionID) (console.Engine, error)

// SessionRecorder counts open sessions.
type SessionRecorder interface {
	SessionOpened()
	SessionClosed()
}

// Server exposes a senseng engine per SSH session.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	AllowAnyKey        bool
	Listener           net.Listener
	NewEngine          EngineFactory
	Commands           *command.Handler
	Prompt             string
	Metrics            SessionRecorder
	logger             pslog.Logger
}

// New returns a server for cfg.
func New(cfg Config, factory EngineFactory) *Server {
	return &Server{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
		AllowAnyKey:        cfg.AllowAnyKey,
		NewEngine:          factory,
	}
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Prompt == "" {
		s.Prompt = "> "
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.NewEngine == nil {
		return errors.New("ssh server requires an engine factory")
	}
	cfg := Config{
		Addr:               s.Addr,
		HostKeyPath:        s.HostKeyPath,
		AuthorizedKeysPath: s.AuthorizedKeysPath,
		AllowAnyKey:        s.AllowAnyKey,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	signer, err := cfg.HostSigner()
	if err != nil {
		return err
	}
	if cfg.HostKeyPath == "" {
		s.logger.Warn("ssh host key is ephemeral", "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			s.logger.Info("ssh listening", "addr", s.Listener.Addr().String())
			errCh <- server.Serve(s.Listener)
			return
		}
		s.logger.Info("ssh listening", "addr", s.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	if s.AuthorizedKeysPath == "" {
		if s.AllowAnyKey {
			log.Info("ssh pubkey accepted", "reason", "allow any key")
			return true
		}
		log.Warn("ssh pubkey rejected", "reason", "no authorized keys")
		return false
	}
	// Reloaded per attempt so edits apply without a restart.
	keys, err := LoadAuthorizedKeys(s.AuthorizedKeysPath)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !keyAuthorized(keys, key) {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	sessionID := schema.SessionID("ssh:" + shortID(sess.Context().SessionID()))
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	log = log.With("user", sess.User(), "remote", sess.RemoteAddr().String(), "session", sessionID)
	ctx := pslog.ContextWithLogger(sess.Context(), log)
	ctx = logx.ContextWithSession(ctx, sessionID)

	engine, err := s.NewEngine(ctx, sessionID)
	if err != nil {
		log.Warn("ssh session rejected", "err", err)
		_, _ = io.WriteString(sess.Stderr(), fmt.Sprintf("engine: %v\n", err))
		_ = sess.Exit(1)
		return
	}
	if s.Metrics != nil {
		s.Metrics.SessionOpened()
		defer s.Metrics.SessionClosed()
	}

	opts := console.Options{
		Commands: s.Commands,
		Session:  sessionID,
		Prompt:   s.Prompt,
		Logger:   logx.WithEngineSession(ctx, engine.ID(), sessionID),
	}
	pty, winCh, interactive := sess.Pty()
	if interactive {
		interrupts := make(chan os.Signal, 1)
		terminal := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{newKeyPump(sess, interrupts), sess}, s.Prompt)
		terminal.AutoCompleteCallback = completer(ctx, engine.Complete)
		_ = terminal.SetSize(pty.Window.Width, pty.Window.Height)
		go func() {
			for win := range winCh {
				_ = terminal.SetSize(win.Width, win.Height)
			}
		}()
		opts.Out = terminal
		opts.Reader = termReader{term: terminal}
		opts.Color = true
		opts.Interactive = true
		opts.Interrupts = interrupts
		log.Info("ssh session opened", "term", pty.Term, "engine", engine.ID())
	} else {
		opts.Out = sess
		opts.Reader = console.NewPlainReader(sess)
		log.Info("ssh session opened", "term", "", "engine", engine.ID())
	}

	code, err := console.New(engine, opts).Run(ctx)
	if err != nil {
		log.Warn("ssh session failed", "err", err)
	}
	log.Info("ssh session closed", "code", code)
	_ = sess.Exit(code)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

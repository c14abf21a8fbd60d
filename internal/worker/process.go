package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

// ProcessConfig describes the worker command.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// CloseTimeout bounds how long Close waits before killing the worker.
	CloseTimeout time.Duration
}

// Handler receives worker messages that do not belong to a request.
type Handler struct {
	// OnReady is called once, when the worker announces itself.
	OnReady func()
	// OnText receives text written while no request is outstanding, or after
	// the caller of the outstanding request gave up on it.
	OnText func(string)
	// OnExit is called once with the worker exit status.
	OnExit func(code int)
}

type pendingRequest struct {
	replies chan Message
	text    func(string)
	// done is closed when the request leaves the slot.
	done chan struct{}
	// abandoned is set once the caller stops waiting. The slot stays taken
	// until the worker replies so the late reply is not read as the next one.
	abandoned bool
}

// Process is a worker subprocess speaking JSON lines on stdin/stdout.
type Process struct {
	cfg     ProcessConfig
	cmd     *exec.Cmd
	handler Handler
	log     pslog.Logger
	writer  *lineWriter
	stdin   io.WriteCloser
	stderr  *stderrPipe
	started time.Time

	mu        sync.Mutex
	pending   *pendingRequest
	readyOnce sync.Once
	exited    chan struct{}
	exitCode  int
}

// StartProcess spawns the worker. The worker runs in its own process group so
// terminal signals reach it only through Interrupt.
func StartProcess(ctx context.Context, cfg ProcessConfig, handler Handler) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	log := pslog.Ctx(ctx)
	log.Info("worker exec start", "command", cfg.Command, "args", cfg.Args, "env_extra", len(cfg.Env))

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("worker stdout failed", "err", err)
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("worker stdin failed", "err", err)
		return nil, err
	}
	stderr, stderrWrite, err := newStderrPipe()
	if err != nil {
		log.Error("worker stderr failed", "err", err)
		return nil, err
	}
	cmd.Stderr = stderrWrite
	if err := cmd.Start(); err != nil {
		_ = stderrWrite.Close()
		_ = stderr.file.Close()
		log.Error("worker exec start failed", "err", err)
		return nil, err
	}
	_ = stderrWrite.Close()
	log = log.With("pid", cmd.Process.Pid)
	log.Info("worker exec started")

	p := &Process{
		cfg:     cfg,
		cmd:     cmd,
		handler: handler,
		log:     log,
		writer:  &lineWriter{w: stdin},
		stdin:   stdin,
		stderr:  stderr,
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr()
	}()
	go func() {
		readers.Wait()
		p.wait()
	}()
	return p, nil
}

func (p *Process) readMessages(r io.Reader) {
	reader := newLineReader(r)
	for {
		msg, err := reader.nextMessage()
		if err != nil {
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				line := string(decodeErr.Line())
				preview := previewText(line, 200)
				p.log.Warn("worker message decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				p.routeText(line + "\n")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Warn("worker stdout read failed", "err", err)
			}
			return
		}
		p.route(msg)
	}
}

// readStderr forwards worker stderr line by line until the pipe closes.
func (p *Process) readStderr() {
	defer p.stderr.file.Close()
	err := p.stderr.raw.Read(func(fd uintptr) bool {
		p.stderr.mu.Lock()
		defer p.stderr.mu.Unlock()
		// Returning false parks the goroutine until the pipe is readable again.
		return !p.stderr.readAvailable(int(fd), p.stderrLine)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Warn("worker stderr read failed", "err", err)
	}
}

// drainStderr routes everything the worker has written to stderr so far,
// including an unterminated last line.
func (p *Process) drainStderr() {
	_ = p.stderr.raw.Control(func(fd uintptr) {
		p.stderr.mu.Lock()
		defer p.stderr.mu.Unlock()
		if p.stderr.readAvailable(int(fd), p.stderrLine) {
			p.stderr.flush(p.stderrLine)
		}
	})
}

func (p *Process) stderrLine(text string) {
	p.log.Trace("worker stderr", "text_len", len(text), "preview", previewText(text, 200))
	p.routeText(text + "\n")
}

func (p *Process) route(msg Message) {
	switch {
	case msg.Type == MessageReady:
		p.readyOnce.Do(func() {
			p.log.Debug("worker ready", "startup_ms", time.Since(p.started).Milliseconds())
			if p.handler.OnReady != nil {
				p.handler.OnReady()
			}
		})
	case msg.Type == MessageText:
		p.routeText(msg.Value)
	case msg.Terminal():
		// Stderr written before the reply belongs to the request it ends.
		p.drainStderr()
		p.mu.Lock()
		pending := p.takePendingLocked(nil)
		abandoned := pending != nil && pending.abandoned
		p.mu.Unlock()
		switch {
		case pending == nil:
			p.log.Warn("worker reply without request", "type", msg.Type)
		case abandoned:
			p.log.Debug("worker reply discarded", "type", msg.Type, "reason", "caller gone")
		default:
			pending.replies <- msg
		}
	}
}

// takePendingLocked empties the request slot when it holds want, or any
// request when want is nil, and returns what it removed.
func (p *Process) takePendingLocked(want *pendingRequest) *pendingRequest {
	pending := p.pending
	if pending == nil || (want != nil && pending != want) {
		return nil
	}
	p.pending = nil
	close(pending.done)
	return pending
}

// routeText hands text to the outstanding request, or to the handler.
func (p *Process) routeText(text string) {
	p.mu.Lock()
	var sink func(string)
	if p.pending != nil && !p.pending.abandoned {
		sink = p.pending.text
	}
	p.mu.Unlock()
	if sink == nil {
		sink = p.handler.OnText
	}
	if sink != nil {
		sink(text)
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	signal := ""
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() >= 0 {
				code = exitErr.ExitCode()
			}
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		}
	}
	fields := []any{"exit_code", code, "duration_ms", time.Since(p.started).Milliseconds()}
	if signal != "" {
		fields = append(fields, "signal", signal)
	}
	p.log.Info("worker exited", fields...)

	p.mu.Lock()
	p.exitCode = code
	p.takePendingLocked(nil)
	p.mu.Unlock()
	close(p.exited)
	if p.handler.OnExit != nil {
		p.handler.OnExit(code)
	}
}

// request sends req and waits for its terminal reply. A request whose caller
// gave up still occupies the worker, so the next request waits for it to end.
func (p *Process) request(ctx context.Context, req Request, text func(string)) (Message, error) {
	pending := &pendingRequest{replies: make(chan Message, 1), text: text, done: make(chan struct{})}
	for {
		p.mu.Lock()
		select {
		case <-p.exited:
			p.mu.Unlock()
			return Message{}, schema.ErrWorkerExited
		default:
		}
		current := p.pending
		if current == nil {
			p.pending = pending
			p.mu.Unlock()
			break
		}
		abandoned := current.abandoned
		p.mu.Unlock()
		if !abandoned {
			return Message{}, schema.ErrWorkerBusy
		}
		select {
		case <-current.done:
		case <-p.exited:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}

	if err := p.writer.send(req); err != nil {
		p.mu.Lock()
		p.takePendingLocked(pending)
		p.mu.Unlock()
		return Message{}, fmt.Errorf("write worker request: %w", err)
	}
	select {
	case msg := <-pending.replies:
		return msg, nil
	case <-p.exited:
		select {
		case msg := <-pending.replies:
			return msg, nil
		default:
		}
		return Message{}, schema.ErrWorkerExited
	case <-ctx.Done():
		p.mu.Lock()
		if p.pending == pending {
			pending.abandoned = true
		}
		p.mu.Unlock()
		select {
		case msg := <-pending.replies:
			return msg, nil
		default:
		}
		return Message{}, ctx.Err()
	}
}

// Execute implements Session.
func (p *Process) Execute(ctx context.Context, code string, text func(string)) (Message, error) {
	return p.request(ctx, Request{Type: RequestExecute, Code: code}, text)
}

// Complete implements Session.
func (p *Process) Complete(ctx context.Context, prefix string) ([]string, error) {
	msg, err := p.request(ctx, Request{Type: RequestComplete, Prefix: prefix}, nil)
	if err != nil {
		return nil, err
	}
	if msg.Type == MessageError {
		return nil, errors.New(msg.Value)
	}
	if msg.Type != MessageCompletions {
		return nil, fmt.Errorf("%w: unexpected %s reply to complete", schema.ErrInvalidMessage, msg.Type)
	}
	return msg.Candidates, nil
}

// Interrupt sends SIGINT to the worker.
func (p *Process) Interrupt(context.Context) error {
	select {
	case <-p.exited:
		return schema.ErrWorkerExited
	default:
	}
	p.log.Debug("worker interrupt")
	return unix.Kill(p.cmd.Process.Pid, unix.SIGINT)
}

// Exited is closed once the worker has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the worker exit status once it has exited.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close closes stdin and waits for the worker, killing it after CloseTimeout.
func (p *Process) Close() error {
	_ = p.stdin.Close()
	timer := time.NewTimer(p.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}
	p.log.Warn("worker close timed out; killing")
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	<-p.exited
	return nil
}

const maxStderrLine = 1 << 20

// stderrPipe is the read end of the worker stderr. It is read without blocking
// and only under mu, so a terminal reply can take whatever stderr is already
// in the pipe ahead of itself.
type stderrPipe struct {
	file *os.File
	raw  syscall.RawConn

	mu      sync.Mutex
	buf     []byte
	partial []byte
	closed  bool
}

func newStderrPipe() (*stderrPipe, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	raw, err := r.SyscallConn()
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, err
	}
	return &stderrPipe{file: r, raw: raw, buf: make([]byte, 32*1024)}, w, nil
}

// readAvailable reads until the pipe would block, emitting complete non-empty
// lines. It reports false once the pipe has reached end of file.
func (s *stderrPipe) readAvailable(fd int, emit func(string)) bool {
	if s.closed {
		return false
	}
	for {
		n, err := unix.Read(fd, s.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return true
		case err != nil || n <= 0:
			s.flush(emit)
			s.closed = true
			return false
		}
		s.partial = append(s.partial, s.buf[:n]...)
		rest := s.partial
		for {
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				break
			}
			if line := string(bytes.TrimSuffix(rest[:i], []byte("\r"))); line != "" {
				emit(line)
			}
			rest = rest[i+1:]
		}
		s.partial = append(s.partial[:0], rest...)
		if len(s.partial) >= maxStderrLine {
			s.flush(emit)
		}
	}
}

func (s *stderrPipe) flush(emit func(string)) {
	if len(s.partial) > 0 {
		emit(string(s.partial))
		s.partial = s.partial[:0]
	}
}

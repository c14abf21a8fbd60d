package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/format"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/schema"
)

// Engine is the engine surface the console drives.
type Engine interface {
	command.Engine
	Start(ctx context.Context) error
	Complete(ctx context.Context, prefix string) ([]string, error)
	Subscribe(depth int) (<-chan schema.EngineEvent, func())
	Done() <-chan struct{}
	ExitCode() (int, bool)
	Errored() bool
}

// Options configures a console.
type Options struct {
	Out io.Writer
	// Reader supplies input lines; nil runs without input (batch mode).
	Reader LineReader
	// Raw prints every engine event as a JSON line instead of rendered text.
	Raw bool
	// Color enables ANSI styling of rendered output.
	Color bool
	// Interactive marks a human at a terminal: end of input exits with 0
	// instead of the errored status.
	Interactive bool
	// Interrupts delivers SIGINT; while executing it interrupts the engine.
	Interrupts <-chan os.Signal
	Commands   *command.Handler
	Session    schema.SessionID
	Prompt     string
	Logger     pslog.Logger
}

// Console connects a line reader and a terminal to an engine.
type Console struct {
	engine   Engine
	opts     Options
	renderer *format.Renderer
	log      pslog.Logger

	outMu sync.Mutex
	ready chan struct{}
}

// New constructs a console for engine.
func New(engine Engine, opts Options) *Console {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Commands == nil {
		opts.Commands = command.NewHandler(command.HandlerConfig{})
	}
	if opts.Session == "" {
		opts.Session = "console"
	}
	if opts.Prompt == "" {
		opts.Prompt = "> "
	}
	log := opts.Logger
	if log == nil {
		log = logx.WithEngineSession(context.Background(), engine.ID(), opts.Session)
	}
	renderer := format.NewPlainRenderer()
	if opts.Color {
		renderer = format.NewANSIRenderer()
	}
	return &Console{
		engine:   engine,
		opts:     opts,
		renderer: renderer,
		log:      log,
		ready:    make(chan struct{}, 1),
	}
}

// Run starts the engine, renders its events and feeds input until the engine
// exits. It returns the engine exit code.
func (c *Console) Run(ctx context.Context) (int, error) {
	events, cancel := c.engine.Subscribe(1024)
	defer cancel()
	if err := c.engine.Start(ctx); err != nil {
		return 1, err
	}
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		c.render(events)
	}()
	go c.watchInterrupts(ctx)
	if c.opts.Reader != nil {
		go c.readLoop(ctx)
	}

	select {
	case <-c.engine.Done():
	case <-ctx.Done():
		c.engine.Exit(130)
		<-c.engine.Done()
	}
	<-rendered
	if c.opts.Reader != nil {
		_ = c.opts.Reader.Close()
	}
	code, _ := c.engine.ExitCode()
	return code, nil
}

func (c *Console) render(events <-chan schema.EngineEvent) {
	for event := range events {
		if c.opts.Raw {
			if line, err := format.JSONLine(event); err == nil {
				c.write(string(line))
			}
		} else if lines := c.renderer.FormatEvent(event); len(lines) > 0 {
			c.write(strings.Join(lines, "\n") + "\n")
		}
		if event.Type == schema.EventReady {
			select {
			case c.ready <- struct{}{}:
			default:
			}
		}
		if event.Type == schema.EventExit {
			return
		}
	}
}

func (c *Console) write(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.opts.Out, s)
}

func (c *Console) watchInterrupts(ctx context.Context) {
	if c.opts.Interrupts == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.engine.Done():
			return
		case <-c.opts.Interrupts:
			if c.engine.State() != schema.StateExecuting {
				continue
			}
			c.log.Info("console interrupt")
			if err := c.engine.Interrupt(ctx); err != nil {
				c.log.Warn("console interrupt failed", "err", err)
			}
		}
	}
}

// waitReady blocks until the engine reports ready. It returns false once the
// engine is gone.
func (c *Console) waitReady(ctx context.Context) bool {
	select {
	case <-c.ready:
		return true
	case <-c.engine.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Console) readLoop(ctx context.Context) {
	if !c.waitReady(ctx) {
		return
	}
	var paste []string
	pasting := false
	for {
		prompt := c.opts.Prompt
		if pasting {
			prompt = "... "
		}
		line, err := c.opts.Reader.Prompt(prompt)
		if errors.Is(err, ErrAborted) {
			if pasting {
				pasting, paste = false, nil
				c.write("(paste cancelled)\n")
			}
			continue
		}
		if err != nil {
			c.endOfInput(err)
			return
		}
		if pasting {
			if strings.TrimSpace(line) != "" {
				paste = append(paste, line)
				continue
			}
			pasting = false
			block := strings.Join(paste, "\n")
			paste = nil
			if !c.submit(ctx, block, false) {
				continue
			}
		} else {
			if command.IsPasteToggle(line) {
				pasting = true
				continue
			}
			handled, action, err := c.opts.Commands.Handle(ctx, c.engine, c.opts.Session, line)
			if handled {
				if err != nil {
					c.write("error: " + err.Error() + "\n")
				}
				switch action {
				case command.ActionPaste:
					pasting = true
					continue
				case command.ActionExit:
					return
				}
				if cmd, _ := command.Parse(line); cmd.Name != "redo" || err != nil {
					continue
				}
			} else if !c.submit(ctx, line, false) {
				continue
			}
		}
		if !c.waitReady(ctx) {
			return
		}
	}
}

// submit sends input to the engine and reports whether a ready will follow.
func (c *Console) submit(ctx context.Context, raw string, overwrite bool) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if err := c.engine.Input(ctx, raw, overwrite); err != nil {
		if !errors.Is(err, schema.ErrEngineExited) {
			c.write("error: " + err.Error() + "\n")
		}
		return false
	}
	return true
}

func (c *Console) endOfInput(err error) {
	code := 0
	if !errors.Is(err, io.EOF) {
		c.log.Warn("console read failed", "err", err)
		code = 1
	} else if !c.opts.Interactive && c.engine.Errored() {
		code = 1
	}
	c.log.Debug("console end of input", "code", code)
	if c.opts.Interactive {
		c.write(fmt.Sprintln())
	}
	c.engine.Exit(code)
}

package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/internal/version"
	"pkt.systems/senseng/schema"
)

// Engine is the engine surface slash commands act on.
type Engine interface {
	ID() schema.EngineID
	Input(ctx context.Context, raw string, overwriteLast bool) error
	Interrupt(ctx context.Context) error
	Exit(code int)
	Help(text string)
	State() schema.EngineState
	Cell() int
	Pending() int
}

// Action tells the front-end what to do after a command ran.
type Action int

const (
	// ActionNone means the command is complete.
	ActionNone Action = iota
	// ActionPaste asks the front-end to collect a multi-line block.
	ActionPaste
	// ActionExit means the engine was asked to exit.
	ActionExit
)

// HelpText lists the slash commands.
const HelpText = `/help             show this help
/interrupt        interrupt the running execution and clear the queue
/redo <code>      replace the output of the previous input with <code>
/paste            enter paste mode; a blank line submits the block
/status           show engine state
/version          show the senseng version
/exit [code]      exit the session`

// HandlerConfig configures slash command behavior.
type HandlerConfig struct {
	// DisableAuditLogging suppresses the debug audit entry for each command.
	DisableAuditLogging bool
}

// Handler routes slash commands to engine operations.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler constructs a command handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// Handle runs input as a slash command. handled is false when input is not a
// command and should be submitted as code.
func (h *Handler) Handle(ctx context.Context, engine Engine, sessionID schema.SessionID, input string) (bool, Action, error) {
	if ctx == nil {
		return false, ActionNone, errors.New("missing context")
	}
	cmd, ok := Parse(input)
	if !ok {
		return false, ActionNone, nil
	}
	log := logx.WithEngineSession(ctx, engine.ID(), sessionID)
	if !h.cfg.DisableAuditLogging {
		log.Debug("audit command", "command_type", "slash", "command", strings.TrimSpace(input))
	}
	log = log.With("command", cmd.Name, "args", len(cmd.Args))
	log.Info("command slash request")
	switch cmd.Name {
	case "help", "?":
		engine.Help(HelpText)
		return true, ActionNone, nil
	case "interrupt":
		return true, ActionNone, engine.Interrupt(ctx)
	case "redo":
		if err := engine.Input(ctx, cmd.Remainder, true); err != nil {
			log.Warn("command redo failed", "err", err)
			return true, ActionNone, err
		}
		return true, ActionNone, nil
	case "paste":
		return true, ActionPaste, nil
	case "status":
		engine.Help(fmt.Sprintf("engine %s: %s, cell %d, %d pending", engine.ID(), engine.State(), engine.Cell(), engine.Pending()))
		return true, ActionNone, nil
	case "version":
		engine.Help(version.Describe().String())
		return true, ActionNone, nil
	case "exit", "quit":
		code := 0
		if len(cmd.Args) > 0 {
			parsed, err := strconv.Atoi(cmd.Args[0])
			if err != nil {
				log.Warn("command slash rejected", "reason", "exit code")
				return true, ActionNone, fmt.Errorf("invalid exit code %q", cmd.Args[0])
			}
			code = parsed
		}
		engine.Exit(code)
		return true, ActionExit, nil
	case "":
		log.Warn("command slash rejected", "reason", "empty")
		return true, ActionNone, errors.New("invalid command")
	default:
		log.Warn("command slash rejected", "reason", "unknown")
		return true, ActionNone, fmt.Errorf("unknown command: /%s (try /help)", cmd.Name)
	}
}

// IsPasteToggle reports whether line is the Ctrl-P paste toggle.
func IsPasteToggle(line string) bool {
	return strings.TrimRight(line, "\r\n") == "\x10"
}

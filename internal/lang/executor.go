package lang

import (
	"context"
	"fmt"
	"io"

	"pkt.systems/pslog"
	"pkt.systems/senseng/core"
	"pkt.systems/senseng/internal/calc"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// WorkerExecutor runs code chunks on a worker session and renders the replies.
type WorkerExecutor struct {
	Session worker.Session
	// Language labels code echoes.
	Language string
	Logger   pslog.Logger
}

// Execute implements core.Executor.
func (x WorkerExecutor) Execute(ctx context.Context, chunk schema.Chunk, out core.Output) error {
	switch chunk.Kind {
	case schema.ChunkComment:
		out.Comment(chunk.Value)
		return nil
	case schema.ChunkBlockComment:
		out.Markdown(chunk.Value)
		return nil
	case schema.ChunkError:
		out.Error(chunk.Value, "")
		return nil
	}
	out.Code(chunk.Value, x.Language)
	msg, err := x.Session.Execute(ctx, chunk.Value, out.Text)
	if err != nil {
		return err
	}
	switch msg.Type {
	case worker.MessageResult:
		if msg.Suppressed() {
			x.logger().Trace("lang result suppressed", "chunk_line", chunk.Line)
			return nil
		}
		out.Text(msg.Value)
	case worker.MessageError:
		out.Error(msg.Value, "")
	case worker.MessageHTML:
		out.HTML(msg.Value)
	case worker.MessageWidget:
		out.Widget(msg.Value)
	default:
		return fmt.Errorf("%w: unexpected %q reply", schema.ErrInvalidMessage, msg.Type)
	}
	return nil
}

func (x WorkerExecutor) logger() pslog.Logger {
	if x.Logger == nil {
		return logx.Ctx(context.Background())
	}
	return x.Logger
}

// CalcEvaluator adapts the calc interpreter to the worker protocol.
type CalcEvaluator struct {
	*calc.Evaluator
}

// NewCalcEvaluator returns an evaluator with an empty scope.
func NewCalcEvaluator() CalcEvaluator {
	return CalcEvaluator{Evaluator: calc.New()}
}

// Evaluate implements worker.Evaluator.
func (c CalcEvaluator) Evaluate(ctx context.Context, code string, text io.Writer) (worker.Message, error) {
	res, err := c.Eval(ctx, code, text)
	if err != nil {
		return worker.Message{}, err
	}
	return worker.Message{Type: worker.MessageType(res.Kind), Value: res.Value}, nil
}

// EchoExecutor echoes each chunk as code and as text.
type EchoExecutor struct{}

// Execute implements core.Executor.
func (EchoExecutor) Execute(_ context.Context, chunk schema.Chunk, out core.Output) error {
	out.Code(chunk.Value, "text/plain")
	out.Text(chunk.Value)
	return nil
}

// EchoCompleter offers the prefix itself as the only candidate.
type EchoCompleter struct{}

// Complete implements core.Completer.
func (EchoCompleter) Complete(_ context.Context, prefix string) ([]string, error) {
	return []string{prefix}, nil
}

// EchoInterrupter ends the session on interrupt.
type EchoInterrupter struct {
	Host core.Host
}

// Interrupt implements core.Interrupter.
func (i EchoInterrupter) Interrupt(context.Context) error {
	i.Host.Text("Interrupt received.")
	i.Host.Exit(1)
	return nil
}

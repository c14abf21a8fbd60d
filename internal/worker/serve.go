package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// Serve runs the worker side of the JSONL protocol until in is exhausted or ctx
// ends. A value on interrupts cancels the running evaluation.
func Serve(ctx context.Context, in io.Reader, out io.Writer, ev Evaluator, interrupts <-chan os.Signal) error {
	log := pslog.Ctx(ctx)
	w := &lineWriter{w: out}
	if err := w.send(Message{Type: MessageReady}); err != nil {
		return err
	}
	reader := newLineReader(in)
	requests := make(chan Request)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		for {
			req, err := reader.nextRequest()
			if err != nil {
				var decodeErr *decodeError
				if errors.As(err, &decodeErr) {
					log.Warn("worker request decode failed", "preview", previewText(string(decodeErr.Line()), 200), "err", err)
					_ = w.send(Message{Type: MessageError, Value: err.Error()})
					continue
				}
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			log.Debug("worker interrupt while idle")
		case req, ok := <-requests:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if err := w.send(handle(ctx, req, w, ev, interrupts)); err != nil {
				return err
			}
		}
	}
}

func handle(ctx context.Context, req Request, w *lineWriter, ev Evaluator, interrupts <-chan os.Signal) Message {
	log := pslog.Ctx(ctx)
	switch req.Type {
	case RequestComplete:
		return Message{Type: MessageCompletions, Candidates: ev.Complete(req.Prefix)}
	default:
		execCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-interrupts:
				log.Info("worker interrupt")
				cancel()
			case <-execCtx.Done():
			}
		}()
		text := TextFunc(func(s string) {
			if err := w.send(Message{Type: MessageText, Value: s}); err != nil {
				log.Warn("worker text send failed", "err", err)
			}
		})
		log.Trace("worker exec start", "code_len", len(req.Code), "preview", previewText(strings.TrimSpace(req.Code), 80))
		msg, err := ev.Evaluate(execCtx, req.Code, text)
		if err != nil {
			return Message{Type: MessageError, Value: err.Error()}
		}
		return msg
	}
}

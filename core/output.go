package core

import (
	"strings"
	"time"

	"pkt.systems/senseng/internal/markdown"
	"pkt.systems/senseng/schema"
)

// Output is the sink executors write to. Text is coalesced into the current
// cell; every other call claims a new cell.
type Output interface {
	Text(s string)
	Code(code, language string)
	HTML(html string)
	Widget(data string)
	Grid(grid schema.GridData)
	Image(mime, data string)
	Comment(text string)
	Help(text string)
	Markdown(src string)
	Warning(text string)
	Error(message, details string)
	Prompt(text string)
}

// textBuffer holds pending text for the current cell. gen changes on every
// flush so a debounce timer armed before the flush can tell it is stale.
type textBuffer struct {
	buf   strings.Builder
	gen   uint64
	timer *time.Timer
}

// outputWriter routes output into the engine. op is nil for output written by
// the engine itself or by the backend outside an execution.
type outputWriter struct {
	e  *Engine
	op *operation
}

func (w outputWriter) Text(s string) {
	if s == "" {
		return
	}
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.dropped() {
		return
	}
	e.appendTextLocked(s)
}

func (w outputWriter) Code(code, language string) {
	w.emit(schema.OutputCode, schema.CodeData{Code: code, Language: language})
}

func (w outputWriter) HTML(html string) { w.emit(schema.OutputHTML, html) }

func (w outputWriter) Widget(data string) { w.emit(schema.OutputWidget, data) }

func (w outputWriter) Grid(grid schema.GridData) { w.emit(schema.OutputGrid, grid) }

func (w outputWriter) Image(mime, data string) {
	w.emit(schema.OutputImage, schema.ImageData{MIME: mime, Data: data})
}

func (w outputWriter) Comment(text string) { w.emit(schema.OutputComment, text) }

func (w outputWriter) Help(text string) { w.emit(schema.OutputHelp, text) }

func (w outputWriter) Markdown(src string) {
	w.emit(schema.OutputMarkdown, schema.MarkdownData{Markdown: src, HTML: markdown.RenderHTML(src)})
}

func (w outputWriter) Warning(text string) { w.emit(schema.OutputWarning, text) }

func (w outputWriter) Error(message, details string) {
	w.emit(schema.OutputError, schema.ErrorData{Message: message, Details: details})
}

func (w outputWriter) Prompt(text string) { w.emit(schema.OutputPrompt, text) }

func (w outputWriter) emit(outputType schema.OutputType, data any) {
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.dropped() {
		return
	}
	e.emitLocked(outputType, data)
}

// dropped reports whether output from an abandoned operation must be discarded.
func (w outputWriter) dropped() bool {
	if w.op == nil || !w.op.abandoned {
		return false
	}
	w.e.log.Debug("engine output dropped", "op", w.op.id)
	return true
}

func (e *Engine) appendTextLocked(s string) {
	if e.state == schema.StateExited {
		return
	}
	e.text.buf.WriteString(s)
	if e.text.timer != nil {
		e.text.timer.Stop()
	}
	gen := e.text.gen
	e.text.timer = time.AfterFunc(e.cfg.FlushDelay, func() {
		e.flushTimer(gen)
	})
}

func (e *Engine) flushTimer(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.text.gen {
		e.log.Trace("engine text flush stale", "gen", gen, "current", e.text.gen)
		return
	}
	e.flushLocked()
}

// flushLocked turns pending text into one text event for the current cell.
// It is a no-op when nothing is pending.
func (e *Engine) flushLocked() {
	if e.text.timer != nil {
		e.text.timer.Stop()
		e.text.timer = nil
	}
	if e.text.buf.Len() == 0 {
		return
	}
	data := e.text.buf.String()
	e.text.buf.Reset()
	e.text.gen++
	e.publishOutputLocked(schema.OutputEvent{Type: schema.OutputText, Data: data, Cell: e.cell})
}

// emitLocked flushes text for the current cell, claims the next cell and emits.
func (e *Engine) emitLocked(outputType schema.OutputType, data any) {
	if e.state == schema.StateExited {
		return
	}
	e.flushLocked()
	e.cell++
	e.publishOutputLocked(schema.OutputEvent{Type: outputType, Data: data, Cell: e.cell})
	if outputType == schema.OutputError {
		e.errored = true
		if !e.cfg.KeepQueueOnError && len(e.queue) > 0 {
			e.log.Debug("engine queue cleared on error", "dropped", len(e.queue))
			e.queue = nil
			e.metrics.ObserveQueueDepth(0)
		}
	}
}

func (e *Engine) publishOutputLocked(event schema.OutputEvent) {
	e.metrics.ObserveOutput(event.Type)
	e.publishLocked(schema.EngineEvent{Type: schema.EventOutput, Output: &event, Cell: event.Cell})
}

func (e *Engine) publishLocked(event schema.EngineEvent) {
	if _, ok := e.bus.Publish(event); !ok {
		e.log.Trace("engine event after close", "type", event.Type)
	}
}

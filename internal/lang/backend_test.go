package lang

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/senseng/core"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/internal/workergrpc"
	"pkt.systems/senseng/schema"
)

const workerHelperEnv = "SENSENG_LANG_WORKER_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(workerHelperEnv) == "1" {
		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, NewCalcEvaluator(), interrupts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type session struct {
	t      *testing.T
	engine *core.Engine
	ch     <-chan schema.EngineEvent
}

func startSession(t *testing.T, cfg schema.EngineConfig, opts Options) *session {
	t.Helper()
	factory, err := NewBackendFactory(opts)
	if err != nil {
		t.Fatalf("backend factory: %v", err)
	}
	engine, err := core.NewEngine(cfg, core.EngineDeps{Backend: factory})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ch, cancel := engine.Subscribe(8192)
	t.Cleanup(cancel)
	t.Cleanup(func() { engine.Exit(0) })
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s := &session{t: t, engine: engine, ch: ch}
	s.until(schema.EventReady)
	return s
}

func (s *session) until(want schema.EngineEventType) []schema.EngineEvent {
	s.t.Helper()
	var events []schema.EngineEvent
	for {
		select {
		case event, ok := <-s.ch:
			if !ok {
				s.t.Fatalf("event stream closed before %s", want)
			}
			events = append(events, event)
			if event.Type == want {
				return events
			}
		case <-time.After(10 * time.Second):
			s.t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// run submits raw and returns the outputs produced until the engine is ready again.
func (s *session) run(raw string) []schema.OutputEvent {
	s.t.Helper()
	if err := s.engine.Input(context.Background(), raw, false); err != nil {
		s.t.Fatalf("input %q: %v", raw, err)
	}
	var outputs []schema.OutputEvent
	for _, event := range s.until(schema.EventReady) {
		if event.Type == schema.EventOutput {
			outputs = append(outputs, *event.Output)
		}
	}
	return outputs
}

func kinds(outputs []schema.OutputEvent) string {
	parts := make([]string, len(outputs))
	for i, output := range outputs {
		parts[i] = string(output.Type)
	}
	return strings.Join(parts, ",")
}

func calcSession(t *testing.T) *session {
	return startSession(t, schema.EngineConfig{}, Options{Language: schema.LanguageCalc})
}

func TestCalcAssignmentEmitsOnlyCode(t *testing.T) {
	s := calcSession(t)
	if got := kinds(s.run("a=0")); got != "code" {
		t.Fatalf("expected code only, got %s", got)
	}
	outputs := s.run("a")
	if kinds(outputs) != "code,text" || outputs[1].String() != "0" {
		t.Fatalf("expected code and text 0, got %+v", outputs)
	}
	code, ok := outputs[0].Data.(schema.CodeData)
	if !ok || code.Language != "calc" || code.Code != "a" {
		t.Fatalf("unexpected code echo: %+v", outputs[0].Data)
	}
}

func TestCalcUnknownReferenceIsError(t *testing.T) {
	s := calcSession(t)
	if got := kinds(s.run("b")); got != "code,error" {
		t.Fatalf("expected code,error, got %s", got)
	}
}

func TestCalcSyntaxErrorIsSingleError(t *testing.T) {
	s := calcSession(t)
	outputs := s.run("(")
	if kinds(outputs) != "error" {
		t.Fatalf("expected a single error, got %s", kinds(outputs))
	}
	if lines := strings.Split(outputs[0].String(), "\n"); len(lines) != 3 {
		t.Fatalf("expected 3 line message, got %q", outputs[0].String())
	}
}

func TestCalcBlockCommentIsMarkdown(t *testing.T) {
	s := calcSession(t)
	outputs := s.run("/*\nSome documentation.\n*/")
	if kinds(outputs) != "markdown" {
		t.Fatalf("expected markdown, got %s", kinds(outputs))
	}
	data, ok := outputs[0].Data.(schema.MarkdownData)
	if !ok || !strings.Contains(data.HTML, "Some documentation.") {
		t.Fatalf("unexpected markdown payload: %+v", outputs[0].Data)
	}
}

func TestCalcLineCommentsGroup(t *testing.T) {
	s := calcSession(t)
	outputs := s.run("//line1\n//line2\n\n//line3")
	if kinds(outputs) != "comment,comment" {
		t.Fatalf("expected two comments, got %s", kinds(outputs))
	}
}

func TestCalcMultiLineStatement(t *testing.T) {
	s := calcSession(t)
	outputs := s.run("(1 +\n  2)")
	if kinds(outputs) != "code,text" || outputs[1].String() != "3" {
		t.Fatalf("expected code and text 3, got %+v", outputs)
	}
}

func TestCalcErrorStopsRemainingStatements(t *testing.T) {
	s := calcSession(t)
	s.run("a=0")
	outputs := s.run("a\n\nb\na")
	if kinds(outputs) != "code,text,code,error" {
		t.Fatalf("expected code,text,code,error, got %s", kinds(outputs))
	}
}

func TestCalcPrintAndHTML(t *testing.T) {
	s := calcSession(t)
	outputs := s.run(`print "hello"`)
	if kinds(outputs) != "code,text" || outputs[1].String() != "hello\n" {
		t.Fatalf("unexpected print outputs: %+v", outputs)
	}
	outputs = s.run(`html "<b>x</b>"`)
	if kinds(outputs) != "code,html" || outputs[1].String() != "<b>x</b>" {
		t.Fatalf("unexpected html outputs: %+v", outputs)
	}
}

func TestCalcThousandResultsAlternate(t *testing.T) {
	s := calcSession(t)
	s.run("a=0")
	for i := 0; i < 1000; i++ {
		outputs := s.run("a")
		if kinds(outputs) != "code,text" {
			t.Fatalf("iteration %d: expected code,text, got %s", i, kinds(outputs))
		}
	}
}

func TestCalcThousandErrorsAlternate(t *testing.T) {
	s := calcSession(t)
	for i := 0; i < 1000; i++ {
		outputs := s.run("q")
		if kinds(outputs) != "code,error" {
			t.Fatalf("iteration %d: expected code,error, got %s", i, kinds(outputs))
		}
	}
}

func TestCalcCompletion(t *testing.T) {
	s := calcSession(t)
	s.run("alpha = 1")
	got, err := s.engine.Complete(context.Background(), "x + al")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	found := false
	for _, candidate := range got {
		if strings.HasSuffix(candidate, "alpha") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alpha among %v", got)
	}
}

func TestEchoEchoesWords(t *testing.T) {
	s := startSession(t, schema.EngineConfig{}, Options{Language: schema.LanguageEcho, EchoSplit: EchoWords})
	outputs := s.run("hello world")
	if kinds(outputs) != "code,text,code,text" {
		t.Fatalf("unexpected outputs: %s", kinds(outputs))
	}
	if outputs[1].String() != "hello" || outputs[3].String() != "world" {
		t.Fatalf("unexpected text: %+v", outputs)
	}
	if data := outputs[0].Data.(schema.CodeData); data.Language != "text/plain" {
		t.Fatalf("unexpected language: %q", data.Language)
	}
}

func TestEchoInterruptExits(t *testing.T) {
	s := startSession(t, schema.EngineConfig{}, Options{Language: schema.LanguageEcho})
	if err := s.engine.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	events := s.until(schema.EventExit)
	sawNotice := false
	for _, event := range events {
		if event.Type == schema.EventOutput && event.Output.String() == "Interrupt received." {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("expected interrupt notice in %+v", events)
	}
	if code, ok := s.engine.ExitCode(); !ok || code != 1 {
		t.Fatalf("expected exit code 1, got %d (%v)", code, ok)
	}
}

func TestEchoCompletesPrefix(t *testing.T) {
	s := startSession(t, schema.EngineConfig{}, Options{Language: schema.LanguageEcho})
	got, err := s.engine.Complete(context.Background(), "wor")
	if err != nil || len(got) != 1 || got[0] != "wor" {
		t.Fatalf("unexpected completion %v (%v)", got, err)
	}
}

func processOptions() Options {
	return Options{
		Language:   schema.LanguageCalc,
		WorkerMode: schema.WorkerProcess,
		Process: worker.ProcessConfig{
			Command: os.Args[0],
			Args:    []string{"-test.run=^$"},
			Env:     []string{workerHelperEnv + "=1"},
		},
	}
}

func TestProcessWorkerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a worker process")
	}
	s := startSession(t, schema.EngineConfig{}, processOptions())
	if got := kinds(s.run("a=0")); got != "code" {
		t.Fatalf("expected code only, got %s", got)
	}
	outputs := s.run("a\nprint \"hi\"")
	if kinds(outputs) != "code,text,code,text" || outputs[1].String() != "0" || outputs[3].String() != "hi\n" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
	if got := kinds(s.run("b")); got != "code,error" {
		t.Fatalf("expected code,error, got %s", got)
	}
}

func TestProcessWorkerInterrupt(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a worker process")
	}
	s := startSession(t, schema.EngineConfig{}, processOptions())
	if err := s.engine.Input(context.Background(), "sleep 60000", false); err != nil {
		t.Fatalf("input: %v", err)
	}
	s.until(schema.EventExecuting)
	time.Sleep(100 * time.Millisecond)
	if err := s.engine.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	var outputs []schema.OutputEvent
	for _, event := range s.until(schema.EventReady) {
		if event.Type == schema.EventOutput {
			outputs = append(outputs, *event.Output)
		}
	}
	if !strings.Contains(kinds(outputs), "error") {
		t.Fatalf("expected interrupted execution to report an error, got %s", kinds(outputs))
	}
}

func TestGRPCWorkerRoundTrip(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "calc.sock")
	server := workergrpc.NewServer(NewCalcEvaluator())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, socket)
	}()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	s := startSession(t, schema.EngineConfig{}, Options{
		Language:   schema.LanguageCalc,
		WorkerMode: schema.WorkerGRPC,
		GRPCTarget: socket,
	})
	s.run("a=0")
	outputs := s.run("a")
	if kinds(outputs) != "code,text" || outputs[1].String() != "0" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
}

func TestNewBackendFactoryValidates(t *testing.T) {
	if _, err := NewBackendFactory(Options{Language: "ruby"}); err == nil {
		t.Fatalf("expected unknown language to fail")
	}
	if _, err := NewBackendFactory(Options{Language: schema.LanguageCalc, WorkerMode: schema.WorkerProcess}); err == nil {
		t.Fatalf("expected process mode without a command to fail")
	}
	if _, err := NewBackendFactory(Options{Language: schema.LanguageCalc, WorkerMode: schema.WorkerGRPC}); err == nil {
		t.Fatalf("expected grpc mode without a target to fail")
	}
}

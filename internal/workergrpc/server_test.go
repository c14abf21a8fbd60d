package workergrpc

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// fakeEvaluator understands:
//
//	say X   writes X as text, result "done"
//	boom    fails
//	wait    blocks until cancelled
//	a=...   result "undefined"
type fakeEvaluator struct{}

func (fakeEvaluator) Evaluate(ctx context.Context, code string, text io.Writer) (worker.Message, error) {
	switch {
	case strings.HasPrefix(code, "say "):
		_, _ = io.WriteString(text, strings.TrimPrefix(code, "say "))
		return worker.Message{Type: worker.MessageResult, Value: "done"}, nil
	case code == "boom":
		return worker.Message{}, errors.New("boom")
	case code == "wait":
		<-ctx.Done()
		return worker.Message{}, errors.New("interrupted")
	case strings.Contains(code, "="):
		return worker.Message{Type: worker.MessageResult, Value: worker.UndefinedResult}, nil
	}
	return worker.Message{Type: worker.MessageResult, Value: code}, nil
}

func (fakeEvaluator) Complete(prefix string) []string {
	return []string{prefix + "1", prefix + "2"}
}

func startTestServer(t *testing.T, ev worker.Evaluator) *Client {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "worker.sock")
	server := NewServer(ev)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, socket)
	}()
	if err := waitForSocket(socket, 2*time.Second); err != nil {
		cancel()
		t.Fatalf("socket not ready: %v", err)
	}
	client, err := Dial(context.Background(), socket, nil)
	if err != nil {
		cancel()
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-errCh
	})
	return client
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("timeout waiting for socket")
}

func TestClientWaitReady(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestExecuteStreamsTextThenResult(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	var texts []string
	msg, err := client.Execute(context.Background(), "say hello", func(text string) {
		texts = append(texts, text)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(texts) != 1 || texts[0] != "hello" {
		t.Fatalf("unexpected texts: %v", texts)
	}
	if msg.Type != worker.MessageResult || msg.Value != "done" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
}

func TestExecuteKeepsUndefinedResult(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	msg, err := client.Execute(context.Background(), "a=1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !msg.Suppressed() {
		t.Fatalf("expected undefined result to survive the wire, got %+v", msg)
	}
}

func TestExecuteErrorBecomesErrorMessage(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	msg, err := client.Execute(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg.Type != worker.MessageError || msg.Value != "boom" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
}

func TestInterruptCancelsExecution(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	done := make(chan worker.Message, 1)
	go func() {
		msg, _ := client.Execute(context.Background(), "wait", nil)
		done <- msg
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-done:
			if msg.Type != worker.MessageError {
				t.Fatalf("expected error reply, got %+v", msg)
			}
			return
		case <-deadline:
			t.Fatalf("execution was not interrupted")
		case <-time.After(20 * time.Millisecond):
			if err := client.Interrupt(context.Background()); err != nil {
				t.Fatalf("Interrupt: %v", err)
			}
		}
	}
}

func TestSecondExecuteIsBusy(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = client.Execute(ctx, "wait", nil)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := client.Execute(context.Background(), "x", nil)
		if errors.Is(err, schema.ErrWorkerBusy) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected ErrWorkerBusy while an execution is running")
}

func TestComplete(t *testing.T) {
	client := startTestServer(t, fakeEvaluator{})
	got, err := client.Complete(context.Background(), "ab")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(got) != 2 || got[0] != "ab1" || got[1] != "ab2" {
		t.Fatalf("unexpected candidates: %v", got)
	}
}

func TestFromStructRejectsUnknownType(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"type": "bogus"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	if _, err := fromStruct(s); !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	s, _ = structpb.NewStruct(map[string]any{"type": "result"})
	if _, err := fromStruct(s); !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected missing value to be rejected, got %v", err)
	}
}

func TestSplitAddress(t *testing.T) {
	cases := map[string][2]string{
		"unix:///tmp/w.sock": {"unix", "/tmp/w.sock"},
		"unix:w.sock":        {"unix", "w.sock"},
		"/run/w.sock":        {"unix", "/run/w.sock"},
		"127.0.0.1:7070":     {"tcp", "127.0.0.1:7070"},
	}
	for in, want := range cases {
		network, address := splitAddress(in)
		if network != want[0] || address != want[1] {
			t.Fatalf("%s: expected %v, got %s %s", in, want, network, address)
		}
	}
}

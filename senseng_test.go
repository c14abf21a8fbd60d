package senseng

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/senseng/httpapi"
	"pkt.systems/senseng/internal/lang"
	"pkt.systems/senseng/internal/metrics"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/internal/workergrpc"
	"pkt.systems/senseng/schema"
)

func TestNewRequiresAService(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without services")
	}
}

func TestNewRejectsBatchAndUnknownLanguage(t *testing.T) {
	if _, err := New(ServerConfig{Engine: schema.EngineConfig{Batch: true}}, ServerDeps{}, WithHTTP()); err == nil {
		t.Fatalf("expected batch mode to be rejected")
	}
	cfg := ServerConfig{Language: lang.Options{Language: "cobol"}}
	if _, err := New(cfg, ServerDeps{}, WithHTTP()); err == nil {
		t.Fatalf("expected unknown language to be rejected")
	}
}

func TestGRPCWorkerServes(t *testing.T) {
	addr := "unix:" + filepath.Join(t.TempDir(), "worker.sock")
	srv, err := New(ServerConfig{GRPC: GRPCConfig{Addr: addr}}, ServerDeps{}, WithGRPCWorker())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	client, err := workergrpc.Dial(ctx, addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	msg, err := client.Execute(ctx, "1 + 1", func(string) {})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if msg.Type != worker.MessageResult || msg.Value != "2" {
		t.Fatalf("unexpected reply %+v", msg)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestHTTPEngineTranscriptSavedOnStop(t *testing.T) {
	dir := t.TempDir()
	cfg := ServerConfig{
		Language:      lang.Options{Language: schema.LanguageEcho},
		HTTP:          httpapi.Config{Addr: "127.0.0.1:0"},
		TranscriptDir: dir,
	}
	srv, err := New(cfg, ServerDeps{Metrics: metrics.New()}, WithHTTP())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
		if len(matches) == 1 {
			data, err := os.ReadFile(matches[0])
			if err != nil || len(data) == 0 {
				t.Fatalf("read transcript: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one saved transcript, got %v", matches)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

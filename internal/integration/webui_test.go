package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"pkt.systems/senseng/httpapi"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/lang"
	"pkt.systems/senseng/internal/metrics"
	"pkt.systems/senseng/internal/transcript"
	"pkt.systems/senseng/schema"
)

func newWebServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, _ := startEngine(t, lang.Options{Language: schema.LanguageCalc})
	hub := httpapi.NewHub(engine.ID(), 500)
	tr := transcript.New(engine.ID(), schema.LanguageCalc)
	engine.On(hub.OnEvent)
	engine.On(tr.Apply)
	m := metrics.New()
	srv := httpapi.NewServer(httpapi.Config{}, httpapi.ServerDeps{
		Engine:     engine,
		Commands:   command.NewHandler(command.HandlerConfig{}),
		Hub:        hub,
		Transcript: tr,
		Language:   schema.LanguageCalc,
		Metrics:    m.Handler(),
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestWebUI(t *testing.T) {
	requireLong(t)
	server := newWebServer(t)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := chromedp.Run(ctx); err != nil {
		t.Skipf("chromedp failed to start: %v", err)
	}

	var completions string
	var outputAfterRedo string
	err := chromedp.Run(ctx,
		chromedp.Navigate(server.URL),
		chromedp.WaitVisible(`#input`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#state", "ready", 10*time.Second)
		}),
		chromedp.SetValue(`#input`, "answer = 6 * 7\nanswer", chromedp.ByID),
		chromedp.Click(`#run`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#output", "42", 10*time.Second)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#state", "ready", 10*time.Second)
		}),
		// Redo replaces the cells of the previous input.
		chromedp.SetValue(`#input`, "answer + 1", chromedp.ByID),
		chromedp.Click(`#redo`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#output", "43", 10*time.Second)
		}),
		chromedp.Text(`#output`, &outputAfterRedo, chromedp.ByID),
		chromedp.SetValue(`#input`, "ans", chromedp.ByID),
		chromedp.Focus(`#input`, chromedp.ByID),
		chromedp.KeyEvent("\t"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#completions", "answer", 5*time.Second)
		}),
		chromedp.Text(`#completions`, &completions, chromedp.ByID),
		chromedp.SetValue(`#input`, "sleep 60000", chromedp.ByID),
		chromedp.Click(`#run`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#state", "executing", 10*time.Second)
		}),
		chromedp.Click(`#interrupt`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForText(ctx, "#output", "interrupted", 10*time.Second)
		}),
	)
	if err != nil {
		t.Fatalf("chromedp run: %v", err)
	}
	if strings.Contains(outputAfterRedo, "42") {
		t.Fatalf("expected redo to erase the previous cells, got %q", outputAfterRedo)
	}
	if !strings.Contains(completions, "answer") {
		t.Fatalf("expected completion candidates, got %q", completions)
	}
}

func waitForText(ctx context.Context, selector, needle string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		var text string
		if err := chromedp.Text(selector, &text, chromedp.ByQuery).Do(ctx); err == nil {
			last = text
			if strings.Contains(text, needle) {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s to include %q (last=%q)", selector, needle, last)
}

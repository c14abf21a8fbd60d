package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"pkt.systems/senseng/schema"
)

func TestObserveExecutionLabelsResult(t *testing.T) {
	m := New()
	m.ObserveExecution(schema.LanguageCalc, time.Millisecond, nil)
	m.ObserveExecution(schema.LanguageCalc, time.Millisecond, errors.New("boom"))
	m.ObserveExecution(schema.LanguageCalc, time.Second, schema.ErrExecutionTimeout)

	for _, result := range []string{"ok", "error", "timeout"} {
		if got := testutil.ToFloat64(m.executions.WithLabelValues("calc", result)); got != 1 {
			t.Fatalf("expected one %s execution, got %v", result, got)
		}
	}
}

func TestObserveOutputAndErase(t *testing.T) {
	m := New()
	m.ObserveOutput(schema.OutputCode)
	m.ObserveOutput(schema.OutputCode)
	m.ObserveErase(3)
	m.ObserveQueueDepth(7)

	if got := testutil.ToFloat64(m.outputs.WithLabelValues("code")); got != 2 {
		t.Fatalf("expected 2 code outputs, got %v", got)
	}
	if got := testutil.ToFloat64(m.erased); got != 3 {
		t.Fatalf("expected 3 erased cells, got %v", got)
	}
	if got := testutil.ToFloat64(m.queue); got != 7 {
		t.Fatalf("expected queue depth 7, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "senseng_sessions 1") {
		t.Fatalf("expected session gauge in exposition, got %s", body)
	}
}

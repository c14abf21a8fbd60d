package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"testing"
	"time"
)

const helperEnv = "SENSENG_WORKER_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		if err := Serve(context.Background(), os.Stdin, os.Stdout, fakeEvaluator{exit: true}, interrupts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeEvaluator understands a handful of commands:
//
//	a=...    assignment, result "undefined"
//	say X    writes X as text, result "done"
//	boom     fails
//	wait     blocks until interrupted
//	html X   html reply
//	slow N   result "slow" after N milliseconds
//	warn X   writes X and a newline to stderr (helper only)
//	warnpart X  writes X to stderr without a newline (helper only)
//	exit N   exits the process (helper only)
type fakeEvaluator struct {
	exit bool
}

func (f fakeEvaluator) Evaluate(ctx context.Context, code string, text io.Writer) (Message, error) {
	switch {
	case strings.Contains(code, "="):
		return Message{Type: MessageResult, Value: UndefinedResult}, nil
	case strings.HasPrefix(code, "say "):
		_, _ = io.WriteString(text, strings.TrimPrefix(code, "say "))
		return Message{Type: MessageResult, Value: "done"}, nil
	case code == "boom":
		return Message{}, errors.New("boom")
	case code == "wait":
		<-ctx.Done()
		return Message{}, errors.New("interrupted")
	case strings.HasPrefix(code, "html "):
		return Message{Type: MessageHTML, Value: strings.TrimPrefix(code, "html ")}, nil
	case strings.HasPrefix(code, "slow "):
		ms, _ := strconv.Atoi(strings.TrimPrefix(code, "slow "))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return Message{Type: MessageResult, Value: "slow"}, nil
		case <-ctx.Done():
			return Message{}, errors.New("interrupted")
		}
	case f.exit && strings.HasPrefix(code, "warn "):
		fmt.Fprintln(os.Stderr, strings.TrimPrefix(code, "warn "))
		return Message{Type: MessageResult, Value: "warned"}, nil
	case f.exit && strings.HasPrefix(code, "warnpart "):
		fmt.Fprint(os.Stderr, strings.TrimPrefix(code, "warnpart "))
		return Message{Type: MessageResult, Value: "warned"}, nil
	case f.exit && strings.HasPrefix(code, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(code, "exit "))
		os.Exit(n)
	}
	return Message{Type: MessageResult, Value: code}, nil
}

func (fakeEvaluator) Complete(prefix string) []string {
	return []string{prefix + "1", prefix + "2"}
}

var _ Evaluator = fakeEvaluator{}

func helperConfig(t *testing.T) ProcessConfig {
	t.Helper()
	return ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=1"},
	}
}

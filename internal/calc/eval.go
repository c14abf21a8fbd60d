package calc

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/parser"
)

// Undefined is the result of statements without a meaningful value.
const Undefined = "undefined"

// ResultKind classifies the reply of a statement.
type ResultKind string

const (
	ResultValue  ResultKind = "result"
	ResultHTML   ResultKind = "html"
	ResultWidget ResultKind = "widget"
)

// Result is the reply of one statement.
type Result struct {
	Kind  ResultKind
	Value string
}

const outField = "$out"

// Evaluator evaluates calc statements against a persistent variable scope.
// Values are CUE; references resolve through CUE fields.
type Evaluator struct {
	mu    sync.Mutex
	cue   *cue.Context
	vars  map[string]string
	order []string
}

// New constructs an Evaluator with an empty scope.
func New() *Evaluator {
	return &Evaluator{
		cue:  cuecontext.New(),
		vars: make(map[string]string),
	}
}

// Eval runs one statement. Text produced by print goes to stdout.
func (e *Evaluator) Eval(ctx context.Context, src string, stdout io.Writer) (Result, error) {
	stmt, err := ParseStatement(src)
	if err != nil {
		return Result{}, err
	}
	if stmt.Kind == StatementSleep {
		return e.sleep(ctx, stmt.Expr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	value, err := e.evalLocked(stmt.Expr)
	if err != nil {
		return Result{}, err
	}
	switch stmt.Kind {
	case StatementAssign:
		source, err := formatValue(value)
		if err != nil {
			return Result{}, err
		}
		if _, ok := e.vars[stmt.Name]; !ok {
			e.order = append(e.order, stmt.Name)
		}
		e.vars[stmt.Name] = source
		return Result{Kind: ResultValue, Value: Undefined}, nil
	case StatementPrint:
		text, err := plainText(value)
		if err != nil {
			return Result{}, err
		}
		if stdout != nil {
			if _, err := io.WriteString(stdout, text+"\n"); err != nil {
				return Result{}, err
			}
		}
		return Result{Kind: ResultValue, Value: Undefined}, nil
	case StatementHTML:
		if value.Kind() != cue.StringKind {
			return Result{}, fmt.Errorf("html expects a string, got %s", value.Kind())
		}
		html, err := value.String()
		if err != nil {
			return Result{}, describe(err)
		}
		return Result{Kind: ResultHTML, Value: html}, nil
	case StatementWidget:
		data, err := value.MarshalJSON()
		if err != nil {
			return Result{}, describe(err)
		}
		return Result{Kind: ResultWidget, Value: string(data)}, nil
	default:
		source, err := formatValue(value)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultValue, Value: source}, nil
	}
}

// evalLocked binds expr to the result field next to the scope. The expression
// is re-emitted from its syntax tree so trailing comments cannot swallow the
// closing parenthesis.
func (e *Evaluator) evalLocked(expr string) (cue.Value, error) {
	node, err := parser.ParseExpr("input", expr)
	if err != nil {
		return cue.Value{}, describe(err)
	}
	source, err := format.Node(node)
	if err != nil {
		return cue.Value{}, fmt.Errorf("format expression: %w", err)
	}
	var b strings.Builder
	for _, name := range e.order {
		fmt.Fprintf(&b, "%s: %s\n", name, e.vars[name])
	}
	fmt.Fprintf(&b, "%q: (%s)\n", outField, strings.TrimSpace(string(source)))
	root := e.cue.CompileString(b.String(), cue.Filename("input"))
	if err := root.Err(); err != nil {
		return cue.Value{}, describe(err)
	}
	value := root.LookupPath(cue.MakePath(cue.Str(outField)))
	if err := value.Err(); err != nil {
		return cue.Value{}, describe(err)
	}
	if err := value.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return cue.Value{}, describe(err)
	}
	return value, nil
}

func (e *Evaluator) sleep(ctx context.Context, expr string) (Result, error) {
	e.mu.Lock()
	value, err := e.evalLocked(expr)
	e.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	ms, err := value.Int64()
	if err != nil {
		return Result{}, fmt.Errorf("sleep expects milliseconds: %w", describe(err))
	}
	if ms < 0 {
		return Result{}, fmt.Errorf("sleep expects a non-negative duration, got %d", ms)
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Result{Kind: ResultValue, Value: Undefined}, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("interrupted: %w", ctx.Err())
	}
}

// Names returns the bound variable names in sorted order.
func (e *Evaluator) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := append([]string(nil), e.order...)
	sort.Strings(names)
	return names
}

// Reset clears the variable scope.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars = make(map[string]string)
	e.order = nil
}

func formatValue(value cue.Value) (string, error) {
	node := value.Syntax(cue.Final(), cue.Concrete(true))
	out, err := format.Node(node)
	if err != nil {
		return "", fmt.Errorf("format value: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func plainText(value cue.Value) (string, error) {
	if value.Kind() == cue.StringKind {
		text, err := value.String()
		if err != nil {
			return "", describe(err)
		}
		return text, nil
	}
	return formatValue(value)
}

// describe reduces a CUE error to its first message without generated positions.
func describe(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err
	}
	format, args := list[0].Msg()
	msg := fmt.Sprintf(format, args...)
	msg = strings.TrimPrefix(msg, fmt.Sprintf("%q: ", outField))
	return &EvalError{Msg: msg}
}

// EvalError is an evaluation failure.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string {
	return e.Msg
}

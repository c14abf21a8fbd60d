package calc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"
)

// StatementKind identifies the form of a statement.
type StatementKind string

const (
	// StatementExpr is a bare expression; its value is the result.
	StatementExpr StatementKind = "expr"
	// StatementAssign binds a name; the result is "undefined".
	StatementAssign StatementKind = "assign"
	// StatementPrint writes the value to the text stream.
	StatementPrint StatementKind = "print"
	// StatementHTML replies with an html message; the value must be a string.
	StatementHTML StatementKind = "html"
	// StatementWidget replies with a widget message holding the value as JSON.
	StatementWidget StatementKind = "widget"
	// StatementSleep waits for the given number of milliseconds.
	StatementSleep StatementKind = "sleep"
)

// Statement is one parsed calc statement.
type Statement struct {
	Kind StatementKind
	Name string
	Expr string
	// Offset is the byte offset of Expr in the statement source.
	Offset int
}

// SyntaxError reports a parse failure. Line and Column are 1-based and relative
// to the statement source.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

var (
	assignPattern  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)[ \t]*=`)
	keywordPattern = regexp.MustCompile(`^(print|html|widget|sleep)[ \t]+`)
)

// reserved names cannot be assigned; they are keywords or predeclared in CUE.
var reserved = map[string]struct{}{
	"print": {}, "html": {}, "widget": {}, "sleep": {},
	"true": {}, "false": {}, "null": {}, "if": {}, "for": {}, "in": {}, "let": {},
	"import": {}, "package": {}, "len": {}, "close": {}, "and": {}, "or": {},
	"div": {}, "mod": {}, "quo": {}, "rem": {}, "bool": {}, "int": {}, "float": {},
	"string": {}, "bytes": {}, "number": {}, "top": {}, "_": {},
}

// ParseStatement splits src into its statement form and checks the expression syntax.
func ParseStatement(src string) (Statement, error) {
	start := len(src) - len(strings.TrimLeft(src, " \t\r\n"))
	body := strings.TrimRight(src[start:], " \t\r\n")
	if body == "" {
		return Statement{}, &SyntaxError{Line: 1, Column: 1, Msg: "empty statement"}
	}
	stmt := Statement{Kind: StatementExpr, Expr: body, Offset: start}
	if m := assignPattern.FindStringSubmatchIndex(body); m != nil && !strings.HasPrefix(body[m[1]:], "=") {
		name := body[m[2]:m[3]]
		if _, ok := reserved[name]; ok {
			return Statement{}, syntaxAt(src, start, fmt.Sprintf("cannot assign to reserved name %q", name))
		}
		stmt = Statement{Kind: StatementAssign, Name: name, Expr: body[m[1]:], Offset: start + m[1]}
	} else if m := keywordPattern.FindStringSubmatchIndex(body); m != nil {
		stmt = Statement{Kind: StatementKind(body[m[2]:m[3]]), Expr: body[m[1]:], Offset: start + m[1]}
	}
	lead := len(stmt.Expr) - len(strings.TrimLeft(stmt.Expr, " \t\r\n"))
	stmt.Offset += lead
	stmt.Expr = stmt.Expr[lead:]
	if stmt.Expr == "" {
		return Statement{}, syntaxAt(src, stmt.Offset, "missing expression")
	}
	if _, err := parser.ParseExpr("input", stmt.Expr); err != nil {
		return Statement{}, exprSyntaxError(src, stmt.Offset, err)
	}
	return stmt, nil
}

// CheckSyntax reports the first syntax error in a statement, if any.
func CheckSyntax(src string) error {
	_, err := ParseStatement(src)
	return err
}

func exprSyntaxError(src string, offset int, err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return syntaxAt(src, offset, err.Error())
	}
	first := list[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	pos := first.Position()
	if !pos.IsValid() {
		return syntaxAt(src, offset, msg)
	}
	prefix := src[:offset]
	prefixLines := strings.Count(prefix, "\n")
	if pos.Line() <= 1 {
		lineStart := strings.LastIndex(prefix, "\n") + 1
		return &SyntaxError{Line: prefixLines + 1, Column: offset - lineStart + pos.Column(), Msg: msg}
	}
	return &SyntaxError{Line: prefixLines + pos.Line(), Column: pos.Column(), Msg: msg}
}

func syntaxAt(src string, offset int, msg string) *SyntaxError {
	if offset > len(src) {
		offset = len(src)
	}
	prefix := src[:offset]
	lineStart := strings.LastIndex(prefix, "\n") + 1
	return &SyntaxError{Line: strings.Count(prefix, "\n") + 1, Column: offset - lineStart + 1, Msg: msg}
}

// AsSyntaxError unwraps a *SyntaxError.
func AsSyntaxError(err error) (*SyntaxError, bool) {
	var syntaxErr *SyntaxError
	ok := errors.As(err, &syntaxErr)
	return syntaxErr, ok
}

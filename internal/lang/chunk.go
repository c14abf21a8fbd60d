package lang

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/senseng/internal/calc"
	"pkt.systems/senseng/schema"
)

// SyntaxSource names the input in syntax error headers.
const SyntaxSource = "input"

// FormatSyntaxError renders a three line syntax error: a header with the
// 1-based position, the offending source line and a caret under the column.
func FormatSyntaxError(src string, line, column int, msg string) string {
	lines := strings.Split(src, "\n")
	text := ""
	if line >= 1 && line <= len(lines) {
		text = lines[line-1]
	}
	if column < 1 {
		column = 1
	}
	return fmt.Sprintf("%s:%d:%d: %s\n%s\n%s^", SyntaxSource, line, column, msg, text, strings.Repeat(" ", column-1))
}

// CalcChunker groups calc input into statements and comments. Any syntax error
// turns the whole input into a single error chunk.
type CalcChunker struct{}

// Chunk implements core.Chunker.
func (CalcChunker) Chunk(_ context.Context, raw string) ([]schema.Chunk, error) {
	src := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(src, "\n")
	var chunks []schema.Chunk
	for i := 0; i < len(lines); {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case trimmed == "":
			i++
		case strings.HasPrefix(trimmed, "//"):
			start := i
			var text []string
			for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), "//") {
				comment := strings.TrimPrefix(strings.TrimSpace(lines[i]), "//")
				text = append(text, strings.TrimPrefix(comment, " "))
				i++
			}
			chunks = append(chunks, schema.Chunk{Kind: schema.ChunkComment, Value: strings.Join(text, "\n"), Line: start + 1})
		case strings.HasPrefix(trimmed, "/*"):
			chunk, next, err := blockComment(lines, i)
			if err != nil {
				return []schema.Chunk{syntaxChunk(src, err)}, nil
			}
			chunks = append(chunks, chunk)
			i = next
		default:
			start := i
			i = statementEnd(lines, i)
			stmt := strings.Join(lines[start:i], "\n")
			if err := calc.CheckSyntax(stmt); err != nil {
				syntaxErr, ok := calc.AsSyntaxError(err)
				if !ok {
					return nil, err
				}
				return []schema.Chunk{syntaxChunk(src, &calc.SyntaxError{
					Line:   start + syntaxErr.Line,
					Column: syntaxErr.Column,
					Msg:    syntaxErr.Msg,
				})}, nil
			}
			chunks = append(chunks, schema.Chunk{Kind: schema.ChunkCode, Value: stmt, Line: start + 1})
		}
	}
	return chunks, nil
}

func syntaxChunk(src string, err *calc.SyntaxError) schema.Chunk {
	return schema.Chunk{
		Kind:  schema.ChunkError,
		Value: FormatSyntaxError(src, err.Line, err.Column, err.Msg),
		Line:  err.Line,
	}
}

// blockComment reads a /* ... */ comment starting at lines[start]. Only blank
// text may follow the closing marker.
func blockComment(lines []string, start int) (schema.Chunk, int, *calc.SyntaxError) {
	first := lines[start]
	open := strings.Index(first, "/*")
	rest := first[open+2:]
	var body []string
	for i := start; i < len(lines); i++ {
		segment := rest
		if i > start {
			segment = lines[i]
		}
		end := strings.Index(segment, "*/")
		if end < 0 {
			body = append(body, segment)
			continue
		}
		body = append(body, segment[:end])
		if tail := strings.TrimSpace(segment[end+2:]); tail != "" {
			column := len(segment) - len(strings.TrimLeft(segment[end+2:], " \t")) + 1
			if i == start {
				column += open + 2
			}
			return schema.Chunk{}, 0, &calc.SyntaxError{Line: i + 1, Column: column, Msg: "unexpected text after block comment"}
		}
		return schema.Chunk{Kind: schema.ChunkBlockComment, Value: dedent(body), Line: start + 1}, i + 1, nil
	}
	return schema.Chunk{}, 0, &calc.SyntaxError{Line: start + 1, Column: open + 1, Msg: "unterminated block comment"}
}

// statementEnd returns the index after the last line of the statement starting
// at lines[start]. A statement continues while brackets are open or while the
// next line is indented.
func statementEnd(lines []string, start int) int {
	depth := 0
	i := start
	for i < len(lines) {
		depth += bracketDelta(lines[i])
		if depth < 0 {
			depth = 0
		}
		i++
		if i >= len(lines) {
			break
		}
		next := lines[i]
		if depth > 0 {
			continue
		}
		if strings.TrimSpace(next) != "" && (strings.HasPrefix(next, " ") || strings.HasPrefix(next, "\t")) {
			continue
		}
		break
	}
	return i
}

func bracketDelta(line string) int {
	delta := 0
	inString := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '(', '[', '{':
			delta++
		case ')', ']', '}':
			delta--
		}
	}
	return delta
}

func dedent(lines []string) string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	indent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		if len(line) >= indent && indent > 0 {
			line = line[indent:]
		}
		out[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(out, "\n")
}

// EchoSplit selects how the echo language chunks input.
type EchoSplit string

const (
	EchoLines EchoSplit = "lines"
	EchoWords EchoSplit = "words"
)

// EchoChunker splits input by lines or words.
type EchoChunker struct {
	Split EchoSplit
}

// Chunk implements core.Chunker.
func (c EchoChunker) Chunk(_ context.Context, raw string) ([]schema.Chunk, error) {
	var parts []string
	if c.Split == EchoWords {
		parts = strings.Fields(raw)
	} else {
		for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
			if strings.TrimSpace(line) != "" {
				parts = append(parts, line)
			}
		}
	}
	chunks := make([]schema.Chunk, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, schema.CodeChunk(part))
	}
	return chunks, nil
}

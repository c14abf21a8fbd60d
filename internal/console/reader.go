package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// ErrAborted is returned by a LineReader when the user pressed Ctrl-C at the prompt.
var ErrAborted = errors.New("prompt aborted")

// LineReader reads one line of input.
type LineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// CompleteFunc returns completion candidates for the input before the cursor.
type CompleteFunc func(ctx context.Context, prefix string) ([]string, error)

type linerReader struct {
	state       *liner.State
	historyPath string
}

// NewLinerReader returns a line editor with history and tab completion. History
// is loaded from and saved to historyPath when it is set.
func NewLinerReader(ctx context.Context, complete CompleteFunc, historyPath string) LineReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetTabCompletionStyle(liner.TabPrints)
	if complete != nil {
		state.SetWordCompleter(func(line string, pos int) (string, []string, string) {
			return CompleteWord(ctx, complete, line, pos)
		})
	}
	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}
	return &linerReader{state: state, historyPath: historyPath}
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", ErrAborted
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

func (r *linerReader) Close() error {
	if r.historyPath != "" {
		if f, err := os.Create(r.historyPath); err == nil {
			_, _ = r.state.WriteHistory(f)
			_ = f.Close()
		}
	}
	return r.state.Close()
}

// CompleteWord splits the line at the trailing identifier and returns the
// candidates for it. Candidates that repeat the whole head are treated as
// full-line completions.
func CompleteWord(ctx context.Context, complete CompleteFunc, line string, pos int) (string, []string, string) {
	if pos > len(line) {
		pos = len(line)
	}
	prefix, tail := line[:pos], line[pos:]
	candidates, err := complete(ctx, prefix)
	if err != nil || len(candidates) == 0 {
		return prefix, nil, tail
	}
	word := trailingWord(prefix)
	head := prefix[:len(prefix)-len(word)]
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if head != "" && strings.HasPrefix(candidate, head) {
			candidate = strings.TrimPrefix(candidate, head)
		}
		out = append(out, candidate)
	}
	return head, out, tail
}

func trailingWord(s string) string {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			i--
			continue
		}
		break
	}
	return s[i:]
}

type plainReader struct {
	r *bufio.Reader
}

// NewPlainReader reads lines from r without prompting, for piped input.
func NewPlainReader(r io.Reader) LineReader {
	return &plainReader{r: bufio.NewReader(r)}
}

func (p *plainReader) Prompt(string) (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *plainReader) Close() error { return nil }

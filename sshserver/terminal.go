package sshserver

import (
	"context"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"pkt.systems/senseng/internal/console"
)

const keyCtrlC = 0x03

// keyPump reads the session continuously so Ctrl-C is seen while the engine
// executes and nothing reads lines. Ctrl-C bytes are turned into interrupts.
type keyPump struct {
	data    chan []byte
	pending []byte
	err     error
}

func newKeyPump(src io.Reader, interrupts chan<- os.Signal) *keyPump {
	p := &keyPump{data: make(chan []byte, 64)}
	go func() {
		defer close(p.data)
		buf := make([]byte, 1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				chunk := make([]byte, 0, n)
				for _, b := range buf[:n] {
					if b == keyCtrlC {
						select {
						case interrupts <- os.Interrupt:
						default:
						}
						continue
					}
					chunk = append(chunk, b)
				}
				if len(chunk) > 0 {
					p.data <- chunk
				}
			}
			if err != nil {
				p.err = err
				return
			}
		}
	}()
	return p
}

func (p *keyPump) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		chunk, ok := <-p.data
		if !ok {
			if p.err == nil {
				return 0, io.EOF
			}
			return 0, p.err
		}
		p.pending = chunk
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

type termReader struct {
	term *term.Terminal
}

func (r termReader) Prompt(prompt string) (string, error) {
	r.term.SetPrompt(prompt)
	return r.term.ReadLine()
}

func (r termReader) Close() error { return nil }

// completer returns an x/term auto-complete callback. A single candidate is
// inserted; several extend the word to their common prefix.
func completer(ctx context.Context, complete console.CompleteFunc) func(string, int, rune) (string, int, bool) {
	return func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}
		head, candidates, tail := console.CompleteWord(ctx, complete, line, pos)
		if len(candidates) == 0 {
			return "", 0, false
		}
		word := commonPrefix(candidates)
		if word == "" {
			return "", 0, false
		}
		newLine := head + word + tail
		return newLine, len(head) + len(word), true
	}
}

func commonPrefix(values []string) string {
	prefix := values[0]
	for _, v := range values[1:] {
		for !strings.HasPrefix(v, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

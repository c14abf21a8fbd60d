package worker

import (
	"bufio"
	"bytes"
	"io"
)

type lineReader struct {
	reader *bufio.Reader
}

type decodeError struct {
	line []byte
	err  error
}

func (e *decodeError) Error() string {
	if e == nil || e.err == nil {
		return "worker decode error"
	}
	return e.err.Error()
}

func (e *decodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *decodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReader(r)}
}

// next returns the next non-blank line.
func (r *lineReader) next() ([]byte, error) {
	for {
		line, err := r.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return line, nil
	}
}

func (r *lineReader) nextMessage() (Message, error) {
	line, err := r.next()
	if err != nil {
		return Message{}, err
	}
	msg, decodeErr := DecodeMessage(line)
	if decodeErr != nil {
		return Message{}, &decodeError{line: append([]byte(nil), line...), err: decodeErr}
	}
	return msg, nil
}

func (r *lineReader) nextRequest() (Request, error) {
	line, err := r.next()
	if err != nil {
		return Request{}, err
	}
	req, decodeErr := DecodeRequest(line)
	if decodeErr != nil {
		return Request{}, &decodeError{line: append([]byte(nil), line...), err: decodeErr}
	}
	return req, nil
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}

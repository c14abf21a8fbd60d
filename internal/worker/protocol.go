package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"pkt.systems/senseng/schema"
)

// MessageType identifies a worker to engine message.
type MessageType string

const (
	MessageReady       MessageType = "ready"
	MessageResult      MessageType = "result"
	MessageError       MessageType = "error"
	MessageHTML        MessageType = "html"
	MessageWidget      MessageType = "widget"
	MessageText        MessageType = "text"
	MessageCompletions MessageType = "completions"
)

// UndefinedResult is the result value that produces no output.
const UndefinedResult = "undefined"

// Message is one worker to engine JSON line.
type Message struct {
	Type       MessageType `json:"type"`
	Value      string      `json:"value,omitempty"`
	Candidates []string    `json:"candidates,omitempty"`
}

// Terminal reports whether the message ends a request.
func (m Message) Terminal() bool {
	switch m.Type {
	case MessageResult, MessageError, MessageHTML, MessageWidget, MessageCompletions:
		return true
	default:
		return false
	}
}

// Suppressed reports whether a result carries the "undefined" sentinel.
func (m Message) Suppressed() bool {
	return m.Type == MessageResult && m.Value == UndefinedResult
}

// RequestType identifies an engine to worker request.
type RequestType string

const (
	RequestExecute  RequestType = "execute"
	RequestComplete RequestType = "complete"
)

// Request is one engine to worker JSON line.
type Request struct {
	Type   RequestType `json:"type"`
	Code   string      `json:"code,omitempty"`
	Prefix string      `json:"prefix,omitempty"`
}

type wireMessage struct {
	Type       MessageType `json:"type"`
	Value      *string     `json:"value,omitempty"`
	Candidates *[]string   `json:"candidates,omitempty"`
}

// MarshalJSON writes value for every type that requires one, even when empty.
func (m Message) MarshalJSON() ([]byte, error) {
	wire := wireMessage{Type: m.Type}
	switch m.Type {
	case MessageReady:
	case MessageCompletions:
		candidates := m.Candidates
		if candidates == nil {
			candidates = []string{}
		}
		wire.Candidates = &candidates
	default:
		value := m.Value
		wire.Value = &value
	}
	return json.Marshal(wire)
}

// DecodeMessage strictly decodes a worker message.
func DecodeMessage(line []byte) (Message, error) {
	var wire wireMessage
	if err := strictUnmarshal(line, &wire); err != nil {
		return Message{}, err
	}
	msg := Message{Type: wire.Type}
	switch wire.Type {
	case MessageReady:
	case MessageCompletions:
		if wire.Candidates == nil {
			return Message{}, fmt.Errorf("%w: completions without candidates", schema.ErrInvalidMessage)
		}
		msg.Candidates = *wire.Candidates
	case MessageResult, MessageError, MessageHTML, MessageWidget, MessageText:
		if wire.Value == nil {
			return Message{}, fmt.Errorf("%w: %s without value", schema.ErrInvalidMessage, wire.Type)
		}
		msg.Value = *wire.Value
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", schema.ErrInvalidMessage, wire.Type)
	}
	return msg, nil
}

// DecodeRequest strictly decodes an engine request.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := strictUnmarshal(line, &req); err != nil {
		return Request{}, err
	}
	switch req.Type {
	case RequestExecute, RequestComplete:
		return req, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown request %q", schema.ErrInvalidMessage, req.Type)
	}
}

func strictUnmarshal(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidMessage, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", schema.ErrInvalidMessage)
	}
	return nil
}

// lineWriter serializes JSON lines onto a writer.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lineWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(data)
	return err
}

// TextFunc adapts a text callback to io.Writer.
type TextFunc func(string)

func (f TextFunc) Write(p []byte) (int, error) {
	if f != nil && len(p) > 0 {
		f(string(p))
	}
	return len(p), nil
}

package worker

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/senseng/schema"
)

func TestDecodeMessageStrict(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		valid bool
	}{
		{"result", `{"type":"result","value":"1"}`, true},
		{"empty html", `{"type":"html","value":""}`, true},
		{"ready", `{"type":"ready"}`, true},
		{"completions", `{"type":"completions","candidates":[]}`, true},
		{"unknown type", `{"type":"bogus","value":"x"}`, false},
		{"missing value", `{"type":"text"}`, false},
		{"unknown field", `{"type":"text","value":"x","extra":1}`, false},
		{"missing candidates", `{"type":"completions"}`, false},
		{"not json", `hello`, false},
	}
	for _, tc := range cases {
		_, err := DecodeMessage([]byte(tc.line))
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, schema.ErrInvalidMessage) {
			t.Fatalf("case %q expected ErrInvalidMessage, got %v", tc.name, err)
		}
	}
}

func TestMessageMarshalKeepsEmptyValues(t *testing.T) {
	data, err := json.Marshal(Message{Type: MessageHTML})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"html","value":""}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
	data, err = json.Marshal(Message{Type: MessageCompletions})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"completions","candidates":[]}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
	msg, err := DecodeMessage(data)
	if err != nil || msg.Candidates == nil {
		t.Fatalf("expected completions to decode, got %+v (%v)", msg, err)
	}
}

func TestMessageSuppressedOnlyForUndefinedResult(t *testing.T) {
	if !(Message{Type: MessageResult, Value: "undefined"}).Suppressed() {
		t.Fatalf("expected undefined result to be suppressed")
	}
	if (Message{Type: MessageResult, Value: "Undefined"}).Suppressed() {
		t.Fatalf("expected exact string match")
	}
	if (Message{Type: MessageText, Value: "undefined"}).Suppressed() {
		t.Fatalf("expected text to never be suppressed")
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"execute","code":"1+1"}`))
	if err != nil || req.Code != "1+1" {
		t.Fatalf("unexpected request %+v (%v)", req, err)
	}
	if _, err := DecodeRequest([]byte(`{"type":"shutdown"}`)); !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

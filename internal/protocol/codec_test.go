package protocol

import (
	"strings"
	"testing"
)

func TestDecodeUnstructuredChunk(t *testing.T) {
	chunks := []string{
		"TypeError: undefined is not a function\n    at Object.<anonymous> (/hook.js:3:1)\n",
		"plain text",
		" {\"type\":\"log\"}",
		"\n\n",
	}

	d := NewDecoder("")
	for _, chunk := range chunks {
		msgs := d.Decode([]byte(chunk))
		if len(msgs) != 1 {
			t.Fatalf("Decode(%q) returned %d messages, want 1", chunk, len(msgs))
		}
		if msgs[0].Type != TypeError {
			t.Errorf("Decode(%q).Type = %q, want %q", chunk, msgs[0].Type, TypeError)
		}
		if msgs[0].ErrorText() != chunk {
			t.Errorf("Decode(%q) error text = %q, want full chunk", chunk, msgs[0].ErrorText())
		}
	}
}

func TestDecodeSystemPrefixDropped(t *testing.T) {
	d := NewDecoder("")

	if msgs := d.Decode([]byte(DefaultSystemPrefix)); len(msgs) != 0 {
		t.Fatalf("expected system prefix chunk to be dropped, got %d messages", len(msgs))
	}
	if msgs := d.Decode([]byte(DefaultSystemPrefix + "\n    throw err;\n")); len(msgs) != 0 {
		t.Fatalf("expected chunk led by system prefix to be dropped, got %d messages", len(msgs))
	}
}

func TestDecodeCustomSystemPrefix(t *testing.T) {
	d := NewDecoder("internal/modules/cjs/loader")

	if msgs := d.Decode([]byte("internal/modules/cjs/loader.js:905")); len(msgs) != 0 {
		t.Fatalf("expected custom prefix to be dropped, got %d", len(msgs))
	}
	msgs := d.Decode([]byte(DefaultSystemPrefix))
	if len(msgs) != 1 || msgs[0].Type != TypeError {
		t.Fatalf("default prefix should be plain error text under a custom prefix, got %+v", msgs)
	}
}

func TestDecodeEmptyChunk(t *testing.T) {
	if msgs := NewDecoder("").Decode(nil); len(msgs) != 0 {
		t.Fatalf("expected no messages for empty chunk, got %d", len(msgs))
	}
}

func TestDecodeMultipleJSONLines(t *testing.T) {
	chunk := `{"type":"log","payload":{"entry":"first"}}` + "\n\n" +
		`{"type":"end","payload":{}}` + "\n"

	msgs := NewDecoder("").Decode([]byte(chunk))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != TypeLog || msgs[0].Entry() != "first" {
		t.Errorf("first message = %+v, want log entry 'first'", msgs[0])
	}
	if msgs[1].Type != TypeEnd {
		t.Errorf("second message type = %q, want end", msgs[1].Type)
	}
}

func TestDecodeMixedLinesFallBackPerLine(t *testing.T) {
	chunk := `{"type":"log","payload":{"entry":1}}` + "\n" + "not json at all" + "\n"

	msgs := NewDecoder("").Decode([]byte(chunk))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Type != TypeError || msgs[1].ErrorText() != "not json at all" {
		t.Errorf("second message = %+v, want error fallback", msgs[1])
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantErr  bool
		wantType string
	}{
		{name: "error with code", line: `{"type":"error","payload":{"error":"boom","code":"E1"}}`, wantType: "error"},
		{name: "missing payload", line: `{"type":"end"}`, wantType: "end"},
		{name: "response method", line: `{"type":"writeHead","payload":{"code":201}}`, wantType: "writeHead"},
		{name: "truncated json", line: `{"type":"log","payload":{`, wantErr: true},
		{name: "missing type", line: `{"payload":{}}`, wantErr: true},
		{name: "empty type", line: `{"type":""}`, wantErr: true},
		{name: "numeric type", line: `{"type":5}`, wantErr: true},
		{name: "payload not object", line: `{"type":"log","payload":"x"}`, wantErr: true},
		{name: "trailing garbage", line: `{"type":"log"} trailing`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.Payload == nil {
				t.Error("Payload should never be nil after a successful parse")
			}
		})
	}
}

func TestNormalizeFallback(t *testing.T) {
	line := `{"payload":{"error":"no type here"}}`
	msg := Normalize(line)
	if msg.Type != TypeError {
		t.Fatalf("Type = %q, want error", msg.Type)
	}
	if !strings.Contains(msg.ErrorText(), "no type here") {
		t.Errorf("fallback should carry the raw line, got %q", msg.ErrorText())
	}
}

func TestMessageAccessors(t *testing.T) {
	msg := Message{Type: TypeError, Payload: map[string]any{"error": "e", "code": CodeModuleNotFound, "n": 3.0}}
	if msg.Code() != CodeModuleNotFound {
		t.Errorf("Code() = %q", msg.Code())
	}
	if msg.String("n") != "" {
		t.Error("String() should ignore non-string values")
	}
	var empty Message
	if empty.ErrorText() != "" || empty.Entry() != nil {
		t.Error("accessors on empty message should return zero values")
	}
}

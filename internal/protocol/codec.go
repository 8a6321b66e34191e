package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the shape every structured line must have.
const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":    {"type": "string", "minLength": 1},
    "payload": {"type": "object"}
  }
}`

var envelope = mustSchema(envelopeSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile envelope schema: %v", err))
	}
	return s
}

// Decoder turns raw error-channel chunks into messages.
// Chunks are decoded independently; a line split across two chunks is not reassembled.
type Decoder struct {
	systemPrefix string
}

// NewDecoder returns a Decoder that drops chunks starting with systemPrefix.
// An empty prefix selects DefaultSystemPrefix.
func NewDecoder(systemPrefix string) *Decoder {
	if systemPrefix == "" {
		systemPrefix = DefaultSystemPrefix
	}
	return &Decoder{systemPrefix: systemPrefix}
}

// Decode returns the messages carried by one chunk, in order.
//
// A chunk that does not start with '{' is either the runtime's system banner
// (dropped) or unstructured text such as a native stack trace, which becomes a
// single error message carrying the whole chunk. A JSON-led chunk is split on
// newlines and each non-empty line is normalized on its own.
func (d *Decoder) Decode(chunk []byte) []Message {
	if len(chunk) == 0 {
		return nil
	}
	text := string(chunk)

	if text[0] != '{' {
		if strings.HasPrefix(text, d.systemPrefix) {
			return nil
		}
		return []Message{ErrorMessage(text)}
	}

	lines := strings.Split(text, "\n")
	out := make([]Message, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		out = append(out, Normalize(line))
	}
	return out
}

// Normalize parses one line as a message envelope. Anything that is not a
// valid envelope is returned as an error message carrying the line verbatim.
func Normalize(line string) Message {
	msg, err := ParseMessage(line)
	if err != nil {
		return ErrorMessage(line)
	}
	return msg
}

// ParseMessage strictly parses a single JSON message envelope.
func ParseMessage(line string) (Message, error) {
	var doc any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return Message{}, fmt.Errorf("message is not valid JSON: %w", err)
	}

	result, err := envelope.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Message{}, fmt.Errorf("validate message: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		return Message{}, fmt.Errorf("invalid message envelope: %s", errs[0].String())
	}

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return msg, nil
}

package protocol

// Message types handled by the router itself. Every other type is looked up
// in the response-method registry.
const (
	TypeError = "error"
	TypeLog   = "log"
	TypeEnd   = "end"
)

// CodeModuleNotFound marks an error raised when the worker failed to require a module.
const CodeModuleNotFound = "MODULE_NOT_FOUND"

// DefaultSystemPrefix is the module loader banner the worker runtime prints
// ahead of a require failure. It is not JSON and carries nothing the client needs.
const DefaultSystemPrefix = "\nmodule.js:333"

// Message is one event emitted by a worker on its error channel.
type Message struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ErrorMessage wraps raw text as an error message.
func ErrorMessage(text string) Message {
	return Message{
		Type:    TypeError,
		Payload: map[string]any{"error": text},
	}
}

// String returns payload[key] when it is a string, or "".
func (m Message) String(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// ErrorText returns payload.error.
func (m Message) ErrorText() string {
	return m.String("error")
}

// Code returns payload.code.
func (m Message) Code() string {
	return m.String("code")
}

// Entry returns payload.entry, the opaque value of a log message.
func (m Message) Entry() any {
	if m.Payload == nil {
		return nil
	}
	return m.Payload["entry"]
}

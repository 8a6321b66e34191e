// Package respond holds the response methods a worker can invoke by emitting
// a message whose type is the method name, such as writeHead or setHeader.
package respond

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/mattjoyce/hookrelay/internal/protocol"
)

// Output is the client-facing response stream.
// End must be called at most once; enforcing that is the caller's job.
type Output interface {
	Write(text string) error
	End() error
}

// HeaderOutput is an Output that still controls status and headers until the
// first body write.
type HeaderOutput interface {
	Output
	Header() http.Header
	WriteHeader(code int)
}

// Method handles one response-method message. It owns any writes it performs.
type Method func(msg protocol.Message, out Output)

// Registry maps message types to response methods.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Default returns a registry with the built-in header methods.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register("writeHead", WriteHead)
	_ = r.Register("setHeader", SetHeader)
	_ = r.Register("removeHeader", RemoveHeader)
	_ = r.Register("statusCode", StatusCode)
	return r
}

// Register adds a method. Names the router handles itself cannot be taken.
func (r *Registry) Register(name string, m Method) error {
	if name == "" {
		return fmt.Errorf("response method name is empty")
	}
	if m == nil {
		return fmt.Errorf("response method %q is nil", name)
	}
	switch name {
	case protocol.TypeError, protocol.TypeLog, protocol.TypeEnd:
		return fmt.Errorf("response method name %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("response method %q already registered", name)
	}
	r.methods[name] = m
	return nil
}

// Lookup returns the method registered under name (exact match).
func (r *Registry) Lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteHead applies payload.headers and payload.code.
func WriteHead(msg protocol.Message, out Output) {
	ho, ok := out.(HeaderOutput)
	if !ok {
		return
	}
	if headers, ok := msg.Payload["headers"].(map[string]any); ok {
		for name, v := range headers {
			setHeaderValue(ho.Header(), name, v)
		}
	}
	if code, ok := statusFrom(msg.Payload["code"]); ok {
		ho.WriteHeader(code)
	}
}

// SetHeader sets payload.name to payload.value.
func SetHeader(msg protocol.Message, out Output) {
	ho, ok := out.(HeaderOutput)
	if !ok {
		return
	}
	name := msg.String("name")
	if name == "" {
		return
	}
	setHeaderValue(ho.Header(), name, msg.Payload["value"])
}

// RemoveHeader deletes payload.name.
func RemoveHeader(msg protocol.Message, out Output) {
	ho, ok := out.(HeaderOutput)
	if !ok {
		return
	}
	if name := msg.String("name"); name != "" {
		ho.Header().Del(name)
	}
}

// StatusCode sets the response status from payload.code.
func StatusCode(msg protocol.Message, out Output) {
	ho, ok := out.(HeaderOutput)
	if !ok {
		return
	}
	if code, ok := statusFrom(msg.Payload["code"]); ok {
		ho.WriteHeader(code)
	}
}

func setHeaderValue(h http.Header, name string, v any) {
	switch val := v.(type) {
	case string:
		h.Set(name, val)
	case float64:
		h.Set(name, fmt.Sprintf("%v", val))
	case bool:
		h.Set(name, fmt.Sprintf("%t", val))
	case []any:
		h.Del(name)
		for _, item := range val {
			if s, ok := item.(string); ok {
				h.Add(name, s)
			}
		}
	}
}

// statusFrom accepts JSON numbers in the valid HTTP status range.
func statusFrom(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	code := int(f)
	if float64(code) != f || code < 100 || code > 999 {
		return 0, false
	}
	return code, true
}

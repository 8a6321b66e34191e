package respond

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookrelay/internal/protocol"
)

type fakeOutput struct {
	header http.Header
	status int
	writes []string
	ends   int
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{header: make(http.Header)}
}

func (f *fakeOutput) Write(text string) error { f.writes = append(f.writes, text); return nil }
func (f *fakeOutput) End() error              { f.ends++; return nil }
func (f *fakeOutput) Header() http.Header     { return f.header }
func (f *fakeOutput) WriteHeader(code int)    { f.status = code }

type plainOutput struct{ writes int }

func (p *plainOutput) Write(string) error { p.writes++; return nil }
func (p *plainOutput) End() error         { return nil }

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.Register("redirect", func(protocol.Message, Output) { called = true }))

	m, ok := r.Lookup("redirect")
	require.True(t, ok)
	m(protocol.Message{}, &plainOutput{})
	assert.True(t, called)

	_, ok = r.Lookup("Redirect")
	assert.False(t, ok, "lookup is an exact match")
}

func TestRegistryRejectsBadNames(t *testing.T) {
	r := NewRegistry()
	noop := func(protocol.Message, Output) {}

	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("x", nil))
	for _, reserved := range []string{"error", "log", "end"} {
		assert.Error(t, r.Register(reserved, noop), reserved)
	}
	require.NoError(t, r.Register("x", noop))
	assert.Error(t, r.Register("x", noop))
}

func TestDefaultNames(t *testing.T) {
	assert.Equal(t, []string{"removeHeader", "setHeader", "statusCode", "writeHead"}, Default().Names())
}

func TestWriteHead(t *testing.T) {
	out := newFakeOutput()
	WriteHead(protocol.Message{Type: "writeHead", Payload: map[string]any{
		"code": 201.0,
		"headers": map[string]any{
			"Content-Type": "application/json",
			"X-Count":      3.0,
			"Set-Cookie":   []any{"a=1", "b=2"},
		},
	}}, out)

	assert.Equal(t, 201, out.status)
	assert.Equal(t, "application/json", out.header.Get("Content-Type"))
	assert.Equal(t, "3", out.header.Get("X-Count"))
	assert.Equal(t, []string{"a=1", "b=2"}, out.header.Values("Set-Cookie"))
	assert.Empty(t, out.writes)
	assert.Zero(t, out.ends)
}

func TestWriteHeadIgnoresInvalidCode(t *testing.T) {
	for _, code := range []any{"200", 42.0, 200.5, nil} {
		out := newFakeOutput()
		WriteHead(protocol.Message{Payload: map[string]any{"code": code}}, out)
		assert.Zero(t, out.status, "code %v", code)
	}
}

func TestSetAndRemoveHeader(t *testing.T) {
	out := newFakeOutput()
	SetHeader(protocol.Message{Payload: map[string]any{"name": "X-Hook", "value": "echo"}}, out)
	assert.Equal(t, "echo", out.header.Get("X-Hook"))

	RemoveHeader(protocol.Message{Payload: map[string]any{"name": "X-Hook"}}, out)
	assert.Empty(t, out.header.Get("X-Hook"))

	SetHeader(protocol.Message{Payload: map[string]any{"value": "orphan"}}, out)
	assert.Empty(t, out.header)
}

func TestStatusCode(t *testing.T) {
	out := newFakeOutput()
	StatusCode(protocol.Message{Payload: map[string]any{"code": 404.0}}, out)
	assert.Equal(t, 404, out.status)
}

func TestHeaderMethodsIgnorePlainOutput(t *testing.T) {
	out := &plainOutput{}
	assert.NotPanics(t, func() {
		WriteHead(protocol.Message{Payload: map[string]any{"code": 500.0}}, out)
		SetHeader(protocol.Message{Payload: map[string]any{"name": "a", "value": "b"}}, out)
		RemoveHeader(protocol.Message{Payload: map[string]any{"name": "a"}}, out)
		StatusCode(protocol.Message{Payload: map[string]any{"code": 500.0}}, out)
	})
	assert.Zero(t, out.writes)
}

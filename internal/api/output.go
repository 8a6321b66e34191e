package api

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

var errOutputClosed = errors.New("response already ended")

// httpOutput streams a hook response to the client. Status and headers stay
// mutable until the first body write or End.
type httpOutput struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	status   int
	header   bool
	ended    bool
	detached bool
	done     chan struct{}
}

func newHTTPOutput(w http.ResponseWriter) *httpOutput {
	flusher, _ := w.(http.Flusher)
	return &httpOutput{
		w:       w,
		flusher: flusher,
		status:  http.StatusOK,
		done:    make(chan struct{}),
	}
}

func (o *httpOutput) Header() http.Header {
	return o.w.Header()
}

func (o *httpOutput) WriteHeader(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.header || o.ended {
		return
	}
	o.status = code
}

func (o *httpOutput) Write(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended || o.detached {
		return errOutputClosed
	}
	o.commit()
	if _, err := io.WriteString(o.w, text); err != nil {
		return err
	}
	if o.flusher != nil {
		o.flusher.Flush()
	}
	return nil
}

func (o *httpOutput) End() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return errOutputClosed
	}
	o.ended = true
	if !o.detached {
		o.commit()
	}
	close(o.done)
	return nil
}

// detach stops all further use of the ResponseWriter once the handler returns.
func (o *httpOutput) detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached = true
}

// commit sends the status line. Caller holds mu.
func (o *httpOutput) commit() {
	if o.header {
		return
	}
	o.header = true
	if o.w.Header().Get("Content-Type") == "" {
		o.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	o.w.WriteHeader(o.status)
}

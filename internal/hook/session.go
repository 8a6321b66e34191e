package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/protocol"
	"github.com/mattjoyce/hookrelay/internal/respond"
)

const (
	// DefaultFinalizeDelay is how long a generic worker error waits for more
	// stack output before the response is ended.
	DefaultFinalizeDelay = 200 * time.Millisecond

	DefaultRegistryTimeout = 10 * time.Second
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks github.com/mattjoyce/hookrelay/internal/hook Registry

// Registry is the package registry service used to remediate missing modules.
type Registry interface {
	Exists(ctx context.Context, module string) (string, error)
	Install(ctx context.Context, module, where string) error
}

// DebugSink receives worker log entries. It must not block.
type DebugSink interface {
	Debug(entry any)
}

// Methods looks up response methods by message type.
type Methods interface {
	Lookup(name string) (respond.Method, bool)
}

// Config holds per-session tunables.
type Config struct {
	FinalizeDelay   time.Duration
	RegistryTimeout time.Duration
	// InstallPath is sent as "where" on install requests.
	InstallPath string
	// StatusURL, when set, is linked from the install notice.
	StatusURL    string
	SystemPrefix string
	// SessionID is generated when empty.
	SessionID string
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Registry Registry
	Methods  Methods
	Debug    DebugSink
	Metrics  *metrics.Metrics
}

// Session handles the error channel of one worker for one client response.
type Session struct {
	id      string
	cfg     Config
	deps    Deps
	out     respond.Output
	decoder *protocol.Decoder
	logger  *slog.Logger

	mu     sync.Mutex
	status status
	timer  *time.Timer
	done   chan struct{}

	// bumped on every rearm; a callback from an older arm is stale
	timerGen uint64

	// registry calls still running, including fire-and-forget installs
	inflight sync.WaitGroup
}

// NewSession creates a session writing to out.
func NewSession(cfg Config, deps Deps, out respond.Output) *Session {
	if cfg.FinalizeDelay <= 0 {
		cfg.FinalizeDelay = DefaultFinalizeDelay
	}
	if cfg.RegistryTimeout <= 0 {
		cfg.RegistryTimeout = DefaultRegistryTimeout
	}
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		out:     out,
		decoder: protocol.NewDecoder(cfg.SystemPrefix),
		logger:  log.WithSession(id).With("component", "hook"),
		done:    make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the output has been ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the completion state.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.snapshot()
}

// HandleChunk decodes one raw error-channel chunk and routes its messages in order.
func (s *Session) HandleChunk(chunk []byte) {
	msgs := s.decoder.Decode(chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.route(msg)
	}
}

// Handle routes a single already-decoded message.
func (s *Session) Handle(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.route(msg)
}

// WriteBody passes worker response output through to the client until the
// output is ended.
func (s *Session) WriteBody(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(text)
}

// Close is called when the worker connection goes away. The output is ended
// here unless an existence check or the error grace timer still owns it.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status.phase {
	case PhaseChecking:
		s.logger.Debug("worker closed during registry check, deferring finalize")
		return
	case PhaseErroring:
		if s.timer != nil {
			return
		}
	}
	s.finalize(s.status.finalize(), "close")
}

// Wait blocks until in-flight registry calls have returned.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// write sends text to the client unless the output has ended. Caller holds mu.
func (s *Session) write(text string) {
	if s.status.ended() {
		return
	}
	if err := s.out.Write(text); err != nil {
		s.logger.Warn("output write failed", "error", err)
	}
}

// finalize ends the output when won is true. Caller holds mu.
func (s *Session) finalize(won bool, path string) {
	if !won {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.out.End(); err != nil {
		s.logger.Warn("output end failed", "error", err)
	}
	close(s.done)
	s.deps.Metrics.Finalized(path)
	s.logger.Debug("response finalized", "path", path, "service_ended", s.status.serviceEnded)
}

// armErrorTimer schedules the grace-period finalize for generic errors.
// Each new error pushes the deadline back. Caller holds mu.
func (s *Session) armErrorTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.cfg.FinalizeDelay, func() { s.onErrorTimer(gen) })
}

// onErrorTimer may already be blocked on mu when a later chunk rearms, so
// only the latest arm may finalize.
func (s *Session) onErrorTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen {
		return
	}
	s.finalize(s.status.finalizeUnlessChecking(), "error_timer")
}

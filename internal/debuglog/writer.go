package debuglog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
)

const (
	defaultBuffer = 1024
	writeTimeout  = 5 * time.Second
)

// Writer persists entries in the background so hooks never wait on disk.
type Writer struct {
	store   *Store
	hub     *Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	queue   chan Entry
}

// NewWriter creates a Writer. Either store or hub may be nil.
func NewWriter(store *Store, hub *Hub, buffer int, m *metrics.Metrics) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Writer{
		store:   store,
		hub:     hub,
		metrics: m,
		logger:  log.WithComponent("debuglog"),
		queue:   make(chan Entry, buffer),
	}
}

// Run persists queued entries until ctx is cancelled, then flushes what is
// already queued and returns.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("debug writer started")
	defer w.logger.Info("debug writer stopped")

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-w.queue:
					w.persist(e)
				default:
					return nil
				}
			}
		case e := <-w.queue:
			w.persist(e)
		}
	}
}

// Sink returns the debug sink for one hook session.
func (w *Writer) Sink(hook, sessionID string) *Sink {
	return &Sink{w: w, hook: hook, sessionID: sessionID}
}

func (w *Writer) submit(e Entry) {
	if w.hub != nil {
		w.hub.Publish(e)
	}
	if w.store == nil {
		return
	}
	select {
	case w.queue <- e:
	default:
		w.metrics.DebugEntryDropped()
		w.logger.Warn("debug queue full, dropping entry", "hook", e.Hook, "session_id", e.SessionID)
	}
}

func (w *Writer) persist(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.store.Append(ctx, e); err != nil {
		w.logger.Error("failed to persist debug entry", "hook", e.Hook, "error", err)
	}
}

// Sink is a fire-and-forget debug sink bound to one hook session.
type Sink struct {
	w         *Writer
	hook      string
	sessionID string
}

// Debug records one log entry value.
func (s *Sink) Debug(entry any) {
	raw, err := json.Marshal(entry)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(entry))
	}
	s.w.submit(Entry{
		ID:        uuid.NewString(),
		Hook:      s.hook,
		SessionID: s.sessionID,
		Entry:     raw,
		CreatedAt: time.Now().UTC(),
	})
}

package hook

import (
	"net/http"

	"github.com/mattjoyce/hookrelay/internal/protocol"
	"github.com/mattjoyce/hookrelay/internal/respond"
)

// route dispatches one message. Caller holds mu.
func (s *Session) route(msg protocol.Message) {
	if s.deps.Methods != nil {
		if method, ok := s.deps.Methods.Lookup(msg.Type); ok {
			s.deps.Metrics.MessageRouted("method")
			if s.status.ended() {
				s.logger.Debug("response method after end ignored", "type", msg.Type)
				return
			}
			method(msg, s.methodOutput())
			return
		}
	}

	switch msg.Type {
	case protocol.TypeEnd:
		s.deps.Metrics.MessageRouted(protocol.TypeEnd)
		s.status.serviceEnded = true

	case protocol.TypeLog:
		s.deps.Metrics.MessageRouted(protocol.TypeLog)
		if s.deps.Debug != nil {
			s.deps.Debug.Debug(msg.Entry())
		}

	case protocol.TypeError:
		s.deps.Metrics.MessageRouted(protocol.TypeError)
		s.handleError(msg)

	default:
		s.deps.Metrics.MessageRouted("ignored")
		s.logger.Debug("ignoring message with unhandled type", "type", msg.Type)
	}
}

// handleError writes generic errors and starts remediation for missing modules. Caller holds mu.
func (s *Session) handleError(msg protocol.Message) {
	s.status.markErroring()

	if msg.Code() == protocol.CodeModuleNotFound {
		if module := MissingModule(msg.ErrorText()); module != "" {
			s.startRemediation(msg, module)
			return
		}
		s.logger.Warn("module-not-found error without a module name", "error", msg.ErrorText())
	}

	// More of the stack may still be on its way; give it a moment before ending.
	if s.status.ended() {
		return
	}
	s.write(msg.ErrorText())
	s.armErrorTimer()
}

// methodOutput hands response methods an output whose End goes through the
// session's single finalize. Caller holds mu for the duration of the method.
func (s *Session) methodOutput() respond.Output {
	g := &guardedOutput{s: s}
	if ho, ok := s.out.(respond.HeaderOutput); ok {
		return &guardedHeaderOutput{guardedOutput: g, ho: ho}
	}
	return g
}

type guardedOutput struct {
	s *Session
}

func (g *guardedOutput) Write(text string) error {
	g.s.write(text)
	return nil
}

func (g *guardedOutput) End() error {
	g.s.finalize(g.s.status.finalize(), "method")
	return nil
}

type guardedHeaderOutput struct {
	*guardedOutput
	ho respond.HeaderOutput
}

func (g *guardedHeaderOutput) Header() http.Header {
	return g.ho.Header()
}

func (g *guardedHeaderOutput) WriteHeader(code int) {
	g.ho.WriteHeader(code)
}

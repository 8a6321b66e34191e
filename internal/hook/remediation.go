package hook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/hookrelay/internal/protocol"
)

const (
	missingModulePrefix = "Cannot find module '"

	// installTimeout bounds the fire-and-forget install request.
	installTimeout = 2 * time.Minute
)

// MissingModule extracts the module name from a require failure such as
// "Cannot find module 'left-pad'".
func MissingModule(errText string) string {
	rest, ok := strings.CutPrefix(errText, missingModulePrefix)
	if !ok {
		return strings.TrimSuffix(errText, "'")
	}
	if i := strings.IndexByte(rest, '\''); i >= 0 {
		return rest[:i]
	}
	return rest
}

// startRemediation launches the existence check for module. Caller holds mu.
func (s *Session) startRemediation(msg protocol.Message, module string) {
	if s.deps.Registry == nil {
		s.logger.Warn("no registry configured, treating missing module as a plain error", "module", module)
		s.write(msg.ErrorText())
		s.armErrorTimer()
		return
	}

	s.status.beginCheck()
	s.logger.Info("checking registry for missing module", "module", module)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegistryTimeout)
		body, err := s.deps.Registry.Exists(ctx, module)
		cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.resolveCheck(msg, module, body, err)
	}()
}

// resolveCheck applies one of the terminal outcomes of an existence check. Caller holds mu.
func (s *Session) resolveCheck(msg protocol.Message, module, body string, err error) {
	switch {
	case err != nil:
		s.status.outcome = OutcomeTransportError
		s.logger.Warn("registry existence check failed", "module", module, "error", err)
		if errors.Is(err, syscall.ECONNREFUSED) {
			s.write("Unable to communicate with hpm server \n\n")
			s.write(err.Error())
		}
		s.status.endCheck(false)

	case body == "true":
		s.status.outcome = OutcomeFound
		s.write(installNotice(msg.ErrorText(), module, s.cfg.StatusURL))
		s.install(module)
		s.status.endCheck(true)

	case body == "false":
		s.status.outcome = OutcomeNotFound
		s.write(notFoundNotice(module))
		s.status.endCheck(false)

	default:
		s.status.outcome = OutcomeMessage
		s.write(body)
		s.status.endCheck(false)
	}

	s.deps.Metrics.RemediationOutcome(s.status.outcome.String())
	s.finalize(s.status.finalize(), "remediation")
}

// install fires the install request without waiting for it. Its result never
// touches the response. Caller holds mu.
func (s *Session) install(module string) {
	where := s.cfg.InstallPath
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
		defer cancel()
		if err := s.deps.Registry.Install(ctx, module, where); err != nil {
			s.deps.Metrics.InstallRequested("error")
			s.logger.Warn("install request failed", "module", module, "error", err)
			return
		}
		s.deps.Metrics.InstallRequested("ok")
		s.logger.Info("install requested", "module", module, "where", where)
	}()
}

func installNotice(errText, module, statusURL string) string {
	var b strings.Builder
	b.WriteString(errText)
	fmt.Fprintf(&b, "\n\nIt looks like `%s` is a npm dependency. We are going to try to install it!", module)
	b.WriteString("\nIt should be ready in a few moments... \n\n")
	if statusURL != "" {
		statusURL = strings.TrimRight(statusURL, "/")
		fmt.Fprintf(&b, "Check %s/installed for updates.\n", statusURL)
		fmt.Fprintf(&b, "Pending installations %s/pending.\n\n", statusURL)
	}
	return b.String()
}

func notFoundNotice(module string) string {
	return fmt.Sprintf("We were unable to find %q in the public npm registry! \n\n", module) +
		"Unable to require module. Sorry. " +
		"If you feel this message is an error, please contact support."
}

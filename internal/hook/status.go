package hook

// Phase is the completion state of one response.
//
// streaming -> erroring -> checking -> ended, with ended reachable from every
// phase exactly once. checking always implies erroring.
type Phase int

const (
	PhaseStreaming Phase = iota
	PhaseErroring
	PhaseChecking
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseStreaming:
		return "streaming"
	case PhaseErroring:
		return "erroring"
	case PhaseChecking:
		return "checking"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Outcome is the result of the last missing-module existence check.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeTransportError
	OutcomeFound
	OutcomeNotFound
	OutcomeMessage
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeMessage:
		return "message"
	default:
		return "unknown"
	}
}

// status is guarded by Session.mu.
type status struct {
	phase        Phase
	serviceEnded bool
	outcome      Outcome
}

func (s *status) ended() bool {
	return s.phase == PhaseEnded
}

func (s *status) markErroring() {
	if s.phase == PhaseStreaming {
		s.phase = PhaseErroring
	}
}

func (s *status) beginCheck() {
	if s.phase != PhaseEnded {
		s.phase = PhaseChecking
	}
}

// endCheck leaves the checking phase. clearErroring drops back to streaming.
func (s *status) endCheck(clearErroring bool) {
	if s.phase != PhaseChecking {
		return
	}
	if clearErroring {
		s.phase = PhaseStreaming
	} else {
		s.phase = PhaseErroring
	}
}

// finalize is the compare-and-set that guards Output.End.
// It reports whether the caller won and must end the output.
func (s *status) finalize() bool {
	if s.phase == PhaseEnded {
		return false
	}
	s.phase = PhaseEnded
	return true
}

// finalizeUnlessChecking is finalize for paths that must yield to an
// in-flight existence check.
func (s *status) finalizeUnlessChecking() bool {
	if s.phase == PhaseChecking {
		return false
	}
	return s.finalize()
}

// Snapshot is a point-in-time view of a session's status.
type Snapshot struct {
	Phase            Phase
	Erroring         bool
	CheckingRegistry bool
	ServiceEnded     bool
	Ended            bool
	Outcome          Outcome
}

func (s *status) snapshot() Snapshot {
	return Snapshot{
		Phase:            s.phase,
		Erroring:         s.phase == PhaseErroring || s.phase == PhaseChecking,
		CheckingRegistry: s.phase == PhaseChecking,
		ServiceEnded:     s.serviceEnded,
		Ended:            s.phase == PhaseEnded,
		Outcome:          s.outcome,
	}
}

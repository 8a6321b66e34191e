package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/hookrelay/internal/hook/mocks"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/protocol"
	"github.com/mattjoyce/hookrelay/internal/respond"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// recordingOutput captures writes and ends.
type recordingOutput struct {
	mu      sync.Mutex
	writes  []string
	ends    int
	endedAt time.Time
}

func (o *recordingOutput) Write(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = append(o.writes, text)
	return nil
}

func (o *recordingOutput) End() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends++
	o.endedAt = time.Now()
	return nil
}

func (o *recordingOutput) text() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.writes, "")
}

func (o *recordingOutput) endCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ends
}

type recordingSink struct {
	mu      sync.Mutex
	entries []any
}

func (r *recordingSink) Debug(entry any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

const moduleErrorChunk = `{"type":"error","payload":{"code":"MODULE_NOT_FOUND","error":"Cannot find module 'left-pad'"}}` + "\n"

func newTestSession(t *testing.T, reg Registry, cfg Config) (*Session, *recordingOutput, *recordingSink) {
	t.Helper()
	out := &recordingOutput{}
	sink := &recordingSink{}
	s := NewSession(cfg, Deps{
		Registry: reg,
		Methods:  respond.Default(),
		Debug:    sink,
		Metrics:  metrics.New(),
	}, out)
	return s, out, sink
}

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session not finalized within %v (status %+v)", timeout, s.Status())
	}
}

func TestUnstructuredChunkIsWrittenAndFinalized(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{FinalizeDelay: 20 * time.Millisecond})

	trace := "ReferenceError: foo is not defined\n    at hook.js:1:1\n"
	s.HandleChunk([]byte(trace))

	assert.Equal(t, trace, out.text())
	assert.Equal(t, 0, out.endCount(), "generic errors wait for the grace period")
	assert.True(t, s.Status().Erroring)

	waitDone(t, s, time.Second)
	assert.Equal(t, 1, out.endCount())
	assert.True(t, s.Status().Ended)
}

func TestSystemPrefixChunkRoutesNothing(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{})

	s.HandleChunk([]byte(protocol.DefaultSystemPrefix))

	assert.Empty(t, out.text())
	assert.Equal(t, PhaseStreaming, s.Status().Phase)
}

func TestRapidErrorsFinalizeOnceAfterLastChunk(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{})

	s.HandleChunk([]byte("Error: first part of the stack\n"))
	time.Sleep(50 * time.Millisecond)
	last := time.Now()
	s.HandleChunk([]byte("    at second part of the stack\n"))

	waitDone(t, s, 2*time.Second)

	out.mu.Lock()
	endedAt := out.endedAt
	out.mu.Unlock()
	assert.GreaterOrEqual(t, endedAt.Sub(last), DefaultFinalizeDelay)
	assert.Equal(t, "Error: first part of the stack\n    at second part of the stack\n", out.text())

	time.Sleep(2 * DefaultFinalizeDelay)
	assert.Equal(t, 1, out.endCount())
}

func TestRearmWinsOverBlockedTimerCallback(t *testing.T) {
	delay := 30 * time.Millisecond
	s, out, _ := newTestSession(t, nil, Config{FinalizeDelay: delay})

	s.HandleChunk([]byte("Error: first\n"))

	// Hold the lock past the deadline so the first callback queues on it,
	// then rearm the way a second error chunk does.
	s.mu.Lock()
	time.Sleep(3 * delay)
	s.armErrorTimer()
	last := time.Now()
	s.mu.Unlock()

	time.Sleep(delay / 3)
	assert.Equal(t, 0, out.endCount(), "stale timer callback must not finalize")

	waitDone(t, s, time.Second)
	out.mu.Lock()
	endedAt := out.endedAt
	out.mu.Unlock()
	assert.GreaterOrEqual(t, endedAt.Sub(last), delay)
	assert.Equal(t, 1, out.endCount())
}

func TestTwoJSONMessagesInOneChunk(t *testing.T) {
	s, _, sink := newTestSession(t, nil, Config{})

	s.HandleChunk([]byte(`{"type":"log","payload":{"entry":"a"}}` + "\n" + `{"type":"log","payload":{"entry":"b"}}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []any{"a", "b"}, sink.entries)
}

func TestEndMessageMarksServiceEndedOnly(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{})

	s.HandleChunk([]byte(`{"type":"end"}`))

	st := s.Status()
	assert.True(t, st.ServiceEnded)
	assert.False(t, st.Ended)
	assert.Equal(t, 0, out.endCount())
}

func TestUnknownTypeIsNoop(t *testing.T) {
	s, out, sink := newTestSession(t, nil, Config{})

	s.HandleChunk([]byte(`{"type":"telemetry","payload":{"x":1}}`))

	assert.Empty(t, out.text())
	assert.Empty(t, sink.entries)
	assert.Equal(t, PhaseStreaming, s.Status().Phase)
}

func TestUnparseableJSONLineRoutesAsError(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{FinalizeDelay: 10 * time.Millisecond})

	s.HandleChunk([]byte("{not json\n"))

	assert.Equal(t, "{not json", out.text())
	waitDone(t, s, time.Second)
}

func TestModuleFoundStartsInstall(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)

	installed := make(chan struct{})
	reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("true", nil)
	reg.EXPECT().Install(gomock.Any(), "left-pad", "/srv/hooks/node_modules").
		DoAndReturn(func(context.Context, string, string) error {
			close(installed)
			return nil
		})

	s, out, _ := newTestSession(t, reg, Config{
		InstallPath: "/srv/hooks/node_modules",
		StatusURL:   "https://hooks.example.com/packages/npm/",
	})
	s.HandleChunk([]byte(moduleErrorChunk))

	waitDone(t, s, time.Second)
	<-installed
	s.Wait()

	text := out.text()
	assert.Contains(t, text, "Cannot find module 'left-pad'")
	assert.Contains(t, text, "`left-pad`")
	assert.Contains(t, text, "We are going to try to install it!")
	assert.Contains(t, text, "https://hooks.example.com/packages/npm/pending")
	assert.Equal(t, 1, out.endCount())

	st := s.Status()
	assert.Equal(t, OutcomeFound, st.Outcome)
	assert.False(t, st.CheckingRegistry)
}

func TestModuleNotFoundSkipsInstall(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("false", nil)
	reg.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	s, out, _ := newTestSession(t, reg, Config{})
	s.HandleChunk([]byte(moduleErrorChunk))

	waitDone(t, s, time.Second)
	s.Wait()

	assert.Contains(t, out.text(), `We were unable to find "left-pad" in the public npm registry!`)
	assert.Equal(t, 1, out.endCount())
	assert.Equal(t, OutcomeNotFound, s.Status().Outcome)
}

func TestModuleCheckArbitraryBodyIsWritten(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("left-pad is blocklisted", nil)

	s, out, _ := newTestSession(t, reg, Config{})
	s.HandleChunk([]byte(moduleErrorChunk))

	waitDone(t, s, time.Second)
	s.Wait()

	assert.Equal(t, "left-pad is blocklisted", out.text())
	assert.Equal(t, 1, out.endCount())
	assert.Equal(t, OutcomeMessage, s.Status().Outcome)
}

func TestModuleCheckTransportErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantNotice bool
	}{
		{name: "connection refused", err: fmt.Errorf("post /npm/exists: %w", syscall.ECONNREFUSED), wantNotice: true},
		{name: "timeout", err: fmt.Errorf("post /npm/exists: %w", context.DeadlineExceeded)},
		{name: "other", err: errors.New("tls: handshake failure")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			reg := mocks.NewMockRegistry(ctrl)
			reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("", tt.err)

			s, out, _ := newTestSession(t, reg, Config{})
			s.HandleChunk([]byte(moduleErrorChunk))

			waitDone(t, s, time.Second)
			s.Wait()

			if tt.wantNotice {
				assert.Equal(t, "Unable to communicate with hpm server \n\n"+tt.err.Error(), out.text())
			} else {
				assert.Empty(t, out.text())
			}
			assert.Equal(t, 1, out.endCount())
			st := s.Status()
			assert.Equal(t, OutcomeTransportError, st.Outcome)
			assert.False(t, st.CheckingRegistry)
		})
	}
}

func TestErrorTimerYieldsToRegistryCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)

	release := make(chan struct{})
	reg.EXPECT().Exists(gomock.Any(), "left-pad").DoAndReturn(func(context.Context, string) (string, error) {
		<-release
		return "false", nil
	})

	s, out, _ := newTestSession(t, reg, Config{FinalizeDelay: 10 * time.Millisecond})
	s.HandleChunk([]byte("Error: something else went wrong\n"))
	s.HandleChunk([]byte(moduleErrorChunk))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, out.endCount(), "grace timer must not end the response during a registry check")
	assert.True(t, s.Status().CheckingRegistry)

	close(release)
	waitDone(t, s, time.Second)
	s.Wait()

	assert.Equal(t, 1, out.endCount())
	assert.Contains(t, out.text(), "Error: something else went wrong")
	assert.Contains(t, out.text(), "unable to find")
}

func TestLateRegistryCallbackDoesNotEndTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("true", nil)
	reg.EXPECT().Install(gomock.Any(), "left-pad", gomock.Any()).Return(nil)

	s, out, _ := newTestSession(t, reg, Config{FinalizeDelay: 5 * time.Millisecond})
	s.HandleChunk([]byte("Error: boom\n"))
	waitDone(t, s, time.Second)

	s.HandleChunk([]byte(moduleErrorChunk))
	s.Wait()

	assert.Equal(t, "Error: boom\n", out.text(), "nothing is written after the response ended")
	assert.Equal(t, 1, out.endCount())
	assert.Equal(t, OutcomeFound, s.Status().Outcome)
}

func TestModuleErrorWithoutRegistryFallsBackToGenericError(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{FinalizeDelay: 5 * time.Millisecond})
	s.HandleChunk([]byte(moduleErrorChunk))

	assert.Equal(t, "Cannot find module 'left-pad'", out.text())
	waitDone(t, s, time.Second)
	assert.Equal(t, 1, out.endCount())
}

func TestResponseMethodEndIsGuarded(t *testing.T) {
	methods := respond.NewRegistry()
	require.NoError(t, methods.Register("finish", func(msg protocol.Message, out respond.Output) {
		_ = out.Write(msg.String("body"))
		_ = out.End()
		_ = out.End()
	}))

	out := &recordingOutput{}
	s := NewSession(Config{}, Deps{Methods: methods}, out)

	s.HandleChunk([]byte(`{"type":"finish","payload":{"body":"done"}}`))
	s.HandleChunk([]byte("Error: after end\n"))
	s.Close()

	assert.Equal(t, "done", out.text())
	assert.Equal(t, 1, out.endCount())
	assert.True(t, s.Status().Ended)
}

func TestResponseMethodTakesPrecedence(t *testing.T) {
	methods := respond.NewRegistry()
	var got []string
	require.NoError(t, methods.Register("redirect", func(msg protocol.Message, out respond.Output) {
		got = append(got, msg.String("location"))
	}))

	s := NewSession(Config{}, Deps{Methods: methods}, &recordingOutput{})
	s.Handle(protocol.Message{Type: "redirect", Payload: map[string]any{"location": "/next"}})

	assert.Equal(t, []string{"/next"}, got)
	assert.Equal(t, PhaseStreaming, s.Status().Phase)
}

func TestWriteBodyStopsAfterEnd(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{})

	s.WriteBody("hello ")
	s.Close()
	s.WriteBody("world")

	assert.Equal(t, "hello ", out.text())
	assert.Equal(t, 1, out.endCount())
}

func TestCloseDefersToErrorTimer(t *testing.T) {
	s, out, _ := newTestSession(t, nil, Config{FinalizeDelay: 30 * time.Millisecond})

	s.HandleChunk([]byte("Error: crash\n"))
	s.Close()
	assert.Equal(t, 0, out.endCount())

	waitDone(t, s, time.Second)
	assert.Equal(t, 1, out.endCount())
}

func TestCloseDefersToRegistryCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	release := make(chan struct{})
	reg.EXPECT().Exists(gomock.Any(), "left-pad").DoAndReturn(func(context.Context, string) (string, error) {
		<-release
		return "false", nil
	})

	s, out, _ := newTestSession(t, reg, Config{})
	s.HandleChunk([]byte(moduleErrorChunk))
	s.Close()
	assert.Equal(t, 0, out.endCount())

	close(release)
	waitDone(t, s, time.Second)
	s.Wait()
	assert.Equal(t, 1, out.endCount())
}

func TestConcurrentFinalizationPathsEndOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctrl := gomock.NewController(t)
		reg := mocks.NewMockRegistry(ctrl)
		reg.EXPECT().Exists(gomock.Any(), gomock.Any()).Return("false", nil).AnyTimes()

		s, out, _ := newTestSession(t, reg, Config{FinalizeDelay: time.Millisecond})

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				switch j % 4 {
				case 0:
					s.HandleChunk([]byte("Error: crash\n"))
				case 1:
					s.HandleChunk([]byte(moduleErrorChunk))
				case 2:
					s.WriteBody("body")
				case 3:
					s.Close()
				}
			}(j)
		}
		wg.Wait()

		waitDone(t, s, time.Second)
		s.Wait()
		time.Sleep(5 * time.Millisecond)
		require.Equal(t, 1, out.endCount(), "iteration %d", i)
	}
}

func TestSessionLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	reg.EXPECT().Exists(gomock.Any(), "left-pad").Return("true", nil)
	reg.EXPECT().Install(gomock.Any(), "left-pad", gomock.Any()).Return(nil)

	s, _, _ := newTestSession(t, reg, Config{})
	s.HandleChunk([]byte(moduleErrorChunk))
	waitDone(t, s, time.Second)
	s.Wait()
}

func TestMissingModule(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Cannot find module 'left-pad'", "left-pad"},
		{"Cannot find module '@scope/pkg'", "@scope/pkg"},
		{"Cannot find module 'colors/safe'\nRequire stack:\n- /hook.js", "colors/safe"},
		{"Cannot find module 'unterminated", "unterminated"},
		{"something odd'", "something odd"},
		{"Cannot find module ''", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MissingModule(tt.in), tt.in)
	}
}

func TestStatusTransitions(t *testing.T) {
	var st status
	st.markErroring()
	assert.Equal(t, PhaseErroring, st.phase)

	st.beginCheck()
	assert.Equal(t, PhaseChecking, st.phase)
	assert.False(t, st.finalizeUnlessChecking())

	st.endCheck(true)
	assert.Equal(t, PhaseStreaming, st.phase)

	assert.True(t, st.finalize())
	assert.False(t, st.finalize())
	assert.False(t, st.finalizeUnlessChecking())

	st.beginCheck()
	st.markErroring()
	assert.Equal(t, PhaseEnded, st.phase, "ended is terminal")
}

func TestPhaseAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "checking", PhaseChecking.String())
	assert.Equal(t, "unknown", Phase(42).String())
	assert.Equal(t, "not_found", OutcomeNotFound.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

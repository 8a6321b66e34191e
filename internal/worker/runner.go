package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ErrHookNotFound is returned when no script exists for a hook name.
var ErrHookNotFound = errors.New("hook not found")

var hookNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Sink receives the output streams of one worker run.
type Sink interface {
	// WriteBody receives stdout, the hook's response body.
	WriteBody(text string)
	// HandleChunk receives each read from stderr as one raw chunk.
	HandleChunk(chunk []byte)
	// Close is called once after the worker has exited.
	Close()
}

// Invocation describes one hook run.
type Invocation struct {
	Hook  string
	Input io.Reader
	Env   []string
}

// Runner starts hook workers.
type Runner struct {
	cfg    config.WorkerConfig
	grace  time.Duration
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg config.WorkerConfig) *Runner {
	return &Runner{
		cfg:    cfg,
		grace:  terminationGracePeriod,
		logger: log.WithComponent("worker"),
	}
}

// ScriptPath resolves the script for hook inside the hooks directory.
func (r *Runner) ScriptPath(hook string) (string, error) {
	if !hookNamePattern.MatchString(hook) {
		return "", fmt.Errorf("%w: invalid hook name %q", ErrHookNotFound, hook)
	}
	for _, candidate := range []string{hook, hook + ".js"} {
		path := filepath.Join(r.cfg.HooksDir, candidate)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrHookNotFound, hook)
}

// Run spawns the worker for inv, feeds stdin, and streams stdout and stderr
// into sink until the worker exits, times out, or ctx is cancelled.
// sink.Close is always called before Run returns once the process started.
func (r *Runner) Run(ctx context.Context, inv Invocation, sink Sink) error {
	script, err := r.ScriptPath(inv.Hook)
	if err != nil {
		return err
	}
	logger := log.WithHook(inv.Hook).With("component", "worker")

	args := append(append([]string{}, r.cfg.Args...), script)
	// Don't use CommandContext - termination is managed below.
	cmd := exec.Command(r.cfg.Command, args...)
	cmd.Env = append(append(os.Environ(), r.cfg.Env...), inv.Env...)
	cmd.Env = append(cmd.Env, "HOOK_NAME="+inv.Hook)
	// Own process group, so children that inherit the pipes are signalled too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	logger.Debug("spawning worker", "command", r.cfg.Command, "script", script, "timeout", r.cfg.Timeout)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer sink.Close()

	go func() {
		defer stdin.Close()
		if inv.Input == nil {
			return
		}
		if _, err := io.Copy(stdin, inv.Input); err != nil {
			logger.Debug("worker stdin closed early", "error", err)
		}
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pump(stdout, r.cfg.MaxChunkBytes, func(b []byte) { sink.WriteBody(string(b)) })
	}()
	go func() {
		defer readers.Done()
		pump(stderr, r.cfg.MaxChunkBytes, sink.HandleChunk)
	}()

	waitErr := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(r.cfg.Timeout)
	defer timeoutTimer.Stop()

	select {
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Info("worker exited with non-zero status", "exit_code", exitErr.ExitCode())
				return nil
			}
			return fmt.Errorf("wait for worker: %w", err)
		}
		return nil

	case <-timeoutTimer.C:
		logger.Warn("worker timed out, sending SIGTERM")
		r.terminate(cmd, waitErr, logger, stdout, stderr)
		return context.DeadlineExceeded

	case <-ctx.Done():
		logger.Info("request cancelled, stopping worker")
		r.terminate(cmd, waitErr, logger, stdout, stderr)
		return ctx.Err()
	}
}

func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger, pipes ...io.Closer) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("worker exited after SIGTERM")
		return
	case <-grace.C:
	}

	logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		logger.Error("failed to send SIGKILL", "error", err)
	}

	grace.Reset(r.grace)
	select {
	case <-waitErr:
		return
	case <-grace.C:
	}

	// A descendant that left the group can still hold the pipes open.
	logger.Warn("worker pipes still open after SIGKILL, closing them")
	for _, p := range pipes {
		_ = p.Close()
	}
	<-waitErr
}

// signalGroup signals the worker's whole process group, falling back to the
// worker alone if the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// pump hands each read from r to fn as its own chunk.
func pump(r io.Reader, size int, fn func([]byte)) {
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

// Package worker spawns hook worker subprocesses and streams their output.
//
// Each invocation runs the configured command with the hook's script path
// appended. The request body is written to stdin. Stdout is passed through as
// the response body, and every read from stderr is delivered as one raw chunk
// for message decoding.
//
// Timeout handling:
//   - Each run has a configured timeout (worker.timeout)
//   - When it expires, or the request is cancelled, SIGTERM is sent
//   - After a grace period, SIGKILL is sent if the process is still running
//
// The sink is closed exactly once after the process has exited, which is how
// the response learns the worker connection is gone.
package worker

// Package hook interprets a worker's error channel and drives the client
// response for one hook invocation.
//
// A Session decodes raw stderr chunks into messages, routes each message by
// type, and owns the single finalization of the response stream:
//   - registered response methods (writeHead, setHeader, ...) act on the output
//   - "log" entries go to the debug sink
//   - "end" marks that the worker finished its response
//   - "error" is written to the client; MODULE_NOT_FOUND errors first run the
//     existence-check/install workflow against the registry service
//
// Every continuation (chunk, registry completion, grace timer, worker exit)
// runs under the session mutex, and every path that ends the output goes
// through one compare-and-set, so Output.End runs exactly once.
package hook

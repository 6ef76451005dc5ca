// Package progress provides the event primitives, the non-blocking hub, and the
// emitter interface the audit session uses to report run progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs or Prometheus collectors.
package progress

// Package progress carries per-source state transitions out of the
// orchestrator. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as structured logs, Prometheus and the run ledger.
package progress

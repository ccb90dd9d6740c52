// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the Postgres run ledger.
package sinks

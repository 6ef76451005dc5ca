// Package sinks implements concrete progress consumers: structured logging and
// Prometheus collectors with an optional Pushgateway push on close.
package sinks

// Package devserver is a local stand-in for the support message send endpoint.
//
// It accepts the same request the client sends, checks the CSRF header,
// dedupes retried sends by their client message id, and writes the message
// through a store so live listeners observe it. It also serves /health and,
// when a gatherer is supplied, Prometheus metrics.
package devserver

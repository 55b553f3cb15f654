// Package notifications delivers video lifecycle events via ntfy.
//
// NewService returns a no-op implementation when no topic is configured.
// Notifier adapts the service to the pipeline observer and intake listener
// callbacks, so neither side knows about HTTP.
package notifications

package lifecycle

import (
	"context"
	"log/slog"
	"sort"
)

// Lifecycle event types
const (
	EventStarting = "starting"
	EventReady    = "ready"
	EventStopping = "stopping"
	EventStopped  = "stopped"
	EventFailed   = "failed"
)

// EventPublisher receives lifecycle events as the coordinator moves the
// server through its states.
//
// Event types:
//   - starting: the server was constructed and its start issued
//   - ready: the server signalled startup completion
//   - stopping: a stop was requested
//   - stopped: the server shut down and its boundary was released
//   - failed: construction, startup or stop failed
type EventPublisher interface {
	// ReportLifecycleEvent delivers one event. metadata carries details such
	// as the implementation name, error code and timeout.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher drops every event
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}

// SlogEventPublisher writes events to a structured logger
type SlogEventPublisher struct {
	Logger *slog.Logger
}

// ReportLifecycleEvent logs the event, at error level for failures
func (p *SlogEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, 2+2*len(keys))
	attrs = append(attrs, "event", eventType)
	for _, k := range keys {
		attrs = append(attrs, k, metadata[k])
	}

	level := slog.LevelInfo
	if eventType == EventFailed {
		level = slog.LevelError
	}
	logger.Log(ctx, level, message, attrs...)
	return nil
}

package lifecycle

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/isolation"
	"github.com/jrepp/prism-embed/pkg/settings"
)

// Option configures the Coordinator
type Option func(*Coordinator)

// WithRegistry sets where server constructors are looked up.
// Defaults to bootstrap.Default.
func WithRegistry(registry *bootstrap.Registry) Option {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

// WithParent sets the host-side resolver shared names are delegated to.
// Defaults to isolation.ContractHost().
func WithParent(parent isolation.Resolver) Option {
	return func(c *Coordinator) {
		c.parent = parent
	}
}

// WithSettingsResolver sets how configuration layers are merged
func WithSettingsResolver(resolver *settings.Resolver) Option {
	return func(c *Coordinator) {
		c.settings = resolver
	}
}

// WithIndexer sets how artifacts are indexed
func WithIndexer(indexer artifact.Indexer) Option {
	return func(c *Coordinator) {
		c.indexer = indexer
	}
}

// WithoutBlockAll lets unknown names fall through to the parent resolver
func WithoutBlockAll() Option {
	return func(c *Coordinator) {
		c.blockAll = false
	}
}

// WithStopTimeout bounds how long Stop waits for the server
func WithStopTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.stopTimeout = d
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(c *Coordinator) {
		c.metrics = mc
	}
}

// WithEventPublisher sets where lifecycle events go
func WithEventPublisher(p EventPublisher) Option {
	return func(c *Coordinator) {
		c.events = p
	}
}

// WithLogger sets the coordinator's logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for start and stop spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithStateObserver registers a callback run after every state change
func WithStateObserver(fn func(from, to State)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

package launcher

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/lifecycle"
	"github.com/jrepp/prism-embed/pkg/settings"
)

// ServiceBuilder provides a fluent interface for constructing a launcher Service.
//
// Usage:
//
//	service, err := launcher.NewBuilder().
//	    WithManifestFile("./servers/gateway/manifest.yaml").
//	    WithStopTimeout(10 * time.Second).
//	    Build()
//
// All builder methods return the builder for method chaining. The first
// invalid setting is reported by Build.
type ServiceBuilder struct {
	config *Config
	err    error
}

// NewBuilder creates a new ServiceBuilder with the DefaultConfig settings
func NewBuilder() *ServiceBuilder {
	return &ServiceBuilder{
		config: DefaultConfig(),
	}
}

// WithManifest sets an already loaded manifest
func (b *ServiceBuilder) WithManifest(m *Manifest) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if m == nil {
		b.err = fmt.Errorf("manifest cannot be nil")
		return b
	}
	b.config.Manifest = m
	return b
}

// WithManifestFile loads the manifest at path.
//
// Example:
//
//	builder.WithManifestFile("/opt/prism/servers/gateway/manifest.yaml")
func (b *ServiceBuilder) WithManifestFile(path string) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if path == "" {
		b.err = fmt.Errorf("manifest path cannot be empty")
		return b
	}
	m, err := LoadManifest(path)
	if err != nil {
		b.err = err
		return b
	}
	b.config.Manifest = m
	return b
}

// WithRegistry sets where server constructors are looked up
func (b *ServiceBuilder) WithRegistry(registry *bootstrap.Registry) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if registry == nil {
		b.err = fmt.Errorf("registry cannot be nil")
		return b
	}
	b.config.Registry = registry
	return b
}

// WithMetricsCollector sets the lifecycle metrics collector.
//
// Example:
//
//	collector := lifecycle.NewPrometheusMetricsCollector("embed")
//	builder.WithMetricsCollector(collector)
func (b *ServiceBuilder) WithMetricsCollector(mc lifecycle.MetricsCollector) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if mc == nil {
		b.err = fmt.Errorf("metrics collector cannot be nil")
		return b
	}
	b.config.Metrics = mc
	return b
}

// WithEventPublisher sets where lifecycle events are reported
func (b *ServiceBuilder) WithEventPublisher(p lifecycle.EventPublisher) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if p == nil {
		b.err = fmt.Errorf("event publisher cannot be nil")
		return b
	}
	b.config.Events = p
	return b
}

// WithLogger sets the logger
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if logger == nil {
		b.err = fmt.Errorf("logger cannot be nil")
		return b
	}
	b.config.Logger = logger
	return b
}

// WithTracer sets the tracer for start and stop spans
func (b *ServiceBuilder) WithTracer(tracer trace.Tracer) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	b.config.Tracer = tracer
	return b
}

// WithEnvironment sets where environment defaults and EnvPrefix properties
// are read from. Tests use it to keep the process environment out.
//
// Example:
//
//	builder.WithEnvironment(settings.MapEnvironment{settings.HomeVar: "/opt/server"}, nil)
func (b *ServiceBuilder) WithEnvironment(env settings.Environment, environ []string) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if env == nil {
		b.err = fmt.Errorf("environment cannot be nil")
		return b
	}
	b.config.Environment = env
	b.config.Environ = environ
	return b
}

// WithStopTimeout bounds how long Stop waits for the server.
//
// Example:
//
//	builder.WithStopTimeout(10 * time.Second)
func (b *ServiceBuilder) WithStopTimeout(d time.Duration) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if d <= 0 {
		b.err = fmt.Errorf("stop timeout must be positive, got %v", d)
		return b
	}
	b.config.StopTimeout = d
	return b
}

// WithStateObserver registers a callback run after every coordinator state
// change.
//
// Example:
//
//	bridge := observability.NewHealthBridge("gateway")
//	builder.WithStateObserver(bridge.Observe)
func (b *ServiceBuilder) WithStateObserver(fn func(from, to lifecycle.State)) *ServiceBuilder {
	if b.err != nil {
		return b
	}
	if fn == nil {
		b.err = fmt.Errorf("state observer cannot be nil")
		return b
	}
	b.config.StateObservers = append(b.config.StateObservers, fn)
	return b
}

// Build creates the launcher Service.
//
// Returns an error if any builder setting was invalid or no manifest was
// given.
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.err != nil {
		return nil, fmt.Errorf("builder validation failed: %w", b.err)
	}

	if b.config.Manifest == nil {
		return nil, fmt.Errorf("invalid configuration: manifest is required")
	}

	service, err := NewService(b.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return service, nil
}

// MustBuild creates the launcher Service and panics on error
func (b *ServiceBuilder) MustBuild() *Service {
	service, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build launcher service: %v", err))
	}
	return service
}

// GetConfig returns the current configuration without building the service
func (b *ServiceBuilder) GetConfig() *Config {
	return b.config
}

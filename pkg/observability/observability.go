// Package observability wires tracing, the Prometheus metrics endpoint and
// health reporting around an embedded server launch.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "embedctl")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// MetricsAddress is where /metrics, /health and /ready are served.
	// Empty disables the HTTP server.
	MetricsAddress string

	// EnableTracing enables OpenTelemetry tracing
	EnableTracing bool

	// TraceExporter specifies the trace exporter ("stdout" or "none")
	TraceExporter string

	// TraceWriter receives stdout exporter output. Defaults to os.Stdout.
	TraceWriter io.Writer

	// Gatherer is exposed on /metrics. Defaults to the default registry.
	Gatherer prometheus.Gatherer

	// Health answers /ready. When nil /ready always succeeds.
	Health *HealthBridge

	Logger *slog.Logger
}

// Manager manages observability components (tracing, metrics, health)
type Manager struct {
	config         *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	listener       net.Listener
	serveErr       chan error
	shutdownOnce   sync.Once
}

// NewManager creates a new observability manager
func NewManager(config *Config) *Manager {
	if config == nil {
		config = &Config{
			ServiceName:    "unknown",
			ServiceVersion: "0.0.0",
			TraceExporter:  "stdout",
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:   config,
		logger:   logger,
		serveErr: make(chan error, 1),
	}
}

// Initialize sets up tracing and starts the metrics server
func (m *Manager) Initialize(ctx context.Context) error {
	m.logger.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"service_version", m.config.ServiceVersion,
		"metrics_address", m.config.MetricsAddress,
		"enable_tracing", m.config.EnableTracing)

	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Info("OpenTelemetry tracing initialized",
			"service_name", m.config.ServiceName,
			"exporter", m.config.TraceExporter)
	}

	if m.config.MetricsAddress != "" {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		m.logger.Info("metrics server started",
			"address", m.listener.Addr().String(),
			"endpoint", fmt.Sprintf("http://%s/metrics", m.listener.Addr()))
	}

	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	switch m.config.TraceExporter {
	case "none":
		// Spans are recorded but not exported

	case "stdout", "":
		writer := m.config.TraceWriter
		if writer == nil {
			writer = os.Stdout
		}
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(writer),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))

	default:
		return fmt.Errorf("unknown trace exporter %q", m.config.TraceExporter)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(m.tracerProvider)

	return nil
}

// Tracer returns a tracer for the given name
func (m *Manager) Tracer(name string) trace.Tracer {
	if m.tracerProvider != nil {
		return m.tracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}

// Handler returns the metrics and health routes
func (m *Manager) Handler() http.Handler {
	gatherer := m.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()

	// Liveness: the launcher process is up
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// Readiness: the embedded server has started
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if m.config.Health != nil && !m.config.Health.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not ready","state":%q}`, m.config.Health.State())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (m *Manager) startMetricsServer() error {
	listener, err := net.Listen("tcp", m.config.MetricsAddress)
	if err != nil {
		return err
	}

	m.listener = listener
	m.metricsServer = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", "error", err)
			m.serveErr <- err
		}
		close(m.serveErr)
	}()

	return nil
}

// Addr returns the metrics server's listen address, or nil when disabled
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Done reports a metrics server failure. It is closed once the server stops.
func (m *Manager) Done() <-chan error {
	return m.serveErr
}

// Shutdown stops the metrics server and flushes traces. It is safe to call
// more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down observability")

		if m.metricsServer != nil {
			if err := m.metricsServer.Shutdown(ctx); err != nil {
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("metrics server shutdown: %w", err))
			}
		} else {
			close(m.serveErr)
		}

		if m.tracerProvider != nil {
			if err := m.tracerProvider.Shutdown(ctx); err != nil {
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("tracer provider shutdown: %w", err))
			}
		}

		if m.config.Health != nil {
			m.config.Health.Shutdown()
		}
	})

	return shutdownErr
}

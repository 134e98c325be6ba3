package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jrepp/prism-embed/pkg/lifecycle"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestServingStatus(t *testing.T) {
	tests := []struct {
		state lifecycle.State
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{lifecycle.StateNotStarted, healthpb.HealthCheckResponse_NOT_SERVING},
		{lifecycle.StateStarting, healthpb.HealthCheckResponse_NOT_SERVING},
		{lifecycle.StateStarted, healthpb.HealthCheckResponse_SERVING},
		{lifecycle.StateStopping, healthpb.HealthCheckResponse_NOT_SERVING},
		{lifecycle.StateStopped, healthpb.HealthCheckResponse_NOT_SERVING},
		{lifecycle.StateFailed, healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ServingStatus(tt.state))
		})
	}
}

func TestHealthBridge_FollowsState(t *testing.T) {
	bridge := NewHealthBridge("gateway")
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := bridge.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("gateway"))
	assert.False(t, bridge.Ready())

	bridge.Observe(lifecycle.StateStarting, lifecycle.StateStarted)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("gateway"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.True(t, bridge.Ready())

	bridge.Observe(lifecycle.StateStarted, lifecycle.StateStopping)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("gateway"))
	assert.Equal(t, lifecycle.StateStopping, bridge.State())
}

func TestHealthBridge_ConcurrentObserveStaysConsistent(t *testing.T) {
	bridge := NewHealthBridge("gateway")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				to := lifecycle.StateStarted
				if (i+j)%2 == 0 {
					to = lifecycle.StateStopping
				}
				bridge.Observe(lifecycle.StateStarting, to)
			}
		}(i)
	}
	wg.Wait()

	want := ServingStatus(bridge.State())
	for _, service := range []string{"gateway", ""} {
		resp, err := bridge.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Status, "service %q matches the recorded state", service)
	}
}

func TestHealthBridge_OverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	bridge := NewHealthBridge("gateway")
	bridge.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	bridge.Observe(lifecycle.StateStarting, lifecycle.StateStarted)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "gateway"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	bridge.Shutdown()
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "gateway"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestManager_Handler(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	bridge := NewHealthBridge("gateway")
	m := NewManager(&Config{ServiceName: "test", Gatherer: registry, Health: bridge, Logger: discard})
	handler := m.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)

	metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "embed_test_total 1")

	ready := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
	assert.Contains(t, ready.Body.String(), "NotStarted")

	bridge.Observe(lifecycle.StateStarting, lifecycle.StateStarted)
	assert.Equal(t, http.StatusOK, get("/ready").Code)
}

func TestManager_MetricsServer(t *testing.T) {
	m := NewManager(&Config{
		ServiceName:    "test",
		MetricsAddress: "127.0.0.1:0",
		Gatherer:       prometheus.NewRegistry(),
		Logger:         discard,
	})
	require.NoError(t, m.Initialize(context.Background()))
	require.NotNil(t, m.Addr())

	resp, err := http.Get("http://" + m.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "shutdown is idempotent")

	_, open := <-m.Done()
	assert.False(t, open, "done is closed after shutdown")
}

func TestManager_Tracing(t *testing.T) {
	var out bytes.Buffer
	m := NewManager(&Config{
		ServiceName:   "test",
		EnableTracing: true,
		TraceExporter: "stdout",
		TraceWriter:   &out,
		Logger:        discard,
	})
	require.NoError(t, m.Initialize(context.Background()))

	_, span := m.Tracer("observability_test").Start(context.Background(), "embed.test")
	span.End()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "embed.test")
	assert.Contains(t, out.String(), "service.name")
}

func TestManager_UnknownExporter(t *testing.T) {
	m := NewManager(&Config{EnableTracing: true, TraceExporter: "jaeger", Logger: discard})
	assert.ErrorContains(t, m.Initialize(context.Background()), "unknown trace exporter")
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Nil(t, m.Addr())
	assert.NoError(t, m.Shutdown(context.Background()))
}

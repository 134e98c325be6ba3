package observability

import (
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jrepp/prism-embed/pkg/lifecycle"
)

// HealthBridge publishes a coordinator's state through the standard gRPC
// health service. Install Observe with lifecycle.WithStateObserver.
type HealthBridge struct {
	service string
	server  *health.Server

	// mu keeps state and the published status in step
	mu    sync.Mutex
	state atomic.Int32
}

// NewHealthBridge creates a bridge reporting under service. The overall
// ("") status follows the same state.
func NewHealthBridge(service string) *HealthBridge {
	b := &HealthBridge{
		service: service,
		server:  health.NewServer(),
	}
	b.set(lifecycle.StateNotStarted)
	return b
}

// ServingStatus maps a coordinator state to a health status. Only a started
// server is serving.
func ServingStatus(state lifecycle.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == lifecycle.StateStarted {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Observe records a coordinator transition
func (b *HealthBridge) Observe(_, to lifecycle.State) {
	b.set(to)
}

func (b *HealthBridge) set(state lifecycle.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Store(int32(state))
	status := ServingStatus(state)
	b.server.SetServingStatus(b.service, status)
	b.server.SetServingStatus("", status)
}

// State returns the last observed coordinator state
func (b *HealthBridge) State() lifecycle.State {
	return lifecycle.State(b.state.Load())
}

// Ready reports whether the server has started
func (b *HealthBridge) Ready() bool {
	return b.State() == lifecycle.StateStarted
}

// Server returns the underlying health server
func (b *HealthBridge) Server() *health.Server {
	return b.server
}

// Register installs the health service on a gRPC server
func (b *HealthBridge) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, b.server)
}

// Shutdown marks every service NOT_SERVING and ignores later updates
func (b *HealthBridge) Shutdown() {
	b.server.Shutdown()
}

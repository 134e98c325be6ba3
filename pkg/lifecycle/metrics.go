package lifecycle

import (
	"time"

	"github.com/jrepp/prism-embed/pkg/embederr"
)

// MetricsCollector defines the interface for collecting coordinator metrics
type MetricsCollector interface {
	// StateTransition records a coordinator state transition
	StateTransition(implementation string, fromState, toState State)

	// StartDuration records how long a Start call took
	StartDuration(implementation string, duration time.Duration, err error)

	// StopDuration records how long the underlying stop took
	StopDuration(implementation string, duration time.Duration, err error)

	// Error records a failure by code
	Error(implementation string, code embederr.Code)

	// SharedShadows records contract names shadowed inside isolated artifacts
	SharedShadows(implementation string, count int)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) StateTransition(implementation string, fromState, toState State) {}
func (n *noopMetricsCollector) StartDuration(implementation string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) StopDuration(implementation string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) Error(implementation string, code embederr.Code) {}
func (n *noopMetricsCollector) SharedShadows(implementation string, count int)  {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

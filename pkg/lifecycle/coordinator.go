// Package lifecycle starts and supervises one embedded server.
//
// A Coordinator runs preflight, builds the isolation boundary, constructs
// the server inside it and issues its start on a separate goroutine. Start
// then waits, up to a bound, for the server's one-time completion signal.
// Stop is idempotent and calls the server's own stop at most once.
//
// State machine:
//
//	NotStarted -> Starting -> Started -> Stopping -> Stopped
//	                 |           |          |
//	                 +-> Failed <+----------+
//	                       |
//	                       +-> Stopping (when a server handle exists)
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/embederr"
	"github.com/jrepp/prism-embed/pkg/isolation"
	"github.com/jrepp/prism-embed/pkg/preflight"
	"github.com/jrepp/prism-embed/pkg/settings"
)

// DefaultStopTimeout bounds Stop when no WithStopTimeout option is given
const DefaultStopTimeout = 30 * time.Second

const tracerName = "github.com/jrepp/prism-embed/pkg/lifecycle"

var errServerReportedFailure = errors.New("server reported a failed state")

// StartRequest describes one server launch
type StartRequest struct {
	// Implementation is the name the server's type is registered and
	// packaged under
	Implementation string

	// Artifacts are isolated in list order
	Artifacts []artifact.Artifact

	// SharedNames are patterns shared with the host in addition to the
	// contract names
	SharedNames []string

	// Layers are merged into the properties passed to the constructor
	Layers []settings.Layer

	// Ports must all be free before anything is built
	Ports []int

	// Timeout bounds the wait for the completion signal. Zero, or Wait
	// false, returns as soon as the start is issued.
	Timeout time.Duration
	Wait    bool
}

// Coordinator owns one server, its isolation boundary and its lifecycle
// state. A Coordinator is single-use: once Start has been called, later
// Start calls fail.
type Coordinator struct {
	registry    *bootstrap.Registry
	parent      isolation.Resolver
	settings    *settings.Resolver
	indexer     artifact.Indexer
	blockAll    bool
	stopTimeout time.Duration
	metrics     MetricsCollector
	events      EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	observers   []func(from, to State)

	// opMu serializes Start and Stop
	opMu  sync.Mutex
	state atomic.Int32

	mu             sync.Mutex
	implementation string
	server         contract.Server
	loader         *isolation.Loader
}

// NewCoordinator creates a coordinator in the NotStarted state
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:    bootstrap.Default,
		parent:      isolation.ContractHost(),
		settings:    settings.NewResolver(),
		indexer:     artifact.FSIndexer{},
		blockAll:    true,
		stopTimeout: DefaultStopTimeout,
		metrics:     NewNoopMetricsCollector(),
		events:      &NoopEventPublisher{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CurrentState returns the current state without blocking
func (c *Coordinator) CurrentState() State {
	return State(c.state.Load())
}

// Handle returns the constructed server, if there is one
func (c *Coordinator) Handle() contract.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Start launches the server described by req.
//
// Port, configuration and artifact problems are reported before anything is
// constructed and leave the coordinator NotStarted. Construction failures
// and timeouts leave it Failed; Stop still shuts down a server that was
// constructed.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (contract.Server, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "lifecycle.Start", trace.WithAttributes(
		attribute.String("embed.implementation", req.Implementation),
		attribute.Int("embed.artifacts", len(req.Artifacts)),
		attribute.Int64("embed.timeout_ms", req.Timeout.Milliseconds()),
	))
	defer span.End()

	began := time.Now()
	server, err := c.start(ctx, req)
	c.metrics.StartDuration(req.Implementation, time.Since(began), err)

	if err != nil {
		c.metrics.Error(req.Implementation, embederr.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("embed.state", c.CurrentState().String()))

	return server, err
}

func (c *Coordinator) start(ctx context.Context, req StartRequest) (contract.Server, error) {
	if state := c.CurrentState(); state != StateNotStarted {
		return nil, embederr.InvalidState("start", state.String())
	}
	if req.Implementation == "" {
		return nil, embederr.Configuration("No server implementation named").
			WithSuggestion("Set the implementation name the server is registered under")
	}
	if req.Timeout < 0 {
		return nil, embederr.Configuration("Start timeout must not be negative, got %s", req.Timeout).
			WithContext("timeout", req.Timeout)
	}

	c.mu.Lock()
	c.implementation = req.Implementation
	c.mu.Unlock()

	logger := c.logger.With("implementation", req.Implementation)

	props := c.settings.Merge(req.Layers...)

	if err := preflight.CheckPorts(req.Ports...); err != nil {
		logger.Warn("port preflight failed", "ports", req.Ports, "error", err)
		return nil, err
	}

	vs, err := isolation.Partition(req.Artifacts, req.SharedNames)
	if err != nil {
		return nil, err
	}

	loaderOpts := []isolation.LoaderOption{
		isolation.WithIndexer(c.indexer),
		isolation.WithLogger(logger),
	}
	if !c.blockAll {
		loaderOpts = append(loaderOpts, isolation.WithoutBlockAll())
	}
	loader, err := isolation.NewLoader(vs, c.parent, loaderOpts...)
	if err != nil {
		return nil, err
	}

	c.transition(StateNotStarted, StateStarting)
	c.publish(ctx, EventStarting, "Starting embedded server", map[string]string{
		"artifacts": fmt.Sprint(len(req.Artifacts)),
	})

	server, err := bootstrap.Construct(loader, c.registry, req.Implementation,
		bootstrap.Properties(contract.Properties(props)))
	if err != nil {
		_ = loader.Close()
		if c.transition(StateStarting, StateFailed) {
			c.publishFailure(ctx, err)
		}
		return nil, err
	}

	c.reportShadows(logger, loader)

	c.mu.Lock()
	c.server = server
	c.loader = loader
	c.mu.Unlock()

	done := newLatch()
	call := &startCall{running: true}
	server.AddLifecycleListener(c.listener(done, call))

	go c.runStart(server, done, call)

	if !req.Wait || req.Timeout == 0 {
		logger.Info("server start issued, not waiting for completion")
		return server, nil
	}

	return c.await(ctx, server, done, req.Timeout)
}

// startCall tracks the server's Start call. A Failed notification that
// arrives while Start is still running is held until Start returns, so an
// error returned by Start becomes the recorded cause.
type startCall struct {
	mu      sync.Mutex
	running bool
	failed  bool
}

// deferFailure records a Failed notification and reports whether Start is
// still running and will report it instead.
func (sc *startCall) deferFailure() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		sc.failed = true
	}
	return sc.running
}

// finish marks Start returned and reports whether a Failed notification
// arrived meanwhile.
func (sc *startCall) finish() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.running = false
	return sc.failed
}

// listener turns the server's notifications into coordinator transitions.
// Only the first Started or Failed notification fires the latch.
func (c *Coordinator) listener(done *latch, call *startCall) contract.LifecycleListener {
	return contract.ListenerFunc(func(s contract.State) {
		switch s {
		case contract.StateStarted:
			if c.transition(StateStarting, StateStarted) {
				c.publish(context.Background(), EventReady, "Embedded server started", nil)
			}
			done.fire(nil)

		case contract.StateFailed:
			if call.deferFailure() {
				return
			}
			c.failStart(done, errServerReportedFailure)
		}
	})
}

func (c *Coordinator) runStart(server contract.Server, done *latch, call *startCall) {
	err := callStart(server)
	reportedFailed := call.finish()

	switch {
	case err != nil:
		c.failStart(done, err)
	case reportedFailed:
		c.failStart(done, errServerReportedFailure)
	}
}

func callStart(server contract.Server) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()
	return server.Start()
}

func (c *Coordinator) failStart(done *latch, cause error) {
	err := embederr.StartFailed(c.implementationName(), cause)
	if c.transition(StateStarting, StateFailed) || c.transition(StateStarted, StateFailed) {
		c.publishFailure(context.Background(), err)
	}
	done.fire(err)
}

func (c *Coordinator) await(ctx context.Context, server contract.Server, done *latch, timeout time.Duration) (contract.Server, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done.Done():
		if err := done.Err(); err != nil {
			return nil, err
		}
		return server, nil

	case <-timer.C:
		return c.giveUp(ctx, server, done, embederr.StartTimeout(c.implementationName(), timeout))

	case <-ctx.Done():
		return c.giveUp(ctx, server, done,
			embederr.StartTimeout(c.implementationName(), timeout).WithCause(ctx.Err()))
	}
}

// giveUp marks the start failed unless the latch won the race, in which
// case its result stands. The server is left running; Stop shuts it down.
func (c *Coordinator) giveUp(ctx context.Context, server contract.Server, done *latch, err *embederr.Error) (contract.Server, error) {
	if c.transition(StateStarting, StateFailed) {
		c.publishFailure(ctx, err)
		return nil, err
	}

	<-done.Done()
	if err := done.Err(); err != nil {
		return nil, err
	}
	return server, nil
}

// Stop shuts the server down. It is safe in every state: NotStarted,
// Stopped and a Failed coordinator that never built a server return nil at
// once. The server's own stop is called at most once per coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	server, loader := c.server, c.loader
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	from, ok := c.enterStopping()
	if !ok {
		return nil
	}

	implementation := c.implementationName()
	ctx, span := c.tracer.Start(ctx, "lifecycle.Stop", trace.WithAttributes(
		attribute.String("embed.implementation", implementation),
		attribute.String("embed.from_state", from.String()),
	))
	defer span.End()

	c.publish(ctx, EventStopping, "Stopping embedded server", map[string]string{"from_state": from.String()})

	began := time.Now()
	stopErr := c.stopServer(ctx, server)
	c.metrics.StopDuration(implementation, time.Since(began), stopErr)

	c.mu.Lock()
	c.server = nil
	c.loader = nil
	c.mu.Unlock()

	if loader != nil {
		if err := loader.Close(); err != nil {
			c.logger.Warn("failed to release isolation boundary", "implementation", implementation, "error", err)
		}
	}

	if stopErr != nil {
		err := embederr.Stop(implementation, stopErr).WithContext("stop_timeout", c.stopTimeout)
		c.transition(StateStopping, StateFailed)
		c.metrics.Error(implementation, embederr.CodeStop)
		c.publishFailure(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.transition(StateStopping, StateStopped)
	c.publish(ctx, EventStopped, "Embedded server stopped", nil)
	return nil
}

// enterStopping moves to Stopping from whatever state the server left the
// coordinator in. The listener may move Starting to Started concurrently,
// so the swap is retried from the fresh state.
func (c *Coordinator) enterStopping() (State, bool) {
	for {
		from := c.CurrentState()
		switch from {
		case StateStarting, StateStarted, StateFailed:
		default:
			return from, false
		}
		if c.transition(from, StateStopping) {
			return from, true
		}
	}
}

func (c *Coordinator) stopServer(ctx context.Context, server contract.Server) error {
	if c.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stopTimeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("stop panicked: %v", r)
			}
		}()
		result <- server.Stop()
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("stop did not finish: %w", ctx.Err())
	}
}

func (c *Coordinator) reportShadows(logger *slog.Logger, loader *isolation.Loader) {
	shadows := loader.SharedShadows()
	c.metrics.SharedShadows(c.implementationName(), len(shadows))

	for _, loc := range shadows {
		digest, err := loader.Digest(loc)
		if err != nil {
			logger.Debug("could not digest shadowed contract name", "name", loc.Name, "error", err)
			continue
		}
		logger.Warn("contract name packaged inside an isolated artifact is ignored in favour of the host definition",
			"name", loc.Name,
			"artifact", loc.Artifact.Identity().String(),
			"entry", loc.Entry,
			"blake3", digest)
	}
}

func (c *Coordinator) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	implementation := c.implementationName()
	c.metrics.StateTransition(implementation, from, to)
	c.logger.Debug("lifecycle transition",
		"implementation", implementation,
		"from", from.String(),
		"to", to.String())
	for _, fn := range c.observers {
		fn(from, to)
	}
	return true
}

func (c *Coordinator) implementationName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.implementation
}

func (c *Coordinator) publish(ctx context.Context, eventType, message string, metadata map[string]string) {
	md := map[string]string{"implementation": c.implementationName()}
	for k, v := range metadata {
		md[k] = v
	}
	if err := c.events.ReportLifecycleEvent(ctx, eventType, message, md); err != nil {
		c.logger.Warn("failed to publish lifecycle event", "event", eventType, "error", err)
	}
}

func (c *Coordinator) publishFailure(ctx context.Context, err error) {
	c.publish(ctx, EventFailed, err.Error(), map[string]string{
		"code": string(embederr.CodeOf(err)),
	})
}

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/embederr"
	"github.com/jrepp/prism-embed/pkg/settings"
)

const implName = "com.example.server.Embedded"

var serverArtifact = artifact.Artifact{GroupID: "com.example", ArtifactID: "server", Path: "/libs/server.jar"}

// fakeServer signals Started from Start unless startFn says otherwise
type fakeServer struct {
	contract.Notifier

	startFn func(f *fakeServer) error
	stopFn  func(f *fakeServer) error

	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeServer) Start() error {
	f.starts.Add(1)
	if f.startFn != nil {
		return f.startFn(f)
	}
	f.Transition(contract.StateStarted)
	return nil
}

func (f *fakeServer) Stop() error {
	f.stops.Add(1)
	if f.stopFn != nil {
		return f.stopFn(f)
	}
	f.Transition(contract.StateStopped)
	return nil
}

// recordingPublisher collects event types in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) ReportLifecycleEvent(_ context.Context, eventType, _ string, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recordingPublisher) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	registry    *bootstrap.Registry
	server      *fakeServer
	constructed atomic.Int32
	props       contract.Properties
}

func newHarness(server *fakeServer) *harness {
	h := &harness{registry: bootstrap.NewRegistry(), server: server}
	h.registry.Register(implName, bootstrap.Constructor{
		Params: []string{contract.PropertiesName},
		New: func(_ artifact.Location, args []any) (contract.Server, error) {
			h.constructed.Add(1)
			h.props = args[0].(contract.Properties)
			return h.server, nil
		},
	})
	return h
}

func (h *harness) coordinator(opts ...Option) *Coordinator {
	indexer := artifact.StaticIndexer{
		serverArtifact.Identity(): artifact.NewStaticIndex(map[string][]byte{
			"com/example/server/Embedded.class": []byte("server"),
		}),
	}
	base := []Option{
		WithRegistry(h.registry),
		WithIndexer(indexer),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSettingsResolver(settings.NewResolver(settings.WithEnvironment(settings.MapEnvironment{}))),
	}
	return NewCoordinator(append(base, opts...)...)
}

func request() StartRequest {
	return StartRequest{
		Implementation: implName,
		Artifacts:      []artifact.Artifact{serverArtifact},
		Timeout:        5 * time.Second,
		Wait:           true,
	}
}

func TestCoordinator_StartAndStop(t *testing.T) {
	h := newHarness(&fakeServer{})
	events := &recordingPublisher{}
	c := h.coordinator(WithEventPublisher(events))

	assert.Equal(t, StateNotStarted, c.CurrentState())

	server, err := c.Start(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, StateStarted, c.CurrentState())
	assert.Equal(t, contract.StateStarted, server.State())
	assert.Same(t, h.server, c.Handle())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.CurrentState())
	assert.Nil(t, c.Handle())
	assert.Equal(t, int32(1), h.server.stops.Load())

	assert.Equal(t, []string{EventStarting, EventReady, EventStopping, EventStopped}, events.Events())
}

func TestCoordinator_PassesMergedSettings(t *testing.T) {
	h := newHarness(&fakeServer{})
	c := h.coordinator(WithSettingsResolver(settings.NewResolver(
		settings.WithEnvironment(settings.MapEnvironment{settings.HomeVar: "/opt/embed"}),
	)))

	req := request()
	req.Layers = []settings.Layer{
		{Name: "file", Rank: settings.RankFile, Values: map[string]string{"port": "9090", "max.message.size": "32768"}},
		{Name: "inline", Rank: settings.RankInline, Values: map[string]string{"port": "8080"}},
	}

	_, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	assert.Equal(t, contract.Properties{
		"port":             "8080",
		"max.message.size": "32768",
		settings.HomeKey:   "/opt/embed",
	}, h.props)
}

func TestCoordinator_PortUnavailable(t *testing.T) {
	held, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port

	h := newHarness(&fakeServer{})
	c := h.coordinator()

	req := request()
	req.Ports = []int{port}

	server, err := c.Start(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, server)
	assert.ErrorIs(t, err, embederr.ErrPortUnavailable)
	assert.Equal(t, StateNotStarted, c.CurrentState())
	assert.Equal(t, int32(0), h.constructed.Load(), "nothing is constructed when preflight fails")
}

func TestCoordinator_ConfigurationErrorsKeepNotStarted(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *StartRequest)
	}{
		{name: "no artifacts", mutate: func(r *StartRequest) { r.Artifacts = nil }},
		{name: "malformed shared pattern", mutate: func(r *StartRequest) { r.SharedNames = []string{"a.*.b"} }},
		{name: "no implementation", mutate: func(r *StartRequest) { r.Implementation = "" }},
		{name: "negative timeout", mutate: func(r *StartRequest) { r.Timeout = -time.Second }},
		{name: "port out of range", mutate: func(r *StartRequest) { r.Ports = []int{70000} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(&fakeServer{})
			c := h.coordinator()

			req := request()
			tt.mutate(&req)

			_, err := c.Start(context.Background(), req)
			assert.ErrorIs(t, err, embederr.ErrConfiguration)
			assert.Equal(t, StateNotStarted, c.CurrentState())
			assert.Equal(t, int32(0), h.constructed.Load())
		})
	}
}

func TestCoordinator_StartTimeoutThenStop(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// The completion signal never fires.
	h := newHarness(&fakeServer{startFn: func(f *fakeServer) error {
		f.Transition(contract.StateStarting)
		<-release
		return nil
	}})
	c := h.coordinator()

	req := request()
	req.Timeout = 500 * time.Millisecond

	began := time.Now()
	server, err := c.Start(context.Background(), req)
	elapsed := time.Since(began)

	require.Error(t, err)
	assert.Nil(t, server)
	assert.ErrorIs(t, err, embederr.ErrStartTimeout)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, StateFailed, c.CurrentState())
	assert.NotNil(t, c.Handle(), "the server may still be starting and stays reachable")

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.CurrentState())
	assert.Equal(t, int32(1), h.server.stops.Load())
}

func TestCoordinator_LateSignalAfterTimeoutIsIgnored(t *testing.T) {
	signal := make(chan struct{})
	finished := make(chan struct{})
	h := newHarness(&fakeServer{startFn: func(f *fakeServer) error {
		defer close(finished)
		<-signal
		f.Transition(contract.StateStarted)
		return nil
	}})
	c := h.coordinator()

	req := request()
	req.Timeout = 50 * time.Millisecond

	_, err := c.Start(context.Background(), req)
	require.ErrorIs(t, err, embederr.ErrStartTimeout)

	close(signal)
	<-finished
	assert.Equal(t, StateFailed, c.CurrentState())
}

func TestCoordinator_DoubleStopInvokesServerOnce(t *testing.T) {
	h := newHarness(&fakeServer{})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, StateStopped, c.CurrentState())
	assert.Equal(t, int32(1), h.server.stops.Load())
}

func TestCoordinator_ConcurrentStops(t *testing.T) {
	h := newHarness(&fakeServer{stopFn: func(f *fakeServer) error {
		time.Sleep(20 * time.Millisecond)
		f.Transition(contract.StateStopped)
		return nil
	}})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Stop(context.Background())
		}(i)
	}

	// CurrentState never blocks behind an in-flight stop.
	done := make(chan State)
	go func() { done <- c.CurrentState() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CurrentState blocked")
	}

	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.server.stops.Load())
	assert.Equal(t, StateStopped, c.CurrentState())
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	h := newHarness(&fakeServer{})
	c := h.coordinator()

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateNotStarted, c.CurrentState())
}

func TestCoordinator_NoWait(t *testing.T) {
	signal := make(chan struct{})
	h := newHarness(&fakeServer{startFn: func(f *fakeServer) error {
		<-signal
		f.Transition(contract.StateStarted)
		return nil
	}})
	c := h.coordinator()

	req := request()
	req.Wait = false

	server, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, StateStarting, c.CurrentState())

	close(signal)
	require.Eventually(t, func() bool {
		return c.CurrentState() == StateStarted
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinator_ZeroTimeoutDoesNotWait(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := newHarness(&fakeServer{startFn: func(*fakeServer) error {
		<-release
		return nil
	}})
	c := h.coordinator()

	req := request()
	req.Timeout = 0

	server, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, server)
	assert.Equal(t, StateStarting, c.CurrentState())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.CurrentState())
}

func TestCoordinator_StartFailures(t *testing.T) {
	tests := []struct {
		name    string
		startFn func(f *fakeServer) error
	}{
		{
			name:    "start returns error",
			startFn: func(*fakeServer) error { return errors.New("bind: address in use") },
		},
		{
			name: "server reports failure",
			startFn: func(f *fakeServer) error {
				f.Transition(contract.StateFailed)
				return nil
			},
		},
		{
			name:    "start panics",
			startFn: func(*fakeServer) error { panic("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(&fakeServer{startFn: tt.startFn})
			c := h.coordinator()

			_, err := c.Start(context.Background(), request())
			require.Error(t, err)
			assert.ErrorIs(t, err, embederr.ErrStartFailed)
			assert.Equal(t, StateFailed, c.CurrentState())

			// A constructed server is still stopped.
			require.NoError(t, c.Stop(context.Background()))
			assert.Equal(t, StateStopped, c.CurrentState())
			assert.Equal(t, int32(1), h.server.stops.Load())
		})
	}
}

func TestCoordinator_StartErrorBeatsFailedNotification(t *testing.T) {
	execErr := errors.New("start process: exec format error")
	h := newHarness(&fakeServer{startFn: func(f *fakeServer) error {
		f.Transition(contract.StateFailed)
		return execErr
	}})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, embederr.ErrStartFailed)
	assert.ErrorIs(t, err, execErr)
	assert.Equal(t, StateFailed, c.CurrentState())
}

func TestCoordinator_FailedAfterStartReturns(t *testing.T) {
	h := newHarness(&fakeServer{startFn: func(f *fakeServer) error {
		go f.Transition(contract.StateFailed)
		return nil
	}})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, embederr.ErrStartFailed)
	assert.ErrorIs(t, err, errServerReportedFailure)
	assert.Equal(t, StateFailed, c.CurrentState())
}

func TestCoordinator_ConstructionFailure(t *testing.T) {
	h := newHarness(nil)
	h.registry.Register(implName, bootstrap.Constructor{
		New: func(artifact.Location, []any) (contract.Server, error) {
			return nil, errors.New("missing license")
		},
	})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, embederr.ErrConstruction)
	assert.Equal(t, StateFailed, c.CurrentState())
	assert.Nil(t, c.Handle())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateFailed, c.CurrentState(), "nothing to stop")
}

func TestCoordinator_StartIsSingleUse(t *testing.T) {
	h := newHarness(&fakeServer{})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)

	_, err = c.Start(context.Background(), request())
	assert.ErrorIs(t, err, embederr.ErrInvalidState)
	assert.Equal(t, int32(1), h.constructed.Load())

	require.NoError(t, c.Stop(context.Background()))

	_, err = c.Start(context.Background(), request())
	assert.ErrorIs(t, err, embederr.ErrInvalidState)
}

func TestCoordinator_StopFailure(t *testing.T) {
	h := newHarness(&fakeServer{stopFn: func(*fakeServer) error {
		return errors.New("shutdown hook failed")
	}})
	c := h.coordinator()

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)

	err = c.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, embederr.ErrStop)
	assert.Equal(t, StateFailed, c.CurrentState())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(1), h.server.stops.Load())
}

func TestCoordinator_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := newHarness(&fakeServer{stopFn: func(*fakeServer) error {
		<-release
		return nil
	}})
	c := h.coordinator(WithStopTimeout(50 * time.Millisecond))

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)

	err = c.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, embederr.ErrStop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, c.CurrentState())
}

func TestCoordinator_StateObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	h := newHarness(&fakeServer{})
	c := h.coordinator(WithStateObserver(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+"->"+to.String())
	}))

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"NotStarted->Starting",
		"Starting->Started",
		"Started->Stopping",
		"Stopping->Stopped",
	}, seen)
}

func TestCoordinator_PrometheusMetrics(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")
	h := newHarness(&fakeServer{})
	c := h.coordinator(WithMetricsCollector(pmc))

	_, err := c.Start(context.Background(), request())
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))

	expected := `
		# HELP test_server_state_transitions_total Total number of server lifecycle state transitions
		# TYPE test_server_state_transitions_total counter
		test_server_state_transitions_total{from_state="NotStarted",implementation="com.example.server.Embedded",to_state="Starting"} 1
		test_server_state_transitions_total{from_state="Starting",implementation="com.example.server.Embedded",to_state="Started"} 1
		test_server_state_transitions_total{from_state="Started",implementation="com.example.server.Embedded",to_state="Stopping"} 1
		test_server_state_transitions_total{from_state="Stopping",implementation="com.example.server.Embedded",to_state="Stopped"} 1
	`
	err = testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_server_state_transitions_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_server_start_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusMetricsCollector_Errors(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")

	pmc.Error("impl", embederr.CodeStartTimeout)
	pmc.Error("impl", embederr.CodeStartTimeout)
	pmc.Error("impl", embederr.CodeStop)
	pmc.SharedShadows("impl", 2)

	expected := `
		# HELP embed_server_errors_total Total number of lifecycle errors by code
		# TYPE embed_server_errors_total counter
		embed_server_errors_total{code="START_TIMEOUT",implementation="impl"} 2
		embed_server_errors_total{code="STOP",implementation="impl"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "embed_server_errors_total"))

	expected = `
		# HELP embed_server_shadowed_contract_names Contract names also packaged inside isolated artifacts
		# TYPE embed_server_shadowed_contract_names gauge
		embed_server_shadowed_contract_names{implementation="impl"} 2
	`
	assert.NoError(t, testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "embed_server_shadowed_contract_names"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NotStarted", StateNotStarted.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.True(t, StateStopped.Terminal())
	assert.False(t, StateStarted.Terminal())
}

func TestLatch_FirstFireWins(t *testing.T) {
	l := newLatch()
	first := errors.New("first")

	assert.True(t, l.fire(first))
	assert.False(t, l.fire(nil))
	assert.Equal(t, first, l.Err())

	select {
	case <-l.Done():
	default:
		t.Fatal("latch not closed")
	}
}

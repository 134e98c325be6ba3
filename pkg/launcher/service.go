package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/embederr"
	"github.com/jrepp/prism-embed/pkg/lifecycle"
	"github.com/jrepp/prism-embed/pkg/settings"
)

// Connector properties set from the manifest. They override every layer.
const (
	PortKey           = "embed.connector.port"
	SSLPortKey        = "embed.connector.ssl.port"
	MaxMessageSizeKey = "embed.max.message.size"
	ManagementKey     = "embed.management.enabled"
)

// EnvPrefix marks process environment variables that already carry server
// properties. PRISM_EMBED_PROP_LOG_LEVEL becomes log.level.
const EnvPrefix = "PRISM_EMBED_PROP_"

// Service launches the server described by one manifest
type Service struct {
	config *Config

	mu          sync.Mutex
	coordinator *lifecycle.Coordinator
	skipped     bool
}

// Config holds launcher configuration
type Config struct {
	// Manifest describes the launch
	Manifest *Manifest

	// Registry holds server constructors. A process manifest gets its own
	// registry instead.
	Registry *bootstrap.Registry

	// Observability
	Metrics lifecycle.MetricsCollector
	Events  lifecycle.EventPublisher
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// Environment fills embed.home when nothing else does
	Environment settings.Environment

	// Environ is scanned for EnvPrefix variables
	Environ []string

	// StopTimeout bounds the server's stop call
	StopTimeout time.Duration

	// StateObservers run after every coordinator state change
	StateObservers []func(from, to lifecycle.State)
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Registry:    bootstrap.Default,
		Metrics:     lifecycle.NewNoopMetricsCollector(),
		Events:      &lifecycle.NoopEventPublisher{},
		Logger:      slog.Default(),
		Environment: settings.OSEnvironment{},
		Environ:     os.Environ(),
		StopTimeout: lifecycle.DefaultStopTimeout,
	}
}

// NewService creates a launcher service
func NewService(config *Config) (*Service, error) {
	if config == nil || config.Manifest == nil {
		return nil, embederr.Configuration("Launcher requires a manifest")
	}

	defaults := DefaultConfig()
	if config.Registry == nil {
		config.Registry = defaults.Registry
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Events == nil {
		config.Events = defaults.Events
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Environment == nil {
		config.Environment = defaults.Environment
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = defaults.StopTimeout
	}

	return &Service{config: config}, nil
}

// Manifest returns the manifest the service launches
func (s *Service) Manifest() *Manifest {
	return s.config.Manifest
}

// Start launches the server. A manifest marked skip makes Start a no-op
// that returns a nil server.
func (s *Service) Start(ctx context.Context) (contract.Server, error) {
	m := s.config.Manifest
	logger := s.config.Logger.With("launch", m.Name)

	s.mu.Lock()
	if s.coordinator != nil || s.skipped {
		s.mu.Unlock()
		return nil, embederr.InvalidState("start", "launched")
	}
	if m.Skip {
		s.skipped = true
		s.mu.Unlock()
		logger.Info("launch skipped")
		return nil, nil
	}

	if err := checkConfigDir(m.ConfigDir); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := prepareLogDir(m.LogDir); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	layers, err := s.Layers()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	coordinator := lifecycle.NewCoordinator(s.coordinatorOptions()...)
	s.coordinator = coordinator
	s.mu.Unlock()

	logger.Info("launching server",
		"implementation", m.Implementation,
		"artifacts", len(m.Artifacts),
		"port", m.Port,
		"ssl_port", m.SSLPort)

	return coordinator.Start(ctx, lifecycle.StartRequest{
		Implementation: m.Implementation,
		Artifacts:      m.Artifacts,
		SharedNames:    m.Shared,
		Layers:         layers,
		Ports:          m.Ports(),
		Timeout:        m.StartTimeout,
		Wait:           m.WaitForStart == nil || *m.WaitForStart,
	})
}

// Stop stops the server. It is a no-op before Start and after a skipped
// launch.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	coordinator := s.coordinator
	s.mu.Unlock()

	if coordinator == nil {
		return nil
	}
	return coordinator.Stop(ctx)
}

// State reports the coordinator state
func (s *Service) State() lifecycle.State {
	if c := s.Coordinator(); c != nil {
		return c.CurrentState()
	}
	return lifecycle.StateNotStarted
}

// Coordinator returns the coordinator created by Start, or nil
func (s *Service) Coordinator() *lifecycle.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator
}

// ResolveSettings returns the properties Start would hand to the server
func (s *Service) ResolveSettings() (map[string]string, error) {
	layers, err := s.Layers()
	if err != nil {
		return nil, err
	}
	return s.Resolver().Merge(layers...), nil
}

// Layers builds the configuration layers for the manifest. Values already in
// the environment come first. Inline properties beat the properties file,
// and together they only override the environment when the manifest forces
// them. The log and config directories fill embed.log.dir and
// embed.config.dir last.
func (s *Service) Layers() ([]settings.Layer, error) {
	m := s.config.Manifest

	layers := []settings.Layer{
		settings.FromEnviron("environment", settings.RankEnv, EnvPrefix, s.config.Environ),
	}

	declared := []settings.Layer{settings.FromMap("inline", 0, m.Properties)}
	if m.PropertiesFile != "" {
		file, err := settings.FromPropertiesFile("file", 1, m.PropertiesFile)
		if err != nil {
			return nil, err
		}
		declared = append(declared, file)
	}

	layers = append(layers, settings.Layer{
		Name:   "declared",
		Rank:   settings.RankInline,
		Values: settings.Merge(declared...),
		Force:  m.Force,
	})

	dirs := map[string]string{}
	if m.LogDir != "" {
		dirs[settings.LogDirKey] = m.LogDir
	}
	if m.ConfigDir != "" {
		dirs[settings.ConfigDirKey] = m.ConfigDir
	}
	if len(dirs) > 0 {
		layers = append(layers, settings.Layer{
			Name:   "directories",
			Rank:   settings.RankDefault,
			Values: dirs,
		})
	}

	return layers, nil
}

// Resolver returns the settings resolver for the manifest
func (s *Service) Resolver() *settings.Resolver {
	m := s.config.Manifest

	opts := []settings.Option{
		settings.WithEnvironment(s.config.Environment),
		settings.WithOverride(PortKey, strconv.Itoa(m.Port)),
		settings.WithOverride(SSLPortKey, strconv.Itoa(m.SSLPort)),
		settings.WithOverride(MaxMessageSizeKey, strconv.Itoa(m.MaxMessageSize)),
		settings.WithOverride(ManagementKey, "false"),
	}
	if m.Home != "" {
		opts = append(opts, settings.WithOverride(settings.HomeKey, m.Home))
	}

	return settings.NewResolver(opts...)
}

func (s *Service) coordinatorOptions() []lifecycle.Option {
	m := s.config.Manifest

	registry := s.config.Registry
	if m.Process != nil {
		registry = bootstrap.NewRegistry()
		registry.Register(m.Implementation, ProcessConstructor(m.Name, *m.Process, s.config.Logger))
	}

	opts := []lifecycle.Option{
		lifecycle.WithRegistry(registry),
		lifecycle.WithSettingsResolver(s.Resolver()),
		lifecycle.WithStopTimeout(s.config.StopTimeout),
		lifecycle.WithMetricsCollector(s.config.Metrics),
		lifecycle.WithEventPublisher(s.config.Events),
		lifecycle.WithLogger(s.config.Logger),
	}
	if s.config.Tracer != nil {
		opts = append(opts, lifecycle.WithTracer(s.config.Tracer))
	}
	for _, observer := range s.config.StateObservers {
		opts = append(opts, lifecycle.WithStateObserver(observer))
	}
	if m.BlockAll != nil && !*m.BlockAll {
		opts = append(opts, lifecycle.WithoutBlockAll())
	}

	return opts
}

// prepareLogDir creates dir if it is missing
func prepareLogDir(dir string) error {
	if dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return embederr.Configuration("Log directory %s is not a directory", dir).
				WithContext("log_dir", dir)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return embederr.Configuration("Failed to create log directory %s", dir).
			WithContext("log_dir", dir).
			WithCause(err)
	}
	return nil
}

// checkConfigDir requires dir, when set, to be an existing directory
func checkConfigDir(dir string) error {
	if dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return embederr.Configuration("Config directory %s does not exist", dir).
			WithContext("config_dir", dir).
			WithCause(err).
			WithSuggestion("Create the directory or remove config_dir from the manifest")
	}
	if !info.IsDir() {
		return embederr.Configuration("Config directory %s is not a directory", dir).
			WithContext("config_dir", dir)
	}
	return nil
}

// String returns a one-line description of the service
func (s *Service) String() string {
	m := s.config.Manifest
	return fmt.Sprintf("%s (%s, state %s)", m.Name, m.Implementation, s.State())
}

package launcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/embederr"
)

// Manifest defaults
const (
	DefaultPort           = 8080
	DefaultSSLPort        = 8443
	DefaultMaxMessageSize = 32768
	DefaultStartTimeout   = 60 * time.Second
)

// ManifestFile is the file name Discover looks for in each subdirectory
const ManifestFile = "manifest.yaml"

// Manifest declares one embedded server launch
type Manifest struct {
	// Name of the launch (e.g., "gateway", "test-server")
	Name string `yaml:"name" validate:"required"`

	// Optional: Description of the launch
	Description string `yaml:"description"`

	// Implementation is the name the server is registered and packaged under
	Implementation string `yaml:"implementation" validate:"required"`

	// Artifacts form the isolated name space, searched in order. Relative
	// paths are resolved against the manifest directory.
	Artifacts []artifact.Artifact `yaml:"artifacts" validate:"required,min=1,dive"`

	// Shared patterns in addition to the contract names
	Shared []string `yaml:"shared"`

	// BlockAll hides every non-shared host name. Defaults to true.
	BlockAll *bool `yaml:"block_all"`

	// Connector ports, checked before anything is built
	Port    int `yaml:"port" validate:"min=0,max=65535"`
	SSLPort int `yaml:"ssl_port" validate:"min=0,max=65535"`

	// MaxMessageSize in bytes
	MaxMessageSize int `yaml:"max_message_size" validate:"min=0"`

	// StartTimeout bounds the wait for the completion signal
	StartTimeout time.Duration `yaml:"start_timeout" validate:"min=0"`

	// WaitForStart makes Start block until the server signals completion.
	// Defaults to true.
	WaitForStart *bool `yaml:"wait_for_start"`

	// Skip turns the launch into a no-op
	Skip bool `yaml:"skip"`

	// Home overrides embed.home from every other source
	Home string `yaml:"home"`

	// LogDir is created if missing and fills embed.log.dir when unset
	LogDir string `yaml:"log_dir"`

	// ConfigDir must be an existing directory. It fills embed.config.dir
	// when unset.
	ConfigDir string `yaml:"config_dir"`

	// Properties passed to the server
	Properties map[string]string `yaml:"properties"`

	// PropertiesFile supplies properties that inline Properties take
	// precedence over
	PropertiesFile string `yaml:"properties_file"`

	// Force applies declared properties over values already present in the
	// environment
	Force bool `yaml:"force"`

	// Process runs the implementation as a child process
	Process *ProcessConfig `yaml:"process" validate:"omitempty"`

	// Internal: Absolute path to manifest file (populated during load)
	manifestPath string `yaml:"-"`
}

// ProcessConfig configures a process-backed server
type ProcessConfig struct {
	// Executable overrides the located implementation entry. Relative
	// paths are resolved against the manifest directory.
	Executable string `yaml:"executable"`

	// Args passed to the executable
	Args []string `yaml:"args"`

	// Environment variables added to the process
	Environment map[string]string `yaml:"environment"`

	// ReadyAddress is dialed to detect startup completion. Defaults to
	// localhost:<port>.
	ReadyAddress string `yaml:"ready_address"`

	// HealthPath, when set, must answer 200 over HTTP on ReadyAddress
	HealthPath string `yaml:"health_path"`

	// PollInterval between readiness checks
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`

	// GracePeriod between SIGTERM and SIGKILL on stop
	GracePeriod time.Duration `yaml:"grace_period" validate:"min=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadManifest loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, embederr.Configuration("Failed to read manifest %s", path).
			WithContext("path", path).
			WithCause(err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	return ParseManifest(data, absPath)
}

// ParseManifest parses manifest YAML. path locates the manifest for
// resolving relative paths; it may be empty, in which case relative paths
// resolve against the working directory.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, embederr.Configuration("Failed to parse manifest").
			WithContext("path", path).
			WithCause(err)
	}
	manifest.manifestPath = path

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}

// Validate checks the manifest, resolves relative paths and fills defaults
func (m *Manifest) Validate() error {
	for i := range m.Artifacts {
		m.Artifacts[i].Path = m.resolve(m.Artifacts[i].Path)
	}
	if m.PropertiesFile != "" {
		m.PropertiesFile = m.resolve(m.PropertiesFile)
	}
	if m.LogDir != "" {
		m.LogDir = m.resolve(m.LogDir)
	}
	if m.ConfigDir != "" {
		m.ConfigDir = m.resolve(m.ConfigDir)
	}
	if m.Process != nil && m.Process.Executable != "" {
		m.Process.Executable = m.resolve(m.Process.Executable)
	}

	if err := validate.Struct(m); err != nil {
		return embederr.Configuration("Invalid manifest %q: %s", m.Name, describe(err)).
			WithContext("path", m.manifestPath).
			WithCause(err)
	}

	for _, a := range m.Artifacts {
		if err := a.Validate(); err != nil {
			return embederr.Configuration("Invalid manifest %q", m.Name).
				WithContext("artifact", a.String()).
				WithCause(err)
		}
	}

	if m.Port == 0 {
		m.Port = DefaultPort
	}
	if m.SSLPort == 0 {
		m.SSLPort = DefaultSSLPort
	}
	if m.MaxMessageSize == 0 {
		m.MaxMessageSize = DefaultMaxMessageSize
	}
	if m.StartTimeout == 0 {
		m.StartTimeout = DefaultStartTimeout
	}
	if m.WaitForStart == nil {
		m.WaitForStart = boolPtr(true)
	}
	if m.BlockAll == nil {
		m.BlockAll = boolPtr(true)
	}

	if m.Process != nil {
		if m.Process.PollInterval == 0 {
			m.Process.PollInterval = 100 * time.Millisecond
		}
		if m.Process.GracePeriod == 0 {
			m.Process.GracePeriod = 10 * time.Second
		}
		if m.Process.ReadyAddress == "" {
			m.Process.ReadyAddress = fmt.Sprintf("localhost:%d", m.Port)
		}
	}

	return nil
}

// Ports returns the ports the server binds
func (m *Manifest) Ports() []int {
	return []int{m.Port, m.SSLPort}
}

// ManifestPath returns the absolute path to the manifest file
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if m.manifestPath == "" {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}
	return filepath.Join(filepath.Dir(m.manifestPath), p)
}

// describe flattens validator errors into "field: tag" pairs
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func boolPtr(b bool) *bool {
	return &b
}

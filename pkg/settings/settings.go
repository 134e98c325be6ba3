// Package settings merges layered key/value configuration into the flat
// property map handed to an embedded server.
//
// Layers are applied lowest rank first. A later layer only fills keys that
// are still absent, unless it forces them; explicit overrides always win and
// environment defaults fill whatever is left.
package settings

import (
	"os"
	"sort"
	"strings"
)

// Common ranks. Lower ranks are applied first, so they take precedence
// unless a later layer forces its keys.
const (
	// RankEnv holds values already present in the environment
	RankEnv = 0
	// RankInline holds values declared directly in configuration
	RankInline = 10
	// RankFile holds values read from a properties file
	RankFile = 20
	// RankDefault holds fallbacks that only fill missing keys
	RankDefault = 100
)

// HomeKey is the property naming the server's home directory
const HomeKey = "embed.home"

// HomeVar is the environment variable that fills HomeKey when unset
const HomeVar = "PRISM_EMBED_HOME"

// LogDirKey is the property naming the server's log directory
const LogDirKey = "embed.log.dir"

// ConfigDirKey is the property naming the server's configuration directory
const ConfigDirKey = "embed.config.dir"

// Layer is one named source of settings
type Layer struct {
	Name   string
	Values map[string]string
	Rank   int

	// Force makes every key in the layer overwrite earlier values
	Force bool

	// ForceKeys overwrite earlier values even when Force is false
	ForceKeys map[string]bool
}

func (l Layer) forces(key string) bool {
	return l.Force || l.ForceKeys[key]
}

// Environment reads variables at merge time
type Environment interface {
	LookupEnv(key string) (string, bool)
}

// OSEnvironment reads the process environment
type OSEnvironment struct{}

// LookupEnv implements Environment
func (OSEnvironment) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnvironment is a fixed environment
type MapEnvironment map[string]string

// LookupEnv implements Environment
func (m MapEnvironment) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvDefault fills Key from environment variable Var when no layer set it
type EnvDefault struct {
	Key string
	Var string
}

// Merge applies layers with no overrides and no environment defaults
func Merge(layers ...Layer) map[string]string {
	return mergeLayers(layers)
}

func mergeLayers(layers []Layer) map[string]string {
	ordered := make([]Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Rank < ordered[j].Rank
	})

	merged := make(map[string]string)
	for _, layer := range ordered {
		// Iterate keys in sorted order so the result never depends on map
		// iteration, even for forced layers that share a rank.
		for _, key := range sortedKeys(layer.Values) {
			if _, exists := merged[key]; exists && !layer.forces(key) {
				continue
			}
			merged[key] = layer.Values[key]
		}
	}
	return merged
}

// Option configures a Resolver
type Option func(*Resolver)

// WithEnvironment sets where environment defaults are read from
func WithEnvironment(env Environment) Option {
	return func(r *Resolver) {
		r.env = env
	}
}

// WithEnvDefault adds an environment default
func WithEnvDefault(key, envVar string) Option {
	return func(r *Resolver) {
		r.defaults = append(r.defaults, EnvDefault{Key: key, Var: envVar})
	}
}

// WithoutEnvDefaults drops every environment default, including the
// built-in home default.
func WithoutEnvDefaults() Option {
	return func(r *Resolver) {
		r.defaults = nil
	}
}

// WithOverride sets a value that beats every layer
func WithOverride(key, value string) Option {
	return func(r *Resolver) {
		r.overrides[key] = value
	}
}

// Resolver merges layers, then applies overrides and environment defaults
type Resolver struct {
	env       Environment
	defaults  []EnvDefault
	overrides map[string]string
}

// NewResolver creates a resolver reading the process environment, with
// embed.home defaulting from PRISM_EMBED_HOME.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		env:       OSEnvironment{},
		defaults:  []EnvDefault{{Key: HomeKey, Var: HomeVar}},
		overrides: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge returns the effective settings. Inputs are never modified and the
// same inputs always give the same result.
func (r *Resolver) Merge(layers ...Layer) map[string]string {
	merged := mergeLayers(layers)

	for key, value := range r.overrides {
		merged[key] = value
	}

	for _, d := range r.defaults {
		if _, exists := merged[d.Key]; exists {
			continue
		}
		if value, ok := r.env.LookupEnv(d.Var); ok {
			merged[d.Key] = value
		}
	}

	return merged
}

// FromMap builds a layer from a copy of values
func FromMap(name string, rank int, values map[string]string) Layer {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Layer{Name: name, Rank: rank, Values: copied}
}

// FromEnviron builds a layer from variables carrying prefix. PREFIX_LOG_DIR
// becomes log.dir.
func FromEnviron(name string, rank int, prefix string, environ []string) Layer {
	values := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		key = strings.TrimPrefix(key, prefix)
		if key == "" {
			continue
		}
		values[strings.ToLower(strings.ReplaceAll(key, "_", "."))] = value
	}
	return Layer{Name: name, Rank: rank, Values: values}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Registry maintains a collection of discovered launch manifests
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest // launch name -> manifest
	directory string               // root directory for discovery
	logger    *slog.Logger
}

// NewRegistry creates a new manifest registry
func NewRegistry(directory string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		manifests: make(map[string]*Manifest),
		directory: directory,
		logger:    logger,
	}
}

// Discover scans each subdirectory of the registry directory for a
// manifest.yaml. Manifests that fail to load are logged and skipped.
func (r *Registry) Discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("discovering launch manifests", "directory", r.directory)

	if _, err := os.Stat(r.directory); err != nil {
		return fmt.Errorf("manifest directory not found: %s: %w", r.directory, err)
	}

	entries, err := os.ReadDir(r.directory)
	if err != nil {
		return fmt.Errorf("read manifest directory: %w", err)
	}

	discovered := 0
	failed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(r.directory, entry.Name(), ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			r.logger.Debug("directory has no manifest, skipping", "directory", entry.Name())
			continue
		}

		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			r.logger.Warn("failed to load manifest", "directory", entry.Name(), "error", err)
			failed++
			continue
		}

		if existing, ok := r.manifests[manifest.Name]; ok {
			r.logger.Warn("duplicate launch name, keeping first",
				"name", manifest.Name,
				"kept", existing.ManifestPath(),
				"ignored", manifest.ManifestPath())
			failed++
			continue
		}

		r.manifests[manifest.Name] = manifest
		discovered++

		r.logger.Info("discovered launch",
			"name", manifest.Name,
			"implementation", manifest.Implementation,
			"artifacts", len(manifest.Artifacts))
	}

	r.logger.Info("manifest discovery complete", "discovered", discovered, "failed", failed)

	if discovered == 0 {
		return fmt.Errorf("no manifests discovered in directory: %s", r.directory)
	}

	return nil
}

// Get returns a manifest by launch name
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest, ok := r.manifests[name]
	return manifest, ok
}

// List returns all registered manifests ordered by name
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifests := make([]*Manifest, 0, len(r.manifests))
	for _, manifest := range r.manifests {
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})

	return manifests
}

// Count returns the number of registered manifests
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.manifests)
}

// Reload re-discovers all manifests
func (r *Registry) Reload() error {
	r.mu.Lock()
	r.manifests = make(map[string]*Manifest)
	r.mu.Unlock()

	return r.Discover()
}

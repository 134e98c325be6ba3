package isolation

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/embederr"
)

// Observer is called after every lookup the Loader answers
type Observer func(name string, loc artifact.Location, found bool)

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithIndexer sets how artifacts are indexed. Defaults to FSIndexer.
func WithIndexer(indexer artifact.Indexer) LoaderOption {
	return func(l *Loader) {
		l.indexer = indexer
	}
}

// WithoutBlockAll lets names missing from every isolated artifact fall
// through to the parent resolver.
func WithoutBlockAll() LoaderOption {
	return func(l *Loader) {
		l.blockAll = false
	}
}

// WithLogger sets the loader's logger
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithObserver registers a lookup observer
func WithObserver(observer Observer) LoaderOption {
	return func(l *Loader) {
		l.observer = observer
	}
}

// indexedArtifact pairs an isolated artifact with its open index
type indexedArtifact struct {
	artifact artifact.Artifact
	index    artifact.Index
}

// Loader resolves names according to a VisibilitySet. Shared names go to the
// parent verbatim, isolated names are searched in artifact order, and
// everything else is blocked unless block-all is disabled.
//
// A Loader is safe for concurrent use.
type Loader struct {
	parent   Resolver
	indexer  artifact.Indexer
	blockAll bool
	logger   *slog.Logger
	observer Observer

	shared  PatternSet
	blocked PatternSet

	mu        sync.RWMutex
	artifacts []indexedArtifact
	cache     map[string]artifact.Location
	closed    bool
}

// NewLoader indexes every isolated artifact and returns a loader for them.
// A nil parent resolves nothing.
func NewLoader(vs *VisibilitySet, parent Resolver, opts ...LoaderOption) (*Loader, error) {
	if vs == nil || len(vs.Isolated) == 0 {
		return nil, embederr.EmptyArtifactSet()
	}
	if parent == nil {
		parent = noParent
	}

	l := &Loader{
		parent:   parent,
		indexer:  artifact.FSIndexer{},
		blockAll: true,
		logger:   slog.Default(),
		cache:    make(map[string]artifact.Location),
	}
	for _, opt := range opts {
		opt(l)
	}

	shared, err := CompilePatterns(vs.SharedNames)
	if err != nil {
		return nil, err
	}
	l.shared = shared

	blocked := vs.Blocked
	if blocked == nil {
		blocked = []string{"*"}
	}
	if l.blockAll {
		if l.blocked, err = CompilePatterns(blocked); err != nil {
			return nil, err
		}
	}

	for _, a := range vs.Isolated {
		idx, err := l.indexer.Index(a)
		if err != nil {
			l.closeIndexes()
			return nil, embederr.Configuration("Failed to index artifact %s", a.Identity()).
				WithContext("artifact", a.String()).
				WithCause(err).
				WithSuggestion("Check the artifact path exists and is readable")
		}
		l.artifacts = append(l.artifacts, indexedArtifact{artifact: a, index: idx})
	}

	l.logger.Debug("isolation loader ready",
		"artifacts", len(l.artifacts),
		"shared", len(l.shared),
		"block_all", l.blockAll)

	return l, nil
}

// Resolve implements Resolver
func (l *Loader) Resolve(name string) (artifact.Location, bool) {
	loc, ok := l.resolve(name)
	if l.observer != nil {
		l.observer(name, loc, ok)
	}
	return loc, ok
}

func (l *Loader) resolve(name string) (artifact.Location, bool) {
	if _, ok := l.shared.Match(name); ok {
		return l.parent.Resolve(name)
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return artifact.Location{}, false
	}
	if loc, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return loc, true
	}
	for _, ia := range l.artifacts {
		entry, ok := ia.index.Lookup(name)
		if !ok {
			continue
		}
		loc := artifact.Location{
			Name:     name,
			Origin:   artifact.OriginIsolated,
			Artifact: ia.artifact,
			Entry:    entry,
		}
		l.mu.RUnlock()
		l.remember(name, loc)
		return loc, true
	}
	l.mu.RUnlock()

	if _, blocked := l.blocked.Match(name); blocked {
		return artifact.Location{}, false
	}
	return l.parent.Resolve(name)
}

func (l *Loader) remember(name string, loc artifact.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if existing, ok := l.cache[name]; ok && existing != loc {
		// Lookups are deterministic, so this cannot happen short of a
		// mutated index.
		l.logger.Warn("isolated lookup changed", "name", name, "was", existing.String(), "now", loc.String())
	}
	l.cache[name] = loc
}

// IsShared reports whether name matches the shared set
func (l *Loader) IsShared(name string) bool {
	_, ok := l.shared.Match(name)
	return ok
}

// Artifacts returns the isolated artifacts in search order
func (l *Loader) Artifacts() []artifact.Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]artifact.Artifact, len(l.artifacts))
	for i, ia := range l.artifacts {
		out[i] = ia.artifact
	}
	return out
}

// Open returns the contents behind an isolated location
func (l *Loader) Open(loc artifact.Location) (io.ReadCloser, error) {
	if loc.Origin != artifact.OriginIsolated {
		return nil, fmt.Errorf("location %s is not isolated", loc)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fmt.Errorf("loader closed")
	}
	for _, ia := range l.artifacts {
		if ia.artifact == loc.Artifact {
			return ia.index.Open(loc.Entry)
		}
	}
	return nil, fmt.Errorf("artifact %s not loaded", loc.Artifact.Identity())
}

// Digest returns the hex blake3 digest of an isolated location's contents
func (l *Loader) Digest(loc artifact.Location) (string, error) {
	rc, err := l.Open(loc)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := blake3.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("digest %s: %w", loc, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SharedShadows lists names that match the shared set but are also defined
// inside an isolated artifact. Those copies are never used; a lookup always
// returns the host's definition.
func (l *Loader) SharedShadows() []artifact.Location {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var shadows []artifact.Location
	for _, ia := range l.artifacts {
		for _, name := range ia.index.Names() {
			if _, ok := l.shared.Match(name); !ok {
				continue
			}
			entry, _ := ia.index.Lookup(name)
			shadows = append(shadows, artifact.Location{
				Name:     name,
				Origin:   artifact.OriginIsolated,
				Artifact: ia.artifact,
				Entry:    entry,
			})
		}
	}
	return shadows
}

// Close releases every artifact index. Lookups after Close resolve only
// shared names.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cache = nil

	var firstErr error
	for _, ia := range l.artifacts {
		if err := ia.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Loader) closeIndexes() {
	for _, ia := range l.artifacts {
		_ = ia.index.Close()
	}
	l.artifacts = nil
}

// Package isolation implements name-resolution isolation: a set of library
// artifacts is partitioned into names shared with the host and names visible
// only inside the boundary, and a Loader resolves lookups by that partition.
package isolation

import (
	"sync"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/contract"
)

// Resolver looks a name up and reports where it is defined.
// A miss is reported with ok=false, never as an error.
type Resolver interface {
	Resolve(name string) (loc artifact.Location, ok bool)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(name string) (artifact.Location, bool)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(name string) (artifact.Location, bool) {
	return f(name)
}

// noParent resolves nothing
var noParent = ResolverFunc(func(string) (artifact.Location, bool) {
	return artifact.Location{}, false
})

// VisibilitySet is the output of Partition: which names are shared, which
// artifacts are loadable inside the boundary, and which names are blocked
// from falling through to the host.
type VisibilitySet struct {
	// SharedNames are patterns resolved by the host on both sides
	SharedNames []string

	// Isolated artifacts in search order; the first definition wins
	Isolated []artifact.Artifact

	// Blocked patterns never fall through to the host. Nil means the
	// catch-all "*".
	Blocked []string
}

// HostTable is the host's own resolver: a registry of names the host
// defines. Lookups return a host-origin Location.
type HostTable struct {
	mu      sync.RWMutex
	entries map[string]artifact.Location
}

// NewHostTable creates a host table defining the given names
func NewHostTable(names ...string) *HostTable {
	h := &HostTable{entries: make(map[string]artifact.Location, len(names))}
	for _, name := range names {
		h.Register(name)
	}
	return h
}

// ContractHost returns a host table defining every exact contract name plus
// any extra names the host provides.
func ContractHost(extra ...string) *HostTable {
	h := NewHostTable(extra...)
	for _, name := range contract.SharedNames() {
		if isWildcard(name) {
			continue
		}
		h.Register(name)
	}
	return h
}

// Register defines name on the host side
func (h *HostTable) Register(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[name] = artifact.Location{Name: name, Origin: artifact.OriginHost}
}

// Resolve implements Resolver
func (h *HostTable) Resolve(name string) (artifact.Location, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	loc, ok := h.entries[name]
	return loc, ok
}

// Len returns the number of names the host defines
func (h *HostTable) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

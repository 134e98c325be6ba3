// Package bootstrap constructs an embedded server from inside an isolation
// boundary. The implementation is named, not imported: its name is resolved
// through the boundary's loader, and a constructor registered under that
// name builds the instance. Only contract values cross the boundary.
package bootstrap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/embederr"
)

// Lookup is what Construct needs from an isolation boundary
type Lookup interface {
	Resolve(name string) (artifact.Location, bool)
	IsShared(name string) bool
}

// Arg is one constructor argument together with the contract type name the
// constructor expects it to be.
type Arg struct {
	Type  string
	Value any
}

// Properties wraps settings as a constructor argument
func Properties(p contract.Properties) Arg {
	return Arg{Type: contract.PropertiesName, Value: p}
}

// Constructor builds a server once its implementation has been located
type Constructor struct {
	// Params lists the contract type names of the expected arguments
	Params []string

	// New builds the server. loc is where the implementation was found.
	New func(loc artifact.Location, args []any) (contract.Server, error)
}

// Registry maps implementation names to constructors
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor under an implementation name, replacing any
// previous registration.
func (r *Registry) Register(implementation string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[implementation] = c
}

// Lookup returns the constructor for implementation
func (r *Registry) Lookup(implementation string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[implementation]
	return c, ok
}

// Names returns the registered implementation names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry that server implementations
// register into from init functions.
var Default = NewRegistry()

// Register adds a constructor to the Default registry
func Register(implementation string, c Constructor) {
	Default.Register(implementation, c)
}

// Construct resolves implementation through the boundary and invokes its
// constructor with args. Every failure, including a panicking constructor,
// is reported as a construction error.
func Construct(boundary Lookup, registry *Registry, implementation string, args ...Arg) (server contract.Server, err error) {
	if registry == nil {
		registry = Default
	}

	loc, ok := boundary.Resolve(implementation)
	if !ok {
		return nil, embederr.Construction(implementation, "implementation not found in the isolated artifacts", nil).
			WithSuggestion("Check the implementation name and that its artifact is in the artifact set")
	}
	if loc.Origin != artifact.OriginIsolated {
		return nil, embederr.Construction(implementation,
			fmt.Sprintf("implementation resolved from the %s side of the boundary", loc.Origin), nil).
			WithContext("location", loc.String()).
			WithSuggestion("The implementation must live in an isolated artifact, not in a shared name")
	}

	ctor, ok := registry.Lookup(implementation)
	if !ok || ctor.New == nil {
		return nil, embederr.Construction(implementation, "no constructor registered", nil).
			WithContext("location", loc.String()).
			WithContext("registered", registry.Names())
	}

	if len(ctor.Params) != len(args) {
		return nil, embederr.Construction(implementation,
			fmt.Sprintf("constructor takes %d arguments, got %d", len(ctor.Params), len(args)), nil).
			WithContext("params", ctor.Params)
	}

	values := make([]any, len(args))
	for i, arg := range args {
		want := ctor.Params[i]
		if arg.Type != want {
			return nil, embederr.Construction(implementation,
				fmt.Sprintf("argument %d is %s, constructor expects %s", i, arg.Type, want), nil)
		}
		if !boundary.IsShared(want) {
			return nil, embederr.Construction(implementation,
				fmt.Sprintf("parameter type %s is not shared across the boundary", want), nil).
				WithSuggestion("Constructor parameters must be contract types")
		}
		values[i] = arg.Value
	}

	defer func() {
		if r := recover(); r != nil {
			server = nil
			err = embederr.Construction(implementation, "constructor panicked", fmt.Errorf("%v", r)).
				WithContext("location", loc.String())
		}
	}()

	server, err = ctor.New(loc, values)
	if err != nil {
		return nil, embederr.Construction(implementation, "constructor failed", err).
			WithContext("location", loc.String())
	}
	if server == nil {
		return nil, embederr.Construction(implementation, "constructor returned no server", nil).
			WithContext("location", loc.String())
	}

	return server, nil
}

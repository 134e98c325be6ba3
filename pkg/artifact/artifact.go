// Package artifact describes the resolved library artifacts handed to the
// launcher by the host, and indexes the names each artifact defines.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Artifact is a resolved library file plus its identity
type Artifact struct {
	GroupID    string `yaml:"group" json:"group" validate:"required"`
	ArtifactID string `yaml:"artifact" json:"artifact" validate:"required"`
	Path       string `yaml:"path" json:"path" validate:"required"`
}

// Identity uniquely identifies an artifact regardless of where it lives
type Identity struct {
	GroupID    string
	ArtifactID string
}

// String returns the group:artifact form of the identity
func (id Identity) String() string {
	return id.GroupID + ":" + id.ArtifactID
}

// Identity returns the (group, artifact) pair for this artifact
func (a Artifact) Identity() Identity {
	return Identity{GroupID: a.GroupID, ArtifactID: a.ArtifactID}
}

// String returns group:artifact@path
func (a Artifact) String() string {
	return fmt.Sprintf("%s@%s", a.Identity(), a.Path)
}

// Validate checks the artifact carries an identity and an absolute path
func (a Artifact) Validate() error {
	if a.GroupID == "" {
		return fmt.Errorf("artifact %q: group is required", a.Path)
	}
	if a.ArtifactID == "" {
		return fmt.Errorf("artifact %q: artifact id is required", a.Path)
	}
	if a.Path == "" {
		return fmt.Errorf("artifact %s: path is required", a.Identity())
	}
	if !filepath.IsAbs(a.Path) {
		return fmt.Errorf("artifact %s: path must be absolute, got %q", a.Identity(), a.Path)
	}
	return nil
}

// Parse builds an artifact from "group:artifact=path" coordinates, the form
// taken by the --artifact flag of embedctl start and resolve. A relative
// path is made absolute against the working directory.
func Parse(coords string) (Artifact, error) {
	ident, path, ok := strings.Cut(coords, "=")
	if !ok {
		return Artifact{}, fmt.Errorf("artifact %q: expected group:artifact=path", coords)
	}

	group, id, ok := strings.Cut(ident, ":")
	if !ok || group == "" || id == "" {
		return Artifact{}, fmt.Errorf("artifact %q: expected group:artifact=path", coords)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %q: resolve path: %w", coords, err)
	}

	return Artifact{GroupID: group, ArtifactID: id, Path: abs}, nil
}

// Origin says which side of the isolation boundary answered a lookup
type Origin int

const (
	// OriginUnknown is the zero value
	OriginUnknown Origin = iota
	// OriginIsolated means the name was found inside an isolated artifact
	OriginIsolated
	// OriginHost means the host's own resolver answered
	OriginHost
)

// String returns the string representation of an Origin
func (o Origin) String() string {
	switch o {
	case OriginIsolated:
		return "isolated"
	case OriginHost:
		return "host"
	default:
		return "unknown"
	}
}

// Location is the result of a successful name lookup. It is comparable, so
// two lookups agree exactly when their Locations are ==.
type Location struct {
	Name     string
	Origin   Origin
	Artifact Artifact
	Entry    string
}

// String returns a short human form of the location
func (l Location) String() string {
	if l.Origin == OriginHost {
		return fmt.Sprintf("%s (host)", l.Name)
	}
	return fmt.Sprintf("%s (%s!%s)", l.Name, l.Artifact.Identity(), l.Entry)
}

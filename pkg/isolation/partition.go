package isolation

import (
	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/embederr"
)

// Partition splits an artifact set into a VisibilitySet. Every artifact is
// isolated, in input order, whatever names it defines; the shared set is the
// contract names plus the caller's patterns. Partition is pure: it touches
// no files and retains neither input slice.
//
// Besides an empty set, an invalid artifact and a malformed pattern,
// Partition rejects an artifact set that lists the same (group, artifact)
// identity twice. With first-definition-wins lookup the second copy could
// never be reached, so two versions of one artifact are a configuration
// error rather than a silent shadow.
func Partition(artifacts []artifact.Artifact, sharedNames []string) (*VisibilitySet, error) {
	if len(artifacts) == 0 {
		return nil, embederr.EmptyArtifactSet()
	}

	seen := make(map[artifact.Identity]artifact.Artifact, len(artifacts))
	isolated := make([]artifact.Artifact, 0, len(artifacts))
	for i, a := range artifacts {
		if err := a.Validate(); err != nil {
			return nil, embederr.Configuration("Invalid artifact at position %d", i).
				WithContext("artifact", a.String()).
				WithCause(err)
		}
		if prev, dup := seen[a.Identity()]; dup {
			return nil, embederr.Configuration("Artifact %s listed twice", a.Identity()).
				WithContext("artifact", a.Identity().String()).
				WithContext("first_path", prev.Path).
				WithContext("second_path", a.Path).
				WithSuggestion("Each (group, artifact) identity may appear once; remove the duplicate version")
		}
		seen[a.Identity()] = a
		isolated = append(isolated, a)
	}

	shared := mergeNames(contract.SharedNames(), sharedNames)
	if _, err := CompilePatterns(shared); err != nil {
		return nil, err
	}

	return &VisibilitySet{
		SharedNames: shared,
		Isolated:    isolated,
		Blocked:     []string{"*"},
	}, nil
}

// mergeNames concatenates name lists, dropping duplicates, keeping order
func mergeNames(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

package isolation

import (
	"strings"
	"unicode"

	"github.com/jrepp/prism-embed/pkg/embederr"
)

// Pattern matches names. Three forms are accepted:
//
//	a.b.C   exact name
//	a.b.*   any name starting with "a.b."
//	*       every name
type Pattern struct {
	raw    string
	prefix string
	kind   patternKind
}

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternAll
)

// CompilePattern parses a pattern, failing with a configuration error on
// malformed syntax.
func CompilePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, embederr.MalformedPattern(raw, "empty pattern")
	}

	for _, r := range raw {
		if unicode.IsSpace(r) {
			return Pattern{}, embederr.MalformedPattern(raw, "contains whitespace")
		}
		if r == ',' {
			return Pattern{}, embederr.MalformedPattern(raw, "contains a comma; list patterns separately")
		}
	}

	if raw == "*" {
		return Pattern{raw: raw, kind: patternAll}, nil
	}

	body := raw
	kind := patternExact
	if strings.HasSuffix(raw, ".*") {
		body = strings.TrimSuffix(raw, ".*")
		kind = patternPrefix
	}

	if strings.Contains(body, "*") {
		return Pattern{}, embederr.MalformedPattern(raw, "wildcard is only allowed as the final segment")
	}

	for _, segment := range strings.Split(body, ".") {
		if segment == "" {
			return Pattern{}, embederr.MalformedPattern(raw, "empty name segment")
		}
	}

	if kind == patternPrefix {
		return Pattern{raw: raw, prefix: body + ".", kind: kind}, nil
	}
	return Pattern{raw: raw, prefix: body, kind: kind}, nil
}

// Match reports whether name matches the pattern
func (p Pattern) Match(name string) bool {
	switch p.kind {
	case patternAll:
		return true
	case patternPrefix:
		return strings.HasPrefix(name, p.prefix) && len(name) > len(p.prefix)
	default:
		return name == p.prefix
	}
}

// String returns the pattern as written
func (p Pattern) String() string {
	return p.raw
}

// IsCatchAll reports whether the pattern is "*"
func (p Pattern) IsCatchAll() bool {
	return p.kind == patternAll
}

// PatternSet is an ordered list of compiled patterns
type PatternSet []Pattern

// CompilePatterns compiles every pattern, stopping at the first malformed one
func CompilePatterns(raw []string) (PatternSet, error) {
	set := make(PatternSet, 0, len(raw))
	for _, r := range raw {
		p, err := CompilePattern(r)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

// Match returns the first pattern matching name
func (s PatternSet) Match(name string) (Pattern, bool) {
	for _, p := range s {
		if p.Match(name) {
			return p, true
		}
	}
	return Pattern{}, false
}

// isWildcard reports whether a raw pattern is anything but an exact name
func isWildcard(raw string) bool {
	return strings.Contains(raw, "*")
}

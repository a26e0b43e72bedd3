package utils

import (
	"fmt"
	"strings"
)

// Per-segment specificity weights. A literal segment outranks a parameter
// segment, and any concrete segment outranks a trailing wildcard (which
// contributes nothing).
const (
	weightLiteral = 3
	weightParam   = 1
)

type segment struct {
	literal string
	param   bool
}

// CompiledPattern is a parsed route template. Patterns are segment-based:
//   - literal segments match exactly ("/api/users")
//   - parameter segments (":id" or "{id}") match any single non-empty segment
//   - a trailing "*" matches any remaining suffix, including none
//
// Compiling up front keeps matching allocation-light on the hot path.
type CompiledPattern struct {
	raw      string
	segments []segment
	wildcard bool
}

// CompilePattern parses a route template. It fails on templates that do not
// begin with '/', contain empty segments, or place a wildcard anywhere but
// the final segment.
func CompilePattern(pattern string) (*CompiledPattern, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("pattern %q must begin with '/'", pattern)
	}
	cp := &CompiledPattern{raw: pattern}
	if pattern == "/" {
		return cp, nil
	}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: wildcard must be the final segment", pattern)
			}
			cp.wildcard = true
		case part == "":
			return nil, fmt.Errorf("pattern %q: empty segment", pattern)
		case strings.HasPrefix(part, ":"):
			if len(part) == 1 {
				return nil, fmt.Errorf("pattern %q: unnamed parameter segment", pattern)
			}
			cp.segments = append(cp.segments, segment{param: true})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			if len(part) == 2 {
				return nil, fmt.Errorf("pattern %q: unnamed parameter segment", pattern)
			}
			cp.segments = append(cp.segments, segment{param: true})
		case strings.ContainsAny(part, "*{}"):
			return nil, fmt.Errorf("pattern %q: invalid segment %q", pattern, part)
		default:
			cp.segments = append(cp.segments, segment{literal: part})
		}
	}
	return cp, nil
}

// Match reports whether path satisfies the pattern.
func (p *CompiledPattern) Match(path string) bool {
	parts := SplitPath(path)
	if p.wildcard {
		if len(parts) < len(p.segments) {
			return false
		}
	} else if len(parts) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if seg.param {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg.literal != parts[i] {
			return false
		}
	}
	return true
}

// Specificity scores the pattern so that among patterns matching the same
// path, an exact literal template beats a parameterized one and both beat a
// wildcard suffix. Higher is more specific.
func (p *CompiledPattern) Specificity() int {
	score := 0
	for _, seg := range p.segments {
		if seg.param {
			score += weightParam
		} else {
			score += weightLiteral
		}
	}
	return score
}

// IsWildcard reports whether the pattern ends in a suffix wildcard.
func (p *CompiledPattern) IsWildcard() bool { return p.wildcard }

func (p *CompiledPattern) String() string { return p.raw }

// SplitPath normalizes a request path into its segments. Trailing slashes
// are insignificant; the root path yields no segments.
func SplitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

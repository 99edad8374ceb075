// SPDX-License-Identifier: Apache-2.0

package respmerge

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// NoIndex marks a plain field access step.
	NoIndex = -1
	// Wildcard marks a [*] step that addresses every element of an array.
	Wildcard = -2
)

// Step is one dot-separated segment of a [Path]: a key, optionally followed
// by an array index or the [*] wildcard.
type Step struct {
	// Key is the field name.
	Key string
	// Index is [NoIndex], [Wildcard] or a non-negative array position.
	Index int
}

// Indexed reports whether the step addresses an array (by position or wildcard).
func (s Step) Indexed() bool {
	return s.Index != NoIndex
}

// IsWildcard reports whether the step is a [*] step.
func (s Step) IsWildcard() bool {
	return s.Index == Wildcard
}

func (s Step) String() string {
	switch {
	case s.Index == NoIndex:
		return s.Key
	case s.Index == Wildcard:
		return s.Key + "[*]"
	default:
		return s.Key + "[" + strconv.Itoa(s.Index) + "]"
	}
}

// Path is an ordered sequence of steps produced by [ParsePath].
type Path []Step

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// HasWildcard reports whether any step of p is a wildcard.
func (p Path) HasWildcard() bool {
	for _, s := range p {
		if s.IsWildcard() {
			return true
		}
	}
	return false
}

var segmentPattern = regexp.MustCompile(`^([^\[\]]+)(?:\[(\d+|\*)\])?$`)

// ParsePath parses a dotted path such as "a.b[2].c" or "items[*].id".
//
// Parsing never fails: a segment that does not match key, key[N] or key[*]
// is kept as a bare key holding the whole segment. An empty string yields
// an empty path.
func ParsePath(path string) Path {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	steps := make(Path, 0, len(segments))
	for _, seg := range segments {
		steps = append(steps, parseSegment(seg))
	}
	return steps
}

func parseSegment(seg string) Step {
	m := segmentPattern.FindStringSubmatch(seg)
	if m == nil {
		return Step{Key: seg, Index: NoIndex}
	}
	switch m[2] {
	case "":
		return Step{Key: m[1], Index: NoIndex}
	case "*":
		return Step{Key: m[1], Index: Wildcard}
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		// Index does not fit an int.
		return Step{Key: seg, Index: NoIndex}
	}
	return Step{Key: m[1], Index: n}
}

// Envelope prefixes stripped from filter sub-paths so that paths copied from
// a whole response still address fields of a record.
const (
	recordsPrefix  = "data.data."
	envelopePrefix = "data."
)

// SplitFilter splits a comma-separated filter into trimmed, non-empty
// sub-paths with their envelope prefix removed ("data.data." if present,
// otherwise "data.").
func SplitFilter(filter string) []string {
	var out []string
	for _, part := range splitTopLevel(filter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, stripEnvelopePrefix(part))
	}
	return out
}

// ParseFilter splits a filter with [SplitFilter] and parses each sub-path.
func ParseFilter(filter string) []Path {
	parts := SplitFilter(filter)
	paths := make([]Path, 0, len(parts))
	for _, p := range parts {
		paths = append(paths, ParsePath(p))
	}
	return paths
}

func stripEnvelopePrefix(path string) string {
	if rest, ok := strings.CutPrefix(path, recordsPrefix); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(path, envelopePrefix); ok {
		return rest
	}
	return path
}

// splitTopLevel splits s on commas that are not inside brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// ValidatePath checks path against the strict grammar that [ParsePath]
// tolerates: non-empty keys, and brackets holding either a non-negative
// integer or "*". It returns an [*InvalidPathError] describing the first
// problem found.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return &InvalidPathError{Path: path, Reason: "path is empty"}
	}
	for _, seg := range strings.Split(path, ".") {
		if reason := segmentProblem(seg); reason != "" {
			return &InvalidPathError{Path: path, Segment: seg, Reason: reason}
		}
	}
	return nil
}

func segmentProblem(seg string) string {
	if seg == "" {
		return "empty key"
	}
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		if strings.IndexByte(seg, ']') != -1 {
			return "unmatched ']'"
		}
		return ""
	}
	if open == 0 {
		return "missing key before '['"
	}
	closing := strings.IndexByte(seg[open:], ']')
	if closing == -1 {
		return "unclosed '['"
	}
	closing += open
	if closing != len(seg)-1 {
		return "unexpected characters after ']'"
	}
	if strings.ContainsAny(seg[:open], "]") {
		return "unmatched ']'"
	}
	inner := seg[open+1 : closing]
	if inner == "*" {
		return ""
	}
	if inner == "" || strings.Trim(inner, "0123456789") != "" {
		return "index must be a non-negative integer or *"
	}
	if _, err := strconv.Atoi(inner); err != nil {
		return "index out of range"
	}
	return ""
}

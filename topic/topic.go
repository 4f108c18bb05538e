// Package topic parses and matches hierarchical topic patterns.
//
// Topics are written with '/' between levels. In a pattern, a level of '*'
// matches exactly one level, a level ending in '*' (for example "#rest*")
// matches one level starting with that prefix, and a final level of '>'
// matches one or more remaining levels:
//
//	p := topic.MustParse("*/ave/v1/account/verify/external/*")
//	p.Match("svc/ave/v1/account/verify/external/12345") // true
//
// Matching normally happens inside the broker. Dialect translates canonical
// patterns into the syntax a particular broker understands and reports when
// the translation is wider than the original, in which case the client has to
// filter with Match.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator splits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one level.
	SingleLevel = "*"
	// MultiLevel matches one or more trailing levels.
	MultiLevel = ">"
)

var (
	ErrEmptyPattern        = errors.New("topic: pattern cannot be empty")
	ErrEmptyLevel          = errors.New("topic: levels cannot be empty")
	ErrMultiLevelNotLast   = errors.New("topic: '>' is only allowed as the last level")
	ErrInvalidWildcard     = errors.New("topic: '*' is only allowed at the end of a level")
	ErrWildcardInTopic     = errors.New("topic: destination cannot contain wildcards")
	ErrWildcardUnsupported = errors.New("topic: wildcards are not supported by this transport")
	ErrUnrepresentable     = errors.New("topic: level cannot be represented by this transport")
)

// Pattern is an immutable parsed topic pattern.
type Pattern struct {
	raw    string
	levels []string
}

// Parse validates s and returns its Pattern.
func Parse(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, ErrEmptyPattern
	}

	levels := strings.Split(s, Separator)
	for i, lvl := range levels {
		if lvl == "" {
			return Pattern{}, fmt.Errorf("%w: %q", ErrEmptyLevel, s)
		}
		if lvl == MultiLevel && i != len(levels)-1 {
			return Pattern{}, fmt.Errorf("%w: %q", ErrMultiLevelNotLast, s)
		}
		if idx := strings.Index(lvl, SingleLevel); idx >= 0 && idx != len(lvl)-1 {
			return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidWildcard, s)
		}
	}

	return Pattern{raw: s, levels: levels}, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string { return p.raw }

// Levels returns a copy of the pattern levels.
func (p Pattern) Levels() []string {
	out := make([]string, len(p.levels))
	copy(out, p.levels)
	return out
}

// IsWildcard reports whether the pattern contains any wildcard level.
func (p Pattern) IsWildcard() bool {
	for _, lvl := range p.levels {
		if isWildcard(lvl) {
			return true
		}
	}
	return false
}

// Match reports whether the concrete topic t is selected by the pattern.
func (p Pattern) Match(t string) bool {
	if t == "" || len(p.levels) == 0 {
		return false
	}
	parts := strings.Split(t, Separator)

	for i, lvl := range p.levels {
		if lvl == MultiLevel {
			return len(parts) > i
		}
		if i >= len(parts) {
			return false
		}

		switch {
		case lvl == SingleLevel:
			if parts[i] == "" {
				return false
			}
		case strings.HasSuffix(lvl, SingleLevel):
			if !strings.HasPrefix(parts[i], strings.TrimSuffix(lvl, SingleLevel)) {
				return false
			}
		default:
			if lvl != parts[i] {
				return false
			}
		}
	}

	return len(parts) == len(p.levels)
}

// Captures returns the levels of t selected by the pattern's wildcards, in
// order. A trailing '>' captures the remaining levels joined with '/'.
func (p Pattern) Captures(t string) ([]string, bool) {
	if !p.Match(t) {
		return nil, false
	}
	parts := strings.Split(t, Separator)

	var out []string
	for i, lvl := range p.levels {
		switch {
		case lvl == MultiLevel:
			out = append(out, strings.Join(parts[i:], Separator))
		case strings.HasSuffix(lvl, SingleLevel):
			out = append(out, parts[i])
		}
	}
	return out, true
}

// ValidateTopic checks that t is a concrete publish destination.
func ValidateTopic(t string) error {
	p, err := Parse(t)
	if err != nil {
		return err
	}
	if p.IsWildcard() {
		return fmt.Errorf("%w: %q", ErrWildcardInTopic, t)
	}
	return nil
}

// LastLevel returns the final level of t.
func LastLevel(t string) string {
	if idx := strings.LastIndex(t, Separator); idx >= 0 {
		return t[idx+1:]
	}
	return t
}

func isWildcard(lvl string) bool {
	return lvl == MultiLevel || strings.HasSuffix(lvl, SingleLevel)
}

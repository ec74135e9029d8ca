// Package rules holds the detection rule table and the malicious filename deny-list.
//
// A Set is immutable once built and safe for concurrent use by any number of scans.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/acheong08/npm-sentinel/pkg/models"
)

// Pattern is either a Literal substring or a compiled Regex
type Pattern interface {
	Match(text string) bool
	String() string
	Kind() string
}

// Literal matches when the text contains the string verbatim
type Literal string

func (l Literal) Match(text string) bool { return strings.Contains(text, string(l)) }
func (l Literal) String() string         { return string(l) }
func (l Literal) Kind() string           { return "literal" }

// Regex matches when the expression is found anywhere in the text
type Regex struct {
	re *regexp.Regexp
}

// MustRegex compiles expr and panics on error. Meant for the built-in table.
func MustRegex(expr string) Regex {
	return Regex{re: regexp.MustCompile(expr)}
}

// CompileRegex compiles expr into a Regex pattern
func CompileRegex(expr string) (Regex, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Regex{}, fmt.Errorf("failed to compile pattern %q: %w", expr, err)
	}
	return Regex{re: re}, nil
}

func (r Regex) Match(text string) bool { return r.re.MatchString(text) }
func (r Regex) String() string         { return r.re.String() }
func (r Regex) Kind() string           { return "regex" }

// Rule is one entry of the script rule table
type Rule struct {
	ID          string
	Pattern     Pattern
	Severity    models.Severity
	Description string
}

// Set is an ordered rule table plus a filename deny-list
type Set struct {
	rules    []Rule
	denyList map[string]struct{}
	denied   []string
}

// NewSet builds a Set. Rule order is preserved and defines finding order.
func NewSet(rules []Rule, denyList []string) *Set {
	s := &Set{
		rules:    make([]Rule, len(rules)),
		denyList: make(map[string]struct{}, len(denyList)),
	}
	copy(s.rules, rules)
	for _, name := range denyList {
		if _, dup := s.denyList[name]; dup {
			continue
		}
		s.denyList[name] = struct{}{}
		s.denied = append(s.denied, name)
	}
	return s
}

// Rules returns a copy of the rule table
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// DenyList returns the deny-listed filenames in insertion order
func (s *Set) DenyList() []string {
	out := make([]string, len(s.denied))
	copy(out, s.denied)
	return out
}

// Match returns every rule whose pattern occurs in text, in table order
func (s *Set) Match(text string) []Rule {
	var matched []Rule
	for _, rule := range s.rules {
		if rule.Pattern.Match(text) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// MatchAny reports whether at least one rule matches text
func (s *Set) MatchAny(text string) bool {
	for _, rule := range s.rules {
		if rule.Pattern.Match(text) {
			return true
		}
	}
	return false
}

// IsDenied reports an exact filename match against the deny-list
func (s *Set) IsDenied(filename string) bool {
	_, ok := s.denyList[filename]
	return ok
}

// Extend returns a new Set with the other set's rules and deny-list appended
func (s *Set) Extend(other *Set) *Set {
	if other == nil {
		return s
	}
	return NewSet(append(s.Rules(), other.rules...), append(s.DenyList(), other.denied...))
}

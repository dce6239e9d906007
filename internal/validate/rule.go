// Package validate implements per-line validation, auto-fixing and pluggable
// transformation of delimited data files before they are bulk loaded.
package validate

import "strings"

// Rule configures validation behavior for one file pattern. Rules are
// read-only at runtime; they are loaded once at startup, either from the
// database or from built-in defaults.
type Rule struct {
	// FilePattern keys the rule, e.g. "PM1". Empty means the default rule.
	FilePattern string

	// TableName optionally pins the target table for this pattern.
	TableName string

	// ExpectedDelimiterCount is the delimiter count every line must carry.
	// Zero disables the delimiter-count check.
	ExpectedDelimiterCount int

	ValidationEnabled bool
	AutoFixEnabled    bool

	// RejectOnViolation refuses the whole file when any ERROR issue occurs.
	RejectOnViolation bool

	ReplaceControlChars         bool
	ReplaceNonLatinChars        bool
	CollapseConsecutiveReplaced bool

	EnableDataTransformation bool
	TransformerID            string
}

// DefaultRule returns the rule applied to patterns with no explicit
// configuration: fix what can be fixed, reject nothing, transform nothing.
func DefaultRule() Rule {
	return Rule{
		ValidationEnabled:           true,
		AutoFixEnabled:              true,
		ReplaceControlChars:         true,
		ReplaceNonLatinChars:        true,
		CollapseConsecutiveReplaced: true,
		TransformerID:               TransformerNoop,
	}
}

// RuleSet resolves rules by file pattern with a default fallback.
type RuleSet struct {
	byPattern map[string]Rule
	fallback  Rule
}

// NewRuleSet builds a RuleSet from explicit rules. A rule with an empty
// FilePattern replaces the built-in default.
func NewRuleSet(rules []Rule) *RuleSet {
	s := &RuleSet{
		byPattern: make(map[string]Rule, len(rules)),
		fallback:  DefaultRule(),
	}
	for _, r := range rules {
		if r.FilePattern == "" {
			s.fallback = r
			continue
		}
		s.byPattern[strings.ToUpper(r.FilePattern)] = r
	}
	return s
}

// For returns the rule for a file pattern, falling back to the default rule
// when the pattern is unknown or empty.
func (s *RuleSet) For(pattern string) Rule {
	if pattern != "" {
		if r, ok := s.byPattern[strings.ToUpper(pattern)]; ok {
			return r
		}
	}
	return s.fallback
}

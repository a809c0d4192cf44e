package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList is the cache bypass filter. Responses for an excluded model
// are neither stored nor served from cache, regardless of fingerprint. Rules
// come from CACHE_EXCLUDE_EXACT (exact model names) and
// CACHE_EXCLUDE_PATTERNS (Go regular expressions).
//
// A nil *ExclusionList excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rule set. Blank rules are skipped; a pattern
// that fails to compile is an error so misconfiguration aborts startup.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether model bypasses the cache. The exact set is checked
// first, then patterns in configuration order.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len is the number of active rules, reported at startup.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}

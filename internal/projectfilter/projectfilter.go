// Package projectfilter resolves a set of configured project-id glob
// patterns against the list of projects the task service currently knows
// about. It is deliberately built on the standard library: no third-party
// glob library in the reference corpus offers anything path/filepath.Match
// does not already cover for flat project-id matching (no path separators
// to traverse, no need for '**').
package projectfilter

import (
	"path/filepath"
	"sort"
)

// Resolve expands patterns against known, returning the matching subset of
// known as a sorted, deduplicated slice. A pattern that matches nothing
// contributes nothing silently — callers that care should compare the
// result's length against their input.
func Resolve(patterns []string, known []string) []string {
	matched := make(map[string]struct{})

	for _, pattern := range patterns {
		for _, candidate := range known {
			ok, err := filepath.Match(pattern, candidate)
			if err != nil {
				continue
			}
			if ok {
				matched[candidate] = struct{}{}
			}
		}
	}

	result := make([]string, 0, len(matched))
	for id := range matched {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Excluded returns the subset of known not matched by any pattern, sorted.
// Useful for logging which known projects no pattern selected.
func Excluded(patterns []string, known []string) []string {
	included := make(map[string]struct{})
	for _, id := range Resolve(patterns, known) {
		included[id] = struct{}{}
	}

	var excluded []string
	for _, id := range known {
		if _, ok := included[id]; !ok {
			excluded = append(excluded, id)
		}
	}
	sort.Strings(excluded)
	return excluded
}

// FilterProjects resolves includes against known (falling back to the full
// known set when includes is empty), then drops anything matched by
// excludes, independent of includes — the two pattern sets are applied in
// one pass, not derived from one another. Returns a sorted, deduplicated
// slice.
func FilterProjects(known []string, includes []string, excludes []string) []string {
	var base []string
	if len(includes) > 0 {
		base = Resolve(includes, known)
	} else {
		seen := make(map[string]struct{}, len(known))
		for _, id := range known {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				base = append(base, id)
			}
		}
	}
	if len(excludes) == 0 {
		result := make([]string, len(base))
		copy(result, base)
		sort.Strings(result)
		return result
	}

	dropped := make(map[string]struct{})
	for _, id := range Resolve(excludes, base) {
		dropped[id] = struct{}{}
	}

	result := make([]string, 0, len(base))
	for _, id := range base {
		if _, ok := dropped[id]; !ok {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result
}

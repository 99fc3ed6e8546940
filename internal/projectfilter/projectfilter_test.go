package projectfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_ExactMatch(t *testing.T) {
	got := Resolve([]string{"proj-a"}, []string{"proj-a", "proj-b"})
	assert.Equal(t, []string{"proj-a"}, got)
}

func TestResolve_WildcardMatchesMultiple(t *testing.T) {
	got := Resolve([]string{"proj-*"}, []string{"proj-a", "proj-b", "other"})
	assert.Equal(t, []string{"proj-a", "proj-b"}, got)
}

func TestResolve_DeduplicatesAcrossOverlappingPatterns(t *testing.T) {
	got := Resolve([]string{"proj-*", "proj-a"}, []string{"proj-a", "proj-b"})
	assert.Equal(t, []string{"proj-a", "proj-b"}, got)
}

func TestResolve_NoMatchesYieldsEmpty(t *testing.T) {
	got := Resolve([]string{"nonexistent-*"}, []string{"proj-a"})
	assert.Empty(t, got)
}

func TestResolve_EmptyPatternsYieldsEmpty(t *testing.T) {
	got := Resolve(nil, []string{"proj-a"})
	assert.Empty(t, got)
}

func TestExcluded_ReturnsUnmatchedProjects(t *testing.T) {
	got := Excluded([]string{"proj-a"}, []string{"proj-a", "proj-b", "proj-c"})
	assert.Equal(t, []string{"proj-b", "proj-c"}, got)
}

func TestExcluded_EmptyWhenAllMatch(t *testing.T) {
	got := Excluded([]string{"*"}, []string{"proj-a", "proj-b"})
	assert.Empty(t, got)
}

func TestFilterProjects_IncludeThenExclude(t *testing.T) {
	got := FilterProjects(
		[]string{"proj-a", "proj-staging-a", "proj-staging-b", "other"},
		[]string{"proj-*"},
		[]string{"proj-staging-*"},
	)
	assert.Equal(t, []string{"proj-a"}, got)
}

func TestFilterProjects_NoIncludesDefaultsToKnown(t *testing.T) {
	got := FilterProjects([]string{"proj-a", "proj-b"}, nil, []string{"proj-b"})
	assert.Equal(t, []string{"proj-a"}, got)
}

func TestFilterProjects_NoExcludesKeepsAllIncluded(t *testing.T) {
	got := FilterProjects([]string{"proj-a", "proj-b", "other"}, []string{"proj-*"}, nil)
	assert.Equal(t, []string{"proj-a", "proj-b"}, got)
}

func TestFilterProjects_ExcludeIndependentOfIncludePattern(t *testing.T) {
	// proj-a is matched by the include pattern but also by the exclude
	// pattern; exclude wins regardless of which pattern "found" it first.
	got := FilterProjects([]string{"proj-a", "proj-b"}, []string{"proj-*"}, []string{"proj-a"})
	assert.Equal(t, []string{"proj-b"}, got)
}

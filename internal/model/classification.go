// Package model defines the core domain models used throughout the application.
package model

import "strings"

// PathSeparator joins taxonomy levels into a path string.
const PathSeparator = "|"

// MaxTaxonomyDepth is the deepest level a taxonomy path can carry.
const MaxTaxonomyDepth = 5

// ClassificationResult is the category assignment for a single row. Empty
// level strings mean the level was not assigned.
type ClassificationResult struct {
	L1                  string
	L2                  string
	L3                  string
	L4                  string
	L5                  string
	OverrideRuleApplied string
	Reasoning           string
}

// Valid reports whether the result carries a top-level category.
func (r *ClassificationResult) Valid() bool {
	return r != nil && strings.TrimSpace(r.L1) != ""
}

// Levels returns the assigned levels in order, stopping at the first
// empty one.
func (r *ClassificationResult) Levels() []string {
	all := []string{r.L1, r.L2, r.L3, r.L4, r.L5}
	levels := make([]string, 0, MaxTaxonomyDepth)
	for _, l := range all {
		if strings.TrimSpace(l) == "" {
			break
		}
		levels = append(levels, l)
	}
	return levels
}

// Path returns the pipe-joined taxonomy path for the assigned levels.
func (r *ClassificationResult) Path() string {
	return strings.Join(r.Levels(), PathSeparator)
}

// ResultFromPath splits a pipe-joined taxonomy path into per-level fields.
// Levels beyond the fifth are ignored.
func ResultFromPath(path string) ClassificationResult {
	var r ClassificationResult
	levels := SplitPath(path)
	fields := []*string{&r.L1, &r.L2, &r.L3, &r.L4, &r.L5}
	for i, l := range levels {
		if i >= len(fields) {
			break
		}
		*fields[i] = l
	}
	return r
}

// SplitPath splits a taxonomy path into trimmed, non-empty levels.
func SplitPath(path string) []string {
	parts := strings.Split(path, PathSeparator)
	levels := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			levels = append(levels, p)
		}
	}
	return levels
}

// PathDepth returns the number of levels in a taxonomy path.
func PathDepth(path string) int {
	return len(strings.Split(path, PathSeparator))
}

// PathL1 returns the top-level segment of a taxonomy path.
func PathL1(path string) string {
	if i := strings.Index(path, PathSeparator); i >= 0 {
		return path[:i]
	}
	return path
}

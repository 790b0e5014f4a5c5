package matchindex

import "github.com/bmatcuk/doublestar/v4"

// GlobMatcher builds a CustomMatchFunc from a doublestar glob pattern (e.g.
// "src/**/*.c"), the concrete shape a pattern-based generator's
// input_pattern_keys() uses for its MatchCustom registrations. Malformed
// patterns never match rather than panicking; validate patterns with
// ValidateGlob at admission time instead.
func GlobMatcher(pattern string) CustomMatchFunc {
	return func(candidateKey string) bool {
		ok, err := doublestar.Match(pattern, candidateKey)
		return err == nil && ok
	}
}

// ValidateGlob reports a non-nil error if pattern is not a syntactically
// valid doublestar pattern. Neither graph admission nor
// Controller.Register calls it, so a malformed pattern registered through
// GlobMatcher is not reported as a configuration error (§7); it simply
// never matches.
func ValidateGlob(pattern string) error {
	_, err := doublestar.Match(pattern, "")
	return err
}

// Package generator defines the §4.5 generator contract consumed by the
// reactive controller. The surface that constructs generators from
// user-facing patterns or a YAML front-end is explicitly out of the core's
// scope (spec.md §1) — this package only defines the interface plus one
// reference implementation, used by cmd/corectl's "run" and "list" commands.
package generator

import (
	"context"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// PatternKey is one (key-pattern, strategy) entry a generator registers in
// the affected-generators index (§4.2, §4.5).
type PatternKey struct {
	Pattern  string
	Strategy coretypes.MatchStrategy
	// Match is required when Strategy is MatchCustom; ignored otherwise.
	Match func(candidateKey string) bool
}

// Generator produces tasks from declared input patterns, and is re-invoked
// whenever a published target key matches one of those patterns (§4.5).
type Generator interface {
	// ID is a stable identifier used to de-duplicate regeneration requests
	// within one fixed-point step (§4.5).
	ID() string
	// InputPatternKeys returns the patterns registered in the
	// affected-generators index.
	InputPatternKeys() []PatternKey
	// Generate must be deterministic for a given external world, may
	// produce zero tasks, and must terminate.
	Generate(ctx context.Context) ([]*coretypes.Task, error)
}

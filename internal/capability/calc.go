package capability

import (
	"context"
	"fmt"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// CalcFunc computes a calc-dependency's current value. Its witness is the
// predicate's return value rather than filesystem or object-store
// metadata — the concrete "calc_dep" shape the §3 capability contract
// takes when a task's input is "whatever this function currently returns"
// (SPEC_FULL §C.4).
type CalcFunc func(ctx context.Context) (coretypes.Witness, error)

// CalcDependency adapts a CalcFunc into the Dependency contract, keyed
// under the "calc://" custom scheme.
type CalcDependency struct {
	name string
	fn   CalcFunc
}

// NewCalcDependency builds a CalcDependency with the given stable name.
func NewCalcDependency(name string, fn CalcFunc) *CalcDependency {
	return &CalcDependency{name: name, fn: fn}
}

func (c *CalcDependency) Key() string { return "calc://" + c.name }

func (c *CalcDependency) Exists(_ context.Context) (bool, error) { return true, nil }

func (c *CalcDependency) Witness(ctx context.Context) (coretypes.Witness, error) {
	return c.fn(ctx)
}

func (c *CalcDependency) ModifiedSince(ctx context.Context, stored coretypes.Witness) (bool, error) {
	current, err := c.fn(ctx)
	if err != nil {
		return false, fmt.Errorf("capability: calc dependency %s: %w", c.name, err)
	}
	return !coretypes.WitnessEqual(current, stored), nil
}

func (c *CalcDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

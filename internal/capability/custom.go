package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// CustomKeyTarget is a reference MatchCustom target: its key is an opaque
// "kind://..." URI (§3) and Matches implements whatever equivalence the
// kind needs beyond plain string equality — here, a remote-object key
// matches a dependency on the same object regardless of a trailing
// "?versionId=..." query string, since a consumer asking for "the current
// object" shouldn't care which version produced it.
type CustomKeyTarget struct {
	key string
}

// NewCustomKeyTarget builds a CustomKeyTarget for an opaque key.
func NewCustomKeyTarget(key string) *CustomKeyTarget { return &CustomKeyTarget{key: key} }

func (t *CustomKeyTarget) Key() string { return t.key }

func (t *CustomKeyTarget) Exists(_ context.Context) (bool, error) { return true, nil }

func (t *CustomKeyTarget) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchCustom }

// Matches implements coretypes.CustomMatcher: the dependency key matches
// this target if it names the same object, ignoring any "?..." suffix.
func (t *CustomKeyTarget) Matches(depKey string) bool {
	return stripQuery(t.key) == stripQuery(depKey)
}

func stripQuery(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}

// CustomKeyDependency is the dependency-side counterpart of CustomKeyTarget.
type CustomKeyDependency struct {
	key     string
	fetcher func(ctx context.Context) (coretypes.Witness, bool, error)
}

// NewCustomKeyDependency builds a CustomKeyDependency. fetcher returns the
// object's current witness (e.g. an ETag) and whether it exists.
func NewCustomKeyDependency(key string, fetcher func(ctx context.Context) (coretypes.Witness, bool, error)) *CustomKeyDependency {
	return &CustomKeyDependency{key: key, fetcher: fetcher}
}

func (d *CustomKeyDependency) Key() string { return d.key }

func (d *CustomKeyDependency) Exists(ctx context.Context) (bool, error) {
	_, exists, err := d.fetcher(ctx)
	return exists, err
}

func (d *CustomKeyDependency) Witness(ctx context.Context) (coretypes.Witness, error) {
	w, _, err := d.fetcher(ctx)
	return w, err
}

func (d *CustomKeyDependency) ModifiedSince(ctx context.Context, stored coretypes.Witness) (bool, error) {
	current, _, err := d.fetcher(ctx)
	if err != nil {
		return false, fmt.Errorf("capability: custom dependency %s: %w", d.key, err)
	}
	return !coretypes.WitnessEqual(current, stored), nil
}

func (d *CustomKeyDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchCustom }

func (d *CustomKeyDependency) Matches(otherKey string) bool {
	return stripQuery(d.key) == stripQuery(otherKey)
}

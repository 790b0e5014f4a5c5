package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/matchindex"
)

// TaskFactory builds one Task for a single file matched under a
// DirGlobGenerator's root, given the match relative to root.
type TaskFactory func(matchRelPath string) (*coretypes.Task, error)

// DirGlobGenerator is the reference "pattern-based generator" (§4.5): it
// walks a directory tree once per Generate call, matches entries against a
// doublestar glob, and builds one task per match via Factory. It is the
// concrete shape of the "compile chain" scenario's `src/<m>.c` generator
// (§8 scenario 2) — root="src", Glob="*.c".
type DirGlobGenerator struct {
	id      string
	root    string
	glob    string
	Factory TaskFactory
}

// NewDirGlobGenerator builds a DirGlobGenerator with the given stable id.
func NewDirGlobGenerator(id, root, glob string, factory TaskFactory) *DirGlobGenerator {
	return &DirGlobGenerator{id: id, root: root, glob: glob, Factory: factory}
}

func (g *DirGlobGenerator) ID() string { return g.id }

func (g *DirGlobGenerator) InputPatternKeys() []PatternKey {
	pattern := filepath.Join(g.root, g.glob)
	return []PatternKey{{
		Pattern:  pattern,
		Strategy: coretypes.MatchCustom,
		Match:    matchindex.GlobMatcher(pattern),
	}}
}

func (g *DirGlobGenerator) Generate(_ context.Context) ([]*coretypes.Task, error) {
	if _, err := os.Stat(g.root); os.IsNotExist(err) {
		return nil, nil
	}

	// doublestar.Glob walks the tree itself (it understands "**" segments),
	// so a recursive pattern like "**/*.c" reaches nested directories —
	// os.ReadDir alone only ever sees g.root's immediate entries.
	names, err := doublestar.Glob(os.DirFS(g.root), g.glob)
	if err != nil {
		return nil, fmt.Errorf("generator %s: invalid glob %q: %w", g.id, g.glob, err)
	}

	filtered := names[:0]
	for _, name := range names {
		info, err := os.Stat(filepath.Join(g.root, name))
		if err != nil {
			return nil, fmt.Errorf("generator %s: stat %s: %w", g.id, name, err)
		}
		if !info.IsDir() {
			filtered = append(filtered, name)
		}
	}
	names = filtered
	sort.Strings(names) // deterministic generation order (§4.5)

	tasks := make([]*coretypes.Task, 0, len(names))
	for _, name := range names {
		t, err := g.Factory(name)
		if err != nil {
			return nil, fmt.Errorf("generator %s: building task for %s: %w", g.id, name, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// dirWitness summarizes a directory's contents well enough to detect
// additions/removals/renames without re-hashing every file on every check.
type dirWitness struct {
	Entries []string `json:"entries"`
}

// DirPrefixTarget is a task's declared directory-prefix output (§3: "for
// directory prefixes end in /"), such as "extracted/<archive>/" in the
// cascade scenario (§8 scenario 3).
type DirPrefixTarget struct {
	key string // must end in "/"
	dir string // local filesystem path the key maps to
}

// NewDirPrefixTarget builds a DirPrefixTarget. key must end in "/".
func NewDirPrefixTarget(key, dir string) (*DirPrefixTarget, error) {
	if !strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("capability: prefix target key %q must end in /", key)
	}
	return &DirPrefixTarget{key: key, dir: dir}, nil
}

func (t *DirPrefixTarget) Key() string { return t.key }

func (t *DirPrefixTarget) Exists(_ context.Context) (bool, error) {
	info, err := os.Stat(t.dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capability: stat %s: %w", t.dir, err)
	}
	return info.IsDir(), nil
}

func (t *DirPrefixTarget) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchPrefix }

// DirPrefixDependency is a dependency on the membership of a directory —
// used when a task's input is "whatever currently lives under this
// prefix" rather than a single file.
type DirPrefixDependency struct {
	key string
	dir string
}

// NewDirPrefixDependency builds a DirPrefixDependency. key must end in "/".
func NewDirPrefixDependency(key, dir string) (*DirPrefixDependency, error) {
	if !strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("capability: prefix dependency key %q must end in /", key)
	}
	return &DirPrefixDependency{key: key, dir: dir}, nil
}

func (d *DirPrefixDependency) Key() string { return d.key }

func (d *DirPrefixDependency) Exists(_ context.Context) (bool, error) {
	info, err := os.Stat(d.dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capability: stat %s: %w", d.dir, err)
	}
	return info.IsDir(), nil
}

func (d *DirPrefixDependency) Witness(_ context.Context) (coretypes.Witness, error) {
	return listDir(d.dir)
}

func (d *DirPrefixDependency) ModifiedSince(ctx context.Context, stored coretypes.Witness) (bool, error) {
	current, err := d.Witness(ctx)
	if err != nil {
		return false, err
	}
	return !coretypes.WitnessEqual(current, stored), nil
}

func (d *DirPrefixDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchPrefix }

func listDir(dir string) (dirWitness, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return dirWitness{}, nil
	}
	if err != nil {
		return dirWitness{}, fmt.Errorf("capability: readdir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, filepath.Join(dir, e.Name()))
	}
	sort.Strings(names)
	return dirWitness{Entries: names}, nil
}

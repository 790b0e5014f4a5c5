// Package capability supplies reference implementations of the §3
// dependency/target capability contract. The core (internal/coretypes,
// internal/uptodate, internal/executor, ...) only ever consumes the
// interfaces; these adapters are the concrete "file", "directory prefix",
// "task", and "calc" kinds mentioned in §3's dependency-key grammar, kept
// deliberately minimal since remote-object adapters and the declarative
// front-ends that construct these are explicitly out of the core's scope
// (spec.md §1).
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// fileWitness is the size+mtime+content-hash witness §3 specifies for
// local files.
type fileWitness struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	Hash    string `json:"hash"`
}

// FileDependency is a dependency on the content of a local file, identified
// by its absolute path (§3: "Keys for local files are absolute paths").
type FileDependency struct {
	path string
}

// NewFileDependency builds a FileDependency for an absolute path.
func NewFileDependency(path string) *FileDependency { return &FileDependency{path: path} }

func (f *FileDependency) Key() string { return f.path }

func (f *FileDependency) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capability: stat %s: %w", f.path, err)
	}
	return true, nil
}

func (f *FileDependency) Witness(_ context.Context) (coretypes.Witness, error) {
	return statFile(f.path)
}

func (f *FileDependency) ModifiedSince(ctx context.Context, stored coretypes.Witness) (bool, error) {
	current, err := f.Witness(ctx)
	if err != nil {
		return false, err
	}
	return !coretypes.WitnessEqual(current, stored), nil
}

func (f *FileDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

// FileTarget is a task's declared file output.
type FileTarget struct {
	path string
}

// NewFileTarget builds a FileTarget for an absolute path.
func NewFileTarget(path string) *FileTarget { return &FileTarget{path: path} }

func (f *FileTarget) Key() string { return f.path }

func (f *FileTarget) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capability: stat %s: %w", f.path, err)
	}
	return true, nil
}

func (f *FileTarget) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

func statFile(path string) (fileWitness, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileWitness{}, fmt.Errorf("capability: stat %s: %w", path, err)
	}
	hash, err := hashFile(path)
	if err != nil {
		return fileWitness{}, err
	}
	return fileWitness{Size: info.Size(), ModTime: info.ModTime().UnixNano(), Hash: hash}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path supplied by task declaration
	if err != nil {
		return "", fmt.Errorf("capability: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("capability: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

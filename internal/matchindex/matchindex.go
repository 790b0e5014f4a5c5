// Package matchindex implements the §4.2 match index: it resolves a
// dependency key to the set of tasks (or, symmetrically, generators) that
// declare a matching target (or input pattern), honoring
// exact > longest-prefix > custom priority. The index is append-only during
// a session (§4.2) — there is no Remove.
package matchindex

import (
	"strings"
	"sync"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// Owner identifies whoever registered a key — a task name for the target
// index, a generator ID for the generator-pattern index.
type Owner = string

// CustomMatchFunc decides whether a candidate dependency key matches a
// CUSTOM-strategy registration.
type CustomMatchFunc func(candidateKey string) bool

type entry struct {
	key      string
	owner    Owner
	custom   CustomMatchFunc
	ordinal  int // declaration order, for custom-strategy tie-breaking
}

// trieNode is one "/"-delimited path segment of a PREFIX registration.
type trieNode struct {
	children map[string]*trieNode
	owners   []Owner // owners whose prefix target ends exactly at this node
}

func newTrieNode() *trieNode { return &trieNode{children: map[string]*trieNode{}} }

// Index is a single match index instance. A session holds two: one for
// task targets (producer resolution) and one for generator input patterns
// (reactive regeneration).
type Index struct {
	mu      sync.RWMutex
	exact   map[string][]Owner
	prefix  map[string]*trieNode // keyed by bucket (scheme+authority)
	custom  []entry
	ordinal int
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		exact:  map[string][]Owner{},
		prefix: map[string]*trieNode{},
	}
}

// Register adds one (key, strategy, owner) registration. custom must be
// non-nil when strategy is MatchCustom and is ignored otherwise.
func (idx *Index) Register(key string, strategy coretypes.MatchStrategy, owner Owner, custom CustomMatchFunc) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch strategy {
	case coretypes.MatchExact:
		idx.exact[key] = append(idx.exact[key], owner)
	case coretypes.MatchPrefix:
		bucket, segments := bucketAndSegments(key)
		root, ok := idx.prefix[bucket]
		if !ok {
			root = newTrieNode()
			idx.prefix[bucket] = root
		}
		node := root
		for _, seg := range segments {
			child, ok := node.children[seg]
			if !ok {
				child = newTrieNode()
				node.children[seg] = child
			}
			node = child
		}
		node.owners = append(node.owners, owner)
	case coretypes.MatchCustom:
		idx.custom = append(idx.custom, entry{key: key, owner: owner, custom: custom, ordinal: idx.ordinal})
		idx.ordinal++
	}
}

// FindBest resolves depKey to the single highest-priority owner:
// exact wins, then longest prefix, then the first declared custom match.
// Returns ok=false if nothing matches.
func (idx *Index) FindBest(depKey string) (Owner, bool) {
	owners := idx.FindAllByPriority(depKey)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// FindAllByPriority resolves depKey against the highest-priority tier that
// has any match at all: if any exact registrations match, they are
// returned (in registration order); else the deepest matching prefix
// registrations; else every custom registration (in declaration order)
// whose matcher returns true. This is used both for single-producer
// resolution (§4.2 find_producer, via FindBest) and for the symmetric
// affected_generators query, which needs every owner at the winning tier.
func (idx *Index) FindAllByPriority(depKey string) []Owner {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if owners, ok := idx.exact[depKey]; ok && len(owners) > 0 {
		return append([]Owner(nil), owners...)
	}

	if owners := idx.longestPrefixMatch(depKey); len(owners) > 0 {
		return owners
	}

	var owners []Owner
	for _, e := range idx.custom {
		if e.custom != nil && e.custom(depKey) {
			owners = append(owners, e.owner)
		}
	}
	return owners
}

func (idx *Index) longestPrefixMatch(depKey string) []Owner {
	bucket, segments := bucketAndSegments(depKey)
	root, ok := idx.prefix[bucket]
	if !ok {
		return nil
	}

	node := root
	var best []Owner
	for _, seg := range segments {
		child, ok := node.children[seg]
		if !ok {
			break
		}
		node = child
		if len(node.owners) > 0 {
			best = node.owners // deepest wins; overwritten as we descend further
		}
	}
	if len(best) == 0 {
		return nil
	}
	return append([]Owner(nil), best...)
}

// bucketAndSegments splits a URI-like key into a cross-bucket isolation key
// (scheme+authority, or a sentinel for local paths / task refs) and its
// "/"-delimited path segments, so that e.g. s3://a/data/ never matches
// s3://b/data/x (§8 boundary behaviors).
func bucketAndSegments(key string) (bucket string, segments []string) {
	if i := strings.Index(key, "://"); i >= 0 {
		scheme := key[:i]
		rest := key[i+3:]
		authority := rest
		path := ""
		if slash := strings.Index(rest, "/"); slash >= 0 {
			authority = rest[:slash]
			path = rest[slash+1:]
		}
		bucket = scheme + "://" + authority
		segments = splitPath(path)
		return bucket, segments
	}
	if strings.HasPrefix(key, "task:") {
		return "task:", []string{strings.TrimPrefix(key, "task:")}
	}
	// Local absolute file path: the leading "/" makes segments[0] == "",
	// which we drop so "/out/" and "/out/sub/" share a root bucket.
	bucket = "file"
	segments = splitPath(strings.TrimPrefix(key, "/"))
	return bucket, segments
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

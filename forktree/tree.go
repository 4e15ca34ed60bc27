// Package forktree tracks every non-finalized candidate block from the last
// finalized block up to the best candidates.
//
// Nodes live in an arena: each node is addressed by a stable Index and refers
// to its parent by index, never by pointer. Pruning a branch invalidates the
// indices of the removed subtree and recycles them through a free list.
// At any moment the tree holds exactly one finalized root.
package forktree

import (
	"sort"

	"github.com/forgenet/chainsync/types"
)

// Index is a stable handle to a node in the tree. An Index remains valid for
// the lifetime of its node and is recycled only after the node is pruned.
type Index int

// NilIndex is the zero value for a missing node.
const NilIndex Index = -1

// WeightFn returns the fork-choice weight contributed by a single header.
// Cumulative node weight is the sum of the weights along the path from the
// finalized root.
type WeightFn func(types.Header) uint64

// TieBreakFn reports whether tip a is preferred over tip b when both have
// equal cumulative weight. The rule is consensus-specific; the default picks
// the lowest hash so that independent replicas converge.
type TieBreakFn func(a, b types.Header) bool

type node struct {
	header types.Header
	hash   types.Hash
	parent Index
	weight uint64
	live   bool
}

// Tree is the fork tree. It is not safe for concurrent use.
type Tree struct {
	nodes  []node
	free   []Index
	byHash map[types.Hash]Index
	root   Index

	weightFn WeightFn
	tieBreak TieBreakFn
}

// Option configures a Tree.
type Option func(*Tree)

// WithWeightFn overrides the per-header weight, which defaults to 1 (longest
// chain wins).
func WithWeightFn(fn WeightFn) Option {
	return func(t *Tree) { t.weightFn = fn }
}

// WithTieBreak overrides the equal-weight tie-break rule.
func WithTieBreak(fn TieBreakFn) Option {
	return func(t *Tree) { t.tieBreak = fn }
}

// New returns a tree rooted at the given finalized header.
func New(root types.Header, opts ...Option) *Tree {
	t := &Tree{
		byHash:   make(map[types.Hash]Index),
		weightFn: func(types.Header) uint64 { return 1 },
		tieBreak: func(a, b types.Header) bool { return a.Hash().Less(b.Hash()) },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.root = t.alloc(node{header: root, hash: root.Hash(), parent: NilIndex, live: true})
	return t
}

func (t *Tree) alloc(n node) Index {
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[idx] = n
		t.byHash[n.hash] = idx
		return idx
	}
	t.nodes = append(t.nodes, n)
	idx := Index(len(t.nodes) - 1)
	t.byHash[n.hash] = idx
	return idx
}

// Insert adds a header to the tree and returns its index. The parent must
// already be present; the header number must follow the parent's.
func (t *Tree) Insert(header types.Header) (Index, error) {
	hash := header.Hash()
	if _, ok := t.byHash[hash]; ok {
		return NilIndex, ErrDuplicateBlock
	}
	parent, ok := t.byHash[header.ParentHash]
	if !ok {
		return NilIndex, ErrMissingParent{ParentHash: header.ParentHash}
	}
	parentNode := t.nodes[parent]
	if header.Number != parentNode.header.Number+1 {
		return NilIndex, ErrBadNumber{Number: header.Number, ParentNumber: parentNode.header.Number}
	}
	idx := t.alloc(node{
		header: header,
		hash:   hash,
		parent: parent,
		weight: parentNode.weight + t.weightFn(header),
		live:   true,
	})
	return idx, nil
}

// Has reports whether the block with the given hash is in the tree.
func (t *Tree) Has(hash types.Hash) bool {
	_, ok := t.byHash[hash]
	return ok
}

// IndexOf returns the index of the block with the given hash.
func (t *Tree) IndexOf(hash types.Hash) (Index, bool) {
	idx, ok := t.byHash[hash]
	return idx, ok
}

// Header returns the header at the given index.
func (t *Tree) Header(idx Index) (types.Header, error) {
	if !t.valid(idx) {
		return types.Header{}, ErrUnknownBlock
	}
	return t.nodes[idx].header, nil
}

// Root returns the current finalized root header.
func (t *Tree) Root() types.Header {
	return t.nodes[t.root].header
}

// RootIndex returns the index of the current finalized root.
func (t *Tree) RootIndex() Index {
	return t.root
}

// Len returns the number of live nodes, including the root.
func (t *Tree) Len() int {
	return len(t.byHash)
}

func (t *Tree) valid(idx Index) bool {
	return idx >= 0 && int(idx) < len(t.nodes) && t.nodes[idx].live
}

// IsDescendant reports whether desc is a descendant of anc. A node is not
// its own descendant.
func (t *Tree) IsDescendant(anc, desc Index) (bool, error) {
	if !t.valid(anc) || !t.valid(desc) {
		return false, ErrUnknownBlock
	}
	for cur := t.nodes[desc].parent; cur != NilIndex; cur = t.nodes[cur].parent {
		if cur == anc {
			return true, nil
		}
	}
	return false, nil
}

// BestChain returns the path from the finalized root to the live tip with the
// highest cumulative weight, ties broken by the tie-break rule. The root is
// the first element.
func (t *Tree) BestChain() []types.Header {
	best := t.root
	for idx := range t.nodes {
		i := Index(idx)
		if !t.valid(i) || i == best {
			continue
		}
		n := t.nodes[i]
		cur := t.nodes[best]
		if n.weight > cur.weight || (n.weight == cur.weight && t.tieBreak(n.header, cur.header)) {
			best = i
		}
	}

	var path []types.Header
	for cur := best; cur != NilIndex; cur = t.nodes[cur].parent {
		path = append(path, t.nodes[cur].header)
	}
	// reverse: root first
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// BestHeader returns the header at the tip of the best chain.
func (t *Tree) BestHeader() types.Header {
	chain := t.BestChain()
	return chain[len(chain)-1]
}

// Finalize advances the finalized root to the node at the given index and
// prunes every branch not descending from it. It returns the hashes of the
// pruned abandoned blocks, sorted for determinism. The finalized ancestors
// between the old and new root leave the tree but are not reported as pruned.
//
// Finalizing the current root is a no-op. Finalizing a node that is not a
// descendant of the current root fails with ErrRevertNotAllowed.
func (t *Tree) Finalize(target Index) ([]types.Hash, error) {
	if !t.valid(target) {
		return nil, ErrUnknownBlock
	}
	if target == t.root {
		return nil, nil
	}
	desc, err := t.IsDescendant(t.root, target)
	if err != nil {
		return nil, err
	}
	if !desc {
		return nil, ErrRevertNotAllowed
	}

	// Ancestors of the target, root included, leave the tree silently.
	ancestors := make(map[Index]bool)
	for cur := t.nodes[target].parent; cur != NilIndex; cur = t.nodes[cur].parent {
		ancestors[cur] = true
	}

	var pruned []types.Hash
	for idx := range t.nodes {
		i := Index(idx)
		if !t.valid(i) || i == target {
			continue
		}
		if ancestors[i] {
			t.release(i)
			continue
		}
		if keep, _ := t.IsDescendant(target, i); keep {
			continue
		}
		pruned = append(pruned, t.nodes[i].hash)
		t.release(i)
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].Less(pruned[j]) })

	t.root = target
	t.nodes[target].parent = NilIndex
	return pruned, nil
}

// release frees a node. Descendant walks must be done before the first
// release of a Finalize pass, since release breaks parent links.
func (t *Tree) release(idx Index) {
	delete(t.byHash, t.nodes[idx].hash)
	t.nodes[idx] = node{parent: NilIndex}
	t.free = append(t.free, idx)
}

package forktree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/forgenet/chainsync/types"
)

func makeHeader(number int64, parent types.Hash, seed byte) types.Header {
	return types.Header{
		Number:     number,
		ParentHash: parent,
		StateRoot:  types.HashBytes([]byte{seed}),
	}
}

// makeChain returns n headers extending parent, one per height.
func makeChain(parent types.Header, n int, seed byte) []types.Header {
	out := make([]types.Header, 0, n)
	for i := 0; i < n; i++ {
		h := makeHeader(parent.Number+1, parent.Hash(), seed)
		out = append(out, h)
		parent = h
	}
	return out
}

func TestTreeInsert(t *testing.T) {
	root := makeHeader(10, types.HashBytes([]byte("genesis")), 0)
	tree := New(root)

	child := makeHeader(11, root.Hash(), 1)
	idx, err := tree.Insert(child)
	require.NoError(t, err)
	got, err := tree.Header(idx)
	require.NoError(t, err)
	assert.Equal(t, child, got)
	assert.Equal(t, 2, tree.Len())

	_, err = tree.Insert(child)
	assert.Equal(t, ErrDuplicateBlock, err)

	orphan := makeHeader(12, types.HashBytes([]byte("nowhere")), 2)
	_, err = tree.Insert(orphan)
	assert.IsType(t, ErrMissingParent{}, err)

	skipped := makeHeader(13, child.Hash(), 3)
	_, err = tree.Insert(skipped)
	assert.IsType(t, ErrBadNumber{}, err)
}

func TestTreeIndexStability(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)

	chain := makeChain(root, 5, 1)
	indices := make([]Index, 0, len(chain))
	for _, h := range chain {
		idx, err := tree.Insert(h)
		require.NoError(t, err)
		indices = append(indices, idx)
	}

	// A competing branch does not disturb existing indices.
	fork := makeChain(root, 3, 2)
	for _, h := range fork {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}
	for i, idx := range indices {
		got, err := tree.Header(idx)
		require.NoError(t, err)
		assert.Equal(t, chain[i], got)
	}
}

func TestTreeBestChain(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)

	long := makeChain(root, 4, 1)
	short := makeChain(root, 2, 2)
	for _, h := range append(append([]types.Header{}, long...), short...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}

	best := tree.BestChain()
	require.Len(t, best, 5)
	assert.Equal(t, root, best[0])
	assert.Equal(t, long[3], best[4])
	assert.Equal(t, long[3], tree.BestHeader())
}

func TestTreeBestChainTieBreak(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)

	a := makeChain(root, 2, 1)
	b := makeChain(root, 2, 2)
	tipA, tipB := a[1], b[1]
	lowest := tipA
	if tipB.Hash().Less(tipA.Hash()) {
		lowest = tipB
	}

	// Default tie-break converges on the lowest tip hash regardless of
	// insertion order.
	for _, order := range [][]types.Header{
		{a[0], a[1], b[0], b[1]},
		{b[0], b[1], a[0], a[1]},
	} {
		tree := New(root)
		for _, h := range order {
			_, err := tree.Insert(h)
			require.NoError(t, err)
		}
		assert.Equal(t, lowest, tree.BestHeader())
	}

	// A custom tie-break flips the preference.
	tree := New(root, WithTieBreak(func(x, y types.Header) bool {
		return y.Hash().Less(x.Hash())
	}))
	for _, h := range append(append([]types.Header{}, a...), b...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}
	highest := tipA
	if lowest.Hash() == tipA.Hash() {
		highest = tipB
	}
	assert.Equal(t, highest, tree.BestHeader())
}

func TestTreeWeightFn(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	heavy := makeChain(root, 1, 1)
	long := makeChain(root, 3, 2)

	tree := New(root, WithWeightFn(func(h types.Header) uint64 {
		if h.Hash() == heavy[0].Hash() {
			return 100
		}
		return 1
	}))
	for _, h := range append(append([]types.Header{}, heavy...), long...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}
	assert.Equal(t, heavy[0], tree.BestHeader())
}

func TestTreeFinalize(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)

	canonical := makeChain(root, 4, 1)
	fork := makeChain(root, 2, 2)
	deepFork := makeChain(canonical[1], 2, 3)

	for _, h := range append(append(append([]types.Header{}, canonical...), fork...), deepFork...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}

	target, ok := tree.IndexOf(canonical[2].Hash())
	require.True(t, ok)
	pruned, err := tree.Finalize(target)
	require.NoError(t, err)

	// The competing root fork dies; the fork above the new root survives.
	assert.Len(t, pruned, 2)
	assert.Equal(t, canonical[2], tree.Root())
	assert.True(t, tree.Has(canonical[3].Hash()))
	assert.True(t, tree.Has(deepFork[0].Hash()))
	assert.False(t, tree.Has(fork[0].Hash()))
	assert.False(t, tree.Has(fork[1].Hash()))

	// Finalized ancestors are gone but were not reported as pruned.
	assert.False(t, tree.Has(canonical[0].Hash()))
	assert.False(t, tree.Has(root.Hash()))
	for _, hash := range pruned {
		assert.NotEqual(t, canonical[0].Hash(), hash)
		assert.NotEqual(t, canonical[1].Hash(), hash)
	}
}

func TestTreeFinalizeRootNoop(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)
	chain := makeChain(root, 2, 1)
	for _, h := range chain {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}
	pruned, err := tree.Finalize(tree.RootIndex())
	require.NoError(t, err)
	assert.Empty(t, pruned)
	assert.Equal(t, 3, tree.Len())
}

func TestTreeFinalizeRevert(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)
	canonical := makeChain(root, 3, 1)
	fork := makeChain(root, 1, 2)
	for _, h := range append(append([]types.Header{}, canonical...), fork...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}

	target, _ := tree.IndexOf(canonical[1].Hash())
	_, err := tree.Finalize(target)
	require.NoError(t, err)

	// The old fork index was pruned; finalizing it must not revert.
	forkIdx, ok := tree.IndexOf(fork[0].Hash())
	assert.False(t, ok)
	_, err = tree.Finalize(forkIdx)
	assert.Error(t, err)
}

func TestTreeIndexRecycling(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)
	canonical := makeChain(root, 2, 1)
	fork := makeChain(root, 2, 2)
	for _, h := range append(append([]types.Header{}, canonical...), fork...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}

	target, _ := tree.IndexOf(canonical[1].Hash())
	_, err := tree.Finalize(target)
	require.NoError(t, err)

	// New inserts reuse freed slots without growing the arena.
	before := tree.Len()
	more := makeChain(canonical[1], 3, 3)
	for _, h := range more {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}
	assert.Equal(t, before+3, tree.Len())
	for _, h := range more {
		idx, ok := tree.IndexOf(h.Hash())
		require.True(t, ok)
		got, err := tree.Header(idx)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestTreeIsDescendant(t *testing.T) {
	root := makeHeader(0, types.Hash{}, 0)
	tree := New(root)
	chain := makeChain(root, 3, 1)
	fork := makeChain(root, 1, 2)
	for _, h := range append(append([]types.Header{}, chain...), fork...) {
		_, err := tree.Insert(h)
		require.NoError(t, err)
	}

	rootIdx := tree.RootIndex()
	tipIdx, _ := tree.IndexOf(chain[2].Hash())
	forkIdx, _ := tree.IndexOf(fork[0].Hash())

	ok, err := tree.IsDescendant(rootIdx, tipIdx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.IsDescendant(forkIdx, tipIdx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A node is not its own descendant.
	ok, err = tree.IsDescendant(tipIdx, tipIdx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestTreeInsertOrderIndependence checks that the best chain does not depend
// on the order blocks arrive in, as long as parents precede children.
func TestTreeInsertOrderIndependence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		root := makeHeader(0, types.Hash{}, 0)

		// Build a random fork set: each header extends a random earlier one.
		n := rapid.IntRange(1, 20).Draw(rt, "n").(int)
		headers := []types.Header{root}
		for i := 0; i < n; i++ {
			pi := rapid.IntRange(0, len(headers)-1).Draw(rt, fmt.Sprintf("parent%d", i)).(int)
			parent := headers[pi]
			h := makeHeader(parent.Number+1, parent.Hash(), byte(i+1))
			headers = append(headers, h)
		}
		blocks := headers[1:]

		reference := New(root)
		for _, h := range blocks {
			_, err := reference.Insert(h)
			require.NoError(rt, err)
		}
		want := reference.BestHeader()

		// Re-insert in a random parent-respecting order.
		tree := New(root)
		remaining := append([]types.Header{}, blocks...)
		for len(remaining) > 0 {
			var ready []int
			for i, h := range remaining {
				if tree.Has(h.ParentHash) {
					ready = append(ready, i)
				}
			}
			require.NotEmpty(rt, ready)
			pick := ready[rapid.IntRange(0, len(ready)-1).Draw(rt, "pick").(int)]
			_, err := tree.Insert(remaining[pick])
			require.NoError(rt, err)
			remaining = append(remaining[:pick], remaining[pick+1:]...)
		}
		require.Equal(rt, want, tree.BestHeader())
	})
}

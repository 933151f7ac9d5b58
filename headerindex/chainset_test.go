package headerindex

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testForest wires an index and a chain set together and hands out linked
// nodes for tip manipulation tests.
type testForest struct {
	t      *testing.T
	index  *Index
	chains *ChainSet
	nonce  uint32
}

func newTestForest(t *testing.T) *testForest {
	return &testForest{
		t:      t,
		index:  NewIndex(),
		chains: NewChainSet(),
	}
}

// newNode creates, links and registers a node on top of the given parent.
// Pass nil for genesis.
func (f *testForest) newNode(parent *Node) *Node {
	f.nonce++
	header := &wire.BlockHeader{
		Version:   1,
		Bits:      testBits,
		Nonce:     f.nonce,
		Timestamp: time.Unix(1231006505+int64(f.nonce)*600, 0),
	}
	if parent != nil {
		header.PrevBlock = parent.Hash()
	}

	node := NewNode(header, parent)
	node = f.index.Insert(node.Hash(), node)
	node.BuildSkip()

	return node
}

func (f *testForest) requireTips(want ...*Node) {
	f.t.Helper()
	require.ElementsMatch(f.t, want, f.chains.Tips())
}

// TestGenesisBootstrap appends a lone genesis header into an empty set.
func TestGenesisBootstrap(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	require.True(t, f.chains.AppendHeader(genesis))

	require.Equal(t, genesis, f.chains.BestHeader())
	require.Equal(t, genesis, f.chains.MainChain().Tip())
	f.requireTips(genesis)
}

// TestLinearExtension extends the single chain by one header.
func TestLinearExtension(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	require.True(t, f.chains.AppendHeader(genesis))

	a := f.newNode(genesis)
	require.True(t, f.chains.AppendHeader(a))

	require.Equal(t, a, f.chains.BestHeader())
	f.requireTips(a)
}

// TestReorg grows a competing branch of equal work, which must not unseat
// the incumbent, then extends it past the incumbent, which must.
func TestReorg(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	require.True(t, f.chains.AppendHeader(genesis))
	a := f.newNode(genesis)
	require.True(t, f.chains.AppendHeader(a))

	// Same height, same work: first seen keeps the crown.
	b := f.newNode(genesis)
	require.False(t, f.chains.AppendHeader(b))
	require.Equal(t, a, f.chains.BestHeader())
	f.requireTips(a, b)

	// One more on the b-branch tips the scale.
	c := f.newNode(b)
	require.True(t, f.chains.AppendHeader(c))
	require.Equal(t, c, f.chains.BestHeader())
	f.requireTips(a, c)
}

// TestInvalidBranchPrune invalidates the middle of the winning branch and
// re-appends its tip, which must dissolve the branch down to the last
// non-failed ancestor and hand the main chain back to the survivor.
func TestInvalidBranchPrune(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	f.chains.AppendHeader(genesis)
	a := f.newNode(genesis)
	f.chains.AppendHeader(a)
	b := f.newNode(genesis)
	f.chains.AppendHeader(b)
	c := f.newNode(b)
	f.chains.AppendHeader(c)
	require.Equal(t, c, f.chains.BestHeader())

	f.index.MarkFailed(b)
	require.True(t, c.Status().KnownInvalid())

	require.True(t, f.chains.AppendHeader(c))
	require.Equal(t, a, f.chains.BestHeader())
	f.requireTips(a, genesis)
}

// TestAppendIdempotence re-appends known headers and expects no state
// change (P5).
func TestAppendIdempotence(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	f.chains.AppendHeader(genesis)
	a := f.newNode(genesis)
	f.chains.AppendHeader(a)
	b := f.newNode(genesis)
	f.chains.AppendHeader(b)

	require.False(t, f.chains.AppendHeader(a))
	require.Equal(t, a, f.chains.BestHeader())
	f.requireTips(a, b)

	require.False(t, f.chains.AppendHeader(b))
	require.Equal(t, a, f.chains.BestHeader())
	f.requireTips(a, b)

	// A header buried under a tip is a no-op as well.
	c := f.newNode(b)
	f.chains.AppendHeader(c)
	require.False(t, f.chains.AppendHeader(b))
	require.Equal(t, c, f.chains.BestHeader())
	f.requireTips(a, c)
}

// TestBestTipElection drives a handful of append sequences and asserts the
// main chain invariant (P3): the best header always carries maximal work
// among the tips and is itself a tip.
func TestBestTipElection(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	f.chains.AppendHeader(genesis)

	// Three branches of different lengths off genesis.
	var tips []*Node
	for _, length := range []int{3, 1, 5} {
		parent := genesis
		for i := 0; i < length; i++ {
			node := f.newNode(parent)
			f.chains.AppendHeader(node)
			parent = node
		}
		tips = append(tips, parent)
	}

	best := f.chains.BestHeader()
	require.Equal(t, tips[2], best)
	require.Contains(t, f.chains.Tips(), best)
	for _, tip := range f.chains.Tips() {
		require.LessOrEqual(t, tip.WorkSum().Cmp(best.WorkSum()), 0)
	}
}

// TestChainView checks the main chain view accessors.
func TestChainView(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	f.chains.AppendHeader(genesis)
	parent := genesis
	var nodes []*Node
	for i := 0; i < 10; i++ {
		node := f.newNode(parent)
		f.chains.AppendHeader(node)
		nodes = append(nodes, node)
		parent = node
	}

	chain := f.chains.MainChain()
	require.Equal(t, int32(10), chain.Height())
	require.Equal(t, genesis, chain.Genesis())
	require.Equal(t, nodes[4], chain.NodeByHeight(5))
	require.True(t, chain.Contains(nodes[7]))

	// A stale branch is not part of the view.
	fork := f.newNode(genesis)
	f.chains.AppendHeader(fork)
	require.False(t, chain.Contains(fork))
}

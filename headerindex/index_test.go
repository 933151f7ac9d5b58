package headerindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIndexBasics covers insertion, lookup and the duplicate-insert
// behavior of the arena.
func TestIndexBasics(t *testing.T) {
	f := newTestForest(t)
	require.True(t, f.index.Empty())

	genesis := f.newNode(nil)
	a := f.newNode(genesis)

	require.Equal(t, 2, f.index.Size())
	require.True(t, f.index.Exists(a.Hash()))
	require.Equal(t, a, f.index.Get(a.Hash()))

	// Re-inserting a known hash keeps the first node.
	header := a.Header()
	clone := NewNode(&header, genesis)
	require.Equal(t, a, f.index.Insert(a.Hash(), clone))
	require.Equal(t, 2, f.index.Size())

	f.index.Unload()
	require.True(t, f.index.Empty())
}

// TestMarkFailedPropagates checks the failed-child stamping across
// descendants and that side branches stay untouched.
func TestMarkFailedPropagates(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	a := f.newNode(genesis)
	b := f.newNode(a)
	c := f.newNode(b)
	side := f.newNode(genesis)

	f.index.MarkFailed(b)

	require.Equal(t, Status(0), genesis.Status()&StatusFailedMask)
	require.Equal(t, Status(0), a.Status()&StatusFailedMask)
	require.Equal(t, StatusFailedValid, b.Status()&StatusFailedMask)
	require.Equal(t, StatusFailedChild, c.Status()&StatusFailedMask)
	require.Equal(t, Status(0), side.Status()&StatusFailedMask)
}

// TestReconsider clears failure flags from a subtree and its ancestry and
// from nothing else (P6).
func TestReconsider(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	a := f.newNode(genesis)
	b := f.newNode(a)
	c := f.newNode(b)
	side := f.newNode(a)

	f.index.MarkFailed(b)
	f.index.MarkFailed(side)
	f.index.DrainDirty()

	f.index.Reconsider(b)

	require.False(t, b.Status().KnownInvalid())
	require.False(t, c.Status().KnownInvalid())
	require.False(t, a.Status().KnownInvalid())
	require.False(t, genesis.Status().KnownInvalid())

	// The side branch was failed independently and is no descendant or
	// ancestor of b; it must stay failed.
	require.True(t, side.Status().KnownInvalid())

	dirty := f.index.DrainDirty()
	require.ElementsMatch(t, []*Node{b, c}, dirty)
	require.Empty(t, f.index.DrainDirty())
}

// TestFilesWithData collects the referenced file set from the have-data
// nodes only.
func TestFilesWithData(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	a := f.newNode(genesis)
	b := f.newNode(a)
	c := f.newNode(b)

	a.SetFilePos(0, 8, 0)
	f.index.AddStatusFlags(a, StatusHaveData)
	b.SetFilePos(2, 8, 0)
	f.index.AddStatusFlags(b, StatusHaveData)

	// c references a file but carries no data flag.
	c.SetFilePos(3, 8, 0)

	files := f.index.FilesWithData()
	require.Len(t, files, 2)
	require.Contains(t, files, int32(0))
	require.Contains(t, files, int32(2))
}

// TestAllByHeight returns the arena sorted ascending by height.
func TestAllByHeight(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	parent := genesis
	for i := 0; i < 20; i++ {
		parent = f.newNode(parent)
	}

	sorted := f.index.AllByHeight()
	require.Len(t, sorted, 21)
	for i, node := range sorted {
		require.Equal(t, int32(i), node.Height())
	}
}

// TestSetStatusDirtyTracking only marks nodes dirty on real changes.
func TestSetStatusDirtyTracking(t *testing.T) {
	f := newTestForest(t)

	genesis := f.newNode(nil)
	f.index.SetStatus(genesis, StatusValidHeader)
	require.Len(t, f.index.DrainDirty(), 1)

	// Same value again: no dirt.
	f.index.SetStatus(genesis, StatusValidHeader)
	require.Empty(t, f.index.DrainDirty())

	f.index.AddStatusFlags(genesis, StatusValidHeader)
	require.Empty(t, f.index.DrainDirty())

	f.index.AddStatusFlags(genesis, StatusHaveData)
	require.Len(t, f.index.DrainDirty(), 1)
}

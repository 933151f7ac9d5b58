package blockfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createRawFile drops a data file of the given size into dir, filled with a
// repeating marker byte.
func createRawFile(t *testing.T, dir string, kind Kind, index int32,
	size int, marker byte) string {

	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = marker
	}
	path := filepath.Join(dir, fileName(kind, index))
	require.NoError(t, os.WriteFile(path, data, 0644))

	return path
}

// TestViewMissingFile returns an empty view for files that don't exist.
func TestViewMissingFile(t *testing.T) {
	mapper := NewMapper(t.TempDir(), nil)
	defer mapper.Close()

	view, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	require.False(t, view.Valid())
	require.EqualValues(t, 0, view.Size())

	// Releasing an empty view must be harmless.
	view.Release()
}

// TestViewModes maps the last blk file and rev files read-write and
// everything else read-only.
func TestViewModes(t *testing.T) {
	dir := t.TempDir()
	createRawFile(t, dir, KindBlock, 0, 4096, 0xaa)
	createRawFile(t, dir, KindBlock, 1, 4096, 0xbb)
	createRawFile(t, dir, KindUndo, 0, 4096, 0xcc)

	mapper := NewMapper(dir, nil)
	defer mapper.Close()
	mapper.SetLastBlockFile(1)

	older, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	require.True(t, older.Valid())
	require.False(t, older.Writable())
	older.Release()

	last, err := mapper.View(KindBlock, 1)
	require.NoError(t, err)
	require.True(t, last.Writable())
	last.Release()

	undo, err := mapper.View(KindUndo, 0)
	require.NoError(t, err)
	require.True(t, undo.Writable())
	undo.Release()
}

// TestGrowKeepsOldViews grows a mapped file and checks outstanding views
// keep reading the old mapping while fresh views see the new size.
func TestGrowKeepsOldViews(t *testing.T) {
	dir := t.TempDir()
	createRawFile(t, dir, KindBlock, 0, 4096, 0xaa)

	mapper := NewMapper(dir, nil)
	defer mapper.Close()

	before, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	require.EqualValues(t, 4096, before.Size())

	require.NoError(t, mapper.GrowTo(KindBlock, 0, 8192))

	// The old view still reads its full original extent.
	require.EqualValues(t, 4096, before.Size())
	require.Equal(t, byte(0xaa), before.Bytes()[4095])

	after, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	require.EqualValues(t, 8192, after.Size())
	require.Equal(t, byte(0xaa), after.Bytes()[4095])
	require.Equal(t, byte(0x00), after.Bytes()[8191])

	after.Release()
	before.Release()
}

// TestViewSharesMapping hands repeated views of the same file the same
// underlying mapping until the slot is invalidated.
func TestViewSharesMapping(t *testing.T) {
	dir := t.TempDir()
	createRawFile(t, dir, KindBlock, 0, 4096, 0x11)

	mapper := NewMapper(dir, nil)
	defer mapper.Close()

	first, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	second, err := mapper.View(KindBlock, 0)
	require.NoError(t, err)
	require.True(t, &first.Bytes()[0] == &second.Bytes()[0],
		"views should share one mapping")

	mapper.Invalidate(KindBlock, 0)

	// Both views stay readable after invalidation.
	require.Equal(t, byte(0x11), first.Bytes()[0])
	require.Equal(t, byte(0x11), second.Bytes()[0])
	first.Release()
	second.Release()
}

// TestExtraDirSearch resolves files missing from the primary directory
// through the configured alternate directories, read-only.
func TestExtraDirSearch(t *testing.T) {
	primary := t.TempDir()
	alternate := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(alternate, "blocks"), 0755))
	createRawFile(
		t, filepath.Join(alternate, "blocks"), KindBlock, 3, 2048, 0x77,
	)

	mapper := NewMapper(primary, []string{alternate})
	defer mapper.Close()

	view, err := mapper.View(KindBlock, 3)
	require.NoError(t, err)
	require.True(t, view.Valid())
	require.EqualValues(t, 2048, view.Size())
	require.Equal(t, byte(0x77), view.Bytes()[0])
	view.Release()
}

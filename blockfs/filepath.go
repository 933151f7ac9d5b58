package blockfs

import (
	"fmt"
	"os"
	"path/filepath"
)

// Kind selects between the block payload files and the undo payload files.
type Kind uint8

const (
	// KindBlock addresses the blkNNNNN.dat files.
	KindBlock Kind = iota

	// KindUndo addresses the revNNNNN.dat files.
	KindUndo
)

// prefix returns the file name prefix for the kind.
func (k Kind) prefix() string {
	if k == KindUndo {
		return "rev"
	}
	return "blk"
}

// fileName returns the name of data file number index for the kind, e.g.
// blk00000.dat.
func fileName(kind Kind, index int32) string {
	return fmt.Sprintf("%s%05d.dat", kind.prefix(), index)
}

// FilePath resolves the on-disk path of a data file. The primary blocks
// directory wins; when the file does not exist there, each extra directory
// is probed in order for a blocks subdirectory holding the file. The primary
// path is returned when no candidate exists, so creation always lands in
// the primary directory.
func FilePath(blocksDir string, extraDirs []string, kind Kind,
	index int32) string {

	name := fileName(kind, index)
	path := filepath.Join(blocksDir, name)
	if _, err := os.Stat(path); err == nil {
		return path
	}

	for _, dir := range extraDirs {
		alternate := filepath.Join(dir, "blocks", name)
		if _, err := os.Stat(alternate); err == nil {
			return alternate
		}
	}

	return path
}

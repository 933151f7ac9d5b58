package blockfs

import "errors"

var (
	// ErrCorruptData is returned when a stored record contradicts itself:
	// a checksum mismatch, a declared length running past the end of the
	// file, or a position that cannot hold a record header.
	ErrCorruptData = errors.New("corrupt block data")

	// ErrNotWritable is returned when a write needs a read-write mapping
	// but the file could only be opened read-only, for example because
	// the data directory lives on read-only media.
	ErrNotWritable = errors.New("block file not writable")
)

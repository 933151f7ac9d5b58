package blockfs

import "fmt"

// Pos locates a stored payload within the numbered file store. Offset points
// at the first byte of the payload, which places the 8-byte frame header
// directly in front of it.
type Pos struct {
	// File is the index N of the blkNNNNN.dat or revNNNNN.dat file.
	File int32

	// Offset is the byte position of the payload within the file.
	Offset uint32
}

// IsNull reports whether the position has not been assigned yet.
func (p Pos) IsNull() bool {
	return p.File == 0 && p.Offset == 0
}

// String returns a human readable rendering of the position.
func (p Pos) String() string {
	return fmt.Sprintf("(file=%d, offset=%d)", p.File, p.Offset)
}

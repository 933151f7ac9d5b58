package blockfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Buffer is a zero-copy slice of a mapped data file holding one stored
// payload. It keeps the underlying mapping alive until released. The zero
// Buffer is invalid and stands in for a pruned payload.
type Buffer struct {
	view *View
	data []byte
}

// Valid reports whether the buffer references stored bytes.
func (b Buffer) Valid() bool {
	return b.view.Valid()
}

// Bytes exposes the stored payload. The slice stays valid until Release.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Size returns the payload length in bytes.
func (b Buffer) Size() int {
	return len(b.data)
}

// Release drops the buffer's hold on the underlying mapping.
func (b Buffer) Release() {
	b.view.Release()
}

// ReadBlock returns the block payload stored at the position. A missing
// file yields an invalid buffer and no error, which callers treat as the
// block having been pruned. Positions that cannot hold a frame, or lengths
// running past the end of the file, surface as ErrCorruptData.
func (w *Writer) ReadBlock(pos Pos) (Buffer, error) {
	return w.readFrame(KindBlock, pos, nil)
}

// ReadUndo returns the undo payload stored at the position after
// recomputing and verifying the trailing checksum against the block hash.
func (w *Writer) ReadUndo(pos Pos, blockHash chainhash.Hash) (Buffer, error) {
	return w.readFrame(KindUndo, pos, &blockHash)
}

// readFrame fetches a view of the file and slices the payload out of it,
// verifying the undo checksum when a block hash is supplied.
func (w *Writer) readFrame(kind Kind, pos Pos,
	blockHash *chainhash.Hash) (Buffer, error) {

	if pos.Offset < MessageStartSize {
		return Buffer{}, fmt.Errorf("position %v cannot hold a "+
			"frame: %w", pos, ErrCorruptData)
	}

	view, err := w.mapper.View(kind, pos.File)
	if err != nil {
		return Buffer{}, err
	}
	if !view.Valid() {
		// Got pruned.
		return Buffer{}, nil
	}

	size := view.Size()
	if pos.Offset >= size {
		view.Release()
		return Buffer{}, fmt.Errorf("position %v outside of file "+
			"of %d bytes: %w", pos, size, ErrCorruptData)
	}

	data := view.Bytes()
	payloadSize := binary.LittleEndian.Uint32(
		data[pos.Offset-4 : pos.Offset],
	)

	tail := uint32(0)
	if blockHash != nil {
		tail = undoChecksumSize
	}
	if pos.Offset+payloadSize+tail > size {
		view.Release()
		return Buffer{}, fmt.Errorf("frame of %d bytes at %v sized "+
			"bigger than file of %d bytes: %w", payloadSize, pos,
			size, ErrCorruptData)
	}

	payload := data[pos.Offset : pos.Offset+payloadSize]
	if blockHash != nil {
		sum := undoChecksum(*blockHash, payload)
		stored := data[pos.Offset+payloadSize : pos.Offset+payloadSize+tail]
		if !bytes.Equal(sum[:], stored) {
			view.Release()
			return Buffer{}, fmt.Errorf("undo checksum mismatch "+
				"at %v: %w", pos, ErrCorruptData)
		}
	}

	return Buffer{view: view, data: payload}, nil
}

package blockdb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chainforge/blockdb/blockfs"
)

// blockHeaderSize is the serialized size of a block header. Every stored
// block payload starts with one.
const blockHeaderSize = 80

// FastBlock is a raw serialized block, either freshly assembled for a write
// or backed by a zero-copy slice of a mapped data file. Blocks read from
// the store must be released when done.
type FastBlock struct {
	data []byte
	buf  blockfs.Buffer
}

// NewFastBlock wraps raw serialized block bytes for writing.
func NewFastBlock(data []byte) *FastBlock {
	return &FastBlock{data: data}
}

// Bytes returns the raw serialized block.
func (b *FastBlock) Bytes() []byte {
	return b.data
}

// Size returns the serialized size of the block in bytes.
func (b *FastBlock) Size() int {
	return len(b.data)
}

// IsFullBlock reports whether the payload is at least big enough to carry a
// header and therefore can be a block body.
func (b *FastBlock) IsFullBlock() bool {
	return len(b.data) >= blockHeaderSize
}

// Header deserializes the 80-byte header that prefixes the block payload.
func (b *FastBlock) Header() (wire.BlockHeader, error) {
	var header wire.BlockHeader
	if len(b.data) < blockHeaderSize {
		return header, fmt.Errorf("payload of %d bytes cannot hold "+
			"a header: %w", len(b.data), blockfs.ErrCorruptData)
	}
	err := header.Deserialize(bytes.NewReader(b.data[:blockHeaderSize]))

	return header, err
}

// Block parses the full payload into a btcutil block, for hand-off to
// components that want transaction-level access.
func (b *FastBlock) Block() (*btcutil.Block, error) {
	return btcutil.NewBlockFromBytes(b.data)
}

// Release drops the block's hold on the underlying file mapping. Safe to
// call on blocks assembled in memory.
func (b *FastBlock) Release() {
	b.buf.Release()
}

// FastUndoBlock is a raw undo payload, mirroring FastBlock.
type FastUndoBlock struct {
	data []byte
	buf  blockfs.Buffer
}

// NewFastUndoBlock wraps raw undo bytes for writing.
func NewFastUndoBlock(data []byte) *FastUndoBlock {
	return &FastUndoBlock{data: data}
}

// Bytes returns the raw undo payload.
func (b *FastUndoBlock) Bytes() []byte {
	return b.data
}

// Size returns the payload size in bytes.
func (b *FastUndoBlock) Size() int {
	return len(b.data)
}

// Release drops the payload's hold on the underlying file mapping.
func (b *FastUndoBlock) Release() {
	b.buf.Release()
}

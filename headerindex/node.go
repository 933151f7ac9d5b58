package headerindex

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// zeroHash is the lot-of-zeroes hash used as the previous block hash of the
// genesis header.
var zeroHash chainhash.Hash

// Node represents a single known block header within the header tree. Nodes
// are owned by the Index for the lifetime of the process; every other
// component holds non-owning pointers into the arena.
type Node struct {
	// parent is the parent node of this node. It is nil only for the
	// genesis node.
	parent *Node

	// skip is an ancestor of this node far enough back to make Ancestor
	// run in roughly O(log height). It is populated by BuildSkip once the
	// node is linked to its parent.
	skip *Node

	// hash is the double sha256 of the serialized header.
	hash chainhash.Hash

	// workSum is the total amount of work in the chain up to and
	// including this node.
	workSum *big.Int

	// height is the position in the block chain.
	height int32

	// Raw header fields, kept to reconstruct the header from memory.
	// These are immutable once the node is created.
	version    int32
	bits       uint32
	nonce      uint32
	timestamp  int64
	merkleRoot chainhash.Hash

	// file, dataPos and undoPos locate the block payload and its undo
	// payload within the blk/rev file store. Zero when not present.
	file    int32
	dataPos uint32
	undoPos uint32

	// txCount is the number of transactions in the block body, once
	// known.
	txCount uint32

	// status is the validation state of the node. Unlike the other
	// fields it may be written after creation, and must only be touched
	// through the Index methods which hold the index lock.
	status Status
}

// NewNode creates a node for the given header and links it to the parent,
// deriving the height and cumulative work from it. Pass a nil parent only
// for the genesis header.
func NewNode(header *wire.BlockHeader, parent *Node) *Node {
	node := &Node{
		hash:       header.BlockHash(),
		workSum:    blockchain.CalcWork(header.Bits),
		version:    header.Version,
		bits:       header.Bits,
		nonce:      header.Nonce,
		timestamp:  header.Timestamp.Unix(),
		merkleRoot: header.MerkleRoot,
	}
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
		node.workSum = node.workSum.Add(parent.workSum, node.workSum)
	}

	return node
}

// NodeRecord carries the persisted attributes of a header node for
// re-creation at load time.
type NodeRecord struct {
	Hash    chainhash.Hash
	Header  wire.BlockHeader
	Height  int32
	Status  Status
	TxCount uint32
	File    int32
	DataPos uint32
	UndoPos uint32
}

// LoadNode re-creates a node from its persisted record, linking it to the
// already loaded parent. Height and cumulative work derive from the parent;
// a nil parent re-creates the genesis node. Skip pointers are built
// separately once the whole index is loaded.
func LoadNode(record *NodeRecord, parent *Node) *Node {
	node := NewNode(&record.Header, parent)
	// Records persisted without their raw header fields cannot
	// recompute their hash; the stored key is authoritative either way.
	node.hash = record.Hash
	node.status = record.Status
	node.txCount = record.TxCount
	node.file = record.File
	node.dataPos = record.DataPos
	node.undoPos = record.UndoPos

	return node
}

// Hash returns the hash of the block header this node represents.
func (node *Node) Hash() chainhash.Hash {
	return node.hash
}

// Height returns the position of the node in the block chain.
func (node *Node) Height() int32 {
	return node.height
}

// Parent returns the parent node, or nil for the genesis node.
func (node *Node) Parent() *Node {
	return node.parent
}

// WorkSum returns the total amount of work in the chain up to and including
// this node.
func (node *Node) WorkSum() *big.Int {
	return node.workSum
}

// Status returns the current validation status bits of the node.
func (node *Node) Status() Status {
	return node.status
}

// Bits returns the compact difficulty target the header committed to.
func (node *Node) Bits() uint32 {
	return node.bits
}

// TxCount returns the number of transactions in the block body, or zero when
// the body has not been seen yet.
func (node *Node) TxCount() uint32 {
	return node.txCount
}

// FilePos returns the file index and the byte offsets of the block payload
// and the undo payload within that file. Offsets are zero when the matching
// payload is not on disk.
func (node *Node) FilePos() (file int32, dataPos, undoPos uint32) {
	return node.file, node.dataPos, node.undoPos
}

// SetFilePos records where the block payload and undo payload live in the
// file store. It must only be called while the caller holds the single
// writer role.
func (node *Node) SetFilePos(file int32, dataPos, undoPos uint32) {
	node.file = file
	node.dataPos = dataPos
	node.undoPos = undoPos
}

// SetTxCount records the number of transactions in the block body.
func (node *Node) SetTxCount(count uint32) {
	node.txCount = count
}

// Header reconstructs the wire header from the fields kept in memory.
func (node *Node) Header() wire.BlockHeader {
	prevHash := &zeroHash
	if node.parent != nil {
		prevHash = &node.parent.hash
	}

	return wire.BlockHeader{
		Version:    node.version,
		PrevBlock:  *prevHash,
		MerkleRoot: node.merkleRoot,
		Timestamp:  time.Unix(node.timestamp, 0),
		Bits:       node.bits,
		Nonce:      node.nonce,
	}
}

// invertLowestOne turns the lowest 1 bit in the binary representation of a
// number into a 0.
func invertLowestOne(n int32) int32 {
	return n & (n - 1)
}

// calcSkipHeight returns the height of the ancestor to link in the skip
// pointer for a node at the given height. The resulting single-level skip
// list keeps Ancestor close to O(log height) while only costing one pointer
// per node.
func calcSkipHeight(height int32) int32 {
	if height < 2 {
		return 0
	}

	// Any height strictly below the input keeps the list correct. Odd
	// heights clear the two lowest set bits of height-1 and add one back,
	// even heights clear their lowest set bit, which spreads the jump
	// distances close to powers of two.
	if height&1 == 1 {
		return invertLowestOne(invertLowestOne(height-1)) + 1
	}
	return invertLowestOne(height)
}

// BuildSkip links the skip pointer of this node to its designated ancestor.
// It must be called after the node has been linked to its parent.
func (node *Node) BuildSkip() {
	if node.parent != nil {
		node.skip = node.parent.Ancestor(calcSkipHeight(node.height))
	}
}

// Ancestor returns the ancestor node at the provided height by following the
// chain backwards from this node, using the skip pointers where they do not
// overshoot the target. The return value is nil when a height is requested
// that is above the height of this node or below zero.
//
// This function is safe for concurrent access.
func (node *Node) Ancestor(height int32) *Node {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for n != nil && n.height != height {
		if n.skip != nil && calcSkipHeight(n.height) >= height {
			n = n.skip
			continue
		}

		n = n.parent
	}

	return n
}

// RelativeAncestor returns the ancestor node a relative distance of blocks
// before this node.
func (node *Node) RelativeAncestor(distance int32) *Node {
	return node.Ancestor(node.height - distance)
}

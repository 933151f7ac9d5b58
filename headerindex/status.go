package headerindex

// Status is a bit field representing the validation state of a block header
// and the availability of its data on disk.
type Status uint32

const (
	// StatusHaveData indicates that the full block payload is stored in a
	// blk file.
	StatusHaveData Status = 1 << iota

	// StatusHaveUndo indicates that the undo payload for the block is
	// stored in a rev file.
	StatusHaveUndo

	// StatusValidHeader indicates the header passed stand-alone checks
	// (proof of work, timestamp sanity).
	StatusValidHeader

	// StatusValidTree indicates all parent headers are known and the
	// header connects to the tree.
	StatusValidTree

	// StatusValidChain indicates the block passed contextual validation
	// against its chain.
	StatusValidChain

	// StatusValidScripts indicates the block passed full script
	// validation.
	StatusValidScripts

	// StatusFailedValid indicates the block itself failed validation.
	StatusFailedValid

	// StatusFailedChild indicates one of the block's ancestors failed
	// validation, making this block invalid as well.
	StatusFailedChild
)

// StatusFailedMask is the set of flags that mark a header as part of an
// invalid chain, either directly or through an ancestor.
const StatusFailedMask = StatusFailedValid | StatusFailedChild

// HaveData returns whether the full block payload is stored on disk.
func (s Status) HaveData() bool {
	return s&StatusHaveData != 0
}

// HaveUndo returns whether the undo payload is stored on disk.
func (s Status) HaveUndo() bool {
	return s&StatusHaveUndo != 0
}

// KnownInvalid returns whether the block is known to be invalid, either
// because it failed validation itself or because one of its ancestors did.
func (s Status) KnownInvalid() bool {
	return s&StatusFailedMask != 0
}

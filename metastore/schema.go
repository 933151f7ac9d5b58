package metastore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/chainforge/blockdb/blockfs"
	"github.com/chainforge/blockdb/headerindex"
)

var (
	// metaBucket is the top-level bucket holding the sub-buckets below.
	metaBucket = []byte("block-meta")

	// headersBucket keys serialized header records by block hash.
	headersBucket = []byte("headers")

	// filesBucket keys serialized file usage records by file index.
	filesBucket = []byte("files")

	// txIndexBucket keys transaction positions by txid.
	txIndexBucket = []byte("txindex")

	// flagsBucket keys single-byte flags by their ASCII name.
	flagsBucket = []byte("flags")

	// stateBucket holds the singleton keys below.
	stateBucket = []byte("state")

	// lastFileKey stores the index of the data file currently appended
	// to.
	lastFileKey = []byte("lastfile")

	// reindexKey stores the persisted reindex state machine position.
	// The key is absent when no reindex is in flight.
	reindexKey = []byte("reindex")

	// obfuscateKeyKey stores the per-database value obfuscation key. It
	// is the only value stored without obfuscation.
	obfuscateKeyKey = []byte("obfuscate-key")
)

// validHeaderFlag is the status bit announcing that the raw header fields
// trail the fixed part of the serialization.
const validHeaderFlag = uint32(headerindex.StatusValidHeader)

// HeaderRecord is the persisted form of one block header index entry. The
// raw header fields are only present on disk when the status carries the
// valid-header bit.
type HeaderRecord struct {
	Hash    chainhash.Hash
	Height  int32
	Status  uint32
	TxCount uint32
	File    int32
	DataPos uint32
	UndoPos uint32
	Header  wire.BlockHeader
}

// serialize encodes the record value. The hash is the key and is not part
// of the value.
func (r *HeaderRecord) serialize() ([]byte, error) {
	var buf bytes.Buffer

	var fixed [28]byte
	binary.LittleEndian.PutUint32(fixed[0:], uint32(r.Header.Version))
	binary.LittleEndian.PutUint32(fixed[4:], uint32(r.Height))
	binary.LittleEndian.PutUint32(fixed[8:], r.Status)
	binary.LittleEndian.PutUint32(fixed[12:], r.TxCount)
	binary.LittleEndian.PutUint32(fixed[16:], uint32(r.File))
	binary.LittleEndian.PutUint32(fixed[20:], r.DataPos)
	binary.LittleEndian.PutUint32(fixed[24:], r.UndoPos)
	buf.Write(fixed[:])

	if r.Status&validHeaderFlag != 0 {
		if err := r.Header.Serialize(&buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// deserializeHeaderRecord decodes a record value stored under the given
// hash key.
func deserializeHeaderRecord(hash chainhash.Hash,
	value []byte) (*HeaderRecord, error) {

	if len(value) < 28 {
		return nil, fmt.Errorf("%w: header record of %d bytes",
			ErrCorruptValue, len(value))
	}

	r := &HeaderRecord{
		Hash:    hash,
		Height:  int32(binary.LittleEndian.Uint32(value[4:])),
		Status:  binary.LittleEndian.Uint32(value[8:]),
		TxCount: binary.LittleEndian.Uint32(value[12:]),
		File:    int32(binary.LittleEndian.Uint32(value[16:])),
		DataPos: binary.LittleEndian.Uint32(value[20:]),
		UndoPos: binary.LittleEndian.Uint32(value[24:]),
	}
	r.Header.Version = int32(binary.LittleEndian.Uint32(value[0:]))

	if r.Status&validHeaderFlag != 0 {
		reader := bytes.NewReader(value[28:])
		if err := r.Header.Deserialize(reader); err != nil {
			return nil, fmt.Errorf("%w: header fields: %v",
				ErrCorruptValue, err)
		}
	}

	return r, nil
}

// serializeFileInfo encodes one file usage record.
func serializeFileInfo(info *blockfs.FileInfo) []byte {
	var value [36]byte
	binary.LittleEndian.PutUint32(value[0:], info.Blocks)
	binary.LittleEndian.PutUint32(value[4:], info.Size)
	binary.LittleEndian.PutUint32(value[8:], info.UndoSize)
	binary.LittleEndian.PutUint32(value[12:], info.HeightFirst)
	binary.LittleEndian.PutUint32(value[16:], info.HeightLast)
	binary.LittleEndian.PutUint64(value[20:], info.TimeFirst)
	binary.LittleEndian.PutUint64(value[28:], info.TimeLast)
	return value[:]
}

// deserializeFileInfo decodes one file usage record.
func deserializeFileInfo(value []byte) (*blockfs.FileInfo, error) {
	if len(value) != 36 {
		return nil, fmt.Errorf("%w: file info of %d bytes",
			ErrCorruptValue, len(value))
	}

	return &blockfs.FileInfo{
		Blocks:      binary.LittleEndian.Uint32(value[0:]),
		Size:        binary.LittleEndian.Uint32(value[4:]),
		UndoSize:    binary.LittleEndian.Uint32(value[8:]),
		HeightFirst: binary.LittleEndian.Uint32(value[12:]),
		HeightLast:  binary.LittleEndian.Uint32(value[16:]),
		TimeFirst:   binary.LittleEndian.Uint64(value[20:]),
		TimeLast:    binary.LittleEndian.Uint64(value[28:]),
	}, nil
}

// TxIndexEntry maps one transaction id to its stored location: the file,
// the offset of the enclosing block payload, and the offset of the
// transaction within that payload.
type TxIndexEntry struct {
	TxID        chainhash.Hash
	File        int32
	BlockOffset uint32
	TxOffset    uint32
}

// serialize encodes the entry value.
func (e *TxIndexEntry) serialize() []byte {
	var value [12]byte
	binary.LittleEndian.PutUint32(value[0:], uint32(e.File))
	binary.LittleEndian.PutUint32(value[4:], e.BlockOffset)
	binary.LittleEndian.PutUint32(value[8:], e.TxOffset)
	return value[:]
}

// deserializeTxIndexEntry decodes an entry stored under the given txid.
func deserializeTxIndexEntry(txid chainhash.Hash,
	value []byte) (*TxIndexEntry, error) {

	if len(value) != 12 {
		return nil, fmt.Errorf("%w: tx index entry of %d bytes",
			ErrCorruptValue, len(value))
	}

	return &TxIndexEntry{
		TxID:        txid,
		File:        int32(binary.LittleEndian.Uint32(value[0:])),
		BlockOffset: binary.LittleEndian.Uint32(value[4:]),
		TxOffset:    binary.LittleEndian.Uint32(value[8:]),
	}, nil
}

// fileKey returns the key a file index is stored under.
func fileKey(index int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(index))
	return key[:]
}

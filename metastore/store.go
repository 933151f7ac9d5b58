package metastore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/chainforge/blockdb/blockfs"
)

var (
	// ErrNotFound is returned when a requested key is absent from the
	// store.
	ErrNotFound = errors.New("key not found in meta store")

	// ErrCorruptValue is returned when a stored value does not
	// deserialize.
	ErrCorruptValue = errors.New("corrupt meta store value")
)

// obfuscateKeySize is the width of the per-database value obfuscation key.
const obfuscateKeySize = 8

// ReindexState is the persisted position of the reindex state machine.
type ReindexState int

const (
	// NoReindex means no reindex is in flight.
	NoReindex ReindexState = iota

	// ScanningFiles means the raw blk files are being scanned for block
	// frames.
	ScanningFiles

	// ParsingBlocks means scanning finished and the validation engine is
	// draining the submitted positions.
	ParsingBlocks
)

// Store is the typed metadata store of the block storage engine. It keeps
// header records, file usage records, the transaction index, named flags
// and the reindex state in one embedded sorted key/value database, with
// every value XOR-obfuscated under a per-database random key.
type Store struct {
	db walletdb.DB

	obfuscateKey [obfuscateKeySize]byte
}

// New opens the typed store over an already open database, creating the
// buckets and the obfuscation key on first use.
func New(db walletdb.DB) (*Store, error) {
	s := &Store{db: db}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		nested := [][]byte{
			headersBucket, filesBucket, txIndexBucket,
			flagsBucket, stateBucket,
		}
		for _, name := range nested {
			if _, err := meta.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		state := meta.NestedReadWriteBucket(stateBucket)
		key := state.Get(obfuscateKeyKey)
		if len(key) == obfuscateKeySize {
			copy(s.obfuscateKey[:], key)
			return nil
		}

		// First use; roll a fresh obfuscation key. It is the only
		// value stored in the clear.
		if _, err := rand.Read(s.obfuscateKey[:]); err != nil {
			return err
		}
		return state.Put(obfuscateKeyKey, s.obfuscateKey[:])
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize meta store: %w",
			err)
	}

	return s, nil
}

// obfuscate XORs the value with the repeating obfuscation key. The
// operation is its own inverse. A fresh slice is returned so values read
// out of the database survive the transaction.
func (s *Store) obfuscate(value []byte) []byte {
	out := make([]byte, len(value))
	for i, b := range value {
		out[i] = b ^ s.obfuscateKey[i%obfuscateKeySize]
	}
	return out
}

// WriteBatchSync persists file usage records, the last file index and a
// batch of header records in one durable transaction. Header records are
// written in height order so inserts land sequentially in the tree.
func (s *Store) WriteBatchSync(fileInfos map[int32]*blockfs.FileInfo,
	lastFile int32, headers []*HeaderRecord) error {

	sorted := make([]*HeaderRecord, len(headers))
	copy(sorted, headers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Height < sorted[j].Height
	})

	log.Debugf("Syncing %d header records and %d file infos, last "+
		"file %d", len(sorted), len(fileInfos), lastFile)

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		meta := tx.ReadWriteBucket(metaBucket)

		files := meta.NestedReadWriteBucket(filesBucket)
		for index, info := range fileInfos {
			err := files.Put(
				fileKey(index),
				s.obfuscate(serializeFileInfo(info)),
			)
			if err != nil {
				return err
			}
		}

		state := meta.NestedReadWriteBucket(stateBucket)
		err := state.Put(
			lastFileKey, s.obfuscate(fileKey(lastFile)),
		)
		if err != nil {
			return err
		}

		headersB := meta.NestedReadWriteBucket(headersBucket)
		for _, record := range sorted {
			value, err := record.serialize()
			if err != nil {
				return err
			}
			err = headersB.Put(record.Hash[:], s.obfuscate(value))
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("batch sync failed: %w", err)
	}

	return nil
}

// ReadFileInfo returns the usage record of the given data file.
func (s *Store) ReadFileInfo(index int32) (*blockfs.FileInfo, error) {
	var info *blockfs.FileInfo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		files := tx.ReadBucket(metaBucket).NestedReadBucket(filesBucket)
		value := files.Get(fileKey(index))
		if value == nil {
			return ErrNotFound
		}

		var err error
		info, err = deserializeFileInfo(s.obfuscate(value))
		return err
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

// ReadLastFile returns the persisted index of the data file that was
// appended to last.
func (s *Store) ReadLastFile() (int32, error) {
	var lastFile int32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		state := tx.ReadBucket(metaBucket).NestedReadBucket(stateBucket)
		value := state.Get(lastFileKey)
		if value == nil {
			return ErrNotFound
		}
		plain := s.obfuscate(value)
		if len(plain) != 4 {
			return fmt.Errorf("%w: last file of %d bytes",
				ErrCorruptValue, len(plain))
		}
		lastFile = int32(binary.BigEndian.Uint32(plain))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return lastFile, nil
}

// ForEachHeader invokes the callback for every stored header record, in
// key order.
func (s *Store) ForEachHeader(fn func(*HeaderRecord) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		headers := tx.ReadBucket(metaBucket).NestedReadBucket(
			headersBucket,
		)

		cursor := headers.ReadCursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			hash, err := chainhash.NewHash(k)
			if err != nil {
				return fmt.Errorf("%w: header key: %v",
					ErrCorruptValue, err)
			}

			record, err := deserializeHeaderRecord(
				*hash, s.obfuscate(v),
			)
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}

		return nil
	})
}

// ReadHeader returns the stored record of the given block hash.
func (s *Store) ReadHeader(hash chainhash.Hash) (*HeaderRecord, error) {
	var record *HeaderRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		headers := tx.ReadBucket(metaBucket).NestedReadBucket(
			headersBucket,
		)
		value := headers.Get(hash[:])
		if value == nil {
			return ErrNotFound
		}

		var err error
		record, err = deserializeHeaderRecord(hash, s.obfuscate(value))
		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// WriteTxIndex persists a batch of transaction index entries.
func (s *Store) WriteTxIndex(entries ...TxIndexEntry) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		txIndex := tx.ReadWriteBucket(metaBucket).
			NestedReadWriteBucket(txIndexBucket)

		for i := range entries {
			entry := &entries[i]
			err := txIndex.Put(
				entry.TxID[:], s.obfuscate(entry.serialize()),
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// ReadTxIndex returns the stored location of the given transaction id.
func (s *Store) ReadTxIndex(txid chainhash.Hash) (*TxIndexEntry, error) {
	var entry *TxIndexEntry
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		txIndex := tx.ReadBucket(metaBucket).NestedReadBucket(
			txIndexBucket,
		)
		value := txIndex.Get(txid[:])
		if value == nil {
			return ErrNotFound
		}

		var err error
		entry, err = deserializeTxIndexEntry(txid, s.obfuscate(value))
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// WriteFlag stores a named boolean flag.
func (s *Store) WriteFlag(name string, value bool) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		flags := tx.ReadWriteBucket(metaBucket).
			NestedReadWriteBucket(flagsBucket)

		stored := []byte{'0'}
		if value {
			stored[0] = '1'
		}
		return flags.Put([]byte(name), s.obfuscate(stored))
	})
}

// ReadFlag returns a named boolean flag. Absent flags read as false with
// ErrNotFound.
func (s *Store) ReadFlag(name string) (bool, error) {
	var value bool
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		flags := tx.ReadBucket(metaBucket).NestedReadBucket(flagsBucket)
		stored := flags.Get([]byte(name))
		if stored == nil {
			return ErrNotFound
		}
		value = s.obfuscate(stored)[0] == '1'
		return nil
	})
	if err != nil {
		return false, err
	}

	return value, nil
}

// ReadReindexState returns the persisted reindex state. An absent key
// means no reindex is in flight.
func (s *Store) ReadReindexState() (ReindexState, error) {
	state := NoReindex
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(metaBucket).NestedReadBucket(
			stateBucket,
		)
		value := bucket.Get(reindexKey)
		if value == nil {
			return nil
		}
		switch plain := s.obfuscate(value); plain[0] {
		case 1:
			state = ScanningFiles
		case 2:
			state = ParsingBlocks
		default:
			return fmt.Errorf("%w: reindex state %d",
				ErrCorruptValue, plain[0])
		}
		return nil
	})
	if err != nil {
		return NoReindex, err
	}

	return state, nil
}

// WriteReindexState persists the reindex state. Entering NoReindex erases
// the key.
func (s *Store) WriteReindexState(state ReindexState) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(metaBucket).
			NestedReadWriteBucket(stateBucket)

		switch state {
		case NoReindex:
			return bucket.Delete(reindexKey)
		case ScanningFiles:
			return bucket.Put(reindexKey, s.obfuscate([]byte{1}))
		case ParsingBlocks:
			return bucket.Put(reindexKey, s.obfuscate([]byte{2}))
		default:
			return fmt.Errorf("unknown reindex state %d", state)
		}
	})
}

package blockdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chainforge/blockdb/blockcache"
	"github.com/chainforge/blockdb/blockfs"
	"github.com/chainforge/blockdb/chanutils"
	"github.com/chainforge/blockdb/headerindex"
	"github.com/chainforge/blockdb/metastore"
)

// ErrPruned is returned when a block or undo payload is requested from a
// data file that is no longer present in any configured directory.
var ErrPruned = errors.New("block file pruned")

// ReindexState re-exports the persisted reindex state machine position.
type ReindexState = metastore.ReindexState

// Reindex states.
const (
	NoReindex     = metastore.NoReindex
	ScanningFiles = metastore.ScanningFiles
	ParsingBlocks = metastore.ParsingBlocks
)

// txIndexQueueSize bounds the transaction index batch writer queue.
const txIndexQueueSize = 1024

// DB is the persistent block storage engine: the header catalogue, the raw
// blk/rev file store, the transaction index and the reindex machinery
// behind one entry point.
type DB struct {
	cfg Config

	store  *metastore.Store
	mapper *blockfs.Mapper
	writer *blockfs.Writer

	index  *headerindex.Index
	chains *headerindex.ChainSet

	blockCache *blockcache.Cache
	txWriter   *chanutils.BatchWriter[metastore.TxIndexEntry]

	// reindexing shadows the persisted reindex state. Mutated only from
	// construction and the reindex worker.
	reindexing ReindexState

	quit     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New constructs the engine over the given configuration. The metadata
// store is opened and the persisted reindex state loaded, but the header
// catalogue stays empty until CacheAllBlockInfos runs.
func New(cfg *Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, err := metastore.New(cfg.Database)
	if err != nil {
		return nil, err
	}

	blocksDir := filepath.Join(cfg.DataDir, "blocks")

	// The message start bytes go over the wire, and onto disk, in
	// little-endian order.
	var magic [blockfs.MessageStartSize]byte
	binary.LittleEndian.PutUint32(magic[:], uint32(cfg.ChainParams.Net))

	mapper := blockfs.NewMapper(blocksDir, cfg.usableBlockDirs())

	capacity := cfg.BlockCacheCapacity
	if capacity == 0 {
		capacity = blockcache.DefaultCapacity
	}

	d := &DB{
		cfg:        *cfg,
		store:      store,
		mapper:     mapper,
		writer:     blockfs.NewWriter(mapper, blocksDir, magic),
		index:      headerindex.NewIndex(),
		blockCache: blockcache.New(capacity),
		quit:       make(chan struct{}),
	}
	d.chains = headerindex.NewChainSet()

	d.txWriter = chanutils.NewBatchWriter(
		&chanutils.BatchWriterConfig[metastore.TxIndexEntry]{
			QueueBufferSize:        txIndexQueueSize,
			MaxBatch:               txIndexQueueSize,
			DBWritesTickerDuration: time.Millisecond * 500,
			PutItems:               store.WriteTxIndex,
		},
	)
	d.txWriter.Start()

	// Load the persisted reindex state, seeding it when a reindex was
	// requested on the command line.
	state, err := store.ReadReindexState()
	if err != nil {
		return nil, err
	}
	if cfg.Reindex && state == NoReindex {
		state = ScanningFiles
		if err := store.WriteReindexState(state); err != nil {
			return nil, err
		}
	}
	d.reindexing = state

	return d, nil
}

// LoadConfig re-validates the extra block directories from the current
// configuration, dropping entries without a blocks subdirectory.
func (d *DB) LoadConfig() {
	d.mapper.SetExtraDirs(d.cfg.usableBlockDirs())
}

// Index returns the header catalogue.
func (d *DB) Index() *headerindex.Index {
	return d.index
}

// HeaderChain returns the view of the currently elected main header chain.
func (d *DB) HeaderChain() *headerindex.Chain {
	return d.chains.MainChain()
}

// HeaderChainTips returns the current set of header chain tips.
func (d *DB) HeaderChainTips() []*headerindex.Node {
	return d.chains.Tips()
}

// AppendHeader feeds a header node into the chain set and reports whether
// the main chain changed. Consensus and the reindex worker agree to call
// this single-threaded.
func (d *DB) AppendHeader(node *headerindex.Node) bool {
	return d.chains.AppendHeader(node)
}

// AppendBlock persists a single header record and the new last-file index
// in one durable batch. The header tree is not touched; the caller is
// expected to hold the single-writer role.
func (d *DB) AppendBlock(node *headerindex.Node, lastFile int32) error {
	return d.store.WriteBatchSync(
		nil, lastFile, []*metastore.HeaderRecord{diskRecord(node)},
	)
}

// WriteBlock appends the serialized block to the file store and returns
// the position of its payload. The height folds into the file usage
// counters together with the header timestamp.
func (d *DB) WriteBlock(block *FastBlock, height uint32) (blockfs.Pos, error) {
	if !block.IsFullBlock() {
		return blockfs.Pos{}, fmt.Errorf("payload of %d bytes is "+
			"not a block: %w", block.Size(), blockfs.ErrCorruptData)
	}
	header, err := block.Header()
	if err != nil {
		return blockfs.Pos{}, err
	}

	return d.writer.WriteBlock(
		block.Bytes(), height, uint64(header.Timestamp.Unix()),
	)
}

// WriteUndoBlock appends the undo payload for the given block hash to the
// rev file matching the file index its block lives in.
func (d *DB) WriteUndoBlock(undo *FastUndoBlock, blockHash chainhash.Hash,
	fileIndex int32) (blockfs.Pos, error) {

	return d.writer.WriteUndo(undo.Bytes(), blockHash, fileIndex)
}

// LoadBlock returns the block payload stored at the position as a zero-copy
// view. The caller releases it. A missing data file surfaces as ErrPruned.
func (d *DB) LoadBlock(pos blockfs.Pos) (*FastBlock, error) {
	buf, err := d.writer.ReadBlock(pos)
	if err != nil {
		return nil, err
	}
	if !buf.Valid() {
		return nil, ErrPruned
	}

	return &FastBlock{data: buf.Bytes(), buf: buf}, nil
}

// LoadUndoBlock returns the undo payload stored at the position after
// verifying its checksum against the block hash.
func (d *DB) LoadUndoBlock(pos blockfs.Pos,
	blockHash chainhash.Hash) (*FastUndoBlock, error) {

	buf, err := d.writer.ReadUndo(pos, blockHash)
	if err != nil {
		return nil, err
	}
	if !buf.Valid() {
		return nil, ErrPruned
	}

	return &FastUndoBlock{data: buf.Bytes(), buf: buf}, nil
}

// LoadBlockFile returns a view of one whole raw blk file. A missing file
// yields an invalid view, which callers treat as pruned.
func (d *DB) LoadBlockFile(fileIndex int32) (*blockfs.View, error) {
	return d.mapper.View(blockfs.KindBlock, fileIndex)
}

// FetchBlock returns the parsed block stored at the position, serving
// repeated reads from the in-memory cache.
func (d *DB) FetchBlock(pos blockfs.Pos) (*btcutil.Block, error) {
	block, err := d.blockCache.Get(pos)
	if err == nil {
		return block, nil
	}

	fast, err := d.LoadBlock(pos)
	if err != nil {
		return nil, err
	}
	defer fast.Release()

	// The parsed block keeps a reference to the bytes it was built
	// from, so it must not share the mapped region.
	raw := make([]byte, fast.Size())
	copy(raw, fast.Bytes())

	block, err = btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("unable to parse block at %v: %w",
			pos, err)
	}
	if err := d.blockCache.Put(pos, block); err != nil {
		log.Errorf("Failed to cache block at %v: %v", pos, err)
	}

	return block, nil
}

// IndexTransactions queues transaction index entries for batched
// persistence.
func (d *DB) IndexTransactions(entries ...metastore.TxIndexEntry) {
	for _, entry := range entries {
		d.txWriter.AddItem(entry)
	}
}

// LookupTransaction returns the stored location of a transaction id.
func (d *DB) LookupTransaction(
	txid chainhash.Hash) (*metastore.TxIndexEntry, error) {

	return d.store.ReadTxIndex(txid)
}

// FileInfo returns a copy of the usage record of the given data file, or
// nil when the file is unknown.
func (d *DB) FileInfo(index int32) *blockfs.FileInfo {
	return d.writer.FileInfo(index)
}

// LastBlockFile returns the index of the data file currently appended to,
// or -1 before the first write.
func (d *DB) LastBlockFile() int32 {
	return d.writer.LastFile()
}

// WriteFlag stores a named boolean flag in the metadata store.
func (d *DB) WriteFlag(name string, value bool) error {
	return d.store.WriteFlag(name, value)
}

// ReadFlag returns a named boolean flag from the metadata store.
func (d *DB) ReadFlag(name string) (bool, error) {
	return d.store.ReadFlag(name)
}

// WriteBatchSync persists every file info touched since the last sync, the
// current last-file index and every header record whose status changed, in
// one durable batch.
func (d *DB) WriteBatchSync() error {
	infos, lastFile := d.writer.DirtyFileInfos()

	var records []*metastore.HeaderRecord
	for _, node := range d.index.DrainDirty() {
		records = append(records, diskRecord(node))
	}

	if len(infos) == 0 && len(records) == 0 && lastFile < 0 {
		return nil
	}
	if lastFile < 0 {
		lastFile = 0
	}

	return d.store.WriteBatchSync(infos, lastFile, records)
}

// Reindexing returns the current reindex state.
func (d *DB) Reindexing() ReindexState {
	return d.reindexing
}

// SetReindexing moves the reindex state machine and persists the new
// position.
func (d *DB) SetReindexing(state ReindexState) error {
	if d.reindexing == state {
		return nil
	}
	d.reindexing = state

	return d.store.WriteReindexState(state)
}

// CacheAllBlockInfos loads the full header catalogue from the metadata
// store, links every record to its parent, rebuilds the skip pointers and
// replays every header through the chain set to reconstruct the tips and
// the best header. File usage records load alongside.
func (d *DB) CacheAllBlockInfos() error {
	records := make([]*metastore.HeaderRecord, 0)
	err := d.store.ForEachHeader(
		func(record *metastore.HeaderRecord) error {
			records = append(records, record)
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("unable to read header records: %w", err)
	}

	// Parents must exist before children, which height order
	// guarantees for a consistent store.
	sortRecordsByHeight(records)

	maxFile := int32(0)
	for _, record := range records {
		var parent *headerindex.Node
		if record.Height > 0 {
			parent = d.index.Get(record.Header.PrevBlock)
			if parent == nil {
				return fmt.Errorf("header %v at height %d "+
					"misses its parent %v: %w",
					record.Hash, record.Height,
					record.Header.PrevBlock,
					metastore.ErrCorruptValue)
			}
		}

		node := headerindex.LoadNode(&headerindex.NodeRecord{
			Hash:    record.Hash,
			Header:  record.Header,
			Height:  record.Height,
			Status:  headerindex.Status(record.Status),
			TxCount: record.TxCount,
			File:    record.File,
			DataPos: record.DataPos,
			UndoPos: record.UndoPos,
		}, parent)
		d.index.Insert(record.Hash, node)

		if record.File > maxFile {
			maxFile = record.File
		}
	}

	// Size the mapping slot tables for every referenced file up front.
	d.mapper.Reserve(int(maxFile) + 1)

	// Load the file usage table.
	lastFile, err := d.store.ReadLastFile()
	switch {
	case errors.Is(err, metastore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("unable to read last file: %w", err)
	default:
		for i := int32(0); i <= lastFile; i++ {
			info, err := d.store.ReadFileInfo(i)
			if errors.Is(err, metastore.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("unable to read file "+
					"info %d: %w", i, err)
			}
			d.writer.LoadFileInfo(i, info)
		}
	}

	d.index.BuildSkips()

	for _, node := range d.index.AllByHeight() {
		d.chains.AppendHeader(node)
	}

	log.Infof("Loaded %d headers, best header at height %d",
		d.index.Size(), d.chains.MainChain().Height())

	return nil
}

// InsertGenesis makes sure the genesis header is present in the catalogue,
// the chain set and the metadata store. Calling it again is a no-op.
func (d *DB) InsertGenesis() error {
	genesisHeader := d.cfg.ChainParams.GenesisBlock.Header
	hash := genesisHeader.BlockHash()
	if d.index.Exists(hash) {
		return nil
	}

	node := headerindex.NewNode(&genesisHeader, nil)
	node = d.index.Insert(hash, node)
	d.index.SetStatus(node, headerindex.StatusValidHeader|
		headerindex.StatusValidTree|headerindex.StatusValidChain)
	node.BuildSkip()
	d.chains.AppendHeader(node)

	lastFile := d.writer.LastFile()
	if lastFile < 0 {
		lastFile = 0
	}

	return d.store.WriteBatchSync(
		nil, lastFile, []*metastore.HeaderRecord{diskRecord(node)},
	)
}

// Close flushes dirty state and tears the engine down. Outstanding views
// of mapped files stay valid until their holders release them.
func (d *DB) Close() error {
	var err error
	d.shutdown.Do(func() {
		close(d.quit)
		d.wg.Wait()

		d.txWriter.Stop()
		err = d.WriteBatchSync()

		d.mapper.Close()
		d.index.Unload()
	})

	return err
}

// diskRecord converts an in-memory header node to its persisted form.
func diskRecord(node *headerindex.Node) *metastore.HeaderRecord {
	file, dataPos, undoPos := node.FilePos()
	return &metastore.HeaderRecord{
		Hash:    node.Hash(),
		Height:  node.Height(),
		Status:  uint32(node.Status()),
		TxCount: node.TxCount(),
		File:    file,
		DataPos: dataPos,
		UndoPos: undoPos,
		Header:  node.Header(),
	}
}

// sortRecordsByHeight orders loaded records ascending by height.
func sortRecordsByHeight(records []*metastore.HeaderRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Height < records[j].Height
	})
}

// A process-wide instance mirrors the historic entry point so call sites
// that predate explicit wiring keep working. New code receives the *DB
// value directly.
var (
	instanceMtx sync.Mutex
	instance    *DB
)

// CreateInstance constructs the engine from the configuration and installs
// it as the process-wide instance, replacing any previous one.
func CreateInstance(cfg *Config) (*DB, error) {
	instanceMtx.Lock()
	defer instanceMtx.Unlock()

	if instance != nil {
		instance.Close()
		instance = nil
	}

	d, err := New(cfg)
	if err != nil {
		return nil, err
	}
	instance = d

	return d, nil
}

// CreateTestInstance installs an engine for tests. A missing validation
// engine is substituted with one that swallows every submission.
func CreateTestInstance(cfg *Config) (*DB, error) {
	testCfg := *cfg
	if testCfg.Validation == nil {
		testCfg.Validation = nullValidator{}
	}

	return CreateInstance(&testCfg)
}

// Instance returns the process-wide engine, or nil before CreateInstance.
func Instance() *DB {
	instanceMtx.Lock()
	defer instanceMtx.Unlock()

	return instance
}

// Shutdown tears down the process-wide instance.
func Shutdown() {
	instanceMtx.Lock()
	defer instanceMtx.Unlock()

	if instance != nil {
		instance.Close()
		instance = nil
	}
}

package blockdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/chainforge/blockdb/blockfs"
	"github.com/chainforge/blockdb/headerindex"
	"github.com/chainforge/blockdb/metastore"
)

const dbOpenTimeout = time.Second * 10

// noopValidator satisfies Validator for tests that never reindex.
type noopValidator struct{}

func (noopValidator) WaitForSpace()           {}
func (noopValidator) AddBlock(blockfs.Pos)    {}
func (noopValidator) WaitValidationFinished() {}

// openTestDB opens the metadata database under the data directory.
func openTestDB(t *testing.T, dataDir string) walletdb.DB {
	t.Helper()

	indexDir := filepath.Join(dataDir, "blocks", "index")
	require.NoError(t, os.MkdirAll(indexDir, 0755))

	db, err := walletdb.Create(
		"bdb", filepath.Join(indexDir, "test.db"), true, dbOpenTimeout,
	)
	require.NoError(t, err)

	return db
}

// createTestDB wires an engine over a fresh or existing data directory.
// The caller closes the engine; the database closes with it.
func createTestDB(t *testing.T, dataDir string, reindex bool,
	validator Validator) (*DB, walletdb.DB) {

	t.Helper()

	db := openTestDB(t, dataDir)
	d, err := New(&Config{
		DataDir:     dataDir,
		Reindex:     reindex,
		ChainParams: &chaincfg.RegressionNetParams,
		Database:    db,
		Validation:  validator,
	})
	require.NoError(t, err)

	return d, db
}

// testBlockPayload serializes a block carrying the given header and no
// transactions, which is all the storage layer cares about.
func testBlockPayload(t *testing.T, header *wire.BlockHeader) []byte {
	t.Helper()

	block := wire.MsgBlock{Header: *header}
	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))

	return buf.Bytes()
}

// extendChain writes numBlocks block bodies on top of the current best
// header, appending a header node for each, and returns the nodes.
func extendChain(t *testing.T, d *DB, numBlocks int) []*headerindex.Node {
	t.Helper()

	parent := d.HeaderChain().Tip()
	require.NotNil(t, parent)

	var nodes []*headerindex.Node
	for i := 0; i < numBlocks; i++ {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: parent.Hash(),
			Timestamp: time.Unix(1296688602+int64(i)*600, 0),
			Bits:      chaincfg.RegressionNetParams.PowLimitBits,
			Nonce:     uint32(i + 1),
		}

		payload := testBlockPayload(t, header)
		pos, err := d.WriteBlock(
			NewFastBlock(payload), uint32(parent.Height())+1,
		)
		require.NoError(t, err)

		node := headerindex.NewNode(header, parent)
		node = d.Index().Insert(node.Hash(), node)
		node.BuildSkip()
		node.SetFilePos(pos.File, pos.Offset, 0)
		node.SetTxCount(0)
		d.Index().SetStatus(node, headerindex.StatusValidHeader|
			headerindex.StatusValidTree|headerindex.StatusHaveData)

		require.True(t, d.AppendHeader(node))
		require.NoError(t, d.AppendBlock(node, pos.File))

		nodes = append(nodes, node)
		parent = node
	}

	return nodes
}

// TestGenesisBootstrap starts from a fresh data directory and expects the
// genesis header to seed the catalogue and the chain set.
func TestGenesisBootstrap(t *testing.T) {
	d, db := createTestDB(t, t.TempDir(), false, noopValidator{})
	defer db.Close()
	defer d.Close()

	require.NoError(t, d.CacheAllBlockInfos())
	require.NoError(t, d.InsertGenesis())

	genesisHash := chaincfg.RegressionNetParams.GenesisBlock.Header.BlockHash()
	tip := d.HeaderChain().Tip()
	require.NotNil(t, tip)
	require.Equal(t, genesisHash, tip.Hash())
	require.Equal(t, int32(0), tip.Height())
	require.Len(t, d.HeaderChainTips(), 1)

	// Calling it again must change nothing.
	require.NoError(t, d.InsertGenesis())
	require.Equal(t, 1, d.Index().Size())
}

// TestBlockWriteAndLoad round-trips a block and its undo payload through
// the facade.
func TestBlockWriteAndLoad(t *testing.T) {
	d, db := createTestDB(t, t.TempDir(), false, noopValidator{})
	defer db.Close()
	defer d.Close()

	require.NoError(t, d.InsertGenesis())
	nodes := extendChain(t, d, 1)

	file, dataPos, _ := nodes[0].FilePos()
	pos := blockfs.Pos{File: file, Offset: dataPos}

	block, err := d.LoadBlock(pos)
	require.NoError(t, err)
	header, err := block.Header()
	require.NoError(t, err)
	require.Equal(t, nodes[0].Hash(), header.BlockHash())
	block.Release()

	// The parsed form matches too and lands in the cache.
	parsed, err := d.FetchBlock(pos)
	require.NoError(t, err)
	require.Equal(t, nodes[0].Hash(), *parsed.Hash())
	again, err := d.FetchBlock(pos)
	require.NoError(t, err)
	require.Equal(t, parsed, again)

	// Undo payloads ride along in the matching rev file.
	undoPayload := []byte("spent outputs of the block")
	undoPos, err := d.WriteUndoBlock(
		NewFastUndoBlock(undoPayload), nodes[0].Hash(), file,
	)
	require.NoError(t, err)

	undo, err := d.LoadUndoBlock(undoPos, nodes[0].Hash())
	require.NoError(t, err)
	require.Equal(t, undoPayload, undo.Bytes())
	undo.Release()

	// The wrong hash fails the checksum.
	var wrong chainhash.Hash
	_, err = d.LoadUndoBlock(undoPos, wrong)
	require.ErrorIs(t, err, blockfs.ErrCorruptData)
}

// TestPersistAndReload syncs a small chain to the metadata store, reopens
// the engine over the same directory and expects the catalogue, the tips
// and the file usage to reappear.
func TestPersistAndReload(t *testing.T) {
	dataDir := t.TempDir()

	d, db := createTestDB(t, dataDir, false, noopValidator{})
	require.NoError(t, d.InsertGenesis())
	nodes := extendChain(t, d, 5)
	require.NoError(t, d.WriteBatchSync())

	wantTip := nodes[len(nodes)-1].Hash()
	require.NoError(t, d.Close())
	require.NoError(t, db.Close())

	reopened, db2 := createTestDB(t, dataDir, false, noopValidator{})
	defer db2.Close()
	defer reopened.Close()

	require.NoError(t, reopened.CacheAllBlockInfos())

	require.Equal(t, 6, reopened.Index().Size())
	tip := reopened.HeaderChain().Tip()
	require.NotNil(t, tip)
	if tip.Hash() != wantTip {
		t.Fatalf("wrong tip after reload: %v",
			spew.Sdump(tip.Header()))
	}
	require.Equal(t, int32(5), tip.Height())
	require.Len(t, reopened.HeaderChainTips(), 1)

	// The reloaded nodes still locate their block bodies.
	for _, node := range nodes {
		loaded := reopened.Index().Get(node.Hash())
		require.NotNil(t, loaded)
		require.Equal(t, node.Height(), loaded.Height())
		require.True(t, loaded.Status().HaveData())

		file, dataPos, _ := loaded.FilePos()
		block, err := reopened.LoadBlock(blockfs.Pos{
			File: file, Offset: dataPos,
		})
		require.NoError(t, err)
		header, err := block.Header()
		require.NoError(t, err)
		require.Equal(t, node.Hash(), header.BlockHash())
		block.Release()
	}
}

// TestTransactionIndex drives the batched tx index writer through the
// facade.
func TestTransactionIndex(t *testing.T) {
	d, db := createTestDB(t, t.TempDir(), false, noopValidator{})
	defer db.Close()
	defer d.Close()

	var txid chainhash.Hash
	txid[5] = 0xab
	d.IndexTransactions(metastore.TxIndexEntry{
		TxID:        txid,
		File:        0,
		BlockOffset: 8,
		TxOffset:    81,
	})

	require.Eventually(t, func() bool {
		entry, err := d.LookupTransaction(txid)
		return err == nil && entry.TxOffset == 81
	}, time.Second*5, time.Millisecond*20)
}

// replayValidator rebuilds the header catalogue from the positions the
// reindex scanner feeds it, standing in for the validation engine.
type replayValidator struct {
	d *DB
}

func (r *replayValidator) WaitForSpace() {}

func (r *replayValidator) AddBlock(pos blockfs.Pos) {
	block, err := r.d.LoadBlock(pos)
	if err != nil {
		return
	}
	defer block.Release()

	header, err := block.Header()
	if err != nil {
		return
	}

	index := r.d.Index()
	if index.Exists(header.BlockHash()) {
		return
	}
	parent := index.Get(header.PrevBlock)
	if parent == nil {
		return
	}

	node := headerindex.NewNode(&header, parent)
	node = index.Insert(node.Hash(), node)
	node.BuildSkip()
	node.SetFilePos(pos.File, pos.Offset, 0)
	index.SetStatus(node, headerindex.StatusValidHeader|
		headerindex.StatusValidTree|headerindex.StatusHaveData)

	r.d.AppendHeader(node)
}

func (r *replayValidator) WaitValidationFinished() {}

// TestReindex wipes the metadata store, leaves the raw blk files alone and
// expects the reindex worker to rebuild the catalogue to the same tip set.
func TestReindex(t *testing.T) {
	dataDir := t.TempDir()

	// Build a chain and remember its tips.
	d, db := createTestDB(t, dataDir, false, noopValidator{})
	require.NoError(t, d.InsertGenesis())
	nodes := extendChain(t, d, 5)
	require.NoError(t, d.WriteBatchSync())

	wantTip := nodes[len(nodes)-1].Hash()
	require.NoError(t, d.Close())
	require.NoError(t, db.Close())

	// Drop the index, keep the blk files.
	require.NoError(t, os.RemoveAll(
		filepath.Join(dataDir, "blocks", "index"),
	))

	validator := &replayValidator{}
	reindexed, db2 := createTestDB(t, dataDir, true, validator)
	defer db2.Close()
	defer reindexed.Close()
	validator.d = reindexed

	require.Equal(t, ScanningFiles, reindexed.Reindexing())

	require.NoError(t, reindexed.CacheAllBlockInfos())
	require.NoError(t, reindexed.InsertGenesis())

	reindexed.StartBlockImporter()
	reindexed.WaitBlockImporter()

	require.Equal(t, NoReindex, reindexed.Reindexing())
	require.Equal(t, 6, reindexed.Index().Size())

	tips := reindexed.HeaderChainTips()
	require.Len(t, tips, 1)
	require.Equal(t, wantTip, tips[0].Hash())

	// The scan rebuilt the file usage table as well.
	info := reindexed.FileInfo(0)
	require.NotNil(t, info)
	require.Equal(t, uint32(5), info.Blocks)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	flags "github.com/jessevdk/go-flags"

	blockdb "github.com/chainforge/blockdb"
	"github.com/chainforge/blockdb/blockfs"
	"github.com/chainforge/blockdb/headerindex"
)

const dbOpenTimeout = time.Second * 10

// opts holds the command line configuration.
type opts struct {
	DataDir      string   `long:"datadir" description:"Directory holding the blocks and index data" default:"."`
	BlockDataDir []string `long:"blockdatadir" description:"Additional directory to search for blk/rev files (repeatable)"`
	Reindex      bool     `long:"reindex" description:"Rebuild the header catalogue by scanning the raw block files"`
	StopAfter    bool     `long:"stopafterblockimport" description:"Exit once the block import finishes"`
	TestNet      bool     `long:"testnet" description:"Use the test network"`
	RegTest      bool     `long:"regtest" description:"Use the regression test network"`
	DebugLevel   string   `long:"debuglevel" description:"Logging level" default:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blockdb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg opts
	if _, err := flags.Parse(&cfg); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	backend := btclog.NewBackend(os.Stdout)
	logger := backend.Logger("BLDB")
	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown debuglevel %q", cfg.DebugLevel)
	}
	logger.SetLevel(level)
	blockdb.UseLogger(logger)

	params := &chaincfg.MainNetParams
	switch {
	case cfg.TestNet:
		params = &chaincfg.TestNet3Params
	case cfg.RegTest:
		params = &chaincfg.RegressionNetParams
	}

	// The main network lives directly in the data directory; the test
	// networks get their own subdirectory.
	dataDir := cfg.DataDir
	if params.Net != chaincfg.MainNetParams.Net {
		dataDir = filepath.Join(cfg.DataDir, params.Name)
	}
	indexDir := filepath.Join(dataDir, "blocks", "index")
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return err
	}

	db, err := walletdb.Create(
		"bdb", filepath.Join(indexDir, "index.db"), true,
		dbOpenTimeout,
	)
	if err != nil {
		return fmt.Errorf("unable to open index database: %w", err)
	}
	defer db.Close()

	importer := &inlineImporter{}

	engine, err := blockdb.New(&blockdb.Config{
		DataDir:              dataDir,
		ExtraBlockDirs:       cfg.BlockDataDir,
		Reindex:              cfg.Reindex,
		StopAfterBlockImport: cfg.StopAfter,
		ChainParams:          params,
		Database:             db,
		Validation:           importer,
		RequestShutdown: func() {
			logger.Info("Shutdown requested")
		},
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	importer.engine = engine

	if err := engine.CacheAllBlockInfos(); err != nil {
		return err
	}
	if err := engine.InsertGenesis(); err != nil {
		return err
	}

	if engine.Reindexing() != blockdb.NoReindex {
		engine.StartBlockImporter()
		engine.WaitBlockImporter()
		logger.Infof("Imported %d blocks, skipped %d without a "+
			"known parent", importer.imported, importer.orphans)
	}

	tips := engine.HeaderChainTips()
	best := engine.HeaderChain().Tip()
	logger.Infof("Catalogue holds %d headers across %d tips",
		engine.Index().Size(), len(tips))
	for _, tip := range tips {
		marker := " "
		if tip == best {
			marker = "*"
		}
		logger.Infof("%s height %7d  %v", marker, tip.Height(),
			tip.Hash())
	}

	return nil
}

// inlineImporter replays scanned block positions straight back into the
// engine: every submitted block re-creates its header node and lands in the
// catalogue. It stands in for the full validation engine, which is enough
// to rebuild the catalogue from intact raw files.
type inlineImporter struct {
	engine *blockdb.DB

	imported int
	orphans  int
}

// WaitForSpace implements blockdb.Validator. Submissions process inline,
// so there is never a full queue to wait on.
func (i *inlineImporter) WaitForSpace() {}

// AddBlock implements blockdb.Validator.
func (i *inlineImporter) AddBlock(pos blockfs.Pos) {
	block, err := i.engine.LoadBlock(pos)
	if err != nil {
		i.orphans++
		return
	}
	defer block.Release()

	header, err := block.Header()
	if err != nil {
		i.orphans++
		return
	}

	index := i.engine.Index()
	hash := header.BlockHash()
	if index.Exists(hash) {
		return
	}

	var parent *headerindex.Node
	if header.PrevBlock != (chainhash.Hash{}) {
		parent = index.Get(header.PrevBlock)
		if parent == nil {
			i.orphans++
			return
		}
	}

	node := headerindex.NewNode(&header, parent)
	node = index.Insert(hash, node)
	node.BuildSkip()

	parsed, err := block.Block()
	if err == nil {
		node.SetTxCount(uint32(len(parsed.Transactions())))
	}
	node.SetFilePos(pos.File, pos.Offset, 0)
	index.SetStatus(node, headerindex.StatusValidHeader|
		headerindex.StatusValidTree|headerindex.StatusHaveData)

	i.engine.AppendHeader(node)
	i.imported++
}

// WaitValidationFinished implements blockdb.Validator. Inline processing
// leaves nothing to drain.
func (i *inlineImporter) WaitValidationFinished() {}

package blockdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/chainforge/blockdb/blockfs"
)

// Validator is the slice of the validation engine the storage layer needs:
// a bounded submission queue for raw-file positions and a completion
// barrier.
type Validator interface {
	// WaitForSpace blocks while the submission queue is full.
	WaitForSpace()

	// AddBlock enqueues a raw-file position for parsing and validation.
	AddBlock(pos blockfs.Pos)

	// WaitValidationFinished blocks until every submitted position has
	// been processed.
	WaitValidationFinished()
}

// nullValidator swallows every submission. It backs test instances that
// never reindex.
type nullValidator struct{}

func (nullValidator) WaitForSpace()           {}
func (nullValidator) AddBlock(blockfs.Pos)    {}
func (nullValidator) WaitValidationFinished() {}

// Config holds the configuration the engine is constructed with.
type Config struct {
	// DataDir is the chain-specific data directory. Raw block files
	// live in its blocks subdirectory.
	DataDir string

	// ExtraBlockDirs lists additional directories searched, in order,
	// for blk/rev files missing from the primary data directory.
	// Each must contain a blocks subdirectory; entries that do not are
	// skipped with a log message.
	ExtraBlockDirs []string

	// Reindex seeds the persisted reindex state with ScanningFiles at
	// start-up, forcing a full rebuild of the header catalogue from the
	// raw files.
	Reindex bool

	// StopAfterBlockImport requests a process shutdown through
	// RequestShutdown once the reindex worker finishes.
	StopAfterBlockImport bool

	// ChainParams supplies the network magic, the genesis block and the
	// chain-specific directory naming.
	ChainParams *chaincfg.Params

	// Database is the open metadata database the engine stores its
	// index in.
	Database walletdb.DB

	// Validation is the engine fed with block positions during reindex.
	Validation Validator

	// RequestShutdown asks the hosting process to begin an orderly
	// shutdown. May be nil when StopAfterBlockImport is unset.
	RequestShutdown func()

	// BlockCacheCapacity bounds the in-memory block cache in serialized
	// bytes. Zero selects the default capacity.
	BlockCacheCapacity uint64
}

// validate fills in defaults and rejects configurations the engine cannot
// run with.
func (cfg *Config) validate() error {
	if cfg.DataDir == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if cfg.ChainParams == nil {
		return fmt.Errorf("config: ChainParams is required")
	}
	if cfg.Database == nil {
		return fmt.Errorf("config: Database is required")
	}
	if cfg.Validation == nil {
		return fmt.Errorf("config: Validation is required")
	}
	if cfg.StopAfterBlockImport && cfg.RequestShutdown == nil {
		return fmt.Errorf("config: StopAfterBlockImport requires " +
			"RequestShutdown")
	}

	return nil
}

// usableBlockDirs filters the configured extra directories down to the
// ones actually carrying a blocks subdirectory.
func (cfg *Config) usableBlockDirs() []string {
	var dirs []string
	for _, dir := range cfg.ExtraBlockDirs {
		st, err := os.Stat(filepath.Join(dir, "blocks"))
		if err == nil && st.IsDir() {
			dirs = append(dirs, dir)
			continue
		}
		log.Criticalf("Invalid blockdatadir passed, no 'blocks' "+
			"subdir found, skipping: %s", dir)
	}

	return dirs
}

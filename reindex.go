package blockdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/exp/mmap"

	"github.com/chainforge/blockdb/blockfs"
)

// scanChunkSize is the granularity the reindex scanner reads raw files at.
const scanChunkSize = 1 << 20

// StartBlockImporter spawns the reindex worker when a reindex is in
// flight. The worker scans the raw blk files, feeds every discovered block
// position to the validation engine and, once validation drains, clears the
// persisted reindex state.
func (d *DB) StartBlockImporter() {
	if d.Reindexing() == NoReindex {
		return
	}

	d.wg.Add(1)
	go d.importBlockFiles()
}

// WaitBlockImporter blocks until the reindex worker, if any, has exited.
func (d *DB) WaitBlockImporter() {
	d.wg.Wait()
}

// importBlockFiles is the reindex worker.
//
// NOTE: this must be run in a goroutine.
func (d *DB) importBlockFiles() {
	defer d.wg.Done()

	if d.Reindexing() == ScanningFiles {
		for file := int32(0); ; file++ {
			found, err := d.scanBlockFile(file)
			if errors.Is(err, ErrShuttingDown) {
				// Leave the persisted state alone so the
				// next start resumes the scan.
				return
			}
			if err != nil {
				log.Errorf("Scanning block file %d failed: "+
					"%v", file, err)
				break
			}
			if !found {
				break
			}
		}

		if err := d.SetReindexing(ParsingBlocks); err != nil {
			log.Errorf("Failed to persist reindex state: %v", err)
		}
	}

	d.cfg.Validation.WaitValidationFinished()

	if err := d.SetReindexing(NoReindex); err != nil {
		log.Errorf("Failed to clear reindex state: %v", err)
	}
	if err := d.WriteBatchSync(); err != nil {
		log.Errorf("Failed to flush state after reindex: %v", err)
	}
	log.Info("Reindexing finished")

	// To avoid ending up in a situation without a genesis block, re-try
	// inserting it. A no-op when reindexing worked.
	if err := d.InsertGenesis(); err != nil {
		log.Errorf("Failed to re-insert genesis: %v", err)
	}

	if d.cfg.StopAfterBlockImport {
		log.Info("Stopping after block import")
		d.cfg.RequestShutdown()
	}
}

// scanBlockFile scans one raw blk file for framed blocks and submits every
// plausible position to the validation engine, honoring its backpressure.
// The boolean reports whether the file existed at all, which ends the scan
// loop. The scanner requires the full 4-byte magic to match before trusting
// the length word; a payload byte that merely looks like the start of a
// frame is skipped over.
func (d *DB) scanBlockFile(file int32) (bool, error) {
	path := blockfs.FilePath(
		filepath.Join(d.cfg.DataDir, "blocks"), d.cfg.usableBlockDirs(),
		blockfs.KindBlock, file,
	)

	reader, err := mmap.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No more files; don't complain.
			return false, nil
		}
		return false, err
	}
	defer reader.Close()

	start := time.Now()
	magic := d.writer.Magic()
	fileSize := reader.Len()

	var info blockfs.FileInfo

	chunk := make([]byte, scanChunkSize)
	pos := 0
	for pos+blockfs.MessageStartSize+4 <= fileSize {
		if d.closingDown() {
			return true, ErrShuttingDown
		}

		n, err := reader.ReadAt(chunk, int64(pos))
		if n == 0 && err != nil {
			break
		}
		window := chunk[:n]

		// Find the magic within this chunk. A miss past the chunk
		// boundary is retried on the next iteration, which re-reads
		// from the candidate position.
		hit := bytes.Index(window, magic[:])
		if hit < 0 {
			if pos+n >= fileSize {
				break
			}
			// The magic may straddle the chunk boundary.
			pos += n - (blockfs.MessageStartSize - 1)
			continue
		}
		frame := pos + hit
		if frame+blockfs.MessageStartSize+4 > fileSize {
			break
		}

		if hit+blockfs.MessageStartSize+4 > n {
			// The length word fell off the chunk; re-read at the
			// frame.
			pos = frame
			continue
		}

		blockSize := binary.LittleEndian.Uint32(
			window[hit+blockfs.MessageStartSize:],
		)
		if blockSize < blockHeaderSize {
			// Too small to carry a header; resume the scan right
			// after the matched magic.
			pos = frame + blockfs.MessageStartSize
			continue
		}

		payloadPos := frame + blockfs.MessageStartSize + 4

		d.cfg.Validation.WaitForSpace()
		if d.closingDown() {
			return true, ErrShuttingDown
		}
		d.cfg.Validation.AddBlock(blockfs.Pos{
			File:   file,
			Offset: uint32(payloadPos),
		})

		info.Blocks++
		pos = payloadPos + int(blockSize)
		info.Size = uint32(pos)
	}

	if info.Blocks > 0 {
		log.Infof("Loaded %d blocks from external file %d in %v",
			info.Blocks, file, time.Since(start))
		d.writer.FoundBlockFile(file, info)
	}

	return true, nil
}

// closingDown polls the shutdown flag.
func (d *DB) closingDown() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

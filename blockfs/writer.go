package blockfs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Writer frames payloads into the numbered data files. Every stored frame
// is magic || length || payload, with undo payloads additionally trailed by
// a double-sha256 checksum over the block hash and the payload. All
// mutations serialize on a single writer mutex; reads only touch the mapper
// briefly and then proceed lock-free on the counted view.
type Writer struct {
	mu sync.Mutex

	mapper *Mapper
	magic  [MessageStartSize]byte

	blocksDir string

	// infos tracks per-file usage, indexed by file number. lastFile is
	// the file currently appended to, -1 before the first write.
	infos    []*FileInfo
	lastFile int32

	// dirty is the set of file indexes touched since the last batch
	// sync.
	dirty map[int32]struct{}
}

// NewWriter returns a writer storing frames under the given blocks
// directory through the mapper, prefixing every frame with the 4-byte
// network magic.
func NewWriter(mapper *Mapper, blocksDir string,
	magic [MessageStartSize]byte) *Writer {

	return &Writer{
		mapper:    mapper,
		magic:     magic,
		blocksDir: blocksDir,
		lastFile:  -1,
		dirty:     make(map[int32]struct{}),
	}
}

// Magic returns the network magic the writer frames payloads with.
func (w *Writer) Magic() [MessageStartSize]byte {
	return w.magic
}

// LastFile returns the index of the file currently being appended to, or -1
// before the first write.
func (w *Writer) LastFile() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastFile
}

// FileInfo returns a copy of the usage info for the given file, or nil when
// the file is unknown.
func (w *Writer) FileInfo(index int32) *FileInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	if int(index) >= len(w.infos) || w.infos[index] == nil {
		return nil
	}
	cp := *w.infos[index]
	return &cp
}

// LoadFileInfo seeds the in-memory usage table from persisted state. Called
// while the store is loaded, before any writes.
func (w *Writer) LoadFileInfo(index int32, info *FileInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ensureInfosLocked(index)
	cp := *info
	w.infos[index] = &cp
	if index > w.lastFile {
		w.lastFile = index
	}
	w.mapper.SetLastBlockFile(w.lastFile)
}

// FoundBlockFile registers usage discovered by scanning a raw file during
// reindex. The undo size is left alone since it may have been assigned
// already.
func (w *Writer) FoundBlockFile(index int32, info FileInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ensureInfosLocked(index)
	if index > w.lastFile {
		w.lastFile = index
		w.mapper.SetLastBlockFile(index)
	}
	fi := w.infos[index]
	fi.Blocks = info.Blocks
	fi.Size = info.Size
	w.dirty[index] = struct{}{}

	log.Infof("Registering block file info %d: %d blocks with a total "+
		"of %d bytes", index, info.Blocks, info.Size)
}

// DirtyFileInfos returns a snapshot of every file info touched since the
// previous call together with the current last file index, and clears the
// dirty set. The caller persists the result through the metadata store.
func (w *Writer) DirtyFileInfos() (map[int32]*FileInfo, int32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make(map[int32]*FileInfo, len(w.dirty))
	for index := range w.dirty {
		cp := *w.infos[index]
		snapshot[index] = &cp
	}
	w.dirty = make(map[int32]struct{})

	return snapshot, w.lastFile
}

// ensureInfosLocked grows the info table to cover the index.
func (w *Writer) ensureInfosLocked(index int32) {
	for int32(len(w.infos)) <= index {
		w.infos = append(w.infos, &FileInfo{})
	}
}

// WriteBlock appends a block payload to the current last blk file, rolling
// over to a new file when the payload would push it past the maximum file
// size. The returned position points at the first byte of the payload. The
// height and header timestamp fold into the file's usage counters.
func (w *Writer) WriteBlock(payload []byte, height uint32,
	timestamp uint64) (Pos, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	pos, buf, err := w.writeFrameLocked(KindBlock, payload, 0)
	if err != nil {
		return Pos{}, err
	}
	defer buf.Release()

	w.infos[pos.File].AddBlock(height, timestamp)
	w.dirty[pos.File] = struct{}{}

	return pos, nil
}

// WriteUndo appends an undo payload to the rev file matching the preferred
// file index, opening a later file when the index runs ahead of the known
// files. A checksum over blockHash || payload trails the payload on disk.
func (w *Writer) WriteUndo(payload []byte, blockHash chainhash.Hash,
	preferredFile int32) (Pos, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	pos, buf, err := w.writeFrameLocked(KindUndo, payload, preferredFile)
	if err != nil {
		return Pos{}, err
	}
	defer buf.Release()

	// Compute and embed the trailing checksum.
	end := pos.Offset + uint32(len(payload))
	sum := undoChecksum(blockHash, payload)
	copy(buf.Bytes()[end:end+undoChecksumSize], sum[:])
	w.infos[pos.File].UndoSize += undoChecksumSize
	w.dirty[pos.File] = struct{}{}

	return pos, nil
}

// writeFrameLocked reserves space for one frame, growing or rolling files
// as needed, and copies the magic, length and payload into the mapping. It
// returns the payload position and the still-retained view so the caller
// can append trailing data. The writer lock must be held.
func (w *Writer) writeFrameLocked(kind Kind, payload []byte,
	preferredFile int32) (Pos, *View, error) {

	payloadSize := uint32(len(payload))
	if payloadSize+frameHeaderSize > MaxBlockFileSize {
		return Pos{}, nil, fmt.Errorf("payload of %d bytes cannot "+
			"fit a data file: %w", payloadSize, ErrCorruptData)
	}

	useBlk := kind == KindBlock
	tailSize := uint32(0)
	if !useBlk {
		tailSize = undoChecksumSize
	}

	// Pick the target file, rolling over when the current one is full.
	newFile := false
	switch {
	case int32(len(w.infos)) <= w.lastFile || w.lastFile < 0:
		// First file ever.
		newFile = true
		if w.lastFile < 0 {
			w.lastFile = 0
		}

	case useBlk &&
		w.infos[w.lastFile].Size+payloadSize+frameHeaderSize > MaxBlockFileSize:
		// Previous file full.
		newFile = true
		w.lastFile++

	case !useBlk && w.lastFile < preferredFile:
		// A resync can want rev files ahead of any blk file ever
		// written; create them on demand.
		newFile = true
		if preferredFile > w.lastFile+1 {
			w.lastFile = preferredFile
		} else {
			w.lastFile++
		}
	}
	w.ensureInfosLocked(w.lastFile)

	file := preferredFile
	if useBlk {
		// Rev files get to tell us which file they want to be in;
		// blk payloads always append to the last file.
		file = w.lastFile
	}
	info := w.infos[file]
	w.mapper.SetLastBlockFile(w.lastFile)

	if newFile || (!useBlk && info.UndoSize == 0) {
		if err := w.createFileLocked(kind, file, payloadSize); err != nil {
			return Pos{}, nil, err
		}
	}

	posInFile := &info.Size
	if !useBlk {
		posInFile = &info.UndoSize
	}

	view, err := w.viewForWriteLocked(kind, file,
		*posInFile+payloadSize+frameHeaderSize+tailSize)
	if err != nil {
		return Pos{}, nil, err
	}

	// Copy the frame into the mapping.
	offset := *posInFile
	data := view.Bytes()[offset:]
	copy(data[:MessageStartSize], w.magic[:])
	binary.LittleEndian.PutUint32(
		data[MessageStartSize:frameHeaderSize], payloadSize,
	)
	copy(data[frameHeaderSize:frameHeaderSize+payloadSize], payload)

	pos := Pos{File: file, Offset: offset + frameHeaderSize}
	*posInFile += payloadSize + frameHeaderSize

	return pos, view, nil
}

// createFileLocked allocates a fresh data file on disk at its initial
// chunked size. On platforms that cannot re-map growing files the full
// maximum size is allocated up front.
func (w *Writer) createFileLocked(kind Kind, index int32,
	payloadSize uint32) error {

	chunk := BlockFileChunkSize
	if kind == KindUndo {
		chunk = UndoFileChunkSize
	}
	allocation := payloadSize + frameHeaderSize + undoChecksumSize
	if allocation < chunk {
		allocation = chunk
	}
	if !mmapGrowable {
		allocation = MaxBlockFileSize
	}

	path := filepath.Join(w.blocksDir, fileName(kind, index))
	log.Debugf("Starting new data file %s", path)

	if err := os.MkdirAll(w.blocksDir, 0755); err != nil {
		return fmt.Errorf("unable to create blocks directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("unable to create data file %s: %w",
			path, err)
	}
	f.Close()
	if err := os.Truncate(path, int64(allocation)); err != nil {
		return fmt.Errorf("unable to allocate data file %s: %w",
			path, err)
	}
	w.mapper.Invalidate(kind, index)

	return nil
}

// viewForWriteLocked maps the file read-write and grows it in chunks until
// it can hold needed bytes. Write failures are fatal for the caller, so
// they surface as errors after logging at critical level.
func (w *Writer) viewForWriteLocked(kind Kind, index int32,
	needed uint32) (*View, error) {

	view, err := w.mapper.View(kind, index)
	if err != nil {
		return nil, err
	}
	if !view.Valid() {
		log.Criticalf("Wanting to write to data file %s failed, "+
			"could not open", fileName(kind, index))
		return nil, fmt.Errorf("unable to open %s for writing",
			fileName(kind, index))
	}

	chunk := BlockFileChunkSize
	if kind == KindUndo {
		chunk = UndoFileChunkSize
	}

	for mmapGrowable && view.Size() < needed {
		newSize := view.Size() + chunk
		log.Debugf("Data file %s needs to be resized to %d bytes",
			fileName(kind, index), newSize)

		view.Release()
		if err := w.mapper.GrowTo(kind, index, newSize); err != nil {
			log.Criticalf("Failed to resize data file %s: %v",
				fileName(kind, index), err)
			return nil, err
		}
		view, err = w.mapper.View(kind, index)
		if err != nil {
			return nil, err
		}
		if !view.Valid() {
			log.Criticalf("Resized data file %s no longer "+
				"readable", fileName(kind, index))
			return nil, fmt.Errorf("resized file %s vanished",
				fileName(kind, index))
		}
	}

	if !view.Writable() {
		// The slot may hold a stale read-only mapping from before
		// this file became the write target; re-map once.
		view.Release()
		w.mapper.Invalidate(kind, index)
		view, err = w.mapper.View(kind, index)
		if err != nil {
			return nil, err
		}
	}
	if !view.Writable() {
		view.Release()
		log.Criticalf("Wanting to write to data file %s failed, "+
			"file read-only", fileName(kind, index))
		return nil, ErrNotWritable
	}

	return view, nil
}

// undoChecksum computes the double-sha256 checksum over the block hash
// followed by the undo payload.
func undoChecksum(blockHash chainhash.Hash, payload []byte) [32]byte {
	h := sha256.New()
	h.Write(blockHash[:])
	h.Write(payload)
	return sha256.Sum256(h.Sum(nil))
}

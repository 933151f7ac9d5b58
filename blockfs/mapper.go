package blockfs

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// historySize is the number of recently handed out views the mapper keeps
// strong references to, so repeated reads of the same files do not thrash
// between mapping and unmapping.
const historySize = 16

// mapping is one live memory map of a data file. It is shared between the
// mapper's slot table and any number of outstanding views; the map is torn
// down when the last reference is released.
type mapping struct {
	data     []byte
	writable bool
	refs     atomic.Int32
}

// retain takes one reference on the mapping.
func (m *mapping) retain() {
	m.refs.Add(1)
}

// release drops one reference and unmaps the region when it was the last.
func (m *mapping) release() {
	if m.refs.Add(-1) > 0 {
		return
	}
	if err := munmapFile(m.data); err != nil {
		log.Errorf("Failed to unmap data file: %v", err)
	}
}

// View is a counted handle onto a mapped data file. An empty view stands in
// for a file that does not exist (pruned). Views must be released exactly
// once; the underlying OS mapping outlives the mapper's slot pointer until
// every view is gone.
type View struct {
	m        *mapping
	released bool
}

// Valid reports whether the view actually references a mapped file.
func (v *View) Valid() bool {
	return v != nil && v.m != nil
}

// Bytes exposes the mapped region. The slice stays valid until Release.
func (v *View) Bytes() []byte {
	if !v.Valid() {
		return nil
	}
	return v.m.data
}

// Size returns the size of the mapped file in bytes.
func (v *View) Size() uint32 {
	if !v.Valid() {
		return 0
	}
	return uint32(len(v.m.data))
}

// Writable reports whether the region was mapped read-write.
func (v *View) Writable() bool {
	return v.Valid() && v.m.writable
}

// Release returns the reference held by this view. Calling it on an empty
// or already released view is a no-op.
func (v *View) Release() {
	if !v.Valid() || v.released {
		return
	}
	v.released = true
	v.m.release()
}

// Mapper opens, memory-maps and hands out counted views of the numbered
// data files. One slot per (kind, index) holds the live mapping; growing or
// invalidating a file clears the slot so the next view re-maps, while
// outstanding views keep the old mapping alive until dropped.
type Mapper struct {
	mu sync.Mutex

	blocksDir string
	extraDirs []string

	// lastBlockFile is the index of the blk file currently being
	// appended to; it is the only blk file mapped read-write.
	lastBlockFile int32

	slots [2][]*mapping

	// history retains the most recently handed out views in FIFO order.
	history []*View
}

// NewMapper returns a mapper rooted at the given blocks directory, with the
// extra directories searched for files missing from the primary one.
func NewMapper(blocksDir string, extraDirs []string) *Mapper {
	return &Mapper{
		blocksDir:     blocksDir,
		extraDirs:     extraDirs,
		lastBlockFile: -1,
	}
}

// SetExtraDirs replaces the list of additional directories searched for
// data files missing from the primary directory.
func (m *Mapper) SetExtraDirs(dirs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.extraDirs = dirs
}

// SetLastBlockFile tells the mapper which blk file is currently being
// appended to. Only that blk file, and every rev file, is mapped
// read-write.
func (m *Mapper) SetLastBlockFile(index int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastBlockFile = index
}

// Reserve grows the slot tables to hold at least n files per kind, so a
// bulk load does not resize them one view at a time.
func (m *Mapper) Reserve(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for kind := range m.slots {
		if len(m.slots[kind]) < n {
			grown := make([]*mapping, n)
			copy(grown, m.slots[kind])
			m.slots[kind] = grown
		}
	}
}

// slot returns a pointer to the slot for the file, growing the table as
// needed. The mapper lock must be held.
func (m *Mapper) slot(kind Kind, index int32) **mapping {
	table := &m.slots[kind]
	if int(index) >= len(*table) {
		grown := make([]*mapping, index+10)
		copy(grown, *table)
		*table = grown
	}
	return &(*table)[index]
}

// View returns a counted view of the given data file. A missing file yields
// an empty view and no error, which readers treat as pruned. The file is
// mapped read-write when it is the current last blk file or any rev file;
// when opening read-write fails the mapper falls back to read-only, so data
// that was moved onto read-only media stays readable.
func (m *Mapper) View(kind Kind, index int32) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.slot(kind, index)
	if *slot == nil {
		mp, err := m.mapLocked(kind, index)
		if err != nil {
			return nil, err
		}
		if mp == nil {
			return &View{}, nil
		}
		*slot = mp
	}

	(*slot).retain()
	view := &View{m: *slot}
	m.rememberLocked(view)

	return view, nil
}

// mapLocked opens and maps the file, returning nil when it does not exist.
// The mapper lock must be held.
func (m *Mapper) mapLocked(kind Kind, index int32) (*mapping, error) {
	path := FilePath(m.blocksDir, m.extraDirs, kind, index)

	wantWrite := kind == KindUndo || index == m.lastBlockFile
	flag := os.O_RDONLY
	if wantWrite {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil && wantWrite {
		// The files may have been moved to read-only media; retry
		// without write access before giving up.
		wantWrite = false
		f, err = os.OpenFile(path, os.O_RDONLY, 0644)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to open data file %s: %w",
			path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to stat data file %s: %w",
			path, err)
	}
	size := int(st.Size())
	if size == 0 {
		// An empty file cannot be mapped; treat it like a missing
		// one.
		f.Close()
		return nil, nil
	}

	data, err := mmapFile(f, size, wantWrite)
	// The file descriptor is not needed once the mapping exists.
	f.Close()
	if err != nil {
		log.Criticalf("Failed to memory map data file %s: %v",
			path, err)
		return nil, fmt.Errorf("unable to map data file %s: %w",
			path, err)
	}

	mp := &mapping{data: data, writable: wantWrite}
	// The slot itself holds one reference until invalidated.
	mp.retain()

	return mp, nil
}

// rememberLocked pushes a retained copy of the view onto the history FIFO.
// The mapper lock must be held.
func (m *Mapper) rememberLocked(view *View) {
	view.m.retain()
	m.history = append(m.history, &View{m: view.m})
	if len(m.history) > historySize {
		m.history[0].Release()
		m.history = m.history[1:]
	}
}

// GrowTo resizes the file on disk and invalidates its slot so the next view
// maps the grown file. Outstanding views keep reading the old mapping until
// they are released. On platforms that cannot re-map, growth beyond the
// first allocation is a no-op.
func (m *Mapper) GrowTo(kind Kind, index int32, newSize uint32) error {
	if !mmapGrowable {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := FilePath(m.blocksDir, m.extraDirs, kind, index)
	if err := os.Truncate(path, int64(newSize)); err != nil {
		return fmt.Errorf("unable to resize data file %s to %d: %w",
			path, newSize, err)
	}
	m.invalidateLocked(kind, index)

	return nil
}

// Invalidate clears the slot for the file so the next view re-maps it.
func (m *Mapper) Invalidate(kind Kind, index int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidateLocked(kind, index)
}

func (m *Mapper) invalidateLocked(kind Kind, index int32) {
	slot := m.slot(kind, index)
	if *slot != nil {
		(*slot).release()
		*slot = nil
	}
}

// Close releases the history and every slot-held mapping. Views still in
// the wild remain valid until released.
func (m *Mapper) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, view := range m.history {
		view.Release()
	}
	m.history = nil

	for kind := range m.slots {
		for i, mp := range m.slots[kind] {
			if mp != nil {
				mp.release()
				m.slots[kind][i] = nil
			}
		}
	}
}

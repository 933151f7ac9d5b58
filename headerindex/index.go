package headerindex

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Index is the arena of all known header nodes, keyed by block hash. It owns
// the nodes for the lifetime of the process; the arena never shrinks, so
// pointers handed out stay valid until Unload.
type Index struct {
	mtx sync.Mutex

	nodes map[chainhash.Hash]*Node

	// dirty collects nodes whose status changed since the last metadata
	// sync, so the caller knows to re-persist them.
	dirty map[*Node]struct{}
}

// NewIndex returns an empty header index.
func NewIndex() *Index {
	return &Index{
		nodes: make(map[chainhash.Hash]*Node),
		dirty: make(map[*Node]struct{}),
	}
}

// Insert adds a node to the index under the given hash. Inserting the same
// hash twice keeps the first node and returns it.
func (idx *Index) Insert(hash chainhash.Hash, node *Node) *Node {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if existing, ok := idx.nodes[hash]; ok {
		return existing
	}
	idx.nodes[hash] = node

	return node
}

// Get returns the node stored under the given hash, or nil when the hash is
// unknown.
func (idx *Index) Get(hash chainhash.Hash) *Node {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	return idx.nodes[hash]
}

// Exists returns whether a node is stored under the given hash.
func (idx *Index) Exists(hash chainhash.Hash) bool {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	_, ok := idx.nodes[hash]
	return ok
}

// Size returns the number of nodes in the index.
func (idx *Index) Size() int {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	return len(idx.nodes)
}

// Empty returns whether the index holds no nodes at all.
func (idx *Index) Empty() bool {
	return idx.Size() == 0
}

// SetStatus replaces the status bits of the node and marks it dirty when the
// value actually changed.
func (idx *Index) SetStatus(node *Node, status Status) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if node.status == status {
		return
	}
	node.status = status
	idx.dirty[node] = struct{}{}
}

// AddStatusFlags sets the given flags on the node, on top of whatever flags
// are already set.
func (idx *Index) AddStatusFlags(node *Node, flags Status) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if node.status&flags == flags {
		return
	}
	node.status |= flags
	idx.dirty[node] = struct{}{}
}

// MarkFailed flags the node as having failed validation and stamps every
// descendant with the failed-child flag, keeping the failure set closed
// under descent. The genesis node must not be marked failed.
func (idx *Index) MarkFailed(node *Node) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if node.parent == nil {
		panic("headerindex: genesis cannot be marked failed")
	}

	if node.status&StatusFailedValid == 0 {
		node.status |= StatusFailedValid
		idx.dirty[node] = struct{}{}
	}
	for _, candidate := range idx.nodes {
		if candidate == node || candidate.height <= node.height {
			continue
		}
		if candidate.Ancestor(node.height) != node {
			continue
		}
		if candidate.status&StatusFailedChild == 0 {
			candidate.status |= StatusFailedChild
			idx.dirty[candidate] = struct{}{}
		}
	}
}

// Reconsider clears the failure flags from the given node, from every
// descendant of it, and from all of its ancestors, scheduling each touched
// node for re-persistence. It is the recovery path after a block was
// manually un-invalidated.
func (idx *Index) Reconsider(node *Node) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	height := node.height
	log.Debugf("Reconsidering block %v at height %d", node.hash, height)

	// Remove the invalidity flag from this node and all its descendants.
	for _, candidate := range idx.nodes {
		if !candidate.status.KnownInvalid() {
			continue
		}
		if candidate.Ancestor(height) == node {
			candidate.status &^= StatusFailedMask
			idx.dirty[candidate] = struct{}{}
		}
	}

	// Remove the invalidity flag from all ancestors too.
	for n := node; n != nil; n = n.parent {
		if n.status&StatusFailedMask != 0 {
			n.status &^= StatusFailedMask
			idx.dirty[n] = struct{}{}
		}
	}
}

// FilesWithData returns the set of file indexes referenced by any node that
// carries the have-data flag.
func (idx *Index) FilesWithData() map[int32]struct{} {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	files := make(map[int32]struct{})
	for _, node := range idx.nodes {
		if node.status.HaveData() {
			files[node.file] = struct{}{}
		}
	}

	return files
}

// AllByHeight returns a snapshot of every node in the index, sorted
// ascending by height.
func (idx *Index) AllByHeight() []*Node {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	sorted := make([]*Node, 0, len(idx.nodes))
	for _, node := range idx.nodes {
		sorted = append(sorted, node)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].height < sorted[j].height
	})

	return sorted
}

// BuildSkips computes the skip pointer of every node in the index. It is
// called once after the full index has been loaded from the metadata store.
func (idx *Index) BuildSkips() {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	for _, node := range idx.nodes {
		node.BuildSkip()
	}
}

// DrainDirty returns the set of nodes touched since the previous call and
// resets the dirty set. The caller is expected to persist the returned
// nodes.
func (idx *Index) DrainDirty() []*Node {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if len(idx.dirty) == 0 {
		return nil
	}
	nodes := make([]*Node, 0, len(idx.dirty))
	for node := range idx.dirty {
		nodes = append(nodes, node)
	}
	idx.dirty = make(map[*Node]struct{})

	return nodes
}

// Unload drops every node from the index. Only meant for shutdown and for
// tests that rebuild the index from scratch.
func (idx *Index) Unload() {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	idx.nodes = make(map[chainhash.Hash]*Node)
	idx.dirty = make(map[*Node]struct{})
}

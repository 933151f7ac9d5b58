package blockcache

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"

	"github.com/chainforge/blockdb/blockfs"
)

// ErrBlockNotFound is returned when the requested block is not cached.
var ErrBlockNotFound = errors.New("unable to find block in cache")

// DefaultCapacity is the default maximum capacity of the cache, in bytes.
const DefaultCapacity = 250 * 1024 * 1024

// CacheableBlock is a wrapper around the btcutil.Block type which provides a
// Size method used by the cache to target certain memory usage.
type CacheableBlock struct {
	*btcutil.Block
}

// Size returns size of this block in bytes.
func (c *CacheableBlock) Size() (uint64, error) {
	return uint64(c.Block.MsgBlock().SerializeSize()), nil
}

// Cache holds a bounded number of recently loaded blocks in memory, keyed
// by their position in the file store, so repeated reads of the same region
// of the chain skip deserialization.
type Cache struct {
	cache *lru.Cache[blockfs.Pos, *CacheableBlock]
}

// New returns a cache that targets the given memory usage in serialized
// block bytes.
func New(capacity uint64) *Cache {
	return &Cache{
		cache: lru.NewCache[blockfs.Pos, *CacheableBlock](capacity),
	}
}

// Put stores a parsed block under its file position.
func (c *Cache) Put(pos blockfs.Pos, block *btcutil.Block) error {
	_, err := c.cache.Put(pos, &CacheableBlock{block})
	return err
}

// Get returns the block cached under the position, or ErrBlockNotFound.
func (c *Cache) Get(pos blockfs.Pos) (*btcutil.Block, error) {
	cached, err := c.cache.Get(pos)
	if errors.Is(err, cache.ErrElementNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}

	return cached.Block, nil
}

// Len returns the number of blocks currently cached.
func (c *Cache) Len() int {
	return c.cache.Len()
}

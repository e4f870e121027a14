package go115

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// dirListing is a cached directory listing together with the version
// the directory reported when it was filled. A hit is only served
// while a fresh version probe still matches.
type dirListing struct {
	version int64
	nodes   []*Node
}

// attrCache caches directory listings keyed by directory id. Entries
// age out on their own as a backstop; the version predicate is the
// real coherence mechanism.
type attrCache struct {
	store *gocache.Cache

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newAttrCache() *attrCache {
	return &attrCache{
		store: gocache.New(time.Hour, 10*time.Minute),
		locks: map[uint64]*sync.Mutex{},
	}
}

func key(dirID uint64) string {
	return strconv.FormatUint(dirID, 10)
}

// lock serializes listing work per directory so concurrent readers
// don't trigger duplicate listing storms. Returns the unlock func.
func (c *attrCache) lock(dirID uint64) func() {
	c.mu.Lock()
	l, ok := c.locks[dirID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[dirID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *attrCache) get(dirID uint64) (*dirListing, bool) {
	v, ok := c.store.Get(key(dirID))
	if !ok {
		return nil, false
	}
	return v.(*dirListing), true
}

func (c *attrCache) put(dirID uint64, l *dirListing) {
	c.store.Set(key(dirID), l, gocache.DefaultExpiration)
}

func (c *attrCache) invalidate(dirID uint64) {
	c.store.Delete(key(dirID))
}

func (c *attrCache) flush() {
	c.store.Flush()
}

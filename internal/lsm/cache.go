package lsm

import (
	"sync"

	"github.com/return2faye/ShaleKV/internal/sstable"
)

// readerCache keeps one open reader per live SSTable. Readers are shared by
// reference count: a table removed by a commit stays open until the last
// in-flight lookup or scan releases it, then its reader is closed. The files
// themselves are immutable, so a cached reader never goes stale.
type readerCache struct {
	mu     sync.Mutex
	dir    string
	fpRate float64
	m      map[uint64]*cachedReader
}

type cachedReader struct {
	r    *sstable.Reader
	refs int
	dead bool // table removed from the manifest; close when refs drain
}

func newReaderCache(dir string, fpRate float64) *readerCache {
	return &readerCache{dir: dir, fpRate: fpRate, m: make(map[uint64]*cachedReader)}
}

// acquire returns the reader for meta plus a release func. The release must
// be called exactly once when the caller is done with the reader.
func (c *readerCache) acquire(meta TableMeta) (*sstable.Reader, func(), error) {
	c.mu.Lock()
	cr, ok := c.m[meta.ID]
	if !ok {
		c.mu.Unlock()
		// Open outside the lock; opening reads the index and maybe rebuilds
		// the bloom sidecar.
		r, err := sstable.OpenReader(sstPath(c.dir, meta.Level, meta.ID), bloomPath(c.dir, meta.Level, meta.ID), c.fpRate)
		if err != nil {
			return nil, nil, err
		}
		c.mu.Lock()
		if existing, ok := c.m[meta.ID]; ok {
			// Lost the race; keep the first one.
			r.Close()
			cr = existing
		} else {
			cr = &cachedReader{r: r}
			c.m[meta.ID] = cr
		}
	}
	cr.refs++
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(meta.ID) })
	}
	return cr.r, release, nil
}

func (c *readerCache) release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cr, ok := c.m[id]
	if !ok {
		return
	}
	cr.refs--
	if cr.dead && cr.refs == 0 {
		cr.r.Close()
		delete(c.m, id)
	}
}

// drop marks a removed table's reader for closing once unreferenced.
func (c *readerCache) drop(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cr, ok := c.m[id]
	if !ok {
		return
	}
	cr.dead = true
	if cr.refs == 0 {
		cr.r.Close()
		delete(c.m, id)
	}
}

func (c *readerCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, cr := range c.m {
		cr.r.Close()
		delete(c.m, id)
	}
}

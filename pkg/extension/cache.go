package extension

import (
	"crypto/sha256"
	"sync"
)

type cacheKey struct {
	path   string
	symbol string
}

type cacheEntry struct {
	paths       []string
	fingerprint [sha256.Size]byte
	def         Definition
}

// definitionCache keeps file-located definitions until one of the files
// they were evaluated from changes
type definitionCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
}

func newDefinitionCache() *definitionCache {
	return &definitionCache{entries: make(map[cacheKey]*cacheEntry)}
}

// get returns the cached definition when every recorded file still has
// the fingerprint it had at resolution time. Stale entries are evicted.
func (c *definitionCache) get(key cacheKey) (Definition, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	stamps := make([]fileStamp, 0, len(entry.paths))
	for _, p := range entry.paths {
		s, _, err := stampFile(p)
		if err != nil {
			c.evict(key, entry)
			return nil, false
		}
		stamps = append(stamps, s)
	}
	if fingerprint(stamps) != entry.fingerprint {
		c.evict(key, entry)
		return nil, false
	}
	return entry.def, true
}

func (c *definitionCache) put(key cacheKey, stamps []fileStamp, def Definition) {
	paths := make([]string, len(stamps))
	for i, s := range stamps {
		paths[i] = s.path
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{paths: paths, fingerprint: fingerprint(stamps), def: def}
}

func (c *definitionCache) evict(key cacheKey, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == entry {
		delete(c.entries, key)
	}
}

func (c *definitionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *definitionCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
}

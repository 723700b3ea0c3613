package storage

import "sync"

// fieldCache is a write-through cache over redis hash fields, keyed by
// (hash key, field). It only ever mirrors values this process wrote or
// read, so it can be dropped wholesale when a transaction rolls back.
type fieldCache struct {
	mu     sync.RWMutex
	fields map[string]map[string]string
}

func newFieldCache() *fieldCache {
	return &fieldCache{fields: make(map[string]map[string]string)}
}

func (c *fieldCache) get(key, field string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.fields[key]
	if !ok {
		return "", false
	}
	value, ok := fields[field]
	return value, ok
}

func (c *fieldCache) set(key, field, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields, ok := c.fields[key]
	if !ok {
		fields = make(map[string]string)
		c.fields[key] = fields
	}
	fields[field] = value
}

func (c *fieldCache) del(key string, fields ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.fields[key]
	if !ok {
		return
	}
	for _, field := range fields {
		delete(cached, field)
	}
}

// flush empties the cache. Called on transaction rollback, when cached
// values may no longer match the backing store.
func (c *fieldCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string]map[string]string)
}

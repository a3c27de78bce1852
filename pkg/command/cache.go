package command

import "sync"

// Cache maps literal commands to the output of their last successful run.
// Entries live until Clear is called; there is no eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// Get returns the cached output for cmd.
func (c *Cache) Get(cmd string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.entries[cmd]
	return out, ok
}

// Put stores output for cmd, replacing any previous entry.
func (c *Cache) Put(cmd, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cmd] = output
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
}

// Len returns the number of cached commands.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

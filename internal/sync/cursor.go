package sync

import "sync"

// Cursor is the process-wide position in the provider's change stream.
type Cursor struct {
	mu    sync.RWMutex
	value string
}

func (c *Cursor) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Commit moves the cursor to the end of a fully processed window.
func (c *Cursor) Commit(v string) {
	if v == "" {
		return
	}
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// Establish sets the cursor only if it has never been set, and reports
// whether it did. Lease renewals go through here so they can never move an
// already advanced cursor.
func (c *Cursor) Establish(v string) bool {
	if v == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" {
		return false
	}
	c.value = v
	return true
}

// Reset replaces the cursor unconditionally. Used only when the provider has
// expired the current window.
func (c *Cursor) Reset(v string) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

package tracking

import (
	"context"
	"sync"

	"outagewatch/internal/schedule"
)

// fingerprintCache holds the last observed fingerprint per key.
type fingerprintCache struct {
	mu sync.Mutex
	m  map[Key]schedule.Fingerprint
}

func newFingerprintCache() *fingerprintCache {
	return &fingerprintCache{m: map[Key]schedule.Fingerprint{}}
}

// observe records fp for key. first is set when key had no entry; changed
// is set when an entry existed and differed. In both cases the entry is
// replaced before observe returns. Once ctx is cancelled observe writes
// nothing and reports neither.
func (c *fingerprintCache) observe(ctx context.Context, key Key, fp schedule.Fingerprint) (changed, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false, false
	}
	prev, ok := c.m[key]
	switch {
	case !ok:
		c.m[key] = fp
		return false, true
	case prev.Equal(fp):
		return false, false
	default:
		c.m[key] = fp
		return true, false
	}
}

func (c *fingerprintCache) get(key Key) (schedule.Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.m[key]
	return fp, ok
}

func (c *fingerprintCache) forget(key Key) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// move re-keys an entry; a missing source clears the destination.
func (c *fingerprintCache) move(from, to Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.m[from]
	delete(c.m, from)
	if ok {
		c.m[to] = fp
	} else {
		delete(c.m, to)
	}
}

func (c *fingerprintCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

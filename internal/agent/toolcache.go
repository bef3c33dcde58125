package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultToolCacheTTL bounds how long a tool output is reused within a run.
const DefaultToolCacheTTL = 60 * time.Second

// ToolCache remembers successful tool outputs so a model that repeats an
// identical call does not spawn the same command again. Failed calls are never
// cached: a timeout or spawn failure may not repeat.
type ToolCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cached
	now     func() time.Time
}

type cached struct {
	output  string
	expires time.Time
}

func NewToolCache(ttl time.Duration) *ToolCache {
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}
	return &ToolCache{ttl: ttl, entries: map[string]cached{}, now: time.Now}
}

// Get returns the stored output for an identical call that has not expired.
func (c *ToolCache) Get(tool string, params map[string]any) (string, bool) {
	key := callKey(tool, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.output, true
}

// Put stores a successful output and drops anything already expired.
func (c *ToolCache) Put(tool string, params map[string]any, output string) {
	key := callKey(tool, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cached{output: output, expires: now.Add(c.ttl)}
}

// Len reports the number of stored entries, expired or not.
func (c *ToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// callKey hashes the tool name and its arguments; json.Marshal sorts map keys.
func callKey(tool string, params map[string]any) string {
	data, _ := json.Marshal(params)
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

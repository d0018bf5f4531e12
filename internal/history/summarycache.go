package history

import (
	"sync"
	"time"
)

// summaryCacheEntry memoizes one generated summary together with the prefix
// length it was produced from.
type summaryCacheEntry struct {
	summary       string
	oldHistoryLen int
	createdAt     time.Time
}

// SummaryCache is a bounded memo of generated summaries keyed by session and
// reduction target. An entry is served only while it is younger than maxAge
// and the dropped prefix has not grown by maxDelta messages since the
// summary was produced; otherwise the lookup is a miss. When full, the
// oldest entry by creation time is evicted. Safe for concurrent use; the
// lock is never held across a summary generation call.
type SummaryCache struct {
	mu         sync.Mutex
	entries    map[string]summaryCacheEntry
	maxEntries int
}

// DefaultSummaryCacheSize bounds the process-wide summary cache.
const DefaultSummaryCacheSize = 128

// NewSummaryCache creates a cache holding at most maxEntries summaries.
func NewSummaryCache(maxEntries int) *SummaryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultSummaryCacheSize
	}
	return &SummaryCache{
		entries:    make(map[string]summaryCacheEntry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached summary for key, or "" and false on a miss. A hit
// requires the entry to be younger than maxAge and the current prefix length
// to have drifted fewer than maxDelta messages from the entry's.
func (c *SummaryCache) Get(key string, oldHistoryLen int, maxAge time.Duration, maxDelta int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.createdAt) > maxAge {
		return "", false
	}
	if oldHistoryLen-entry.oldHistoryLen >= maxDelta {
		return "", false
	}
	return entry.summary, true
}

// Set stores a summary, evicting the oldest entry when at capacity.
func (c *SummaryCache) Set(key, summary string, oldHistoryLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.createdAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.createdAt
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = summaryCacheEntry{
		summary:       summary,
		oldHistoryLen: oldHistoryLen,
		createdAt:     time.Now(),
	}
}

// Len returns the number of cached summaries.
func (c *SummaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

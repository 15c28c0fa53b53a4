package license

import (
	"sync"
	"time"
)

// validationCache holds the most recent validation verdict for a short TTL
// so concurrent and repeated gate checks do not re-read and re-verify the
// artifact files on every request.
type validationCache struct {
	mutex     sync.RWMutex
	result    *ValidationResult
	cachedAt  time.Time
	expiresAt time.Time
	ttl       time.Duration
	hitCount  int64
	missCount int64
}

// newValidationCache creates a cache with the given TTL. A zero or negative
// TTL disables caching entirely.
func newValidationCache(ttl time.Duration) *validationCache {
	return &validationCache{ttl: ttl}
}

// Get returns the cached result if it is still fresh.
func (c *validationCache) Get() (*ValidationResult, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.result == nil || time.Now().After(c.expiresAt) {
		c.missCount++
		return nil, false
	}

	c.hitCount++
	result := *c.result
	return &result, true
}

// Set stores a validation result until the TTL lapses.
func (c *validationCache) Set(result *ValidationResult) {
	if c.ttl <= 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored := *result
	c.result = &stored
	c.cachedAt = time.Now()
	c.expiresAt = c.cachedAt.Add(c.ttl)
}

// Invalidate drops the cached result. Called after a refresh installs new
// artifacts so the next gate check re-reads them.
func (c *validationCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.result = nil
}

// GetStats returns cache counters for health and status reporting.
func (c *validationCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := map[string]interface{}{
		"cached":      c.result != nil,
		"cached_at":   c.cachedAt,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"ttl_seconds": c.ttl.Seconds(),
	}

	// The ratio is undefined until the cache has seen traffic
	if totalRequests := c.hitCount + c.missCount; totalRequests > 0 {
		stats["hit_ratio"] = float64(c.hitCount) / float64(totalRequests)
	}

	return stats
}

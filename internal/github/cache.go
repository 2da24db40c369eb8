package github

import (
	"sync"
	"time"
)

type cachedRepo struct {
	repo     *Repo
	cachedAt time.Time
}

// RepoCache stores repository lookups in memory with automatic expiration
type RepoCache struct {
	mu    sync.RWMutex
	repos map[string]cachedRepo // owner/repo → Repo
	ttl   time.Duration         // Time-to-live for cached data
	now   func() time.Time
}

// NewRepoCache creates a new repository cache
func NewRepoCache(ttl time.Duration) *RepoCache {
	if ttl == 0 {
		ttl = 5 * time.Minute // Default 5 minutes
	}

	return &RepoCache{
		repos: make(map[string]cachedRepo),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Update adds or updates a repository in the cache
func (c *RepoCache) Update(key string, repo *Repo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.repos[key] = cachedRepo{repo: repo, cachedAt: c.now()}
}

// Get retrieves a repository from cache
func (c *RepoCache) Get(key string) (*Repo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.repos[key]
	if !exists {
		return nil, false
	}

	// Check if expired
	if c.now().Sub(entry.cachedAt) > c.ttl {
		return nil, false
	}

	return entry.repo, true
}

// Clear removes all repositories from cache. Cached permissions belong to
// the token that fetched them, so this runs whenever the user changes.
func (c *RepoCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.repos = make(map[string]cachedRepo)
}

// CleanExpired removes expired repositories from cache
func (c *RepoCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, entry := range c.repos {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.repos, key)
			removed++
		}
	}

	return removed
}

// Count returns the number of cached repositories
func (c *RepoCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.repos)
}

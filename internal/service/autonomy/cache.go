package autonomy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// PolicyCache is a short-TTL in-memory cache of teams, used to resolve who an
// approval or alert event is sent to. Approval decisions never read it.
//
// Key: team id. Value: the team as last read, plus expiry time.
// SetAutonomyLevel invalidates the entry it changes and every approval
// decision refreshes it; other writers are seen after at most one TTL.
type PolicyCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cachedPolicy
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type cachedPolicy struct {
	team      model.Team
	expiresAt time.Time
}

// NewPolicyCache creates a cache with the given TTL. A non-positive TTL
// disables caching. Call Close to stop the background eviction goroutine.
func NewPolicyCache(ttl time.Duration) *PolicyCache {
	c := &PolicyCache{
		entries: make(map[uuid.UUID]cachedPolicy),
		ttl:     ttl,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.evictLoop()
	}
	return c
}

// Get returns the cached team and true if a valid entry exists.
func (c *PolicyCache) Get(teamID uuid.UUID) (model.Team, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[teamID]
	if !ok || c.now().After(entry.expiresAt) {
		return model.Team{}, false
	}
	return entry.team, true
}

// Set stores a team with the configured TTL.
func (c *PolicyCache) Set(team model.Team) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[team.ID] = cachedPolicy{
		team:      team,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops the entry for teamID.
func (c *PolicyCache) Invalidate(teamID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, teamID)
	c.mu.Unlock()
}

// Close stops the background eviction goroutine. Safe to call more than once.
func (c *PolicyCache) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *PolicyCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *PolicyCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

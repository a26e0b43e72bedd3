package gatekeeper

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================
// Decision Cache
// ============================================================

// decisionKey identifies one evaluated request. Roles are part of the key
// because two tokens for the same user may carry different role sets.
type decisionKey struct {
	UserID        string
	Path          string
	Method        string
	Roles         string
	Authenticated bool
}

func (k decisionKey) String() string {
	var b strings.Builder
	b.WriteString(k.UserID)
	b.WriteByte(0)
	b.WriteString(k.Path)
	b.WriteByte(0)
	b.WriteString(k.Method)
	b.WriteByte(0)
	b.WriteString(k.Roles)
	if k.Authenticated {
		b.WriteString("\x00a")
	}
	return b.String()
}

// DecisionCacheStats is a point-in-time view of the decision cache.
type DecisionCacheStats struct {
	Backend string `json:"backend"`
	Size    int    `json:"size,omitempty"`
	Flushes uint64 `json:"flushes"`
}

type decisionCache interface {
	get(key decisionKey) (*AuthorizationDecision, bool)
	set(key decisionKey, d *AuthorizationDecision)
	flush()
	stats() DecisionCacheStats
}

type decisionCacheEntry struct {
	decision  *AuthorizationDecision
	expiresAt time.Time
}

// mapDecisionCache is the default backend: a plain mutex-guarded map with
// TTL entries, appropriate for moderate principal populations.
type mapDecisionCache struct {
	mu      sync.RWMutex
	entries map[decisionKey]*decisionCacheEntry
	ttl     time.Duration
	flushes atomic.Uint64
}

func newMapDecisionCache(ttl time.Duration) *mapDecisionCache {
	return &mapDecisionCache{
		entries: make(map[decisionKey]*decisionCacheEntry),
		ttl:     ttl,
	}
}

func (c *mapDecisionCache) get(key decisionKey) (*AuthorizationDecision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.decision, true
}

func (c *mapDecisionCache) set(key decisionKey, d *AuthorizationDecision) {
	c.mu.Lock()
	c.entries[key] = &decisionCacheEntry{decision: d, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *mapDecisionCache) flush() {
	c.mu.Lock()
	c.entries = make(map[decisionKey]*decisionCacheEntry)
	c.mu.Unlock()
	c.flushes.Add(1)
}

func (c *mapDecisionCache) stats() DecisionCacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return DecisionCacheStats{Backend: "map", Size: size, Flushes: c.flushes.Load()}
}

// ristrettoDecisionCache bounds memory via cost-based admission. Writes
// are buffered, so a freshly stored decision may not be visible for a few
// microseconds; acceptable for a short-TTL positive cache.
type ristrettoDecisionCache struct {
	cache   *ristretto.Cache
	ttl     time.Duration
	flushes atomic.Uint64
}

func newRistrettoDecisionCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) (*ristrettoDecisionCache, error) {
	if numCounters <= 0 || maxCost <= 0 || bufferItems <= 0 {
		return nil, fmt.Errorf("ristretto config values must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &ristrettoDecisionCache{cache: cache, ttl: ttl}, nil
}

func (c *ristrettoDecisionCache) get(key decisionKey) (*AuthorizationDecision, bool) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	d, ok := v.(*AuthorizationDecision)
	return d, ok
}

func (c *ristrettoDecisionCache) set(key decisionKey, d *AuthorizationDecision) {
	c.cache.SetWithTTL(key.String(), d, 1, c.ttl)
}

func (c *ristrettoDecisionCache) flush() {
	c.cache.Clear()
	c.flushes.Add(1)
}

func (c *ristrettoDecisionCache) stats() DecisionCacheStats {
	return DecisionCacheStats{Backend: "ristretto", Flushes: c.flushes.Load()}
}

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================
// Permission Resolver
// ============================================================

// PermissionSource is the authoritative backend for effective user
// permissions. Implementations return ErrUserNotFound for unknown users
// and wrap transport failures in ErrPermissionSourceUnavailable.
type PermissionSource interface {
	FetchUserPermissions(ctx context.Context, userID string) ([]string, error)
}

type permissionCacheEntry struct {
	set       *PrincipalPermissionSet
	expiresAt time.Time
}

// Resolver caches per-user permission sets with a TTL and coalesces
// concurrent misses for the same user into a single source fetch. Unknown
// users cache as an empty set; transient source failures are never cached.
type Resolver struct {
	source  PermissionSource
	ttl     time.Duration
	timeout time.Duration
	logger  logger.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[string]*permissionCacheEntry
	flight  singleflight.Group

	// revision advances on every invalidation; sets resolved afterwards
	// carry the new revision, which is how monotonic reads are verified.
	revision atomic.Uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	coalesced     atomic.Uint64
	expired       atomic.Uint64
	invalidations atomic.Uint64

	invalidateFns []func(userID string)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverTTL overrides the default 5 minute cache lifetime.
func WithResolverTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithSourceTimeout bounds each authoritative fetch. The default is 5s.
func WithSourceTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithResolverLogger installs a logger.
func WithResolverLogger(l logger.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

const (
	defaultResolverTTL   = 5 * time.Minute
	defaultSourceTimeout = 5 * time.Second
)

// NewResolver builds a resolver over the given source.
func NewResolver(source PermissionSource, opts ...ResolverOption) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("nil permission source")
	}
	r := &Resolver{
		source:  source,
		ttl:     defaultResolverTTL,
		timeout: defaultSourceTimeout,
		logger:  logger.NewNullLogger(),
		entries: make(map[string]*permissionCacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// onInvalidate registers a callback fired after each invalidation.
func (r *Resolver) onInvalidate(fn func(userID string)) {
	r.mu.Lock()
	r.invalidateFns = append(r.invalidateFns, fn)
	r.mu.Unlock()
}

// Resolve returns the user's effective permission set, from cache when
// fresh. Concurrent misses for the same user share one source fetch and
// one outcome.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*PrincipalPermissionSet, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}

	now := time.Now()
	r.mu.RLock()
	entry, ok := r.entries[userID]
	r.mu.RUnlock()
	if ok {
		if now.Before(entry.expiresAt) {
			r.hits.Add(1)
			if r.metrics != nil {
				r.metrics.PermissionCacheHits.Inc()
			}
			return entry.set, nil
		}
		r.expired.Add(1)
	}
	r.misses.Add(1)
	if r.metrics != nil {
		r.metrics.PermissionCacheMisses.Inc()
	}

	v, err, shared := r.flight.Do(userID, func() (any, error) {
		return r.fetch(ctx, userID)
	})
	if shared {
		r.coalesced.Add(1)
		if r.metrics != nil {
			r.metrics.PermissionCacheCoalesced.Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return v.(*PrincipalPermissionSet), nil
}

func (r *Resolver) fetch(ctx context.Context, userID string) (*PrincipalPermissionSet, error) {
	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()

	// The fetch outlives any single waiter: one caller's cancellation must
	// not poison the shared result.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	perms, err := r.source.FetchUserPermissions(fctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound):
		// Authoritative empty answer, cacheable like any other set.
		perms = nil
	case errors.Is(fctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: fetch for %s timed out: %v", ErrPermissionSourceUnavailable, userID, err)
	case errors.Is(err, ErrPermissionSourceUnavailable):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrPermissionSourceUnavailable, err)
	}

	// resolvedAt is stamped at fetch completion, so a fetch racing an
	// invalidation still yields a set no older than the invalidation.
	set := NewPrincipalPermissionSet(userID, perms, time.Now(), r.revision.Load())
	r.mu.Lock()
	r.entries[userID] = &permissionCacheEntry{set: set, expiresAt: set.ResolvedAt().Add(r.ttl)}
	size := len(r.entries)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.PermissionCacheSize.Set(float64(size))
	}
	r.logger.Debug("permissions resolved", "user_id", userID, "count", set.Len())
	return set, nil
}

// Peek returns the cached set without consulting the source, even if
// expired. For introspection only.
func (r *Resolver) Peek(userID string) (*PrincipalPermissionSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.set, true
}

// Invalidate drops the cached set for one user. Idempotent: invalidating
// an absent user is a no-op. The in-flight fetch key is forgotten too, so
// the next Resolve starts a fresh authoritative fetch.
func (r *Resolver) Invalidate(userID string) {
	r.revision.Add(1)
	r.flight.Forget(userID)
	r.mu.Lock()
	_, present := r.entries[userID]
	delete(r.entries, userID)
	fns := append([]func(string){}, r.invalidateFns...)
	size := len(r.entries)
	r.mu.Unlock()

	r.invalidations.Add(1)
	if r.metrics != nil {
		r.metrics.PermissionCacheSize.Set(float64(size))
	}
	if present {
		r.logger.Debug("permissions invalidated", "user_id", userID)
	}
	for _, fn := range fns {
		fn(userID)
	}
}

// InvalidateAll drops every cached set.
func (r *Resolver) InvalidateAll() {
	r.revision.Add(1)
	r.mu.Lock()
	count := len(r.entries)
	r.entries = make(map[string]*permissionCacheEntry)
	fns := append([]func(string){}, r.invalidateFns...)
	r.mu.Unlock()

	r.invalidations.Add(uint64(count))
	if r.metrics != nil {
		r.metrics.PermissionCacheSize.Set(0)
	}
	r.logger.Info("permission cache cleared", "entries", count)
	for _, fn := range fns {
		fn("")
	}
}

// Revision returns the invalidation revision counter.
func (r *Resolver) Revision() uint64 { return r.revision.Load() }

// SetTTL changes the cache lifetime for entries stored from now on.
func (r *Resolver) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
}

// SetSourceTimeout changes the per-fetch deadline.
func (r *Resolver) SetSourceTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
}

// ResolverStats is a point-in-time counter snapshot.
type ResolverStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Coalesced     uint64 `json:"coalesced"`
	Expired       uint64 `json:"expired"`
	Invalidations uint64 `json:"invalidations"`
	Size          int    `json:"size"`
}

// Stats snapshots the resolver counters.
func (r *Resolver) Stats() ResolverStats {
	r.mu.RLock()
	size := len(r.entries)
	r.mu.RUnlock()
	return ResolverStats{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Coalesced:     r.coalesced.Load(),
		Expired:       r.expired.Load(),
		Invalidations: r.invalidations.Load(),
		Size:          size,
	}
}

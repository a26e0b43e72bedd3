package gatekeeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================
// Invalidation Coordinator
// ============================================================

// InvalidationBus fans permission-change events out across gateway
// replicas. Publish announces a local change; Subscribe blocks, feeding
// remote changes to the handler until the context is cancelled.
type InvalidationBus interface {
	Publish(ctx context.Context, userID string) error
	Subscribe(ctx context.Context, handler func(userID string)) error
}

// InvalidationCoordinator turns permission-change events into cache
// invalidations. Events are drained by a background worker so publishers
// never block; when the queue is full the invalidation is applied inline
// rather than dropped.
type InvalidationCoordinator struct {
	resolver *Resolver
	bus      InvalidationBus
	logger   logger.Logger

	notifyCh chan string
	stopCh   chan struct{}
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
	wg       sync.WaitGroup
}

// InvalidationCoordinatorOption configures a coordinator.
type InvalidationCoordinatorOption func(*InvalidationCoordinator)

// WithInvalidationBus attaches a replica fan-out bus. Local events are
// published; remote events are applied without re-publishing.
func WithInvalidationBus(bus InvalidationBus) InvalidationCoordinatorOption {
	return func(c *InvalidationCoordinator) { c.bus = bus }
}

// WithCoordinatorLogger installs a logger.
func WithCoordinatorLogger(l logger.Logger) InvalidationCoordinatorOption {
	return func(c *InvalidationCoordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInvalidationQueueSize sizes the event queue (default 1024).
func WithInvalidationQueueSize(n int) InvalidationCoordinatorOption {
	return func(c *InvalidationCoordinator) {
		if n > 0 {
			c.notifyCh = make(chan string, n)
		}
	}
}

// NewInvalidationCoordinator builds a coordinator over the resolver.
func NewInvalidationCoordinator(resolver *Resolver, opts ...InvalidationCoordinatorOption) (*InvalidationCoordinator, error) {
	if resolver == nil {
		return nil, fmt.Errorf("nil resolver")
	}
	c := &InvalidationCoordinator{
		resolver: resolver,
		logger:   logger.NewNullLogger(),
		notifyCh: make(chan string, 1024),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the drain worker and, when a bus is attached, the remote
// subscription loop. Idempotent.
func (c *InvalidationCoordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case userID := <-c.notifyCh:
				c.apply(userID)
				c.publish(subCtx, userID)
			}
		}
	}()

	if c.bus != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.bus.Subscribe(subCtx, c.apply); err != nil && subCtx.Err() == nil {
				c.logger.Error("invalidation bus subscription ended", "error", err)
			}
		}()
	}
}

// Stop halts the workers, waiting for queued events to stop draining or
// the context to expire.
func (c *InvalidationCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	close(c.stopCh)
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyUserPermissionsChanged enqueues an invalidation for one user. If
// the queue is full the invalidation happens inline; events are never
// dropped.
func (c *InvalidationCoordinator) NotifyUserPermissionsChanged(userID string) {
	if userID == "" {
		return
	}
	select {
	case c.notifyCh <- userID:
	default:
		c.apply(userID)
		c.publish(context.Background(), userID)
	}
}

// InvalidateNow applies and publishes an invalidation synchronously, for
// callers needing the cache cleared before they return.
func (c *InvalidationCoordinator) InvalidateNow(ctx context.Context, userID string) error {
	c.apply(userID)
	if c.bus != nil {
		if err := c.bus.Publish(ctx, userID); err != nil {
			return fmt.Errorf("publish invalidation: %w", err)
		}
	}
	return nil
}

// InvalidateAll clears the whole permission cache on this instance and
// announces it to replicas.
func (c *InvalidationCoordinator) InvalidateAll(ctx context.Context) error {
	return c.InvalidateNow(ctx, "")
}

// apply routes an event to the resolver; an empty user means everything.
func (c *InvalidationCoordinator) apply(userID string) {
	if userID == "" {
		c.resolver.InvalidateAll()
		return
	}
	c.resolver.Invalidate(userID)
}

func (c *InvalidationCoordinator) publish(ctx context.Context, userID string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, userID); err != nil {
		c.logger.Error("invalidation publish failed", "user_id", userID, "error", err)
	}
}

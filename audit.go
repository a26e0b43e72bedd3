package gatekeeper

import (
	"context"
	"sync"
	"time"
)

// ============================================================
// Audit
// ============================================================

// AuditEntry records one authorization decision.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
}

// AuditFilter narrows GetDecisionLog queries. Zero values match anything.
type AuditFilter struct {
	UserID  string
	Path    string
	Allowed *bool
	Since   time.Time
	Limit   int
}

// AuditStore persists decision audit entries.
type AuditStore interface {
	LogDecision(ctx context.Context, entry AuditEntry) error
	GetDecisionLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// MemoryAuditStore is a bounded in-memory audit log. When full, the oldest
// entries are discarded.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
	max     int
}

// NewMemoryAuditStore creates a store holding at most max entries
// (defaults to 10000 when max <= 0).
func NewMemoryAuditStore(max int) *MemoryAuditStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryAuditStore{max: max}
}

func (s *MemoryAuditStore) LogDecision(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

func (s *MemoryAuditStore) GetDecisionLog(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Path != "" && e.Path != filter.Path {
			continue
		}
		if filter.Allowed != nil && e.Allowed != *filter.Allowed {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

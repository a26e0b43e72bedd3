package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/gatekeeper"
)

// MemoryPermissionSource is an in-memory PermissionSource for embedding
// and tests. Unknown users yield ErrUserNotFound.
type MemoryPermissionSource struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

func NewMemoryPermissionSource() *MemoryPermissionSource {
	return &MemoryPermissionSource{users: make(map[string]map[string]struct{})}
}

func (m *MemoryPermissionSource) FetchUserPermissions(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gatekeeper.ErrUserNotFound, userID)
	}
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// SetPermissions registers the user with exactly the given permissions.
func (m *MemoryPermissionSource) SetPermissions(userID string, permissions ...string) {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	m.mu.Lock()
	m.users[userID] = set
	m.mu.Unlock()
}

// Grant adds a permission, registering the user if needed.
func (m *MemoryPermissionSource) Grant(userID, permission string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.users[userID]
	if !ok {
		set = make(map[string]struct{})
		m.users[userID] = set
	}
	set[permission] = struct{}{}
}

// Revoke removes a permission. The user stays registered.
func (m *MemoryPermissionSource) Revoke(userID, permission string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.users[userID]; ok {
		delete(set, permission)
	}
}

// Remove forgets the user entirely.
func (m *MemoryPermissionSource) Remove(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}

// MemoryRuleStore is an in-memory RuleStore preserving insertion order.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules []gatekeeper.RoutePermissionRule
	index map[string]int
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{index: make(map[string]int)}
}

func (m *MemoryRuleStore) SaveRule(_ context.Context, rule gatekeeper.RoutePermissionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[rule.RoutePattern]; ok {
		m.rules[i] = rule.Clone()
		return nil
	}
	m.index[rule.RoutePattern] = len(m.rules)
	m.rules = append(m.rules, rule.Clone())
	return nil
}

func (m *MemoryRuleStore) DeleteRule(_ context.Context, routePattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[routePattern]
	if !ok {
		return nil
	}
	m.rules = append(m.rules[:i], m.rules[i+1:]...)
	delete(m.index, routePattern)
	for pattern, j := range m.index {
		if j > i {
			m.index[pattern] = j - 1
		}
	}
	return nil
}

func (m *MemoryRuleStore) LoadRules(_ context.Context) ([]gatekeeper.RoutePermissionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gatekeeper.RoutePermissionRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

package gatekeeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/gatekeeper/logger"
	"github.com/oarkflow/gatekeeper/utils"
)

// RuleStore persists route rules across restarts. The registry itself is
// the runtime source of truth; stores load it at boot and mirror
// mutations.
type RuleStore interface {
	SaveRule(ctx context.Context, rule RoutePermissionRule) error
	DeleteRule(ctx context.Context, routePattern string) error
	LoadRules(ctx context.Context) ([]RoutePermissionRule, error)
}

// ============================================================
// Route Permission Registry
// ============================================================

type compiledRule struct {
	rule    RoutePermissionRule
	pattern *utils.CompiledPattern
	methods map[string]struct{}
	seq     int
}

// Registry holds the route pattern to rule mapping. Lookups pick the most
// specific matching pattern (literal beats parameter beats wildcard); ties
// go to the earlier-registered rule. Mutations are atomic with respect to
// concurrent lookups and bump a monotonic revision counter.
type Registry struct {
	mu       sync.RWMutex
	rules    []*compiledRule
	byRoute  map[string]*compiledRule
	nextSeq  int
	revision atomic.Uint64
	strict   bool
	logger   logger.Logger
	changeFns []func()
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrictValidation rejects contradictory rules (allow_anonymous
// combined with required roles or permissions) instead of warning.
func WithStrictValidation() RegistryOption {
	return func(r *Registry) { r.strict = true }
}

// WithRegistryLogger installs a logger for validation warnings.
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byRoute: make(map[string]*compiledRule),
		logger:  logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// onChange registers a callback fired after every successful mutation.
func (r *Registry) onChange(fn func()) {
	r.mu.Lock()
	r.changeFns = append(r.changeFns, fn)
	r.mu.Unlock()
}

// UpsertRule registers or replaces the rule for its route pattern. A
// replaced rule keeps its original position in the tie-break order.
func (r *Registry) UpsertRule(rule RoutePermissionRule) error {
	compiled, err := r.compile(rule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if existing, ok := r.byRoute[rule.RoutePattern]; ok {
		compiled.seq = existing.seq
		for i, cr := range r.rules {
			if cr == existing {
				r.rules[i] = compiled
				break
			}
		}
	} else {
		compiled.seq = r.nextSeq
		r.nextSeq++
		r.rules = append(r.rules, compiled)
	}
	r.byRoute[rule.RoutePattern] = compiled
	r.revision.Add(1)
	fns := append([]func(){}, r.changeFns...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (r *Registry) compile(rule RoutePermissionRule) (*compiledRule, error) {
	pattern, err := utils.CompilePattern(rule.RoutePattern)
	if err != nil {
		return nil, &ConfigurationError{Pattern: rule.RoutePattern, Reason: err.Error()}
	}
	if rule.AllowAnonymous && (len(rule.RequiredPermissions) > 0 || len(rule.RequiredRoles) > 0) {
		if r.strict {
			return nil, &ConfigurationError{
				Pattern: rule.RoutePattern,
				Reason:  "allow_anonymous contradicts required permissions/roles",
			}
		}
		r.logger.Info("rule allows anonymous access despite requirement sets; anonymous wins",
			"pattern", rule.RoutePattern)
	}
	cr := &compiledRule{rule: rule.Clone(), pattern: pattern}
	if len(rule.HTTPMethods) > 0 {
		cr.methods = make(map[string]struct{}, len(rule.HTTPMethods))
		for _, m := range rule.HTTPMethods {
			cr.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	return cr, nil
}

// DeleteRule removes the rule for an exact route pattern. It reports
// whether a rule was present.
func (r *Registry) DeleteRule(routePattern string) bool {
	r.mu.Lock()
	existing, ok := r.byRoute[routePattern]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byRoute, routePattern)
	for i, cr := range r.rules {
		if cr == existing {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			break
		}
	}
	r.revision.Add(1)
	fns := append([]func(){}, r.changeFns...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

// Match returns the most specific rule applying to the path and method.
// Rules whose method filter excludes the request are skipped entirely, so
// a less specific pattern can still match.
func (r *Registry) Match(path, method string) (RoutePermissionRule, bool) {
	method = strings.ToUpper(method)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *compiledRule
	bestScore := -1
	for _, cr := range r.rules {
		if cr.methods != nil {
			if _, ok := cr.methods[method]; !ok {
				continue
			}
		}
		if !cr.pattern.Match(path) {
			continue
		}
		score := cr.pattern.Specificity()
		if cr.pattern.IsWildcard() {
			// A wildcard pattern is always less specific than a
			// non-wildcard pattern of the same weight.
			score = score*2 - 1
		} else {
			score = score * 2
		}
		if score > bestScore || (score == bestScore && cr.seq < best.seq) {
			best = cr
			bestScore = score
		}
	}
	if best == nil {
		return RoutePermissionRule{}, false
	}
	return best.rule.Clone(), true
}

// GetRule returns the rule registered for an exact pattern.
func (r *Registry) GetRule(routePattern string) (RoutePermissionRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.byRoute[routePattern]
	if !ok {
		return RoutePermissionRule{}, false
	}
	return cr.rule.Clone(), true
}

// ListRules returns a snapshot of all rules in registration order.
func (r *Registry) ListRules() []RoutePermissionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoutePermissionRule, 0, len(r.rules))
	rules := append([]*compiledRule(nil), r.rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].seq < rules[j].seq })
	for _, cr := range rules {
		out = append(out, cr.rule.Clone())
	}
	return out
}

// Revision returns the monotonic mutation counter.
func (r *Registry) Revision() uint64 { return r.revision.Load() }

// RegistryStats summarizes the registered rules by protection class.
type RegistryStats struct {
	Total     int       `json:"total"`
	Anonymous int       `json:"anonymous"`
	Public    int       `json:"public"`
	Protected int       `json:"protected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats counts the registered rules by protection class.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{Total: len(r.rules), UpdatedAt: time.Now()}
	for _, cr := range r.rules {
		switch {
		case cr.rule.AllowAnonymous:
			stats.Anonymous++
		case !cr.rule.RequireAuthentication &&
			len(cr.rule.RequiredPermissions) == 0 && len(cr.rule.RequiredRoles) == 0:
			stats.Public++
		default:
			stats.Protected++
		}
	}
	return stats
}

// Replace swaps the entire rule set in one mutation, validating every rule
// before touching the registry. Used by config application and bundle
// distribution.
func (r *Registry) Replace(rules []RoutePermissionRule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for i, rule := range rules {
		cr, err := r.compile(rule)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		cr.seq = i
		compiled = append(compiled, cr)
	}

	r.mu.Lock()
	r.rules = compiled
	r.byRoute = make(map[string]*compiledRule, len(compiled))
	for _, cr := range compiled {
		r.byRoute[cr.rule.RoutePattern] = cr
	}
	r.nextSeq = len(compiled)
	r.revision.Add(1)
	fns := append([]func(){}, r.changeFns...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// LoadFrom replaces the registry contents with the store's rule set.
func (r *Registry) LoadFrom(ctx context.Context, store RuleStore) error {
	rules, err := store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	return r.Replace(rules)
}

package gatekeeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================
// Domain Objects
// ============================================================

// Principal is the identity extracted by the gateway's authentication
// layer. Roles travel with the token; effective permissions are resolved
// separately through the PermissionSource.
type Principal struct {
	UserID          string   `json:"user_id"`
	Roles           []string `json:"roles,omitempty"`
	IsAuthenticated bool     `json:"is_authenticated"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoutePermissionRule declares the access requirements for one route
// pattern. An empty HTTPMethods slice applies the rule to every method.
type RoutePermissionRule struct {
	RoutePattern          string   `json:"route_pattern"`
	HTTPMethods           []string `json:"http_methods,omitempty"`
	RequireAuthentication bool     `json:"require_authentication"`
	AllowAnonymous        bool     `json:"allow_anonymous"`
	RequiredPermissions   []string `json:"required_permissions,omitempty"`
	RequiredRoles         []string `json:"required_roles,omitempty"`
}

// Clone returns a deep copy so registry snapshots never leak live slices.
func (r RoutePermissionRule) Clone() RoutePermissionRule {
	out := r
	out.HTTPMethods = append([]string(nil), r.HTTPMethods...)
	out.RequiredPermissions = append([]string(nil), r.RequiredPermissions...)
	out.RequiredRoles = append([]string(nil), r.RequiredRoles...)
	return out
}

// PrincipalPermissionSet is the resolved effective permission set for one
// user. It is immutable after construction; consumers get defensive copies.
type PrincipalPermissionSet struct {
	userID         string
	permissions    []string
	index          map[string]struct{}
	resolvedAt     time.Time
	sourceRevision uint64
}

// NewPrincipalPermissionSet builds an immutable permission set. The input
// slice is deduplicated and sorted; the caller keeps ownership of it.
func NewPrincipalPermissionSet(userID string, permissions []string, resolvedAt time.Time, sourceRevision uint64) *PrincipalPermissionSet {
	index := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		if p == "" {
			continue
		}
		index[p] = struct{}{}
	}
	sorted := make([]string, 0, len(index))
	for p := range index {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)
	return &PrincipalPermissionSet{
		userID:         userID,
		permissions:    sorted,
		index:          index,
		resolvedAt:     resolvedAt,
		sourceRevision: sourceRevision,
	}
}

func (s *PrincipalPermissionSet) UserID() string { return s.userID }

// Has reports whether the set contains the permission.
func (s *PrincipalPermissionSet) Has(permission string) bool {
	_, ok := s.index[permission]
	return ok
}

// Permissions returns a copy of the sorted permission identifiers.
func (s *PrincipalPermissionSet) Permissions() []string {
	return append([]string(nil), s.permissions...)
}

func (s *PrincipalPermissionSet) Len() int                { return len(s.permissions) }
func (s *PrincipalPermissionSet) ResolvedAt() time.Time   { return s.resolvedAt }
func (s *PrincipalPermissionSet) SourceRevision() uint64  { return s.sourceRevision }

// AuthorizationDecision is the outcome of evaluating one request against
// the registry. Deny is an outcome, not an error. MissingPermissions and
// Trace are populated only by Explain; production callers get the generic
// Reason alone.
type AuthorizationDecision struct {
	Allowed            bool                 `json:"allowed"`
	MatchedRule        *RoutePermissionRule `json:"matched_rule,omitempty"`
	Reason             string               `json:"reason"`
	TraceID            string               `json:"trace_id,omitempty"`
	Trace              []string             `json:"trace,omitempty"`
	MissingPermissions []string             `json:"missing_permissions,omitempty"`
	EvaluatedAt        time.Time            `json:"evaluated_at"`
}

// Decision reasons. Deny reasons are deliberately generic so responses
// never reveal which permissions a route demands.
const (
	ReasonNoMatchingRule        = "no matching rule"
	ReasonAuthRequired          = "authentication required"
	ReasonInsufficientPerms     = "insufficient permissions"
	ReasonSourceUnavailable     = "authorization service unavailable"
	ReasonAnonymousRoute        = "anonymous route"
	ReasonPublicRoute           = "public route"
	ReasonRoleSatisfied         = "role requirement satisfied"
	ReasonPermissionSatisfied   = "permission requirement satisfied"
	ReasonAuthenticatedRoute    = "authenticated route"
)

// RequirementMode controls how a rule carrying both required roles and
// required permissions is evaluated.
type RequirementMode int

const (
	// RequireAny allows the request when either set is satisfied.
	RequireAny RequirementMode = iota
	// RequireAll demands every non-empty requirement set be satisfied.
	RequireAll
)

// ============================================================
// Engine
// ============================================================

// TraceIDFunc produces correlation IDs for decisions.
type TraceIDFunc func() string

// Engine evaluates requests against the route registry, resolving the
// principal's permissions for every authenticated evaluation. Decisions
// are cached briefly; the cache is flushed whenever rules change or a
// user's permissions are invalidated.
type Engine struct {
	registry    *Registry
	resolver    *Resolver
	decisions   decisionCache
	decisionTTL time.Duration
	mode        RequirementMode
	logger      logger.Logger
	traceIDFunc TraceIDFunc
	metrics     *Metrics

	auditStore AuditStore
	auditCh    chan AuditEntry
	auditWg    sync.WaitGroup

	closeOnce sync.Once
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithLogger installs a logger. The default is the null logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("nil logger")
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc replaces the default UUID trace-ID generator.
func WithTraceIDFunc(fn TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if fn == nil {
			return fmt.Errorf("nil trace id func")
		}
		e.traceIDFunc = fn
		return nil
	}
}

// WithRequirementMode switches between RequireAny (default) and RequireAll
// evaluation of rules that name both roles and permissions.
func WithRequirementMode(mode RequirementMode) EngineOption {
	return func(e *Engine) error {
		e.mode = mode
		return nil
	}
}

// WithDecisionCacheTTL sets the decision cache lifetime. Zero disables
// decision caching entirely.
func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl < 0 {
			return fmt.Errorf("negative decision cache ttl")
		}
		e.decisionTTL = ttl
		return nil
	}
}

// WithMetrics attaches Prometheus collectors to the engine and its
// resolver.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		if m == nil {
			return fmt.Errorf("nil metrics")
		}
		e.metrics = m
		return nil
	}
}

// WithAuditStore enables asynchronous decision auditing. Entries are
// drained by a background worker; the hot path never blocks on the store.
func WithAuditStore(store AuditStore) EngineOption {
	return func(e *Engine) error {
		if store == nil {
			return fmt.Errorf("nil audit store")
		}
		e.auditStore = store
		return nil
	}
}

const defaultDecisionCacheTTL = time.Second

// NewEngine wires a registry and resolver into a decision engine.
func NewEngine(registry *Registry, resolver *Resolver, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("nil registry")
	}
	if resolver == nil {
		return nil, fmt.Errorf("nil resolver")
	}
	e := &Engine{
		registry:    registry,
		resolver:    resolver,
		decisionTTL: defaultDecisionCacheTTL,
		logger:      logger.NewNullLogger(),
		traceIDFunc: uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.metrics != nil {
		resolver.metrics = e.metrics
	}
	if e.decisionTTL > 0 {
		e.decisions = newMapDecisionCache(e.decisionTTL)
		// Rule changes invalidate cached decisions: a decision is a
		// product of both the rule set and the permission set.
		registry.onChange(func() { e.FlushDecisionCache() })
		resolver.onInvalidate(func(string) { e.FlushDecisionCache() })
	}
	if e.auditStore != nil {
		e.auditCh = make(chan AuditEntry, 1024)
		e.auditWg.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// ConfigureRistrettoDecisionCache swaps the decision cache for a
// ristretto-backed one. Useful when the gateway fronts a very large
// principal population and the default map would grow unbounded within a
// TTL window.
func (e *Engine) ConfigureRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) error {
	if e.decisionTTL <= 0 {
		return fmt.Errorf("decision caching is disabled")
	}
	cache, err := newRistrettoDecisionCache(numCounters, maxCost, bufferItems, e.decisionTTL)
	if err != nil {
		return err
	}
	e.decisions = cache
	return nil
}

// Authorize evaluates a request. It always returns a decision; resolver
// outages surface as a fail-closed deny with ReasonSourceUnavailable.
func (e *Engine) Authorize(ctx context.Context, principal *Principal, path, method string) *AuthorizationDecision {
	return e.authorize(ctx, principal, path, method, false)
}

// Explain evaluates a request with a step-by-step trace and, on an
// insufficient-permissions deny, the concrete missing permissions. For
// diagnostic surfaces only; it bypasses the decision cache.
func (e *Engine) Explain(ctx context.Context, principal *Principal, path, method string) *AuthorizationDecision {
	return e.authorize(ctx, principal, path, method, true)
}

func (e *Engine) authorize(ctx context.Context, principal *Principal, path, method string, explain bool) *AuthorizationDecision {
	start := time.Now()
	key := e.decisionKey(principal, path, method)
	if !explain && e.decisions != nil {
		if cached, ok := e.decisions.get(key); ok {
			if e.metrics != nil {
				e.metrics.DecisionCacheHits.Inc()
			}
			return cached
		}
	}

	decision := e.evaluate(ctx, principal, path, method, explain)
	decision.TraceID = e.traceIDFunc()
	decision.EvaluatedAt = time.Now()

	// Transient source failures are never cached.
	if !explain && e.decisions != nil && decision.Reason != ReasonSourceUnavailable {
		e.decisions.set(key, decision)
	}
	e.observe(principal, path, method, decision, time.Since(start))
	return decision
}

// evaluate applies the precedence chain: no rule, anonymous, public,
// authentication, resolution, roles, permissions, authenticated-only,
// default deny.
func (e *Engine) evaluate(ctx context.Context, principal *Principal, path, method string, explain bool) *AuthorizationDecision {
	d := &AuthorizationDecision{}
	step := func(format string, args ...any) {
		if explain {
			d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
		}
	}

	rule, ok := e.registry.Match(path, method)
	if !ok {
		step("no rule matches %s %s", method, path)
		d.Reason = ReasonNoMatchingRule
		return d
	}
	matched := rule.Clone()
	d.MatchedRule = &matched
	step("matched rule %s", rule.RoutePattern)

	if rule.AllowAnonymous {
		step("rule allows anonymous access")
		d.Allowed = true
		d.Reason = ReasonAnonymousRoute
		return d
	}

	if !rule.RequireAuthentication && len(rule.RequiredPermissions) == 0 && len(rule.RequiredRoles) == 0 {
		step("rule has no requirements")
		d.Allowed = true
		d.Reason = ReasonPublicRoute
		return d
	}

	if principal == nil || !principal.IsAuthenticated {
		step("principal is not authenticated")
		d.Reason = ReasonAuthRequired
		return d
	}

	// Resolution happens for every rule past the authentication gate, not
	// just permission-bearing ones: a source outage must deny even
	// authenticated-only and role-only requests (fail closed).
	perms, err := e.resolver.Resolve(ctx, principal.UserID)
	if err != nil {
		step("permission resolution failed: %v", err)
		e.logger.Error("permission resolution failed",
			"user_id", principal.UserID, "path", path, "error", err)
		d.Reason = ReasonSourceUnavailable
		return d
	}
	step("resolved %d permissions for %s", perms.Len(), principal.UserID)

	roleOK, rolesChecked := checkRoles(principal, rule.RequiredRoles)
	if rolesChecked {
		step("role check: required=%v held=%v satisfied=%t", rule.RequiredRoles, principal.Roles, roleOK)
	}
	permOK, permsChecked := checkPermissions(perms, rule.RequiredPermissions)
	if permsChecked {
		step("permission check: required=%v satisfied=%t", rule.RequiredPermissions, permOK)
	}

	switch {
	case !rolesChecked && !permsChecked:
		// Rule only demands authentication, already established above.
		step("rule requires authentication only")
		d.Allowed = true
		d.Reason = ReasonAuthenticatedRoute
		return d
	case e.mode == RequireAll:
		if (!rolesChecked || roleOK) && (!permsChecked || permOK) {
			d.Allowed = true
			if rolesChecked && roleOK {
				d.Reason = ReasonRoleSatisfied
			} else {
				d.Reason = ReasonPermissionSatisfied
			}
			return d
		}
	default: // RequireAny: roles checked before permissions
		if rolesChecked && roleOK {
			d.Allowed = true
			d.Reason = ReasonRoleSatisfied
			return d
		}
		if permsChecked && permOK {
			d.Allowed = true
			d.Reason = ReasonPermissionSatisfied
			return d
		}
	}

	d.Reason = ReasonInsufficientPerms
	if explain && permsChecked {
		for _, p := range rule.RequiredPermissions {
			if perms == nil || !perms.Has(p) {
				d.MissingPermissions = append(d.MissingPermissions, p)
			}
		}
	}
	step("no requirement satisfied")
	return d
}

func checkRoles(principal *Principal, required []string) (satisfied, checked bool) {
	if len(required) == 0 {
		return false, false
	}
	for _, r := range required {
		if principal.HasRole(r) {
			return true, true
		}
	}
	return false, true
}

func checkPermissions(perms *PrincipalPermissionSet, required []string) (satisfied, checked bool) {
	if len(required) == 0 {
		return false, false
	}
	if perms == nil {
		return false, true
	}
	for _, p := range required {
		if perms.Has(p) {
			return true, true
		}
	}
	return false, true
}

func (e *Engine) decisionKey(principal *Principal, path, method string) decisionKey {
	key := decisionKey{Path: path, Method: method}
	if principal != nil {
		key.UserID = principal.UserID
		key.Authenticated = principal.IsAuthenticated
		if len(principal.Roles) > 0 {
			roles := append([]string(nil), principal.Roles...)
			sort.Strings(roles)
			key.Roles = strings.Join(roles, ",")
		}
	}
	return key
}

func (e *Engine) observe(principal *Principal, path, method string, d *AuthorizationDecision, took time.Duration) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(outcome, d.Reason).Inc()
		e.metrics.DecisionDuration.Observe(took.Seconds())
	}
	e.logger.Debug("authorization decision",
		"trace_id", d.TraceID, "path", path, "method", method,
		"outcome", outcome, "reason", d.Reason, "took", took.String())
	if e.auditCh != nil {
		entry := AuditEntry{
			ID:        d.TraceID,
			Timestamp: d.EvaluatedAt,
			Path:      path,
			Method:    method,
			Allowed:   d.Allowed,
			Reason:    d.Reason,
		}
		if principal != nil {
			entry.UserID = principal.UserID
		}
		select {
		case e.auditCh <- entry:
		default:
			// Auditing must never block decisions; drop under pressure.
			e.logger.Debug("audit channel full, entry dropped", "trace_id", d.TraceID)
		}
	}
}

func (e *Engine) auditWorker() {
	defer e.auditWg.Done()
	for entry := range e.auditCh {
		if err := e.auditStore.LogDecision(context.Background(), entry); err != nil {
			e.logger.Error("audit write failed", "error", err, "trace_id", entry.ID)
		}
	}
}

// FlushDecisionCache drops every cached decision.
func (e *Engine) FlushDecisionCache() {
	if e.decisions != nil {
		e.decisions.flush()
	}
}

// Registry exposes the engine's rule registry for administrative surfaces.
func (e *Engine) Registry() *Registry { return e.registry }

// Resolver exposes the engine's permission resolver.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Statistics returns a point-in-time view of registry and cache counters.
func (e *Engine) Statistics() Statistics {
	stats := Statistics{
		Revision:        e.registry.Revision(),
		Routes:          e.registry.Stats(),
		PermissionCache: e.resolver.Stats(),
	}
	if e.decisions != nil {
		stats.DecisionCache = e.decisions.stats()
	}
	return stats
}

// Close stops the audit worker after draining queued entries.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.auditCh != nil {
			close(e.auditCh)
			e.auditWg.Wait()
		}
	})
}

// Statistics aggregates registry and cache counters for introspection.
type Statistics struct {
	Revision        uint64             `json:"revision"`
	Routes          RegistryStats      `json:"routes"`
	PermissionCache ResolverStats      `json:"permission_cache"`
	DecisionCache   DecisionCacheStats `json:"decision_cache"`
}

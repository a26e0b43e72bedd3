package gatekeeper

import (
	"context"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, src PermissionSource, rules []RoutePermissionRule, opts ...EngineOption) *Engine {
	t.Helper()
	registry := NewRegistry()
	for _, rule := range rules {
		if err := registry.UpsertRule(rule); err != nil {
			t.Fatalf("upsert %s: %v", rule.RoutePattern, err)
		}
	}
	resolver := newTestResolver(t, src)
	engine, err := NewEngine(registry, resolver, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func TestAuthorizeDefaultDenyWithoutRule(t *testing.T) {
	e := newTestEngine(t, newMapSource(), nil)
	d := e.Authorize(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/anything", "GET")
	if d.Allowed {
		t.Fatalf("unmatched route must deny")
	}
	if d.Reason != ReasonNoMatchingRule {
		t.Fatalf("reason = %q", d.Reason)
	}
	if d.TraceID == "" {
		t.Fatalf("missing trace id")
	}
}

func TestAuthorizeAnonymousRoute(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/health", AllowAnonymous: true},
	})
	d := e.Authorize(context.Background(), nil, "/health", "GET")
	if !d.Allowed || d.Reason != ReasonAnonymousRoute {
		t.Fatalf("nil principal on anonymous route: %+v", d)
	}
}

func TestAuthorizePublicRoute(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/docs/*"},
	})
	d := e.Authorize(context.Background(), &Principal{IsAuthenticated: false}, "/docs/intro", "GET")
	if !d.Allowed || d.Reason != ReasonPublicRoute {
		t.Fatalf("requirement-free route should allow: %+v", d)
	}
}

func TestAuthorizeRequiresAuthentication(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/account", RequireAuthentication: true},
	})

	d := e.Authorize(context.Background(), &Principal{UserID: "u1"}, "/account", "GET")
	if d.Allowed || d.Reason != ReasonAuthRequired {
		t.Fatalf("unauthenticated principal: %+v", d)
	}

	d = e.Authorize(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/account", "GET")
	if !d.Allowed || d.Reason != ReasonAuthenticatedRoute {
		t.Fatalf("authenticated principal: %+v", d)
	}
}

func TestAuthorizePermissionRequirement(t *testing.T) {
	src := newMapSource()
	src.set("writer", "docs.write")
	src.set("reader", "docs.read")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs/{id}", HTTPMethods: []string{"PUT"}, RequiredPermissions: []string{"docs.write"}},
	})

	ctx := context.Background()
	d := e.Authorize(ctx, &Principal{UserID: "writer", IsAuthenticated: true}, "/docs/7", "PUT")
	if !d.Allowed || d.Reason != ReasonPermissionSatisfied {
		t.Fatalf("writer should pass: %+v", d)
	}

	d = e.Authorize(ctx, &Principal{UserID: "reader", IsAuthenticated: true}, "/docs/7", "PUT")
	if d.Allowed || d.Reason != ReasonInsufficientPerms {
		t.Fatalf("reader should be denied: %+v", d)
	}
	if len(d.MissingPermissions) != 0 {
		t.Fatalf("Authorize must not disclose missing permissions: %v", d.MissingPermissions)
	}
}

func TestAuthorizeRoleSatisfiesBeforePermissions(t *testing.T) {
	src := newMapSource()
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/admin/*", RequiredRoles: []string{"admin"}},
	})

	d := e.Authorize(context.Background(), &Principal{UserID: "u1", Roles: []string{"admin"}, IsAuthenticated: true}, "/admin/settings", "GET")
	if !d.Allowed || d.Reason != ReasonRoleSatisfied {
		t.Fatalf("admin role should allow: %+v", d)
	}
	// Resolution still happens (unknown user caches as an empty set);
	// the role check is what satisfies the rule.
	if src.callCount() != 1 {
		t.Fatalf("expected one resolution, calls = %d", src.callCount())
	}
}

func TestAuthorizeRequireAnyAcceptsEitherSet(t *testing.T) {
	src := newMapSource()
	src.set("u1", "reports.view")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/reports", RequiredRoles: []string{"auditor"}, RequiredPermissions: []string{"reports.view"}},
	})

	d := e.Authorize(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/reports", "GET")
	if !d.Allowed || d.Reason != ReasonPermissionSatisfied {
		t.Fatalf("permission alone should satisfy RequireAny: %+v", d)
	}
}

func TestAuthorizeRequireAllDemandsBothSets(t *testing.T) {
	src := newMapSource()
	src.set("u1", "reports.view")
	rules := []RoutePermissionRule{
		{RoutePattern: "/reports", RequiredRoles: []string{"auditor"}, RequiredPermissions: []string{"reports.view"}},
	}
	e := newTestEngine(t, src, rules, WithRequirementMode(RequireAll))

	ctx := context.Background()
	d := e.Authorize(ctx, &Principal{UserID: "u1", IsAuthenticated: true}, "/reports", "GET")
	if d.Allowed {
		t.Fatalf("missing role must deny under RequireAll: %+v", d)
	}
	d = e.Authorize(ctx, &Principal{UserID: "u1", Roles: []string{"auditor"}, IsAuthenticated: true}, "/reports", "GET")
	if !d.Allowed {
		t.Fatalf("both sets satisfied should allow: %+v", d)
	}
}

func TestAuthorizeFailsClosedAndNeverCachesOutage(t *testing.T) {
	src := newMapSource()
	src.set("u1", "docs.read")
	src.setFail(true)
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.read"}},
	})

	ctx := context.Background()
	principal := &Principal{UserID: "u1", IsAuthenticated: true}
	d := e.Authorize(ctx, principal, "/docs", "GET")
	if d.Allowed || d.Reason != ReasonSourceUnavailable {
		t.Fatalf("outage must fail closed: %+v", d)
	}

	// Recovery is visible immediately: the unavailable decision was not
	// cached by either layer.
	src.setFail(false)
	d = e.Authorize(ctx, principal, "/docs", "GET")
	if !d.Allowed {
		t.Fatalf("decision after recovery: %+v", d)
	}
}

func TestAuthorizeFailsClosedForEveryAuthenticatedRule(t *testing.T) {
	src := newMapSource()
	src.setFail(true)
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/authonly", RequireAuthentication: true},
		{RoutePattern: "/roleonly", RequiredRoles: []string{"admin"}},
	})

	ctx := context.Background()
	principal := &Principal{UserID: "u1", Roles: []string{"admin"}, IsAuthenticated: true}
	for _, path := range []string{"/authonly", "/roleonly"} {
		d := e.Authorize(ctx, principal, path, "GET")
		if d.Allowed || d.Reason != ReasonSourceUnavailable {
			t.Fatalf("%s must fail closed during an outage: %+v", path, d)
		}
	}

	// Anonymous and requirement-free routes stay reachable: they never
	// pass the authentication gate, so no resolution happens.
	if err := e.Registry().UpsertRule(RoutePermissionRule{RoutePattern: "/health", AllowAnonymous: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d := e.Authorize(ctx, principal, "/health", "GET"); !d.Allowed {
		t.Fatalf("anonymous route should not depend on the source: %+v", d)
	}
}

func TestAuthorizeOutageDoesNotMaskRoleDeny(t *testing.T) {
	src := newMapSource()
	src.setFail(true)
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/mixed", RequiredRoles: []string{"admin"}, RequiredPermissions: []string{"mixed.use"}},
	})

	d := e.Authorize(context.Background(), &Principal{UserID: "u1", Roles: []string{"admin"}, IsAuthenticated: true}, "/mixed", "GET")
	if d.Allowed || d.Reason != ReasonSourceUnavailable {
		t.Fatalf("resolution precedes requirement checks: %+v", d)
	}
}

func TestDecisionCacheServesRepeatAndFlushesOnRuleChange(t *testing.T) {
	src := newMapSource()
	src.set("u1", "docs.read")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.read"}},
	}, WithDecisionCacheTTL(time.Minute))

	ctx := context.Background()
	principal := &Principal{UserID: "u1", IsAuthenticated: true}
	first := e.Authorize(ctx, principal, "/docs", "GET")
	second := e.Authorize(ctx, principal, "/docs", "GET")
	if first.TraceID != second.TraceID {
		t.Fatalf("expected cached decision, got distinct traces")
	}

	if err := e.Registry().UpsertRule(RoutePermissionRule{RoutePattern: "/docs", RequiredPermissions: []string{"docs.admin"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	third := e.Authorize(ctx, principal, "/docs", "GET")
	if third.Allowed {
		t.Fatalf("rule change must invalidate cached allow: %+v", third)
	}
}

func TestDecisionCacheFlushesOnPermissionInvalidation(t *testing.T) {
	src := newMapSource()
	src.set("u1", "docs.read")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.read"}},
	}, WithDecisionCacheTTL(time.Minute))

	ctx := context.Background()
	principal := &Principal{UserID: "u1", IsAuthenticated: true}
	if d := e.Authorize(ctx, principal, "/docs", "GET"); !d.Allowed {
		t.Fatalf("initial decision: %+v", d)
	}

	src.set("u1")
	e.Resolver().Invalidate("u1")
	if d := e.Authorize(ctx, principal, "/docs", "GET"); d.Allowed {
		t.Fatalf("revoked permission still allowed after invalidation")
	}
}

func TestDecisionCacheKeyDistinguishesRoles(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/admin", RequiredRoles: []string{"admin"}},
	}, WithDecisionCacheTTL(time.Minute))

	ctx := context.Background()
	allowed := e.Authorize(ctx, &Principal{UserID: "u1", Roles: []string{"admin"}, IsAuthenticated: true}, "/admin", "GET")
	denied := e.Authorize(ctx, &Principal{UserID: "u1", IsAuthenticated: true}, "/admin", "GET")
	if !allowed.Allowed || denied.Allowed {
		t.Fatalf("same user with different role sets must be keyed separately: %+v / %+v", allowed, denied)
	}
}

func TestExplainProducesTraceAndMissingPermissions(t *testing.T) {
	src := newMapSource()
	src.set("u1", "docs.read")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.write", "docs.read"}},
	})

	d := e.Explain(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/docs", "GET")
	if !d.Allowed {
		t.Fatalf("docs.read satisfies RequireAny: %+v", d)
	}
	if len(d.Trace) == 0 {
		t.Fatalf("explain must carry a trace")
	}

	src.set("u2")
	d = e.Explain(context.Background(), &Principal{UserID: "u2", IsAuthenticated: true}, "/docs", "GET")
	if d.Allowed {
		t.Fatalf("u2 has no permissions: %+v", d)
	}
	if len(d.MissingPermissions) != 2 {
		t.Fatalf("missing permissions = %v", d.MissingPermissions)
	}
}

func TestLenientRegistryAnonymousConflictStillAllows(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/files/*", AllowAnonymous: true, RequiredPermissions: []string{"files.read"}},
	})
	d := e.Authorize(context.Background(), nil, "/files/report.pdf", "GET")
	if !d.Allowed || d.Reason != ReasonAnonymousRoute {
		t.Fatalf("anonymous wins over listed requirements: %+v", d)
	}
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	store := NewMemoryAuditStore(100)
	src := newMapSource()
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/secure", RequireAuthentication: true},
	}, WithAuditStore(store), WithDecisionCacheTTL(0))

	ctx := context.Background()
	e.Authorize(ctx, &Principal{UserID: "u1", IsAuthenticated: true}, "/secure", "GET")
	e.Authorize(ctx, &Principal{UserID: "u2"}, "/secure", "GET")
	e.Close()

	entries, err := store.GetDecisionLog(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}

	denied := false
	filtered, _ := store.GetDecisionLog(ctx, AuditFilter{Allowed: &denied})
	if len(filtered) != 1 || filtered[0].UserID != "u2" || filtered[0].Reason != ReasonAuthRequired {
		t.Fatalf("deny filter: %+v", filtered)
	}
}

func TestStatisticsAggregatesCounters(t *testing.T) {
	src := newMapSource()
	src.set("u1", "docs.read")
	e := newTestEngine(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.read"}},
	})

	e.Authorize(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/docs", "GET")
	stats := e.Statistics()
	if stats.Routes.Total != 1 {
		t.Fatalf("route total = %d", stats.Routes.Total)
	}
	if stats.PermissionCache.Misses != 1 {
		t.Fatalf("permission misses = %d", stats.PermissionCache.Misses)
	}
	if stats.DecisionCache.Backend == "" {
		t.Fatalf("decision cache backend missing: %+v", stats.DecisionCache)
	}
}

func TestNewEngineRejectsBadOptions(t *testing.T) {
	registry := NewRegistry()
	resolver := newTestResolver(t, newMapSource())
	if _, err := NewEngine(nil, resolver); err == nil {
		t.Fatalf("nil registry accepted")
	}
	if _, err := NewEngine(registry, nil); err == nil {
		t.Fatalf("nil resolver accepted")
	}
	if _, err := NewEngine(registry, resolver, WithDecisionCacheTTL(-time.Second)); err == nil {
		t.Fatalf("negative decision ttl accepted")
	}
}

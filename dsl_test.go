package gatekeeper

import (
	"reflect"
	"testing"
)

const sampleDSL = `# gateway authorization rules
version 2
engine permission_cache_ttl 300000
engine source_timeout 5000
engine require_all

route * /health anonymous
route GET /docs/* public
route GET,POST /api/users/{id} auth perms:users.read,users.write
route * /admin/* auth roles:admin
`

func TestDSLParse(t *testing.T) {
	cfg, err := NewDSLParser().Parse([]byte(sampleDSL))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Version != 2 {
		t.Fatalf("version = %d", cfg.Version)
	}
	if cfg.Engine.PermissionCacheTTL != 300000 || cfg.Engine.SourceTimeout != 5000 || !cfg.Engine.RequireAll {
		t.Fatalf("engine config: %+v", cfg.Engine)
	}
	if len(cfg.Routes) != 4 {
		t.Fatalf("route count = %d", len(cfg.Routes))
	}

	health := cfg.Routes[0]
	if health.Pattern != "/health" || !health.AllowAnonymous || len(health.Methods) != 0 {
		t.Fatalf("health route: %+v", health)
	}

	docs := cfg.Routes[1]
	if docs.Pattern != "/docs/*" || docs.RequireAuthentication || docs.AllowAnonymous {
		t.Fatalf("docs route: %+v", docs)
	}
	if len(docs.Methods) != 1 || docs.Methods[0] != "GET" {
		t.Fatalf("docs methods: %v", docs.Methods)
	}

	users := cfg.Routes[2]
	if !users.RequireAuthentication {
		t.Fatalf("perms directive must imply auth: %+v", users)
	}
	if !reflect.DeepEqual(users.Methods, []string{"GET", "POST"}) {
		t.Fatalf("users methods: %v", users.Methods)
	}
	if !reflect.DeepEqual(users.Permissions, []string{"users.read", "users.write"}) {
		t.Fatalf("users permissions: %v", users.Permissions)
	}

	admin := cfg.Routes[3]
	if !reflect.DeepEqual(admin.Roles, []string{"admin"}) || !admin.RequireAuthentication {
		t.Fatalf("admin route: %+v", admin)
	}
}

func TestDSLParseErrors(t *testing.T) {
	bad := []string{
		"bogus directive",
		"version one",
		"version 1 2",
		"engine",
		"engine unknown_setting 5",
		"engine source_timeout abc",
		"route GET /x",
		"route GET /x frobnicate",
	}
	for _, line := range bad {
		if _, err := NewDSLParser().Parse([]byte(line)); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}

func TestDSLRoundTrip(t *testing.T) {
	cfg, err := NewDSLParser().Parse([]byte(sampleDSL))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rendered, err := cfg.ToDSL()
	if err != nil {
		t.Fatalf("to dsl: %v", err)
	}
	reparsed, err := NewDSLParser().Parse(rendered)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(cfg, reparsed) {
		t.Fatalf("dsl round trip mismatch:\n%+v\n%+v", cfg, reparsed)
	}
}

func TestDSLFeedsRegistry(t *testing.T) {
	cfg, err := NewDSLParser().Parse([]byte(sampleDSL))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	src := newMapSource()
	src.set("u1", "users.read")
	e := newTestEngine(t, src, nil)
	if err := e.ApplyConfig(t.Context(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d := e.Authorize(t.Context(), nil, "/health", "GET")
	if !d.Allowed {
		t.Fatalf("health should be anonymous: %+v", d)
	}
	d = e.Authorize(t.Context(), &Principal{UserID: "u1", IsAuthenticated: true}, "/api/users/3", "POST")
	if !d.Allowed {
		t.Fatalf("users.read should satisfy: %+v", d)
	}
}

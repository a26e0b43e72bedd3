package gatekeeper

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func sampleConfig() *Config {
	return &Config{
		Version: 1,
		Engine: EngineConfig{
			PermissionCacheTTL: 300000,
			SourceTimeout:      5000,
			DecisionCacheTTL:   1000,
			RequireAll:         true,
			StrictRules:        true,
		},
		Routes: []RouteConfig{
			{Pattern: "/health", AllowAnonymous: true},
			{Pattern: "/docs/*", Methods: []string{"GET"}},
			{
				Pattern:               "/api/users/{id}",
				Methods:               []string{"GET", "PUT"},
				RequireAuthentication: true,
				Permissions:           []string{"users.read", "users.write"},
				Roles:                 []string{"admin"},
			},
		},
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := sampleConfig()
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	loaded, err := NewConfigLoader().LoadYAML(data)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("yaml round trip mismatch:\n%+v\n%+v", cfg, loaded)
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := sampleConfig()
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	loaded, err := NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("json round trip mismatch:\n%+v\n%+v", cfg, loaded)
	}
}

func TestConfigBinaryRoundTrip(t *testing.T) {
	cfg := sampleConfig()
	cfg.Engine.RistrettoNumCounters = 100000
	cfg.Engine.RistrettoMaxCost = 1 << 20
	cfg.Engine.RistrettoBufferItems = 64

	data, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	loaded, err := NewConfigLoader().LoadBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("binary round trip mismatch:\n%+v\n%+v", cfg, loaded)
	}
}

func TestConfigBinaryRejectsGarbage(t *testing.T) {
	if _, err := NewConfigLoader().LoadBinary([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}); err == nil {
		t.Fatalf("bad magic accepted")
	}
	if _, err := NewConfigLoader().LoadBinary([]byte{0x4b}); err == nil {
		t.Fatalf("truncated header accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := sampleConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Routes = append(cfg.Routes, RouteConfig{Pattern: "no-slash"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("invalid pattern accepted")
	}

	strict := &Config{
		Version: 1,
		Engine:  EngineConfig{StrictRules: true},
		Routes: []RouteConfig{
			{Pattern: "/x", AllowAnonymous: true, Permissions: []string{"p"}},
		},
	}
	if err := strict.Validate(); err == nil {
		t.Fatalf("strict mode accepted contradictory rule")
	}
}

func TestApplyConfigAndSnapshot(t *testing.T) {
	src := newMapSource()
	src.set("u1", "users.read")
	e := newTestEngine(t, src, []RoutePermissionRule{{RoutePattern: "/old"}})

	cfg := sampleConfig()
	cfg.Engine.StrictRules = false
	cfg.Engine.RequireAll = false
	if err := e.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, ok := e.Registry().GetRule("/old"); ok {
		t.Fatalf("apply must replace the route set")
	}
	d := e.Authorize(context.Background(), &Principal{UserID: "u1", IsAuthenticated: true}, "/api/users/7", "GET")
	if !d.Allowed {
		t.Fatalf("configured rule not effective: %+v", d)
	}

	snap := e.Snapshot()
	if len(snap.Routes) != len(cfg.Routes) {
		t.Fatalf("snapshot has %d routes, want %d", len(snap.Routes), len(cfg.Routes))
	}
	patterns := map[string]bool{}
	for _, rc := range snap.Routes {
		patterns[rc.Pattern] = true
	}
	for _, rc := range cfg.Routes {
		if !patterns[rc.Pattern] {
			t.Fatalf("snapshot missing %s", rc.Pattern)
		}
	}
}

func TestApplyConfigTunesResolver(t *testing.T) {
	src := newMapSource()
	src.set("u1", "a")
	e := newTestEngine(t, src, nil)

	cfg := &Config{Version: 1, Engine: EngineConfig{PermissionCacheTTL: 20}}
	if err := e.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ctx := context.Background()
	if _, err := e.Resolver().Resolve(ctx, "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := e.Resolver().Resolve(ctx, "u1"); err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if src.callCount() != 2 {
		t.Fatalf("configured ttl not applied, calls = %d", src.callCount())
	}
}

func TestApplyConfigRejectsBadRoutes(t *testing.T) {
	e := newTestEngine(t, newMapSource(), []RoutePermissionRule{{RoutePattern: "/keep"}})
	cfg := &Config{Version: 1, Routes: []RouteConfig{{Pattern: "bad"}}}
	if err := e.ApplyConfig(context.Background(), cfg); err == nil {
		t.Fatalf("invalid route set accepted")
	}
	if _, ok := e.Registry().GetRule("/keep"); !ok {
		t.Fatalf("failed apply must leave existing rules intact")
	}
}

package gatekeeper

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newGuardedServer(t *testing.T, src PermissionSource, rules []RoutePermissionRule, opts ...MiddlewareOption) *httptest.Server {
	t.Helper()
	e := newTestEngine(t, src, rules)
	handler := AuthorizationMiddleware(e, opts...)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("served"))
	}))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMiddlewareAllowsAndDenies(t *testing.T) {
	src := newMapSource()
	src.set("writer", "docs.write")
	src.set("reader")
	srv := newGuardedServer(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs/*", RequiredPermissions: []string{"docs.write"}},
	})

	resp := get(t, srv.URL+"/docs/7", map[string]string{"X-User-Id": "writer"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("writer status = %d", resp.StatusCode)
	}

	resp = get(t, srv.URL+"/docs/7", map[string]string{"X-User-Id": "reader"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader status = %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if payload["error"] != ReasonInsufficientPerms || payload["trace_id"] == "" {
		t.Fatalf("denial payload: %v", payload)
	}
}

func TestMiddlewareUnauthenticatedGets401(t *testing.T) {
	srv := newGuardedServer(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/account", RequireAuthentication: true},
	})
	resp := get(t, srv.URL+"/account", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
}

func TestMiddlewareOutageGets503(t *testing.T) {
	src := newMapSource()
	src.setFail(true)
	srv := newGuardedServer(t, src, []RoutePermissionRule{
		{RoutePattern: "/docs", RequiredPermissions: []string{"docs.read"}},
	})
	resp := get(t, srv.URL+"/docs", map[string]string{"X-User-Id": "u1"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("outage status = %d", resp.StatusCode)
	}
}

func TestMiddlewareRolesHeader(t *testing.T) {
	srv := newGuardedServer(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/admin/*", RequiredRoles: []string{"admin"}},
	})
	resp := get(t, srv.URL+"/admin/panel", map[string]string{
		"X-User-Id":    "u1",
		"X-User-Roles": " admin , support ",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("role header status = %d", resp.StatusCode)
	}
}

func TestMiddlewareCustomDeniedHandler(t *testing.T) {
	srv := newGuardedServer(t, newMapSource(), nil,
		WithDeniedHandler(func(w http.ResponseWriter, _ *http.Request, d *AuthorizationDecision) {
			w.WriteHeader(http.StatusTeapot)
		}))
	resp := get(t, srv.URL+"/anything", nil)
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("custom handler status = %d", resp.StatusCode)
	}
}

func TestMiddlewareCustomExtractor(t *testing.T) {
	srv := newGuardedServer(t, newMapSource(), []RoutePermissionRule{
		{RoutePattern: "/secure", RequireAuthentication: true},
	}, WithPrincipalExtractor(func(r *http.Request) *Principal {
		if r.Header.Get("Authorization") == "Bearer token" {
			return &Principal{UserID: "bearer", IsAuthenticated: true}
		}
		return nil
	}))

	resp := get(t, srv.URL+"/secure", map[string]string{"Authorization": "Bearer token"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", resp.StatusCode)
	}
	resp = get(t, srv.URL+"/secure", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d", resp.StatusCode)
	}
}

package gatekeeper

import (
	"net/http"
	"strings"
)

// ============================================================
// HTTP Middleware
// ============================================================

// PrincipalExtractor pulls the authenticated principal out of a request.
// Returning nil means anonymous.
type PrincipalExtractor func(r *http.Request) *Principal

// HeaderPrincipalExtractor trusts upstream-set identity headers, the
// usual arrangement when the gateway's auth filter runs first:
// X-User-Id and comma-separated X-User-Roles.
func HeaderPrincipalExtractor(r *http.Request) *Principal {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return nil
	}
	p := &Principal{UserID: userID, IsAuthenticated: true}
	if roles := r.Header.Get("X-User-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p
}

// DeniedHandler renders a denied decision.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, decision *AuthorizationDecision)

type middlewareConfig struct {
	extract  PrincipalExtractor
	onDenied DeniedHandler
}

// MiddlewareOption configures AuthorizationMiddleware.
type MiddlewareOption func(*middlewareConfig)

// WithPrincipalExtractor replaces the header-based extractor.
func WithPrincipalExtractor(fn PrincipalExtractor) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.extract = fn
		}
	}
}

// WithDeniedHandler replaces the default denial response.
func WithDeniedHandler(fn DeniedHandler) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.onDenied = fn
		}
	}
}

// AuthorizationMiddleware guards an http.Handler with the engine. Allowed
// requests pass through untouched; denials map to 401 (authentication
// required), 503 (authorization service unavailable) or 403.
func AuthorizationMiddleware(engine *Engine, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		extract:  HeaderPrincipalExtractor,
		onDenied: defaultDeniedHandler,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := cfg.extract(r)
			decision := engine.Authorize(r.Context(), principal, r.URL.Path, r.Method)
			if !decision.Allowed {
				cfg.onDenied(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func defaultDeniedHandler(w http.ResponseWriter, _ *http.Request, decision *AuthorizationDecision) {
	status := http.StatusForbidden
	switch decision.Reason {
	case ReasonAuthRequired:
		status = http.StatusUnauthorized
	case ReasonSourceUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":    decision.Reason,
		"trace_id": decision.TraceID,
	})
}

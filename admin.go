package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================
// Administrative API
// ============================================================

// AdminServer exposes the management surface: rule CRUD, dry-run
// evaluation, permission introspection, cache invalidation, statistics.
type AdminServer struct {
	engine       *Engine
	coordinator  *InvalidationCoordinator
	auditStore   AuditStore
	promRegistry *prometheus.Registry
	logger       logger.Logger
}

// AdminServerOption configures an AdminServer.
type AdminServerOption func(*AdminServer)

// WithAdminLogger installs a logger.
func WithAdminLogger(l logger.Logger) AdminServerOption {
	return func(s *AdminServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAdminCoordinator routes cache invalidations through the coordinator
// so they fan out to replicas.
func WithAdminCoordinator(c *InvalidationCoordinator) AdminServerOption {
	return func(s *AdminServer) { s.coordinator = c }
}

// WithAdminAuditStore exposes the decision log at GET /audit.
func WithAdminAuditStore(store AuditStore) AdminServerOption {
	return func(s *AdminServer) { s.auditStore = store }
}

// WithPrometheusRegistry exposes the registry at GET /metrics.
func WithPrometheusRegistry(reg *prometheus.Registry) AdminServerOption {
	return func(s *AdminServer) { s.promRegistry = reg }
}

// NewAdminServer builds the admin surface over an engine.
func NewAdminServer(engine *Engine, opts ...AdminServerOption) *AdminServer {
	s := &AdminServer{engine: engine, logger: logger.NewNullLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi router for the admin surface.
func (s *AdminServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/statistics", s.handleStatistics)
	r.Route("/routes", func(r chi.Router) {
		r.Get("/", s.handleListRoutes)
		r.Get("/*", s.handleGetRoute)
		r.Put("/*", s.handleUpsertRoute)
		r.Delete("/*", s.handleDeleteRoute)
	})
	r.Post("/test", s.handleTest)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/permissions", s.handleUserPermissions)
		r.Delete("/cache", s.handleInvalidateUser)
	})
	if s.auditStore != nil {
		r.Get("/audit", s.handleAudit)
	}
	if s.promRegistry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	}
	return r
}

// handleHealth reports liveness only; it must not depend on the
// permission source.
func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *AdminServer) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"revision":     s.engine.Registry().Revision(),
		"routes":       s.engine.Registry().ListRules(),
		"generated_at": time.Now().UTC(),
	})
}

func (s *AdminServer) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	pattern := "/" + chi.URLParam(r, "*")
	rule, ok := s.engine.Registry().GetRule(pattern)
	if !ok {
		writeError(w, http.StatusNotFound, "no rule for pattern")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *AdminServer) handleUpsertRoute(w http.ResponseWriter, r *http.Request) {
	pattern := "/" + chi.URLParam(r, "*")
	var rule RoutePermissionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	rule.RoutePattern = pattern
	if err := s.engine.Registry().UpsertRule(rule); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "configuration error",
				"pattern": cfgErr.Pattern,
				"detail":  cfgErr.Reason,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("rule upserted", "pattern", pattern)
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":  pattern,
		"revision": s.engine.Registry().Revision(),
	})
}

func (s *AdminServer) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	pattern := "/" + chi.URLParam(r, "*")
	if !s.engine.Registry().DeleteRule(pattern) {
		writeError(w, http.StatusNotFound, "no rule for pattern")
		return
	}
	s.logger.Info("rule deleted", "pattern", pattern)
	w.WriteHeader(http.StatusNoContent)
}

// TestRequest describes a dry-run evaluation. Unless UseCache is set the
// evaluation runs against a throwaway resolver seeded with Permissions,
// so synthetic principals never touch the live cache.
type TestRequest struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles,omitempty"`
	Authenticated bool     `json:"authenticated"`
	Permissions   []string `json:"permissions,omitempty"`
	Route         string   `json:"route"`
	Method        string   `json:"method"`
	UseCache      bool     `json:"use_cache,omitempty"`
}

func (s *AdminServer) handleTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid test body: "+err.Error())
		return
	}
	if req.Route == "" || req.Method == "" {
		writeError(w, http.StatusBadRequest, "route and method are required")
		return
	}
	principal := &Principal{
		UserID:          req.UserID,
		Roles:           req.Roles,
		IsAuthenticated: req.Authenticated,
	}

	var decision *AuthorizationDecision
	if req.UseCache {
		decision = s.engine.Explain(r.Context(), principal, req.Route, req.Method)
	} else {
		resolver, err := NewResolver(staticPermissionSource(req.Permissions))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		dryRun, err := NewEngine(s.engine.Registry(), resolver,
			WithDecisionCacheTTL(0),
			WithRequirementMode(s.engine.mode))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		decision = dryRun.Explain(r.Context(), principal, req.Route, req.Method)
	}
	writeJSON(w, http.StatusOK, decision)
}

// staticPermissionSource answers every fetch with a fixed set.
type staticPermissionSource []string

func (s staticPermissionSource) FetchUserPermissions(context.Context, string) ([]string, error) {
	return s, nil
}

func (s *AdminServer) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if r.URL.Query().Get("refresh") == "true" {
		s.engine.Resolver().Invalidate(userID)
	}
	set, err := s.engine.Resolver().Resolve(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrPermissionSourceUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "permission source unavailable",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         set.UserID(),
		"permissions":     set.Permissions(),
		"resolved_at":     set.ResolvedAt(),
		"source_revision": set.SourceRevision(),
	})
}

func (s *AdminServer) handleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if s.coordinator != nil {
		if err := s.coordinator.InvalidateNow(r.Context(), userID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		s.engine.Resolver().Invalidate(userID)
	}
	s.logger.Info("cache invalidated", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter := AuditFilter{
		UserID: r.URL.Query().Get("user_id"),
		Path:   r.URL.Query().Get("path"),
	}
	if v := r.URL.Query().Get("allowed"); v != "" {
		allowed := v == "true"
		filter.Allowed = &allowed
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	entries, err := s.auditStore.GetDecisionLog(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

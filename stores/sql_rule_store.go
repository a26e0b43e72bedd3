package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/gatekeeper"
)

// SQLRuleStore persists route rules in SQL (squealx). The position column
// preserves registration order for the registry's tie-break.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

func (s *SQLRuleStore) SaveRule(ctx context.Context, rule gatekeeper.RoutePermissionRule) error {
	methods, _ := json.Marshal(rule.HTTPMethods)
	perms, _ := json.Marshal(rule.RequiredPermissions)
	roles, _ := json.Marshal(rule.RequiredRoles)
	now := time.Now()

	q := `SELECT position FROM route_rules WHERE pattern = :pattern`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"pattern": rule.RoutePattern})
	if err != nil {
		return err
	}
	position := -1
	if r.Next() {
		_ = r.Scan(&position)
	}
	r.Close()

	if position >= 0 {
		q = `UPDATE route_rules SET methods_json=:methods_json, require_auth=:require_auth,
			allow_anonymous=:allow_anonymous, permissions_json=:permissions_json,
			roles_json=:roles_json, updated_at=:updated_at WHERE pattern=:pattern`
		_, err = s.db.NamedExecContext(ctx, q, map[string]any{
			"pattern":          rule.RoutePattern,
			"methods_json":     string(methods),
			"require_auth":     boolToInt(rule.RequireAuthentication),
			"allow_anonymous":  boolToInt(rule.AllowAnonymous),
			"permissions_json": string(perms),
			"roles_json":       string(roles),
			"updated_at":       now,
		})
		return err
	}

	q = `INSERT INTO route_rules(pattern, methods_json, require_auth, allow_anonymous,
		permissions_json, roles_json, position, created_at, updated_at)
		VALUES(:pattern, :methods_json, :require_auth, :allow_anonymous,
		:permissions_json, :roles_json,
		(SELECT COALESCE(MAX(position), -1) + 1 FROM route_rules), :created_at, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"pattern":          rule.RoutePattern,
		"methods_json":     string(methods),
		"require_auth":     boolToInt(rule.RequireAuthentication),
		"allow_anonymous":  boolToInt(rule.AllowAnonymous),
		"permissions_json": string(perms),
		"roles_json":       string(roles),
		"created_at":       now,
		"updated_at":       now,
	})
	return err
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, routePattern string) error {
	q := `DELETE FROM route_rules WHERE pattern = :pattern`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"pattern": routePattern})
	return err
}

func (s *SQLRuleStore) LoadRules(ctx context.Context) ([]gatekeeper.RoutePermissionRule, error) {
	q := `SELECT pattern, methods_json, require_auth, allow_anonymous,
		permissions_json, roles_json FROM route_rules ORDER BY position ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]gatekeeper.RoutePermissionRule, 0)
	for r.Next() {
		var pattern, methodsJSON, permsJSON, rolesJSON string
		var requireAuth, allowAnonymous int
		if err := r.Scan(&pattern, &methodsJSON, &requireAuth, &allowAnonymous, &permsJSON, &rolesJSON); err != nil {
			return nil, err
		}
		rule := gatekeeper.RoutePermissionRule{
			RoutePattern:          pattern,
			RequireAuthentication: requireAuth != 0,
			AllowAnonymous:        allowAnonymous != 0,
		}
		_ = json.Unmarshal([]byte(methodsJSON), &rule.HTTPMethods)
		_ = json.Unmarshal([]byte(permsJSON), &rule.RequiredPermissions)
		_ = json.Unmarshal([]byte(rolesJSON), &rule.RequiredRoles)
		out = append(out, rule)
	}
	return out, nil
}

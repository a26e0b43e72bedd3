package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/gatekeeper"
)

// SQLPermissionSource resolves effective permissions from SQL: direct
// grants unioned with the permissions of every role the principal holds.
// Database failures wrap ErrPermissionSourceUnavailable so the resolver
// treats them as transient.
type SQLPermissionSource struct {
	db *squealx.DB
}

func NewSQLPermissionSource(db *squealx.DB) *SQLPermissionSource {
	return &SQLPermissionSource{db: db}
}

func (s *SQLPermissionSource) FetchUserPermissions(ctx context.Context, userID string) ([]string, error) {
	q := `SELECT COUNT(1) FROM principals WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": userID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
	}
	var count int
	if r.Next() {
		_ = r.Scan(&count)
	}
	r.Close()
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", gatekeeper.ErrUserNotFound, userID)
	}

	q = `SELECT permission FROM principal_grants WHERE principal_id = :id
		UNION
		SELECT rp.permission FROM role_permissions rp
		JOIN principal_roles pr ON pr.role_id = rp.role_id
		WHERE pr.principal_id = :id`
	r, err = s.db.NamedQueryContext(ctx, q, map[string]any{"id": userID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
	}
	defer r.Close()

	out := make([]string, 0)
	for r.Next() {
		var perm string
		if err := r.Scan(&perm); err != nil {
			return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
		}
		out = append(out, perm)
	}
	return out, nil
}

// CreatePrincipal registers a principal; idempotent.
func (s *SQLPermissionSource) CreatePrincipal(ctx context.Context, userID string) error {
	q := `INSERT INTO principals(id, created_at) VALUES(:id, :created_at)
		ON CONFLICT(id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "created_at": time.Now()})
	return err
}

// GrantPermission adds a direct grant.
func (s *SQLPermissionSource) GrantPermission(ctx context.Context, userID, permission string) error {
	q := `INSERT INTO principal_grants(principal_id, permission) VALUES(:id, :permission)
		ON CONFLICT(principal_id, permission) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "permission": permission})
	return err
}

// RevokePermission removes a direct grant.
func (s *SQLPermissionSource) RevokePermission(ctx context.Context, userID, permission string) error {
	q := `DELETE FROM principal_grants WHERE principal_id = :id AND permission = :permission`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "permission": permission})
	return err
}

// AssignRole links a principal to a role.
func (s *SQLPermissionSource) AssignRole(ctx context.Context, userID, roleID string) error {
	q := `INSERT INTO principal_roles(principal_id, role_id) VALUES(:id, :role_id)
		ON CONFLICT(principal_id, role_id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "role_id": roleID})
	return err
}

// RevokeRole unlinks a principal from a role.
func (s *SQLPermissionSource) RevokeRole(ctx context.Context, userID, roleID string) error {
	q := `DELETE FROM principal_roles WHERE principal_id = :id AND role_id = :role_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID, "role_id": roleID})
	return err
}

// AddRolePermission attaches a permission to a role.
func (s *SQLPermissionSource) AddRolePermission(ctx context.Context, roleID, permission string) error {
	q := `INSERT INTO role_permissions(role_id, permission) VALUES(:role_id, :permission)
		ON CONFLICT(role_id, permission) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "permission": permission})
	return err
}

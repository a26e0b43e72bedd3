package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/gatekeeper"
)

// RedisPermissionSource resolves permissions from Redis sets:
//
//	gk:principal:{id}  marker key, presence means the user exists
//	gk:grants:{id}     direct permission grants
//	gk:roles:{id}      role memberships
//	gk:roleperms:{role} permissions attached to a role
type RedisPermissionSource struct {
	client *redis.Client
}

func NewRedisPermissionSource(client *redis.Client) *RedisPermissionSource {
	return &RedisPermissionSource{client: client}
}

func principalKey(userID string) string { return "gk:principal:" + userID }
func grantsKey(userID string) string    { return "gk:grants:" + userID }
func rolesKey(userID string) string     { return "gk:roles:" + userID }
func rolePermsKey(roleID string) string { return "gk:roleperms:" + roleID }

func (r *RedisPermissionSource) FetchUserPermissions(ctx context.Context, userID string) ([]string, error) {
	exists, err := r.client.Exists(ctx, principalKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", gatekeeper.ErrUserNotFound, userID)
	}

	perms, err := r.client.SMembers(ctx, grantsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
	}
	roles, err := r.client.SMembers(ctx, rolesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
	}
	if len(roles) > 0 {
		keys := make([]string, 0, len(roles))
		for _, role := range roles {
			keys = append(keys, rolePermsKey(role))
		}
		rolePerms, err := r.client.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gatekeeper.ErrPermissionSourceUnavailable, err)
		}
		perms = append(perms, rolePerms...)
	}
	return perms, nil
}

// RegisterPrincipal marks the user as existing.
func (r *RedisPermissionSource) RegisterPrincipal(ctx context.Context, userID string) error {
	return r.client.Set(ctx, principalKey(userID), "1", 0).Err()
}

// RemovePrincipal deletes the user and its grants and memberships.
func (r *RedisPermissionSource) RemovePrincipal(ctx context.Context, userID string) error {
	return r.client.Del(ctx, principalKey(userID), grantsKey(userID), rolesKey(userID)).Err()
}

// GrantPermission adds a direct grant.
func (r *RedisPermissionSource) GrantPermission(ctx context.Context, userID, permission string) error {
	return r.client.SAdd(ctx, grantsKey(userID), permission).Err()
}

// RevokePermission removes a direct grant.
func (r *RedisPermissionSource) RevokePermission(ctx context.Context, userID, permission string) error {
	return r.client.SRem(ctx, grantsKey(userID), permission).Err()
}

// AssignRole adds a role membership.
func (r *RedisPermissionSource) AssignRole(ctx context.Context, userID, roleID string) error {
	return r.client.SAdd(ctx, rolesKey(userID), roleID).Err()
}

// RevokeRole removes a role membership.
func (r *RedisPermissionSource) RevokeRole(ctx context.Context, userID, roleID string) error {
	return r.client.SRem(ctx, rolesKey(userID), roleID).Err()
}

// AddRolePermission attaches a permission to a role.
func (r *RedisPermissionSource) AddRolePermission(ctx context.Context, roleID, permission string) error {
	return r.client.SAdd(ctx, rolePermsKey(roleID), permission).Err()
}

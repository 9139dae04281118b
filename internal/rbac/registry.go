package rbac

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
)

// Registry mirrors the permission definition table in process. The
// database stays the source of truth; the mirror exists so hot-path
// lookups and registration checks never need a query. Sync refreshes
// the mirror, registration writes through and updates it.
type Registry struct {
	db *sql.DB

	mu    sync.RWMutex
	perms map[string]Permission
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, perms: make(map[string]Permission)}
}

// Sync reloads the full permission definition set from the database.
func (r *Registry) Sync(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, COALESCE("group", ''), COALESCE(description, ''), deprecated FROM permissions`)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	fresh := make(map[string]Permission)
	for rows.Next() {
		var p Permission
		if serr := rows.Scan(&p.ID, &p.Name, &p.Group, &p.Description, &p.Deprecated); serr != nil {
			return classify(serr)
		}
		fresh[p.Name] = p
	}
	if rerr := rows.Err(); rerr != nil {
		return classify(rerr)
	}

	r.mu.Lock()
	r.perms = fresh
	r.mu.Unlock()
	slog.Info("[Registry] Permission mirror synced", "count", len(fresh))
	return nil
}

// Get returns the mirrored definition for name.
func (r *Registry) Get(name string) (Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perms[name]
	return p, ok
}

// List returns every mirrored definition name in stable order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := make(PermSet, len(r.perms))
	for n := range r.perms {
		s.Add(n)
	}
	return s.Sorted()
}

// EnsurePermission registers a permission definition if it does not
// exist yet and returns the stored row either way.
func (r *Registry) EnsurePermission(ctx context.Context, name, group, description string) (Permission, error) {
	var p Permission
	err := r.db.QueryRowContext(ctx, `
INSERT INTO permissions (name, "group", description, deprecated)
VALUES ($1, $2, $3, FALSE)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, COALESCE("group", ''), COALESCE(description, ''), deprecated`,
		name, group, description).
		Scan(&p.ID, &p.Name, &p.Group, &p.Description, &p.Deprecated)
	if err != nil {
		return Permission{}, classify(err)
	}

	r.mu.Lock()
	r.perms[p.Name] = p
	r.mu.Unlock()
	return p, nil
}

// EnsureRole registers a role if (name, server_id) does not exist yet
// and returns the stored row either way.
func (r *Registry) EnsureRole(ctx context.Context, name string, serverID int64, roleType string, priority int) (Role, error) {
	var role Role
	var parent sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO roles (name, server_id, active, role_type, priority)
VALUES ($1, $2, TRUE, $3, $4)
ON CONFLICT (name, server_id) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, server_id, active, role_type, priority, parent_role_id`,
		name, serverID, roleType, priority).
		Scan(&role.ID, &role.Name, &role.ServerID, &role.Active, &role.RoleType, &role.Priority, &parent)
	if err != nil {
		return Role{}, classify(err)
	}
	if parent.Valid {
		role.ParentRoleID = &parent.Int64
	}
	return role, nil
}

// AssignPermissionToRole binds a permission to a role in a scope. A nil
// scope binds globally.
func (r *Registry) AssignPermissionToRole(ctx context.Context, roleID, permissionID int64, scopeType string, scopeID int64) error {
	var err error
	if scopeType == "" {
		_, err = r.db.ExecContext(ctx, `
INSERT INTO role_permissions (role_id, permission_id, scope_type, scope_id)
VALUES ($1, $2, NULL, NULL)
ON CONFLICT DO NOTHING`, roleID, permissionID)
	} else {
		_, err = r.db.ExecContext(ctx, `
INSERT INTO role_permissions (role_id, permission_id, scope_type, scope_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`, roleID, permissionID, scopeType, scopeID)
	}
	return classify(err)
}

// RevokePermissionFromRole removes every binding of a permission from a
// role across all scopes.
func (r *Registry) RevokePermissionFromRole(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return classify(err)
}

// AssignRoleToUser binds a role to a user.
func (r *Registry) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_roles (user_id, role_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`, userID, roleID)
	return classify(err)
}

// RemoveRoleFromUser unbinds a role from a user.
func (r *Registry) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return classify(err)
}

package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/lib/pq"
)

// Query failures surface as one of these classes so callers can tell a
// dead connection from bad data without parsing driver strings.
var (
	ErrConnection = errors.New("database connection failure")
	ErrIntegrity  = errors.New("database integrity violation")
	ErrData       = errors.New("database data error")
	ErrQuery      = errors.New("database query failure")
)

// inheritanceHopBound stops parent-chain walks. Cycles cannot be
// created through the registry, but a corrupted chain must not hang a
// permission check.
const inheritanceHopBound = 32

// Querier answers permission questions straight from the relational
// store. Every method degrades to an empty result on failure; the
// classified error is returned alongside for the caller to translate.
type Querier struct {
	db *sql.DB
}

func NewQuerier(db *sql.DB) *Querier {
	return &Querier{db: db}
}

// classify maps a driver error onto the package's error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08":
			return fmt.Errorf("%w: %v", ErrConnection, err)
		case "23":
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		case "22":
			return fmt.Errorf("%w: %v", ErrData, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrQuery, err)
}

const userPermissionsBase = `
SELECT DISTINCT ur.user_id, p.name
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN user_roles ur ON ur.role_id = rp.role_id
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = ANY($1)
  AND r.active = TRUE
  AND (r.expires_at IS NULL OR r.expires_at > NOW())`

const userPermissionsScoped = userPermissionsBase + `
  AND r.server_id = $2
  AND r.role_type = $3
  AND (rp.scope_type IS NULL OR (rp.scope_type = $3 AND rp.scope_id = $4))`

// GetUserPermissions resolves the effective permission names for one
// user, optionally narrowed to a scope. On failure the set is empty and
// the classified error is returned.
func (q *Querier) GetUserPermissions(ctx context.Context, userID int64, scope string, scopeID int64) (PermSet, error) {
	byUser, err := q.BatchGetUserPermissions(ctx, []int64{userID}, scope, scopeID)
	if err != nil {
		return PermSet{}, err
	}
	if s, ok := byUser[userID]; ok {
		return s, nil
	}
	return PermSet{}, nil
}

// BatchGetUserPermissions resolves many users in one join query,
// aggregating rows per user in memory.
func (q *Querier) BatchGetUserPermissions(ctx context.Context, userIDs []int64, scope string, scopeID int64) (map[int64]PermSet, error) {
	out := make(map[int64]PermSet, len(userIDs))
	for _, id := range userIDs {
		out[id] = PermSet{}
	}
	if len(userIDs) == 0 {
		return out, nil
	}

	var rows *sql.Rows
	var err error
	if scope == "" {
		rows, err = q.db.QueryContext(ctx, userPermissionsBase, pq.Array(userIDs))
	} else {
		rows, err = q.db.QueryContext(ctx, userPermissionsScoped, pq.Array(userIDs), scopeID, scope, scopeID)
	}
	if err != nil {
		cerr := classify(err)
		slog.Error("[Querier] Permission query failed", "users", len(userIDs), "scope", scope, "error", cerr)
		return out, cerr
	}
	defer rows.Close()

	for rows.Next() {
		var uid int64
		var name string
		if serr := rows.Scan(&uid, &name); serr != nil {
			cerr := classify(serr)
			slog.Error("[Querier] Permission row scan failed", "error", cerr)
			return out, cerr
		}
		out[uid].Add(name)
	}
	if rerr := rows.Err(); rerr != nil {
		cerr := classify(rerr)
		slog.Error("[Querier] Permission rows iteration failed", "error", cerr)
		return out, cerr
	}
	return out, nil
}

// GatherRoleIDsWithInheritance expands role ids through their parent
// chains. The walk is breadth-first over frontiers so each hop is one
// query, bounded at inheritanceHopBound hops.
func (q *Querier) GatherRoleIDsWithInheritance(ctx context.Context, roleIDs []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(roleIDs))
	frontier := make([]int64, 0, len(roleIDs))
	for _, id := range roleIDs {
		out[id] = struct{}{}
		frontier = append(frontier, id)
	}

	for hop := 0; hop < inheritanceHopBound && len(frontier) > 0; hop++ {
		rows, err := q.db.QueryContext(ctx,
			`SELECT DISTINCT parent_role_id FROM roles WHERE id = ANY($1) AND parent_role_id IS NOT NULL`,
			pq.Array(frontier))
		if err != nil {
			cerr := classify(err)
			slog.Error("[Querier] Inheritance query failed", "hop", hop, "error", cerr)
			return out, cerr
		}

		var next []int64
		for rows.Next() {
			var parent int64
			if serr := rows.Scan(&parent); serr != nil {
				rows.Close()
				cerr := classify(serr)
				slog.Error("[Querier] Inheritance row scan failed", "error", cerr)
				return out, cerr
			}
			if _, seen := out[parent]; !seen {
				out[parent] = struct{}{}
				next = append(next, parent)
			}
		}
		rerr := rows.Err()
		rows.Close()
		if rerr != nil {
			cerr := classify(rerr)
			slog.Error("[Querier] Inheritance rows iteration failed", "error", cerr)
			return out, cerr
		}
		frontier = next
	}
	return out, nil
}

// GetUsersByRole lists the user ids bound to one role.
func (q *Querier) GetUsersByRole(ctx context.Context, roleID int64) ([]int64, error) {
	return q.GetUsersByRoles(ctx, []int64{roleID})
}

// GetUsersByRoles lists the distinct user ids bound to any of the roles.
func (q *Querier) GetUsersByRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM user_roles WHERE role_id = ANY($1) ORDER BY user_id`,
		pq.Array(roleIDs))
	if err != nil {
		cerr := classify(err)
		slog.Error("[Querier] Users-by-role query failed", "roles", len(roleIDs), "error", cerr)
		return nil, cerr
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var uid int64
		if serr := rows.Scan(&uid); serr != nil {
			cerr := classify(serr)
			slog.Error("[Querier] Users-by-role scan failed", "error", cerr)
			return nil, cerr
		}
		users = append(users, uid)
	}
	if rerr := rows.Err(); rerr != nil {
		cerr := classify(rerr)
		slog.Error("[Querier] Users-by-role iteration failed", "error", cerr)
		return nil, cerr
	}
	return users, nil
}

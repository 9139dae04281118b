// Package rbac owns the relational permission model: permission
// definitions, roles with single-parent inheritance, and the batch
// querier the cache falls back to on a miss.
package rbac

import (
	"sort"
	"time"
)

// Permission is one named capability. The database is the runtime
// source of truth; the in-process registry only mirrors it.
type Permission struct {
	ID          int64
	Name        string
	Group       string
	Description string
	Deprecated  bool
}

// Role is unique within (name, server_id). A role may point at one
// parent role; permission gathering follows that chain.
type Role struct {
	ID           int64
	Name         string
	ServerID     int64
	Active       bool
	RoleType     string
	Priority     int
	ParentRoleID *int64
	ExpiresAt    *time.Time
}

// PermSet is an unordered permission name set.
type PermSet map[string]struct{}

func NewPermSet(names ...string) PermSet {
	s := make(PermSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s PermSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s PermSet) Add(name string) { s[name] = struct{}{} }

// Sorted returns the members in stable order, for serialization and
// logging.
func (s PermSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

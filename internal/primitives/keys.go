// Package primitives holds the types shared by the cache, resilience,
// invalidation and ML subsystems. Keeping them here breaks the import
// cycles the higher layers would otherwise form: everything depends on
// primitives, primitives depends on nothing.
package primitives

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Cache key grammar. The outer brace group in every key is a hash tag:
// a sharded store routes all keys with the same tag to one shard, so a
// user's permission entry, its reverse index and its single-flight lock
// always land together.
const (
	PermKeyPrefix     = "perm"
	UserIndexPrefix   = "user_index"
	BasicPermPrefix   = "basic_perm"
	UserActivePrefix  = "user_active"
	UserRolePrefix    = "user_role"
	InheritancePrefix = "inheritance"
)

// ScopeGlobal is the scope placeholder used when no scope is supplied.
const ScopeGlobal = "global"

// UserPermKey returns the fingerprinted cache key for a user's permission
// set in a scope: perm:{md5hex("uid:scope:scope_id")}.
func UserPermKey(userID int64, scope string, scopeID int64) string {
	s := scope
	if s == "" {
		s = ScopeGlobal
	}
	id := "none"
	if scopeID != 0 {
		id = fmt.Sprintf("%d", scopeID)
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s:%s", userID, s, id)))
	return fmt.Sprintf("%s:{%s}", PermKeyPrefix, hex.EncodeToString(sum[:]))
}

// UserIndexKey returns the reverse-index key listing every cached
// permission key for a user.
func UserIndexKey(userID int64) string {
	return fmt.Sprintf("%s:{%d}", UserIndexPrefix, userID)
}

// BasicPermKey is the simple-permission boolean cache key.
func BasicPermKey(userID int64, permission string) string {
	return fmt.Sprintf("%s:{%d}:%s", BasicPermPrefix, userID, permission)
}

// UserActiveKey caches the user's active flag.
func UserActiveKey(userID int64) string {
	return fmt.Sprintf("%s:{%d}", UserActivePrefix, userID)
}

// UserRoleKey caches the user's role list.
func UserRoleKey(userID int64) string {
	return fmt.Sprintf("%s:{%d}", UserRolePrefix, userID)
}

// InheritanceKey caches one inherited-permission resolution step.
func InheritanceKey(userID int64, permission string, parent string) string {
	return fmt.Sprintf("%s:{%d}:%s:%s", InheritancePrefix, userID, permission, parent)
}

// ReadLockKey is the distributed single-flight lock for a cache key.
func ReadLockKey(cacheKey string) string {
	return "cache_read:" + cacheKey
}

// CacheLevel identifies which tier an invalidation task targets.
type CacheLevel string

const (
	CacheLevelL1   CacheLevel = "l1"
	CacheLevelL2   CacheLevel = "l2"
	CacheLevelBoth CacheLevel = "both"
)

// CacheStrategy names an L1 segment.
type CacheStrategy string

const (
	StrategyUserPermissions        CacheStrategy = "user_permissions"
	StrategyRolePermissions        CacheStrategy = "role_permissions"
	StrategyInheritanceTree        CacheStrategy = "inheritance_tree"
	StrategyConditionalPermissions CacheStrategy = "conditional_permissions"
)

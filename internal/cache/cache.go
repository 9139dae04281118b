package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/rbac"
	"github.com/U2SG/yoto-sub000/internal/store"
)

const (
	// DefaultSingleFlightTTL bounds the cache_read critical section.
	DefaultSingleFlightTTL = 1 * time.Second
	// DefaultUserIndexTTL expires an idle reverse index.
	DefaultUserIndexTTL = 1 * time.Hour
)

// simplePermissions is the high-frequency class resolved through the
// boolean fast path instead of the full set.
var simplePermissions = map[string]struct{}{
	"read_channel":     {},
	"read_message":     {},
	"view_member_list": {},
	"send_message":     {},
	"edit_message":     {},
	"delete_message":   {},
}

func isSimplePermission(name string) bool {
	_, ok := simplePermissions[name]
	return ok
}

// Source is what the cache falls back to on a full miss. *rbac.Querier
// satisfies it.
type Source interface {
	GetUserPermissions(ctx context.Context, userID int64, scope string, scopeID int64) (rbac.PermSet, error)
	BatchGetUserPermissions(ctx context.Context, userIDs []int64, scope string, scopeID int64) (map[int64]rbac.PermSet, error)
	GetUsersByRole(ctx context.Context, roleID int64) ([]int64, error)
}

// PermissionCache is the two-tier read-through cache the façade asks
// first on every check.
type PermissionCache struct {
	l1     *L1
	l2     *L2
	store  *store.Client
	locks  *store.LockFactory
	source Source

	flightTTL time.Duration
	indexTTL  time.Duration

	l1Hits       atomic.Int64
	l2Hits       atomic.Int64
	sourceLoads  atomic.Int64
	sourceErrors atomic.Int64
}

// CacheOption tweaks cache construction.
type CacheOption func(*PermissionCache)

func WithSegmentConfigs(cfgs map[primitives.CacheStrategy]SegmentConfig) CacheOption {
	return func(pc *PermissionCache) { pc.l1 = NewL1(cfgs) }
}

func WithL2TTL(ttl time.Duration) CacheOption {
	return func(pc *PermissionCache) { pc.l2 = NewL2(pc.store, ttl) }
}

func WithSingleFlightTTL(ttl time.Duration) CacheOption {
	return func(pc *PermissionCache) { pc.flightTTL = ttl }
}

func NewPermissionCache(st *store.Client, locks *store.LockFactory, source Source, opts ...CacheOption) *PermissionCache {
	pc := &PermissionCache{
		l1:        NewL1(nil),
		store:     st,
		locks:     locks,
		source:    source,
		flightTTL: DefaultSingleFlightTTL,
		indexTTL:  DefaultUserIndexTTL,
	}
	pc.l2 = NewL2(st, DefaultL2TTL)
	for _, opt := range opts {
		opt(pc)
	}
	return pc
}

// GetPermission answers one check. Simple-class permissions hit a
// boolean fast path; everything else resolves the full set.
func (pc *PermissionCache) GetPermission(ctx context.Context, userID int64, permission, scope string, scopeID int64) (bool, error) {
	if isSimplePermission(permission) {
		key := primitives.BasicPermKey(userID, permission)
		if v, ok := pc.l1.Get(key, primitives.StrategyUserPermissions); ok {
			pc.l1Hits.Add(1)
			if allowed, isBool := v.(bool); isBool {
				return allowed, nil
			}
		}
		set, err := pc.GetPermissionSet(ctx, userID, scope, scopeID)
		if err != nil {
			return false, err
		}
		allowed := set.Has(permission)
		pc.l1.Set(key, allowed, primitives.StrategyUserPermissions)
		return allowed, nil
	}

	set, err := pc.GetPermissionSet(ctx, userID, scope, scopeID)
	if err != nil {
		return false, err
	}
	return set.Has(permission), nil
}

// GetPermissionSet resolves a user's full permission set for a scope:
// L1 → L2 → querier under the single-flight lock with double-checked
// rereads inside the critical section.
func (pc *PermissionCache) GetPermissionSet(ctx context.Context, userID int64, scope string, scopeID int64) (rbac.PermSet, error) {
	key := primitives.UserPermKey(userID, scope, scopeID)

	if v, ok := pc.l1.Get(key, primitives.StrategyConditionalPermissions); ok {
		if set, isSet := v.(rbac.PermSet); isSet {
			pc.l1Hits.Add(1)
			return set, nil
		}
	}
	if set, ok := pc.l2.Get(ctx, key); ok {
		pc.l2Hits.Add(1)
		pc.l1.Set(key, set, primitives.StrategyConditionalPermissions)
		return set, nil
	}

	var result rbac.PermSet
	err := pc.locks.WithLock(ctx, primitives.ReadLockKey(key), pc.flightTTL, store.DefaultRetryBudget(), func(ctx context.Context) error {
		if v, ok := pc.l1.Get(key, primitives.StrategyConditionalPermissions); ok {
			if set, isSet := v.(rbac.PermSet); isSet {
				pc.l1Hits.Add(1)
				result = set
				return nil
			}
		}
		if set, ok := pc.l2.Get(ctx, key); ok {
			pc.l2Hits.Add(1)
			pc.l1.Set(key, set, primitives.StrategyConditionalPermissions)
			result = set
			return nil
		}
		set, lerr := pc.loadFromSource(ctx, userID, key, scope, scopeID)
		if lerr != nil {
			return lerr
		}
		result = set
		return nil
	})
	if errors.Is(err, primitives.ErrLockContention) {
		// Another process holds cache_read for this key and is already
		// fetching. Wait for its write-back; a second fetch would defeat
		// the single-flight entirely.
		if set, ok := pc.awaitHolder(ctx, key); ok {
			return set, nil
		}
		return pc.loadFromSource(ctx, userID, key, scope, scopeID)
	}
	if err != nil {
		return rbac.PermSet{}, err
	}
	return result, nil
}

// awaitHolder polls both tiers for the lock holder's write-back until
// the single-flight window expires. Only after that does the caller get
// to fetch on its own.
func (pc *PermissionCache) awaitHolder(ctx context.Context, key string) (rbac.PermSet, bool) {
	deadline := time.Now().Add(pc.flightTTL)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if v, ok := pc.l1.Get(key, primitives.StrategyConditionalPermissions); ok {
			if set, isSet := v.(rbac.PermSet); isSet {
				pc.l1Hits.Add(1)
				return set, true
			}
		}
		if set, ok := pc.l2.Get(ctx, key); ok {
			pc.l2Hits.Add(1)
			pc.l1.Set(key, set, primitives.StrategyConditionalPermissions)
			return set, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func (pc *PermissionCache) loadFromSource(ctx context.Context, userID int64, key, scope string, scopeID int64) (rbac.PermSet, error) {
	set, err := pc.source.GetUserPermissions(ctx, userID, scope, scopeID)
	if err != nil {
		pc.sourceErrors.Add(1)
		return rbac.PermSet{}, err
	}
	pc.sourceLoads.Add(1)
	pc.materialize(ctx, userID, key, set)
	return set, nil
}

// materialize writes a freshly resolved set through both tiers and
// registers the key in the user's reverse index.
func (pc *PermissionCache) materialize(ctx context.Context, userID int64, key string, set rbac.PermSet) {
	pc.l2.Set(ctx, key, set)
	pc.l1.Set(key, set, primitives.StrategyConditionalPermissions)

	idx := primitives.UserIndexKey(userID)
	if err := pc.store.SAdd(ctx, idx, key); err != nil {
		slog.Warn("[Cache] Reverse index update failed", "user", userID, "error", err)
		return
	}
	if err := pc.store.Expire(ctx, idx, pc.indexTTL); err != nil {
		slog.Warn("[Cache] Reverse index expire failed", "user", userID, "error", err)
	}
}

// BatchGetPermissionSets resolves many users with at most one source
// query: L1 sweep, L2 sweep over the L1 misses, one batched query for
// the rest, then write-back.
func (pc *PermissionCache) BatchGetPermissionSets(ctx context.Context, userIDs []int64, scope string, scopeID int64) (map[int64]rbac.PermSet, error) {
	out := make(map[int64]rbac.PermSet, len(userIDs))
	keys := make(map[int64]string, len(userIDs))

	var missL1 []int64
	for _, uid := range userIDs {
		key := primitives.UserPermKey(uid, scope, scopeID)
		keys[uid] = key
		if v, ok := pc.l1.Get(key, primitives.StrategyConditionalPermissions); ok {
			if set, isSet := v.(rbac.PermSet); isSet {
				pc.l1Hits.Add(1)
				out[uid] = set
				continue
			}
		}
		missL1 = append(missL1, uid)
	}

	var missL2 []int64
	for _, uid := range missL1 {
		if set, ok := pc.l2.Get(ctx, keys[uid]); ok {
			pc.l2Hits.Add(1)
			pc.l1.Set(keys[uid], set, primitives.StrategyConditionalPermissions)
			out[uid] = set
			continue
		}
		missL2 = append(missL2, uid)
	}

	if len(missL2) > 0 {
		byUser, err := pc.source.BatchGetUserPermissions(ctx, missL2, scope, scopeID)
		if err != nil {
			pc.sourceErrors.Add(1)
			for _, uid := range missL2 {
				out[uid] = rbac.PermSet{}
			}
			return out, err
		}
		pc.sourceLoads.Add(1)
		for _, uid := range missL2 {
			set := byUser[uid]
			if set == nil {
				set = rbac.PermSet{}
			}
			pc.materialize(ctx, uid, keys[uid], set)
			out[uid] = set
		}
	}
	return out, nil
}

// BatchGetPermission answers one permission for many users through the
// batch set path.
func (pc *PermissionCache) BatchGetPermission(ctx context.Context, userIDs []int64, permission, scope string, scopeID int64) (map[int64]bool, error) {
	sets, err := pc.BatchGetPermissionSets(ctx, userIDs, scope, scopeID)
	out := make(map[int64]bool, len(userIDs))
	for _, uid := range userIDs {
		out[uid] = sets[uid].Has(permission)
	}
	return out, err
}

// ---------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------

// InvalidateUser drops everything cached for one user: every key listed
// in the reverse index from both tiers, the index itself, and the
// simple-path entries.
func (pc *PermissionCache) InvalidateUser(ctx context.Context, userID int64) error {
	idx := primitives.UserIndexKey(userID)
	keys, err := pc.store.SMembers(ctx, idx)
	if err != nil && !store.Nil(err) {
		slog.Warn("[Cache] Reverse index read failed during invalidation", "user", userID, "error", err)
	}
	for _, key := range keys {
		pc.l1.RemoveEverywhere(key)
	}
	if len(keys) > 0 {
		pc.l2.Delete(ctx, keys...)
	}
	if derr := pc.store.Del(ctx, idx); derr != nil {
		slog.Warn("[Cache] Reverse index delete failed", "user", userID, "error", derr)
	}

	pc.l1.RemovePattern(fmt.Sprintf("%s:{%d}:", primitives.BasicPermPrefix, userID))
	pc.l1.RemovePattern(fmt.Sprintf("%s:{%d}", primitives.UserActivePrefix, userID))
	pc.l1.RemovePattern(fmt.Sprintf("%s:{%d}", primitives.UserRolePrefix, userID))
	pc.l1.RemovePattern(fmt.Sprintf("%s:{%d}:", primitives.InheritancePrefix, userID))
	return nil
}

// InvalidateKeys drops raw cache keys from the requested tier(s). The
// delayed-invalidation engine drives this for queued tasks.
func (pc *PermissionCache) InvalidateKeys(ctx context.Context, keys []string, level primitives.CacheLevel) {
	if len(keys) == 0 {
		return
	}
	if level != primitives.CacheLevelL2 {
		for _, key := range keys {
			pc.l1.RemoveEverywhere(key)
		}
	}
	if level != primitives.CacheLevelL1 {
		pc.l2.Delete(ctx, keys...)
	}
}

// InvalidateRole invalidates every user holding the role, one by one.
// There is no pattern sweep over fingerprinted keys: the reverse index
// is the only correct route from a role to its cached entries.
func (pc *PermissionCache) InvalidateRole(ctx context.Context, roleID int64) error {
	users, err := pc.source.GetUsersByRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, uid := range users {
		if ierr := pc.InvalidateUser(ctx, uid); ierr != nil {
			slog.Warn("[Cache] User invalidation failed", "user", uid, "role", roleID, "error", ierr)
		}
	}
	return nil
}

// BatchInvalidate loops users then roles.
func (pc *PermissionCache) BatchInvalidate(ctx context.Context, userIDs, roleIDs []int64) error {
	for _, uid := range userIDs {
		if err := pc.InvalidateUser(ctx, uid); err != nil {
			return err
		}
	}
	for _, rid := range roleIDs {
		if err := pc.InvalidateRole(ctx, rid); err != nil {
			return err
		}
	}
	return nil
}

// RefreshUser re-resolves a user from source immediately and rewrites
// both tiers and the reverse index.
func (pc *PermissionCache) RefreshUser(ctx context.Context, userID int64, scope string, scopeID int64) error {
	key := primitives.UserPermKey(userID, scope, scopeID)
	_, err := pc.loadFromSource(ctx, userID, key, scope, scopeID)
	return err
}

// RefreshUsers is the batched refresh: one source query, then
// write-back per user.
func (pc *PermissionCache) RefreshUsers(ctx context.Context, userIDs []int64, scope string, scopeID int64) error {
	byUser, err := pc.source.BatchGetUserPermissions(ctx, userIDs, scope, scopeID)
	if err != nil {
		pc.sourceErrors.Add(1)
		return err
	}
	pc.sourceLoads.Add(1)
	for _, uid := range userIDs {
		set := byUser[uid]
		if set == nil {
			set = rbac.PermSet{}
		}
		pc.materialize(ctx, uid, primitives.UserPermKey(uid, scope, scopeID), set)
	}
	return nil
}

// ---------------------------------------------------------------------
// Warm-up
// ---------------------------------------------------------------------

// WarmupEntry is one curated pre-load target.
type WarmupEntry struct {
	UserID     int64  `yaml:"user_id"`
	Scope      string `yaml:"scope"`
	ScopeID    int64  `yaml:"scope_id"`
	Permission string `yaml:"permission"`
}

// WarmUp performs full resolutions for the curated list before traffic
// arrives. Individual failures are logged; the count of successful
// loads is returned.
func (pc *PermissionCache) WarmUp(ctx context.Context, entries []WarmupEntry) int {
	warmed := 0
	for _, e := range entries {
		if _, err := pc.GetPermission(ctx, e.UserID, e.Permission, e.Scope, e.ScopeID); err != nil {
			slog.Warn("[Cache] Warm-up entry failed", "user", e.UserID, "permission", e.Permission, "error", err)
			continue
		}
		warmed++
	}
	slog.Info("[Cache] Warm-up complete", "warmed", warmed, "total", len(entries))
	return warmed
}

// Stats reports tier hit counters and per-segment L1 numbers.
func (pc *PermissionCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"l1_hits":       pc.l1Hits.Load(),
		"l2_hits":       pc.l2Hits.Load(),
		"source_loads":  pc.sourceLoads.Load(),
		"source_errors": pc.sourceErrors.Load(),
		"l1_segments":   pc.l1.Stats(),
		"l2_ttl":        pc.l2.TTL().Seconds(),
	}
}

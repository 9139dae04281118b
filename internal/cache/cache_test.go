package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/rbac"
	"github.com/U2SG/yoto-sub000/internal/store"
)

type fakeSource struct {
	mu          sync.Mutex
	singleCalls int
	batchCalls  int
	perms       map[int64]rbac.PermSet
	usersByRole map[int64][]int64
	err         error
}

func (f *fakeSource) GetUserPermissions(ctx context.Context, userID int64, scope string, scopeID int64) (rbac.PermSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.err != nil {
		return rbac.PermSet{}, f.err
	}
	if s, ok := f.perms[userID]; ok {
		return s, nil
	}
	return rbac.PermSet{}, nil
}

func (f *fakeSource) BatchGetUserPermissions(ctx context.Context, userIDs []int64, scope string, scopeID int64) (map[int64]rbac.PermSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]rbac.PermSet, len(userIDs))
	for _, uid := range userIDs {
		if s, ok := f.perms[uid]; ok {
			out[uid] = s
		} else {
			out[uid] = rbac.PermSet{}
		}
	}
	return out, nil
}

func (f *fakeSource) GetUsersByRole(ctx context.Context, roleID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.usersByRole[roleID], nil
}

func (f *fakeSource) calls() (single, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.singleCalls, f.batchCalls
}

func testCache(t *testing.T, src Source, opts ...CacheOption) (*PermissionCache, *store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	return NewPermissionCache(c, store.NewLockFactory(c), src, opts...), c, mr
}

func TestReadThroughPopulatesBothTiers(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message", "manage_channel")}}
	pc, c, _ := testCache(t, src)
	ctx := context.Background()

	set, err := pc.GetPermissionSet(ctx, 42, "channel", 7)
	require.NoError(t, err)
	assert.True(t, set.Has("manage_channel"))
	single, _ := src.calls()
	assert.Equal(t, 1, single)

	// Second read is an L1 hit; the source is not consulted again.
	_, err = pc.GetPermissionSet(ctx, 42, "channel", 7)
	require.NoError(t, err)
	single, _ = src.calls()
	assert.Equal(t, 1, single)

	// The shared tier and reverse index were written.
	key := primitives.UserPermKey(42, "channel", 7)
	n, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	members, err := c.SMembers(ctx, primitives.UserIndexKey(42))
	require.NoError(t, err)
	assert.Contains(t, members, key)
}

func TestL2HitSkipsSource(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, c, _ := testCache(t, src)
	ctx := context.Background()

	_, err := pc.GetPermissionSet(ctx, 42, "", 0)
	require.NoError(t, err)

	// A fresh process (empty L1) sharing the store reads from L2.
	pc2 := NewPermissionCache(c, store.NewLockFactory(c), src)
	set, err := pc2.GetPermissionSet(ctx, 42, "", 0)
	require.NoError(t, err)
	assert.True(t, set.Has("send_message"))
	single, _ := src.calls()
	assert.Equal(t, 1, single)
}

func TestCorruptL2EntryReadsAsMiss(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, _, mr := testCache(t, src)
	ctx := context.Background()

	mr.Set(primitives.UserPermKey(42, "", 0), "not gzip")

	set, err := pc.GetPermissionSet(ctx, 42, "", 0)
	require.NoError(t, err)
	assert.True(t, set.Has("send_message"))
	single, _ := src.calls()
	assert.Equal(t, 1, single)
}

func TestSimplePermissionBooleanFastPath(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, _, _ := testCache(t, src)
	ctx := context.Background()

	allowed, err := pc.GetPermission(ctx, 42, "send_message", "channel", 7)
	require.NoError(t, err)
	assert.True(t, allowed)

	denied, err := pc.GetPermission(ctx, 42, "read_channel", "channel", 7)
	require.NoError(t, err)
	assert.False(t, denied)

	// Both answers now come from the boolean entries; the set path and
	// source stay untouched.
	before, _ := src.calls()
	allowed, err = pc.GetPermission(ctx, 42, "send_message", "channel", 7)
	require.NoError(t, err)
	assert.True(t, allowed)
	after, _ := src.calls()
	assert.Equal(t, before, after)
}

func TestSingleFlightLoserWaitsForHolder(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, c, _ := testCache(t, src)
	ctx := context.Background()

	key := primitives.UserPermKey(42, "channel", 7)
	taken, err := c.SetNX(ctx, primitives.ReadLockKey(key), "remote-holder", 5*time.Second)
	require.NoError(t, err)
	require.True(t, taken)

	type outcome struct {
		set rbac.PermSet
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		set, gerr := pc.GetPermissionSet(ctx, 42, "channel", 7)
		done <- outcome{set, gerr}
	}()

	// While the remote holder works, the loser must not fetch.
	time.Sleep(200 * time.Millisecond)
	single, _ := src.calls()
	assert.Equal(t, 0, single)

	// The holder publishes its result to the shared tier; the waiter
	// picks that up instead of hitting the source.
	pc.l2.Set(ctx, key, rbac.NewPermSet("from_holder"))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.set.Has("from_holder"))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not pick up the holder's write-back")
	}
	single, _ = src.calls()
	assert.Equal(t, 0, single)
}

func TestSingleFlightLoserFallsBackAfterWindow(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, c, _ := testCache(t, src, WithSingleFlightTTL(100*time.Millisecond))
	ctx := context.Background()

	key := primitives.UserPermKey(42, "channel", 7)
	// A holder that never publishes (crashed mid-fetch).
	taken, err := c.SetNX(ctx, primitives.ReadLockKey(key), "dead-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, taken)

	set, err := pc.GetPermissionSet(ctx, 42, "channel", 7)
	require.NoError(t, err)
	assert.True(t, set.Has("send_message"))
	single, _ := src.calls()
	assert.Equal(t, 1, single)
}

func TestSourceFailureDeniesWithError(t *testing.T) {
	src := &fakeSource{err: assert.AnError}
	pc, _, _ := testCache(t, src)

	allowed, err := pc.GetPermission(context.Background(), 42, "manage_channel", "", 0)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, allowed)
}

func TestBatchPathQueriesSourceOnce(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{
		1: rbac.NewPermSet("send_message"),
		2: rbac.NewPermSet("read_channel"),
		3: rbac.NewPermSet("kick_member"),
	}}
	pc, _, _ := testCache(t, src)
	ctx := context.Background()

	// Pre-warm user 1 so the batch has an L1 hit mixed in.
	_, err := pc.GetPermissionSet(ctx, 1, "server", 9)
	require.NoError(t, err)

	sets, err := pc.BatchGetPermissionSets(ctx, []int64{1, 2, 3}, "server", 9)
	require.NoError(t, err)
	assert.True(t, sets[1].Has("send_message"))
	assert.True(t, sets[2].Has("read_channel"))
	assert.True(t, sets[3].Has("kick_member"))

	single, batch := src.calls()
	assert.Equal(t, 1, single)
	assert.Equal(t, 1, batch)

	byUser, err := pc.BatchGetPermission(ctx, []int64{2, 3}, "read_channel", "server", 9)
	require.NoError(t, err)
	assert.True(t, byUser[2])
	assert.False(t, byUser[3])
}

func TestInvalidateUserColdsBothTiers(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, c, _ := testCache(t, src)
	ctx := context.Background()

	_, err := pc.GetPermission(ctx, 42, "send_message", "", 0)
	require.NoError(t, err)

	require.NoError(t, pc.InvalidateUser(ctx, 42))

	n, err := c.Exists(ctx, primitives.UserPermKey(42, "", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = c.Exists(ctx, primitives.UserIndexKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Next check goes back to source.
	before, _ := src.calls()
	_, err = pc.GetPermission(ctx, 42, "send_message", "", 0)
	require.NoError(t, err)
	after, _ := src.calls()
	assert.Equal(t, before+1, after)
}

func TestInvalidateRoleResolvesUsers(t *testing.T) {
	src := &fakeSource{
		perms:       map[int64]rbac.PermSet{1: rbac.NewPermSet("a"), 2: rbac.NewPermSet("b")},
		usersByRole: map[int64][]int64{5: {1, 2}},
	}
	pc, c, _ := testCache(t, src)
	ctx := context.Background()

	_, err := pc.GetPermissionSet(ctx, 1, "", 0)
	require.NoError(t, err)
	_, err = pc.GetPermissionSet(ctx, 2, "", 0)
	require.NoError(t, err)

	require.NoError(t, pc.InvalidateRole(ctx, 5))

	for _, uid := range []int64{1, 2} {
		n, err := c.Exists(ctx, primitives.UserPermKey(uid, "", 0))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "user %d still cached", uid)
	}
}

func TestRefreshUserRewritesEntry(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{42: rbac.NewPermSet("send_message")}}
	pc, _, _ := testCache(t, src)
	ctx := context.Background()

	_, err := pc.GetPermissionSet(ctx, 42, "", 0)
	require.NoError(t, err)

	// Permissions change at the source; refresh picks them up without
	// waiting for TTL.
	src.mu.Lock()
	src.perms[42] = rbac.NewPermSet("send_message", "ban_member")
	src.mu.Unlock()

	require.NoError(t, pc.RefreshUser(ctx, 42, "", 0))
	set, err := pc.GetPermissionSet(ctx, 42, "", 0)
	require.NoError(t, err)
	assert.True(t, set.Has("ban_member"))
}

func TestL1TTLExpiresEntries(t *testing.T) {
	cfgs := DefaultSegmentConfigs()
	cfgs[primitives.StrategyConditionalPermissions] = SegmentConfig{MaxSize: 10, TTL: 30 * time.Millisecond}

	l1 := NewL1(cfgs)
	l1.Set("k", rbac.NewPermSet("a"), primitives.StrategyConditionalPermissions)
	_, ok := l1.Get("k", primitives.StrategyConditionalPermissions)
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = l1.Get("k", primitives.StrategyConditionalPermissions)
	assert.False(t, ok)
}

func TestL1RemovePattern(t *testing.T) {
	l1 := NewL1(nil)
	l1.Set("basic_perm:{42}:send_message", true, primitives.StrategyUserPermissions)
	l1.Set("basic_perm:{42}:read_channel", false, primitives.StrategyUserPermissions)
	l1.Set("basic_perm:{7}:send_message", true, primitives.StrategyUserPermissions)

	removed := l1.RemovePattern("basic_perm:{42}:")
	assert.Equal(t, 2, removed)
	_, ok := l1.Get("basic_perm:{7}:send_message", primitives.StrategyUserPermissions)
	assert.True(t, ok)
}

func TestWarmUpContinuesPastFailures(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{1: rbac.NewPermSet("send_message")}}
	pc, _, _ := testCache(t, src)

	entries := []WarmupEntry{
		{UserID: 1, Permission: "send_message"},
		{UserID: 2, Permission: "read_channel"},
	}
	warmed := pc.WarmUp(context.Background(), entries)
	assert.Equal(t, 2, warmed)

	// With a failing source every entry is logged and skipped.
	bad := &fakeSource{err: assert.AnError}
	pc2, _, _ := testCache(t, bad)
	assert.Equal(t, 0, pc2.WarmUp(context.Background(), entries))
}

func TestStatsShape(t *testing.T) {
	src := &fakeSource{perms: map[int64]rbac.PermSet{1: rbac.NewPermSet("a")}}
	pc, _, _ := testCache(t, src)
	ctx := context.Background()

	_, err := pc.GetPermissionSet(ctx, 1, "", 0)
	require.NoError(t, err)
	_, err = pc.GetPermissionSet(ctx, 1, "", 0)
	require.NoError(t, err)

	stats := pc.Stats()
	assert.Equal(t, int64(1), stats["l1_hits"])
	assert.Equal(t, int64(1), stats["source_loads"])
	segs := stats["l1_segments"].(map[string]interface{})
	assert.Contains(t, segs, string(primitives.StrategyConditionalPermissions))
}

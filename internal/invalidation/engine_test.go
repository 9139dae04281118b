package invalidation

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
	"github.com/U2SG/yoto-sub000/internal/store"
)

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) InvalidateKeys(ctx context.Context, keys []string, level primitives.CacheLevel) {
	f.mu.Lock()
	f.keys = append(f.keys, keys...)
	f.mu.Unlock()
}

func (f *fakeInvalidator) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func testEngine(t *testing.T, opts ...EngineOption) (*Engine, *fakeInvalidator, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	inval := &fakeInvalidator{}
	return NewEngine(c, inval, opts...), inval, c
}

func TestAddDelayedEnqueuesAndIndexes(t *testing.T) {
	e, _, c := testEngine(t)
	ctx := context.Background()

	key := primitives.UserPermKey(9, "server", 3)
	require.NoError(t, e.AddDelayed(ctx, key, primitives.CacheLevelBoth, "role_change", 9, 3))

	length, err := c.ZCard(ctx, QueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	for _, idx := range []string{"reason_index:role_change", "user_index:9", "server_index:3", "pattern_index:perm"} {
		members, merr := c.SMembers(ctx, idx)
		require.NoError(t, merr)
		assert.Contains(t, members, key, "index %s", idx)
	}

	stats := e.QueueStats(ctx)
	assert.Equal(t, int64(1), stats["in_rate"])
	assert.Equal(t, int64(0), stats["out_rate"])
}

func TestProcessBatchDrainsOldestTasks(t *testing.T) {
	e, inval, c := testEngine(t)
	ctx := context.Background()

	keys := []string{
		primitives.UserPermKey(1, "", 0),
		primitives.UserPermKey(2, "", 0),
		primitives.UserPermKey(3, "", 0),
	}
	for i, key := range keys {
		require.NoError(t, e.AddDelayed(ctx, key, primitives.CacheLevelBoth, "perm_revoked", int64(i+1), 0))
	}

	n, err := e.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, keys, inval.seen())

	length, err := c.ZCard(ctx, QueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	// Index entries for processed tasks are gone.
	members, err := c.SMembers(ctx, "reason_index:perm_revoked")
	require.NoError(t, err)
	assert.Empty(t, members)

	stats := e.QueueStats(ctx)
	assert.Equal(t, int64(3), stats["out_rate"])
}

func TestProcessBatchEmptyQueue(t *testing.T) {
	e, _, _ := testEngine(t)
	n, err := e.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHealthBands(t *testing.T) {
	assert.Equal(t, HealthExcellent, healthFor(0))
	assert.Equal(t, HealthExcellent, healthFor(99))
	assert.Equal(t, HealthAttention, healthFor(100))
	assert.Equal(t, HealthWarning, healthFor(500))
	assert.Equal(t, HealthCritical, healthFor(1000))
}

func TestAnalyzeGroupsByAxis(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, e.AddDelayed(ctx, primitives.UserPermKey(int64(i), "", 0),
			primitives.CacheLevelBoth, "role_change", int64(i), 7))
	}
	require.NoError(t, e.AddDelayed(ctx, primitives.BasicPermKey(9, "send_message"),
		primitives.CacheLevelL1, "user_update", 9, 0))

	a, err := e.Analyze(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.QueueLength)
	assert.Equal(t, HealthExcellent, a.Health)
	assert.Equal(t, 4, a.ByReason["role_change"])
	assert.Equal(t, 1, a.ByReason["user_update"])
	assert.Equal(t, 4, a.ByPattern["perm"])
	assert.Equal(t, 1, a.ByPattern["basic_perm"])
	assert.Equal(t, 4, a.ByServer[7])
	assert.Empty(t, a.UrgentActions)

	require.NotEmpty(t, a.Recommendations)
	top := a.Recommendations[0]
	assert.Equal(t, 4, top.Count)
	assert.InDelta(t, 0.8, top.EstimatedImpact, 0.001)
}

func TestSmartExecutorDrainsReasonBatch(t *testing.T) {
	e, inval, c := testEngine(t, WithMinQueueSize(1))
	ctx := context.Background()

	var keys []string
	for i := 0; i < 20; i++ {
		key := primitives.UserPermKey(9, "server", int64(100+i))
		keys = append(keys, key)
		require.NoError(t, e.AddDelayed(ctx, key, primitives.CacheLevelBoth, "role_change", 9, 0))
	}

	res, err := e.ExecuteSmart(ctx, StrategyAggressive)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 20, res.TasksRemoved)
	assert.ElementsMatch(t, keys, uniqueStrings(inval.seen()))

	length, err := c.ZCard(ctx, QueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	stats := e.QueueStats(ctx)
	assert.Equal(t, int64(20), stats["out_rate"])
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func TestSmartExecutorSkipsShortQueue(t *testing.T) {
	e, _, _ := testEngine(t) // default min queue size 50
	ctx := context.Background()

	require.NoError(t, e.AddDelayed(ctx, primitives.UserPermKey(1, "", 0),
		primitives.CacheLevelBoth, "role_change", 1, 0))

	res, err := e.ExecuteSmart(ctx, StrategyAuto)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestCleanupDropsTimedOutTasks(t *testing.T) {
	e, _, c := testEngine(t, WithMaxTaskAge(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, e.AddDelayed(ctx, primitives.UserPermKey(1, "", 0),
		primitives.CacheLevelBoth, "stale", 1, 0))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, e.cleanupPass(ctx))

	length, err := c.ZCard(ctx, QueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	// The orphan sweep removed the now-unreferenced index member.
	members, err := c.SMembers(ctx, "reason_index:stale")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestOrphanSweepLeavesCacheIndicesAlone(t *testing.T) {
	e, _, c := testEngine(t)
	ctx := context.Background()

	// The permission cache's brace-tagged reverse index must survive the
	// sweep even though its members are not queued tasks.
	cacheIdx := primitives.UserIndexKey(42)
	require.NoError(t, c.SAdd(ctx, cacheIdx, primitives.UserPermKey(42, "", 0)))

	// An engine-owned index with an orphaned member gets cleaned.
	require.NoError(t, c.SAdd(ctx, "user_index:9", "perm:{dead}"))

	require.NoError(t, e.sweepOrphanIndices(ctx))

	members, err := c.SMembers(ctx, cacheIdx)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	members, err = c.SMembers(ctx, "user_index:9")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestLoopsStartAndStop(t *testing.T) {
	e, inval, _ := testEngine(t,
		WithProcessInterval(10*time.Millisecond),
		WithSmartInterval(time.Hour),
		WithCleanupInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, e.AddDelayed(ctx, primitives.UserPermKey(5, "", 0),
		primitives.CacheLevelBoth, "role_change", 5, 0))

	e.Start()
	require.Eventually(t, func() bool {
		return len(inval.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	e.Stop()
}

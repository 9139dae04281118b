package bus

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

func testBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	return New(c)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []*primitives.Event
	sub, err := b.Subscribe(primitives.ChannelResilienceEvents, func(ev *primitives.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()

	<-sub.Ready()

	err = b.Publish(context.Background(), primitives.ChannelResilienceEvents,
		"resilience.circuit_breaker.opened",
		map[string]interface{}{"name": "db_query"}, "resilience")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := got[0]
	mu.Unlock()
	assert.Equal(t, "resilience.circuit_breaker.opened", ev.EventName)
	assert.Equal(t, "resilience", ev.SourceModule)
	assert.Equal(t, "db_query", ev.Payload["name"])
	assert.NotEmpty(t, ev.Hostname)
	assert.NotZero(t, ev.PID)
	assert.InDelta(t, float64(time.Now().Unix()), ev.Timestamp, 5)
}

func TestSubscriptionStopIsIdempotent(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(primitives.ChannelConfigUpdated, func(ev *primitives.Event) {})
	require.NoError(t, err)
	<-sub.Ready()

	sub.Stop()
	sub.Stop() // must not panic or hang
}

func TestUndecodableMessagesAreDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	b := New(c)

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("junk", func(ev *primitives.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()
	<-sub.Ready()

	require.NoError(t, c.Publish(context.Background(), "junk", []byte("not json")))
	require.NoError(t, b.Publish(context.Background(), "junk", "ok", nil, "test"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// Package store wraps the shared Redis-compatible store behind a
// cluster-aware, health-tracked client, and provides the distributed
// lock built on it.
//
// Connection strategy follows the deployment reality: try the configured
// cluster node list first, fall back to a single node. Callers never see
// a panic from a dead store — an unhealthy client short-circuits every
// call with ErrStoreUnavailable and a background pinger restores health
// when connectivity returns.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// Options configures the shared-store client.
type Options struct {
	Addrs        []string
	Password     string
	DB           int // ignored in cluster mode
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingInterval time.Duration
}

func (o *Options) defaults() {
	if len(o.Addrs) == 0 {
		o.Addrs = []string{"localhost:6379"}
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.PoolSize == 0 {
		o.PoolSize = 20
	}
	if o.PingInterval == 0 {
		o.PingInterval = 5 * time.Second
	}
}

// Client is the process-wide handle to the shared store. Thread-safe.
type Client struct {
	rdb     redis.UniversalClient
	cluster bool
	healthy atomic.Bool

	mu      sync.Mutex
	scripts map[string]*redis.Script

	stopPing chan struct{}
	pingOnce sync.Once
}

// New connects to the shared store. With more than one address it
// attempts a cluster connection first and falls back to the first node
// as a single client. A failed initial ping still returns a client —
// marked unhealthy — so the process can start before the store does.
func New(opts Options) *Client {
	opts.defaults()

	c := &Client{
		scripts:  make(map[string]*redis.Script),
		stopPing: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if len(opts.Addrs) > 1 {
		cc := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        opts.Addrs,
			Password:     opts.Password,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			PoolSize:     opts.PoolSize,
		})
		if err := cc.Ping(ctx).Err(); err == nil {
			slog.Info("[Store] Cluster connected", "nodes", len(opts.Addrs))
			c.rdb = cc
			c.cluster = true
			c.healthy.Store(true)
		} else {
			slog.Warn("[Store] Cluster connection failed, falling back to single node",
				"addr", opts.Addrs[0], "error", err)
			cc.Close()
		}
	}

	if c.rdb == nil {
		sc := redis.NewClient(&redis.Options{
			Addr:         opts.Addrs[0],
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			PoolSize:     opts.PoolSize,
		})
		c.rdb = sc
		if err := sc.Ping(ctx).Err(); err != nil {
			slog.Warn("[Store] Initial ping failed, client starts unhealthy",
				"addr", opts.Addrs[0], "error", err)
		} else {
			slog.Info("[Store] Connected", "addr", opts.Addrs[0], "db", opts.DB)
			c.healthy.Store(true)
		}
	}

	c.registerBuiltinScripts()
	go c.pingLoop(opts.PingInterval)
	return c
}

// NewWithClient wraps an existing redis client. Used by tests.
func NewWithClient(rdb redis.UniversalClient) *Client {
	c := &Client{
		rdb:      rdb,
		scripts:  make(map[string]*redis.Script),
		stopPing: make(chan struct{}),
	}
	c.healthy.Store(true)
	c.registerBuiltinScripts()
	return c
}

// Healthy reports whether the last store interaction succeeded.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// Cluster reports whether the client is in cluster mode.
func (c *Client) Cluster() bool { return c.cluster }

// Close stops the pinger and closes the underlying client.
func (c *Client) Close() error {
	c.pingOnce.Do(func() { close(c.stopPing) })
	return c.rdb.Close()
}

// pingLoop restores health after an outage and demotes on ping failure.
func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := c.rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				if c.healthy.CompareAndSwap(true, false) {
					slog.Warn("[Store] Ping failed, marking unhealthy", "error", err)
				}
			} else {
				if c.healthy.CompareAndSwap(false, true) {
					slog.Info("[Store] Connectivity restored")
				}
			}
		}
	}
}

// guard short-circuits when the client is unhealthy so a dead store does
// not cause a retry storm from every caller.
func (c *Client) guard() error {
	if !c.healthy.Load() {
		return primitives.ErrStoreUnavailable
	}
	return nil
}

// observe demotes the client on connection-class errors.
func (c *Client) observe(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(primitives.ErrStoreTimeout, err)
	}
	if c.healthy.CompareAndSwap(true, false) {
		slog.Warn("[Store] Call failed, marking unhealthy", "error", err)
	}
	return errors.Join(primitives.ErrStoreUnavailable, err)
}

// Nil reports whether err is the store's missing-key marker.
func Nil(err error) bool { return errors.Is(err, redis.Nil) }

// ---------------------------------------------------------------------
// Basic key ops
// ---------------------------------------------------------------------

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", c.observe(err)
	}
	return v, nil
}

func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, c.observe(err)
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, c.observe(err)
	}
	return ok, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.Del(ctx, keys...).Err())
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

// ---------------------------------------------------------------------
// Hash ops
// ---------------------------------------------------------------------

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", c.observe(err)
	}
	return v, nil
}

func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.HSet(ctx, key, values...).Err())
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.HDel(ctx, key, fields...).Err())
}

// ---------------------------------------------------------------------
// Set ops
// ---------------------------------------------------------------------

func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.SAdd(ctx, key, members...).Err())
}

func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.SRem(ctx, key, members...).Err())
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

// ---------------------------------------------------------------------
// Sorted-set ops
// ---------------------------------------------------------------------

func (c *Client) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.ZAdd(ctx, key, members...).Err())
}

func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.ZRem(ctx, key, members...).Err())
}

func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, c.observe(err)
	}
	return n, nil
}

// ---------------------------------------------------------------------
// List ops
// ---------------------------------------------------------------------

func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.LPush(ctx, key, values...).Err())
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return m, nil
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.LTrim(ctx, key, start, stop).Err())
}

// ---------------------------------------------------------------------
// Scan / Pub-Sub
// ---------------------------------------------------------------------

// ScanMatch walks keys matching pattern using cursor-based SCAN (never
// KEYS) and calls fn for each. fn returning an error stops the walk.
func (c *Client) ScanMatch(ctx context.Context, pattern string, batch int64, fn func(key string) error) error {
	if err := c.guard(); err != nil {
		return err
	}
	iter := c.rdb.Scan(ctx, 0, pattern, batch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return c.observe(iter.Err())
}

// Publish sends a raw message on a channel.
func (c *Client) Publish(ctx context.Context, channel string, message []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.observe(c.rdb.Publish(ctx, channel, message).Err())
}

// Subscribe opens a raw Pub/Sub subscription. The bus package owns the
// confirmation wait and message loop.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

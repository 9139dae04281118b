// Package cache implements the two-tier permission cache: in-process
// LRU segments (L1) over a shared compressed store tier (L2), with a
// read-through path that falls back to the relational querier under a
// distributed single-flight lock.
package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// SegmentConfig sizes one L1 strategy segment.
type SegmentConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultSegmentConfigs mirrors the documented per-strategy defaults.
func DefaultSegmentConfigs() map[primitives.CacheStrategy]SegmentConfig {
	return map[primitives.CacheStrategy]SegmentConfig{
		primitives.StrategyUserPermissions:        {MaxSize: 5000, TTL: 900 * time.Second},
		primitives.StrategyRolePermissions:        {MaxSize: 3000, TTL: 1200 * time.Second},
		primitives.StrategyInheritanceTree:        {MaxSize: 2000, TTL: 2400 * time.Second},
		primitives.StrategyConditionalPermissions: {MaxSize: 3000, TTL: 600 * time.Second},
	}
}

type l1Entry struct {
	value      interface{}
	createdAt  time.Time
	lastAccess time.Time
}

// segment is one strategy-scoped LRU with TTL-on-read semantics: an
// entry older than the segment TTL is evicted at lookup time and counts
// as a miss.
type segment struct {
	cfg SegmentConfig

	mu     sync.Mutex
	lru    *lru.Cache[string, *l1Entry]
	hits   int64
	misses int64
}

func newSegment(cfg SegmentConfig) *segment {
	c, _ := lru.New[string, *l1Entry](cfg.MaxSize)
	return &segment{cfg: cfg, lru: c}
}

func (s *segment) get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok {
		s.misses++
		return nil, false
	}
	if time.Since(e.createdAt) > s.cfg.TTL {
		s.lru.Remove(key)
		s.misses++
		return nil, false
	}
	e.lastAccess = time.Now()
	s.hits++
	return e.value, true
}

func (s *segment) set(key string, value interface{}) {
	now := time.Now()
	s.mu.Lock()
	s.lru.Add(key, &l1Entry{value: value, createdAt: now, lastAccess: now})
	s.mu.Unlock()
}

func (s *segment) remove(key string) {
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// removePattern sweeps every key containing the substring. Substring
// match is enough: keys are fingerprints or prefixed ids, never free
// text.
func (s *segment) removePattern(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range s.lru.Keys() {
		if strings.Contains(key, substr) {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *segment) stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"hits":    s.hits,
		"misses":  s.misses,
		"size":    s.lru.Len(),
		"maxsize": s.cfg.MaxSize,
		"ttl":     s.cfg.TTL.Seconds(),
	}
}

// L1 is the in-process tier: independent LRU segments per strategy.
type L1 struct {
	segments map[primitives.CacheStrategy]*segment
}

func NewL1(configs map[primitives.CacheStrategy]SegmentConfig) *L1 {
	if configs == nil {
		configs = DefaultSegmentConfigs()
	}
	segs := make(map[primitives.CacheStrategy]*segment, len(configs))
	for strat, cfg := range configs {
		segs[strat] = newSegment(cfg)
	}
	return &L1{segments: segs}
}

func (l *L1) seg(strategy primitives.CacheStrategy) *segment {
	if s, ok := l.segments[strategy]; ok {
		return s
	}
	return l.segments[primitives.StrategyConditionalPermissions]
}

func (l *L1) Get(key string, strategy primitives.CacheStrategy) (interface{}, bool) {
	return l.seg(strategy).get(key)
}

func (l *L1) Set(key string, value interface{}, strategy primitives.CacheStrategy) {
	l.seg(strategy).set(key, value)
}

func (l *L1) Remove(key string, strategy primitives.CacheStrategy) {
	l.seg(strategy).remove(key)
}

// RemoveEverywhere drops the key from every segment.
func (l *L1) RemoveEverywhere(key string) {
	for _, s := range l.segments {
		s.remove(key)
	}
}

// RemovePattern sweeps keys containing substr from every segment and
// reports how many entries were dropped.
func (l *L1) RemovePattern(substr string) int {
	removed := 0
	for _, s := range l.segments {
		removed += s.removePattern(substr)
	}
	return removed
}

// Stats reports per-segment hit/miss/occupancy numbers.
func (l *L1) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(l.segments))
	for strat, s := range l.segments {
		out[string(strat)] = s.stats()
	}
	return out
}

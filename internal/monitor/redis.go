package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/U2SG/yoto-sub000/internal/store"
)

const (
	metricListPrefix  = "monitor:metrics:"
	statsHashPrefix   = "monitor:stats:"
	eventListKey      = "monitor:events"
	activeAlertsKey   = "monitor:alerts:active"
	alertCountersKey  = "monitor:alert_counters"
	scriptStatsUpdate = "monitor_stats_update"
)

// statsUpdateLua folds one observation into the running stats hash in a
// single atomic step.
//
// KEYS: stats hash
// ARGV: value
const statsUpdateLua = `
local v = tonumber(ARGV[1])
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local sum = tonumber(redis.call('HGET', KEYS[1], 'sum') or '0') + v
redis.call('HSET', KEYS[1], 'sum', tostring(sum))
local min = redis.call('HGET', KEYS[1], 'min')
if not min or v < tonumber(min) then redis.call('HSET', KEYS[1], 'min', ARGV[1]) end
local max = redis.call('HGET', KEYS[1], 'max')
if not max or v > tonumber(max) then redis.call('HSET', KEYS[1], 'max', ARGV[1]) end
return count
`

// RedisBackend keeps monitor state in the shared store so alerts and
// stats survive any single process. Authoritative in production.
type RedisBackend struct {
	store *store.Client
}

func NewRedisBackend(st *store.Client) *RedisBackend {
	st.RegisterScript(scriptStatsUpdate, statsUpdateLua)
	return &RedisBackend{store: st}
}

func (r *RedisBackend) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, ts time.Time) error {
	raw, err := json.Marshal(&MetricPoint{Name: name, Value: value, Tags: tags, Timestamp: ts})
	if err != nil {
		return err
	}
	key := metricListPrefix + name
	if err := r.store.LPush(ctx, key, string(raw)); err != nil {
		return err
	}
	if err := r.store.LTrim(ctx, key, 0, maxHistory-1); err != nil {
		return err
	}
	_, err = r.store.EvalRegistered(ctx, scriptStatsUpdate, []string{statsHashPrefix + name}, value)
	return err
}

func (r *RedisBackend) RecordEvent(ctx context.Context, name string, metadata map[string]interface{}, tags map[string]string, ts time.Time) error {
	raw, err := json.Marshal(&Event{Name: name, Metadata: metadata, Tags: tags, Timestamp: ts})
	if err != nil {
		return err
	}
	if err := r.store.LPush(ctx, eventListKey, string(raw)); err != nil {
		return err
	}
	return r.store.LTrim(ctx, eventListKey, 0, maxHistory-1)
}

func (r *RedisBackend) GetMetrics(ctx context.Context, name string, limit int) ([]MetricPoint, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	raw, err := r.store.LRange(ctx, metricListPrefix+name, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	// Stored newest-first; return oldest-first like the memory backend.
	out := make([]MetricPoint, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var p MetricPoint
		if jerr := json.Unmarshal([]byte(raw[i]), &p); jerr == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisBackend) GetStats(ctx context.Context, name string) (RunningStats, error) {
	fields, err := r.store.HGetAll(ctx, statsHashPrefix+name)
	if err != nil {
		return RunningStats{}, err
	}
	var s RunningStats
	parse := func(field string, into *float64) {
		if v, ok := fields[field]; ok {
			json.Unmarshal([]byte(v), into)
		}
	}
	if v, ok := fields["count"]; ok {
		json.Unmarshal([]byte(v), &s.Count)
	}
	parse("sum", &s.Sum)
	parse("min", &s.Min)
	parse("max", &s.Max)
	return s, nil
}

func (r *RedisBackend) CreateAlert(ctx context.Context, alert Alert) (string, bool, error) {
	active, err := r.GetActiveAlerts(ctx)
	if err != nil {
		return "", false, err
	}
	now := time.Now()
	for _, existing := range active {
		if existing.MetricType == alert.MetricType && existing.Level == alert.Level {
			existing.Message = alert.Message
			existing.Value = alert.Value
			existing.Threshold = alert.Threshold
			existing.UpdatedAt = now
			raw, merr := json.Marshal(&existing)
			if merr != nil {
				return "", false, merr
			}
			return existing.ID, false, r.store.HSet(ctx, activeAlertsKey, existing.ID, string(raw))
		}
	}

	alert.ID = uuid.NewString()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	alert.Resolved = false
	raw, err := json.Marshal(&alert)
	if err != nil {
		return "", false, err
	}
	if err := r.store.HSet(ctx, activeAlertsKey, alert.ID, string(raw)); err != nil {
		return "", false, err
	}
	if _, err := r.store.HIncrBy(ctx, alertCountersKey, alert.Level, 1); err != nil {
		return alert.ID, true, err
	}
	return alert.ID, true, nil
}

func (r *RedisBackend) GetActiveAlerts(ctx context.Context) ([]Alert, error) {
	fields, err := r.store.HGetAll(ctx, activeAlertsKey)
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(fields))
	for _, raw := range fields {
		var a Alert
		if jerr := json.Unmarshal([]byte(raw), &a); jerr == nil && !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

// ResolveAlert marks the record resolved in place. The record stays in
// the hash for history, matching the memory backend; GetActiveAlerts
// filters on the flag.
func (r *RedisBackend) ResolveAlert(ctx context.Context, id string) error {
	raw, err := r.store.HGet(ctx, activeAlertsKey, id)
	if err != nil {
		if store.Nil(err) {
			return nil
		}
		return err
	}
	var a Alert
	if jerr := json.Unmarshal([]byte(raw), &a); jerr != nil {
		return jerr
	}
	a.Resolved = true
	a.UpdatedAt = time.Now()
	out, merr := json.Marshal(&a)
	if merr != nil {
		return merr
	}
	return r.store.HSet(ctx, activeAlertsKey, id, string(out))
}

func (r *RedisBackend) GetAlertCounters(ctx context.Context) (map[string]int64, error) {
	fields, err := r.store.HGetAll(ctx, alertCountersKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(fields))
	for level, raw := range fields {
		var n int64
		if jerr := json.Unmarshal([]byte(raw), &n); jerr == nil {
			out[level] = n
		}
	}
	return out, nil
}

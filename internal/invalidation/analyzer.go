package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Queue health bands by queue length.
const (
	HealthExcellent = "excellent"
	HealthAttention = "attention"
	HealthWarning   = "warning"
	HealthCritical  = "critical"
)

const (
	healthAttentionAt = 100
	healthWarningAt   = 500
	healthCriticalAt  = 1000
)

// Urgent action kinds.
const (
	ActionTimeoutCleanup = "timeout_cleanup"
	ActionQueueOverflow  = "queue_overflow"
	ActionRateMismatch   = "rate_mismatch"
)

// Recommendation proposes one index batch worth draining.
type Recommendation struct {
	Type            string  `json:"type"` // reason_batch, pattern_batch, user_batch, server_batch
	Key             string  `json:"key"`
	Count           int     `json:"count"`
	Priority        int     `json:"priority"`
	EstimatedImpact float64 `json:"estimated_impact"`
}

// Analysis is one snapshot of queue composition and flow.
type Analysis struct {
	QueueLength    int64
	Health         string
	OldestAgeS     float64
	ByReason       map[string]int
	ByPattern      map[string]int
	ByUser         map[int64]int
	ByServer       map[int64]int
	InRate         int64
	OutRate        int64
	GrowthRate     int64
	UrgentActions  []string
	Recommendations []Recommendation
}

func healthFor(length int64) string {
	switch {
	case length < healthAttentionAt:
		return HealthExcellent
	case length < healthWarningAt:
		return HealthAttention
	case length < healthCriticalAt:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// Analyze inspects up to limit oldest tasks, groups them per axis and
// derives health, urgent actions and drain recommendations.
func (e *Engine) Analyze(ctx context.Context, limit int) (*Analysis, error) {
	if limit <= 0 {
		limit = e.BatchSize()
	}
	length, err := e.store.ZCard(ctx, QueueKey)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.ZRangeWithScores(ctx, QueueKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		QueueLength: length,
		Health:      healthFor(length),
		ByReason:    make(map[string]int),
		ByPattern:   make(map[string]int),
		ByUser:      make(map[int64]int),
		ByServer:    make(map[int64]int),
	}

	for _, z := range raw {
		member, _ := z.Member.(string)
		var task Task
		if jerr := json.Unmarshal([]byte(member), &task); jerr != nil {
			continue
		}
		a.ByReason[task.Reason]++
		a.ByPattern[keyPattern(task.CacheKey)]++
		if task.UserID != 0 {
			a.ByUser[task.UserID]++
		}
		if task.ServerID != 0 {
			a.ByServer[task.ServerID]++
		}
		if age := nowSecondsSince(z.Score); age > a.OldestAgeS {
			a.OldestAgeS = age
		}
	}

	minute := minuteBucket(time.Now())
	prev := minuteBucket(time.Now().Add(-time.Minute))
	a.InRate = e.rateCount(ctx, "in_rate:"+minute) + e.rateCount(ctx, "in_rate:"+prev)
	a.OutRate = e.rateCount(ctx, "out_rate:"+minute) + e.rateCount(ctx, "out_rate:"+prev)
	a.GrowthRate = a.InRate - a.OutRate

	if a.OldestAgeS > e.maxTaskAge.Seconds() {
		a.UrgentActions = append(a.UrgentActions, ActionTimeoutCleanup)
	}
	if length >= healthCriticalAt {
		a.UrgentActions = append(a.UrgentActions, ActionQueueOverflow)
	}
	if a.GrowthRate > 0 && a.OutRate > 0 && a.InRate > 2*a.OutRate {
		a.UrgentActions = append(a.UrgentActions, ActionRateMismatch)
	}

	a.Recommendations = e.recommend(a)
	return a, nil
}

// recommend turns the axis groupings into batch proposals, largest
// groups first. Priority follows count; impact is the group's share of
// the sampled tasks.
func (e *Engine) recommend(a *Analysis) []Recommendation {
	sampled := 0
	for _, n := range a.ByReason {
		sampled += n
	}
	if sampled == 0 {
		return nil
	}

	var recs []Recommendation
	add := func(typ, key string, count int) {
		if count < 2 {
			return
		}
		recs = append(recs, Recommendation{
			Type:            typ,
			Key:             key,
			Count:           count,
			Priority:        count,
			EstimatedImpact: float64(count) / float64(sampled),
		})
	}
	for reason, n := range a.ByReason {
		add("reason_batch", reason, n)
	}
	for pattern, n := range a.ByPattern {
		add("pattern_batch", pattern, n)
	}
	for uid, n := range a.ByUser {
		add("user_batch", fmt.Sprintf("%d", uid), n)
	}
	for sid, n := range a.ByServer {
		add("server_batch", fmt.Sprintf("%d", sid), n)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].Key < recs[j].Key
	})
	return recs
}

package ml

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/bus"
	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// Optimization strategies scale how far one plan may move a parameter.
const (
	StrategyConservative = "conservative"
	StrategyAggressive   = "aggressive"
	StrategyAdaptive     = "adaptive"
)

// DefaultAutoApplyThreshold is the confidence gate a plan must clear.
const DefaultAutoApplyThreshold = 0.95

// DefaultTuningName is the config record the optimizer rewrites.
const DefaultTuningName = "permission_system"

// TuningStore is the slice of the resilience controller the optimizer
// needs: read/write the tuning record and respect operator overrides.
type TuningStore interface {
	GetTuningConfig(ctx context.Context, name string) primitives.TuningConfig
	SetTuningConfig(ctx context.Context, name string, cfg primitives.TuningConfig, useOverride bool) error
	HasOverride(ctx context.Context, kind, name string) bool
}

// ParameterRange bounds one tunable.
type ParameterRange struct {
	Min float64
	Max float64
}

// Tunable parameter names.
const (
	ParamConnectionPoolSize = "connection_pool_size"
	ParamSocketTimeout      = "socket_timeout"
	ParamLockTimeout        = "lock_timeout"
	ParamBatchSize          = "batch_size"
	ParamCacheMaxSize       = "cache_max_size"
)

// DefaultParameterRanges keeps any plan inside operationally sane bounds.
func DefaultParameterRanges() map[string]ParameterRange {
	return map[string]ParameterRange{
		ParamConnectionPoolSize: {Min: 5, Max: 100},
		ParamSocketTimeout:      {Min: 0.5, Max: 10},
		ParamLockTimeout:        {Min: 0.2, Max: 5},
		ParamBatchSize:          {Min: 10, Max: 500},
		ParamCacheMaxSize:       {Min: 1000, Max: 20000},
	}
}

// Plan is one proposed tuning rewrite with its provenance.
type Plan struct {
	Issues        []Prediction              `json:"issues"`
	Before        primitives.TuningConfig   `json:"before"`
	After         primitives.TuningConfig   `json:"after"`
	Changes       map[string]float64        `json:"changes"`
	AvgConfidence float64                   `json:"avg_confidence_score"`
	Applied       bool                      `json:"auto_applied"`
	Strategy      string                    `json:"strategy"`
}

// Callback observes every applied tuning config so in-process pools and
// batch sizes can follow.
type Callback func(cfg primitives.TuningConfig)

// Optimizer converts alarming predictions into bounded tuning plans and
// applies them only past the confidence gate with no operator override
// in the way.
type Optimizer struct {
	tuning    TuningStore
	bus       *bus.Bus
	ranges    map[string]ParameterRange
	strategy  string
	threshold float64
	name      string

	mu        sync.Mutex
	callbacks []Callback
	lastPlan  *Plan
}

// OptimizerOption tweaks construction.
type OptimizerOption func(*Optimizer)

func WithStrategy(s string) OptimizerOption          { return func(o *Optimizer) { o.strategy = s } }
func WithAutoApplyThreshold(v float64) OptimizerOption { return func(o *Optimizer) { o.threshold = v } }
func WithTuningName(name string) OptimizerOption     { return func(o *Optimizer) { o.name = name } }

func NewOptimizer(tuning TuningStore, b *bus.Bus, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		tuning:    tuning,
		bus:       b,
		ranges:    DefaultParameterRanges(),
		strategy:  StrategyAdaptive,
		threshold: DefaultAutoApplyThreshold,
		name:      DefaultTuningName,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterCallback adds a config-update observer. Callbacks run on the
// metrics feed goroutine after a successful apply.
func (o *Optimizer) RegisterCallback(cb Callback) {
	o.mu.Lock()
	o.callbacks = append(o.callbacks, cb)
	o.mu.Unlock()
}

// LastPlan returns the most recent plan, applied or suggested.
func (o *Optimizer) LastPlan() *Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPlan
}

// stepScale is the strategy's multiplier on every delta. Adaptive leans
// harder the worse the worst issue is.
func (o *Optimizer) stepScale(issues []Prediction) float64 {
	switch o.strategy {
	case StrategyConservative:
		return 0.5
	case StrategyAggressive:
		return 2.0
	}
	for _, issue := range issues {
		if issue.UrgencyLevel == UrgencyCritical {
			return 2.0
		}
	}
	return 1.0
}

// Evaluate inspects one round of predictions and, when critical or high
// urgency issues are present, proposes (and possibly applies) a plan.
// Returns nil when nothing is alarming.
func (o *Optimizer) Evaluate(ctx context.Context, preds []Prediction) *Plan {
	var issues []Prediction
	for _, p := range preds {
		if p.UrgencyLevel == UrgencyCritical || p.UrgencyLevel == UrgencyHigh {
			issues = append(issues, p)
		}
	}
	if len(issues) == 0 {
		return nil
	}

	before := o.tuning.GetTuningConfig(ctx, o.name)
	after, changes := o.propose(before, issues)
	if len(changes) == 0 {
		return nil
	}

	var sum float64
	for _, issue := range issues {
		sum += issue.ConfidenceScore
	}
	plan := &Plan{
		Issues:        issues,
		Before:        before,
		After:         after,
		Changes:       changes,
		AvgConfidence: sum / float64(len(issues)),
		Strategy:      o.strategy,
	}

	switch {
	case plan.AvgConfidence < o.threshold:
		slog.Info("[Optimizer] Plan below confidence gate, suggesting only",
			"avg_confidence", plan.AvgConfidence, "threshold", o.threshold, "changes", changes)
	case o.tuning.HasOverride(ctx, primitives.ConfigKindTuning, o.name):
		slog.Info("[Optimizer] Operator override active, suggesting only",
			"name", o.name, "changes", changes)
	default:
		if err := o.apply(ctx, plan); err != nil {
			slog.Warn("[Optimizer] Plan apply failed", "error", err)
		} else {
			plan.Applied = true
		}
	}

	o.mu.Lock()
	o.lastPlan = plan
	o.mu.Unlock()
	return plan
}

// propose maps each issue onto parameter deltas, clamped to ranges.
func (o *Optimizer) propose(before primitives.TuningConfig, issues []Prediction) (primitives.TuningConfig, map[string]float64) {
	scale := o.stepScale(issues)
	after := before

	for _, issue := range issues {
		switch issue.Metric {
		case primitives.MetricResponseTime:
			after.ConnectionPoolSize = clampInt(after.ConnectionPoolSize+int(5*scale), o.ranges[ParamConnectionPoolSize])
		case primitives.MetricErrorRate:
			after.SocketTimeout = clampFloat(after.SocketTimeout+0.5*scale, o.ranges[ParamSocketTimeout])
			after.LockTimeout = clampFloat(after.LockTimeout+0.2*scale, o.ranges[ParamLockTimeout])
		case primitives.MetricMemoryUsage:
			after.CacheMaxSize = clampInt(after.CacheMaxSize-int(1000*scale), o.ranges[ParamCacheMaxSize])
			after.BatchSize = clampInt(after.BatchSize-int(20*scale), o.ranges[ParamBatchSize])
		case primitives.MetricCacheHitRate:
			after.CacheMaxSize = clampInt(after.CacheMaxSize+int(1000*scale), o.ranges[ParamCacheMaxSize])
		case primitives.MetricQPS:
			after.ConnectionPoolSize = clampInt(after.ConnectionPoolSize+int(5*scale), o.ranges[ParamConnectionPoolSize])
			after.BatchSize = clampInt(after.BatchSize+int(20*scale), o.ranges[ParamBatchSize])
		}
	}

	changes := make(map[string]float64)
	if after.ConnectionPoolSize != before.ConnectionPoolSize {
		changes[ParamConnectionPoolSize] = float64(after.ConnectionPoolSize)
	}
	if after.SocketTimeout != before.SocketTimeout {
		changes[ParamSocketTimeout] = after.SocketTimeout
	}
	if after.LockTimeout != before.LockTimeout {
		changes[ParamLockTimeout] = after.LockTimeout
	}
	if after.BatchSize != before.BatchSize {
		changes[ParamBatchSize] = float64(after.BatchSize)
	}
	if after.CacheMaxSize != before.CacheMaxSize {
		changes[ParamCacheMaxSize] = float64(after.CacheMaxSize)
	}
	return after, changes
}

// apply writes the main config layer (never the override layer), then
// announces and fans out to callbacks. Publish failures are logged and
// do not undo the write.
func (o *Optimizer) apply(ctx context.Context, plan *Plan) error {
	if err := o.tuning.SetTuningConfig(ctx, o.name, plan.After, false); err != nil {
		return err
	}

	issueNames := make([]string, 0, len(plan.Issues))
	for _, issue := range plan.Issues {
		issueNames = append(issueNames, issue.Metric)
	}
	err := o.bus.Publish(ctx, primitives.ChannelMLAutoApplied, "ml.optimization.auto_applied",
		map[string]interface{}{
			"issues":               issueNames,
			"optimization_plan":    plan.Changes,
			"avg_confidence_score": plan.AvgConfidence,
			"timestamp":            float64(time.Now().UnixNano()) / 1e9,
			"auto_applied":         true,
		}, "ml")
	if err != nil {
		slog.Warn("[Optimizer] auto_applied publish failed", "error", err)
	}

	o.mu.Lock()
	cbs := append([]Callback(nil), o.callbacks...)
	o.mu.Unlock()
	for _, cb := range cbs {
		cb(plan.After)
	}
	slog.Info("[Optimizer] Plan auto-applied", "name", o.name,
		"avg_confidence", plan.AvgConfidence, "changes", plan.Changes)
	return nil
}

func clampInt(v int, r ParameterRange) int {
	if float64(v) < r.Min {
		return int(r.Min)
	}
	if float64(v) > r.Max {
		return int(r.Max)
	}
	return v
}

func clampFloat(v float64, r ParameterRange) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

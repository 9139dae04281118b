// Package system composes the permission platform behind one façade and
// owns its lifecycle. Callers check permissions here; everything else —
// caching, invalidation, resilience, tuning — happens behind it.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/U2SG/yoto-sub000/internal/abac"
	"github.com/U2SG/yoto-sub000/internal/cache"
	"github.com/U2SG/yoto-sub000/internal/invalidation"
	"github.com/U2SG/yoto-sub000/internal/ml"
	"github.com/U2SG/yoto-sub000/internal/monitor"
	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/rbac"
	"github.com/U2SG/yoto-sub000/internal/resilience"
)

// PermissionSystem is the façade over the permission platform.
type PermissionSystem struct {
	ctrl     *resilience.Controller
	cache    *cache.PermissionCache
	registry *rbac.Registry
	engine   *invalidation.Engine
	monitor  *monitor.PermissionMonitor

	abacClient *abac.Client
	abacPolicy string

	predictor *ml.Predictor
	optimizer *ml.Optimizer

	breakerNames  []string
	bulkheadNames []string

	checks   atomic.Int64
	failures atomic.Int64
}

// SystemOption tweaks façade construction.
type SystemOption func(*PermissionSystem)

// WithABAC attaches the external policy engine consulted on checks that
// carry an attribute context.
func WithABAC(client *abac.Client, policy string) SystemOption {
	return func(s *PermissionSystem) {
		s.abacClient = client
		s.abacPolicy = policy
	}
}

// WithML attaches the predictor and optimizer for suggestions.
func WithML(predictor *ml.Predictor, optimizer *ml.Optimizer) SystemOption {
	return func(s *PermissionSystem) {
		s.predictor = predictor
		s.optimizer = optimizer
	}
}

// WithResilienceNames declares the breaker and bulkhead names the stats
// snapshot should report on.
func WithResilienceNames(breakers, bulkheads []string) SystemOption {
	return func(s *PermissionSystem) {
		s.breakerNames = breakers
		s.bulkheadNames = bulkheads
	}
}

func NewPermissionSystem(ctrl *resilience.Controller, pc *cache.PermissionCache, registry *rbac.Registry, engine *invalidation.Engine, pm *monitor.PermissionMonitor, opts ...SystemOption) *PermissionSystem {
	s := &PermissionSystem{
		ctrl:     ctrl,
		cache:    pc,
		registry: registry,
		engine:   engine,
		monitor:  pm,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check is the primary data-plane operation. Infrastructure trouble
// never surfaces as an error here: the cache falls back to the source,
// a source failure denies and logs, and an ABAC engine failure falls
// back to the RBAC verdict. Only maintenance mode returns an error.
func (s *PermissionSystem) Check(ctx context.Context, userID int64, permission, scope string, scopeID int64, abacContext map[string]interface{}) (bool, error) {
	if s.ctrl.MaintenanceMode(ctx) {
		return false, fmt.Errorf("%w: permission checks suspended", primitives.ErrMaintenanceActive)
	}
	start := time.Now()
	s.checks.Add(1)
	defer s.recordLatency(ctx, start)

	allowed, err := s.cache.GetPermission(ctx, userID, permission, scope, scopeID)
	if err != nil {
		s.failures.Add(1)
		slog.Warn("[System] Permission resolution failed, denying",
			"user_id", userID, "permission", permission, "error", err)
		return false, nil
	}
	if !allowed {
		return false, nil
	}

	if len(abacContext) > 0 && s.abacClient != nil {
		decision, aerr := s.abacClient.Evaluate(ctx, s.abacPolicy, abac.Input{
			User:     userID,
			Resource: fmt.Sprintf("%s:%d", scope, scopeID),
			Action:   permission,
			Context:  abacContext,
		})
		if aerr != nil {
			slog.Warn("[System] ABAC engine unavailable, keeping RBAC verdict",
				"user_id", userID, "permission", permission, "error", aerr)
			return allowed, nil
		}
		return decision.Allow, nil
	}
	return allowed, nil
}

// BatchCheck resolves one permission for many users through the batch
// cache path. The ABAC hook does not apply to batch checks.
func (s *PermissionSystem) BatchCheck(ctx context.Context, userIDs []int64, permission, scope string, scopeID int64) (map[int64]bool, error) {
	if s.ctrl.MaintenanceMode(ctx) {
		return nil, fmt.Errorf("%w: permission checks suspended", primitives.ErrMaintenanceActive)
	}
	start := time.Now()
	s.checks.Add(int64(len(userIDs)))
	defer s.recordLatency(ctx, start)
	out, err := s.cache.BatchGetPermission(ctx, userIDs, permission, scope, scopeID)
	if err != nil {
		s.failures.Add(1)
	}
	return out, err
}

// Counters reports the cumulative check and resolution-failure counts;
// the lifecycle sampler turns their deltas into qps and error rate.
func (s *PermissionSystem) Counters() (checks, failures int64) {
	return s.checks.Load(), s.failures.Load()
}

func (s *PermissionSystem) recordLatency(ctx context.Context, start time.Time) {
	if s.monitor == nil {
		return
	}
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	if err := s.monitor.RecordResponseTime(ctx, ms); err != nil {
		slog.Debug("[System] Response time record failed", "error", err)
	}
}

// ---------------------------------------------------------------------
// Registry wrappers (control plane — errors surface to the caller)
// ---------------------------------------------------------------------

func (s *PermissionSystem) RegisterPermission(ctx context.Context, name, group, description string) (rbac.Permission, error) {
	return s.registry.EnsurePermission(ctx, name, group, description)
}

func (s *PermissionSystem) RegisterRole(ctx context.Context, name string, serverID int64, roleType string, priority int) (rbac.Role, error) {
	return s.registry.EnsureRole(ctx, name, serverID, roleType, priority)
}

// AssignPermissionToRole grants and invalidates everyone holding the role.
func (s *PermissionSystem) AssignPermissionToRole(ctx context.Context, roleID, permissionID int64, scopeType string, scopeID int64) error {
	if err := s.registry.AssignPermissionToRole(ctx, roleID, permissionID, scopeType, scopeID); err != nil {
		return err
	}
	return s.cache.InvalidateRole(ctx, roleID)
}

// RevokePermissionFromRole revokes and invalidates everyone holding the role.
func (s *PermissionSystem) RevokePermissionFromRole(ctx context.Context, roleID, permissionID int64) error {
	if err := s.registry.RevokePermissionFromRole(ctx, roleID, permissionID); err != nil {
		return err
	}
	return s.cache.InvalidateRole(ctx, roleID)
}

func (s *PermissionSystem) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	if err := s.registry.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

func (s *PermissionSystem) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	if err := s.registry.RemoveRoleFromUser(ctx, userID, roleID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

// ---------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------

func (s *PermissionSystem) InvalidateUser(ctx context.Context, userID int64) error {
	return s.cache.InvalidateUser(ctx, userID)
}

func (s *PermissionSystem) InvalidateRole(ctx context.Context, roleID int64) error {
	return s.cache.InvalidateRole(ctx, roleID)
}

func (s *PermissionSystem) BatchInvalidate(ctx context.Context, userIDs, roleIDs []int64) error {
	return s.cache.BatchInvalidate(ctx, userIDs, roleIDs)
}

// ScheduleInvalidation enqueues a delayed task instead of invalidating
// inline; the background processor drains it.
func (s *PermissionSystem) ScheduleInvalidation(ctx context.Context, userID int64, scope string, scopeID int64, reason string, serverID int64) error {
	key := primitives.UserPermKey(userID, scope, scopeID)
	return s.engine.AddDelayed(ctx, key, primitives.CacheLevelBoth, reason, userID, serverID)
}

func (s *PermissionSystem) RefreshUser(ctx context.Context, userID int64, scope string, scopeID int64) error {
	return s.cache.RefreshUser(ctx, userID, scope, scopeID)
}

// ---------------------------------------------------------------------
// Operations surface
// ---------------------------------------------------------------------

// SetMaintenanceMode flips the global kill switch.
func (s *PermissionSystem) SetMaintenanceMode(ctx context.Context, on bool) error {
	return s.ctrl.SetMaintenanceMode(ctx, on)
}

// SystemStats aggregates every component's counters for operators.
func (s *PermissionSystem) SystemStats(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"cache": s.cache.Stats(),
		"queue": s.engine.QueueStats(ctx),
	}
	out["resilience"] = s.ctrl.Snapshot(ctx, s.breakerNames, s.bulkheadNames)
	if s.monitor != nil {
		out["health"] = s.monitor.Health()
	}
	return out
}

// OptimizationSuggestions reports the current predictions and the last
// tuning plan, applied or not.
func (s *PermissionSystem) OptimizationSuggestions(ctx context.Context) map[string]interface{} {
	out := make(map[string]interface{})
	if s.predictor != nil {
		out["predictions"] = s.predictor.PredictAll(1)
	}
	if s.optimizer != nil {
		if plan := s.optimizer.LastPlan(); plan != nil {
			out["last_plan"] = plan
		}
	}
	return out
}

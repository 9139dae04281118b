package primitives

import "errors"

// Error kinds surfaced across the system. Data-plane calls never return
// infrastructure kinds to callers — they fall back and log; control-plane
// mutations surface them directly.
var (
	ErrStoreUnavailable  = errors.New("shared store unavailable")
	ErrStoreTimeout      = errors.New("shared store timeout")
	ErrStoreAuth         = errors.New("shared store authentication failed")
	ErrLockContention    = errors.New("distributed lock contention")
	ErrSerialization     = errors.New("serialization error")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrMaintenanceActive = errors.New("maintenance mode active")
	ErrBackendDegraded   = errors.New("backend degraded")
	ErrUpstreamFailure   = errors.New("upstream failure")
)

package primitives

import (
	"encoding/json"
	"time"
)

// Event channels carried by the bus.
const (
	ChannelResilienceEvents = "resilience:events"
	ChannelConfigUpdated    = "resilience:config_updated"
	ChannelCacheInvalidated = "resilience:cache_invalidated"
	ChannelMLAutoApplied    = "ml:optimization:auto_applied"
)

// Event is the wire envelope published on every channel.
type Event struct {
	EventName    string                 `json:"event_name"`
	Timestamp    float64                `json:"timestamp"`
	SourceModule string                 `json:"source_module"`
	Hostname     string                 `json:"hostname"`
	PID          int                    `json:"pid"`
	Payload      map[string]interface{} `json:"payload"`
}

// Marshal serializes the event as a single JSON message.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Time converts the float timestamp back to wall clock.
func (e *Event) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ConfigUpdate is the payload of a resilience:config_updated message.
type ConfigUpdate struct {
	ConfigType string `json:"config_type"`
	ConfigName string `json:"config_name"`
	Timestamp  float64 `json:"timestamp"`
}

// Circuit breaker event intents, produced inside the atomic transition so
// no reader ever observes a state without its event.
const (
	EventIntentNone     = "no_event"
	EventIntentOpen     = "state_changed_to_open"
	EventIntentHalfOpen = "state_changed_to_half_open"
	EventIntentClosed   = "state_changed_to_closed"
)

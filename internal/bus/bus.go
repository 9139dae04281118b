// Package bus carries typed events between processes over the shared
// store's Pub/Sub. It moves resilience state transitions, config-update
// notifications and ML decisions; consumers drive cache invalidation,
// impairment tracking and operator broadcast from it.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// Handler receives one decoded event. Handlers run on the subscription's
// reader goroutine; slow handlers delay later messages on that channel.
type Handler func(event *primitives.Event)

// Bus publishes and subscribes typed events.
type Bus struct {
	client   *store.Client
	hostname string
	pid      int
}

func New(client *store.Client) *Bus {
	host, _ := os.Hostname()
	return &Bus{client: client, hostname: host, pid: os.Getpid()}
}

// Publish constructs the standard envelope and sends a single JSON
// message. Publish failures are the caller's to swallow — the resilience
// wrappers log and continue, per the "events never roll back business
// actions" rule.
func (b *Bus) Publish(ctx context.Context, channel, eventName string, payload map[string]interface{}, source string) error {
	ev := &primitives.Event{
		EventName:    eventName,
		Timestamp:    float64(time.Now().UnixNano()) / 1e9,
		SourceModule: source,
		Hostname:     b.hostname,
		PID:          b.pid,
		Payload:      payload,
	}
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, data)
}

// Subscription is one live channel subscription.
type Subscription struct {
	channel string
	ready   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Ready is closed once the subscribe confirmation has arrived from the
// store, so tests can publish without racing the subscription.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Stop unsubscribes, joins the reader and closes resources. Buffered
// messages already received are dispatched before the reader exits.
func (s *Subscription) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Subscribe starts a background reader on channel dispatching decoded
// events to handler. Messages that fail to decode are logged and
// dropped.
func (b *Bus) Subscribe(channel string, handler Handler) (*Subscription, error) {
	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation before declaring readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &Subscription{
		channel: channel,
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(sub.ready)

	msgCh := pubsub.Channel()
	go func() {
		defer close(sub.done)
		defer pubsub.Close()
		for {
			select {
			case <-sub.stop:
				// Drain whatever the client already buffered.
				for {
					select {
					case msg, ok := <-msgCh:
						if !ok {
							return
						}
						dispatch(channel, msg.Payload, handler)
					default:
						return
					}
				}
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				dispatch(channel, msg.Payload, handler)
			}
		}
	}()

	return sub, nil
}

func dispatch(channel, payload string, handler Handler) {
	var ev primitives.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("[Bus] Dropping undecodable message", "channel", channel, "error", err)
		return
	}
	handler(&ev)
}

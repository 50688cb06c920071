package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Listener is the subset of storage.DB the broker needs. Only one goroutine
// may wait for notifications at a time, so the broker is the single owner of
// the LISTEN connection and routes every channel from one loop.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Reconnecter is implemented by listeners that can replace a lost
// connection and restore their LISTEN registrations.
type Reconnecter interface {
	ReconnectNotify(ctx context.Context) error
}

// HandlerFunc processes one notification payload.
type HandlerFunc func(ctx context.Context, payload string)

const retryDelay = time.Second

// Broker owns the Postgres LISTEN loop. Payloads on the notifications channel
// are decoded and fanned out to subscribers; other channels go to their
// registered handler. Events passed to Notify are fanned out directly, which
// serves deployments without a notify connection.
type Broker struct {
	db     Listener
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	subscribers map[chan Event]struct{}
}

// NewBroker creates a broker. db may be nil when no LISTEN connection is
// available; Start then only waits for ctx.
func NewBroker(db Listener, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		handlers:    make(map[string]HandlerFunc),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Handle registers h for channel. Register handlers before calling Start.
func (b *Broker) Handle(channel string, h HandlerFunc) {
	b.mu.Lock()
	b.handlers[channel] = h
	b.mu.Unlock()
}

// Start listens on the notifications channel and every handled channel, and
// dispatches notifications until ctx is cancelled. It blocks.
func (b *Broker) Start(ctx context.Context) error {
	if b.db == nil {
		<-ctx.Done()
		return nil
	}

	b.mu.RLock()
	channels := slices.Sorted(maps.Keys(b.handlers))
	b.mu.RUnlock()
	if !slices.Contains(channels, storage.ChannelNotifications) {
		channels = append(channels, storage.ChannelNotifications)
	}
	for _, ch := range channels {
		if err := b.db.Listen(ctx, ch); err != nil {
			return fmt.Errorf("notify: listen %s: %w", ch, err)
		}
	}
	b.logger.Info("broker: listening for notifications", "channels", channels)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			if r, ok := b.db.(Reconnecter); ok {
				if err := r.ReconnectNotify(ctx); err != nil {
					b.logger.Warn("broker: reconnect failed", "error", err)
				} else {
					b.logger.Info("broker: notify connection restored")
				}
			}
			continue
		}
		b.route(ctx, channel, payload)
	}
}

func (b *Broker) route(ctx context.Context, channel, payload string) {
	b.mu.RLock()
	h, ok := b.handlers[channel]
	b.mu.RUnlock()
	if ok {
		h(ctx, payload)
		return
	}
	if channel != storage.ChannelNotifications {
		b.logger.Debug("broker: no handler for channel", "channel", channel)
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("broker: malformed notification", "error", err)
		return
	}
	b.broadcast(ev)
}

// Notify fans ev out to the current subscribers. It never blocks and never fails.
func (b *Broker) Notify(_ context.Context, ev Event) error {
	b.broadcast(ev)
	return nil
}

// Subscribe returns a channel that receives every event. The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast skips subscribers whose buffer is full so one slow consumer
// cannot stall the listen loop.
func (b *Broker) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("broker: subscriber full, dropping event", "type", ev.Type)
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers each event to every notifier in order. All notifiers are
// tried; their errors are joined.
type Multi []Notifier

// Notify fans ev out to every notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maxPayload stays under the Postgres NOTIFY limit of 8000 bytes.
const maxPayload = 7900

// Publisher is the subset of storage.DB the PGNotifier needs.
type Publisher interface {
	Notify(ctx context.Context, channel, payload string) error
}

// PGNotifier publishes events as JSON on the notifications channel.
type PGNotifier struct {
	db Publisher
}

// NewPGNotifier creates a notifier that publishes through db.
func NewPGNotifier(db Publisher) *PGNotifier {
	return &PGNotifier{db: db}
}

// Notify publishes ev. An event too large for a NOTIFY payload is sent
// without its metadata and flagged as truncated.
func (n *PGNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if err := n.db.Notify(ctx, storage.ChannelNotifications, string(payload)); err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Type, err)
	}
	return nil
}

func encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal %s: %w", ev.Type, err)
	}
	if len(payload) <= maxPayload {
		return payload, nil
	}
	ev.Metadata = map[string]any{"truncated": true}
	payload, err = json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal %s: %w", ev.Type, err)
	}
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("notify: %s payload is %d bytes, limit %d", ev.Type, len(payload), maxPayload)
	}
	return payload, nil
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Subjects used by the NATS transport, relative to the configured prefix.
const (
	tasksSubjectFormat = "%s.agents.%s.tasks"
	completionsSuffix  = ".completions"

	flushTimeout = 5 * time.Second
)

// NATSPublisher publishes task envelopes to agent-specific subjects. The
// message's reply subject points at the completions subject, and the
// caller's trace context travels in the headers.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on nc. prefix namespaces every subject.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// TaskSubject returns the subject env is published on.
func (p *NATSPublisher) TaskSubject(env Envelope) string {
	return fmt.Sprintf(tasksSubjectFormat, p.prefix, env.AgentID)
}

// Publish sends env and flushes so a lost connection surfaces as an error.
func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatch: marshal envelope: %w", err)
	}
	msg := nats.NewMsg(p.TaskSubject(env))
	msg.Reply = CompletionsSubject(p.prefix)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("dispatch: nats publish: %w", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("dispatch: nats flush: %w", err)
	}
	return nil
}

// CompletionsSubject returns the subject executors report completions on.
func CompletionsSubject(prefix string) string {
	return prefix + completionsSuffix
}

// SubscribeCompletions applies every completion published under prefix. The
// returned subscription should be drained on shutdown.
func SubscribeCompletions(ctx context.Context, nc *nats.Conn, prefix string, r *Router, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(CompletionsSubject(prefix), func(m *nats.Msg) {
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(m.Header))

		var c Completion
		if err := json.Unmarshal(m.Data, &c); err != nil {
			logger.Warn("dispatch: malformed nats completion", "subject", m.Subject, "error", err)
			return
		}
		applied, err := r.Complete(msgCtx, c)
		if err != nil {
			logger.Error("dispatch: apply nats completion", "task_id", c.TaskID, "error", err)
		}
		if m.Reply != "" {
			ack, _ := json.Marshal(map[string]any{"applied": applied, "ok": err == nil})
			_ = m.Respond(ack)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: subscribe completions: %w", err)
	}
	return sub, nil
}

package tsumugi

import "context"

// NotificationSink delivers autonomy notifications to an external channel.
// Register one with WithNotificationSink.
//
// Deliver runs on the caller's goroutine inside approval operations; keep it
// fast or hand off to a queue. Errors are logged and never fail the approval
// operation that produced the notification.
type NotificationSink interface {
	Deliver(ctx context.Context, n Notification) error
}

// NotificationSinkFunc adapts an ordinary function to a NotificationSink.
type NotificationSinkFunc func(ctx context.Context, n Notification) error

// Deliver calls f(ctx, n).
func (f NotificationSinkFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

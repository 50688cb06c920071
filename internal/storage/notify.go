package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// Postgres LISTEN/NOTIFY channel names.
const (
	// ChannelCompletions carries JSON agent-task completion callbacks posted
	// by external executors.
	ChannelCompletions = "tsumugi_completions"
	// ChannelNotifications carries autonomy notification events for the
	// external delivery system.
	ChannelNotifications = "tsumugi_notifications"
)

var errNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen starts listening on channel using the dedicated notify connection.
// The channel is remembered and listened on again after ReconnectNotify.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return errNoNotifyConn
	}
	if err := listen(ctx, db.notifyConn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.channels, channel) {
		db.channels = append(db.channels, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload. Only one goroutine may wait at a time.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", errNoNotifyConn
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// ReconnectNotify replaces a lost notify connection and re-issues LISTEN for
// every channel listened on so far. Notifications sent while disconnected
// are lost.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return errNoNotifyConn
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}

	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	for _, ch := range db.channels {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
	}
	db.notifyConn = conn
	return nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// Notify sends a notification on the specified channel. Postgres limits
// payloads to just under 8000 bytes.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

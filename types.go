package tsumugi

import (
	"time"

	"github.com/google/uuid"
)

// Notification types delivered to a NotificationSink.
const (
	NotificationPendingApproval      = "pending_approval"
	NotificationActionApproved       = "action_approved"
	NotificationActionRejected       = "action_rejected"
	NotificationActionExpired        = "action_expired"
	NotificationAutonomyLevelChanged = "autonomy_level_changed"
	NotificationDailyDigest          = "daily_digest"
	NotificationHighPendingCount     = "high_pending_count"
	NotificationCriticalAction       = "critical_action"
	NotificationActionFailed         = "action_failed"
)

// Notification is the public representation of an autonomy notification.
// No internal package imports; safe to use from outside the module.
type Notification struct {
	Type          string
	WorkspaceID   uuid.UUID
	TeamID        *uuid.UUID
	TargetUserIDs []string
	Title         string
	Message       string
	ActionURL     string
	ActionLabel   string
	Metadata      map[string]any
	CreatedAt     time.Time
}

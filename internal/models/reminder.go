package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reminder represents a scheduled notification intent derived from an
// event or covenant test deadline. Reminders are never independently
// authored; they exist only as a projection of a deadline plus an alert
// threshold configuration.
type Reminder struct {
	ID           uuid.UUID
	FacilityID   uuid.UUID
	RefKind      ReminderRef
	RefID        uuid.UUID
	Channel      ReminderChannel
	TargetUsers  []string
	TargetRoles  []string
	DaysBefore   int
	ScheduledFor time.Time
	IsSent       bool
	Skipped      bool
	SentAt       *time.Time
	CreatedAt    time.Time
}

// Key identifies a reminder by (ref, channel, scheduled_for), matching
// the reminders table's uniqueness; replanning never duplicates an
// identical key. Audiences are not part of the identity: thresholds that
// land on the same key are merged into one reminder.
func (r *Reminder) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d",
		r.RefKind, r.RefID, r.Channel, r.ScheduledFor.UTC().Unix())
}

// AlertThreshold is one enabled reminder offset in a facility's alert
// configuration.
type AlertThreshold struct {
	DaysBefore  int
	Channel     ReminderChannel
	TargetUsers []string
	TargetRoles []string
	Enabled     bool
}

// AlertThresholdConfig holds the reminder offsets applied to every
// deadline of a facility.
type AlertThresholdConfig struct {
	Thresholds []AlertThreshold
}

// DefaultAlertConfig returns the stock reminder ladder used when a
// facility has no bespoke configuration.
func DefaultAlertConfig() AlertThresholdConfig {
	return AlertThresholdConfig{Thresholds: []AlertThreshold{
		{DaysBefore: 30, Channel: ChannelEmail, TargetRoles: []string{"agent"}, Enabled: true},
		{DaysBefore: 14, Channel: ChannelEmail, TargetRoles: []string{"agent", "borrower"}, Enabled: true},
		{DaysBefore: 7, Channel: ChannelInApp, TargetRoles: []string{"agent", "borrower"}, Enabled: true},
		{DaysBefore: 1, Channel: ChannelEmail, TargetRoles: []string{"agent", "borrower"}, Enabled: true},
	}}
}

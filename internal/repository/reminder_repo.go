package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/models"
)

const reminderColumns = `id, facility_id, ref_kind, ref_id, channel, target_users, target_roles,
	days_before, scheduled_for, is_sent, skipped, sent_at, created_at`

// ReminderRepository handles reminder data access.
type ReminderRepository struct {
	pool *pgxpool.Pool
}

// NewReminderRepository creates a new reminder repository.
func NewReminderRepository(pool *pgxpool.Pool) *ReminderRepository {
	return &ReminderRepository{pool: pool}
}

// InsertMany persists planned reminders. Replanning reuses this with
// ON CONFLICT DO NOTHING so an already planned (ref, channel, date)
// never duplicates.
func (r *ReminderRepository) InsertMany(ctx context.Context, reminders []*models.Reminder) error {
	for _, reminder := range reminders {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO reminders (
				facility_id, ref_kind, ref_id, channel, target_users, target_roles,
				days_before, scheduled_for, is_sent, skipped
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (ref_kind, ref_id, channel, scheduled_for) DO NOTHING`,
			reminder.FacilityID,
			reminder.RefKind,
			reminder.RefID,
			reminder.Channel,
			reminder.TargetUsers,
			reminder.TargetRoles,
			reminder.DaysBefore,
			reminder.ScheduledFor,
			reminder.IsSent,
			reminder.Skipped,
		)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

// ListByRef retrieves all reminders planned against a deadline source.
func (r *ReminderRepository) ListByRef(ctx context.Context, kind models.ReminderRef, refID uuid.UUID) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE ref_kind = $1 AND ref_id = $2 ORDER BY scheduled_for`

	return r.scanMany(ctx, query, kind, refID)
}

// ListByFacility retrieves all reminders for a facility.
func (r *ReminderRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE facility_id = $1 ORDER BY scheduled_for`

	return r.scanMany(ctx, query, facilityID)
}

// ListDue retrieves a facility's unsent, unskipped reminders scheduled on
// or before the given date.
func (r *ReminderRepository) ListDue(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE facility_id = $1 AND NOT is_sent AND NOT skipped AND scheduled_for <= $2
		ORDER BY scheduled_for`

	return r.scanMany(ctx, query, facilityID, asOf)
}

// MarkSent records that a reminder fired. Sent reminders survive all
// subsequent replans.
func (r *ReminderRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `UPDATE reminders SET is_sent = true, sent_at = $2 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, sentAt)
	return err
}

// DeletePending removes a deadline source's unsent reminders that a
// replan no longer produces. Sent reminders are never removed.
func (r *ReminderRepository) DeletePending(ctx context.Context, kind models.ReminderRef, refID uuid.UUID, keepIDs []uuid.UUID) error {
	query := `
		DELETE FROM reminders
		WHERE ref_kind = $1 AND ref_id = $2 AND NOT is_sent AND NOT (id = ANY($3))`

	if keepIDs == nil {
		keepIDs = []uuid.UUID{}
	}
	_, err := r.pool.Exec(ctx, query, kind, refID, keepIDs)
	return err
}

func (r *ReminderRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.Reminder, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*models.Reminder
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, m)
	}

	return reminders, rows.Err()
}

func (r *ReminderRepository) scan(s scanner) (*models.Reminder, error) {
	var m models.Reminder

	err := s.Scan(
		&m.ID,
		&m.FacilityID,
		&m.RefKind,
		&m.RefID,
		&m.Channel,
		&m.TargetUsers,
		&m.TargetRoles,
		&m.DaysBefore,
		&m.ScheduledFor,
		&m.IsSent,
		&m.Skipped,
		&m.SentAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

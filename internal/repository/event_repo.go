package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/models"
)

const eventColumns = `id, obligation_id, facility_id, period_start, period_end,
	deadline_date, grace_deadline_date, status,
	submitted_at, submitted_by, submission_notes,
	reviewed_at, reviewed_by, review_notes,
	created_at, updated_at`

// EventFilter narrows event listings.
type EventFilter struct {
	ObligationID   *uuid.UUID
	Status         *models.EventStatus
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
	Limit          int
	Offset         int
}

// EventRepository handles compliance event data access.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new event repository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Upsert inserts a generated event. The (obligation_id, period_end) pair
// is unique; an already materialized period is left untouched and (nil,
// nil) is returned so generation stays idempotent under races.
func (r *EventRepository) Upsert(ctx context.Context, event *models.ComplianceEvent) (*models.ComplianceEvent, error) {
	query := `
		INSERT INTO compliance_events (
			obligation_id, facility_id, period_start, period_end, deadline_date, grace_deadline_date, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (obligation_id, period_end) DO NOTHING
		RETURNING ` + eventColumns

	row := r.pool.QueryRow(ctx, query,
		event.ObligationID,
		event.FacilityID,
		event.PeriodStart,
		event.PeriodEnd,
		event.DeadlineDate,
		event.GraceDeadlineDate,
		event.Status,
	)

	created, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return created, err
}

// GetByID retrieves an event by ID.
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ComplianceEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM compliance_events WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	event, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return event, err
}

// ListByFacility retrieves events for a facility with filters.
func (r *EventRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID, filter EventFilter) ([]*models.ComplianceEvent, error) {
	var conditions []string
	var args []any
	argNum := 1

	conditions = append(conditions, fmt.Sprintf("facility_id = $%d", argNum))
	args = append(args, facilityID)
	argNum++

	if filter.ObligationID != nil {
		conditions = append(conditions, fmt.Sprintf("obligation_id = $%d", argNum))
		args = append(args, *filter.ObligationID)
		argNum++
	}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, *filter.Status)
		argNum++
	}

	if filter.DeadlineBefore != nil {
		conditions = append(conditions, fmt.Sprintf("deadline_date < $%d", argNum))
		args = append(args, *filter.DeadlineBefore)
		argNum++
	}

	if filter.DeadlineAfter != nil {
		conditions = append(conditions, fmt.Sprintf("deadline_date >= $%d", argNum))
		args = append(args, *filter.DeadlineAfter)
		argNum++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM compliance_events
		WHERE %s
		ORDER BY deadline_date
		LIMIT $%d OFFSET $%d`,
		eventColumns,
		strings.Join(conditions, " AND "),
		argNum,
		argNum+1,
	)
	args = append(args, limit, offset)

	return r.scanMany(ctx, query, args...)
}

// ListByObligation retrieves every event generated from a template.
func (r *EventRepository) ListByObligation(ctx context.Context, obligationID uuid.UUID) ([]*models.ComplianceEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM compliance_events WHERE obligation_id = $1 ORDER BY period_end`

	return r.scanMany(ctx, query, obligationID)
}

// ListClockDriven retrieves a facility's events whose status can still
// advance purely with the passage of time.
func (r *EventRepository) ListClockDriven(ctx context.Context, facilityID uuid.UUID) ([]*models.ComplianceEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM compliance_events
		WHERE facility_id = $1 AND status IN ('upcoming', 'due_soon', 'overdue')
		ORDER BY deadline_date`

	return r.scanMany(ctx, query, facilityID)
}

// UpdateStatus updates an event's status.
func (r *EventRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.EventStatus) error {
	query := `UPDATE compliance_events SET status = $2, updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, status)
	return err
}

// RecordSubmission records a deliverable submission against an event.
func (r *EventRepository) RecordSubmission(ctx context.Context, id uuid.UUID, submittedBy string, notes *string, submittedAt time.Time) (*models.ComplianceEvent, error) {
	query := `
		UPDATE compliance_events
		SET status = 'submitted', submitted_at = $2, submitted_by = $3, submission_notes = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + eventColumns

	row := r.pool.QueryRow(ctx, query, id, submittedAt, submittedBy, notes)
	event, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return event, err
}

// RecordReview records a review decision against a submitted event.
func (r *EventRepository) RecordReview(ctx context.Context, id uuid.UUID, status models.EventStatus, reviewedBy string, notes *string, reviewedAt time.Time) (*models.ComplianceEvent, error) {
	query := `
		UPDATE compliance_events
		SET status = $2, reviewed_at = $3, reviewed_by = $4, review_notes = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + eventColumns

	row := r.pool.QueryRow(ctx, query, id, status, reviewedAt, reviewedBy, notes)
	event, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return event, err
}

func (r *EventRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.ComplianceEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query compliance events: %w", err)
	}
	defer rows.Close()

	var events []*models.ComplianceEvent
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compliance event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (r *EventRepository) scan(s scanner) (*models.ComplianceEvent, error) {
	var e models.ComplianceEvent

	err := s.Scan(
		&e.ID,
		&e.ObligationID,
		&e.FacilityID,
		&e.PeriodStart,
		&e.PeriodEnd,
		&e.DeadlineDate,
		&e.GraceDeadlineDate,
		&e.Status,
		&e.SubmittedAt,
		&e.SubmittedBy,
		&e.SubmissionNotes,
		&e.ReviewedAt,
		&e.ReviewedBy,
		&e.ReviewNotes,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

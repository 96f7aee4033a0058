package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/models"
)

const waiverColumns = `id, facility_id, target_kind, target_id, waiver_type, period_start, period_end,
	required_consent, status, requested_by, requested_at, resolved_at, resolved_by, notes,
	created_at, updated_at`

// WaiverRepository handles waiver data access.
type WaiverRepository struct {
	pool *pgxpool.Pool
}

// NewWaiverRepository creates a new waiver repository.
func NewWaiverRepository(pool *pgxpool.Pool) *WaiverRepository {
	return &WaiverRepository{pool: pool}
}

// Create records a waiver request.
func (r *WaiverRepository) Create(ctx context.Context, params models.CreateWaiverParams, requestedAt time.Time) (*models.Waiver, error) {
	query := `
		INSERT INTO waivers (
			facility_id, target_kind, target_id, waiver_type, period_start, period_end,
			required_consent, requested_by, requested_at, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + waiverColumns

	row := r.pool.QueryRow(ctx, query,
		params.FacilityID,
		params.TargetKind,
		params.TargetID,
		params.WaiverType,
		params.PeriodStart,
		params.PeriodEnd,
		params.RequiredConsent,
		params.RequestedBy,
		requestedAt,
		params.Notes,
	)

	return r.scan(row)
}

// GetByID retrieves a waiver by ID.
func (r *WaiverRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Waiver, error) {
	query := `SELECT ` + waiverColumns + ` FROM waivers WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	waiver, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return waiver, err
}

// ListByFacility retrieves all waivers for a facility.
func (r *WaiverRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.Waiver, error) {
	query := `SELECT ` + waiverColumns + ` FROM waivers WHERE facility_id = $1 ORDER BY requested_at`

	return r.scanMany(ctx, query, facilityID)
}

// ListApprovedOverlapping retrieves approved waivers of the same type for
// the same target whose windows intersect the given range. Used to reject
// double-coverage before an approval is recorded.
func (r *WaiverRepository) ListApprovedOverlapping(ctx context.Context, kind models.WaiverTarget, targetID uuid.UUID, waiverType string, periodStart, periodEnd time.Time) ([]*models.Waiver, error) {
	query := `
		SELECT ` + waiverColumns + `
		FROM waivers
		WHERE target_kind = $1 AND target_id = $2 AND waiver_type = $3
			AND status = 'approved'
			AND period_start <= $5 AND period_end >= $4`

	return r.scanMany(ctx, query, kind, targetID, waiverType, periodStart, periodEnd)
}

// Resolve records a decision on a requested waiver. Only a waiver still in
// the requested status is resolvable; a second decision finds no row and
// returns (nil, nil).
func (r *WaiverRepository) Resolve(ctx context.Context, id uuid.UUID, status models.WaiverStatus, resolvedBy string, notes *string, resolvedAt time.Time) (*models.Waiver, error) {
	query := `
		UPDATE waivers
		SET status = $2, resolved_at = $3, resolved_by = $4,
			notes = COALESCE($5, notes), updated_at = NOW()
		WHERE id = $1 AND status = 'requested'
		RETURNING ` + waiverColumns

	row := r.pool.QueryRow(ctx, query, id, status, resolvedAt, resolvedBy, notes)
	waiver, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return waiver, err
}

// ExpireElapsed marks a facility's waivers whose windows have ended as
// expired and returns them for downstream status recomputes. Both
// approved waivers and requests never decided before their window lapsed
// expire.
func (r *WaiverRepository) ExpireElapsed(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Waiver, error) {
	query := `
		UPDATE waivers
		SET status = 'expired', updated_at = NOW()
		WHERE facility_id = $1 AND status IN ('approved', 'requested') AND period_end < $2
		RETURNING ` + waiverColumns

	return r.scanMany(ctx, query, facilityID, asOf)
}

// Supersede marks a waiver as replaced by a newer grant.
func (r *WaiverRepository) Supersede(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE waivers SET status = 'superseded', updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func (r *WaiverRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.Waiver, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waivers: %w", err)
	}
	defer rows.Close()

	var waivers []*models.Waiver
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waiver: %w", err)
		}
		waivers = append(waivers, w)
	}

	return waivers, rows.Err()
}

func (r *WaiverRepository) scan(s scanner) (*models.Waiver, error) {
	var w models.Waiver

	err := s.Scan(
		&w.ID,
		&w.FacilityID,
		&w.TargetKind,
		&w.TargetID,
		&w.WaiverType,
		&w.PeriodStart,
		&w.PeriodEnd,
		&w.RequiredConsent,
		&w.Status,
		&w.RequestedBy,
		&w.RequestedAt,
		&w.ResolvedAt,
		&w.ResolvedBy,
		&w.Notes,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &w, nil
}

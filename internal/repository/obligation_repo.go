package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/models"
)

const obligationColumns = `id, facility_id, source_document_id, obligation_type, frequency, reference_point,
	deadline_days, deadline_business_days, fixed_deadline_dates, grace_period_days,
	is_active, activated_on, created_at, updated_at`

// ObligationRepository handles obligation template data access.
type ObligationRepository struct {
	pool *pgxpool.Pool
}

// NewObligationRepository creates a new obligation repository.
func NewObligationRepository(pool *pgxpool.Pool) *ObligationRepository {
	return &ObligationRepository{pool: pool}
}

// Create imports a new obligation template.
func (r *ObligationRepository) Create(ctx context.Context, params models.CreateObligationParams) (*models.ObligationTemplate, error) {
	query := `
		INSERT INTO obligation_templates (
			facility_id, source_document_id, obligation_type, frequency, reference_point,
			deadline_days, deadline_business_days, fixed_deadline_dates, grace_period_days, activated_on
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + obligationColumns

	row := r.pool.QueryRow(ctx, query,
		params.FacilityID,
		params.SourceDocumentID,
		params.ObligationType,
		params.Frequency,
		params.ReferencePoint,
		params.DeadlineDays,
		params.DeadlineBusinessDays,
		params.FixedDeadlineDates,
		params.GracePeriodDays,
		params.ActivatedOn,
	)

	return r.scan(row)
}

// GetByID retrieves an obligation template by ID.
func (r *ObligationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ObligationTemplate, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligation_templates WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	tmpl, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return tmpl, err
}

// ListByFacility retrieves obligation templates for a facility.
func (r *ObligationRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID, activeOnly bool) ([]*models.ObligationTemplate, error) {
	conditions := []string{"facility_id = $1"}
	args := []any{facilityID}

	if activeOnly {
		conditions = append(conditions, "is_active")
	}

	query := fmt.Sprintf(`SELECT %s FROM obligation_templates WHERE %s ORDER BY created_at`,
		obligationColumns, strings.Join(conditions, " AND "))

	return r.scanMany(ctx, query, args...)
}

// Update applies a forward-looking edit to a template. Already generated
// events are left alone; the next recompute picks the new terms up for
// future periods only.
func (r *ObligationRepository) Update(ctx context.Context, id uuid.UUID, params models.UpdateObligationParams) (*models.ObligationTemplate, error) {
	var sets []string
	var args []any
	argNum := 1

	if params.DeadlineDays != nil {
		sets = append(sets, fmt.Sprintf("deadline_days = $%d", argNum))
		args = append(args, *params.DeadlineDays)
		argNum++
	}
	if params.DeadlineBusinessDays != nil {
		sets = append(sets, fmt.Sprintf("deadline_business_days = $%d", argNum))
		args = append(args, *params.DeadlineBusinessDays)
		argNum++
	}
	if params.GracePeriodDays != nil {
		sets = append(sets, fmt.Sprintf("grace_period_days = $%d", argNum))
		args = append(args, *params.GracePeriodDays)
		argNum++
	}
	if params.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", argNum))
		args = append(args, *params.IsActive)
		argNum++
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	sets = append(sets, "updated_at = NOW()")
	query := fmt.Sprintf(`UPDATE obligation_templates SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), argNum, obligationColumns)
	args = append(args, id)

	row := r.pool.QueryRow(ctx, query, args...)
	tmpl, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return tmpl, err
}

func (r *ObligationRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.ObligationTemplate, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query obligation templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.ObligationTemplate
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation template: %w", err)
		}
		templates = append(templates, t)
	}

	return templates, rows.Err()
}

func (r *ObligationRepository) scan(s scanner) (*models.ObligationTemplate, error) {
	var t models.ObligationTemplate

	err := s.Scan(
		&t.ID,
		&t.FacilityID,
		&t.SourceDocumentID,
		&t.ObligationType,
		&t.Frequency,
		&t.ReferencePoint,
		&t.DeadlineDays,
		&t.DeadlineBusinessDays,
		&t.FixedDeadlineDates,
		&t.GracePeriodDays,
		&t.IsActive,
		&t.ActivatedOn,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

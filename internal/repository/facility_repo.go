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

const facilityColumns = `id, borrower_name, maturity_date, fiscal_year_end_month, fiscal_year_end_day,
	reporting_currency, status, status_override, created_at, updated_at`

// FacilityRepository handles facility data access.
type FacilityRepository struct {
	pool *pgxpool.Pool
}

// NewFacilityRepository creates a new facility repository.
func NewFacilityRepository(pool *pgxpool.Pool) *FacilityRepository {
	return &FacilityRepository{pool: pool}
}

// Create creates a new facility.
func (r *FacilityRepository) Create(ctx context.Context, params models.CreateFacilityParams) (*models.Facility, error) {
	query := `
		INSERT INTO facilities (
			borrower_name, maturity_date, fiscal_year_end_month, fiscal_year_end_day, reporting_currency
		)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + facilityColumns

	row := r.pool.QueryRow(ctx, query,
		params.BorrowerName,
		params.MaturityDate,
		int(params.FiscalYearEndMonth),
		params.FiscalYearEndDay,
		params.ReportingCurrency,
	)

	return r.scan(row)
}

// GetByID retrieves a facility by ID.
func (r *FacilityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Facility, error) {
	query := `SELECT ` + facilityColumns + ` FROM facilities WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	facility, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return facility, err
}

// List retrieves facilities, optionally filtered by effective status.
func (r *FacilityRepository) List(ctx context.Context, status *models.FacilityStatus) ([]*models.Facility, error) {
	var conditions []string
	var args []any

	if status != nil {
		conditions = append(conditions, "COALESCE(status_override, status) = $1")
		args = append(args, *status)
	}

	query := `SELECT ` + facilityColumns + ` FROM facilities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	return r.scanMany(ctx, query, args...)
}

// ListMonitored retrieves facilities participating in recompute ticks,
// which is every facility whose effective status is not closed.
func (r *FacilityRepository) ListMonitored(ctx context.Context) ([]*models.Facility, error) {
	query := `SELECT ` + facilityColumns + `
		FROM facilities
		WHERE COALESCE(status_override, status) <> 'closed'
		ORDER BY created_at`

	return r.scanMany(ctx, query)
}

// Update applies a partial update to a facility.
func (r *FacilityRepository) Update(ctx context.Context, id uuid.UUID, params models.UpdateFacilityParams) (*models.Facility, error) {
	var sets []string
	var args []any
	argNum := 1

	if params.BorrowerName != nil {
		sets = append(sets, fmt.Sprintf("borrower_name = $%d", argNum))
		args = append(args, *params.BorrowerName)
		argNum++
	}
	if params.MaturityDate != nil {
		sets = append(sets, fmt.Sprintf("maturity_date = $%d", argNum))
		args = append(args, *params.MaturityDate)
		argNum++
	}
	if params.StatusOverride != nil {
		sets = append(sets, fmt.Sprintf("status_override = $%d", argNum))
		args = append(args, *params.StatusOverride)
		argNum++
	} else if params.ClearOverride {
		sets = append(sets, "status_override = NULL")
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	sets = append(sets, "updated_at = NOW()")
	query := fmt.Sprintf(`UPDATE facilities SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), argNum, facilityColumns)
	args = append(args, id)

	row := r.pool.QueryRow(ctx, query, args...)
	facility, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return facility, err
}

// UpdateDerivedStatus stores the engine-derived status. The override
// column is untouched so an administrative force survives recomputes.
func (r *FacilityRepository) UpdateDerivedStatus(ctx context.Context, id uuid.UUID, status models.FacilityStatus) error {
	query := `UPDATE facilities SET status = $2, updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, status)
	return err
}

func (r *FacilityRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.Facility, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facilities: %w", err)
	}
	defer rows.Close()

	var facilities []*models.Facility
	for rows.Next() {
		f, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan facility: %w", err)
		}
		facilities = append(facilities, f)
	}

	return facilities, rows.Err()
}

func (r *FacilityRepository) scan(s scanner) (*models.Facility, error) {
	var f models.Facility
	var fyeMonth int

	err := s.Scan(
		&f.ID,
		&f.BorrowerName,
		&f.MaturityDate,
		&fyeMonth,
		&f.FiscalYearEndDay,
		&f.ReportingCurrency,
		&f.Status,
		&f.StatusOverride,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.FiscalYearEndMonth = time.Month(fyeMonth)
	return &f, nil
}

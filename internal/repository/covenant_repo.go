package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/db"
	"covtrack/internal/models"
)

const covenantColumns = `id, facility_id, source_document_id, covenant_type, threshold_type,
	testing_frequency, testing_basis, has_equity_cure, cure_period_days,
	max_cures, consecutive_cure_limit, is_active, created_at, updated_at`

// CovenantRepository handles covenant data access. The threshold schedule
// lives in its own table and is loaded with every covenant read.
type CovenantRepository struct {
	pool *pgxpool.Pool
	db   *db.DB
}

// NewCovenantRepository creates a new covenant repository.
func NewCovenantRepository(database *db.DB) *CovenantRepository {
	return &CovenantRepository{pool: database.Pool(), db: database}
}

// Create imports a covenant together with its threshold schedule in one
// transaction.
func (r *CovenantRepository) Create(ctx context.Context, params models.CreateCovenantParams) (*models.Covenant, error) {
	return db.WithTxResult(ctx, r.db, func(tx pgx.Tx) (*models.Covenant, error) {
		query := `
			INSERT INTO covenants (
				facility_id, source_document_id, covenant_type, threshold_type,
				testing_frequency, testing_basis, has_equity_cure, cure_period_days,
				max_cures, consecutive_cure_limit
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING ` + covenantColumns

		row := tx.QueryRow(ctx, query,
			params.FacilityID,
			params.SourceDocumentID,
			params.CovenantType,
			params.ThresholdType,
			params.TestingFrequency,
			params.TestingBasis,
			params.HasEquityCure,
			params.CurePeriodDays,
			params.MaxCures,
			params.ConsecutiveCureLimit,
		)

		covenant, err := r.scan(row)
		if err != nil {
			return nil, err
		}

		for _, step := range params.ThresholdSchedule {
			_, err := tx.Exec(ctx, `
				INSERT INTO covenant_threshold_steps (covenant_id, effective_from, threshold_value)
				VALUES ($1, $2, $3)`,
				covenant.ID, step.EffectiveFrom, step.Value)
			if err != nil {
				return nil, fmt.Errorf("insert threshold step: %w", err)
			}
		}

		covenant.ThresholdSchedule = params.ThresholdSchedule
		return covenant, nil
	})
}

// GetByID retrieves a covenant with its threshold schedule.
func (r *CovenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Covenant, error) {
	query := `SELECT ` + covenantColumns + ` FROM covenants WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	covenant, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadSchedules(ctx, []*models.Covenant{covenant}); err != nil {
		return nil, err
	}
	return covenant, nil
}

// ListByFacility retrieves covenants for a facility with their schedules.
func (r *CovenantRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID, activeOnly bool) ([]*models.Covenant, error) {
	conditions := []string{"facility_id = $1"}
	args := []any{facilityID}

	if activeOnly {
		conditions = append(conditions, "is_active")
	}

	query := fmt.Sprintf(`SELECT %s FROM covenants WHERE %s ORDER BY created_at`,
		covenantColumns, strings.Join(conditions, " AND "))

	covenants, err := r.scanMany(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if err := r.loadSchedules(ctx, covenants); err != nil {
		return nil, err
	}
	return covenants, nil
}

// Deactivate retires a covenant from future testing.
func (r *CovenantRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE covenants SET is_active = false, updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func (r *CovenantRepository) loadSchedules(ctx context.Context, covenants []*models.Covenant) error {
	if len(covenants) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*models.Covenant, len(covenants))
	ids := make([]uuid.UUID, 0, len(covenants))
	for _, c := range covenants {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT covenant_id, effective_from, threshold_value
		FROM covenant_threshold_steps
		WHERE covenant_id = ANY($1)
		ORDER BY covenant_id, effective_from`, ids)
	if err != nil {
		return fmt.Errorf("query threshold steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var covenantID uuid.UUID
		var step models.ThresholdStep
		if err := rows.Scan(&covenantID, &step.EffectiveFrom, &step.Value); err != nil {
			return fmt.Errorf("scan threshold step: %w", err)
		}
		if c, ok := byID[covenantID]; ok {
			c.ThresholdSchedule = append(c.ThresholdSchedule, step)
		}
	}

	return rows.Err()
}

func (r *CovenantRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.Covenant, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query covenants: %w", err)
	}
	defer rows.Close()

	var covenants []*models.Covenant
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan covenant: %w", err)
		}
		covenants = append(covenants, c)
	}

	return covenants, rows.Err()
}

func (r *CovenantRepository) scan(s scanner) (*models.Covenant, error) {
	var c models.Covenant

	err := s.Scan(
		&c.ID,
		&c.FacilityID,
		&c.SourceDocumentID,
		&c.CovenantType,
		&c.ThresholdType,
		&c.TestingFrequency,
		&c.TestingBasis,
		&c.HasEquityCure,
		&c.CurePeriodDays,
		&c.MaxCures,
		&c.ConsecutiveCureLimit,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

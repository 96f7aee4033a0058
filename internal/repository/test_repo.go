package repository

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"covtrack/internal/models"
)

const testColumns = `id, covenant_id, facility_id, test_date, period_start, period_end,
	numerator, denominator, calculated_ratio, threshold_value, status,
	headroom_absolute, headroom_percentage, breach_amount,
	cure_deadline, cure_applied_at, waiver_id, created_at, updated_at`

// TestRepository handles covenant test and cure contribution data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new covenant test repository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// Create persists an evaluated covenant test.
func (r *TestRepository) Create(ctx context.Context, test *models.CovenantTest) (*models.CovenantTest, error) {
	query := `
		INSERT INTO covenant_tests (
			covenant_id, facility_id, test_date, period_start, period_end,
			numerator, denominator, calculated_ratio, threshold_value, status,
			headroom_absolute, headroom_percentage, breach_amount, cure_deadline
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + testColumns

	row := r.pool.QueryRow(ctx, query,
		test.CovenantID,
		test.FacilityID,
		test.TestDate,
		test.PeriodStart,
		test.PeriodEnd,
		test.Numerator,
		test.Denominator,
		test.CalculatedRatio,
		test.ThresholdValue,
		test.Status,
		test.HeadroomAbsolute,
		test.HeadroomPercentage,
		test.BreachAmount,
		test.CureDeadline,
	)

	return r.scan(row)
}

// GetByID retrieves a covenant test by ID.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CovenantTest, error) {
	query := `SELECT ` + testColumns + ` FROM covenant_tests WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	test, err := r.scan(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return test, err
}

// ListByCovenant retrieves a covenant's test history ordered by test date.
func (r *TestRepository) ListByCovenant(ctx context.Context, covenantID uuid.UUID) ([]*models.CovenantTest, error) {
	query := `SELECT ` + testColumns + ` FROM covenant_tests WHERE covenant_id = $1 ORDER BY test_date`

	return r.scanMany(ctx, query, covenantID)
}

// ListByFacility retrieves all covenant tests for a facility.
func (r *TestRepository) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error) {
	query := `SELECT ` + testColumns + ` FROM covenant_tests WHERE facility_id = $1 ORDER BY test_date`

	return r.scanMany(ctx, query, facilityID)
}

// ListOpen retrieves a facility's tests in non-terminal statuses. These
// are the candidates for cure expiry and waiver resolution on each tick.
func (r *TestRepository) ListOpen(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error) {
	query := `
		SELECT ` + testColumns + `
		FROM covenant_tests
		WHERE facility_id = $1 AND status IN ('fail_pending', 'cure_pending', 'waiver_requested')
		ORDER BY test_date`

	return r.scanMany(ctx, query, facilityID)
}

// UpdateResolution writes the resolver's status advance for a test,
// including any cure deadline, cure timestamp and waiver link changes.
func (r *TestRepository) UpdateResolution(ctx context.Context, test *models.CovenantTest) error {
	query := `
		UPDATE covenant_tests
		SET status = $2, cure_deadline = $3, cure_applied_at = $4, waiver_id = $5, updated_at = NOW()
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query,
		test.ID, test.Status, test.CureDeadline, test.CureAppliedAt, test.WaiverID)
	return err
}

// CreateContribution records a cure contribution against a test.
func (r *TestRepository) CreateContribution(ctx context.Context, c *models.CureContribution) (*models.CureContribution, error) {
	var tbID *string
	if c.TBTransferID != nil {
		s := c.TBTransferID.String()
		tbID = &s
	}

	query := `
		INSERT INTO cure_contributions (test_id, facility_id, amount, currency, contributed_at, tb_transfer_id)
		VALUES ($1, $2, $3, $4, $5, $6::numeric)
		RETURNING id, test_id, facility_id, amount, currency, contributed_at, tb_transfer_id, created_at`

	row := r.pool.QueryRow(ctx, query,
		c.TestID, c.FacilityID, c.Amount, c.Currency, c.ContributedAt, tbID)

	return r.scanContribution(row)
}

// ListContributions retrieves the cure contributions recorded for a test.
func (r *TestRepository) ListContributions(ctx context.Context, testID uuid.UUID) ([]*models.CureContribution, error) {
	query := `
		SELECT id, test_id, facility_id, amount, currency, contributed_at, tb_transfer_id, created_at
		FROM cure_contributions
		WHERE test_id = $1
		ORDER BY contributed_at`

	rows, err := r.pool.Query(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("query cure contributions: %w", err)
	}
	defer rows.Close()

	var contributions []*models.CureContribution
	for rows.Next() {
		c, err := r.scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cure contribution: %w", err)
		}
		contributions = append(contributions, c)
	}

	return contributions, rows.Err()
}

func (r *TestRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.CovenantTest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query covenant tests: %w", err)
	}
	defer rows.Close()

	var tests []*models.CovenantTest
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan covenant test: %w", err)
		}
		tests = append(tests, t)
	}

	return tests, rows.Err()
}

func (r *TestRepository) scan(s scanner) (*models.CovenantTest, error) {
	var t models.CovenantTest

	err := s.Scan(
		&t.ID,
		&t.CovenantID,
		&t.FacilityID,
		&t.TestDate,
		&t.PeriodStart,
		&t.PeriodEnd,
		&t.Numerator,
		&t.Denominator,
		&t.CalculatedRatio,
		&t.ThresholdValue,
		&t.Status,
		&t.HeadroomAbsolute,
		&t.HeadroomPercentage,
		&t.BreachAmount,
		&t.CureDeadline,
		&t.CureAppliedAt,
		&t.WaiverID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (r *TestRepository) scanContribution(s scanner) (*models.CureContribution, error) {
	var c models.CureContribution
	var tbID pgtype.Numeric

	err := s.Scan(
		&c.ID,
		&c.TestID,
		&c.FacilityID,
		&c.Amount,
		&c.Currency,
		&c.ContributedAt,
		&tbID,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tbID.Valid && tbID.Int != nil {
		c.TBTransferID = new(big.Int).Set(tbID.Int)
	}

	return &c, nil
}

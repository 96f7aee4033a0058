package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ThresholdStep is one entry of a covenant's threshold schedule. The
// schedule is ordered by EffectiveFrom and allows step-ups and step-downs
// over the facility's life.
type ThresholdStep struct {
	EffectiveFrom time.Time
	Value         decimal.Decimal
}

// Covenant represents a financial test definition imported from a credit
// agreement.
type Covenant struct {
	ID                   uuid.UUID
	FacilityID           uuid.UUID
	SourceDocumentID     *uuid.UUID
	CovenantType         string
	ThresholdType        ThresholdType
	ThresholdSchedule    []ThresholdStep
	TestingFrequency     ObligationFrequency
	TestingBasis         TestingBasis
	HasEquityCure        bool
	CurePeriodDays       int
	MaxCures             *int
	ConsecutiveCureLimit *int
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate checks the covenant definition. Rejected at import, never at
// evaluation.
func (c *Covenant) Validate() []ValidationError {
	var errs []ValidationError
	if c.CovenantType == "" {
		errs = append(errs, ValidationError{Field: "covenant_type", Message: "covenant_type is required"})
	}
	if c.ThresholdType != ThresholdMaximum && c.ThresholdType != ThresholdMinimum {
		errs = append(errs, ValidationError{Field: "threshold_type", Message: "threshold_type must be maximum or minimum"})
	}
	if len(c.ThresholdSchedule) == 0 {
		errs = append(errs, ValidationError{Field: "threshold_schedule", Message: "threshold_schedule requires at least one step"})
	}
	for i := 1; i < len(c.ThresholdSchedule); i++ {
		if !c.ThresholdSchedule[i].EffectiveFrom.After(c.ThresholdSchedule[i-1].EffectiveFrom) {
			errs = append(errs, ValidationError{Field: "threshold_schedule", Message: "threshold_schedule steps must be strictly ordered by effective_from"})
			break
		}
	}
	switch c.TestingBasis {
	case BasisPeriodEnd, BasisRolling12Months, BasisRolling4Quarter:
	default:
		errs = append(errs, ValidationError{Field: "testing_basis", Message: "unknown testing_basis"})
	}
	if c.CurePeriodDays < 0 {
		errs = append(errs, ValidationError{Field: "cure_period_days", Message: "cure_period_days must be >= 0"})
	}
	if c.HasEquityCure && c.CurePeriodDays == 0 {
		errs = append(errs, ValidationError{Field: "cure_period_days", Message: "cure_period_days is required when has_equity_cure is set"})
	}
	if c.MaxCures != nil && *c.MaxCures < 0 {
		errs = append(errs, ValidationError{Field: "max_cures", Message: "max_cures must be >= 0"})
	}
	if c.ConsecutiveCureLimit != nil && *c.ConsecutiveCureLimit < 0 {
		errs = append(errs, ValidationError{Field: "consecutive_cure_limit", Message: "consecutive_cure_limit must be >= 0"})
	}
	return errs
}

// CreateCovenantParams contains parameters for importing a covenant.
type CreateCovenantParams struct {
	FacilityID           uuid.UUID
	SourceDocumentID     *uuid.UUID
	CovenantType         string
	ThresholdType        ThresholdType
	ThresholdSchedule    []ThresholdStep
	TestingFrequency     ObligationFrequency
	TestingBasis         TestingBasis
	HasEquityCure        bool
	CurePeriodDays       int
	MaxCures             *int
	ConsecutiveCureLimit *int
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// ObligationTemplate represents a recurring reporting or notification
// requirement imported from a credit agreement. Once events have been
// generated from it, edits are forward-looking only.
type ObligationTemplate struct {
	ID                   uuid.UUID
	FacilityID           uuid.UUID
	SourceDocumentID     *uuid.UUID
	ObligationType       string
	Frequency            ObligationFrequency
	ReferencePoint       ReferencePoint
	DeadlineDays         int
	DeadlineBusinessDays bool
	FixedDeadlineDates   []time.Time
	GracePeriodDays      int
	IsActive             bool
	ActivatedOn          time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate checks the template definition. A template failing validation
// is rejected at creation and never reaches event generation.
func (t *ObligationTemplate) Validate() []ValidationError {
	var errs []ValidationError
	if t.ObligationType == "" {
		errs = append(errs, ValidationError{Field: "obligation_type", Message: "obligation_type is required"})
	}
	switch t.Frequency {
	case FrequencyAnnual, FrequencySemiAnnual, FrequencyQuarterly, FrequencyMonthly, FrequencyOneTime, FrequencyOnEvent:
	default:
		errs = append(errs, ValidationError{Field: "frequency", Message: "unknown frequency"})
	}
	switch t.ReferencePoint {
	case ReferencePeriodEnd, ReferenceFiscalYearEnd, ReferenceFixedDate, ReferenceEventDate:
	default:
		errs = append(errs, ValidationError{Field: "reference_point", Message: "unknown reference_point"})
	}
	if t.DeadlineDays < 0 {
		errs = append(errs, ValidationError{Field: "deadline_days", Message: "deadline_days must be >= 0"})
	}
	if t.GracePeriodDays < 0 {
		errs = append(errs, ValidationError{Field: "grace_period_days", Message: "grace_period_days must be >= 0"})
	}
	if t.Frequency == FrequencyOneTime && len(t.FixedDeadlineDates) == 0 {
		errs = append(errs, ValidationError{Field: "fixed_deadline_dates", Message: "one_time obligations require at least one fixed deadline date"})
	}
	if t.ReferencePoint == ReferenceFixedDate && len(t.FixedDeadlineDates) == 0 {
		errs = append(errs, ValidationError{Field: "fixed_deadline_dates", Message: "fixed_date reference requires explicit deadline dates"})
	}
	return errs
}

// CreateObligationParams contains parameters for importing an obligation
// template.
type CreateObligationParams struct {
	FacilityID           uuid.UUID
	SourceDocumentID     *uuid.UUID
	ObligationType       string
	Frequency            ObligationFrequency
	ReferencePoint       ReferencePoint
	DeadlineDays         int
	DeadlineBusinessDays bool
	FixedDeadlineDates   []time.Time
	GracePeriodDays      int
	ActivatedOn          time.Time
}

// UpdateObligationParams contains forward-looking template edits. Past
// event instances are never rewritten.
type UpdateObligationParams struct {
	DeadlineDays         *int
	DeadlineBusinessDays *bool
	GracePeriodDays      *int
	IsActive             *bool
}

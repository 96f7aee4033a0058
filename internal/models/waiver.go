package models

import (
	"time"

	"github.com/google/uuid"
)

// Waiver represents a waiver request or grant tied to a compliance event
// or covenant test. Approved, non-superseded waivers of the same type for
// the same target must not overlap in their effective windows.
type Waiver struct {
	ID              uuid.UUID
	FacilityID      uuid.UUID
	TargetKind      WaiverTarget
	TargetID        uuid.UUID
	WaiverType      string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	RequiredConsent ConsentLevel
	Status          WaiverStatus
	RequestedBy     *string
	RequestedAt     time.Time
	ResolvedAt      *time.Time
	ResolvedBy      *string
	Notes           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Overlaps returns true if the two waiver windows intersect.
func (w *Waiver) Overlaps(other *Waiver) bool {
	return !w.PeriodEnd.Before(other.PeriodStart) && !other.PeriodEnd.Before(w.PeriodStart)
}

// Covers returns true if the waiver window contains the given date.
func (w *Waiver) Covers(date time.Time) bool {
	return !date.Before(w.PeriodStart) && !date.After(w.PeriodEnd)
}

// CreateWaiverParams contains parameters for requesting a waiver.
type CreateWaiverParams struct {
	FacilityID      uuid.UUID
	TargetKind      WaiverTarget
	TargetID        uuid.UUID
	WaiverType      string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	RequiredConsent ConsentLevel
	RequestedBy     *string
	Notes           *string
}

// Validate checks the waiver request parameters.
func (p *CreateWaiverParams) Validate() []ValidationError {
	var errs []ValidationError
	if p.TargetKind != WaiverTargetEvent && p.TargetKind != WaiverTargetCovenantTest {
		errs = append(errs, ValidationError{Field: "target_kind", Message: "target_kind must be event or covenant_test"})
	}
	if p.TargetID == uuid.Nil {
		errs = append(errs, ValidationError{Field: "target_id", Message: "target_id is required"})
	}
	if p.PeriodEnd.Before(p.PeriodStart) {
		errs = append(errs, ValidationError{Field: "period_end", Message: "period_end must not precede period_start"})
	}
	switch p.RequiredConsent {
	case ConsentAgent, ConsentMajorityLenders, ConsentAllLenders:
	default:
		errs = append(errs, ValidationError{Field: "required_consent", Message: "unknown required_consent"})
	}
	return errs
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Facility represents a monitored credit facility.
type Facility struct {
	ID                 uuid.UUID
	BorrowerName       string
	MaturityDate       time.Time
	FiscalYearEndMonth time.Month
	FiscalYearEndDay   int
	ReportingCurrency  string
	Status             FacilityStatus
	StatusOverride     *FacilityStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectiveStatus returns the administrative override if set, otherwise
// the derived status.
func (f *Facility) EffectiveStatus() FacilityStatus {
	if f.StatusOverride != nil {
		return *f.StatusOverride
	}
	return f.Status
}

// IsMonitored returns true if the facility participates in recompute ticks.
func (f *Facility) IsMonitored() bool {
	return f.EffectiveStatus() != FacilityStatusClosed
}

// FiscalYearEnd returns the fiscal year end date falling in the given year.
func (f *Facility) FiscalYearEnd(year int) time.Time {
	return time.Date(year, f.FiscalYearEndMonth, f.FiscalYearEndDay, 0, 0, 0, 0, time.UTC)
}

// CreateFacilityParams contains parameters for creating a new facility.
type CreateFacilityParams struct {
	BorrowerName       string
	MaturityDate       time.Time
	FiscalYearEndMonth time.Month
	FiscalYearEndDay   int
	ReportingCurrency  string
}

// UpdateFacilityParams contains parameters for updating a facility.
// Status can only be forced administratively; the derived status is
// recomputed by the engine.
type UpdateFacilityParams struct {
	BorrowerName   *string
	MaturityDate   *time.Time
	StatusOverride *FacilityStatus
	ClearOverride  bool
}

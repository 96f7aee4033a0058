package models

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceEvent represents one dated instance of an obligation for a
// specific reporting period. Exactly one event exists per
// (obligation, period_end) pair; events are superseded by status, never
// deleted.
type ComplianceEvent struct {
	ID                uuid.UUID
	ObligationID      uuid.UUID
	FacilityID        uuid.UUID
	PeriodStart       time.Time
	PeriodEnd         time.Time
	DeadlineDate      time.Time
	GraceDeadlineDate time.Time
	Status            EventStatus
	SubmittedAt       *time.Time
	SubmittedBy       *string
	SubmissionNotes   *string
	ReviewedAt        *time.Time
	ReviewedBy        *string
	ReviewNotes       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasSubmission returns true if a submission has been recorded.
func (e *ComplianceEvent) HasSubmission() bool {
	return e.SubmittedAt != nil
}

// PastGrace returns true if asOf is beyond the grace deadline.
func (e *ComplianceEvent) PastGrace(asOf time.Time) bool {
	return asOf.After(e.GraceDeadlineDate)
}

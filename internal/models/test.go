package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CovenantTest represents one evaluation of a covenant against submitted
// financial inputs. Immutable once created except for cure/waiver status
// advances applied by the resolver.
type CovenantTest struct {
	ID                 uuid.UUID
	CovenantID         uuid.UUID
	FacilityID         uuid.UUID
	TestDate           time.Time
	PeriodStart        time.Time
	PeriodEnd          time.Time
	Numerator          decimal.Decimal
	Denominator        decimal.Decimal
	CalculatedRatio    decimal.Decimal
	ThresholdValue     decimal.Decimal
	Status             TestStatus
	HeadroomAbsolute   decimal.Decimal
	HeadroomPercentage decimal.Decimal
	BreachAmount       decimal.Decimal
	CureDeadline       *time.Time
	CureAppliedAt      *time.Time
	WaiverID           *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Result returns the externally reported result string.
func (t *CovenantTest) Result() string {
	return t.Status.Result()
}

// CureApplied returns true if an equity cure resolved this test.
func (t *CovenantTest) CureApplied() bool {
	return t.Status == TestStatusCured
}

// WaiverObtained returns true if a waiver resolved this test.
func (t *CovenantTest) WaiverObtained() bool {
	return t.Status == TestStatusWaived
}

// CureExpired returns true if the cure window has lapsed without a
// recorded cure.
func (t *CovenantTest) CureExpired(asOf time.Time) bool {
	return t.Status == TestStatusCurePending && t.CureDeadline != nil && asOf.After(*t.CureDeadline)
}

// SubmitTestInputs contains the financial inputs for one covenant test.
type SubmitTestInputs struct {
	Numerator   decimal.Decimal
	Denominator decimal.Decimal
	TestDate    time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// CureContribution represents a borrower equity injection recorded against
// a failed covenant test. Mirrored to the double-entry ledger when one is
// connected.
type CureContribution struct {
	ID            uuid.UUID
	TestID        uuid.UUID
	FacilityID    uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	ContributedAt time.Time
	TBTransferID  *big.Int
	CreatedAt     time.Time
}

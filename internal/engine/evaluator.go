package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covtrack/internal/calendar"
	"covtrack/internal/models"
)

// Calculated ratios and headroom percentages are carried at two decimal
// places, matching how covenant levels are quoted in credit agreements.
const (
	ratioScale   = 2
	percentScale = 2
)

var hundred = decimal.NewFromInt(100)

// Evaluator computes covenant tests from submitted financial inputs.
// All comparisons are decimal-exact: a ratio sitting precisely on the
// threshold passes for both maximum and minimum covenants.
type Evaluator struct{}

// NewEvaluator returns an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// ResolveThreshold returns the threshold in force at asOf: the schedule
// step with the latest effective_from <= asOf. A schedule with no such
// step is a configuration error, never a silent default.
func ResolveThreshold(cov *models.Covenant, asOf time.Time) (decimal.Decimal, error) {
	sched := cov.ThresholdSchedule
	day := calendar.DateOnly(asOf)

	// First step strictly after asOf; the entry in force is the one before.
	idx := sort.Search(len(sched), func(i int) bool {
		return sched[i].EffectiveFrom.After(day)
	})
	if idx == 0 {
		return decimal.Zero, NewConfigurationError("covenant", []models.ValidationError{{
			Field:   "threshold_schedule",
			Message: "no threshold step effective on or before the test date",
		}})
	}
	return sched[idx-1].Value, nil
}

// Evaluate computes one covenant test. A zero denominator is reported,
// not turned into an infinity. Failed tests come back as fail_pending;
// the resolver decides cure and waiver avenues before they are final.
func (e *Evaluator) Evaluate(cov *models.Covenant, in models.SubmitTestInputs) (*models.CovenantTest, error) {
	if in.Denominator.IsZero() {
		return nil, &InputError{Field: "denominator", Message: "denominator must not be zero"}
	}
	if in.PeriodEnd.Before(in.PeriodStart) {
		return nil, &InputError{Field: "period_end", Message: "period_end must not precede period_start"}
	}

	threshold, err := ResolveThreshold(cov, in.TestDate)
	if err != nil {
		return nil, err
	}

	ratio := in.Numerator.Div(in.Denominator).Round(ratioScale)

	var pass bool
	var headroom decimal.Decimal
	if cov.ThresholdType == models.ThresholdMaximum {
		pass = ratio.LessThanOrEqual(threshold)
		headroom = threshold.Sub(ratio)
	} else {
		pass = ratio.GreaterThanOrEqual(threshold)
		headroom = ratio.Sub(threshold)
	}

	// Sign preserved: negative headroom is the breach magnitude.
	headroomPct := decimal.Zero
	if !threshold.IsZero() {
		headroomPct = headroom.Div(threshold).Mul(hundred).Round(percentScale)
	}

	breach := decimal.Zero
	status := models.TestStatusPass
	if !pass {
		breach = headroom.Abs()
		status = models.TestStatusFailPending
	}

	return &models.CovenantTest{
		ID:                 uuid.New(),
		CovenantID:         cov.ID,
		FacilityID:         cov.FacilityID,
		TestDate:           calendar.DateOnly(in.TestDate),
		PeriodStart:        calendar.DateOnly(in.PeriodStart),
		PeriodEnd:          calendar.DateOnly(in.PeriodEnd),
		Numerator:          in.Numerator,
		Denominator:        in.Denominator,
		CalculatedRatio:    ratio,
		ThresholdValue:     threshold,
		Status:             status,
		HeadroomAbsolute:   headroom,
		HeadroomPercentage: headroomPct,
		BreachAmount:       breach,
	}, nil
}

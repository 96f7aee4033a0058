package engine

import (
	"fmt"
	"sort"
	"time"

	"covtrack/internal/calendar"
	"covtrack/internal/models"
)

// Resolver advances failed covenant tests through the cure/waiver state
// machine. Cure and waiver race independently toward a single terminal
// state; every transition is guarded, so an invalid move returns an
// IntegrityError and changes nothing.
type Resolver struct{}

// NewResolver returns a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// CureEligibility reports whether an equity cure is available for the
// covenant given its full prior test history. The reason names the first
// failing condition.
func CureEligibility(cov *models.Covenant, history []*models.CovenantTest) (bool, string) {
	if !cov.HasEquityCure {
		return false, "covenant has no equity cure right"
	}

	sorted := make([]*models.CovenantTest, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TestDate.Before(sorted[j].TestDate)
	})

	lifetime := 0
	for _, t := range sorted {
		if t.Status == models.TestStatusCured {
			lifetime++
		}
	}
	if cov.MaxCures != nil && lifetime >= *cov.MaxCures {
		return false, fmt.Sprintf("lifetime cure cap of %d reached", *cov.MaxCures)
	}

	consecutive := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Status != models.TestStatusCured {
			break
		}
		consecutive++
	}
	if cov.ConsecutiveCureLimit != nil && consecutive >= *cov.ConsecutiveCureLimit {
		return false, fmt.Sprintf("consecutive cure limit of %d reached", *cov.ConsecutiveCureLimit)
	}

	return true, ""
}

// ResolveFailure is applied to a freshly evaluated failed test before it
// is persisted. If an equity cure is available the test enters
// cure_pending with its cure deadline; otherwise the cure avenue is
// closed and the test stays fail_pending awaiting a waiver or a manual
// determination.
func (r *Resolver) ResolveFailure(cov *models.Covenant, test *models.CovenantTest, history []*models.CovenantTest) error {
	if test.Status != models.TestStatusFailPending {
		return &IntegrityError{
			FacilityID: test.FacilityID,
			Detail:     fmt.Sprintf("resolve failure on test %s in status %s", test.ID, test.Status),
		}
	}

	eligible, _ := CureEligibility(cov, history)
	if !eligible {
		return nil
	}

	deadline := calendar.DateOnly(test.TestDate).AddDate(0, 0, cov.CurePeriodDays)
	test.Status = models.TestStatusCurePending
	test.CureDeadline = &deadline
	return nil
}

// ApplyCure records a qualifying cure contribution against a cure_pending
// test. Contributions after the cure deadline do not qualify.
func (r *Resolver) ApplyCure(test *models.CovenantTest, contributedAt time.Time) error {
	if !test.Status.CanTransition(models.TestStatusCured) || test.Status != models.TestStatusCurePending {
		return &IntegrityError{
			FacilityID: test.FacilityID,
			Detail:     fmt.Sprintf("cure applied to test %s in status %s", test.ID, test.Status),
		}
	}
	if test.CureDeadline != nil && calendar.DateOnly(contributedAt).After(*test.CureDeadline) {
		return &InputError{Field: "contributed_at", Message: "cure contribution is past the cure deadline"}
	}
	at := contributedAt
	test.Status = models.TestStatusCured
	test.CureAppliedAt = &at
	return nil
}

// RegisterWaiverRequest links a waiver request to a failed test. A
// cure_pending test keeps its status — cure and waiver run concurrently —
// while a plain fail_pending test moves to waiver_requested.
func (r *Resolver) RegisterWaiverRequest(test *models.CovenantTest, waiver *models.Waiver) error {
	if test.Status.IsTerminal() {
		return &IntegrityError{
			FacilityID: test.FacilityID,
			Detail:     fmt.Sprintf("waiver requested for test %s in terminal status %s", test.ID, test.Status),
		}
	}
	id := waiver.ID
	test.WaiverID = &id
	if test.Status == models.TestStatusFailPending {
		test.Status = models.TestStatusWaiverRequested
	}
	return nil
}

// ApplyWaiverOutcome advances a test when its linked waiver resolves.
// Approval wins immediately; rejection or expiry closes the waiver avenue
// and finalizes the failure unless a cure window is still open.
func (r *Resolver) ApplyWaiverOutcome(test *models.CovenantTest, outcome models.WaiverStatus, asOf time.Time) error {
	if test.Status.IsTerminal() {
		return &IntegrityError{
			FacilityID: test.FacilityID,
			Detail:     fmt.Sprintf("waiver outcome for test %s in terminal status %s", test.ID, test.Status),
		}
	}

	switch outcome {
	case models.WaiverStatusApproved:
		test.Status = models.TestStatusWaived
		return nil
	case models.WaiverStatusRejected, models.WaiverStatusExpired:
		if test.Status == models.TestStatusCurePending && !test.CureExpired(asOf) {
			// Cure still racing; the test stays pending on that avenue.
			return nil
		}
		test.Status = models.TestStatusFailFinal
		return nil
	default:
		return &IntegrityError{
			FacilityID: test.FacilityID,
			Detail:     fmt.Sprintf("waiver outcome %s is not a resolution", outcome),
		}
	}
}

// ExpireCure finalizes a cure_pending test whose deadline passed without a
// recorded cure. If a waiver request is still open the test falls back to
// that avenue instead of finalizing. Returns true if the status changed.
func (r *Resolver) ExpireCure(test *models.CovenantTest, hasOpenWaiver bool, asOf time.Time) (bool, error) {
	if test.Status != models.TestStatusCurePending {
		return false, nil
	}
	if !test.CureExpired(asOf) {
		return false, nil
	}
	if hasOpenWaiver {
		test.Status = models.TestStatusWaiverRequested
	} else {
		test.Status = models.TestStatusFailFinal
	}
	return true, nil
}

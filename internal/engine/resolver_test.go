package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covtrack/internal/models"
)

func intPtr(i int) *int { return &i }

func curableCovenant() *models.Covenant {
	cov := leverageCovenant()
	cov.HasEquityCure = true
	cov.CurePeriodDays = 30
	return cov
}

func failedTest(cov *models.Covenant) *models.CovenantTest {
	e := NewEvaluator()
	test, err := e.Evaluate(cov, inputs("500", "100", d(2025, 3, 31)))
	if err != nil {
		panic(err)
	}
	return test
}

func curedTest(cov *models.Covenant, testDate int) *models.CovenantTest {
	return &models.CovenantTest{
		ID:         uuid.New(),
		CovenantID: cov.ID,
		FacilityID: cov.FacilityID,
		TestDate:   d(2024, 1, testDate),
		Status:     models.TestStatusCured,
	}
}

func TestResolveFailureEntersCurePending(t *testing.T) {
	cov := curableCovenant()
	test := failedTest(cov)
	r := NewResolver()

	require.NoError(t, r.ResolveFailure(cov, test, nil))

	assert.Equal(t, models.TestStatusCurePending, test.Status)
	require.NotNil(t, test.CureDeadline)
	assert.Equal(t, d(2025, 4, 30), *test.CureDeadline) // test_date + 30 days
}

func TestResolveFailureWithoutCureRight(t *testing.T) {
	cov := leverageCovenant() // no equity cure
	test := failedTest(cov)
	r := NewResolver()

	require.NoError(t, r.ResolveFailure(cov, test, nil))
	assert.Equal(t, models.TestStatusFailPending, test.Status)
	assert.Nil(t, test.CureDeadline)
}

func TestCureEligibilityLifetimeCap(t *testing.T) {
	cov := curableCovenant()
	cov.MaxCures = intPtr(2)

	history := []*models.CovenantTest{curedTest(cov, 1), curedTest(cov, 15)}
	ok, reason := CureEligibility(cov, history)
	assert.False(t, ok, "a third cure after two lifetime cures must be rejected")
	assert.Contains(t, reason, "lifetime cure cap")

	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, history))
	assert.Equal(t, models.TestStatusFailPending, test.Status, "cure path unavailable leaves only waiver or final failure")
}

func TestCureEligibilityConsecutiveLimit(t *testing.T) {
	cov := curableCovenant()
	cov.ConsecutiveCureLimit = intPtr(1)

	// Most recent test cured: the consecutive run is 1, at the limit.
	history := []*models.CovenantTest{curedTest(cov, 15)}
	ok, reason := CureEligibility(cov, history)
	assert.False(t, ok)
	assert.Contains(t, reason, "consecutive cure limit")

	// A passing test in between breaks the run.
	pass := &models.CovenantTest{ID: uuid.New(), CovenantID: cov.ID, FacilityID: cov.FacilityID, TestDate: d(2024, 2, 15), Status: models.TestStatusPass}
	ok, _ = CureEligibility(cov, append(history, pass))
	assert.True(t, ok)
}

func TestApplyCure(t *testing.T) {
	cov := curableCovenant()
	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, nil))

	require.NoError(t, r.ApplyCure(test, d(2025, 4, 20)))
	assert.Equal(t, models.TestStatusCured, test.Status)
	assert.Equal(t, "cured", test.Result())
	require.NotNil(t, test.CureAppliedAt)
}

func TestApplyCurePastDeadline(t *testing.T) {
	cov := curableCovenant()
	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, nil))

	err := r.ApplyCure(test, d(2025, 5, 1))
	require.Error(t, err)
	var ie *InputError
	assert.ErrorAs(t, err, &ie)
	assert.Equal(t, models.TestStatusCurePending, test.Status, "rejected cure changes nothing")
}

func TestApplyCureGuardsStatus(t *testing.T) {
	cov := curableCovenant()
	e := NewEvaluator()
	test, err := e.Evaluate(cov, inputs("400", "100", d(2025, 3, 31)))
	require.NoError(t, err)
	require.Equal(t, models.TestStatusPass, test.Status)

	r := NewResolver()
	err = r.ApplyCure(test, d(2025, 4, 1))
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	assert.Equal(t, models.TestStatusPass, test.Status)
}

func TestWaiverPath(t *testing.T) {
	cov := leverageCovenant()
	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, nil))

	waiver := &models.Waiver{ID: uuid.New(), Status: models.WaiverStatusRequested}
	require.NoError(t, r.RegisterWaiverRequest(test, waiver))
	assert.Equal(t, models.TestStatusWaiverRequested, test.Status)
	require.NotNil(t, test.WaiverID)

	require.NoError(t, r.ApplyWaiverOutcome(test, models.WaiverStatusApproved, d(2025, 4, 10)))
	assert.Equal(t, models.TestStatusWaived, test.Status)
	assert.Equal(t, "waived", test.Result())
}

func TestWaiverRejectedFinalizes(t *testing.T) {
	cov := leverageCovenant()
	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, nil))
	require.NoError(t, r.RegisterWaiverRequest(test, &models.Waiver{ID: uuid.New(), Status: models.WaiverStatusRequested}))

	require.NoError(t, r.ApplyWaiverOutcome(test, models.WaiverStatusRejected, d(2025, 4, 10)))
	assert.Equal(t, models.TestStatusFailFinal, test.Status)
	assert.Equal(t, "fail", test.Result())

	// Terminal: nothing moves it again.
	err := r.ApplyWaiverOutcome(test, models.WaiverStatusApproved, d(2025, 4, 11))
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
}

func TestWaiverRejectedKeepsLiveCureRacing(t *testing.T) {
	cov := curableCovenant()
	test := failedTest(cov)
	r := NewResolver()
	require.NoError(t, r.ResolveFailure(cov, test, nil))
	require.NoError(t, r.RegisterWaiverRequest(test, &models.Waiver{ID: uuid.New(), Status: models.WaiverStatusRequested}))
	require.Equal(t, models.TestStatusCurePending, test.Status, "concurrent pursuit keeps the cure status")

	// Rejection while the cure window is open leaves the cure racing.
	require.NoError(t, r.ApplyWaiverOutcome(test, models.WaiverStatusRejected, d(2025, 4, 10)))
	assert.Equal(t, models.TestStatusCurePending, test.Status)

	// Rejection after the cure window lapsed finalizes.
	require.NoError(t, r.ApplyWaiverOutcome(test, models.WaiverStatusRejected, d(2025, 5, 10)))
	assert.Equal(t, models.TestStatusFailFinal, test.Status)
}

func TestExpireCure(t *testing.T) {
	cov := curableCovenant()
	r := NewResolver()

	test := failedTest(cov)
	require.NoError(t, r.ResolveFailure(cov, test, nil))

	changed, err := r.ExpireCure(test, false, d(2025, 4, 30))
	require.NoError(t, err)
	assert.False(t, changed, "deadline day itself is still within the window")

	changed, err = r.ExpireCure(test, false, d(2025, 5, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.TestStatusFailFinal, test.Status)

	// With an open waiver the test falls back to the waiver avenue.
	test2 := failedTest(cov)
	require.NoError(t, r.ResolveFailure(cov, test2, nil))
	changed, err = r.ExpireCure(test2, true, d(2025, 5, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.TestStatusWaiverRequested, test2.Status)
}

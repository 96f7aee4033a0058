package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covtrack/internal/models"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func testFacility() *models.Facility {
	return &models.Facility{
		ID:                 uuid.New(),
		BorrowerName:       "Meridian Holdings",
		MaturityDate:       d(2030, 6, 30),
		FiscalYearEndMonth: time.December,
		FiscalYearEndDay:   31,
		ReportingCurrency:  "EUR",
		Status:             models.FacilityStatusActive,
	}
}

func quarterlyTemplate(fac *models.Facility) *models.ObligationTemplate {
	return &models.ObligationTemplate{
		ID:              uuid.New(),
		FacilityID:      fac.ID,
		ObligationType:  "quarterly_financials",
		Frequency:       models.FrequencyQuarterly,
		ReferencePoint:  models.ReferencePeriodEnd,
		DeadlineDays:    45,
		GracePeriodDays: 10,
		IsActive:        true,
		ActivatedOn:     d(2025, 1, 1),
	}
}

func TestGenerateEventsQuarterly(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	s := NewScheduler()

	events, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)
	require.Len(t, events, 2) // Q1 and Q2 within the 3-month lookahead

	q1 := events[0]
	assert.Equal(t, d(2025, 1, 1), q1.PeriodStart)
	assert.Equal(t, d(2025, 3, 31), q1.PeriodEnd)
	assert.Equal(t, d(2025, 5, 15), q1.DeadlineDate)
	assert.Equal(t, d(2025, 5, 25), q1.GraceDeadlineDate)
	assert.Equal(t, models.EventStatusUpcoming, q1.Status)

	assert.Equal(t, d(2025, 6, 30), events[1].PeriodEnd)
}

func TestGenerateEventsIdempotent(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	s := NewScheduler()

	first, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.GenerateEvents(tmpl, fac, first, d(2025, 4, 1))
	require.NoError(t, err)
	assert.Empty(t, second, "regeneration with the same asOf must not duplicate periods")
}

func TestGenerateEventsExtendsWindow(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	s := NewScheduler()

	first, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)

	later, err := s.GenerateEvents(tmpl, fac, first, d(2025, 8, 1))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, d(2025, 9, 30), later[0].PeriodEnd)
}

func TestGenerateEventsInactiveAndOnEvent(t *testing.T) {
	fac := testFacility()
	s := NewScheduler()

	tmpl := quarterlyTemplate(fac)
	tmpl.IsActive = false
	events, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)
	assert.Empty(t, events)

	trig := quarterlyTemplate(fac)
	trig.Frequency = models.FrequencyOnEvent
	events, err = s.GenerateEvents(trig, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)
	assert.Empty(t, events, "on_event obligations are materialized only by external triggers")
}

func TestGenerateEventsOneTime(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	tmpl.Frequency = models.FrequencyOneTime
	tmpl.FixedDeadlineDates = []time.Time{d(2025, 9, 1)}
	s := NewScheduler()

	events, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, d(2025, 9, 1), events[0].PeriodEnd)
	assert.True(t, events[0].PeriodStart.Before(events[0].PeriodEnd))

	again, err := s.GenerateEvents(tmpl, fac, events, d(2026, 1, 1))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestGenerateEventsRejectsCorruptTemplate(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	tmpl.DeadlineDays = -1
	s := NewScheduler()

	_, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
}

func TestGenerateEventsDetectsDuplicatePeriods(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	s := NewScheduler()

	events, err := s.GenerateEvents(tmpl, fac, nil, d(2025, 4, 1))
	require.NoError(t, err)

	dup := *events[0]
	dup.ID = uuid.New()
	_, err = s.GenerateEvents(tmpl, fac, append(events, &dup), d(2025, 4, 1))
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
}

func TestNewTriggeredEvent(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyTemplate(fac)
	tmpl.Frequency = models.FrequencyOnEvent
	tmpl.ReferencePoint = models.ReferenceEventDate
	tmpl.DeadlineDays = 5
	tmpl.DeadlineBusinessDays = true
	s := NewScheduler()

	ev, err := s.NewTriggeredEvent(tmpl, d(2025, 8, 12))
	require.NoError(t, err)
	assert.Equal(t, d(2025, 8, 12), ev.PeriodEnd)
	// 2025-08-17 is a Sunday; business-day adjust rolls to Monday.
	assert.Equal(t, d(2025, 8, 18), ev.DeadlineDate)

	_, err = s.NewTriggeredEvent(quarterlyTemplate(fac), d(2025, 8, 12))
	require.Error(t, err)
}

func TestRecomputeStatus(t *testing.T) {
	s := NewScheduler()
	ev := &models.ComplianceEvent{
		DeadlineDate:      d(2025, 5, 15),
		GraceDeadlineDate: d(2025, 5, 25),
		Status:            models.EventStatusUpcoming,
	}

	assert.Equal(t, models.EventStatusUpcoming, s.RecomputeStatus(ev, d(2025, 4, 1)))
	assert.Equal(t, models.EventStatusDueSoon, s.RecomputeStatus(ev, d(2025, 5, 1)))
	assert.Equal(t, models.EventStatusDueSoon, s.RecomputeStatus(ev, d(2025, 5, 15)))
	assert.Equal(t, models.EventStatusOverdue, s.RecomputeStatus(ev, d(2025, 5, 16)))

	// Overdue never auto-escalates past overdue.
	ev.Status = models.EventStatusOverdue
	assert.Equal(t, models.EventStatusOverdue, s.RecomputeStatus(ev, d(2026, 1, 1)))

	// Action-set statuses are immune to the clock.
	ev.Status = models.EventStatusSubmitted
	assert.Equal(t, models.EventStatusSubmitted, s.RecomputeStatus(ev, d(2026, 1, 1)))
	ev.Status = models.EventStatusWaived
	assert.Equal(t, models.EventStatusWaived, s.RecomputeStatus(ev, d(2026, 1, 1)))
}

package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"covtrack/internal/calendar"
	"covtrack/internal/models"
)

const (
	// DefaultLookaheadMonths is how far past asOf events are materialized.
	DefaultLookaheadMonths = 3
	// DefaultDueSoonDays is the window before a deadline in which an
	// upcoming event becomes due_soon.
	DefaultDueSoonDays = 14
)

// Scheduler expands obligation templates into dated compliance events and
// recomputes clock-driven event statuses. It is pure: callers pass the
// existing events and the evaluation instant.
type Scheduler struct {
	LookaheadMonths int
	DueSoonDays     int
}

// NewScheduler returns a scheduler with default windows.
func NewScheduler() *Scheduler {
	return &Scheduler{
		LookaheadMonths: DefaultLookaheadMonths,
		DueSoonDays:     DefaultDueSoonDays,
	}
}

// GenerateEvents returns the events missing for a template up to
// asOf + lookahead. Existing events are never touched or duplicated;
// calling twice with the same inputs yields nothing the second time.
//
// on_event templates generate nothing here: their events are created
// explicitly by an external trigger.
func (s *Scheduler) GenerateEvents(tmpl *models.ObligationTemplate, fac *models.Facility, existing []*models.ComplianceEvent, asOf time.Time) ([]*models.ComplianceEvent, error) {
	if !tmpl.IsActive {
		return nil, nil
	}

	// Malformed templates are rejected at creation; seeing one here means
	// stored data is corrupt. Fail fast, do not generate.
	if errs := tmpl.Validate(); len(errs) > 0 {
		return nil, &IntegrityError{
			FacilityID: fac.ID,
			Detail:     fmt.Sprintf("template %s failed invariant revalidation: %v", tmpl.ID, errs[0].Message),
		}
	}

	seen := make(map[int64]bool, len(existing))
	for _, ev := range existing {
		key := calendar.DateOnly(ev.PeriodEnd).Unix()
		if seen[key] {
			return nil, &IntegrityError{
				FacilityID: fac.ID,
				Detail:     fmt.Sprintf("duplicate event for obligation %s period ending %s", tmpl.ID, ev.PeriodEnd.Format("2006-01-02")),
			}
		}
		seen[key] = true
	}

	switch {
	case tmpl.Frequency == models.FrequencyOnEvent:
		return nil, nil
	case tmpl.Frequency == models.FrequencyOneTime:
		return s.generateOneTime(tmpl, seen), nil
	case tmpl.ReferencePoint == models.ReferenceFixedDate:
		return s.generateFixedDates(tmpl, seen), nil
	default:
		return s.generateRecurring(tmpl, fac, seen, asOf), nil
	}
}

func (s *Scheduler) generateOneTime(tmpl *models.ObligationTemplate, seen map[int64]bool) []*models.ComplianceEvent {
	due := calendar.DateOnly(tmpl.FixedDeadlineDates[0])
	if seen[due.Unix()] {
		return nil
	}
	start := calendar.DateOnly(tmpl.ActivatedOn)
	if !start.Before(due) {
		start = due.AddDate(0, 0, -1)
	}
	return []*models.ComplianceEvent{s.newEvent(tmpl, start, due, due)}
}

func (s *Scheduler) generateFixedDates(tmpl *models.ObligationTemplate, seen map[int64]bool) []*models.ComplianceEvent {
	var events []*models.ComplianceEvent
	prev := calendar.DateOnly(tmpl.ActivatedOn)
	for _, raw := range tmpl.FixedDeadlineDates {
		due := calendar.DateOnly(raw)
		start := prev
		if !start.Before(due) {
			start = due.AddDate(0, 0, -1)
		}
		if !seen[due.Unix()] {
			events = append(events, s.newEvent(tmpl, start, due, due))
		}
		prev = due.AddDate(0, 0, 1)
	}
	return events
}

func (s *Scheduler) generateRecurring(tmpl *models.ObligationTemplate, fac *models.Facility, seen map[int64]bool, asOf time.Time) []*models.ComplianceEvent {
	horizon := calendar.DateOnly(asOf).AddDate(0, s.LookaheadMonths, 0)
	end := calendar.AlignedPeriodEnd(tmpl.Frequency, tmpl.ReferencePoint, tmpl.ActivatedOn, fac.FiscalYearEndMonth, fac.FiscalYearEndDay)

	var events []*models.ComplianceEvent
	for !end.After(horizon) {
		if !seen[end.Unix()] {
			start := calendar.PeriodStart(tmpl.Frequency, tmpl.ReferencePoint, end, fac.FiscalYearEndDay)
			events = append(events, s.newEvent(tmpl, start, end, end))
		}
		end = calendar.NextPeriodEnd(tmpl.Frequency, tmpl.ReferencePoint, end, fac.FiscalYearEndDay)
	}
	return events
}

func (s *Scheduler) newEvent(tmpl *models.ObligationTemplate, periodStart, periodEnd, anchor time.Time) *models.ComplianceEvent {
	deadline := calendar.ComputeDeadline(anchor, tmpl.DeadlineDays, tmpl.DeadlineBusinessDays)
	return &models.ComplianceEvent{
		ID:                uuid.New(),
		ObligationID:      tmpl.ID,
		FacilityID:        tmpl.FacilityID,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		DeadlineDate:      deadline,
		GraceDeadlineDate: calendar.ComputeGraceDeadline(deadline, tmpl.GracePeriodDays),
		Status:            models.EventStatusUpcoming,
	}
}

// NewTriggeredEvent materializes an event for an on_event obligation from
// an external trigger date, bypassing period enumeration.
func (s *Scheduler) NewTriggeredEvent(tmpl *models.ObligationTemplate, eventDate time.Time) (*models.ComplianceEvent, error) {
	if tmpl.Frequency != models.FrequencyOnEvent {
		return nil, &InputError{Field: "obligation_id", Message: "obligation is not event-triggered"}
	}
	date := calendar.DateOnly(eventDate)
	return s.newEvent(tmpl, date.AddDate(0, 0, -1), date, date), nil
}

// RecomputeStatus returns the status an event should hold at asOf. Pure
// function of the current status and the event's dates: statuses set by
// explicit actions are never changed by the clock, and overdue is never
// auto-escalated further.
func (s *Scheduler) RecomputeStatus(ev *models.ComplianceEvent, asOf time.Time) models.EventStatus {
	if !ev.Status.IsClockDriven() {
		return ev.Status
	}
	if ev.HasSubmission() {
		return ev.Status
	}
	day := calendar.DateOnly(asOf)
	switch {
	case day.After(ev.DeadlineDate):
		return models.EventStatusOverdue
	case !day.Before(ev.DeadlineDate.AddDate(0, 0, -s.DueSoonDays)):
		return models.EventStatusDueSoon
	default:
		return models.EventStatusUpcoming
	}
}

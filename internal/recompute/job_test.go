package recompute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"covtrack/internal/clock"
	"covtrack/internal/config"
	"covtrack/internal/models"
	"covtrack/internal/notifier"
)

func d(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// memStores is an in-memory Stores implementation for job tests.
type memStores struct {
	mu          sync.Mutex
	facilities  []*models.Facility
	obligations []*models.ObligationTemplate
	events      []*models.ComplianceEvent
	tests       []*models.CovenantTest
	waivers     []*models.Waiver
	reminders   []*models.Reminder

	listObligationsErrs int
}

func (m *memStores) ListMonitored(ctx context.Context) ([]*models.Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Facility
	for _, f := range m.facilities {
		if f.IsMonitored() {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStores) UpdateDerivedStatus(ctx context.Context, id uuid.UUID, status models.FacilityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.facilities {
		if f.ID == id {
			f.Status = status
		}
	}
	return nil
}

// memObligations, memTests and memWaivers adapt the shared state to their
// store interfaces; their method sets would collide on one receiver.
type memObligations struct{ *memStores }

func (m memObligations) ListByFacility(ctx context.Context, facilityID uuid.UUID, activeOnly bool) ([]*models.ObligationTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listObligationsErrs > 0 {
		m.listObligationsErrs--
		return nil, errors.New("connection reset")
	}
	var out []*models.ObligationTemplate
	for _, t := range m.obligations {
		if t.FacilityID == facilityID && (!activeOnly || t.IsActive) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStores) ListByObligation(ctx context.Context, obligationID uuid.UUID) ([]*models.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ComplianceEvent
	for _, e := range m.events {
		if e.ObligationID == obligationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStores) ListClockDriven(ctx context.Context, facilityID uuid.UUID) ([]*models.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ComplianceEvent
	for _, e := range m.events {
		if e.FacilityID == facilityID && e.Status.IsClockDriven() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStores) Upsert(ctx context.Context, event *models.ComplianceEvent) (*models.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ObligationID == event.ObligationID && e.PeriodEnd.Equal(event.PeriodEnd) {
			return nil, nil
		}
	}
	m.events = append(m.events, event)
	return event, nil
}

func (m *memStores) UpdateStatus(ctx context.Context, id uuid.UUID, status models.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.Status = status
		}
	}
	return nil
}

type memTests struct{ *memStores }

func (m memTests) GetByID(ctx context.Context, id uuid.UUID) (*models.CovenantTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tests {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

func (m memTests) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CovenantTest
	for _, t := range m.tests {
		if t.FacilityID == facilityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m memTests) ListOpen(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CovenantTest
	for _, t := range m.tests {
		if t.FacilityID == facilityID && !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m memTests) UpdateResolution(ctx context.Context, test *models.CovenantTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tests {
		if t.ID == test.ID {
			m.tests[i] = test
		}
	}
	return nil
}

type memWaivers struct{ *memStores }

func (m memWaivers) GetByID(ctx context.Context, id uuid.UUID) (*models.Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.waivers {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, nil
}

func (m memWaivers) ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Waiver
	for _, w := range m.waivers {
		if w.FacilityID == facilityID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m memWaivers) ExpireElapsed(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Waiver
	for _, w := range m.waivers {
		if w.FacilityID == facilityID && w.PeriodEnd.Before(asOf) &&
			(w.Status == models.WaiverStatusApproved || w.Status == models.WaiverStatusRequested) {
			w.Status = models.WaiverStatusExpired
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStores) ListByRef(ctx context.Context, kind models.ReminderRef, refID uuid.UUID) ([]*models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Reminder
	for _, r := range m.reminders {
		if r.RefKind == kind && r.RefID == refID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStores) ListDue(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Reminder
	for _, r := range m.reminders {
		if r.FacilityID == facilityID && !r.IsSent && !r.Skipped && !r.ScheduledFor.After(asOf) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStores) InsertMany(ctx context.Context, reminders []*models.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rem := range reminders {
		dup := false
		for _, have := range m.reminders {
			if have.Key() == rem.Key() {
				dup = true
				break
			}
		}
		if !dup {
			m.reminders = append(m.reminders, rem)
		}
	}
	return nil
}

func (m *memStores) DeletePending(ctx context.Context, kind models.ReminderRef, refID uuid.UUID, keepIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[uuid.UUID]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	var kept []*models.Reminder
	for _, r := range m.reminders {
		if r.RefKind == kind && r.RefID == refID && !r.IsSent && !keep[r.ID] {
			continue
		}
		kept = append(kept, r)
	}
	m.reminders = kept
	return nil
}

func (m *memStores) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reminders {
		if r.ID == id {
			r.IsSent = true
			at := sentAt
			r.SentAt = &at
		}
	}
	return nil
}

func (m *memStores) stores() Stores {
	return Stores{
		Facilities:  m,
		Obligations: memObligations{m},
		Events:      m,
		Tests:       memTests{m},
		Waivers:     memWaivers{m},
		Reminders:   m,
	}
}

// memNotifier records fire instructions.
type memNotifier struct {
	mu    sync.Mutex
	fired []notifier.FireInstruction
}

func (n *memNotifier) Fire(ctx context.Context, inst notifier.FireInstruction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fired = append(n.fired, inst)
}

// memLocker is an in-process Locker with a pause map.
type memLocker struct {
	mu     sync.Mutex
	held   map[uuid.UUID]string
	paused map[uuid.UUID]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[uuid.UUID]string{}, paused: map[uuid.UUID]string{}}
}

func (l *memLocker) AcquireFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[facilityID]; ok {
		return false, nil
	}
	l.held[facilityID] = owner
	return true, nil
}

func (l *memLocker) ReleaseFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[facilityID] == owner {
		delete(l.held, facilityID)
	}
	return nil
}

func (l *memLocker) PauseFacility(ctx context.Context, facilityID uuid.UUID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused[facilityID] = reason
	return nil
}

func (l *memLocker) FacilityPaused(ctx context.Context, facilityID uuid.UUID) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused[facilityID], nil
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		LookaheadMonths: 3,
		DueSoonDays:     14,
		TickInterval:    time.Hour,
		Workers:         2,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
	}
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

func quarterlyObligation(facilityID uuid.UUID) *models.ObligationTemplate {
	return &models.ObligationTemplate{
		ID:              uuid.New(),
		FacilityID:      facilityID,
		ObligationType:  "quarterly_financials",
		Frequency:       models.FrequencyQuarterly,
		ReferencePoint:  models.ReferencePeriodEnd,
		DeadlineDays:    45,
		GracePeriodDays: 10,
		IsActive:        true,
		ActivatedOn:     d(2025, 1, 15),
	}
}

func newJob(t *testing.T, clk clock.Clock, mem *memStores, nf notifier.Notifier, locker Locker) *Job {
	t.Helper()
	if nf == nil {
		nf = &memNotifier{}
	}
	return New(zap.NewNop(), clk, engineConfig(), mem.stores(), nf, NewFacilityGate(locker, time.Minute))
}

func TestTickGeneratesEventsAndStatuses(t *testing.T) {
	fac := testFacility()
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{quarterlyObligation(fac.ID)},
	}

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, nil)
	job.Tick(context.Background())

	require.NotEmpty(t, mem.events)
	// Q1 deadline 2025-05-15 is 35 days out: outside the due-soon window.
	assert.Equal(t, d(2025, 3, 31), mem.events[0].PeriodEnd)
	assert.Equal(t, d(2025, 5, 15), mem.events[0].DeadlineDate)
	assert.Equal(t, models.EventStatusUpcoming, mem.events[0].Status)
	assert.NotEmpty(t, mem.reminders, "reminders planned for generated deadlines")
}

func TestTickIsIdempotent(t *testing.T) {
	fac := testFacility()
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{quarterlyObligation(fac.ID)},
	}
	nf := &memNotifier{}

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nf, nil)
	job.Tick(context.Background())

	events := len(mem.events)
	reminders := len(mem.reminders)
	fired := len(nf.fired)

	job.Tick(context.Background())
	assert.Equal(t, events, len(mem.events), "second tick generates nothing new")
	assert.Equal(t, reminders, len(mem.reminders))
	assert.Equal(t, fired, len(nf.fired), "no reminder fires twice")
}

func TestTickAdvancesOverdue(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyObligation(fac.ID)
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{tmpl},
		events: []*models.ComplianceEvent{{
			ID:                uuid.New(),
			ObligationID:      tmpl.ID,
			FacilityID:        fac.ID,
			PeriodStart:       d(2025, 1, 1),
			PeriodEnd:         d(2025, 3, 31),
			DeadlineDate:      d(2025, 5, 15),
			GraceDeadlineDate: d(2025, 5, 25),
			Status:            models.EventStatusUpcoming,
		}},
	}

	job := newJob(t, clock.At(d(2025, 5, 16)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.EventStatusOverdue, mem.events[0].Status)
}

func TestTickFiresDueReminders(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyObligation(fac.ID)
	eventID := uuid.New()
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{tmpl},
		events: []*models.ComplianceEvent{{
			ID:                eventID,
			ObligationID:      tmpl.ID,
			FacilityID:        fac.ID,
			PeriodStart:       d(2025, 1, 1),
			PeriodEnd:         d(2025, 3, 31),
			DeadlineDate:      d(2025, 5, 15),
			GraceDeadlineDate: d(2025, 5, 25),
			Status:            models.EventStatusUpcoming,
		}},
	}
	nf := &memNotifier{}

	// April 15 is exactly the 30-day offset of the default ladder.
	job := newJob(t, clock.At(d(2025, 4, 15)), mem, nf, nil)
	job.Tick(context.Background())

	require.Len(t, nf.fired, 1)
	assert.Equal(t, models.ReminderRefEvent, nf.fired[0].ReferenceKind)
	assert.Equal(t, eventID, nf.fired[0].ReferenceEntity)
	assert.Equal(t, "Compliance deadline in 30 days", nf.fired[0].Subject)
}

func TestTickPlansCureDeadlineReminders(t *testing.T) {
	fac := testFacility()
	deadline := d(2025, 5, 1)
	testID := uuid.New()
	mem := &memStores{
		facilities: []*models.Facility{fac},
		tests: []*models.CovenantTest{{
			ID:           testID,
			CovenantID:   uuid.New(),
			FacilityID:   fac.ID,
			TestDate:     d(2025, 4, 1),
			Status:       models.TestStatusCurePending,
			CureDeadline: &deadline,
		}},
	}
	nf := &memNotifier{}

	// April 24 is the 7-day offset of the default ladder.
	job := newJob(t, clock.At(d(2025, 4, 24)), mem, nf, nil)
	job.Tick(context.Background())

	var cureReminders int
	for _, r := range mem.reminders {
		if r.RefKind == models.ReminderRefCovenantTest && r.RefID == testID {
			cureReminders++
		}
	}
	assert.NotZero(t, cureReminders, "open cure windows get their own reminder ladder")

	require.Len(t, nf.fired, 1)
	assert.Equal(t, models.ReminderRefCovenantTest, nf.fired[0].ReferenceKind)
	assert.Equal(t, "Cure deadline in 7 days", nf.fired[0].Subject)
}

func TestTickStopsBetweenFacilitiesOnCancel(t *testing.T) {
	fac := testFacility()
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{quarterlyObligation(fac.ID)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, nil)
	job.Tick(ctx)

	assert.Empty(t, mem.events, "no unit of work starts after cancellation")
}

func TestTickExpiresCureToFinal(t *testing.T) {
	fac := testFacility()
	deadline := d(2025, 5, 1)
	mem := &memStores{
		facilities: []*models.Facility{fac},
		tests: []*models.CovenantTest{{
			ID:           uuid.New(),
			CovenantID:   uuid.New(),
			FacilityID:   fac.ID,
			TestDate:     d(2025, 4, 1),
			Status:       models.TestStatusCurePending,
			CureDeadline: &deadline,
		}},
	}

	job := newJob(t, clock.At(d(2025, 5, 2)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.TestStatusFailFinal, mem.tests[0].Status)
	assert.Equal(t, models.FacilityStatusDefault, fac.Status, "final failure drives the facility to default")
}

func TestTickCureExpiryFallsBackToOpenWaiver(t *testing.T) {
	fac := testFacility()
	deadline := d(2025, 5, 1)
	waiver := &models.Waiver{
		ID:          uuid.New(),
		FacilityID:  fac.ID,
		TargetKind:  models.WaiverTargetCovenantTest,
		PeriodStart: d(2025, 4, 1),
		PeriodEnd:   d(2025, 6, 30),
		Status:      models.WaiverStatusRequested,
	}
	waiverID := waiver.ID
	mem := &memStores{
		facilities: []*models.Facility{fac},
		waivers:    []*models.Waiver{waiver},
		tests: []*models.CovenantTest{{
			ID:           uuid.New(),
			CovenantID:   uuid.New(),
			FacilityID:   fac.ID,
			TestDate:     d(2025, 4, 1),
			Status:       models.TestStatusCurePending,
			CureDeadline: &deadline,
			WaiverID:     &waiverID,
		}},
	}

	job := newJob(t, clock.At(d(2025, 5, 2)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.TestStatusWaiverRequested, mem.tests[0].Status,
		"open waiver keeps the test pending past the cure window")
}

func TestTickExpiresElapsedWaiver(t *testing.T) {
	fac := testFacility()
	testID := uuid.New()
	waiver := &models.Waiver{
		ID:          uuid.New(),
		FacilityID:  fac.ID,
		TargetKind:  models.WaiverTargetCovenantTest,
		TargetID:    testID,
		PeriodStart: d(2025, 1, 1),
		PeriodEnd:   d(2025, 3, 31),
		Status:      models.WaiverStatusApproved,
	}
	waiverID := waiver.ID
	mem := &memStores{
		facilities: []*models.Facility{fac},
		waivers:    []*models.Waiver{waiver},
		tests: []*models.CovenantTest{{
			ID:         testID,
			CovenantID: uuid.New(),
			FacilityID: fac.ID,
			TestDate:   d(2025, 2, 15),
			Status:     models.TestStatusWaived,
			WaiverID:   &waiverID,
		}},
	}

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.WaiverStatusExpired, waiver.Status)
	assert.Equal(t, models.TestStatusFailFinal, mem.tests[0].Status,
		"a lapsed waiver reopens the underlying failure")
}

func TestTickDerivesDefaultPastGrace(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyObligation(fac.ID)
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{tmpl},
		events: []*models.ComplianceEvent{{
			ID:                uuid.New(),
			ObligationID:      tmpl.ID,
			FacilityID:        fac.ID,
			PeriodStart:       d(2025, 1, 1),
			PeriodEnd:         d(2025, 3, 31),
			DeadlineDate:      d(2025, 5, 15),
			GraceDeadlineDate: d(2025, 5, 25),
			Status:            models.EventStatusOverdue,
		}},
	}

	job := newJob(t, clock.At(d(2025, 5, 26)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.FacilityStatusDefault, fac.Status,
		"an unwaived event past its grace deadline drives the facility to default")
}

func TestTickDerivesWaiverPeriodStatus(t *testing.T) {
	fac := testFacility()
	mem := &memStores{
		facilities: []*models.Facility{fac},
		waivers: []*models.Waiver{{
			ID:          uuid.New(),
			FacilityID:  fac.ID,
			TargetKind:  models.WaiverTargetEvent,
			TargetID:    uuid.New(),
			PeriodStart: d(2025, 4, 1),
			PeriodEnd:   d(2025, 6, 30),
			Status:      models.WaiverStatusApproved,
		}},
	}

	job := newJob(t, clock.At(d(2025, 5, 1)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Equal(t, models.FacilityStatusWaiverPeriod, fac.Status)
}

func TestTickRetriesTransientFailures(t *testing.T) {
	fac := testFacility()
	mem := &memStores{
		facilities:          []*models.Facility{fac},
		obligations:         []*models.ObligationTemplate{quarterlyObligation(fac.ID)},
		listObligationsErrs: 2,
	}

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, nil)
	job.Tick(context.Background())

	assert.NotEmpty(t, mem.events, "tick succeeds after transient store failures")
}

func TestTickPausesFacilityOnIntegrityError(t *testing.T) {
	fac := testFacility()
	tmpl := quarterlyObligation(fac.ID)
	// Two stored events for the same period is corrupt state.
	dup := func() *models.ComplianceEvent {
		return &models.ComplianceEvent{
			ID:                uuid.New(),
			ObligationID:      tmpl.ID,
			FacilityID:        fac.ID,
			PeriodStart:       d(2025, 1, 1),
			PeriodEnd:         d(2025, 3, 31),
			DeadlineDate:      d(2025, 5, 15),
			GraceDeadlineDate: d(2025, 5, 25),
			Status:            models.EventStatusUpcoming,
		}
	}
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{tmpl},
		events:      []*models.ComplianceEvent{dup(), dup()},
	}
	locker := newMemLocker()

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, locker)
	job.Tick(context.Background())

	reason, err := locker.FacilityPaused(context.Background(), fac.ID)
	require.NoError(t, err)
	assert.Contains(t, reason, "duplicate event")

	// Paused facilities are skipped on subsequent ticks.
	before := len(mem.events)
	job.Tick(context.Background())
	assert.Equal(t, before, len(mem.events))
}

func TestTickSkipsClosedFacilities(t *testing.T) {
	fac := testFacility()
	closed := models.FacilityStatusClosed
	fac.StatusOverride = &closed
	mem := &memStores{
		facilities:  []*models.Facility{fac},
		obligations: []*models.ObligationTemplate{quarterlyObligation(fac.ID)},
	}

	job := newJob(t, clock.At(d(2025, 4, 10)), mem, nil, nil)
	job.Tick(context.Background())

	assert.Empty(t, mem.events, "closed facilities are not recomputed")
}

// Package recompute runs the periodic job that keeps every monitored
// facility's compliance state current: it materializes events, advances
// clock-driven statuses, expires cure windows and waivers, derives the
// facility status and plans and fires reminders.
//
// Facilities are independent units of work processed concurrently; all
// writes for one facility happen under that facility's lock, so two
// instances never interleave writes for the same facility.
package recompute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"covtrack/internal/clock"
	"covtrack/internal/config"
	"covtrack/internal/engine"
	"covtrack/internal/models"
	"covtrack/internal/notifier"
	"covtrack/internal/obs"
)

// FacilityStore is the facility persistence the job depends on.
type FacilityStore interface {
	ListMonitored(ctx context.Context) ([]*models.Facility, error)
	UpdateDerivedStatus(ctx context.Context, id uuid.UUID, status models.FacilityStatus) error
}

// ObligationStore lists the active templates to expand.
type ObligationStore interface {
	ListByFacility(ctx context.Context, facilityID uuid.UUID, activeOnly bool) ([]*models.ObligationTemplate, error)
}

// EventStore is the compliance event persistence the job depends on.
type EventStore interface {
	ListByObligation(ctx context.Context, obligationID uuid.UUID) ([]*models.ComplianceEvent, error)
	ListClockDriven(ctx context.Context, facilityID uuid.UUID) ([]*models.ComplianceEvent, error)
	Upsert(ctx context.Context, event *models.ComplianceEvent) (*models.ComplianceEvent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.EventStatus) error
}

// TestStore is the covenant test persistence the job depends on.
type TestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CovenantTest, error)
	ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error)
	ListOpen(ctx context.Context, facilityID uuid.UUID) ([]*models.CovenantTest, error)
	UpdateResolution(ctx context.Context, test *models.CovenantTest) error
}

// WaiverStore is the waiver persistence the job depends on.
type WaiverStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Waiver, error)
	ListByFacility(ctx context.Context, facilityID uuid.UUID) ([]*models.Waiver, error)
	ExpireElapsed(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Waiver, error)
}

// ReminderStore is the reminder persistence the job depends on.
type ReminderStore interface {
	ListByRef(ctx context.Context, kind models.ReminderRef, refID uuid.UUID) ([]*models.Reminder, error)
	ListDue(ctx context.Context, facilityID uuid.UUID, asOf time.Time) ([]*models.Reminder, error)
	InsertMany(ctx context.Context, reminders []*models.Reminder) error
	DeletePending(ctx context.Context, kind models.ReminderRef, refID uuid.UUID, keepIDs []uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
}

// Locker coordinates facility processing across instances. Nil disables
// cross-instance coordination; the in-process stripes still serialize.
type Locker interface {
	AcquireFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string) error
	PauseFacility(ctx context.Context, facilityID uuid.UUID, reason string) error
	FacilityPaused(ctx context.Context, facilityID uuid.UUID) (string, error)
}

// Stores bundles the persistence dependencies of the job.
type Stores struct {
	Facilities  FacilityStore
	Obligations ObligationStore
	Events      EventStore
	Tests       TestStore
	Waivers     WaiverStore
	Reminders   ReminderStore
}

// Job is the periodic recompute driver.
type Job struct {
	logger    *zap.Logger
	clock     clock.Clock
	cfg       config.EngineConfig
	stores    Stores
	scheduler *engine.Scheduler
	resolver  *engine.Resolver
	planner   *engine.Planner
	notifier  notifier.Notifier
	gate      *FacilityGate
}

// New creates a recompute job. The gate is shared with the API handlers
// so manual actions serialize against the tick.
func New(logger *zap.Logger, clk clock.Clock, cfg config.EngineConfig, stores Stores, nf notifier.Notifier, gate *FacilityGate) *Job {
	sched := engine.NewScheduler()
	if cfg.LookaheadMonths > 0 {
		sched.LookaheadMonths = cfg.LookaheadMonths
	}
	if cfg.DueSoonDays > 0 {
		sched.DueSoonDays = cfg.DueSoonDays
	}
	if gate == nil {
		gate = NewFacilityGate(nil, 2*cfg.TickInterval)
	}

	return &Job{
		logger:    logger,
		clock:     clk,
		cfg:       cfg,
		stores:    stores,
		scheduler: sched,
		resolver:  engine.NewResolver(),
		planner:   engine.NewPlanner(),
		notifier:  nf,
		gate:      gate,
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately so a restarted instance catches up without waiting a full
// interval.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.TickInterval)
	defer ticker.Stop()

	j.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Tick(ctx)
		}
	}
}

// Tick processes every monitored facility once through a bounded worker
// pool and returns when all units of work finish.
func (j *Job) Tick(ctx context.Context) {
	facilities, err := j.stores.Facilities.ListMonitored(ctx)
	if err != nil {
		j.logger.Error("list monitored facilities", zap.Error(err))
		return
	}

	workers := j.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for _, fac := range facilities {
		// Cancellation lands between facilities; a started unit of work
		// always finishes.
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(fac *models.Facility) {
			defer wg.Done()
			defer func() { <-sem }()
			j.runFacility(ctx, fac)
		}(fac)
	}
	wg.Wait()

	obs.RecomputeTicks.Inc()
	j.logger.Info("recompute tick complete", zap.Int("facilities", len(facilities)))
}

// RunFacility processes a single facility immediately, outside the tick
// cadence. Used by the on-demand recompute endpoint.
func (j *Job) RunFacility(ctx context.Context, fac *models.Facility) {
	j.runFacility(ctx, fac)
}

// runFacility wraps one facility's unit of work with pause checks,
// locking and the transient retry loop.
func (j *Job) runFacility(ctx context.Context, fac *models.Facility) {
	stripe := j.gate.stripe(fac.ID)
	stripe.Lock()
	defer stripe.Unlock()

	if j.gate.locker != nil {
		reason, err := j.gate.locker.FacilityPaused(ctx, fac.ID)
		if err != nil {
			j.logger.Error("read pause flag", zap.String("facility_id", fac.ID.String()), zap.Error(err))
			obs.FacilitiesProcessed.WithLabelValues("error").Inc()
			return
		}
		if reason != "" {
			j.logger.Warn("facility recompute paused",
				zap.String("facility_id", fac.ID.String()),
				zap.String("reason", reason))
			obs.FacilitiesProcessed.WithLabelValues("paused").Inc()
			return
		}

		ok, err := j.gate.locker.AcquireFacilityLock(ctx, fac.ID, j.gate.owner, 2*j.cfg.TickInterval)
		if err != nil {
			j.logger.Error("acquire facility lock", zap.String("facility_id", fac.ID.String()), zap.Error(err))
			obs.FacilitiesProcessed.WithLabelValues("error").Inc()
			return
		}
		if !ok {
			obs.FacilitiesProcessed.WithLabelValues("locked").Inc()
			return
		}
		defer func() {
			if err := j.gate.locker.ReleaseFacilityLock(ctx, fac.ID, j.gate.owner); err != nil {
				j.logger.Warn("release facility lock", zap.String("facility_id", fac.ID.String()), zap.Error(err))
			}
		}()
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = j.processFacility(ctx, fac)
		if err == nil {
			obs.FacilitiesProcessed.WithLabelValues("ok").Inc()
			return
		}
		if !engine.IsTransient(err) || attempt >= j.cfg.MaxRetries {
			break
		}
		obs.RetriesTotal.Inc()
		j.logger.Warn("facility recompute retry",
			zap.String("facility_id", fac.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(j.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}

	if engine.IsIntegrity(err) {
		j.logger.Error("facility recompute paused on integrity error",
			zap.String("facility_id", fac.ID.String()),
			zap.Error(err))
		if j.gate.locker != nil {
			if perr := j.gate.locker.PauseFacility(ctx, fac.ID, err.Error()); perr != nil {
				j.logger.Error("pause facility", zap.String("facility_id", fac.ID.String()), zap.Error(perr))
			}
		}
		obs.FacilitiesPaused.Inc()
		obs.FacilitiesProcessed.WithLabelValues("integrity").Inc()
		return
	}

	j.logger.Error("facility recompute failed",
		zap.String("facility_id", fac.ID.String()),
		zap.Error(err))
	obs.FacilitiesProcessed.WithLabelValues("error").Inc()
}

// processFacility is the ordered unit of work for one facility.
func (j *Job) processFacility(ctx context.Context, fac *models.Facility) error {
	asOf := j.clock.Now()

	if err := j.generateEvents(ctx, fac, asOf); err != nil {
		return err
	}
	if err := j.expireWaivers(ctx, fac, asOf); err != nil {
		return err
	}
	if err := j.expireCures(ctx, fac, asOf); err != nil {
		return err
	}
	if err := j.recomputeEventStatuses(ctx, fac, asOf); err != nil {
		return err
	}
	if err := j.deriveFacilityStatus(ctx, fac, asOf); err != nil {
		return err
	}
	if err := j.replanReminders(ctx, fac, asOf); err != nil {
		return err
	}
	return j.fireDueReminders(ctx, fac, asOf)
}

func (j *Job) generateEvents(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	templates, err := j.stores.Obligations.ListByFacility(ctx, fac.ID, true)
	if err != nil {
		return &engine.TransientError{Op: "list obligations", Err: err}
	}

	for _, tmpl := range templates {
		existing, err := j.stores.Events.ListByObligation(ctx, tmpl.ID)
		if err != nil {
			return &engine.TransientError{Op: "list events", Err: err}
		}

		generated, err := j.scheduler.GenerateEvents(tmpl, fac, existing, asOf)
		if err != nil {
			return err
		}

		for _, ev := range generated {
			created, err := j.stores.Events.Upsert(ctx, ev)
			if err != nil {
				return &engine.TransientError{Op: "insert event", Err: err}
			}
			if created != nil {
				obs.EventsGenerated.Inc()
			}
		}
	}
	return nil
}

func (j *Job) expireWaivers(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	expired, err := j.stores.Waivers.ExpireElapsed(ctx, fac.ID, asOf)
	if err != nil {
		return &engine.TransientError{Op: "expire waivers", Err: err}
	}

	for _, w := range expired {
		j.logger.Info("waiver expired",
			zap.String("facility_id", fac.ID.String()),
			zap.String("waiver_id", w.ID.String()),
			zap.String("target_kind", string(w.TargetKind)))

		switch w.TargetKind {
		case models.WaiverTargetCovenantTest:
			test, err := j.stores.Tests.GetByID(ctx, w.TargetID)
			if err != nil {
				return &engine.TransientError{Op: "load waived test", Err: err}
			}
			if test == nil {
				continue
			}
			if test.Status != models.TestStatusWaived && test.Status != models.TestStatusWaiverRequested {
				continue
			}
			// The waiver carried the test; its lapse reopens the failure.
			test.Status = models.TestStatusFailFinal
			if err := j.stores.Tests.UpdateResolution(ctx, test); err != nil {
				return &engine.TransientError{Op: "update test resolution", Err: err}
			}
		case models.WaiverTargetEvent:
			// A lapsed event waiver puts the event back on the clock; the
			// status recompute later in this unit lands it where it belongs.
			if err := j.stores.Events.UpdateStatus(ctx, w.TargetID, models.EventStatusUpcoming); err != nil {
				return &engine.TransientError{Op: "update event status", Err: err}
			}
		}
	}
	return nil
}

func (j *Job) expireCures(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	open, err := j.stores.Tests.ListOpen(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list open tests", Err: err}
	}

	for _, test := range open {
		if !test.CureExpired(asOf) {
			continue
		}

		hasOpenWaiver := false
		if test.WaiverID != nil {
			waiver, err := j.stores.Waivers.GetByID(ctx, *test.WaiverID)
			if err != nil {
				return &engine.TransientError{Op: "load waiver", Err: err}
			}
			hasOpenWaiver = waiver != nil && waiver.Status == models.WaiverStatusRequested
		}

		changed, err := j.resolver.ExpireCure(test, hasOpenWaiver, asOf)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		j.logger.Info("cure window expired",
			zap.String("facility_id", fac.ID.String()),
			zap.String("test_id", test.ID.String()),
			zap.String("status", string(test.Status)))
		if err := j.stores.Tests.UpdateResolution(ctx, test); err != nil {
			return &engine.TransientError{Op: "update test resolution", Err: err}
		}
	}
	return nil
}

func (j *Job) recomputeEventStatuses(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	events, err := j.stores.Events.ListClockDriven(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list clock-driven events", Err: err}
	}

	for _, ev := range events {
		next := j.scheduler.RecomputeStatus(ev, asOf)
		if next == ev.Status {
			continue
		}
		if err := j.stores.Events.UpdateStatus(ctx, ev.ID, next); err != nil {
			return &engine.TransientError{Op: "update event status", Err: err}
		}
	}
	return nil
}

// deriveFacilityStatus computes the facility status from compliance
// state: an unresolved final failure or an unwaived event past its grace
// deadline dominates, then an in-force approved waiver, then active. An
// administrative override is never touched.
func (j *Job) deriveFacilityStatus(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	tests, err := j.stores.Tests.ListByFacility(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list tests", Err: err}
	}
	waivers, err := j.stores.Waivers.ListByFacility(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list waivers", Err: err}
	}
	events, err := j.stores.Events.ListClockDriven(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list clock-driven events", Err: err}
	}

	derived := models.FacilityStatusActive
	for _, w := range waivers {
		if w.Status == models.WaiverStatusApproved && w.Covers(asOf) {
			derived = models.FacilityStatusWaiverPeriod
			break
		}
	}
	for _, t := range tests {
		if t.Status == models.TestStatusFailFinal {
			derived = models.FacilityStatusDefault
			break
		}
	}
	if derived != models.FacilityStatusDefault {
		for _, ev := range events {
			if ev.PastGrace(asOf) {
				derived = models.FacilityStatusDefault
				break
			}
		}
	}

	if derived == fac.Status {
		return nil
	}

	j.logger.Info("facility status derived",
		zap.String("facility_id", fac.ID.String()),
		zap.String("from", string(fac.Status)),
		zap.String("to", string(derived)))
	if err := j.stores.Facilities.UpdateDerivedStatus(ctx, fac.ID, derived); err != nil {
		return &engine.TransientError{Op: "update facility status", Err: err}
	}
	fac.Status = derived
	return nil
}

func (j *Job) replanReminders(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	events, err := j.stores.Events.ListClockDriven(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list clock-driven events", Err: err}
	}

	cfg := models.DefaultAlertConfig()
	for _, ev := range events {
		if err := j.replanRef(ctx, cfg, fac.ID, models.ReminderRefEvent, ev.ID, ev.DeadlineDate, asOf); err != nil {
			return err
		}
	}

	// Open cure windows carry deadlines of their own.
	open, err := j.stores.Tests.ListOpen(ctx, fac.ID)
	if err != nil {
		return &engine.TransientError{Op: "list open tests", Err: err}
	}
	for _, test := range open {
		if test.Status != models.TestStatusCurePending || test.CureDeadline == nil {
			continue
		}
		if err := j.replanRef(ctx, cfg, fac.ID, models.ReminderRefCovenantTest, test.ID, *test.CureDeadline, asOf); err != nil {
			return err
		}
	}
	return nil
}

// replanRef reconciles the stored reminder set of one deadline against
// the plan.
func (j *Job) replanRef(ctx context.Context, cfg models.AlertThresholdConfig, facilityID uuid.UUID, kind models.ReminderRef, refID uuid.UUID, deadline, asOf time.Time) error {
	planned := j.planner.PlanReminders(cfg, facilityID, kind, refID, deadline, asOf)
	existing, err := j.stores.Reminders.ListByRef(ctx, kind, refID)
	if err != nil {
		return &engine.TransientError{Op: "list reminders", Err: err}
	}

	toCreate, toRemove := j.planner.DiffReminders(existing, planned)
	if len(toCreate) > 0 {
		if err := j.stores.Reminders.InsertMany(ctx, toCreate); err != nil {
			return &engine.TransientError{Op: "insert reminders", Err: err}
		}
	}
	if len(toRemove) > 0 {
		removing := make(map[uuid.UUID]bool, len(toRemove))
		for _, r := range toRemove {
			removing[r.ID] = true
		}
		var keep []uuid.UUID
		for _, r := range existing {
			if !removing[r.ID] {
				keep = append(keep, r.ID)
			}
		}
		if err := j.stores.Reminders.DeletePending(ctx, kind, refID, keep); err != nil {
			return &engine.TransientError{Op: "delete reminders", Err: err}
		}
	}
	return nil
}

func (j *Job) fireDueReminders(ctx context.Context, fac *models.Facility, asOf time.Time) error {
	due, err := j.stores.Reminders.ListDue(ctx, fac.ID, asOf)
	if err != nil {
		return &engine.TransientError{Op: "list due reminders", Err: err}
	}

	for _, rem := range due {
		j.notifier.Fire(ctx, notifier.FireInstruction{
			TargetUsers:     rem.TargetUsers,
			TargetRoles:     rem.TargetRoles,
			Channel:         rem.Channel,
			Subject:         reminderSubject(rem),
			ReferenceKind:   rem.RefKind,
			ReferenceEntity: rem.RefID,
			FacilityID:      rem.FacilityID,
		})
		if err := j.stores.Reminders.MarkSent(ctx, rem.ID, asOf); err != nil {
			return &engine.TransientError{Op: "mark reminder sent", Err: err}
		}
	}
	return nil
}

func reminderSubject(rem *models.Reminder) string {
	noun := "Compliance deadline"
	if rem.RefKind == models.ReminderRefCovenantTest {
		noun = "Cure deadline"
	}
	switch rem.DaysBefore {
	case 0:
		return noun + " is today"
	case 1:
		return noun + " tomorrow"
	default:
		return fmt.Sprintf("%s in %d days", noun, rem.DaysBefore)
	}
}

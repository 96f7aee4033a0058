package engine

import (
	"time"

	"github.com/google/uuid"

	"covtrack/internal/calendar"
	"covtrack/internal/models"
)

// Planner derives reminder intents from deadlines and the facility's
// alert threshold configuration. Planning is idempotent: replanning with
// the same config and deadline produces the same reminder set.
type Planner struct{}

// NewPlanner returns a planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// PlanReminders computes the reminder set for one deadline. Offsets that
// already lie in the past relative to asOf come back marked sent and
// skipped, so a late replan never fires a backdated notification storm.
// Thresholds that land on the same (ref, channel, scheduled_for) key are
// merged into one reminder addressing the union of their audiences.
func (p *Planner) PlanReminders(cfg models.AlertThresholdConfig, facilityID uuid.UUID, refKind models.ReminderRef, refID uuid.UUID, deadline, asOf time.Time) []*models.Reminder {
	var out []*models.Reminder
	seen := make(map[string]*models.Reminder, len(cfg.Thresholds))
	day := calendar.DateOnly(deadline)
	for _, th := range cfg.Thresholds {
		if !th.Enabled {
			continue
		}
		scheduled := day.AddDate(0, 0, -th.DaysBefore)
		rem := &models.Reminder{
			ID:           uuid.New(),
			FacilityID:   facilityID,
			RefKind:      refKind,
			RefID:        refID,
			Channel:      th.Channel,
			TargetUsers:  th.TargetUsers,
			TargetRoles:  th.TargetRoles,
			DaysBefore:   th.DaysBefore,
			ScheduledFor: scheduled,
		}
		if scheduled.Before(calendar.DateOnly(asOf)) {
			rem.IsSent = true
			rem.Skipped = true
		}
		if prior, ok := seen[rem.Key()]; ok {
			prior.TargetUsers = mergeAudience(prior.TargetUsers, th.TargetUsers)
			prior.TargetRoles = mergeAudience(prior.TargetRoles, th.TargetRoles)
			continue
		}
		seen[rem.Key()] = rem
		out = append(out, rem)
	}
	return out
}

// mergeAudience unions two recipient lists, keeping first-seen order.
func mergeAudience(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// DiffReminders compares the planned set against existing reminders.
// Planned entries whose (ref, channel, scheduled_for) key already
// exists are dropped; existing unsent entries with no planned counterpart
// are slated for removal. Sent reminders are history and never removed.
func (p *Planner) DiffReminders(existing, planned []*models.Reminder) (toCreate, toRemove []*models.Reminder) {
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.Key()] = true
	}

	want := make(map[string]bool, len(planned))
	for _, r := range planned {
		key := r.Key()
		if want[key] {
			continue
		}
		want[key] = true
		if !have[key] {
			toCreate = append(toCreate, r)
		}
	}

	for _, r := range existing {
		if !want[r.Key()] && !r.IsSent {
			toRemove = append(toRemove, r)
		}
	}
	return toCreate, toRemove
}

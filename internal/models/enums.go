package models

// FacilityStatus represents the lifecycle status of a monitored facility.
type FacilityStatus string

const (
	FacilityStatusActive       FacilityStatus = "active"
	FacilityStatusWaiverPeriod FacilityStatus = "waiver_period"
	FacilityStatusDefault      FacilityStatus = "default"
	FacilityStatusClosed       FacilityStatus = "closed"
)

// ObligationFrequency represents how often an obligation recurs.
type ObligationFrequency string

const (
	FrequencyAnnual     ObligationFrequency = "annual"
	FrequencySemiAnnual ObligationFrequency = "semi_annual"
	FrequencyQuarterly  ObligationFrequency = "quarterly"
	FrequencyMonthly    ObligationFrequency = "monthly"
	FrequencyOneTime    ObligationFrequency = "one_time"
	FrequencyOnEvent    ObligationFrequency = "on_event"
)

// IsRecurring returns true if the frequency produces a periodic schedule.
func (f ObligationFrequency) IsRecurring() bool {
	switch f {
	case FrequencyAnnual, FrequencySemiAnnual, FrequencyQuarterly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

// PeriodMonths returns the period length in months for recurring frequencies.
func (f ObligationFrequency) PeriodMonths() int {
	switch f {
	case FrequencyAnnual:
		return 12
	case FrequencySemiAnnual:
		return 6
	case FrequencyQuarterly:
		return 3
	case FrequencyMonthly:
		return 1
	default:
		return 0
	}
}

// ReferencePoint represents the anchor date type a deadline is computed from.
type ReferencePoint string

const (
	ReferencePeriodEnd     ReferencePoint = "period_end"
	ReferenceFiscalYearEnd ReferencePoint = "fiscal_year_end"
	ReferenceFixedDate     ReferencePoint = "fixed_date"
	ReferenceEventDate     ReferencePoint = "event_date"
)

// EventStatus represents the state machine status of a compliance event.
type EventStatus string

const (
	EventStatusUpcoming    EventStatus = "upcoming"
	EventStatusDueSoon     EventStatus = "due_soon"
	EventStatusOverdue     EventStatus = "overdue"
	EventStatusSubmitted   EventStatus = "submitted"
	EventStatusUnderReview EventStatus = "under_review"
	EventStatusAccepted    EventStatus = "accepted"
	EventStatusRejected    EventStatus = "rejected"
	EventStatusWaived      EventStatus = "waived"
)

// IsClockDriven returns true if the status can still change purely with
// the passage of time. Statuses set by explicit actions never are.
func (s EventStatus) IsClockDriven() bool {
	switch s {
	case EventStatusUpcoming, EventStatusDueSoon, EventStatusOverdue:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a terminal state.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case EventStatusAccepted, EventStatusWaived:
		return true
	default:
		return false
	}
}

// ThresholdType represents the direction of a covenant threshold.
type ThresholdType string

const (
	ThresholdMaximum ThresholdType = "maximum"
	ThresholdMinimum ThresholdType = "minimum"
)

// TestingBasis represents the accounting window for covenant inputs.
type TestingBasis string

const (
	BasisPeriodEnd       TestingBasis = "period_end"
	BasisRolling12Months TestingBasis = "rolling_12_months"
	BasisRolling4Quarter TestingBasis = "rolling_4_quarters"
)

// TestStatus represents the state machine status of a covenant test.
// A failed test is pending until cure and waiver avenues resolve; cured,
// waived and fail_final are terminal.
type TestStatus string

const (
	TestStatusPass            TestStatus = "pass"
	TestStatusFailPending     TestStatus = "fail_pending"
	TestStatusCurePending     TestStatus = "cure_pending"
	TestStatusWaiverRequested TestStatus = "waiver_requested"
	TestStatusCured           TestStatus = "cured"
	TestStatusWaived          TestStatus = "waived"
	TestStatusFailFinal       TestStatus = "fail_final"
)

// IsTerminal returns true if the status is a terminal state.
func (s TestStatus) IsTerminal() bool {
	switch s {
	case TestStatusPass, TestStatusCured, TestStatusWaived, TestStatusFailFinal:
		return true
	default:
		return false
	}
}

// IsFailed returns true if the status represents an unresolved or final failure.
func (s TestStatus) IsFailed() bool {
	switch s {
	case TestStatusFailPending, TestStatusCurePending, TestStatusWaiverRequested, TestStatusFailFinal:
		return true
	default:
		return false
	}
}

// Result maps the internal status to the externally reported test result.
func (s TestStatus) Result() string {
	switch s {
	case TestStatusPass:
		return "pass"
	case TestStatusCured:
		return "cured"
	case TestStatusWaived:
		return "waived"
	default:
		return "fail"
	}
}

// CanTransition returns true if the status may move to the target status.
func (s TestStatus) CanTransition(to TestStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TestStatusFailPending:
		switch to {
		case TestStatusCurePending, TestStatusWaiverRequested, TestStatusWaived, TestStatusFailFinal:
			return true
		}
	case TestStatusCurePending:
		switch to {
		case TestStatusCured, TestStatusWaived, TestStatusWaiverRequested, TestStatusFailFinal:
			return true
		}
	case TestStatusWaiverRequested:
		switch to {
		case TestStatusWaived, TestStatusCured, TestStatusFailFinal:
			return true
		}
	}
	return false
}

// WaiverStatus represents the lifecycle status of a waiver.
type WaiverStatus string

const (
	WaiverStatusRequested  WaiverStatus = "requested"
	WaiverStatusApproved   WaiverStatus = "approved"
	WaiverStatusRejected   WaiverStatus = "rejected"
	WaiverStatusExpired    WaiverStatus = "expired"
	WaiverStatusSuperseded WaiverStatus = "superseded"
)

// IsTerminal returns true if the status is a terminal state.
func (s WaiverStatus) IsTerminal() bool {
	return s != WaiverStatusRequested
}

// ConsentLevel represents the lender consent required for a waiver.
type ConsentLevel string

const (
	ConsentAgent           ConsentLevel = "agent"
	ConsentMajorityLenders ConsentLevel = "majority_lenders"
	ConsentAllLenders      ConsentLevel = "all_lenders"
)

// WaiverTarget represents the kind of record a waiver applies to.
type WaiverTarget string

const (
	WaiverTargetEvent        WaiverTarget = "event"
	WaiverTargetCovenantTest WaiverTarget = "covenant_test"
)

// ReminderRef represents the kind of deadline a reminder derives from.
type ReminderRef string

const (
	ReminderRefEvent        ReminderRef = "event"
	ReminderRefCovenantTest ReminderRef = "covenant_test"
)

// ReminderChannel represents a notification delivery channel.
type ReminderChannel string

const (
	ChannelEmail ReminderChannel = "email"
	ChannelSMS   ReminderChannel = "sms"
	ChannelInApp ReminderChannel = "in_app"
)

// ReviewDecision represents the outcome of an event review.
type ReviewDecision string

const (
	ReviewAccepted ReviewDecision = "accepted"
	ReviewRejected ReviewDecision = "rejected"
)

// ValidationError describes a field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

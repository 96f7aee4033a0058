package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"covtrack/internal/cache"
	"covtrack/internal/clock"
	"covtrack/internal/models"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// submitIdempotencyTTL bounds how long a replayed Idempotency-Key returns
// the original submission response.
const submitIdempotencyTTL = 24 * time.Hour

// EventHandler handles compliance event endpoints.
type EventHandler struct {
	repo  *repository.EventRepository
	cache *cache.Client
	gate  *recompute.FacilityGate
	clock clock.Clock
}

// NewEventHandler creates a new event handler. cacheClient may be nil;
// submission idempotency keys are then not honored. The gate serializes
// submissions and reviews against the recompute tick for the facility.
func NewEventHandler(repo *repository.EventRepository, cacheClient *cache.Client, gate *recompute.FacilityGate, clk clock.Clock) *EventHandler {
	return &EventHandler{repo: repo, cache: cacheClient, gate: gate, clock: clk}
}

// Get returns an event by ID.
// GET /api/v1/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid event ID")
		return
	}

	event, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get event")
		return
	}
	if event == nil {
		NotFound(w, "event not found")
		return
	}

	JSON(w, http.StatusOK, event)
}

// ListByFacility returns a facility's events with optional filters.
// GET /api/v1/facilities/{id}/events
func (h *EventHandler) ListByFacility(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	filter := repository.EventFilter{}

	if status := r.URL.Query().Get("status"); status != "" {
		s := models.EventStatus(status)
		filter.Status = &s
	}
	if obligation := r.URL.Query().Get("obligation_id"); obligation != "" {
		oid, err := uuid.Parse(obligation)
		if err != nil {
			BadRequest(w, "invalid obligation_id filter")
			return
		}
		filter.ObligationID = &oid
	}
	// from/to are aliases bounding the deadline date.
	if from := r.URL.Query().Get("from"); from != "" {
		d, err := time.Parse("2006-01-02", from)
		if err != nil {
			BadRequest(w, "invalid from, expected YYYY-MM-DD")
			return
		}
		filter.DeadlineAfter = &d
	}
	if to := r.URL.Query().Get("to"); to != "" {
		d, err := time.Parse("2006-01-02", to)
		if err != nil {
			BadRequest(w, "invalid to, expected YYYY-MM-DD")
			return
		}
		filter.DeadlineBefore = &d
	}
	if before := r.URL.Query().Get("deadline_before"); before != "" {
		d, err := time.Parse("2006-01-02", before)
		if err != nil {
			BadRequest(w, "invalid deadline_before, expected YYYY-MM-DD")
			return
		}
		filter.DeadlineBefore = &d
	}
	if after := r.URL.Query().Get("deadline_after"); after != "" {
		d, err := time.Parse("2006-01-02", after)
		if err != nil {
			BadRequest(w, "invalid deadline_after, expected YYYY-MM-DD")
			return
		}
		filter.DeadlineAfter = &d
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= 1000 {
			filter.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}

	events, err := h.repo.ListByFacility(r.Context(), facilityID, filter)
	if err != nil {
		InternalError(w, "failed to list events")
		return
	}

	JSON(w, http.StatusOK, events)
}

// SubmitRequest represents a deliverable submission.
type SubmitRequest struct {
	SubmittedBy string  `json:"submitted_by"`
	Notes       *string `json:"notes,omitempty"`
}

// Submit records a deliverable submission against an event. Submitting
// while overdue is allowed; the lateness stays on the audit record via
// the submission timestamp against the deadline.
// POST /api/v1/events/{id}/submit
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid event ID")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.SubmittedBy == "" {
		BadRequest(w, "submitted_by is required")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.cache != nil {
		cached, err := h.cache.GetIdempotencyKey(r.Context(), "event-submit", idemKey)
		if err == nil && cached != nil {
			JSON(w, http.StatusOK, json.RawMessage(cached))
			return
		}
	}

	event, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get event")
		return
	}
	if event == nil {
		NotFound(w, "event not found")
		return
	}

	if err := h.gate.With(r.Context(), event.FacilityID, func() error {
		// Reload under the lock: the status guards must see the current
		// row, not the one from before the lock was taken.
		event, err = h.repo.GetByID(r.Context(), id)
		if err != nil || event == nil {
			InternalError(w, "failed to get event")
			return nil
		}
		if event.Status.IsTerminal() {
			Conflict(w, "event is already resolved")
			return nil
		}
		if event.Status == models.EventStatusSubmitted || event.Status == models.EventStatusUnderReview {
			Conflict(w, "event already has a submission under review")
			return nil
		}

		updated, err := h.repo.RecordSubmission(r.Context(), id, req.SubmittedBy, req.Notes, h.clock.Now())
		if err != nil {
			InternalError(w, "failed to record submission")
			return nil
		}

		if idemKey != "" && h.cache != nil {
			if raw, err := json.Marshal(updated); err == nil {
				// Best effort: a lost key only costs the replay shortcut.
				_ = h.cache.SetIdempotencyKey(r.Context(), "event-submit", idemKey, raw, submitIdempotencyTTL)
			}
		}

		JSON(w, http.StatusOK, updated)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

// ReviewRequest represents a review decision on a submitted event.
type ReviewRequest struct {
	Decision   string  `json:"decision"`
	ReviewedBy string  `json:"reviewed_by"`
	Notes      *string `json:"notes,omitempty"`
}

// Review accepts or rejects a submitted deliverable. Rejection reopens
// the event for resubmission.
// POST /api/v1/events/{id}/review
func (h *EventHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid event ID")
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.ReviewedBy == "" {
		BadRequest(w, "reviewed_by is required")
		return
	}

	var status models.EventStatus
	switch models.ReviewDecision(req.Decision) {
	case models.ReviewAccepted:
		status = models.EventStatusAccepted
	case models.ReviewRejected:
		status = models.EventStatusRejected
	default:
		BadRequest(w, "decision must be accepted or rejected")
		return
	}

	event, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get event")
		return
	}
	if event == nil {
		NotFound(w, "event not found")
		return
	}

	if err := h.gate.With(r.Context(), event.FacilityID, func() error {
		event, err = h.repo.GetByID(r.Context(), id)
		if err != nil || event == nil {
			InternalError(w, "failed to get event")
			return nil
		}
		if !event.HasSubmission() {
			Conflict(w, "event has no submission to review")
			return nil
		}
		if event.Status.IsTerminal() {
			Conflict(w, "event is already resolved")
			return nil
		}

		updated, err := h.repo.RecordReview(r.Context(), id, status, req.ReviewedBy, req.Notes, h.clock.Now())
		if err != nil {
			InternalError(w, "failed to record review")
			return nil
		}

		JSON(w, http.StatusOK, updated)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

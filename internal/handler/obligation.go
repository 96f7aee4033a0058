package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"covtrack/internal/clock"
	"covtrack/internal/engine"
	"covtrack/internal/models"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// ObligationHandler handles obligation template endpoints.
type ObligationHandler struct {
	repo      *repository.ObligationRepository
	facRepo   *repository.FacilityRepository
	eventRepo *repository.EventRepository
	scheduler *engine.Scheduler
	gate      *recompute.FacilityGate
	clock     clock.Clock
}

// NewObligationHandler creates a new obligation handler. The gate
// serializes template edits and manual triggers against the recompute
// tick for the facility.
func NewObligationHandler(repo *repository.ObligationRepository, facRepo *repository.FacilityRepository, eventRepo *repository.EventRepository, scheduler *engine.Scheduler, gate *recompute.FacilityGate, clk clock.Clock) *ObligationHandler {
	return &ObligationHandler{
		repo:      repo,
		facRepo:   facRepo,
		eventRepo: eventRepo,
		scheduler: scheduler,
		gate:      gate,
		clock:     clk,
	}
}

// CreateObligationRequest represents an obligation import request.
type CreateObligationRequest struct {
	SourceDocumentID     *uuid.UUID `json:"source_document_id,omitempty"`
	ObligationType       string     `json:"obligation_type"`
	Frequency            string     `json:"frequency"`
	ReferencePoint       string     `json:"reference_point"`
	DeadlineDays         int        `json:"deadline_days"`
	DeadlineBusinessDays bool       `json:"deadline_business_days"`
	FixedDeadlineDates   []string   `json:"fixed_deadline_dates,omitempty"`
	GracePeriodDays      int        `json:"grace_period_days"`
	ActivatedOn          string     `json:"activated_on"`
}

// Create imports an obligation template for a facility.
// POST /api/v1/facilities/{id}/obligations
func (h *ObligationHandler) Create(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	facility, err := h.facRepo.GetByID(r.Context(), facilityID)
	if err != nil {
		InternalError(w, "failed to get facility")
		return
	}
	if facility == nil {
		NotFound(w, "facility not found")
		return
	}

	var req CreateObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	params, msg := req.params(facilityID, h.clock.Now())
	if msg != "" {
		BadRequest(w, msg)
		return
	}

	// Validate before anything is stored; a rejected template never
	// reaches event generation.
	tmpl := obligationFromParams(params)
	if errs := tmpl.Validate(); len(errs) > 0 {
		ValidationFailed(w, engine.NewConfigurationError("obligation_template", errs))
		return
	}

	created, err := h.repo.Create(r.Context(), params)
	if err != nil {
		InternalError(w, "failed to create obligation")
		return
	}

	JSON(w, http.StatusCreated, created)
}

// params parses the request into creation parameters. defaultActivated is
// used when activated_on is absent.
func (req *CreateObligationRequest) params(facilityID uuid.UUID, defaultActivated time.Time) (models.CreateObligationParams, string) {
	activatedOn := defaultActivated
	if req.ActivatedOn != "" {
		var err error
		activatedOn, err = time.Parse("2006-01-02", req.ActivatedOn)
		if err != nil {
			return models.CreateObligationParams{}, "invalid activated_on, expected YYYY-MM-DD"
		}
	}

	fixedDates := make([]time.Time, 0, len(req.FixedDeadlineDates))
	for _, raw := range req.FixedDeadlineDates {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return models.CreateObligationParams{}, "invalid fixed_deadline_dates entry, expected YYYY-MM-DD"
		}
		fixedDates = append(fixedDates, d)
	}

	return models.CreateObligationParams{
		FacilityID:           facilityID,
		SourceDocumentID:     req.SourceDocumentID,
		ObligationType:       req.ObligationType,
		Frequency:            models.ObligationFrequency(req.Frequency),
		ReferencePoint:       models.ReferencePoint(req.ReferencePoint),
		DeadlineDays:         req.DeadlineDays,
		DeadlineBusinessDays: req.DeadlineBusinessDays,
		FixedDeadlineDates:   fixedDates,
		GracePeriodDays:      req.GracePeriodDays,
		ActivatedOn:          activatedOn,
	}, ""
}

// obligationFromParams builds the model the Validate guard runs against.
func obligationFromParams(p models.CreateObligationParams) models.ObligationTemplate {
	return models.ObligationTemplate{
		FacilityID:           p.FacilityID,
		ObligationType:       p.ObligationType,
		Frequency:            p.Frequency,
		ReferencePoint:       p.ReferencePoint,
		DeadlineDays:         p.DeadlineDays,
		DeadlineBusinessDays: p.DeadlineBusinessDays,
		FixedDeadlineDates:   p.FixedDeadlineDates,
		GracePeriodDays:      p.GracePeriodDays,
		ActivatedOn:          p.ActivatedOn,
	}
}

// ListByFacility returns a facility's obligation templates.
// GET /api/v1/facilities/{id}/obligations
func (h *ObligationHandler) ListByFacility(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	templates, err := h.repo.ListByFacility(r.Context(), facilityID, activeOnly)
	if err != nil {
		InternalError(w, "failed to list obligations")
		return
	}

	JSON(w, http.StatusOK, templates)
}

// Get returns an obligation template by ID.
// GET /api/v1/obligations/{id}
func (h *ObligationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid obligation ID")
		return
	}

	tmpl, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get obligation")
		return
	}
	if tmpl == nil {
		NotFound(w, "obligation not found")
		return
	}

	JSON(w, http.StatusOK, tmpl)
}

// UpdateObligationRequest represents a forward-looking template edit.
type UpdateObligationRequest struct {
	DeadlineDays         *int  `json:"deadline_days,omitempty"`
	DeadlineBusinessDays *bool `json:"deadline_business_days,omitempty"`
	GracePeriodDays      *int  `json:"grace_period_days,omitempty"`
	IsActive             *bool `json:"is_active,omitempty"`
}

// Update edits a template. Existing event instances keep their dates; the
// next recompute applies the new terms to future periods only.
// PATCH /api/v1/obligations/{id}
func (h *ObligationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid obligation ID")
		return
	}

	var req UpdateObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.DeadlineDays != nil && *req.DeadlineDays < 0 {
		BadRequest(w, "deadline_days must be >= 0")
		return
	}
	if req.GracePeriodDays != nil && *req.GracePeriodDays < 0 {
		BadRequest(w, "grace_period_days must be >= 0")
		return
	}

	tmpl, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get obligation")
		return
	}
	if tmpl == nil {
		NotFound(w, "obligation not found")
		return
	}

	// Template edits change what the next tick generates; they take the
	// facility's turn in line rather than landing mid-generation.
	if err := h.gate.With(r.Context(), tmpl.FacilityID, func() error {
		updated, err := h.repo.Update(r.Context(), id, models.UpdateObligationParams{
			DeadlineDays:         req.DeadlineDays,
			DeadlineBusinessDays: req.DeadlineBusinessDays,
			GracePeriodDays:      req.GracePeriodDays,
			IsActive:             req.IsActive,
		})
		if err != nil {
			InternalError(w, "failed to update obligation")
			return nil
		}
		if updated == nil {
			NotFound(w, "obligation not found")
			return nil
		}

		JSON(w, http.StatusOK, updated)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

// TriggerEventRequest carries the external trigger for an on_event
// obligation.
type TriggerEventRequest struct {
	EventDate string `json:"event_date"`
}

// TriggerEvent materializes an event for an event-driven obligation.
// POST /api/v1/obligations/{id}/events
func (h *ObligationHandler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid obligation ID")
		return
	}

	tmpl, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get obligation")
		return
	}
	if tmpl == nil {
		NotFound(w, "obligation not found")
		return
	}

	var req TriggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	eventDate := h.clock.Now()
	if req.EventDate != "" {
		eventDate, err = time.Parse("2006-01-02", req.EventDate)
		if err != nil {
			BadRequest(w, "invalid event_date, expected YYYY-MM-DD")
			return
		}
	}

	if err := h.gate.With(r.Context(), tmpl.FacilityID, func() error {
		event, err := h.scheduler.NewTriggeredEvent(tmpl, eventDate)
		if err != nil {
			EngineError(w, err)
			return nil
		}

		created, err := h.eventRepo.Upsert(r.Context(), event)
		if err != nil {
			InternalError(w, "failed to create event")
			return nil
		}
		if created == nil {
			Conflict(w, "an event already exists for this trigger date")
			return nil
		}

		JSON(w, http.StatusCreated, created)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

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

// WaiverHandler handles waiver endpoints.
type WaiverHandler struct {
	repo      *repository.WaiverRepository
	testRepo  *repository.TestRepository
	eventRepo *repository.EventRepository
	resolver  *engine.Resolver
	gate      *recompute.FacilityGate
	clock     clock.Clock
}

// NewWaiverHandler creates a new waiver handler. The gate serializes
// waiver creation and resolution against the recompute tick for the
// facility.
func NewWaiverHandler(repo *repository.WaiverRepository, testRepo *repository.TestRepository, eventRepo *repository.EventRepository, gate *recompute.FacilityGate, clk clock.Clock) *WaiverHandler {
	return &WaiverHandler{
		repo:      repo,
		testRepo:  testRepo,
		eventRepo: eventRepo,
		resolver:  engine.NewResolver(),
		gate:      gate,
		clock:     clk,
	}
}

// CreateWaiverRequest represents a waiver request.
type CreateWaiverRequest struct {
	FacilityID      uuid.UUID `json:"facility_id"`
	TargetKind      string    `json:"target_kind"`
	TargetID        uuid.UUID `json:"target_id"`
	WaiverType      string    `json:"waiver_type"`
	PeriodStart     string    `json:"period_start"`
	PeriodEnd       string    `json:"period_end"`
	RequiredConsent string    `json:"required_consent"`
	RequestedBy     *string   `json:"requested_by,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
}

// Create records a waiver request against an event or covenant test.
// POST /api/v1/waivers
func (h *WaiverHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWaiverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	periodStart, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		BadRequest(w, "invalid period_start, expected YYYY-MM-DD")
		return
	}
	periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil {
		BadRequest(w, "invalid period_end, expected YYYY-MM-DD")
		return
	}

	params := models.CreateWaiverParams{
		FacilityID:      req.FacilityID,
		TargetKind:      models.WaiverTarget(req.TargetKind),
		TargetID:        req.TargetID,
		WaiverType:      req.WaiverType,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		RequiredConsent: models.ConsentLevel(req.RequiredConsent),
		RequestedBy:     req.RequestedBy,
		Notes:           req.Notes,
	}
	if errs := params.Validate(); len(errs) > 0 {
		ValidationFailed(w, engine.NewConfigurationError("waiver", errs))
		return
	}

	if err := h.gate.With(r.Context(), params.FacilityID, func() error {
		// The target must exist and still be in a waivable state; the
		// waiver request is linked to it on creation.
		var test *models.CovenantTest
		switch params.TargetKind {
		case models.WaiverTargetCovenantTest:
			test, err = h.testRepo.GetByID(r.Context(), params.TargetID)
			if err != nil {
				InternalError(w, "failed to get test")
				return nil
			}
			if test == nil {
				NotFound(w, "target test not found")
				return nil
			}
			if test.Status.IsTerminal() {
				Conflict(w, "test is already resolved")
				return nil
			}
		case models.WaiverTargetEvent:
			event, err := h.eventRepo.GetByID(r.Context(), params.TargetID)
			if err != nil {
				InternalError(w, "failed to get event")
				return nil
			}
			if event == nil {
				NotFound(w, "target event not found")
				return nil
			}
			if event.Status.IsTerminal() {
				Conflict(w, "event is already resolved")
				return nil
			}
		}

		waiver, err := h.repo.Create(r.Context(), params, h.clock.Now())
		if err != nil {
			InternalError(w, "failed to create waiver")
			return nil
		}

		if test != nil {
			if err := h.resolver.RegisterWaiverRequest(test, waiver); err != nil {
				EngineError(w, err)
				return nil
			}
			if err := h.testRepo.UpdateResolution(r.Context(), test); err != nil {
				InternalError(w, "failed to link waiver to test")
				return nil
			}
		}

		JSON(w, http.StatusCreated, waiver)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

// Get returns a waiver by ID.
// GET /api/v1/waivers/{id}
func (h *WaiverHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid waiver ID")
		return
	}

	waiver, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get waiver")
		return
	}
	if waiver == nil {
		NotFound(w, "waiver not found")
		return
	}

	JSON(w, http.StatusOK, waiver)
}

// ListByFacility returns a facility's waivers.
// GET /api/v1/facilities/{id}/waivers
func (h *WaiverHandler) ListByFacility(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	waivers, err := h.repo.ListByFacility(r.Context(), facilityID)
	if err != nil {
		InternalError(w, "failed to list waivers")
		return
	}

	JSON(w, http.StatusOK, waivers)
}

// ResolveWaiverRequest represents a waiver decision. Supersede lets an
// administrative approval replace overlapping approved waivers of the
// same type instead of being rejected by the non-overlap guard.
type ResolveWaiverRequest struct {
	Decision   string  `json:"decision"`
	ResolvedBy string  `json:"resolved_by"`
	Supersede  bool    `json:"supersede,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// Resolve approves or rejects a requested waiver and advances the linked
// test or event accordingly. An approval that would overlap an existing
// approved waiver of the same type for the same target is rejected
// unless supersede is set.
// POST /api/v1/waivers/{id}/resolve
func (h *WaiverHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid waiver ID")
		return
	}

	var req ResolveWaiverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		BadRequest(w, "resolved_by is required")
		return
	}

	var outcome models.WaiverStatus
	switch req.Decision {
	case "approved":
		outcome = models.WaiverStatusApproved
	case "rejected":
		outcome = models.WaiverStatusRejected
	default:
		BadRequest(w, "decision must be approved or rejected")
		return
	}

	waiver, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get waiver")
		return
	}
	if waiver == nil {
		NotFound(w, "waiver not found")
		return
	}

	if err := h.gate.With(r.Context(), waiver.FacilityID, func() error {
		// Reload under the lock: the tick's waiver expiry runs inside the
		// same gate and may have lapsed the request meanwhile.
		waiver, err = h.repo.GetByID(r.Context(), id)
		if err != nil || waiver == nil {
			InternalError(w, "failed to get waiver")
			return nil
		}
		if waiver.Status != models.WaiverStatusRequested {
			Conflict(w, "waiver is already resolved")
			return nil
		}

		if outcome == models.WaiverStatusApproved {
			overlapping, err := h.repo.ListApprovedOverlapping(r.Context(),
				waiver.TargetKind, waiver.TargetID, waiver.WaiverType, waiver.PeriodStart, waiver.PeriodEnd)
			if err != nil {
				InternalError(w, "failed to check overlapping waivers")
				return nil
			}
			if len(overlapping) > 0 && !req.Supersede {
				Conflict(w, "an approved waiver of this type already covers part of the window")
				return nil
			}
			for _, old := range overlapping {
				if err := h.repo.Supersede(r.Context(), old.ID); err != nil {
					InternalError(w, "failed to supersede overlapping waiver")
					return nil
				}
			}
		}

		now := h.clock.Now()
		resolved, err := h.repo.Resolve(r.Context(), id, outcome, req.ResolvedBy, req.Notes, now)
		if err != nil {
			InternalError(w, "failed to resolve waiver")
			return nil
		}
		if resolved == nil {
			Conflict(w, "waiver was resolved concurrently")
			return nil
		}

		if err := h.applyOutcome(r, resolved, outcome, now); err != nil {
			InternalError(w, "failed to apply waiver outcome")
			return nil
		}

		JSON(w, http.StatusOK, resolved)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

// applyOutcome advances the waiver's target after a decision.
func (h *WaiverHandler) applyOutcome(r *http.Request, waiver *models.Waiver, outcome models.WaiverStatus, now time.Time) error {
	switch waiver.TargetKind {
	case models.WaiverTargetCovenantTest:
		test, err := h.testRepo.GetByID(r.Context(), waiver.TargetID)
		if err != nil {
			return err
		}
		if test == nil || test.Status.IsTerminal() {
			return nil
		}
		if err := h.resolver.ApplyWaiverOutcome(test, outcome, now); err != nil {
			return err
		}
		return h.testRepo.UpdateResolution(r.Context(), test)
	case models.WaiverTargetEvent:
		if outcome != models.WaiverStatusApproved {
			return nil
		}
		event, err := h.eventRepo.GetByID(r.Context(), waiver.TargetID)
		if err != nil {
			return err
		}
		if event == nil || event.Status.IsTerminal() {
			return nil
		}
		return h.eventRepo.UpdateStatus(r.Context(), event.ID, models.EventStatusWaived)
	}
	return nil
}

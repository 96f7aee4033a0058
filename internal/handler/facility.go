package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"covtrack/internal/cache"
	"covtrack/internal/ledger"
	"covtrack/internal/models"
	"covtrack/internal/obs"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// FacilityHandler handles facility endpoints.
type FacilityHandler struct {
	repo   *repository.FacilityRepository
	cache  *cache.Client
	ledger *ledger.Client
	job    *recompute.Job
}

// NewFacilityHandler creates a new facility handler. Cache, ledger and
// job are optional; endpoints depending on them degrade gracefully.
func NewFacilityHandler(repo *repository.FacilityRepository, cacheClient *cache.Client, ledgerClient *ledger.Client, job *recompute.Job) *FacilityHandler {
	return &FacilityHandler{
		repo:   repo,
		cache:  cacheClient,
		ledger: ledgerClient,
		job:    job,
	}
}

// CreateFacilityRequest represents a facility creation request.
type CreateFacilityRequest struct {
	BorrowerName       string `json:"borrower_name"`
	MaturityDate       string `json:"maturity_date"`
	FiscalYearEndMonth int    `json:"fiscal_year_end_month"`
	FiscalYearEndDay   int    `json:"fiscal_year_end_day"`
	ReportingCurrency  string `json:"reporting_currency"`
}

func (req *CreateFacilityRequest) params() (models.CreateFacilityParams, string) {
	if req.BorrowerName == "" {
		return models.CreateFacilityParams{}, "borrower_name is required"
	}
	maturity, err := time.Parse("2006-01-02", req.MaturityDate)
	if err != nil {
		return models.CreateFacilityParams{}, "invalid maturity_date, expected YYYY-MM-DD"
	}
	if req.FiscalYearEndMonth < 1 || req.FiscalYearEndMonth > 12 {
		return models.CreateFacilityParams{}, "fiscal_year_end_month must be 1-12"
	}
	if req.FiscalYearEndDay < 1 || req.FiscalYearEndDay > 31 {
		return models.CreateFacilityParams{}, "fiscal_year_end_day must be 1-31"
	}
	if ledger.CurrencyFromString(req.ReportingCurrency) == 0 {
		return models.CreateFacilityParams{}, "unsupported reporting_currency"
	}
	return models.CreateFacilityParams{
		BorrowerName:       req.BorrowerName,
		MaturityDate:       maturity,
		FiscalYearEndMonth: time.Month(req.FiscalYearEndMonth),
		FiscalYearEndDay:   req.FiscalYearEndDay,
		ReportingCurrency:  req.ReportingCurrency,
	}, ""
}

// Create creates a new facility.
// POST /api/v1/facilities
func (h *FacilityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateFacilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	params, msg := req.params()
	if msg != "" {
		BadRequest(w, msg)
		return
	}

	facility, err := h.repo.Create(r.Context(), params)
	if err != nil {
		InternalError(w, "failed to create facility")
		return
	}

	if h.ledger != nil {
		if err := h.ledger.EnsureFacilityAccounts(facility.ID, facility.ReportingCurrency); err != nil {
			InternalError(w, "failed to provision ledger accounts")
			return
		}
	}

	JSON(w, http.StatusCreated, facility)
}

// Get returns a facility by ID.
// GET /api/v1/facilities/{id}
func (h *FacilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	facility, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get facility")
		return
	}
	if facility == nil {
		NotFound(w, "facility not found")
		return
	}

	JSON(w, http.StatusOK, facility)
}

// List returns facilities, optionally filtered by status.
// GET /api/v1/facilities
func (h *FacilityHandler) List(w http.ResponseWriter, r *http.Request) {
	var status *models.FacilityStatus
	if s := r.URL.Query().Get("status"); s != "" {
		fs := models.FacilityStatus(s)
		status = &fs
	}

	facilities, err := h.repo.List(r.Context(), status)
	if err != nil {
		InternalError(w, "failed to list facilities")
		return
	}

	JSON(w, http.StatusOK, facilities)
}

// UpdateFacilityRequest represents a facility update request.
type UpdateFacilityRequest struct {
	BorrowerName   *string `json:"borrower_name,omitempty"`
	MaturityDate   *string `json:"maturity_date,omitempty"`
	StatusOverride *string `json:"status_override,omitempty"`
	ClearOverride  bool    `json:"clear_override,omitempty"`
}

// Update applies a partial facility update.
// PATCH /api/v1/facilities/{id}
func (h *FacilityHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	var req UpdateFacilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	params := models.UpdateFacilityParams{
		BorrowerName:  req.BorrowerName,
		ClearOverride: req.ClearOverride,
	}
	if req.MaturityDate != nil {
		maturity, err := time.Parse("2006-01-02", *req.MaturityDate)
		if err != nil {
			BadRequest(w, "invalid maturity_date, expected YYYY-MM-DD")
			return
		}
		params.MaturityDate = &maturity
	}
	if req.StatusOverride != nil {
		status := models.FacilityStatus(*req.StatusOverride)
		switch status {
		case models.FacilityStatusActive, models.FacilityStatusWaiverPeriod, models.FacilityStatusDefault, models.FacilityStatusClosed:
		default:
			BadRequest(w, "unknown status_override")
			return
		}
		params.StatusOverride = &status
	}

	facility, err := h.repo.Update(r.Context(), id, params)
	if err != nil {
		InternalError(w, "failed to update facility")
		return
	}
	if facility == nil {
		NotFound(w, "facility not found")
		return
	}

	JSON(w, http.StatusOK, facility)
}

// Recompute runs the recompute unit of work for one facility on demand.
// POST /api/v1/facilities/{id}/recompute
func (h *FacilityHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	facility, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get facility")
		return
	}
	if facility == nil {
		NotFound(w, "facility not found")
		return
	}
	if h.job == nil {
		Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "recompute job is not running")
		return
	}

	h.job.RunFacility(r.Context(), facility)

	refreshed, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to reload facility")
		return
	}
	JSON(w, http.StatusOK, refreshed)
}

// Resume clears a facility's integrity pause after operator intervention.
// POST /api/v1/facilities/{id}/resume
func (h *FacilityHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}
	if h.cache == nil {
		Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "pause flags require the cache")
		return
	}

	reason, err := h.cache.FacilityPaused(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to read pause flag")
		return
	}
	if reason == "" {
		JSON(w, http.StatusOK, map[string]string{"status": "not paused"})
		return
	}

	if err := h.cache.ResumeFacility(r.Context(), id); err != nil {
		InternalError(w, "failed to resume facility")
		return
	}
	obs.FacilitiesPaused.Dec()

	JSON(w, http.StatusOK, map[string]string{"status": "resumed", "was_paused_for": reason})
}

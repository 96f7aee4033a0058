package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"covtrack/internal/clock"
	"covtrack/internal/engine"
	"covtrack/internal/models"
	"covtrack/internal/repository"
)

// ImportHandler handles document snapshot imports.
type ImportHandler struct {
	facRepo        *repository.FacilityRepository
	obligationRepo *repository.ObligationRepository
	covenantRepo   *repository.CovenantRepository
	clock          clock.Clock
}

// NewImportHandler creates a new import handler.
func NewImportHandler(facRepo *repository.FacilityRepository, obligationRepo *repository.ObligationRepository, covenantRepo *repository.CovenantRepository, clk clock.Clock) *ImportHandler {
	return &ImportHandler{
		facRepo:        facRepo,
		obligationRepo: obligationRepo,
		covenantRepo:   covenantRepo,
		clock:          clk,
	}
}

// ImportRequest carries the extracted obligations and covenants of one
// credit agreement document.
type ImportRequest struct {
	SourceDocumentID *uuid.UUID                `json:"source_document_id,omitempty"`
	Obligations      []CreateObligationRequest `json:"obligations"`
	Covenants        []CreateCovenantRequest   `json:"covenants"`
}

// Import records a snapshot of extracted obligation templates and
// covenants against a facility. The rows are copies keyed to the source
// document, never references: a later re-extraction imports fresh rows
// and existing events keep their dates. The whole batch is validated
// before anything is stored.
// POST /api/v1/facilities/{id}/import
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
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

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Obligations) == 0 && len(req.Covenants) == 0 {
		BadRequest(w, "import requires at least one obligation or covenant")
		return
	}

	now := h.clock.Now()
	var errs []models.ValidationError

	obligationParams := make([]models.CreateObligationParams, 0, len(req.Obligations))
	for i, o := range req.Obligations {
		params, msg := o.params(facilityID, now)
		if msg != "" {
			errs = append(errs, models.ValidationError{
				Field:   fmt.Sprintf("obligations[%d]", i),
				Message: msg,
			})
			continue
		}
		if params.SourceDocumentID == nil {
			params.SourceDocumentID = req.SourceDocumentID
		}
		obl := obligationFromParams(params)
		for _, ve := range obl.Validate() {
			errs = append(errs, models.ValidationError{
				Field:   fmt.Sprintf("obligations[%d].%s", i, ve.Field),
				Message: ve.Message,
			})
		}
		obligationParams = append(obligationParams, params)
	}

	covenantParams := make([]models.CreateCovenantParams, 0, len(req.Covenants))
	for i, c := range req.Covenants {
		params, msg := c.params(facilityID)
		if msg != "" {
			errs = append(errs, models.ValidationError{
				Field:   fmt.Sprintf("covenants[%d]", i),
				Message: msg,
			})
			continue
		}
		if params.SourceDocumentID == nil {
			params.SourceDocumentID = req.SourceDocumentID
		}
		cov := covenantFromParams(params)
		for _, ve := range cov.Validate() {
			errs = append(errs, models.ValidationError{
				Field:   fmt.Sprintf("covenants[%d].%s", i, ve.Field),
				Message: ve.Message,
			})
		}
		covenantParams = append(covenantParams, params)
	}

	if len(errs) > 0 {
		ValidationFailed(w, engine.NewConfigurationError("import", errs))
		return
	}

	obligations := make([]*models.ObligationTemplate, 0, len(obligationParams))
	for _, params := range obligationParams {
		created, err := h.obligationRepo.Create(r.Context(), params)
		if err != nil {
			InternalError(w, "failed to import obligations")
			return
		}
		obligations = append(obligations, created)
	}

	covenants := make([]*models.Covenant, 0, len(covenantParams))
	for _, params := range covenantParams {
		created, err := h.covenantRepo.Create(r.Context(), params)
		if err != nil {
			InternalError(w, "failed to import covenants")
			return
		}
		covenants = append(covenants, created)
	}

	JSON(w, http.StatusCreated, map[string]any{
		"obligations": obligations,
		"covenants":   covenants,
	})
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covtrack/internal/clock"
	"covtrack/internal/engine"
	"covtrack/internal/ledger"
	"covtrack/internal/models"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// CovenantHandler handles covenant and covenant test endpoints.
type CovenantHandler struct {
	repo      *repository.CovenantRepository
	testRepo  *repository.TestRepository
	facRepo   *repository.FacilityRepository
	evaluator *engine.Evaluator
	resolver  *engine.Resolver
	ledger    *ledger.Client
	gate      *recompute.FacilityGate
	clock     clock.Clock
}

// NewCovenantHandler creates a new covenant handler. The ledger is
// optional; cure contributions are recorded in the database either way
// and mirrored as double-entry transfers when a ledger is connected.
// The gate serializes test submission and cures against the recompute
// tick for the same facility.
func NewCovenantHandler(repo *repository.CovenantRepository, testRepo *repository.TestRepository, facRepo *repository.FacilityRepository, ledgerClient *ledger.Client, gate *recompute.FacilityGate, clk clock.Clock) *CovenantHandler {
	return &CovenantHandler{
		repo:      repo,
		testRepo:  testRepo,
		facRepo:   facRepo,
		evaluator: engine.NewEvaluator(),
		resolver:  engine.NewResolver(),
		ledger:    ledgerClient,
		gate:      gate,
		clock:     clk,
	}
}

// ThresholdStepRequest is one schedule entry of a covenant request.
type ThresholdStepRequest struct {
	EffectiveFrom string `json:"effective_from"`
	Value         string `json:"value"`
}

// CreateCovenantRequest represents a covenant import request.
type CreateCovenantRequest struct {
	SourceDocumentID     *uuid.UUID             `json:"source_document_id,omitempty"`
	CovenantType         string                 `json:"covenant_type"`
	ThresholdType        string                 `json:"threshold_type"`
	ThresholdSchedule    []ThresholdStepRequest `json:"threshold_schedule"`
	TestingFrequency     string                 `json:"testing_frequency"`
	TestingBasis         string                 `json:"testing_basis"`
	HasEquityCure        bool                   `json:"has_equity_cure"`
	CurePeriodDays       int                    `json:"cure_period_days"`
	MaxCures             *int                   `json:"max_cures,omitempty"`
	ConsecutiveCureLimit *int                   `json:"consecutive_cure_limit,omitempty"`
}

// Create imports a covenant for a facility.
// POST /api/v1/facilities/{id}/covenants
func (h *CovenantHandler) Create(w http.ResponseWriter, r *http.Request) {
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

	var req CreateCovenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	params, msg := req.params(facilityID)
	if msg != "" {
		BadRequest(w, msg)
		return
	}

	cov := covenantFromParams(params)
	if errs := cov.Validate(); len(errs) > 0 {
		ValidationFailed(w, engine.NewConfigurationError("covenant", errs))
		return
	}

	created, err := h.repo.Create(r.Context(), params)
	if err != nil {
		InternalError(w, "failed to create covenant")
		return
	}

	JSON(w, http.StatusCreated, created)
}

// params parses the request into creation parameters.
func (req *CreateCovenantRequest) params(facilityID uuid.UUID) (models.CreateCovenantParams, string) {
	schedule := make([]models.ThresholdStep, 0, len(req.ThresholdSchedule))
	for _, step := range req.ThresholdSchedule {
		from, err := time.Parse("2006-01-02", step.EffectiveFrom)
		if err != nil {
			return models.CreateCovenantParams{}, "invalid effective_from, expected YYYY-MM-DD"
		}
		value, err := decimal.NewFromString(step.Value)
		if err != nil {
			return models.CreateCovenantParams{}, "invalid threshold value"
		}
		schedule = append(schedule, models.ThresholdStep{EffectiveFrom: from, Value: value})
	}

	return models.CreateCovenantParams{
		FacilityID:           facilityID,
		SourceDocumentID:     req.SourceDocumentID,
		CovenantType:         req.CovenantType,
		ThresholdType:        models.ThresholdType(req.ThresholdType),
		ThresholdSchedule:    schedule,
		TestingFrequency:     models.ObligationFrequency(req.TestingFrequency),
		TestingBasis:         models.TestingBasis(req.TestingBasis),
		HasEquityCure:        req.HasEquityCure,
		CurePeriodDays:       req.CurePeriodDays,
		MaxCures:             req.MaxCures,
		ConsecutiveCureLimit: req.ConsecutiveCureLimit,
	}, ""
}

// covenantFromParams builds the model the Validate guard runs against.
func covenantFromParams(p models.CreateCovenantParams) models.Covenant {
	return models.Covenant{
		FacilityID:           p.FacilityID,
		CovenantType:         p.CovenantType,
		ThresholdType:        p.ThresholdType,
		ThresholdSchedule:    p.ThresholdSchedule,
		TestingFrequency:     p.TestingFrequency,
		TestingBasis:         p.TestingBasis,
		HasEquityCure:        p.HasEquityCure,
		CurePeriodDays:       p.CurePeriodDays,
		MaxCures:             p.MaxCures,
		ConsecutiveCureLimit: p.ConsecutiveCureLimit,
	}
}

// ListByFacility returns a facility's covenants.
// GET /api/v1/facilities/{id}/covenants
func (h *CovenantHandler) ListByFacility(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid facility ID")
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	covenants, err := h.repo.ListByFacility(r.Context(), facilityID, activeOnly)
	if err != nil {
		InternalError(w, "failed to list covenants")
		return
	}

	JSON(w, http.StatusOK, covenants)
}

// Get returns a covenant by ID.
// GET /api/v1/covenants/{id}
func (h *CovenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid covenant ID")
		return
	}

	covenant, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get covenant")
		return
	}
	if covenant == nil {
		NotFound(w, "covenant not found")
		return
	}

	JSON(w, http.StatusOK, covenant)
}

// SubmitTestRequest carries the financial inputs for a covenant test.
type SubmitTestRequest struct {
	Numerator   string `json:"numerator"`
	Denominator string `json:"denominator"`
	TestDate    string `json:"test_date"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// SubmitTest evaluates a covenant against submitted inputs and persists
// the result. Failures come back already routed through the cure
// eligibility check.
// POST /api/v1/covenants/{id}/tests
func (h *CovenantHandler) SubmitTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid covenant ID")
		return
	}

	covenant, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get covenant")
		return
	}
	if covenant == nil {
		NotFound(w, "covenant not found")
		return
	}
	if !covenant.IsActive {
		Conflict(w, "covenant is no longer tested")
		return
	}

	var req SubmitTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	inputs, msg := req.inputs()
	if msg != "" {
		BadRequest(w, msg)
		return
	}

	// The cure eligibility check reads the test history and decides; it
	// must not race another submission or the tick for this facility.
	if err := h.gate.With(r.Context(), covenant.FacilityID, func() error {
		test, err := h.evaluator.Evaluate(covenant, inputs)
		if err != nil {
			EngineError(w, err)
			return nil
		}

		if test.Status == models.TestStatusFailPending {
			history, err := h.testRepo.ListByCovenant(r.Context(), id)
			if err != nil {
				InternalError(w, "failed to load test history")
				return nil
			}
			if err := h.resolver.ResolveFailure(covenant, test, history); err != nil {
				EngineError(w, err)
				return nil
			}
		}

		created, err := h.testRepo.Create(r.Context(), test)
		if err != nil {
			InternalError(w, "failed to persist test")
			return nil
		}

		JSON(w, http.StatusCreated, created)
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

func (req *SubmitTestRequest) inputs() (models.SubmitTestInputs, string) {
	numerator, err := decimal.NewFromString(req.Numerator)
	if err != nil {
		return models.SubmitTestInputs{}, "invalid numerator"
	}
	denominator, err := decimal.NewFromString(req.Denominator)
	if err != nil {
		return models.SubmitTestInputs{}, "invalid denominator"
	}
	testDate, err := time.Parse("2006-01-02", req.TestDate)
	if err != nil {
		return models.SubmitTestInputs{}, "invalid test_date, expected YYYY-MM-DD"
	}
	periodStart, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		return models.SubmitTestInputs{}, "invalid period_start, expected YYYY-MM-DD"
	}
	periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil {
		return models.SubmitTestInputs{}, "invalid period_end, expected YYYY-MM-DD"
	}
	return models.SubmitTestInputs{
		Numerator:   numerator,
		Denominator: denominator,
		TestDate:    testDate,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}, ""
}

// ListTests returns a covenant's test history.
// GET /api/v1/covenants/{id}/tests
func (h *CovenantHandler) ListTests(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid covenant ID")
		return
	}

	tests, err := h.testRepo.ListByCovenant(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to list tests")
		return
	}

	JSON(w, http.StatusOK, tests)
}

// GetTest returns a covenant test by ID.
// GET /api/v1/tests/{id}
func (h *CovenantHandler) GetTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid test ID")
		return
	}

	test, err := h.testRepo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get test")
		return
	}
	if test == nil {
		NotFound(w, "test not found")
		return
	}

	JSON(w, http.StatusOK, test)
}

// CureRequest represents an equity cure contribution.
type CureRequest struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ContributedAt string `json:"contributed_at,omitempty"`
}

// Cure records an equity cure contribution against a cure_pending test.
// POST /api/v1/tests/{id}/cure
func (h *CovenantHandler) Cure(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid test ID")
		return
	}

	test, err := h.testRepo.GetByID(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to get test")
		return
	}
	if test == nil {
		NotFound(w, "test not found")
		return
	}

	var req CureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		BadRequest(w, "amount must be a positive decimal")
		return
	}
	if ledger.CurrencyFromString(req.Currency) == 0 {
		BadRequest(w, "unsupported currency")
		return
	}
	contributedAt := h.clock.Now()
	if req.ContributedAt != "" {
		contributedAt, err = time.Parse(time.RFC3339, req.ContributedAt)
		if err != nil {
			BadRequest(w, "invalid contributed_at, expected RFC 3339")
			return
		}
	}

	if err := h.gate.With(r.Context(), test.FacilityID, func() error {
		// Reload under the lock: the tick may have expired the cure
		// window between the existence check and here.
		test, err = h.testRepo.GetByID(r.Context(), id)
		if err != nil || test == nil {
			InternalError(w, "failed to get test")
			return nil
		}

		if err := h.resolver.ApplyCure(test, contributedAt); err != nil {
			EngineError(w, err)
			return nil
		}

		contribution := &models.CureContribution{
			TestID:        test.ID,
			FacilityID:    test.FacilityID,
			Amount:        amount,
			Currency:      req.Currency,
			ContributedAt: contributedAt,
		}
		if h.ledger != nil {
			transferID, err := h.ledger.RecordCureContribution(test.FacilityID, amount, req.Currency)
			if err != nil {
				InternalError(w, "failed to post cure to ledger")
				return nil
			}
			contribution.TBTransferID = transferID
		}

		created, err := h.testRepo.CreateContribution(r.Context(), contribution)
		if err != nil {
			InternalError(w, "failed to record contribution")
			return nil
		}
		if err := h.testRepo.UpdateResolution(r.Context(), test); err != nil {
			InternalError(w, "failed to update test")
			return nil
		}

		JSON(w, http.StatusCreated, map[string]any{
			"test":         test,
			"contribution": created,
		})
		return nil
	}); err != nil {
		EngineError(w, err)
	}
}

// ListContributions returns the cure contributions recorded for a test.
// GET /api/v1/tests/{id}/contributions
func (h *CovenantHandler) ListContributions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid test ID")
		return
	}

	contributions, err := h.testRepo.ListContributions(r.Context(), id)
	if err != nil {
		InternalError(w, "failed to list contributions")
		return
	}

	JSON(w, http.StatusOK, contributions)
}

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"covtrack/internal/cache"
	"covtrack/internal/clock"
	"covtrack/internal/config"
	"covtrack/internal/db"
	"covtrack/internal/engine"
	"covtrack/internal/handler"
	"covtrack/internal/notifier"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// The flow below runs against a real database: set TEST_DATABASE_URL to
// enable it. Redis is optional; without it the recompute path simply
// skips cross-instance locking.

// asOf pins the engine clock so deadlines and statuses are deterministic.
var asOf = time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)

type testContext struct {
	database    *db.DB
	cacheClient *cache.Client
	router      chi.Router
	job         *recompute.Job
}

func setupTestContext(t *testing.T) *testContext {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	cfg, err := config.Load()
	require.NoError(t, err, "failed to load config")
	cfg.Database.URL = dbURL

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	database, err := db.New(ctx, cfg.Database)
	require.NoError(t, err, "failed to connect to database")
	require.NoError(t, database.Migrate(ctx), "failed to apply migrations")

	tc := &testContext{database: database}

	cacheClient, err := cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		t.Logf("Redis not available: %v (locking and pause flags skipped)", err)
	} else {
		tc.cacheClient = cacheClient
	}

	logger := zap.NewNop()
	clk := clock.At(asOf)
	pool := database.Pool()

	facilityRepo := repository.NewFacilityRepository(pool)
	obligationRepo := repository.NewObligationRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	covenantRepo := repository.NewCovenantRepository(database)
	testRepo := repository.NewTestRepository(pool)
	waiverRepo := repository.NewWaiverRepository(pool)
	reminderRepo := repository.NewReminderRepository(pool)

	stores := recompute.Stores{
		Facilities:  facilityRepo,
		Obligations: obligationRepo,
		Events:      eventRepo,
		Tests:       testRepo,
		Waivers:     waiverRepo,
		Reminders:   reminderRepo,
	}
	var locker recompute.Locker
	if tc.cacheClient != nil {
		locker = tc.cacheClient
	}
	gate := recompute.NewFacilityGate(locker, time.Minute)
	tc.job = recompute.New(logger, clk, cfg.Engine, stores, notifier.NewDispatcher(logger, 64), gate)

	facilityHandler := handler.NewFacilityHandler(facilityRepo, tc.cacheClient, nil, tc.job)
	obligationHandler := handler.NewObligationHandler(obligationRepo, facilityRepo, eventRepo, engine.NewScheduler(), gate, clk)
	eventHandler := handler.NewEventHandler(eventRepo, tc.cacheClient, gate, clk)
	covenantHandler := handler.NewCovenantHandler(covenantRepo, testRepo, facilityRepo, nil, gate, clk)
	waiverHandler := handler.NewWaiverHandler(waiverRepo, testRepo, eventRepo, gate, clk)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/facilities", facilityHandler.Create)
		r.Get("/facilities/{id}", facilityHandler.Get)
		r.Post("/facilities/{id}/recompute", facilityHandler.Recompute)

		r.Post("/facilities/{id}/obligations", obligationHandler.Create)
		r.Get("/facilities/{id}/events", eventHandler.ListByFacility)
		r.Post("/events/{id}/submit", eventHandler.Submit)
		r.Post("/events/{id}/review", eventHandler.Review)

		r.Post("/facilities/{id}/covenants", covenantHandler.Create)
		r.Post("/covenants/{id}/tests", covenantHandler.SubmitTest)
		r.Get("/tests/{id}", covenantHandler.GetTest)
		r.Post("/tests/{id}/cure", covenantHandler.Cure)

		r.Post("/waivers", waiverHandler.Create)
		r.Post("/waivers/{id}/resolve", waiverHandler.Resolve)
		r.Get("/facilities/{id}/waivers", waiverHandler.ListByFacility)
	})
	tc.router = r

	return tc
}

func (tc *testContext) cleanup() {
	if tc.cacheClient != nil {
		tc.cacheClient.Close()
	}
	if tc.database != nil {
		tc.database.Close()
	}
}

// do issues a request and unwraps the response envelope.
func (tc *testContext) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))

	if envelope.Error != nil {
		t.Logf("response error: %s %s", envelope.Error.Code, envelope.Error.Message)
		return w.Code, nil
	}

	var data map[string]any
	if len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		require.NoError(t, json.Unmarshal(envelope.Data, &data))
	}
	return w.Code, data
}

func (tc *testContext) doList(t *testing.T, path string) (int, []map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w.Code, envelope.Data
}

func TestComplianceFlow(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.cleanup()

	// 1. Onboard a facility.
	code, facility := tc.do(t, http.MethodPost, "/api/v1/facilities", map[string]any{
		"borrower_name":         "Meridian Holdings S.a r.l.",
		"maturity_date":         "2030-06-30",
		"fiscal_year_end_month": 12,
		"fiscal_year_end_day":   31,
		"reporting_currency":    "EUR",
	})
	require.Equal(t, http.StatusCreated, code)
	facilityID := facility["ID"].(string)

	// 2. Import a quarterly reporting obligation.
	code, _ = tc.do(t, http.MethodPost, "/api/v1/facilities/"+facilityID+"/obligations", map[string]any{
		"obligation_type":   "quarterly_financials",
		"frequency":         "quarterly",
		"reference_point":   "period_end",
		"deadline_days":     45,
		"grace_period_days": 10,
		"activated_on":      "2025-01-15",
	})
	require.Equal(t, http.StatusCreated, code)

	// 3. Recompute materializes events up to the lookahead horizon.
	code, _ = tc.do(t, http.MethodPost, "/api/v1/facilities/"+facilityID+"/recompute", nil)
	require.Equal(t, http.StatusOK, code)

	code, events := tc.doList(t, "/api/v1/facilities/"+facilityID+"/events")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, events, "recompute should generate events")

	first := events[0]
	assert.Contains(t, first["DeadlineDate"], "2025-05-15", "Q1 deadline is period end + 45 days")
	assert.Contains(t, first["GraceDeadlineDate"], "2025-05-25")
	eventID := first["ID"].(string)

	// A second recompute generates nothing new.
	code, _ = tc.do(t, http.MethodPost, "/api/v1/facilities/"+facilityID+"/recompute", nil)
	require.Equal(t, http.StatusOK, code)
	_, again := tc.doList(t, "/api/v1/facilities/"+facilityID+"/events")
	assert.Len(t, again, len(events), "recompute is idempotent")

	// 4. Submit the deliverable and accept it.
	code, submitted := tc.do(t, http.MethodPost, "/api/v1/events/"+eventID+"/submit", map[string]any{
		"submitted_by": "borrower.cfo@meridian.example",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "submitted", submitted["Status"])

	code, reviewed := tc.do(t, http.MethodPost, "/api/v1/events/"+eventID+"/review", map[string]any{
		"decision":    "accepted",
		"reviewed_by": "agent.ops@lender.example",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", reviewed["Status"])

	// 5. Import a leverage covenant with an equity cure right.
	code, covenant := tc.do(t, http.MethodPost, "/api/v1/facilities/"+facilityID+"/covenants", map[string]any{
		"covenant_type":  "leverage_ratio",
		"threshold_type": "maximum",
		"threshold_schedule": []map[string]any{
			{"effective_from": "2025-01-01", "value": "4.50"},
		},
		"testing_frequency": "quarterly",
		"testing_basis":     "rolling_12_months",
		"has_equity_cure":   true,
		"cure_period_days":  30,
		"max_cures":         2,
	})
	require.Equal(t, http.StatusCreated, code)
	covenantID := covenant["ID"].(string)

	// 6. A failing test routes into the cure window.
	code, failed := tc.do(t, http.MethodPost, "/api/v1/covenants/"+covenantID+"/tests", map[string]any{
		"numerator":    "500",
		"denominator":  "100",
		"test_date":    "2025-03-31",
		"period_start": "2024-04-01",
		"period_end":   "2025-03-31",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "5", failed["CalculatedRatio"])
	assert.Equal(t, "cure_pending", failed["Status"])
	assert.Contains(t, failed["CureDeadline"], "2025-04-30", "cure deadline is test date + 30 days")
	testID := failed["ID"].(string)

	// 7. An equity cure inside the window resolves the test.
	code, cured := tc.do(t, http.MethodPost, "/api/v1/tests/"+testID+"/cure", map[string]any{
		"amount":   "5000000.00",
		"currency": "EUR",
	})
	require.Equal(t, http.StatusCreated, code)
	curedTest := cured["test"].(map[string]any)
	assert.Equal(t, "cured", curedTest["Status"])

	// A second cure against the same test is rejected.
	code, _ = tc.do(t, http.MethodPost, "/api/v1/tests/"+testID+"/cure", map[string]any{
		"amount":   "1.00",
		"currency": "EUR",
	})
	assert.Equal(t, http.StatusConflict, code)

	// 8. Another failure is resolved by waiver instead.
	code, failed2 := tc.do(t, http.MethodPost, "/api/v1/covenants/"+covenantID+"/tests", map[string]any{
		"numerator":    "480",
		"denominator":  "100",
		"test_date":    "2025-06-30",
		"period_start": "2024-07-01",
		"period_end":   "2025-06-30",
	})
	require.Equal(t, http.StatusCreated, code)
	testID2 := failed2["ID"].(string)

	code, waiver := tc.do(t, http.MethodPost, "/api/v1/waivers", map[string]any{
		"facility_id":      facilityID,
		"target_kind":      "covenant_test",
		"target_id":        testID2,
		"waiver_type":      "covenant_breach",
		"period_start":     "2025-06-30",
		"period_end":       "2025-09-30",
		"required_consent": "majority_lenders",
	})
	require.Equal(t, http.StatusCreated, code)
	waiverID := waiver["ID"].(string)

	code, resolved := tc.do(t, http.MethodPost, "/api/v1/waivers/"+waiverID+"/resolve", map[string]any{
		"decision":    "approved",
		"resolved_by": "agent.ops@lender.example",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approved", resolved["Status"])

	code, waivedTest := tc.do(t, http.MethodGet, "/api/v1/tests/"+testID2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waived", waivedTest["Status"])

	// 9. Waiver list reflects the resolution trail.
	code, waivers := tc.doList(t, "/api/v1/facilities/"+facilityID+"/waivers")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, waivers, 1)
}

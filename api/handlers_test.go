/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Calculation (query and body options, validation, not found)
- Ledger overrides over SQLite (set, reload, reset, rejection)
- QRE lock / unlock
- Saved calculations, state registry, cache diagnostics, metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/factory"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Deps{
		Years:     st,
		Records:   st,
		Overrides: st,
		Results:   st,
		States:    state.NewCache(state.NewEvaluator(factory.MustLoadDefault(), logger)),
		Logger:    logger,
	})
	return NewHandler(st, eng, logger)
}

// setupServer loads a scenario and returns the router plus the id of the
// scenario's latest business year.
func setupServer(t *testing.T, scenario string) (http.Handler, string) {
	t.Helper()
	h := setupTestHandler(t)
	srv := NewRouter(h)

	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decode[LoadScenarioResponse](t, rec)
	require.NotEmpty(t, loaded.BusinessYears)
	return srv, loaded.BusinessYears[len(loaded.BusinessYears)-1]
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func findLine(t *testing.T, l LedgerDTO, section string, line int) LineDTO {
	t.Helper()
	for _, s := range l.Sections {
		if s.ID != section {
			continue
		}
		for _, ln := range s.Lines {
			if ln.Line == line {
				return ln
			}
		}
	}
	t.Fatalf("line %s:%d not in ledger", section, line)
	return LineDTO{}
}

func caReceiptsBody() CalculationRequest {
	return CalculationRequest{
		StateGrossReceipts: map[string]map[int]string{
			"CA": {2020: "3000000", 2021: "3000000", 2022: "3000000", 2023: "3000000"},
		},
	}
}

// =============================================================================
// CALCULATION
// =============================================================================

func TestGetCalculation_EstablishedManufacturer(t *testing.T) {
	// GIVEN: Four years of history and 520000 of live QRE
	srv, id := setupServer(t, "established-manufacturer")

	// WHEN: Calculating with default options
	rec := do(t, srv, http.MethodGet, "/api/business-years/"+id+"/calculation", nil)

	// THEN: ASC wins; California lacks state gross receipts
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CalculationDTO](t, rec)

	assertDecimal(t, "520000", res.QRE.Total)
	assert.Equal(t, "live", res.QRE.Source)
	assertDecimal(t, "44000", res.Federal.Standard.AdjustedCredit)
	assertDecimal(t, "51800", res.Federal.ASC.AdjustedCredit)
	assert.Equal(t, "asc", res.Federal.SelectedMethod)

	require.Len(t, res.States, 1)
	assert.Equal(t, "CA", res.States[0].State)
	assert.Equal(t, "missing_data", res.States[0].Status)
	assertDecimal(t, "0", res.States[0].Credit)
	assertDecimal(t, "51800", res.TotalCredits)
	assert.NotEmpty(t, res.Notices)
}

func TestGetCalculation_QueryOptions(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	// WHEN: Forcing the regular method with the 280C election
	rec := do(t, srv, http.MethodGet, "/api/business-years/"+id+"/calculation?method=standard&use_280c=true&states=TX,WA", nil)

	// THEN: Regular at 15.8%: 220000 x 0.158 = 34760
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CalculationDTO](t, rec)
	assert.Equal(t, "standard", res.Federal.SelectedMethod)
	assertDecimal(t, "34760", res.TotalFederal)

	require.Len(t, res.States, 2)
	assert.Equal(t, "TX", res.States[0].State)
	assertDecimal(t, "26000", res.States[0].Credit) // 5% of 520000
	assert.Equal(t, "no_credit", res.States[1].Status)
	assertDecimal(t, "60760", res.TotalCredits)
}

func TestGetCalculation_InvalidQuery(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	for _, q := range []string{"method=bogus", "use_280c=maybe", "states=CAL", "asc_gap_policy=loose", "base_percent=abc", "base_percent=0.5"} {
		rec := do(t, srv, http.MethodGet, "/api/business-years/"+id+"/calculation?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetCalculation_UnknownYear(t *testing.T) {
	srv, _ := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodGet, "/api/business-years/nope/calculation", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestPostCalculation_StateGrossReceipts(t *testing.T) {
	// GIVEN: California gross receipts of 3000000 for 2020-2023
	srv, id := setupServer(t, "established-manufacturer")

	// WHEN: Posting them with the calculation
	rec := do(t, srv, http.MethodPost, "/api/business-years/"+id+"/calculation", caReceiptsBody())

	// THEN: CA = min(520000 - 90000, 260000) x 15% = 39000
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CalculationDTO](t, rec)
	require.Len(t, res.States, 1)
	assert.Equal(t, "calculated", res.States[0].Status)
	assertDecimal(t, "39000", res.States[0].Credit)
	assertDecimal(t, "90800", res.TotalCredits)
}

func TestPostCalculation_DisabledStateExcludedFromTotal(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	off := false

	body := caReceiptsBody()
	body.States = []StateSelectionDTO{{State: "ca", Enabled: &off}, {State: "TX"}}
	rec := do(t, srv, http.MethodPost, "/api/business-years/"+id+"/calculation", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CalculationDTO](t, rec)
	require.Len(t, res.States, 2)
	assert.False(t, res.States[0].Enabled)
	assertDecimal(t, "39000", res.States[0].Credit)
	assertDecimal(t, "26000", res.TotalState)
}

func TestPostCalculation_Validation(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	path := "/api/business-years/" + id + "/calculation"

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"use_280c":`},
		{"three letter state", CalculationRequest{States: []StateSelectionDTO{{State: "CAL"}}}},
		{"unknown state method", CalculationRequest{States: []StateSelectionDTO{{State: "CA", Method: "bonus"}}}},
		{"negative variant", CalculationRequest{States: []StateSelectionDTO{{State: "UT", Variant: -1}}}},
		{"bad gap policy", CalculationRequest{GapPolicy: "loose"}},
		{"non-decimal receipts", CalculationRequest{StateGrossReceipts: map[string]map[int]string{"CA": {2023: "lots"}}}},
		{"non-decimal energy", CalculationRequest{EnergyConsortia: "1,000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestPostCalculation_EmptyBodyUsesDefaults(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodPost, "/api/business-years/"+id+"/calculation", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "51800", decode[CalculationDTO](t, rec).TotalFederal)
}

func TestNewValidator_DecimalTag(t *testing.T) {
	// GIVEN: A freshly built validator
	// WHEN: Decimal-tagged fields are checked
	// THEN: The custom tag is registered and rejects non-numbers

	var v interface{ Struct(any) error }
	require.NotPanics(t, func() { v = newValidator() })

	assert.NoError(t, v.Struct(CalculationRequest{BasePercent: " 0.05 "}))
	assert.Error(t, v.Struct(CalculationRequest{BasePercent: "five percent"}))
	assert.Error(t, v.Struct(CalculationRequest{StateFixedBase: map[string]string{"CA": "0.1.2"}}))
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_RendersFederalAndStateSections(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodGet, "/api/business-years/"+id+"/ledger", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledger := decode[LedgerDTO](t, rec)
	var ids []string
	for _, s := range ledger.Sections {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"F", "A", "B", "C", "D", "CA-standard"}, ids)

	assertDecimal(t, "520000", findLine(t, ledger, "F", 48).Value)
	assertDecimal(t, "0.06", findLine(t, ledger, "A", 6).Value)
	assertDecimal(t, "44000", findLine(t, ledger, "A", 13).Value)
	assertDecimal(t, "51800", findLine(t, ledger, "B", 26).Value)
}

func TestLedger_OverridePersistsAndResets(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	base := "/api/business-years/" + id + "/ledger"

	// GIVEN: The fixed-base percentage overridden to 5%
	rec := do(t, srv, http.MethodPut, base+"/A/6", OverrideRequest{Value: "0.05", Actor: "preparer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[OverrideResponse](t, rec)
	assert.Contains(t, resp.Changed, "A:13")

	// THEN: 520000 - 5000000 x 5% = 270000, capped at 260000 -> 52000
	assertDecimal(t, "52000", findLine(t, resp.Ledger, "A", 13).Value)

	// WHEN: A new request rebuilds the ledger from the store
	rec = do(t, srv, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	line := findLine(t, decode[LedgerDTO](t, rec), "A", 6)

	// THEN: The override is still applied
	assert.True(t, line.Overridden)
	assertDecimal(t, "0.05", line.Value)
	assertDecimal(t, "0.06", line.CalculatedValue)
	assert.Equal(t, "preparer", line.LastModifiedBy)

	// WHEN: Resetting the line
	rec = do(t, srv, http.MethodDelete, base+"/A/6", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "44000", findLine(t, decode[OverrideResponse](t, rec).Ledger, "A", 13).Value)
}

func TestLedger_ResetSection(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	base := "/api/business-years/" + id + "/ledger"

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, base+"/A/6", OverrideRequest{Value: "0.05"}).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, base+"/A/7", OverrideRequest{Value: "4,000,000"}).Code)

	rec := do(t, srv, http.MethodDelete, base+"/A", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledger := decode[OverrideResponse](t, rec).Ledger
	assert.False(t, findLine(t, ledger, "A", 6).Overridden)
	assert.False(t, findLine(t, ledger, "A", 7).Overridden)
	assertDecimal(t, "44000", findLine(t, ledger, "A", 13).Value)
}

func TestLedger_StateWorksheetOverride(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodPut, "/api/business-years/"+id+"/ledger/CA-standard/10", OverrideRequest{Value: "0.10"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	line := findLine(t, decode[OverrideResponse](t, rec).Ledger, "CA-standard", 10)
	assert.True(t, line.Overridden)
	assertDecimal(t, "0.1", line.Value)
}

func TestLedger_RejectedOverrides(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	base := "/api/business-years/" + id + "/ledger"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"computed line", base + "/F/48", OverrideRequest{Value: "1"}, http.StatusBadRequest},
		{"unknown section", base + "/ZZ/1", OverrideRequest{Value: "1"}, http.StatusNotFound},
		{"unparseable value", base + "/A/6", OverrideRequest{Value: "abc"}, http.StatusBadRequest},
		{"ratio out of range", base + "/A/6", OverrideRequest{Value: "0.5"}, http.StatusBadRequest},
		{"missing value", base + "/A/6", OverrideRequest{}, http.StatusBadRequest},
		{"non-numeric line", base + "/A/six", OverrideRequest{Value: "0.05"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// AND: Nothing was persisted
	rec := do(t, srv, http.MethodGet, base, nil)
	assert.False(t, findLine(t, decode[LedgerDTO](t, rec), "A", 6).Overridden)
}

// =============================================================================
// QRE LOCK
// =============================================================================

func TestLock_FreezesAndReleases(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	base := "/api/business-years/" + id

	// WHEN: Locking
	rec := do(t, srv, http.MethodPost, base+"/lock", LockRequest{Actor: "cpa@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "locked", decode[CalculationDTO](t, rec).QRE.Source)

	// THEN: The QRE endpoint reports the lock
	rec = do(t, srv, http.MethodGet, base+"/qre", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[QREDTO](t, rec)
	assert.True(t, q.Locked)
	assert.Equal(t, "cpa@example.com", q.LockedBy)
	assert.NotEmpty(t, q.LockedAt)
	assertDecimal(t, "520000", q.Total)

	// WHEN: Unlocking
	rec = do(t, srv, http.MethodDelete, base+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "live", decode[CalculationDTO](t, rec).QRE.Source)
}

func TestLock_HistoricalYearWithoutRecordsConflicts(t *testing.T) {
	// GIVEN: The 2020 year of the manufacturer, known only by a manual total
	h := setupTestHandler(t)
	srv := NewRouter(h)
	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "established-manufacturer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[LoadScenarioResponse](t, rec).BusinessYears[0]

	// WHEN: Locking it
	rec = do(t, srv, http.MethodPost, "/api/business-years/"+first+"/lock", LockRequest{Actor: "cpa@example.com"})

	// THEN: The lock is refused and the year stays unlocked
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Code)

	rec = do(t, srv, http.MethodGet, "/api/business-years/"+first+"/qre", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[QREDTO](t, rec).Locked)
}

func TestLock_RequiresActor(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodPost, "/api/business-years/"+id+"/lock", LockRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", decode[ErrorResponse](t, rec).Error)
}

func TestQRE_UnknownYear(t *testing.T) {
	srv, _ := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodGet, "/api/business-years/nope/qre", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SAVED CALCULATIONS
// =============================================================================

func TestSaveCalculation_LatestRoundTrip(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	base := "/api/business-years/" + id + "/calculation"

	rec := do(t, srv, http.MethodGet, base+"/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, base+"/save", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[SavedCalculationDTO](t, rec)
	assert.NotEmpty(t, saved.ID)
	assertDecimal(t, "51800", saved.TotalCredits)

	rec = do(t, srv, http.MethodGet, base+"/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	latest := decode[CalculationDTO](t, rec)
	assertDecimal(t, "51800", latest.TotalCredits)
	assert.Equal(t, "asc", latest.Federal.SelectedMethod)
}

// =============================================================================
// STATES, DIAGNOSTICS, METRICS
// =============================================================================

func TestStates_ListAndDetail(t *testing.T) {
	srv, _ := setupServer(t, "established-manufacturer")

	rec := do(t, srv, http.MethodGet, "/api/states", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]StateConfigDTO](t, rec)
	assert.NotEmpty(t, list)

	rec = do(t, srv, http.MethodGet, "/api/states/ca/standard", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ca := decode[StateConfigDTO](t, rec)
	assert.Equal(t, "CA", ca.State)
	assert.True(t, ca.HasProForma)
	assert.NotEmpty(t, ca.Lines)
	assertDecimal(t, "0.15", ca.CreditRate)

	rec = do(t, srv, http.MethodGet, "/api/states/DE/standard", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnostics_CacheStatsAndClear(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	path := "/api/business-years/" + id + "/calculation?states=TX"

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, path, nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, path, nil).Code)

	rec := do(t, srv, http.MethodGet, "/api/diagnostics/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[state.CacheStats](t, rec)
	assert.Equal(t, 1, stats.Size)
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))

	rec = do(t, srv, http.MethodPost, "/api/diagnostics/cache/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[state.CacheStats](t, rec).Size)
}

func TestMetrics_ExposesCalculationCounters(t *testing.T) {
	srv, id := setupServer(t, "established-manufacturer")
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/business-years/"+id+"/calculation", nil).Code)

	rec := do(t, srv, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rdcredit_calculations_total")
}

func TestCacheSweeper_SweepsOverLimit(t *testing.T) {
	h := setupTestHandler(t)
	cache := h.Engine.States
	cache.Evaluate(state.Input{State: "TX", Year: 2024, QRE: generic.NewQREBreakdown(d("1000"), d("0"), d("0"), d("0"))})
	cache.Evaluate(state.Input{State: "TX", Year: 2024, QRE: generic.NewQREBreakdown(d("2000"), d("0"), d("0"), d("0"))})

	sweeper := NewCacheSweeper(cache, h.Logger)
	sweeper.MaxEntries = 2
	assert.False(t, sweeper.Sweep())

	sweeper.MaxEntries = 1
	assert.True(t, sweeper.Sweep())
	assert.Equal(t, 0, cache.Stats().Size)

	// Stop without Start is a no-op
	sweeper.Stop()
}

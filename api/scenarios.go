/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates a business, its tax
	years with gross receipts and historical QRE, and the allocation rows
	the live aggregation reads.

AVAILABLE SCENARIOS:

	established-manufacturer: Four years of history, ASC beats Standard
	first-year-startup:       No history, 6% ASC startup rate, Texas credit
	locked-filing:            A locked year whose live rows moved on

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the business
 3. Create historical years (manual TotalQRE, gross receipts)
 4. Create the current year with allocation rows
 5. Optionally lock the current year

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "established-manufacturer"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, runID)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Every load gets a fresh run id; it prefixes the business ids so saved
	calculations from an earlier load never match the new years.

SEE ALSO:
  - handlers.go: Handler
  - store/sqlite/sqlite.go: Save* seeding methods
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "established-manufacturer",
		Name:        "Established Manufacturer",
		Description: "California C-Corp with four years of QRE history; ASC beats the regular credit",
		Category:    "federal",
	},
	{
		ID:          "first-year-startup",
		Name:        "First-Year Startup",
		Description: "Texas LLC in its first research year; ASC falls back to the 6% startup rate",
		Category:    "federal",
	},
	{
		ID:          "locked-filing",
		Name:        "Locked Filing",
		Description: "Indiana S-Corp whose filed QRE is locked while payroll kept changing",
		Category:    "lock",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	loader, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	runID := uuid.NewString()
	years, err := loader(ctx, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID, "run_id", runID, "business_years", len(years))
	ids := make([]string, len(years))
	for i, id := range years {
		ids[i] = string(id)
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: req.ScenarioID, RunID: runID, BusinessYears: ids})
}

// ResetDatabase clears all data and the state cache.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.Engine.States.Invalidate()
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

type scenarioLoader func(ctx context.Context, runID string) ([]generic.BusinessYearID, error)

func (h *Handler) scenarioLoaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"established-manufacturer": h.loadEstablishedManufacturerScenario,
		"first-year-startup":       h.loadFirstYearStartupScenario,
		"locked-filing":            h.loadLockedFilingScenario,
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadEstablishedManufacturerScenario: 2020-2023 history at 300,000 QRE and
// 5,000,000 gross receipts each, 2024 live QRE of 520,000.
//
//	Regular: base 6% x 5,000,000 = 300,000; (520,000 - 300,000) x 20% = 44,000
//	ASC:     (520,000 - 150,000) x 14% = 51,800  <- selected
func (h *Handler) loadEstablishedManufacturerScenario(ctx context.Context, runID string) ([]generic.BusinessYearID, error) {
	biz := generic.Business{
		ID:            generic.BusinessID("biz-" + runID[:8]),
		ClientID:      "client-acme",
		Name:          "Acme Precision Manufacturing",
		DomicileState: "CA",
		EntityType:    generic.EntityCCorp,
	}
	if err := h.Store.SaveBusiness(ctx, biz); err != nil {
		return nil, err
	}

	var ids []generic.BusinessYearID
	for year := 2020; year <= 2023; year++ {
		id, err := h.saveYear(ctx, biz, year, dollars(5000000), dollars(300000))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	current, err := h.saveYear(ctx, biz, 2024, dollars(5500000), decimal.Zero)
	if err != nil {
		return nil, err
	}
	ids = append(ids, current)

	employees := []generic.EmployeeAllocation{
		{Name: "Process Engineering Team", Wage: dollars(400000), AppliedPercent: dollars(100)},
		{Name: "Quality Lead", Wage: dollars(125000), AppliedPercent: dollars(80)},
	}
	for _, e := range employees {
		e.ID = uuid.NewString()
		e.BusinessYearID = current
		if err := h.Store.SaveEmployeeAllocation(ctx, e); err != nil {
			return nil, err
		}
	}
	if err := h.Store.SaveSupplyAllocation(ctx, generic.SupplyAllocation{
		ID: uuid.NewString(), BusinessYearID: current, Name: "Prototype tooling",
		SupplyCost: dollars(20000), AppliedPercent: dollars(100),
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

// loadFirstYearStartupScenario: one year, no history.
//
//	ASC: 6% x 200,000 = 12,000 (startup)
//	TX:  5% x 200,000 = 10,000
func (h *Handler) loadFirstYearStartupScenario(ctx context.Context, runID string) ([]generic.BusinessYearID, error) {
	biz := generic.Business{
		ID:            generic.BusinessID("biz-" + runID[:8]),
		ClientID:      "client-lonestar",
		Name:          "Lone Star Robotics",
		DomicileState: "TX",
		EntityType:    generic.EntityLLC,
	}
	if err := h.Store.SaveBusiness(ctx, biz); err != nil {
		return nil, err
	}

	id, err := h.saveYear(ctx, biz, 2024, dollars(750000), decimal.Zero)
	if err != nil {
		return nil, err
	}
	if err := h.Store.SaveEmployeeAllocation(ctx, generic.EmployeeAllocation{
		ID: uuid.NewString(), BusinessYearID: id, Name: "Founding engineers",
		Wage: dollars(160000), AppliedPercent: dollars(100),
	}); err != nil {
		return nil, err
	}
	if err := h.Store.SaveContractorAllocation(ctx, generic.ContractorAllocation{
		ID: uuid.NewString(), BusinessYearID: id, Name: "Firmware contractor",
		Amount: dollars(50000), AppliedPercent: dollars(80),
	}); err != nil {
		return nil, err
	}
	return []generic.BusinessYearID{id}, nil
}

// loadLockedFilingScenario: 2024 was locked at 350,000 (300,000 wages,
// 40,000 contractor, 10,000 supplies); payroll has since grown to 450,000.
//
//	IN weighted: 300,000 + 0.65 x 40,000 + 10,000 = 336,000 x 10% = 33,600
func (h *Handler) loadLockedFilingScenario(ctx context.Context, runID string) ([]generic.BusinessYearID, error) {
	biz := generic.Business{
		ID:            generic.BusinessID("biz-" + runID[:8]),
		ClientID:      "client-hoosier",
		Name:          "Hoosier Biologics",
		DomicileState: "IN",
		EntityType:    generic.EntitySCorp,
	}
	if err := h.Store.SaveBusiness(ctx, biz); err != nil {
		return nil, err
	}

	id, err := h.saveYear(ctx, biz, 2024, dollars(3000000), decimal.Zero)
	if err != nil {
		return nil, err
	}
	if err := h.Store.SaveEmployeeAllocation(ctx, generic.EmployeeAllocation{
		ID: uuid.NewString(), BusinessYearID: id, Name: "Lab staff",
		Wage: dollars(450000), AppliedPercent: dollars(100),
	}); err != nil {
		return nil, err
	}

	snap := generic.LockedQRE{
		EmployeeQRE:         dollars(300000),
		ContractorQRE:       dollars(40000),
		SupplyQRE:           dollars(10000),
		ContractResearchQRE: decimal.Zero,
		LockedAt:            time.Date(2025, 3, 14, 17, 0, 0, 0, time.UTC),
		LockedBy:            "cpa@hoosierbio.example",
	}
	if err := h.Store.SaveLock(ctx, id, true, snap); err != nil {
		return nil, err
	}
	return []generic.BusinessYearID{id}, nil
}

func (h *Handler) saveYear(ctx context.Context, biz generic.Business, year int, grossReceipts, totalQRE decimal.Decimal) (generic.BusinessYearID, error) {
	id := generic.BusinessYearID(fmt.Sprintf("%s-%d", biz.ID, year))
	err := h.Store.SaveBusinessYear(ctx, generic.BusinessYear{
		ID:            id,
		BusinessID:    biz.ID,
		Year:          year,
		GrossReceipts: grossReceipts,
		TotalQRE:      totalQRE,
	})
	return id, err
}

func dollars(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit calculation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Calculation:
    GET    /api/business-years/{id}/calculation       Calculate (query options)
    POST   /api/business-years/{id}/calculation       Calculate (body options)
    POST   /api/business-years/{id}/calculation/save  Calculate and persist
    GET    /api/business-years/{id}/calculation/latest Last saved result

  QRE:
    GET    /api/business-years/{id}/qre    Effective breakdown
    POST   /api/business-years/{id}/lock   Freeze the live breakdown
    DELETE /api/business-years/{id}/lock   Return to live aggregation

  Ledger:
    GET    /api/business-years/{id}/ledger                    Form 6765 + state worksheets
    PUT    /api/business-years/{id}/ledger/{section}/{line}   Override a line
    DELETE /api/business-years/{id}/ledger/{section}/{line}   Reset a line
    DELETE /api/business-years/{id}/ledger/{section}          Reset a section

  States:
    GET    /api/states                  Registry summary
    GET    /api/states/{code}/{method}  One config with rules and lines

  Diagnostics:
    GET    /api/diagnostics/cache        State cache stats
    POST   /api/diagnostics/cache/clear  Drop cached state results

QUERY OPTIONS:
  use_280c=true|false
  method=auto|standard|asc
  states=CA:standard:0,GA,CT:alternative
  asc_gap_policy=strict|tolerant
  base_percent=0.05

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access (scenarios, reset)
  - Engine: Calculation, ledgers, locks
  - Defaults: Server-wide Options (gap policy from config)
  Every request opens a fresh engine.Session from the persisted overrides;
  nothing per-year outlives the request.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid overrides, non-editable lines
  - 404: Business year or line not found
  - 503: Persistence failure (the in-memory result is still returned)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
	"github.com/warp/credit-engine/state"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *engine.Engine

	// Defaults seed the Options of every request before query or body
	// values are applied.
	Defaults engine.Options
	Logger   *slog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over a store and an engine reading it.
func NewHandler(store *sqlite.Store, eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    store,
		Engine:   eng,
		Logger:   logger,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("decimal", validateDecimal); err != nil {
		panic(fmt.Sprintf("register decimal validation: %v", err))
	}
	return v
}

// validateDecimal accepts any string decimal.NewFromString parses.
func validateDecimal(fl validator.FieldLevel) bool {
	_, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil
}

// =============================================================================
// CALCULATION HANDLERS
// =============================================================================

// GetCalculation runs a calculation with options from the query string.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	opts, err := h.optionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return
	}
	res, err := h.Engine.Calculate(r.Context(), yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate credits", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// PostCalculation runs a calculation with options from the request body.
// This is the only way to supply state gross receipts.
func (h *Handler) PostCalculation(w http.ResponseWriter, r *http.Request) {
	var req CalculationRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	opts, err := req.options(h.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return
	}
	res, err := h.Engine.Calculate(r.Context(), yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate credits", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// SaveCalculation calculates with query options and persists the result.
func (h *Handler) SaveCalculation(w http.ResponseWriter, r *http.Request) {
	opts, err := h.optionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return
	}
	ctx := r.Context()
	s, err := h.Engine.Open(ctx, yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate credits", err, nil)
		return
	}
	rec, err := s.SaveResult(ctx)
	if err != nil {
		h.writeEngineError(w, "Failed to save calculation", err, toCalculationDTO(s.Result()))
		return
	}
	writeJSON(w, http.StatusCreated, SavedCalculationDTO{
		ID:           rec.ID,
		TotalCredits: rec.TotalCredits,
		CreatedAt:    formatTime(rec.CreatedAt),
		Result:       toCalculationDTO(s.Result()),
	})
}

// GetLatestCalculation returns the most recent saved result.
func (h *Handler) GetLatestCalculation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.LatestResult(r.Context(), yearID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load saved calculation", err, nil)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "No saved calculation", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// =============================================================================
// QRE AND LOCK HANDLERS
// =============================================================================

// GetQRE returns the effective breakdown plus lock metadata.
func (h *Handler) GetQRE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := yearID(r)

	y, err := h.Engine.Years.GetBusinessYear(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load business year", err)
		return
	}
	if y == nil {
		writeError(w, http.StatusNotFound, "Business year not found", nil)
		return
	}
	b, err := h.Engine.Locker.EffectiveBreakdown(ctx, id)
	if err != nil {
		h.writeEngineError(w, "Failed to aggregate QRE", err, nil)
		return
	}

	dto := toQREDTO(b)
	dto.BusinessYearID = string(id)
	if y.QRELocked {
		dto.LockedAt = formatTime(y.Lock.LockedAt)
		dto.LockedBy = y.Lock.LockedBy
	}
	writeJSON(w, http.StatusOK, dto)
}

// LockQRE freezes the year's live breakdown and returns the recalculated
// result.
func (h *Handler) LockQRE(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	opts, err := h.optionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return
	}
	ctx := r.Context()
	s, err := h.Engine.Open(ctx, yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to open business year", err, nil)
		return
	}
	res, err := s.Lock(ctx, req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to lock QRE", err, toCalculationDTO(s.Result()))
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// UnlockQRE returns the year to live aggregation.
func (h *Handler) UnlockQRE(w http.ResponseWriter, r *http.Request) {
	opts, err := h.optionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return
	}
	ctx := r.Context()
	s, err := h.Engine.Open(ctx, yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to open business year", err, nil)
		return
	}
	res, err := s.Unlock(ctx)
	if err != nil {
		h.writeEngineError(w, "Failed to unlock QRE", err, toCalculationDTO(s.Result()))
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetLedger renders Form 6765 and the selected states' worksheets.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(s))
}

// SetOverride replaces one line value.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	section, line, ok := lineParams(w, r)
	if !ok {
		return
	}
	var req OverrideRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}

	changed, err := s.SetOverrideText(r.Context(), section, line, req.Value, req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to set override", err, toLedgerDTO(s))
		return
	}
	h.Logger.Info("override set",
		"business_year_id", s.YearID(), "section", section, "line", line, "actor", req.Actor)
	writeJSON(w, http.StatusOK, OverrideResponse{Changed: refStrings(changed), Ledger: toLedgerDTO(s)})
}

// ResetOverride restores one line to its calculated value.
func (h *Handler) ResetOverride(w http.ResponseWriter, r *http.Request) {
	section, line, ok := lineParams(w, r)
	if !ok {
		return
	}
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}

	changed, err := s.ResetOverride(r.Context(), section, line)
	if err != nil {
		h.writeEngineError(w, "Failed to reset override", err, toLedgerDTO(s))
		return
	}
	writeJSON(w, http.StatusOK, OverrideResponse{Changed: refStrings(changed), Ledger: toLedgerDTO(s)})
}

// ResetSection restores every line of a section.
func (h *Handler) ResetSection(w http.ResponseWriter, r *http.Request) {
	section := generic.SectionID(chi.URLParam(r, "section"))
	s, ok := h.openSession(w, r)
	if !ok {
		return
	}

	changed, err := s.ResetAllOverrides(r.Context(), section)
	if err != nil {
		h.writeEngineError(w, "Failed to reset section", err, toLedgerDTO(s))
		return
	}
	writeJSON(w, http.StatusOK, OverrideResponse{Changed: refStrings(changed), Ledger: toLedgerDTO(s)})
}

// =============================================================================
// STATE REGISTRY HANDLERS
// =============================================================================

// ListStates returns every registry entry ordered by state and method.
func (h *Handler) ListStates(w http.ResponseWriter, r *http.Request) {
	configs := h.Engine.Registry().All()
	dtos := make([]StateConfigDTO, len(configs))
	for i, c := range configs {
		dtos[i] = toStateConfigDTO(c, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetState returns one config with its rules and worksheet lines.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	code := state.NormalizeState(chi.URLParam(r, "code"))
	method := state.Method(strings.ToLower(chi.URLParam(r, "method")))

	cfg, ok := h.Engine.Registry().Get(code, method)
	if !ok {
		writeError(w, http.StatusNotFound, "State configuration not found",
			&generic.ConfigurationGapError{State: code, Method: string(method)})
		return
	}
	writeJSON(w, http.StatusOK, toStateConfigDTO(cfg, true))
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.States.Stats())
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.Engine.States.Invalidate()
	h.Logger.Info("state cache cleared")
	writeJSON(w, http.StatusOK, h.Engine.States.Stats())
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

func yearID(r *http.Request) generic.BusinessYearID {
	return generic.BusinessYearID(chi.URLParam(r, "id"))
}

func lineParams(w http.ResponseWriter, r *http.Request) (generic.SectionID, int, bool) {
	section := chi.URLParam(r, "section")
	line, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil || line <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid line number", err)
		return "", 0, false
	}
	return generic.SectionID(section), line, true
}

// openSession parses query options and opens a session on the URL's year,
// writing the error response itself on failure.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	opts, err := h.optionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid calculation options", err)
		return nil, false
	}
	s, err := h.Engine.Open(r.Context(), yearID(r), opts)
	if err != nil {
		h.writeEngineError(w, "Failed to open business year", err, nil)
		return nil, false
	}
	return s, true
}

// decode reads a JSON body into dst and validates it. With allowEmpty an
// empty body leaves dst at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, len(verrs))
			for i, fe := range verrs {
				details[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "Validation failed", nil, details)
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) optionsFromQuery(r *http.Request) (engine.Options, error) {
	opts := h.Defaults
	q := r.URL.Query()

	if v := q.Get("use_280c"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid use_280c %q", v)
		}
		opts.Use280C = b
	}
	if v := q.Get("method"); v != "" {
		m, err := federal.ParseMethod(v)
		if err != nil {
			return opts, err
		}
		opts.Method = m
	}
	if v := q.Get("states"); v != "" {
		sels, err := engine.ParseStateSelections(v)
		if err != nil {
			return opts, err
		}
		opts.States = sels
	}
	if v := q.Get("asc_gap_policy"); v != "" {
		p, err := qre.ParseGapPolicy(v)
		if err != nil {
			return opts, err
		}
		opts.GapPolicy = p
	}
	if v := q.Get("base_percent"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return opts, fmt.Errorf("invalid base_percent %q", v)
		}
		opts.BasePercent = decimal.NewNullDecimal(d)
	}
	return opts, nil
}

// options applies a validated request body on top of base.
func (req CalculationRequest) options(base engine.Options) (engine.Options, error) {
	opts := base
	opts.Use280C = req.Use280C

	if req.Method != "" {
		m, err := federal.ParseMethod(req.Method)
		if err != nil {
			return opts, err
		}
		opts.Method = m
	}
	if req.GapPolicy != "" {
		opts.GapPolicy = qre.GapPolicy(req.GapPolicy)
	}

	if len(req.States) > 0 {
		opts.States = make([]engine.StateSelection, len(req.States))
		for i, s := range req.States {
			method := state.Method(s.Method)
			if method == "" {
				method = state.MethodStandard
			}
			opts.States[i] = engine.StateSelection{
				State:   state.NormalizeState(s.State),
				Method:  method,
				Variant: s.Variant,
				Enabled: s.Enabled == nil || *s.Enabled,
			}
		}
	}

	if len(req.StateGrossReceipts) > 0 {
		opts.StateGrossReceipts = make(map[string]map[int]decimal.Decimal, len(req.StateGrossReceipts))
		for code, years := range req.StateGrossReceipts {
			byYear := make(map[int]decimal.Decimal, len(years))
			for year, raw := range years {
				d, err := decimal.NewFromString(raw)
				if err != nil {
					return opts, fmt.Errorf("invalid gross receipts for %s %d: %w", code, year, err)
				}
				byYear[year] = d
			}
			opts.StateGrossReceipts[state.NormalizeState(code)] = byYear
		}
	}
	if len(req.StateFixedBase) > 0 {
		opts.StateFixedBase = make(map[string]decimal.Decimal, len(req.StateFixedBase))
		for code, raw := range req.StateFixedBase {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return opts, fmt.Errorf("invalid fixed base for %s: %w", code, err)
			}
			opts.StateFixedBase[state.NormalizeState(code)] = d
		}
	}

	var err error
	set := func(dst *decimal.Decimal, raw string) {
		if raw == "" || err != nil {
			return
		}
		*dst, err = decimal.NewFromString(raw)
	}
	setNull := func(dst *decimal.NullDecimal, raw string) {
		if raw == "" || err != nil {
			return
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(raw)
		*dst = decimal.NewNullDecimal(d)
	}
	set(&opts.EnergyConsortia, req.EnergyConsortia)
	set(&opts.BasicResearchPayments, req.BasicResearchPayments)
	set(&opts.QualifiedOrgBasePeriod, req.QualifiedOrgBasePeriod)
	setNull(&opts.BasePercent, req.BasePercent)
	setNull(&opts.AvgGrossReceipts, req.AvgGrossReceipts)
	return opts, err
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an ErrorResponse. An optional details value replaces
// err.Error() in the Details field.
func writeError(w http.ResponseWriter, status int, message string, err error, details ...any) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to a status. result, when not nil,
// is the in-memory outcome returned alongside a persistence failure.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error, result any) {
	resp := ErrorResponse{Error: message, Details: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case generic.IsNotFound(err):
		status = http.StatusNotFound
		resp.Code = "not_found"
	case generic.IsClientError(err):
		status = http.StatusBadRequest
		resp.Code = "invalid"
	case generic.IsConflict(err):
		status = http.StatusConflict
		resp.Code = "conflict"
	case generic.IsRetryable(err):
		status = http.StatusServiceUnavailable
		resp.Code = "persistence_error"
		resp.Result = result
	case errors.Is(err, engine.ErrNotCalculated):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeJSON(w, status, resp)
}

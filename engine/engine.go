/*
Package engine orchestrates one credit calculation for a business year.

PURPOSE:
  Ties the pieces together in the order the numbers depend on each other:

    business year -> effective QRE (lock seam) -> history -> federal
    Standard + ASC -> selection -> state credits -> totals

  Every recoverable condition (missing history, unknown state, missing
  state gross receipts) becomes a notice on the result. The only abort is a
  business year that does not exist.

SESSIONS:
  A Session holds the per-year state of one editor: the current result, the
  Form 6765 ledger and one ledger per state worksheet. Switching years
  throws all of it away. See session.go.

SEE ALSO:
  - options.go: Options and state selections
  - session.go: Session
  - federal/, state/, qre/: The calculators
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

type FederalSummary struct {
	Standard       federal.Result `json:"standard"`
	ASC            federal.Result `json:"asc"`
	SelectedMethod federal.Method `json:"selected_method"`
	Use280C        bool           `json:"use_280c"`
}

// Selected returns the result of the selected method.
func (f FederalSummary) Selected() federal.Result {
	if f.SelectedMethod == federal.MethodStandard {
		return f.Standard
	}
	return f.ASC
}

// StateCredit is one evaluated state selection. Disabled selections are
// reported but excluded from the totals.
type StateCredit struct {
	state.Result
	Enabled bool `json:"enabled"`
}

type CalculationResult struct {
	BusinessYearID generic.BusinessYearID `json:"business_year_id"`
	BusinessID     generic.BusinessID     `json:"business_id"`
	Year           int                    `json:"year"`
	QRE            generic.QREBreakdown   `json:"qre"`
	Federal        FederalSummary         `json:"federal"`
	States         []StateCredit          `json:"states"`
	TotalFederal   decimal.Decimal        `json:"total_federal"`
	TotalState     decimal.Decimal        `json:"total_state"`
	TotalCredits   decimal.Decimal        `json:"total_credits"`
	Notices        []string               `json:"notices"`
	CalculatedAt   time.Time              `json:"calculated_at"`
}

func (r *CalculationResult) notice(format string, args ...any) {
	r.Notices = append(r.Notices, fmt.Sprintf(format, args...))
}

// =============================================================================
// ENGINE
// =============================================================================

// Deps are the stores and shared services an Engine reads. Results may be
// nil when saved calculations are not needed.
type Deps struct {
	Years     generic.BusinessYearStore
	Records   generic.AllocationStore
	Overrides generic.OverrideStore
	Results   generic.ResultStore
	States    *state.Cache
	Logger    *slog.Logger
}

type Engine struct {
	Years     generic.BusinessYearStore
	Overrides generic.OverrideStore
	Results   generic.ResultStore
	Locker    *qre.Locker
	States    *state.Cache
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Years:     d.Years,
		Overrides: d.Overrides,
		Results:   d.Results,
		Locker:    qre.NewLocker(d.Years, qre.NewAggregator(d.Records), logger),
		States:    d.States,
		Logger:    logger,
		Now:       time.Now,
	}
}

// Registry returns the state registry behind the engine's cache.
func (e *Engine) Registry() *state.Registry {
	return e.States.Evaluator().Registry
}

// calculation is everything one run produces, including the calculator
// inputs the ledgers are seeded from.
type calculation struct {
	year     generic.BusinessYear
	business generic.Business
	fedInput federal.Input
	states   []state.Input
	result   *CalculationResult
}

// Calculate runs the full calculation for a business year.
func (e *Engine) Calculate(ctx context.Context, id generic.BusinessYearID, opts Options) (*CalculationResult, error) {
	calc, err := e.calculate(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return calc.result, nil
}

func (e *Engine) calculate(ctx context.Context, id generic.BusinessYearID, opts Options) (*calculation, error) {
	start := e.Now()
	calc, err := e.run(ctx, id, opts)
	observeCalculation(start, e.Now(), err)
	if err != nil {
		e.Logger.Warn("calculation failed", "business_year_id", id, "error", err)
		return nil, err
	}
	e.Logger.Debug("calculation complete",
		"business_year_id", id,
		"qre_total", calc.result.QRE.Total.String(),
		"federal_method", calc.result.Federal.SelectedMethod,
		"total_credits", calc.result.TotalCredits.String(),
	)
	return calc, nil
}

func (e *Engine) run(ctx context.Context, id generic.BusinessYearID, opts Options) (*calculation, error) {
	y, err := e.Years.GetBusinessYear(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load business year: %w", err)
	}
	if y == nil {
		return nil, fmt.Errorf("%s: %w", id, generic.ErrBusinessYearNotFound)
	}

	res := &CalculationResult{
		BusinessYearID: y.ID,
		BusinessID:     y.BusinessID,
		Year:           y.Year,
		TotalState:     decimal.Zero,
		CalculatedAt:   e.Now().UTC(),
	}

	biz, err := e.Years.GetBusiness(ctx, y.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("failed to load business: %w", err)
	}
	if biz == nil {
		res.notice("business %s not found; entity type and domicile state unknown", y.BusinessID)
		biz = &generic.Business{ID: y.BusinessID}
	}

	breakdown, err := e.Locker.EffectiveBreakdown(ctx, y.ID)
	if err != nil {
		return nil, err
	}
	res.QRE = breakdown
	if breakdown.IsZero() {
		res.notice("no qualified research expenses recorded for %d", y.Year)
	}

	history, err := qre.LoadHistory(ctx, e.Years, y.BusinessID, y.Year)
	if err != nil {
		return nil, err
	}

	fin := opts.federalInput(*y, breakdown, history)
	if err := fin.Validate(); err != nil {
		return nil, err
	}
	standard, asc, selected, err := federal.Calculate(fin, opts.Method)
	if err != nil {
		return nil, err
	}
	res.Federal = FederalSummary{
		Standard:       standard,
		ASC:            asc,
		SelectedMethod: selected.Method,
		Use280C:        opts.Use280C,
	}
	res.TotalFederal = selected.AdjustedCredit
	for _, n := range standard.Notices {
		res.notice("federal standard: %s", n)
	}
	for _, n := range asc.Notices {
		res.notice("federal asc: %s", n)
	}

	calc := &calculation{year: *y, business: *biz, fedInput: fin, result: res}
	for _, sel := range opts.selections(*biz) {
		in := opts.stateInput(sel, *y, *biz, breakdown, history)
		sr := e.States.Evaluate(in)
		res.States = append(res.States, StateCredit{Result: sr, Enabled: sel.Enabled})
		calc.states = append(calc.states, in)

		switch sr.Status {
		case state.StatusNoConfiguration, state.StatusMissingData:
			for _, m := range sr.Messages {
				res.notice("%s %s: %s", sr.State, sr.Method, m)
			}
		}
		if sel.Enabled {
			res.TotalState = res.TotalState.Add(sr.Credit)
		}
	}

	res.TotalCredits = res.TotalFederal.Add(res.TotalState)
	return calc, nil
}

// =============================================================================
// SAVED RESULTS
// =============================================================================

var (
	// ErrNoResultStore is returned by SaveResult on an engine without a
	// ResultStore.
	ErrNoResultStore = errors.New("no result store configured")

	// ErrNotCalculated is returned when saving a session with no result.
	ErrNotCalculated = errors.New("nothing calculated yet")
)

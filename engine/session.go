package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// SESSION - Per-year editing state
// =============================================================================

// Session is the working state of one editor on one business year: the
// last result and the ledgers rendering it. Everything in it is derived
// from the stores plus Options and is rebuilt on Recalculate.
//
// Ledger overrides change the rendered forms only. The calculated result
// follows Options (see Options.BasePercent for the Section A base).
type Session struct {
	engine *Engine
	opts   Options

	yearID  generic.BusinessYearID
	result  *CalculationResult
	federal *generic.Ledger
	states  []*generic.Ledger
}

func (e *Engine) NewSession(opts Options) *Session {
	return &Session{engine: e, opts: opts}
}

// Open is NewSession followed by SwitchYear.
func (e *Engine) Open(ctx context.Context, id generic.BusinessYearID, opts Options) (*Session, error) {
	s := e.NewSession(opts)
	if err := s.SwitchYear(ctx, id); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) YearID() generic.BusinessYearID { return s.yearID }

func (s *Session) Options() Options { return s.opts }

// Result returns the last calculation, or nil before the first one.
func (s *Session) Result() *CalculationResult { return s.result }

// Ledger returns the Form 6765 ledger.
func (s *Session) Ledger() *generic.Ledger { return s.federal }

// Ledgers returns the Form 6765 ledger followed by every state worksheet.
func (s *Session) Ledgers() []*generic.Ledger {
	if s.federal == nil {
		return nil
	}
	return append([]*generic.Ledger{s.federal}, s.states...)
}

// Sections renders every section of every ledger.
func (s *Session) Sections() []generic.SectionView {
	var out []generic.SectionView
	for _, l := range s.Ledgers() {
		out = append(out, l.Sections()...)
	}
	return out
}

// SwitchYear drops all per-year state and loads the new year. Moving to a
// different tax year evicts the cached state results of the year left
// behind; other years stay cached for the engine's other sessions. On
// failure the session is left empty.
func (s *Session) SwitchYear(ctx context.Context, id generic.BusinessYearID) error {
	if s.result != nil && s.yearID != id {
		s.engine.States.InvalidateYear(s.result.Year)
	}
	s.yearID = id
	s.result = nil
	s.federal = nil
	s.states = nil
	_, err := s.Recalculate(ctx)
	return err
}

// Recalculate reruns the calculation and rebuilds the ledgers from the
// persisted overrides.
func (s *Session) Recalculate(ctx context.Context) (*CalculationResult, error) {
	if s.yearID == "" {
		return nil, fmt.Errorf("no business year selected: %w", generic.ErrBusinessYearNotFound)
	}
	calc, err := s.engine.calculate(ctx, s.yearID, s.opts)
	if err != nil {
		return nil, err
	}

	scope := generic.LedgerScope{ClientID: calc.business.ClientID, Year: calc.year.Year}
	logOpt := generic.WithLogger(s.engine.Logger)

	fed, err := generic.NewLedger(scope, s.engine.Overrides, federal.Sections(calc.result.Federal.SelectedMethod), logOpt)
	if err != nil {
		return nil, fmt.Errorf("failed to build form 6765: %w", err)
	}
	r := calc.result.Federal
	fed.SetInputs(federal.FormInputs(calc.fedInput, r.Standard, r.ASC))
	if err := fed.Load(ctx); err != nil {
		return nil, err
	}

	var worksheets []*generic.Ledger
	for i, in := range calc.states {
		if !calc.result.States[i].Enabled {
			continue
		}
		cfg, ok := s.engine.Registry().Get(in.State, in.Method)
		if !ok || !cfg.HasCredit || !cfg.HasProForma() {
			continue
		}
		l, err := state.NewProForma(cfg, in, scope, s.engine.Overrides, logOpt)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s worksheet: %w", cfg.SectionID(), err)
		}
		if err := l.Load(ctx); err != nil {
			return nil, err
		}
		worksheets = append(worksheets, l)
	}

	s.result = calc.result
	s.federal = fed
	s.states = worksheets
	return s.result, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

func (s *Session) ledgerFor(section generic.SectionID) (*generic.Ledger, error) {
	for _, l := range s.Ledgers() {
		if l.HasSection(section) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("section %s: %w", section, generic.ErrLineNotFound)
}

// SetOverride replaces a line value and returns the recomputed lines.
func (s *Session) SetOverride(ctx context.Context, section generic.SectionID, line int, value decimal.Decimal, actor string) ([]generic.LineRef, error) {
	l, err := s.ledgerFor(section)
	if err != nil {
		observeOverride("set", err)
		return nil, err
	}
	changed, err := l.SetOverride(ctx, section, line, value, actor)
	observeOverride("set", err)
	return changed, err
}

// SetOverrideText parses raw user input before SetOverride.
func (s *Session) SetOverrideText(ctx context.Context, section generic.SectionID, line int, raw string, actor string) ([]generic.LineRef, error) {
	l, err := s.ledgerFor(section)
	if err != nil {
		observeOverride("set", err)
		return nil, err
	}
	changed, err := l.SetOverrideText(ctx, section, line, raw, actor)
	observeOverride("set", err)
	return changed, err
}

func (s *Session) ResetOverride(ctx context.Context, section generic.SectionID, line int) ([]generic.LineRef, error) {
	l, err := s.ledgerFor(section)
	if err != nil {
		observeOverride("reset", err)
		return nil, err
	}
	changed, err := l.ResetOverride(ctx, section, line)
	observeOverride("reset", err)
	return changed, err
}

func (s *Session) ResetAllOverrides(ctx context.Context, section generic.SectionID) ([]generic.LineRef, error) {
	l, err := s.ledgerFor(section)
	if err != nil {
		observeOverride("reset_all", err)
		return nil, err
	}
	changed, err := l.ResetAllOverrides(ctx, section)
	observeOverride("reset_all", err)
	return changed, err
}

// SetElection switches the 280C election and recalculates. The federal
// selection may change with it.
func (s *Session) SetElection(ctx context.Context, use280C bool) (*CalculationResult, error) {
	s.opts.Use280C = use280C
	return s.Recalculate(ctx)
}

// =============================================================================
// LOCK
// =============================================================================

// Lock freezes the year's live QRE and recalculates from the snapshot.
func (s *Session) Lock(ctx context.Context, actor string) (*CalculationResult, error) {
	if _, err := s.engine.Locker.Lock(ctx, s.yearID, actor); err != nil {
		return nil, err
	}
	return s.Recalculate(ctx)
}

// Unlock returns the year to live aggregation and recalculates.
func (s *Session) Unlock(ctx context.Context) (*CalculationResult, error) {
	if err := s.engine.Locker.Unlock(ctx, s.yearID); err != nil {
		return nil, err
	}
	return s.Recalculate(ctx)
}

// =============================================================================
// SAVED RESULTS
// =============================================================================

// SaveResult persists the last result as a JSON snapshot.
func (s *Session) SaveResult(ctx context.Context) (generic.CalculationRecord, error) {
	if s.result == nil {
		return generic.CalculationRecord{}, ErrNotCalculated
	}
	return s.engine.SaveResult(ctx, s.result)
}

// SaveResult stores res through the engine's ResultStore.
func (e *Engine) SaveResult(ctx context.Context, res *CalculationResult) (generic.CalculationRecord, error) {
	if e.Results == nil {
		return generic.CalculationRecord{}, ErrNoResultStore
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return generic.CalculationRecord{}, fmt.Errorf("failed to encode calculation: %w", err)
	}
	rec := generic.CalculationRecord{
		ID:             uuid.NewString(),
		BusinessYearID: res.BusinessYearID,
		TotalCredits:   res.TotalCredits,
		Payload:        payload,
		CreatedAt:      e.Now().UTC(),
	}
	if err := e.Results.SaveCalculation(ctx, rec); err != nil {
		return generic.CalculationRecord{}, &generic.PersistenceError{Op: "save calculation", Err: err}
	}
	e.Logger.Info("calculation saved", "business_year_id", res.BusinessYearID, "id", rec.ID)
	return rec, nil
}

// LatestResult decodes the most recent saved result, or returns nil.
func (e *Engine) LatestResult(ctx context.Context, id generic.BusinessYearID) (*CalculationResult, error) {
	if e.Results == nil {
		return nil, ErrNoResultStore
	}
	rec, err := e.Results.LatestCalculation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load saved calculation: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var res CalculationResult
	if err := json.Unmarshal(rec.Payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode saved calculation: %w", err)
	}
	return &res, nil
}

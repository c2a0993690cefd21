/*
Package qre turns raw cost records into qualified research expense figures.

PURPOSE:
  Three concerns live here because they all answer "what is the QRE of
  this business year?":
  - Aggregator: live sum of employee / contractor / supply allocations
  - History:    read-only prior-year QRE and gross receipts for lookbacks
  - Locker:     frozen snapshot that replaces live aggregation while locked

SINGLE SEAM:
  Consumers never call the Aggregator directly for a calculation. They ask
  Locker.EffectiveBreakdown, which branches on the lock flag. That keeps
  the federal calculator, the state evaluator and the line ledger on the
  same source for a given year.

ROUNDING:
  Each record's contribution is rounded to whole dollars (half away from
  zero) before summation, so the breakdown matches the whole-dollar lines
  of the forms it feeds.

SEE ALSO:
  - history.go: Lookback windows
  - lock.go: Lock / unlock / EffectiveBreakdown
  - generic/types.go: QREBreakdown
*/
package qre

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

var (
	hundred          = decimal.NewFromInt(100)
	substantialFloor = decimal.NewFromInt(80)
)

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Records generic.AllocationStore

	// SubstantiallyAll treats an applied percentage of 80 or more as 100,
	// the substantially-all rule for employee wages. Off by default.
	SubstantiallyAll bool
}

func NewAggregator(records generic.AllocationStore) *Aggregator {
	return &Aggregator{Records: records}
}

// Aggregate computes the live breakdown for a business year.
// An empty record set yields a zero breakdown.
func (a *Aggregator) Aggregate(ctx context.Context, id generic.BusinessYearID) (generic.QREBreakdown, error) {
	employees, err := a.Records.EmployeeAllocations(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, fmt.Errorf("failed to load employee allocations: %w", err)
	}
	contractors, err := a.Records.ContractorAllocations(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, fmt.Errorf("failed to load contractor allocations: %w", err)
	}
	supplies, err := a.Records.SupplyAllocations(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, fmt.Errorf("failed to load supply allocations: %w", err)
	}
	return a.Sum(employees, contractors, supplies), nil
}

// Sum aggregates already-loaded records.
func (a *Aggregator) Sum(employees []generic.EmployeeAllocation, contractors []generic.ContractorAllocation, supplies []generic.SupplyAllocation) generic.QREBreakdown {
	wages := decimal.Zero
	for _, e := range employees {
		wages = wages.Add(a.effective(e.CalculatedQRE, e.Wage, e.AppliedPercent, a.SubstantiallyAll))
	}

	contractor, contractResearch := decimal.Zero, decimal.Zero
	for _, c := range contractors {
		v := a.effective(c.CalculatedQRE, c.Amount, c.AppliedPercent, false)
		if c.ContractResearch {
			contractResearch = contractResearch.Add(v)
		} else {
			contractor = contractor.Add(v)
		}
	}

	supply := decimal.Zero
	for _, s := range supplies {
		supply = supply.Add(a.effective(s.AmountApplied, s.SupplyCost, s.AppliedPercent, false))
	}

	return generic.NewQREBreakdown(wages, contractor, supply, contractResearch)
}

// effective returns the pre-calculated amount when it is positive, otherwise
// base * percent / 100, rounded to whole dollars.
func (a *Aggregator) effective(precalc decimal.NullDecimal, base, percent decimal.Decimal, substantiallyAll bool) decimal.Decimal {
	if precalc.Valid && precalc.Decimal.IsPositive() {
		return generic.RoundDollars(precalc.Decimal)
	}
	if substantiallyAll && percent.GreaterThanOrEqual(substantialFloor) {
		percent = hundred
	}
	return generic.RoundDollars(generic.NonNegative(base.Mul(percent).Div(hundred)))
}

// HistoricalQRE is the QRE of a year read as history: the lock snapshot
// when locked, otherwise the manually supplied total. An empty snapshot
// never hides a positive manual total. Allocation rows are not consulted.
func HistoricalQRE(y generic.BusinessYear) generic.QREBreakdown {
	if y.QRELocked {
		if b := y.Lock.Breakdown(); !b.IsZero() || !y.TotalQRE.IsPositive() {
			return b
		}
	}
	return generic.HistoricalBreakdown(y.TotalQRE)
}

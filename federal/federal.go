/*
Package federal computes the federal research credit under both statutory
methods and describes Form 6765 as ledger sections.

PURPOSE:
  Standard (regular) credit and Alternative Simplified Credit are computed
  from the same Input. Select picks the method the return will claim.
  form6765.go renders the same arithmetic as line formulas so that a
  preparer can override individual lines.

CRITICAL INVARIANTS:
  1. Credit and AdjustedCredit are never negative.
  2. BasePercentage always lies in [0.03, 0.16].
  3. Missing history never fails a calculation: the statutory floor or the
     startup rate applies and a notice says so.
  4. With no overrides, Form 6765 line 13 equals Standard().AdjustedCredit
     and line 26 equals ASC().AdjustedCredit.

280C ELECTION:
  The Standard method bakes the reduced rate (15.8% instead of 20%) into
  the credit, so AdjustedCredit == Credit. ASC reports the gross credit and
  an AdjustedCredit of 79% of it.

SEE ALSO:
  - standard.go, asc.go: The two methods
  - form6765.go: Line ledger sections F, A, B, C, D
  - qre/history.go: Lookback windows
*/
package federal

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
)

// =============================================================================
// METHODS AND RATES
// =============================================================================

type Method string

const (
	MethodStandard Method = "standard"
	MethodASC      Method = "asc"
)

// ParseMethod accepts "standard", "asc" and "" / "auto" (no preference).
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "auto":
		return "", nil
	case string(MethodStandard), "regular":
		return MethodStandard, nil
	case string(MethodASC):
		return MethodASC, nil
	}
	return "", fmt.Errorf("unknown federal method %q", s)
}

var (
	RateRegular     = decimal.RequireFromString("0.20")
	RateRegular280C = decimal.RequireFromString("0.158")
	RateASC         = decimal.RequireFromString("0.14")
	RateASCStartup  = decimal.RequireFromString("0.06")
	ASC280CFactor   = decimal.RequireFromString("0.79")

	BasePercentFloor = decimal.RequireFromString("0.03")
	BasePercentCap   = decimal.RequireFromString("0.16")

	half = decimal.RequireFromString("0.5")
	six  = decimal.NewFromInt(6)
)

const (
	// BaseWindowYears is the fixed-base lookback of the Standard method.
	BaseWindowYears = 4
	// ASCPriorYears is the number of qualifying prior years ASC needs.
	ASCPriorYears = 3
)

// =============================================================================
// INPUT / RESULT
// =============================================================================

// Input carries everything both methods read. History holds the years
// strictly before TargetYear.
type Input struct {
	TargetYear int
	QRE        generic.QREBreakdown
	History    qre.History
	Use280C    bool

	// Section A lines 1-3 / Section B lines 14-16.
	EnergyConsortia        decimal.Decimal
	BasicResearchPayments  decimal.Decimal
	QualifiedOrgBasePeriod decimal.Decimal

	// BasePercent replaces the history-derived fixed-base percentage.
	// It must lie in [0.03, 0.16].
	BasePercent decimal.NullDecimal
	// AvgGrossReceipts replaces the lookback average.
	AvgGrossReceipts decimal.NullDecimal

	GapPolicy qre.GapPolicy
}

// Validate rejects manual values the calculators would otherwise have to
// clamp silently.
func (in Input) Validate() error {
	if in.BasePercent.Valid {
		p := in.BasePercent.Decimal
		if p.LessThan(BasePercentFloor) || p.GreaterThan(BasePercentCap) {
			return &generic.InvalidOverrideError{
				Section: SectionA, Line: 6, Value: p.String(),
				Reason: "fixed-base percentage must be between 0.03 and 0.16",
			}
		}
	}
	if in.AvgGrossReceipts.Valid && in.AvgGrossReceipts.Decimal.IsNegative() {
		return &generic.InvalidOverrideError{
			Section: SectionA, Line: 7, Value: in.AvgGrossReceipts.Decimal.String(),
			Reason: "must not be negative",
		}
	}
	for _, v := range []decimal.Decimal{in.EnergyConsortia, in.BasicResearchPayments, in.QualifiedOrgBasePeriod} {
		if v.IsNegative() {
			return fmt.Errorf("%w: research payment inputs must not be negative", generic.ErrInvalidOverride)
		}
	}
	return nil
}

// basicResearchExcess is line 4 / line 17: payments above the base period.
func (in Input) basicResearchExcess() decimal.Decimal {
	return generic.NonNegative(in.BasicResearchPayments.Sub(in.QualifiedOrgBasePeriod))
}

// Result is the outcome of one method. Fields that do not apply to the
// method are left invalid.
type Result struct {
	Method         Method
	Credit         decimal.Decimal
	AdjustedCredit decimal.Decimal
	Rate           decimal.Decimal
	CreditBase     decimal.Decimal

	// Standard
	BasePercentage   decimal.NullDecimal
	AvgGrossReceipts decimal.NullDecimal
	FixedBaseAmount  decimal.NullDecimal
	IncrementalQRE   decimal.NullDecimal

	// ASC
	AvgPriorQRE    decimal.NullDecimal
	PriorQRESum    decimal.NullDecimal
	IsStartup      bool
	PriorYearsUsed []int

	Notices []string
}

func (r *Result) notice(format string, args ...any) {
	r.Notices = append(r.Notices, fmt.Sprintf(format, args...))
}

// =============================================================================
// SELECTION
// =============================================================================

// Select returns the result of the preferred method, or the higher
// AdjustedCredit when preferred is empty. Ties go to ASC.
func Select(standard, asc Result, preferred Method) Result {
	switch preferred {
	case MethodStandard:
		return standard
	case MethodASC:
		return asc
	}
	if standard.AdjustedCredit.GreaterThan(asc.AdjustedCredit) {
		return standard
	}
	return asc
}

// Calculate runs both methods and selects one.
func Calculate(in Input, preferred Method) (standard, asc, selected Result, err error) {
	standard, err = Standard(in)
	if err != nil {
		return Result{}, Result{}, Result{}, err
	}
	asc, err = ASC(in)
	if err != nil {
		return Result{}, Result{}, Result{}, err
	}
	return standard, asc, Select(standard, asc, preferred), nil
}

package federal

import (
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// STANDARD (REGULAR) CREDIT
// =============================================================================

// BasePercentage derives the fixed-base percentage from the four years
// before target. fromHistory is false when the floor applied.
func BasePercentage(in Input) (pct decimal.Decimal, fromHistory bool) {
	if !in.History.Complete(in.TargetYear, BaseWindowYears) {
		return BasePercentFloor, false
	}
	sumQRE, sumGR := decimal.Zero, decimal.Zero
	for _, r := range in.History.Window(in.TargetYear, BaseWindowYears) {
		sumQRE = sumQRE.Add(r.QRE)
		sumGR = sumGR.Add(r.GrossReceipts)
	}
	if !sumGR.IsPositive() {
		return BasePercentFloor, false
	}
	return generic.Clamp(sumQRE.Div(sumGR), BasePercentFloor, BasePercentCap), true
}

// Standard computes the regular credit in Form 6765 Section A order.
func Standard(in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{Method: MethodStandard}
	total := generic.NonNegative(in.QRE.Total)

	// Line 6
	basePct, fromHistory := BasePercentage(in)
	switch {
	case in.BasePercent.Valid:
		basePct = in.BasePercent.Decimal
		res.notice("fixed-base percentage entered manually: %s", basePct.String())
	case !fromHistory:
		res.notice("fewer than %d prior years with gross receipts; fixed-base percentage uses the 3%% floor", BaseWindowYears)
	}

	// Line 7
	avgGR := in.History.AvgGrossReceipts(in.TargetYear, BaseWindowYears)
	if in.AvgGrossReceipts.Valid {
		avgGR = in.AvgGrossReceipts.Decimal
	} else if avgGR.IsZero() {
		res.notice("no prior gross receipts; base amount is zero")
	}

	// Lines 8-11
	baseAmount := avgGR.Mul(basePct)
	incremental := generic.NonNegative(total.Sub(baseAmount))
	creditBase := decimal.Min(incremental, total.Mul(half))

	// Line 12
	adjustedBase := in.EnergyConsortia.Add(in.basicResearchExcess()).Add(creditBase)

	// Line 13
	rate := RateRegular
	if in.Use280C {
		rate = RateRegular280C
	}
	credit := generic.NonNegative(adjustedBase.Mul(rate))

	res.Credit = credit
	res.AdjustedCredit = credit
	res.Rate = rate
	res.CreditBase = adjustedBase
	res.BasePercentage = decimal.NewNullDecimal(basePct)
	res.AvgGrossReceipts = decimal.NewNullDecimal(avgGR)
	res.FixedBaseAmount = decimal.NewNullDecimal(baseAmount)
	res.IncrementalQRE = decimal.NewNullDecimal(incremental)
	return res, nil
}

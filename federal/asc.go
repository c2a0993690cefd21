package federal

import (
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
)

// =============================================================================
// ALTERNATIVE SIMPLIFIED CREDIT
// =============================================================================

// ASC computes the alternative simplified credit in Form 6765 Section B
// order. Without three qualifying prior years the 6% startup rate applies.
func ASC(in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	policy := in.GapPolicy
	if policy == "" {
		policy = qre.GapStrict
	}

	res := Result{Method: MethodASC}
	total := generic.NonNegative(in.QRE.Total)

	// Lines 14-19
	researchPortion := in.EnergyConsortia.Add(in.basicResearchExcess()).Mul(RateRegular)

	// Lines 20-24
	prior := in.History.PriorQRE(in.TargetYear, ASCPriorYears, policy)
	var qreCredit decimal.Decimal
	if len(prior) == ASCPriorYears {
		sum := decimal.Zero
		for _, r := range prior {
			sum = sum.Add(r.QRE)
			res.PriorYearsUsed = append(res.PriorYearsUsed, r.Year)
		}
		incremental := generic.NonNegative(total.Sub(sum.Div(six)))
		qreCredit = incremental.Mul(RateASC)

		res.Rate = RateASC
		res.CreditBase = incremental
		res.PriorQRESum = decimal.NewNullDecimal(sum)
		res.AvgPriorQRE = decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(ASCPriorYears)))
		res.IncrementalQRE = decimal.NewNullDecimal(incremental)
	} else {
		qreCredit = total.Mul(RateASCStartup)

		res.Rate = RateASCStartup
		res.CreditBase = total
		res.IsStartup = true
		res.notice("%d of %d prior years have QRE (%s gap policy); ASC uses the 6%% startup rate",
			len(prior), ASCPriorYears, policy)
	}

	// Lines 25-26
	credit := generic.NonNegative(researchPortion.Add(qreCredit))
	res.Credit = credit
	res.AdjustedCredit = credit
	if in.Use280C {
		res.AdjustedCredit = credit.Mul(ASC280CFactor)
	}
	return res, nil
}

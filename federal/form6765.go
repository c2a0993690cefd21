package federal

import (
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// FORM 6765 SECTIONS
// =============================================================================

const (
	SectionF generic.SectionID = "F"
	SectionA generic.SectionID = "A"
	SectionB generic.SectionID = "B"
	SectionC generic.SectionID = "C"
	SectionD generic.SectionID = "D"
)

// Ledger input keys.
const (
	InputWages            = "qre.wages"
	InputSupplies         = "qre.supplies"
	InputComputerLeases   = "qre.computer_leases"
	InputContractor       = "qre.contractor"
	InputContractResearch = "qre.contract_research"

	InputEnergyConsortia  = "fed.energy_consortia"
	InputBasicResearch    = "fed.basic_research_payments"
	InputQualifiedOrgBase = "fed.qualified_org_base"
	InputBasePercent      = "fed.base_percent"
	InputAvgGross         = "fed.avg_gross_receipts"
	InputPrior3QRE        = "fed.prior3_qre"

	InputUse280C = "use280C"
)

var payrollCap = decimal.NewFromInt(500000)

func ratio(lo, hi decimal.Decimal) (decimal.NullDecimal, decimal.NullDecimal) {
	return decimal.NewNullDecimal(lo), decimal.NewNullDecimal(hi)
}

// Sections returns Form 6765 in evaluation order F, A, B, C, D. Line 28
// reads line 13 or line 26 depending on the claimed method.
func Sections(claimed Method) []generic.SectionSpec {
	baseMin, baseMax := ratio(BasePercentFloor, BasePercentCap)

	line28Source := generic.At(SectionA, 13)
	if claimed == MethodASC {
		line28Source = generic.At(SectionB, 26)
	}

	return []generic.SectionSpec{
		{
			ID:    SectionF,
			Title: "Section F - Qualified Research Expenses Summary",
			Lines: []generic.LineSpec{
				{Number: 42, Label: "Total wages for qualified services", Editable: true, Formula: generic.Input(InputWages)},
				{Number: 43, Label: "Total costs of supplies", Editable: true, Formula: generic.Input(InputSupplies)},
				{Number: 44, Label: "Total rental or lease cost of computers", Editable: true, Formula: generic.Input(InputComputerLeases)},
				{Number: 45, Label: "Total applicable amount of contract research", Editable: true, Formula: generic.Input(InputContractor)},
				{Number: 46, Label: "Applicable amount of basic research payments", Editable: true, Formula: generic.Input(InputContractResearch)},
				{Number: 47, Label: "Add lines 45 and 46", Formula: generic.Sum(generic.L(45), generic.L(46))},
				{Number: 48, Label: "Add lines 42, 43, 44, and 47", Locked: true,
					Formula: generic.Sum(generic.L(42), generic.L(43), generic.L(44), generic.L(47))},
			},
		},
		{
			ID:    SectionA,
			Title: "Section A - Regular Credit",
			Lines: []generic.LineSpec{
				{Number: 1, Label: "Amounts paid or incurred to energy consortia", Editable: true, Formula: generic.Input(InputEnergyConsortia)},
				{Number: 2, Label: "Basic research payments to qualified organizations", Editable: true, Formula: generic.Input(InputBasicResearch)},
				{Number: 3, Label: "Qualified organization base period amount", Editable: true, Formula: generic.Input(InputQualifiedOrgBase)},
				{Number: 4, Label: "Subtract line 3 from line 2", Formula: generic.Diff(generic.L(2), generic.L(3))},
				{Number: 5, Label: "Total qualified research expenses (line 48)", Locked: true, Formula: generic.Ref(generic.At(SectionF, 48))},
				{Number: 6, Label: "Fixed-base percentage, not more than 16%", Unit: generic.UnitRatio, Editable: true,
					Min: baseMin, Max: baseMax, Formula: generic.Input(InputBasePercent)},
				{Number: 7, Label: "Average annual gross receipts", Editable: true, Formula: generic.Input(InputAvgGross)},
				{Number: 8, Label: "Multiply line 7 by the percentage on line 6", Formula: generic.Product(generic.L(7), generic.L(6))},
				{Number: 9, Label: "Subtract line 8 from line 5", Formula: generic.Diff(generic.L(5), generic.L(8))},
				{Number: 10, Label: "Multiply line 5 by 50%", Formula: generic.Percent(generic.L(5), half)},
				{Number: 11, Label: "Smaller of line 9 or line 10", Formula: generic.Min(generic.L(9), generic.L(10))},
				{Number: 12, Label: "Add lines 1, 4, and 11", Formula: generic.Sum(generic.L(1), generic.L(4), generic.L(11))},
				{Number: 13, Label: "Line 12 times 15.8% (280C) or 20%",
					Formula: generic.ElectionRate(generic.L(12), InputUse280C, RateRegular280C, RateRegular)},
			},
		},
		{
			ID:    SectionB,
			Title: "Section B - Alternative Simplified Credit",
			Lines: []generic.LineSpec{
				{Number: 14, Label: "Amounts paid or incurred to energy consortia", Editable: true, Formula: generic.Input(InputEnergyConsortia)},
				{Number: 15, Label: "Basic research payments to qualified organizations", Editable: true, Formula: generic.Input(InputBasicResearch)},
				{Number: 16, Label: "Qualified organization base period amount", Editable: true, Formula: generic.Input(InputQualifiedOrgBase)},
				{Number: 17, Label: "Subtract line 16 from line 15", Formula: generic.Diff(generic.L(15), generic.L(16))},
				{Number: 18, Label: "Add lines 14 and 17", Formula: generic.Sum(generic.L(14), generic.L(17))},
				{Number: 19, Label: "Multiply line 18 by 20%", Formula: generic.Percent(generic.L(18), RateRegular)},
				{Number: 20, Label: "Total qualified research expenses (line 48)", Locked: true, Formula: generic.Ref(generic.At(SectionF, 48))},
				{Number: 21, Label: "Total QREs for the prior 3 tax years", Editable: true, Formula: generic.Input(InputPrior3QRE)},
				{Number: 22, Label: "Divide line 21 by 6.0", Formula: generic.Quotient(generic.L(21), six)},
				{Number: 23, Label: "Subtract line 22 from line 20", Formula: generic.Diff(generic.L(20), generic.L(22))},
				{Number: 24, Label: "Line 23 times 14%, or line 20 times 6% without prior QREs",
					Formula: generic.If(
						generic.Condition{Line: &generic.LineRef{Line: 21}},
						generic.Percent(generic.L(23), RateASC),
						generic.Percent(generic.L(20), RateASCStartup),
					)},
				{Number: 25, Label: "Add lines 19 and 24", Formula: generic.Sum(generic.L(19), generic.L(24))},
				{Number: 26, Label: "Line 25 times 79% (280C) or line 25",
					Formula: generic.ElectionRate(generic.L(25), InputUse280C, ASC280CFactor, decimal.NewFromInt(1))},
			},
		},
		{
			ID:    SectionC,
			Title: "Section C - Current Year Credit",
			Lines: []generic.LineSpec{
				{Number: 27, Label: "Form 8932 credit attributable to wages used on line 13 or 26", Editable: true, Formula: generic.Const(decimal.Zero)},
				{Number: 28, Label: "Subtract line 27 from line 13 or line 26", Formula: generic.Diff(line28Source, generic.L(27))},
				{Number: 29, Label: "Credit from partnerships, S corporations, estates, and trusts", Editable: true, Formula: generic.Const(decimal.Zero)},
				{Number: 30, Label: "Add lines 28 and 29", Formula: generic.Sum(generic.L(28), generic.L(29))},
				{Number: 31, Label: "Amount allocated to beneficiaries", Editable: true, Formula: generic.Const(decimal.Zero)},
				{Number: 32, Label: "Subtract line 31 from line 30", Formula: generic.Diff(generic.L(30), generic.L(31))},
			},
		},
		{
			ID:    SectionD,
			Title: "Section D - Qualified Small Business Payroll Tax Election",
			Lines: []generic.LineSpec{
				{Number: 33, Label: "Qualified small business electing the payroll tax credit (1 = yes)", Unit: generic.UnitCount,
					Editable: true, Max: decimal.NewNullDecimal(decimal.NewFromInt(1)), Formula: generic.Const(decimal.Zero)},
				{Number: 34, Label: "Portion of line 28 elected as a payroll tax credit", Editable: true,
					Max: decimal.NewNullDecimal(payrollCap), Formula: generic.Const(decimal.Zero)},
				{Number: 35, Label: "General business credit carryforward from the current year", Editable: true, Formula: generic.Const(decimal.Zero)},
				{Number: 36, Label: "Smallest of line 28, line 34, or line 35",
					Formula: generic.Min(generic.At(SectionC, 28), generic.L(34), generic.L(35))},
			},
		},
	}
}

// FormInputs maps a breakdown and both method results onto the ledger
// inputs of Sections. Line 21 is left at zero for a startup ASC so that
// line 24 takes the 6% branch.
func FormInputs(in Input, standard, asc Result) map[string]decimal.Decimal {
	inputs := map[string]decimal.Decimal{
		InputWages:            in.QRE.Wages,
		InputSupplies:         in.QRE.SupplyCosts,
		InputComputerLeases:   decimal.Zero,
		InputContractor:       in.QRE.ContractorCosts,
		InputContractResearch: in.QRE.ContractResearch,
		InputEnergyConsortia:  in.EnergyConsortia,
		InputBasicResearch:    in.BasicResearchPayments,
		InputQualifiedOrgBase: in.QualifiedOrgBasePeriod,
		InputBasePercent:      standard.BasePercentage.Decimal,
		InputAvgGross:         standard.AvgGrossReceipts.Decimal,
		InputPrior3QRE:        decimal.Zero,
		InputUse280C:          decimal.Zero,
	}
	if !asc.IsStartup && asc.PriorQRESum.Valid {
		inputs[InputPrior3QRE] = asc.PriorQRESum.Decimal
	}
	if in.Use280C {
		inputs[InputUse280C] = decimal.NewFromInt(1)
	}
	return inputs
}

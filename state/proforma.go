package state

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// PRO FORMA WORKSHEETS
// =============================================================================

// Ledger input keys read by pro forma lines.
const (
	InputWages            = "state.wages"
	InputSupplies         = "state.supplies"
	InputComputerLeases   = "state.computer_leases"
	InputContractResearch = "state.contract_research"
	InputBasicResearch    = "state.basic_research_payments"
	InputBasePeriod       = "state.base_period_amount"
	InputAvgGross         = "state.avg_gross_receipts"
	InputFixedBase        = "state.fixed_base_percent"
	InputCreditRate       = "state.credit_rate"
	InputPriorQREAverage  = "state.prior_qre_average"
	InputPriorQRE1        = "state.prior_qre_1"
	InputPriorQRE2        = "state.prior_qre_2"
	InputPriorQRE3        = "state.prior_qre_3"
	InputPriorQRE4        = "state.prior_qre_4"
	InputEntity280C       = "entity_280c_rate"
	InputUse280C          = "use280C"
)

var priorQREInputs = []string{InputPriorQRE1, InputPriorQRE2, InputPriorQRE3, InputPriorQRE4}

// HasProForma reports whether the config carries worksheet lines.
func (c Config) HasProForma() bool { return len(c.Lines) > 0 }

// FinalLine is the worksheet line holding the credit before any 280C
// reduction: CreditLine when set, otherwise the highest line number.
func (c Config) FinalLine() int {
	if c.CreditLine != 0 {
		return c.CreditLine
	}
	last := 0
	for _, l := range c.Lines {
		if l.Number > last {
			last = l.Number
		}
	}
	return last
}

func (c Config) hasLine(n int) bool {
	for _, l := range c.Lines {
		if l.Number == n {
			return true
		}
	}
	return false
}

// Section returns the config's worksheet as a ledger section.
func (c Config) Section() generic.SectionSpec {
	title := c.FormName
	if title == "" {
		title = c.Name
	}
	return generic.SectionSpec{ID: c.SectionID(), Title: title, Lines: c.Lines}
}

// ProFormaInputs maps a breakdown and the evaluator input onto worksheet
// inputs. Contractor costs enter the contract research line at the config's
// contractor weight. Prior-year QRE inputs are numbered back from the year
// before in.Year.
func ProFormaInputs(c Config, in Input) map[string]decimal.Decimal {
	avgGR, _ := averageGrossReceipts(in.GrossReceipts, in.Year)
	avgPrior, _ := averagePriorQRE(in.PriorQRE, in.Year, c.priorQREYears())

	fixed := c.fixedBaseFloor()
	if in.FixedBasePercent.Valid {
		fixed = generic.Clamp(in.FixedBasePercent.Decimal, c.fixedBaseFloor(), MaxFixedBase)
	}

	reduced := decimal.NewFromInt(1)
	if pct, ok := c.Reduced280C(in.EntityType); ok {
		reduced = pct
	}

	use280C := decimal.Zero
	if in.Use280C {
		use280C = decimal.NewFromInt(1)
	}

	v, _ := c.variant(in.Variant)

	inputs := map[string]decimal.Decimal{
		InputWages:            in.QRE.Wages,
		InputSupplies:         in.QRE.SupplyCosts,
		InputComputerLeases:   decimal.Zero,
		InputContractResearch: in.QRE.ContractorCosts.Mul(c.contractorWeight()).Add(in.QRE.ContractResearch),
		InputBasicResearch:    decimal.Zero,
		InputBasePeriod:       decimal.Zero,
		InputAvgGross:         avgGR,
		InputFixedBase:        fixed,
		InputCreditRate:       v.Rate,
		InputPriorQREAverage:  avgPrior,
		InputEntity280C:       reduced,
		InputUse280C:          use280C,
	}
	for i, key := range priorQREInputs {
		inputs[key] = generic.NonNegative(in.PriorQRE[in.Year-1-i])
	}
	return inputs
}

// NewProForma builds a standalone ledger over the worksheet seeded with the
// breakdown. Callers apply persisted overrides with Load.
func NewProForma(c Config, in Input, scope generic.LedgerScope, store generic.OverrideStore, opts ...generic.LedgerOption) (*generic.Ledger, error) {
	l, err := generic.NewLedger(scope, store, []generic.SectionSpec{c.Section()}, opts...)
	if err != nil {
		return nil, err
	}
	l.SetInputs(ProFormaInputs(c, in))
	return l, nil
}

// worksheetAmounts computes the worksheet without overrides and returns its
// credit line and, when the config names one, its base line.
func worksheetAmounts(c Config, in Input) (decimal.Decimal, decimal.NullDecimal, error) {
	var base decimal.NullDecimal
	l, err := NewProForma(c, in, generic.LedgerScope{}, nil)
	if err != nil {
		return decimal.Zero, base, fmt.Errorf("failed to build %s worksheet: %w", c.SectionID(), err)
	}
	credit, err := l.Value(c.SectionID(), c.FinalLine())
	if err != nil {
		return decimal.Zero, base, err
	}
	if c.BaseLine != 0 {
		b, err := l.Value(c.SectionID(), c.BaseLine)
		if err != nil {
			return decimal.Zero, base, err
		}
		base = decimal.NewNullDecimal(b)
	}
	return credit, base, nil
}

package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/factory"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func assertLine(t *testing.T, l *generic.Ledger, section generic.SectionID, line int, want string) {
	t.Helper()
	got, err := l.Value(section, line)
	require.NoError(t, err)
	assert.True(t, d(want).Equal(got), "line %d: want %s got %s", line, want, got.String())
}

func receipts(year int, amount string) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for y := year - state.GrossReceiptsYears; y < year; y++ {
		out[y] = d(amount)
	}
	return out
}

// =============================================================================
// DEFAULT REGISTRY
// =============================================================================

func TestLoadDefault_Registry(t *testing.T) {
	// GIVEN: The embedded states.yaml
	// WHEN: It is loaded
	// THEN: Credit states, no-credit states and gaps are all as configured

	reg, err := factory.LoadDefault()
	require.NoError(t, err)

	ca, ok := reg.Get("CA", state.MethodStandard)
	require.True(t, ok)
	assert.True(t, ca.HasCredit)
	assert.True(t, ca.HasAlternativeMethod)
	assert.Equal(t, "Form 3523", ca.FormName)
	assert.True(t, ca.HasProForma())

	pct, ok := ca.Reduced280C(generic.EntityCCorp)
	require.True(t, ok)
	assert.True(t, d("0.9116").Equal(pct))
	pct, ok = ca.Reduced280C(generic.EntityPartnership)
	require.True(t, ok)
	assert.True(t, d("0.877").Equal(pct))

	_, ok = reg.Get("CA", state.MethodAlternative)
	assert.True(t, ok)

	fl, ok := reg.Get("FL", state.MethodStandard)
	require.True(t, ok)
	assert.True(t, fl.HasCredit)
	assert.Equal(t, state.BasePriorQRE, fl.Base)
	assert.Equal(t, 4, fl.PriorQREYears)
	assert.True(t, fl.HasProForma())

	wa, ok := reg.Get("WA", state.MethodStandard)
	require.True(t, ok)
	assert.False(t, wa.HasCredit)

	for _, gap := range []string{"AK", "DE", "AR"} {
		_, ok := reg.Get(gap, state.MethodStandard)
		assert.False(t, ok, gap)
	}
}

func TestLoadDefault_EvaluatesEveryState(t *testing.T) {
	// GIVEN: Every registered state/method
	// WHEN: Evaluated with a breakdown and four years of receipts
	// THEN: Credit states calculate and no-credit states say so

	reg := factory.MustLoadDefault()
	eval := state.NewEvaluator(reg, nil)
	qre := generic.NewQREBreakdown(d("400000"), d("100000"), d("50000"), decimal.Zero)

	for _, cfg := range reg.All() {
		res := eval.Evaluate(state.Input{
			QRE:           qre,
			State:         cfg.State,
			Method:        cfg.Method,
			Year:          2024,
			GrossReceipts: receipts(2024, "2000000"),
		})
		if cfg.HasCredit {
			assert.Equal(t, state.StatusCalculated, res.Status, "%s/%s", cfg.State, cfg.Method)
			assert.False(t, res.Credit.IsNegative())
		} else {
			assert.Equal(t, state.StatusNoCredit, res.Status, cfg.State)
		}
	}

	res := eval.Evaluate(state.Input{QRE: qre, State: "DE", Year: 2024})
	assert.Equal(t, state.StatusNoConfiguration, res.Status)
}

func TestLoadDefault_UtahVariants(t *testing.T) {
	reg := factory.MustLoadDefault()
	eval := state.NewEvaluator(reg, nil)
	qre := generic.NewQREBreakdown(d("100000"), d("100000"), d("20000"), decimal.Zero)

	first := eval.Evaluate(state.Input{QRE: qre, State: "UT", Year: 2024})
	second := eval.Evaluate(state.Input{QRE: qre, State: "UT", Year: 2024, Variant: 1})

	// Weighted measure 185000 at 5% and 7.5%.
	assert.True(t, d("9250").Equal(first.Credit), first.Credit.String())
	assert.True(t, d("13875").Equal(second.Credit), second.Credit.String())
}

// =============================================================================
// PRO FORMA
// =============================================================================

func TestCaliforniaProForma_FixedBaseOverride(t *testing.T) {
	// GIVEN: California Form 3523 with QRE 500000 and receipts of 3000000
	// WHEN: The fixed-base percentage (line 10) is overridden to 10%
	// THEN: The chain through line 17 recomputes and a reset restores it

	reg := factory.MustLoadDefault()
	ca, ok := reg.Get("CA", state.MethodStandard)
	require.True(t, ok)

	in := state.Input{
		QRE:           generic.NewQREBreakdown(d("500000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:         "CA",
		Year:          2024,
		GrossReceipts: receipts(2024, "3000000"),
		EntityType:    generic.EntityCCorp,
	}
	mem := store.NewMemory()
	scope := generic.LedgerScope{ClientID: "client-1", Year: 2024}
	ledger, err := state.NewProForma(ca, in, scope, mem)
	require.NoError(t, err)

	sec := ca.SectionID()
	assertLine(t, ledger, sec, 9, "500000")
	assertLine(t, ledger, sec, 10, "0.03")
	assertLine(t, ledger, sec, 11, "3000000")
	assertLine(t, ledger, sec, 12, "90000")
	assertLine(t, ledger, sec, 13, "410000")
	assertLine(t, ledger, sec, 14, "250000")
	assertLine(t, ledger, sec, 15, "250000")
	assertLine(t, ledger, sec, 16, "37500")
	assertLine(t, ledger, sec, 17, "37500")
	assertLine(t, ledger, sec, 18, "34185")

	ctx := context.Background()
	_, err = ledger.SetOverride(ctx, sec, 10, d("0.10"), "preparer@example.com")
	require.NoError(t, err)

	assertLine(t, ledger, sec, 12, "300000")
	assertLine(t, ledger, sec, 13, "200000")
	assertLine(t, ledger, sec, 14, "250000")
	assertLine(t, ledger, sec, 15, "200000")
	assertLine(t, ledger, sec, 16, "30000")
	assertLine(t, ledger, sec, 17, "30000")

	// Line 10 is capped at 16%.
	_, err = ledger.SetOverride(ctx, sec, 10, d("0.20"), "preparer@example.com")
	assert.ErrorIs(t, err, generic.ErrInvalidOverride)
	assertLine(t, ledger, sec, 10, "0.10")

	// Computed lines cannot be overridden.
	_, err = ledger.SetOverride(ctx, sec, 16, d("1"), "preparer@example.com")
	assert.ErrorIs(t, err, generic.ErrLineNotEditable)

	// A fresh ledger over the same store picks the override back up.
	reloaded, err := state.NewProForma(ca, in, scope, mem)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))
	assertLine(t, reloaded, sec, 17, "30000")

	_, err = ledger.ResetOverride(ctx, sec, 10)
	require.NoError(t, err)
	assertLine(t, ledger, sec, 10, "0.03")
	assertLine(t, ledger, sec, 16, "37500")
}

func TestArizonaProForma_LargeExcessBranch(t *testing.T) {
	// GIVEN: Arizona Form 308 with wages of 8000000 and no receipts history
	// WHEN: The worksheet computes
	// THEN: Line 22 exceeds 2.5M so line 27 takes the 600000 + 15% branch

	reg := factory.MustLoadDefault()
	az, ok := reg.Get("AZ", state.MethodStandard)
	require.True(t, ok)

	in := state.Input{
		QRE:   generic.NewQREBreakdown(d("8000000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State: "AZ",
		Year:  2024,
	}
	ledger, err := state.NewProForma(az, in, generic.LedgerScope{ClientID: "c", Year: 2024}, nil)
	require.NoError(t, err)

	sec := az.SectionID()
	// No receipts: base 0, excess 8000000 capped at 4000000.
	assertLine(t, ledger, sec, 21, "4000000")
	assertLine(t, ledger, sec, 22, "4000000")
	assertLine(t, ledger, sec, 24, "1500000")
	assertLine(t, ledger, sec, 25, "225000")
	assertLine(t, ledger, sec, 26, "825000")
	assertLine(t, ledger, sec, 27, "825000")

	// Below the threshold line 27 is 24% of line 22.
	in.QRE = generic.NewQREBreakdown(d("1000000"), decimal.Zero, decimal.Zero, decimal.Zero)
	ledger, err = state.NewProForma(az, in, generic.LedgerScope{ClientID: "c", Year: 2024}, nil)
	require.NoError(t, err)
	assertLine(t, ledger, sec, 22, "500000")
	assertLine(t, ledger, sec, 27, "120000")
}

func TestProFormaInputs_ContractorWeight(t *testing.T) {
	reg := factory.MustLoadDefault()
	ga, ok := reg.Get("GA", state.MethodStandard)
	require.True(t, ok)

	inputs := state.ProFormaInputs(ga, state.Input{
		QRE:  generic.NewQREBreakdown(d("100"), d("1000"), d("10"), d("5")),
		Year: 2024,
	})

	assert.True(t, d("655").Equal(inputs[state.InputContractResearch]))
	assert.True(t, d("0.03").Equal(inputs[state.InputFixedBase]))
	assert.True(t, inputs[state.InputAvgGross].IsZero())
}

func TestProFormaInputs_PriorQRE(t *testing.T) {
	reg := factory.MustLoadDefault()
	oh, ok := reg.Get("OH", state.MethodStandard)
	require.True(t, ok)

	inputs := state.ProFormaInputs(oh, state.Input{
		QRE:      generic.NewQREBreakdown(d("100"), decimal.Zero, decimal.Zero, decimal.Zero),
		Year:     2024,
		PriorQRE: map[int]decimal.Decimal{2023: d("300"), 2022: d("600"), 2019: d("999")},
	})

	assert.True(t, d("300").Equal(inputs[state.InputPriorQRE1]))
	assert.True(t, d("600").Equal(inputs[state.InputPriorQRE2]))
	assert.True(t, inputs[state.InputPriorQRE3].IsZero())
	assert.True(t, inputs[state.InputPriorQRE4].IsZero())
	assert.True(t, d("300").Equal(inputs[state.InputPriorQREAverage]), inputs[state.InputPriorQREAverage].String())
}

// =============================================================================
// WORKSHEET CREDITS
// =============================================================================

// priorQRE returns equal QRE for the n years before year.
func priorQRE(year, n int, amount string) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal, n)
	for y := year - n; y < year; y++ {
		out[y] = d(amount)
	}
	return out
}

func TestWorksheetStates_CreditMatchesFinalLine(t *testing.T) {
	// GIVEN: Every registered config that carries a worksheet
	// WHEN: Evaluated with receipts, prior-year QRE and a large breakdown
	// THEN: The reported credit is the worksheet's credit line and the base
	//       amount is its base line

	reg := factory.MustLoadDefault()
	eval := state.NewEvaluator(reg, nil)

	breakdowns := []generic.QREBreakdown{
		generic.NewQREBreakdown(d("400000"), d("100000"), d("50000"), decimal.Zero),
		generic.NewQREBreakdown(d("8000000"), d("1500000"), d("250000"), d("100000")),
	}

	checked := 0
	for _, cfg := range reg.All() {
		if !cfg.HasProForma() {
			continue
		}
		for _, qre := range breakdowns {
			in := state.Input{
				QRE:           qre,
				State:         cfg.State,
				Method:        cfg.Method,
				Year:          2024,
				GrossReceipts: receipts(2024, "2000000"),
				PriorQRE:      priorQRE(2024, 4, "350000"),
				EntityType:    generic.EntityCCorp,
			}
			ledger, err := state.NewProForma(cfg, in, generic.LedgerScope{ClientID: "c", Year: 2024}, nil)
			require.NoError(t, err, "%s/%s", cfg.State, cfg.Method)

			res := eval.Evaluate(in)
			require.Equal(t, state.StatusCalculated, res.Status, "%s/%s", cfg.State, cfg.Method)

			final, err := ledger.Value(cfg.SectionID(), cfg.FinalLine())
			require.NoError(t, err)
			assert.True(t, final.Equal(res.Credit), "%s/%s: worksheet %s, credit %s", cfg.State, cfg.Method, final, res.Credit)

			if cfg.BaseLine != 0 {
				base, err := ledger.Value(cfg.SectionID(), cfg.BaseLine)
				require.NoError(t, err)
				assert.True(t, base.Equal(res.BaseAmount), "%s/%s: base line %s, base %s", cfg.State, cfg.Method, base, res.BaseAmount)
			}
		}
		checked++
	}
	assert.GreaterOrEqual(t, checked, 10)
}

func TestGeorgia_CreditIsNotCappedAtHalfTheQRE(t *testing.T) {
	// GIVEN: Georgia with 1000000 of wages and 2000000 average receipts
	// WHEN: Evaluated
	// THEN: 10% x (1000000 - 3% x 2000000) = 94000, with no 50% cap

	eval := state.NewEvaluator(factory.MustLoadDefault(), nil)
	res := eval.Evaluate(state.Input{
		QRE:           generic.NewQREBreakdown(d("1000000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:         "GA",
		Year:          2024,
		GrossReceipts: receipts(2024, "2000000"),
	})

	require.Equal(t, state.StatusCalculated, res.Status)
	assert.True(t, d("94000").Equal(res.Credit), res.Credit.String())
	assert.True(t, d("940000").Equal(res.BaseAmount), res.BaseAmount.String())
}

func TestArizona_UpperTierCredit(t *testing.T) {
	// GIVEN: Arizona with 8000000 of wages and 1000000 average receipts
	// WHEN: Evaluated
	// THEN: Excess QREs cap at 4000000 and the credit is
	//       600000 + 15% x (4000000 - 2500000)

	eval := state.NewEvaluator(factory.MustLoadDefault(), nil)
	res := eval.Evaluate(state.Input{
		QRE:           generic.NewQREBreakdown(d("8000000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:         "AZ",
		Year:          2024,
		GrossReceipts: receipts(2024, "1000000"),
	})

	require.Equal(t, state.StatusCalculated, res.Status)
	assert.True(t, d("825000").Equal(res.Credit), res.Credit.String())
	assert.True(t, d("4000000").Equal(res.BaseAmount), res.BaseAmount.String())
}

func TestOhio_PriorThreeYearAverage(t *testing.T) {
	// GIVEN: Ohio with 520000 of wages and 300000 of QRE in each prior year
	// WHEN: Evaluated without any gross receipts
	// THEN: 7% x (520000 - 300000) = 15400

	reg := factory.MustLoadDefault()
	oh, ok := reg.Get("OH", state.MethodStandard)
	require.True(t, ok)

	in := state.Input{
		QRE:      generic.NewQREBreakdown(d("520000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:    "OH",
		Year:     2024,
		PriorQRE: priorQRE(2024, 3, "300000"),
	}
	res := state.NewEvaluator(reg, nil).Evaluate(in)
	require.Equal(t, state.StatusCalculated, res.Status, res.Messages)
	assert.True(t, d("15400").Equal(res.Credit), res.Credit.String())
	assert.True(t, d("220000").Equal(res.BaseAmount), res.BaseAmount.String())

	ledger, err := state.NewProForma(oh, in, generic.LedgerScope{ClientID: "c", Year: 2024}, nil)
	require.NoError(t, err)
	sec := oh.SectionID()
	assertLine(t, ledger, sec, 4, "520000")
	assertLine(t, ledger, sec, 8, "900000")
	assertLine(t, ledger, sec, 9, "300000")
	assertLine(t, ledger, sec, 10, "220000")
	assertLine(t, ledger, sec, 11, "15400")

	// A single prior year still averages over three.
	in.PriorQRE = map[int]decimal.Decimal{2023: d("300000")}
	res = state.NewEvaluator(reg, nil).Evaluate(in)
	assert.True(t, d("29400").Equal(res.Credit), res.Credit.String())
}

func TestFlorida_AllocationCapsTheCredit(t *testing.T) {
	// GIVEN: Florida with 520000 of wages and 300000 of QRE in each of the
	//        four prior years
	// WHEN: Evaluated and then worked on the worksheet
	// THEN: The credit is 10% x 220000 = 22000 until the allocated amount on
	//       line 9 is entered below it

	reg := factory.MustLoadDefault()
	fl, ok := reg.Get("FL", state.MethodStandard)
	require.True(t, ok)

	in := state.Input{
		QRE:        generic.NewQREBreakdown(d("520000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:      "FL",
		Year:       2024,
		PriorQRE:   priorQRE(2024, 4, "300000"),
		EntityType: generic.EntityCCorp,
	}
	res := state.NewEvaluator(reg, nil).Evaluate(in)
	require.Equal(t, state.StatusCalculated, res.Status, res.Messages)
	assert.True(t, d("22000").Equal(res.Credit), res.Credit.String())
	assert.True(t, d("220000").Equal(res.BaseAmount), res.BaseAmount.String())
	assert.Equal(t, 5, res.CarryforwardYears)

	mem := store.NewMemory()
	ledger, err := state.NewProForma(fl, in, generic.LedgerScope{ClientID: "c", Year: 2024}, mem)
	require.NoError(t, err)
	sec := fl.SectionID()
	assertLine(t, ledger, sec, 10, "300000")
	assertLine(t, ledger, sec, 12, "22000")
	assertLine(t, ledger, sec, 13, "22000")
	assertLine(t, ledger, sec, 14, "22000")

	_, err = ledger.SetOverride(context.Background(), sec, 13, d("15000"), "preparer@example.com")
	require.NoError(t, err)
	assertLine(t, ledger, sec, 14, "15000")

	// Pass-through entities are told they may not qualify.
	in.EntityType = generic.EntitySCorp
	res = state.NewEvaluator(reg, nil).Evaluate(in)
	assert.Contains(t, res.Messages, "entity type S-Corp may not qualify: Only C corporations may claim the Florida credit.")
}

func TestConnecticut_VariantRateFlowsIntoWorksheet(t *testing.T) {
	// GIVEN: Connecticut with 1000000 of wages
	// WHEN: Each standard variant and the alternative method are evaluated
	// THEN: 6% and 3.5% of the expenses, and 20% over the prior year

	reg := factory.MustLoadDefault()
	eval := state.NewEvaluator(reg, nil)
	in := state.Input{
		QRE:           generic.NewQREBreakdown(d("1000000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:         "CT",
		Year:          2024,
		GrossReceipts: receipts(2024, "2000000"),
	}

	small := eval.Evaluate(in)
	assert.True(t, d("60000").Equal(small.Credit), small.Credit.String())

	in.Variant = 1
	other := eval.Evaluate(in)
	assert.Equal(t, 1, other.VariantIndex)
	assert.True(t, d("35000").Equal(other.Credit), other.Credit.String())

	alt := eval.Evaluate(state.Input{
		QRE:      in.QRE,
		State:    "CT",
		Method:   state.MethodAlternative,
		Year:     2024,
		PriorQRE: map[int]decimal.Decimal{2023: d("600000")},
	})
	require.Equal(t, state.StatusCalculated, alt.Status, alt.Messages)
	assert.True(t, d("80000").Equal(alt.Credit), alt.Credit.String())
}

func TestVirginia_MajorResearchCredit(t *testing.T) {
	// GIVEN: Virginia with 6000000 of wages and a 2000000 prior average
	// WHEN: Evaluated
	// THEN: Line 1 exceeds 5000000, so the credit is the major research
	//       credit: 10% x 1000000 + 5% x 4000000 = 300000, at its cap

	eval := state.NewEvaluator(factory.MustLoadDefault(), nil)
	res := eval.Evaluate(state.Input{
		QRE:      generic.NewQREBreakdown(d("6000000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:    "VA",
		Year:     2024,
		PriorQRE: priorQRE(2024, 3, "2000000"),
	})
	require.Equal(t, state.StatusCalculated, res.Status, res.Messages)
	assert.True(t, d("5000000").Equal(res.BaseAmount), res.BaseAmount.String())
	assert.True(t, d("300000").Equal(res.Credit), res.Credit.String())

	// Smaller taxpayers take 15% of at most 300000 of excess.
	res = eval.Evaluate(state.Input{
		QRE:      generic.NewQREBreakdown(d("500000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:    "VA",
		Year:     2024,
		PriorQRE: priorQRE(2024, 3, "400000"),
	})
	assert.True(t, d("300000").Equal(res.BaseAmount), res.BaseAmount.String())
	assert.True(t, d("45000").Equal(res.Credit), res.Credit.String())
}

func TestNorthDakota_TieredCredit(t *testing.T) {
	// 25% of the first 100000 of excess plus 8% of the remaining 150000
	eval := state.NewEvaluator(factory.MustLoadDefault(), nil)
	res := eval.Evaluate(state.Input{
		QRE:      generic.NewQREBreakdown(d("550000"), decimal.Zero, decimal.Zero, decimal.Zero),
		State:    "ND",
		Year:     2024,
		PriorQRE: priorQRE(2024, 3, "300000"),
	})
	require.Equal(t, state.StatusCalculated, res.Status, res.Messages)
	assert.True(t, d("250000").Equal(res.BaseAmount), res.BaseAmount.String())
	assert.True(t, d("37000").Equal(res.Credit), res.Credit.String())
}

// =============================================================================
// DOCUMENT PARSING
// =============================================================================

func TestParseJSON(t *testing.T) {
	doc := `{
	  "states": [
	    {"state": "ZZ", "name": "Test", "has_credit": true, "credit_rate": "0.04",
	     "formula": "4% of wages + contractor costs + supply costs",
	     "lines": [
	       {"number": 1, "label": "Wages", "editable": true, "formula": {"input": "state.wages"}},
	       {"number": 2, "label": "Credit", "formula": {"percent": 1, "rate": "0.04"}}
	     ]}
	  ]
	}`

	reg, err := factory.ParseJSON([]byte(doc))
	require.NoError(t, err)

	cfg, ok := reg.Get("ZZ", state.MethodStandard)
	require.True(t, ok)
	require.Len(t, cfg.Lines, 2)
	assert.Equal(t, generic.FormulaPercent, cfg.Lines[1].Formula.Kind)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "states.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
states:
  - {state: ZZ, name: Test, has_credit: true, credit_rate: "0.04"}
  - {state: YY, name: None, has_credit: false}
`), 0o600))

	reg, err := factory.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"YY", "ZZ"}, reg.States())

	_, err = factory.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", "states: [\n"},
		{"unknown method", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: "0.1", method: fancy}]`},
		{"unknown base", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: "0.1", base: everything}]`},
		{"credit without rate", `states: [{state: ZZ, name: x, has_credit: true}]`},
		{"bad rate", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: lots}]`},
		{"duplicate", `states: [{state: ZZ, name: x, has_credit: false}, {state: zz, name: y, has_credit: false}]`},
		{"unknown rule", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: "0.1", validation_rules: [{type: vibes}]}]`},
		{"empty formula", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: "0.1", lines: [{number: 1, label: a, formula: {}}]}]`},
		{"forward reference", `states: [{state: ZZ, name: x, has_credit: true, credit_rate: "0.1", lines: [{number: 1, label: a, formula: {ref: 2}}, {number: 2, label: b, formula: {const: "1"}}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := factory.ParseYAML([]byte(tt.doc))
			if tt.name == "forward reference" {
				// Line order is checked when a ledger is built.
				require.NoError(t, err)
				cfg, _ := reg.Get("ZZ", state.MethodStandard)
				_, err = generic.NewLedger(generic.LedgerScope{}, nil, []generic.SectionSpec{cfg.Section()})
				assert.ErrorIs(t, err, generic.ErrInvalidLedger)
				return
			}
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// FORMULA TEXT
// =============================================================================

func TestParseVariants(t *testing.T) {
	// GIVEN: Semicolon-delimited formula text
	// WHEN: Parsed into variants
	// THEN: Each part gets its own rate and base

	variants := factory.ParseVariants(
		"6% of wages + contractor costs + supply costs; 3.5% of qualified research expenses; 0.25 of excess",
		d("0.01"), "")
	require.Len(t, variants, 3)

	assert.True(t, d("0.06").Equal(variants[0].Rate))
	assert.Equal(t, state.BaseWeighted, variants[0].Base)
	assert.Equal(t, "option 1", variants[0].Label)

	assert.True(t, d("0.035").Equal(variants[1].Rate))
	assert.Equal(t, state.BaseWeighted, variants[1].Base)

	assert.True(t, d("0.25").Equal(variants[2].Rate))
	assert.Equal(t, "option 3", variants[2].Label)
}

func TestParseVariants_FallbackRate(t *testing.T) {
	variants := factory.ParseVariants("credit on incremental expenses", d("0.07"), state.BaseIncremental)
	require.Len(t, variants, 1)
	assert.True(t, d("0.07").Equal(variants[0].Rate))
	assert.Equal(t, state.BaseIncremental, variants[0].Base)
}

func TestParseYAML_FormulaWithoutBaseUsesWeightedQRE(t *testing.T) {
	// GIVEN: A state whose formula text names neither a base nor the QRE parts
	// WHEN: It is evaluated with 100000 wages and 100000 contractor costs
	// THEN: The base is the weighted measure, 100000 + 65% x 100000

	reg, err := factory.ParseYAML([]byte(`
states:
  - {state: ZZ, name: Test, has_credit: true, credit_rate: "0.10", formula: "10% of QREs"}
`))
	require.NoError(t, err)

	res := state.NewEvaluator(reg, nil).Evaluate(state.Input{
		QRE:   generic.NewQREBreakdown(d("100000"), d("100000"), decimal.Zero, decimal.Zero),
		State: "ZZ",
		Year:  2024,
	})

	require.Equal(t, state.StatusCalculated, res.Status)
	assert.True(t, d("165000").Equal(res.BaseAmount), res.BaseAmount.String())
	assert.True(t, d("16500").Equal(res.Credit), res.Credit.String())
}

func TestParseYAML_WorksheetLineFields(t *testing.T) {
	reg, err := factory.ParseYAML([]byte(`
states:
  - state: ZZ
    name: Test
    has_credit: true
    credit_rate: "0.10"
    base: prior_qre_average
    prior_qre_years: 2
    credit_line: 2
    base_line: 1
    lines:
      - {number: 1, label: Wages, formula: {input: state.wages}}
      - {number: 2, label: Credit, formula: {percent: 1, rate: "0.10"}}
      - {number: 3, label: Memo, formula: {percent: 2, rate: "0.5"}}
`))
	require.NoError(t, err)

	cfg, ok := reg.Get("ZZ", state.MethodStandard)
	require.True(t, ok)
	assert.Equal(t, state.BasePriorQRE, cfg.Base)
	assert.Equal(t, 2, cfg.PriorQREYears)
	assert.Equal(t, 2, cfg.FinalLine())
	assert.Equal(t, 1, cfg.BaseLine)

	_, err = factory.ParseYAML([]byte(`
states:
  - {state: ZZ, name: Test, has_credit: true, credit_rate: "0.1", credit_line: 9, lines: [{number: 1, label: a, formula: {const: "1"}}]}
`))
	assert.Error(t, err)

	_, err = factory.ParseYAML([]byte(`
states:
  - {state: ZZ, name: Test, has_credit: true, credit_rate: "0.1", prior_qre_years: -1}
`))
	assert.Error(t, err)
}

func TestNoCreditText(t *testing.T) {
	assert.True(t, factory.NoCreditText("No state R&D credit available"))
	assert.False(t, factory.NoCreditText("10% of QREs"))
}

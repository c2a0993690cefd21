package federal_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func totalOnly(total string) generic.QREBreakdown {
	return generic.NewQREBreakdown(d(total), decimal.Zero, decimal.Zero, decimal.Zero)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// STANDARD
// =============================================================================

func TestStandard_FloorBasePercentage(t *testing.T) {
	// GIVEN: QRE 500000 and only one prior year of gross receipts (2000000)
	// WHEN: The standard credit is computed
	// THEN: The 3% floor applies and the credit is 20% (or 15.8%) of 250000

	in := federal.Input{
		TargetYear: 2024,
		QRE:        totalOnly("500000"),
		History:    qre.NewHistory(qre.HistoricalRecord{Year: 2023, QRE: d("400000"), GrossReceipts: d("2000000")}),
	}

	res, err := federal.Standard(in)
	require.NoError(t, err)

	assertDecimal(t, "0.03", res.BasePercentage.Decimal)
	assertDecimal(t, "60000", res.FixedBaseAmount.Decimal)
	assertDecimal(t, "440000", res.IncrementalQRE.Decimal)
	assertDecimal(t, "250000", res.CreditBase)
	assertDecimal(t, "50000", res.Credit)
	assertDecimal(t, "50000", res.AdjustedCredit)
	assert.NotEmpty(t, res.Notices)

	in.Use280C = true
	res, err = federal.Standard(in)
	require.NoError(t, err)
	assertDecimal(t, "39500", res.Credit)
	assertDecimal(t, "39500", res.AdjustedCredit)
}

func TestStandard_BasePercentageFromCompleteWindow(t *testing.T) {
	h := qre.NewHistory(
		qre.HistoricalRecord{Year: 2023, QRE: d("100000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2022, QRE: d("100000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2021, QRE: d("50000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2020, QRE: d("50000"), GrossReceipts: d("1000000")},
	)

	pct, fromHistory := federal.BasePercentage(federal.Input{TargetYear: 2024, History: h})

	assert.True(t, fromHistory)
	assertDecimal(t, "0.075", pct)
}

func TestStandard_BasePercentageCappedAt16(t *testing.T) {
	h := qre.NewHistory(
		qre.HistoricalRecord{Year: 2023, QRE: d("900000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2022, QRE: d("900000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2021, QRE: d("900000"), GrossReceipts: d("1000000")},
		qre.HistoricalRecord{Year: 2020, QRE: d("900000"), GrossReceipts: d("1000000")},
	)

	pct, _ := federal.BasePercentage(federal.Input{TargetYear: 2024, History: h})

	assertDecimal(t, "0.16", pct)
}

func TestStandard_BasePercentOverrideOutOfBoundsRejected(t *testing.T) {
	for _, v := range []string{"0.02", "0.17", "1"} {
		_, err := federal.Standard(federal.Input{
			TargetYear:  2024,
			QRE:         totalOnly("100"),
			BasePercent: decimal.NewNullDecimal(d(v)),
		})
		assert.ErrorIs(t, err, generic.ErrInvalidOverride, v)
	}
}

func TestStandard_BasicResearchExcessAndEnergyConsortia(t *testing.T) {
	res, err := federal.Standard(federal.Input{
		TargetYear:             2024,
		QRE:                    totalOnly("0"),
		EnergyConsortia:        d("1000"),
		BasicResearchPayments:  d("5000"),
		QualifiedOrgBasePeriod: d("7000"),
	})
	require.NoError(t, err)

	// excess floors at zero, so only consortia count
	assertDecimal(t, "200", res.Credit)
}

// =============================================================================
// ASC
// =============================================================================

func TestASC_ThreeQualifyingYears(t *testing.T) {
	in := federal.Input{
		TargetYear: 2024,
		QRE:        totalOnly("300000"),
		History: qre.NewHistory(
			qre.HistoricalRecord{Year: 2023, QRE: d("240000")},
			qre.HistoricalRecord{Year: 2022, QRE: d("220000")},
			qre.HistoricalRecord{Year: 2021, QRE: d("200000")},
		),
	}

	res, err := federal.ASC(in)
	require.NoError(t, err)

	assert.False(t, res.IsStartup)
	assertDecimal(t, "220000", res.AvgPriorQRE.Decimal)
	assertDecimal(t, "190000", res.IncrementalQRE.Decimal)
	assertDecimal(t, "26600", res.Credit)
	assertDecimal(t, "26600", res.AdjustedCredit)
	assert.Equal(t, []int{2023, 2022, 2021}, res.PriorYearsUsed)

	in.Use280C = true
	res, err = federal.ASC(in)
	require.NoError(t, err)
	assertDecimal(t, "26600", res.Credit)
	assertDecimal(t, "21014", res.AdjustedCredit)
}

func TestASC_StartupRate(t *testing.T) {
	res, err := federal.ASC(federal.Input{TargetYear: 2024, QRE: totalOnly("150000")})
	require.NoError(t, err)

	assert.True(t, res.IsStartup)
	assertDecimal(t, "0.06", res.Rate)
	assertDecimal(t, "9000", res.Credit)
	assert.NotEmpty(t, res.Notices)
}

func TestASC_GapPolicy(t *testing.T) {
	in := federal.Input{
		TargetYear: 2024,
		QRE:        totalOnly("300000"),
		History: qre.NewHistory(
			qre.HistoricalRecord{Year: 2023, QRE: d("240000")},
			qre.HistoricalRecord{Year: 2021, QRE: d("220000")},
			qre.HistoricalRecord{Year: 2020, QRE: d("200000")},
		),
	}

	strict, err := federal.ASC(in)
	require.NoError(t, err)
	assert.True(t, strict.IsStartup, "2022 is missing")

	in.GapPolicy = qre.GapTolerant
	tolerant, err := federal.ASC(in)
	require.NoError(t, err)
	assert.False(t, tolerant.IsStartup)
	assertDecimal(t, "26600", tolerant.Credit)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCredits_NeverNegativeAndBaseBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		var records []qre.HistoricalRecord
		for y := 2014; y < 2024; y++ {
			if rng.Intn(4) == 0 {
				continue
			}
			records = append(records, qre.HistoricalRecord{
				Year:          y,
				QRE:           decimal.NewFromInt(int64(rng.Intn(2000000))),
				GrossReceipts: decimal.NewFromInt(int64(rng.Intn(5000000))),
			})
		}
		in := federal.Input{
			TargetYear: 2024,
			QRE:        totalOnly(decimal.NewFromInt(int64(rng.Intn(3000000))).String()),
			History:    qre.NewHistory(records...),
			Use280C:    rng.Intn(2) == 0,
		}

		std, err := federal.Standard(in)
		require.NoError(t, err)
		asc, err := federal.ASC(in)
		require.NoError(t, err)

		for _, r := range []federal.Result{std, asc} {
			assert.False(t, r.Credit.IsNegative(), "iteration %d %s", i, r.Method)
			assert.False(t, r.AdjustedCredit.IsNegative(), "iteration %d %s", i, r.Method)
		}
		pct := std.BasePercentage.Decimal
		assert.True(t, pct.GreaterThanOrEqual(federal.BasePercentFloor) && pct.LessThanOrEqual(federal.BasePercentCap),
			"iteration %d: base %s", i, pct)
	}
}

// =============================================================================
// SELECTION
// =============================================================================

func TestSelect(t *testing.T) {
	std := federal.Result{Method: federal.MethodStandard, AdjustedCredit: d("100")}
	asc := federal.Result{Method: federal.MethodASC, AdjustedCredit: d("100")}

	assert.Equal(t, federal.MethodASC, federal.Select(std, asc, "").Method, "tie goes to ASC")

	std.AdjustedCredit = d("101")
	assert.Equal(t, federal.MethodStandard, federal.Select(std, asc, "").Method)
	assert.Equal(t, federal.MethodASC, federal.Select(std, asc, federal.MethodASC).Method)
}

func TestParseMethod(t *testing.T) {
	m, err := federal.ParseMethod("auto")
	require.NoError(t, err)
	assert.Equal(t, federal.Method(""), m)

	m, err = federal.ParseMethod("asc")
	require.NoError(t, err)
	assert.Equal(t, federal.MethodASC, m)

	_, err = federal.ParseMethod("bogus")
	assert.Error(t, err)
}

// =============================================================================
// FORM 6765
// =============================================================================

func newFormLedger(t *testing.T, in federal.Input, claimed federal.Method) (*generic.Ledger, federal.Result, federal.Result) {
	t.Helper()
	std, asc, _, err := federal.Calculate(in, claimed)
	require.NoError(t, err)

	l, err := generic.NewLedger(generic.LedgerScope{ClientID: "client-1", Year: in.TargetYear}, nil, federal.Sections(claimed))
	require.NoError(t, err)
	l.SetInputs(federal.FormInputs(in, std, asc))
	return l, std, asc
}

func TestForm6765_AgreesWithCalculators(t *testing.T) {
	histories := map[string]qre.History{
		"startup": qre.NewHistory(),
		"qualifying": qre.NewHistory(
			qre.HistoricalRecord{Year: 2023, QRE: d("240000"), GrossReceipts: d("3000000")},
			qre.HistoricalRecord{Year: 2022, QRE: d("220000"), GrossReceipts: d("2500000")},
			qre.HistoricalRecord{Year: 2021, QRE: d("200000"), GrossReceipts: d("2000000")},
			qre.HistoricalRecord{Year: 2020, QRE: d("150000"), GrossReceipts: d("1500000")},
		),
	}

	for name, h := range histories {
		for _, use280C := range []bool{false, true} {
			in := federal.Input{
				TargetYear:            2024,
				QRE:                   generic.NewQREBreakdown(d("180000"), d("65000"), d("30000"), d("25000")),
				History:               h,
				Use280C:               use280C,
				BasicResearchPayments: d("4000"),
			}
			l, std, asc := newFormLedger(t, in, federal.MethodStandard)

			line48, _ := l.Value(federal.SectionF, 48)
			line13, _ := l.Value(federal.SectionA, 13)
			line26, _ := l.Value(federal.SectionB, 26)
			line28, _ := l.Value(federal.SectionC, 28)

			assertDecimal(t, "300000", line48, name)
			assert.True(t, std.AdjustedCredit.Equal(line13), "%s 280C=%v: line 13 %s vs %s", name, use280C, line13, std.AdjustedCredit)
			assert.True(t, asc.AdjustedCredit.Equal(line26), "%s 280C=%v: line 26 %s vs %s", name, use280C, line26, asc.AdjustedCredit)
			assert.True(t, line13.Equal(line28), name)
		}
	}
}

func TestForm6765_ElectionFlagRecomputesLines13And26(t *testing.T) {
	in := federal.Input{TargetYear: 2024, QRE: totalOnly("500000"), AvgGrossReceipts: decimal.NewNullDecimal(d("2000000"))}
	l, _, _ := newFormLedger(t, in, federal.MethodStandard)

	changed := l.SetFlag(federal.InputUse280C, true)

	assert.Contains(t, changed, generic.At(federal.SectionA, 13))
	assert.Contains(t, changed, generic.At(federal.SectionB, 26))
	line13, _ := l.Value(federal.SectionA, 13)
	assertDecimal(t, "39500", line13)
}

func TestForm6765_Line28FollowsClaimedMethod(t *testing.T) {
	in := federal.Input{TargetYear: 2024, QRE: totalOnly("150000")}
	l, _, asc := newFormLedger(t, in, federal.MethodASC)

	line28, _ := l.Value(federal.SectionC, 28)
	assert.True(t, asc.AdjustedCredit.Equal(line28))
	assertDecimal(t, "9000", line28)
}

func TestForm6765_BasePercentLineBounds(t *testing.T) {
	l, _, _ := newFormLedger(t, federal.Input{TargetYear: 2024, QRE: totalOnly("500000")}, federal.MethodStandard)

	_, err := l.SetOverride(context.Background(), federal.SectionA, 6, d("0.2"), "preparer")
	assert.ErrorIs(t, err, generic.ErrInvalidOverride)

	_, err = l.SetOverride(context.Background(), federal.SectionA, 48, d("1"), "preparer")
	assert.Error(t, err)

	_, err = l.SetOverride(context.Background(), federal.SectionF, 48, d("1"), "preparer")
	assert.ErrorIs(t, err, generic.ErrLineNotEditable)
}

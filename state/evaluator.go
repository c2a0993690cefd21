package state

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// GrossReceiptsStates need several years of state gross receipts before a
// credit can be evaluated.
var GrossReceiptsStates = map[string]bool{
	"AZ": true, "CA": true, "CT": true, "GA": true, "IL": true,
	"NY": true, "OH": true, "PA": true, "VA": true,
}

// GrossReceiptsYears is the lookback used for state average gross receipts.
const GrossReceiptsYears = 4

var half = decimal.RequireFromString("0.5")

// =============================================================================
// INPUT / RESULT
// =============================================================================

type Status string

const (
	StatusCalculated      Status = "calculated"
	StatusNoConfiguration Status = "no_configuration"
	StatusMissingData     Status = "missing_data"
	StatusNoCredit        Status = "no_credit"
)

type Input struct {
	QRE     generic.QREBreakdown
	State   string
	Method  Method
	Year    int
	Variant int

	// GrossReceipts holds state gross receipts by tax year.
	GrossReceipts map[int]decimal.Decimal

	// PriorQRE holds the total QRE of earlier tax years by year.
	PriorQRE map[int]decimal.Decimal

	EntityType generic.EntityType
	Use280C    bool

	// FixedBasePercent replaces the config's fixed-base floor for the
	// incremental base. Clamped to [floor, 0.16].
	FixedBasePercent decimal.NullDecimal
}

type Result struct {
	State             string
	Method            Method
	Credit            decimal.Decimal
	Rate              decimal.Decimal
	BaseAmount        decimal.Decimal
	FormulaUsed       string
	VariantIndex      int
	Status            Status
	Refundable        bool
	CarryforwardYears int
	Messages          []string
}

func (r *Result) message(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

func (r Result) clone() Result {
	r.Messages = append([]string(nil), r.Messages...)
	return r
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Registry *Registry
	Logger   *slog.Logger
}

func NewEvaluator(registry *Registry, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{Registry: registry, Logger: logger}
}

// Evaluate computes one state credit. Configuration gaps, missing data and
// unmet thresholds yield a zero credit with a status, never an error.
func (e *Evaluator) Evaluate(in Input) Result {
	state := NormalizeState(in.State)
	method := in.Method
	if method == "" {
		method = MethodStandard
	}
	res := Result{State: state, Method: method, Credit: decimal.Zero, Rate: decimal.Zero, BaseAmount: decimal.Zero}

	cfg, ok := e.Registry.Get(state, method)
	if !ok {
		if e.Registry.hasNoCredit(state) {
			res.Status = StatusNoCredit
			res.message("%s offers no research credit", state)
			return res
		}
		gap := &generic.ConfigurationGapError{State: state, Method: string(method)}
		e.Logger.Warn("state configuration gap", "state", state, "method", method)
		res.Status = StatusNoConfiguration
		res.message("unsupported: %s", gap.Error())
		return res
	}

	res.Refundable = cfg.Refundable
	res.CarryforwardYears = cfg.CarryforwardYears
	if !cfg.HasCredit {
		res.Status = StatusNoCredit
		res.FormulaUsed = cfg.Formula
		res.message("%s offers no research credit", state)
		return res
	}

	v, ok := cfg.variant(in.Variant)
	if !ok {
		res.message("formula variant %d does not exist; using variant 0", in.Variant)
	} else {
		res.VariantIndex = in.Variant
	}
	res.FormulaUsed = v.Formula
	res.Rate = v.Rate

	avgGR, years := averageGrossReceipts(in.GrossReceipts, in.Year)
	needsGR := cfg.RequiresGrossReceipts || (GrossReceiptsStates[state] && v.Base != BasePriorQRE)
	if needsGR && years == 0 {
		res.Status = StatusMissingData
		res.message("%s requires state gross receipts for the %d years before %d", state, GrossReceiptsYears, in.Year)
		return res
	}

	measure := weightedQRE(in.QRE, cfg.contractorWeight())
	switch v.Base {
	case BaseTotalQRE:
		measure = in.QRE.Total
	case BaseIncremental:
		fixed := cfg.fixedBaseFloor()
		if in.FixedBasePercent.Valid {
			fixed = in.FixedBasePercent.Decimal
		}
		fixed = generic.Clamp(fixed, cfg.fixedBaseFloor(), MaxFixedBase)
		base := avgGR.Mul(fixed)
		incremental := generic.NonNegative(measure.Sub(base))
		measure = decimal.Min(incremental, measure.Mul(half))
		if years == 0 {
			res.message("no state gross receipts supplied; base amount is zero")
		}
	case BasePriorQRE:
		avg, n := averagePriorQRE(in.PriorQRE, in.Year, cfg.priorQREYears())
		measure = generic.NonNegative(measure.Sub(avg))
		if n == 0 {
			res.message("no prior-year QRE supplied; base amount is zero")
		}
	}
	res.BaseAmount = generic.NonNegative(measure)
	res.Credit = generic.NonNegative(res.BaseAmount.Mul(v.Rate))
	res.Status = StatusCalculated

	if cfg.HasProForma() {
		credit, base, err := worksheetAmounts(cfg, in)
		if err != nil {
			e.Logger.Error("state worksheet failed", "state", state, "method", method, "error", err)
			res.message("worksheet could not be computed; credit estimated at %s%%", v.Rate.Shift(2).String())
		} else {
			res.Credit = generic.NonNegative(credit)
			if base.Valid {
				res.BaseAmount = generic.NonNegative(base.Decimal)
			}
		}
	}

	e.applyRules(&res, cfg, in, avgGR, years)

	if in.Use280C {
		if pct, ok := cfg.Reduced280C(in.EntityType); ok {
			res.Credit = res.Credit.Mul(pct)
			res.message("280C reduced credit at %s%% for %s", pct.Shift(2).String(), entityLabel(in.EntityType))
		}
	}
	return res
}

func (e *Evaluator) applyRules(res *Result, cfg Config, in Input, avgGR decimal.Decimal, years int) {
	for _, rule := range cfg.ValidationRules {
		switch rule.Kind {
		case RuleGrossReceiptsThreshold:
			if !rule.Value.Valid {
				continue
			}
			if years == 0 {
				res.message("gross receipts threshold of %s could not be verified", rule.Value.Decimal)
				continue
			}
			if avgGR.LessThan(rule.Value.Decimal) {
				res.Credit = decimal.Zero
				res.message("average gross receipts %s below threshold %s; no credit", avgGR.Round(0), rule.Value.Decimal)
			}
		case RuleMaxCredit:
			if rule.Value.Valid && res.Credit.GreaterThan(rule.Value.Decimal) {
				res.Credit = rule.Value.Decimal
				res.message("credit capped at %s", rule.Value.Decimal)
			}
		case RuleCarryforwardLimit:
			if rule.Value.Valid {
				res.message("unused credit carries forward %s years", rule.Value.Decimal)
			}
		case RuleEntityTypeRestriction:
			if len(rule.Entities) > 0 && !containsEntity(rule.Entities, in.EntityType) {
				res.message("entity type %s may not qualify: %s", entityLabel(in.EntityType), rule.Message)
			}
			continue
		}
		if rule.Message != "" {
			res.Messages = append(res.Messages, rule.Message)
		}
	}
}

// EvaluateAll evaluates each input and sorts the results by credit,
// highest first. Equal credits keep state order.
func (e *Evaluator) EvaluateAll(inputs []Input) []Result {
	out := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, e.Evaluate(in))
	}
	SortByCredit(out)
	return out
}

func SortByCredit(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if c := results[i].Credit.Cmp(results[j].Credit); c != 0 {
			return c > 0
		}
		if results[i].State != results[j].State {
			return results[i].State < results[j].State
		}
		return results[i].Method < results[j].Method
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func weightedQRE(b generic.QREBreakdown, contractorWeight decimal.Decimal) decimal.Decimal {
	return b.Wages.Add(b.ContractorCosts.Mul(contractorWeight)).Add(b.SupplyCosts).Add(b.ContractResearch)
}

// averageGrossReceipts averages the positive receipts of the lookback
// window before year and reports how many years contributed.
func averageGrossReceipts(receipts map[int]decimal.Decimal, year int) (decimal.Decimal, int) {
	sum, n := decimal.Zero, 0
	for y := year - 1; y >= year-GrossReceiptsYears; y-- {
		if v, ok := receipts[y]; ok && v.IsPositive() {
			sum = sum.Add(v)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, 0
	}
	return sum.Div(decimal.NewFromInt(int64(n))), n
}

// averagePriorQRE averages the n tax years before year, counting missing
// years as zero, and reports how many years were present.
func averagePriorQRE(prior map[int]decimal.Decimal, year, n int) (decimal.Decimal, int) {
	if n <= 0 {
		return decimal.Zero, 0
	}
	sum, present := decimal.Zero, 0
	for y := year - 1; y >= year-n; y-- {
		if v, ok := prior[y]; ok {
			sum = sum.Add(generic.NonNegative(v))
			present++
		}
	}
	return sum.Div(decimal.NewFromInt(int64(n))), present
}

func containsEntity(list []generic.EntityType, e generic.EntityType) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

func entityLabel(e generic.EntityType) string {
	if e == "" {
		return "unspecified"
	}
	return string(e)
}

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/qre"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// OPTIONS
// =============================================================================

// StateSelection picks one state/method/variant for a calculation.
type StateSelection struct {
	State   string       `json:"state"`
	Method  state.Method `json:"method"`
	Variant int          `json:"variant"`
	Enabled bool         `json:"enabled"`
}

// Options are the caller's choices for one calculation.
type Options struct {
	Use280C bool
	// Method forces a federal method. Empty selects the higher credit.
	Method federal.Method

	// States to evaluate. When empty the business's domicile state is
	// evaluated with its standard method.
	States []StateSelection
	// StateGrossReceipts holds state gross receipts by state, then year.
	StateGrossReceipts map[string]map[int]decimal.Decimal
	// StateFixedBase replaces a state's fixed-base floor.
	StateFixedBase map[string]decimal.Decimal

	GapPolicy qre.GapPolicy

	EnergyConsortia        decimal.Decimal
	BasicResearchPayments  decimal.Decimal
	QualifiedOrgBasePeriod decimal.Decimal
	BasePercent            decimal.NullDecimal
	AvgGrossReceipts       decimal.NullDecimal
}

func (o Options) federalInput(y generic.BusinessYear, breakdown generic.QREBreakdown, history qre.History) federal.Input {
	return federal.Input{
		TargetYear:             y.Year,
		QRE:                    breakdown,
		History:                history,
		Use280C:                o.Use280C,
		EnergyConsortia:        o.EnergyConsortia,
		BasicResearchPayments:  o.BasicResearchPayments,
		QualifiedOrgBasePeriod: o.QualifiedOrgBasePeriod,
		BasePercent:            o.BasePercent,
		AvgGrossReceipts:       o.AvgGrossReceipts,
		GapPolicy:              o.GapPolicy,
	}
}

func (o Options) selections(biz generic.Business) []StateSelection {
	if len(o.States) > 0 {
		return o.States
	}
	if biz.DomicileState == "" {
		return nil
	}
	return []StateSelection{{State: biz.DomicileState, Method: state.MethodStandard, Enabled: true}}
}

func (o Options) stateInput(sel StateSelection, y generic.BusinessYear, biz generic.Business, breakdown generic.QREBreakdown, history qre.History) state.Input {
	code := state.NormalizeState(sel.State)
	in := state.Input{
		QRE:           breakdown,
		State:         code,
		Method:        sel.Method,
		Year:          y.Year,
		Variant:       sel.Variant,
		GrossReceipts: o.StateGrossReceipts[code],
		EntityType:    biz.EntityType,
		Use280C:       o.Use280C,
	}
	if records := history.Records(); len(records) > 0 {
		in.PriorQRE = make(map[int]decimal.Decimal, len(records))
		for _, r := range records {
			in.PriorQRE[r.Year] = r.QRE
		}
	}
	if fixed, ok := o.StateFixedBase[code]; ok {
		in.FixedBasePercent = decimal.NewNullDecimal(fixed)
	}
	return in
}

// =============================================================================
// PARSING
// =============================================================================

// ParseStateSelections parses "CA:standard:0,GA,CT:alternative". Method
// defaults to standard and variant to 0. Every parsed selection is enabled.
func ParseStateSelections(s string) ([]StateSelection, error) {
	var out []StateSelection
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("invalid state selection %q", item)
		}
		sel := StateSelection{State: state.NormalizeState(parts[0]), Method: state.MethodStandard, Enabled: true}
		if len(sel.State) != 2 {
			return nil, fmt.Errorf("invalid state code %q", parts[0])
		}
		if len(parts) > 1 && parts[1] != "" {
			switch m := state.Method(strings.ToLower(parts[1])); m {
			case state.MethodStandard, state.MethodAlternative:
				sel.Method = m
			default:
				return nil, fmt.Errorf("invalid state method %q", parts[1])
			}
		}
		if len(parts) > 2 && parts[2] != "" {
			v, err := strconv.Atoi(parts[2])
			if err != nil || v < 0 {
				return nil, fmt.Errorf("invalid formula variant %q", parts[2])
			}
			sel.Variant = v
		}
		out = append(out, sel)
	}
	return out, nil
}

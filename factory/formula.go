package factory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// LINE / FORMULA DOCUMENTS
// =============================================================================

// RefDoc addresses a line as "12" (same section) or "A:13". JSON documents
// may also use a bare number.
type RefDoc string

func (r *RefDoc) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = RefDoc(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("line reference must be a number or string: %w", err)
	}
	*r = RefDoc(s)
	return nil
}

func (r RefDoc) parse() (generic.LineRef, error) {
	s := strings.TrimSpace(string(r))
	section := ""
	if i := strings.LastIndex(s, ":"); i >= 0 {
		section, s = s[:i], s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return generic.LineRef{}, fmt.Errorf("invalid line reference %q", string(r))
	}
	return generic.LineRef{Section: generic.SectionID(section), Line: n}, nil
}

type ConditionDoc struct {
	Input string `yaml:"input,omitempty" json:"input,omitempty"`
	Line  RefDoc `yaml:"line,omitempty" json:"line,omitempty"`
	Above string `yaml:"above,omitempty" json:"above,omitempty"`
}

type ElectionDoc struct {
	Line RefDoc `yaml:"line" json:"line"`
	Flag string `yaml:"flag" json:"flag"`
	On   string `yaml:"on" json:"on"`
	Off  string `yaml:"off" json:"off"`
}

// FormulaDoc is the document form of generic.Formula. Exactly one operation
// key is expected per document.
type FormulaDoc struct {
	Input    string        `yaml:"input,omitempty" json:"input,omitempty"`
	Const    string        `yaml:"const,omitempty" json:"const,omitempty"`
	Ref      RefDoc        `yaml:"ref,omitempty" json:"ref,omitempty"`
	Sum      []RefDoc      `yaml:"sum,omitempty" json:"sum,omitempty"`
	Plus     string        `yaml:"plus,omitempty" json:"plus,omitempty"`
	Diff     []RefDoc      `yaml:"diff,omitempty" json:"diff,omitempty"`
	Minus    string        `yaml:"minus,omitempty" json:"minus,omitempty"`
	Min      []RefDoc      `yaml:"min,omitempty" json:"min,omitempty"`
	Max      []RefDoc      `yaml:"max,omitempty" json:"max,omitempty"`
	Product  []RefDoc      `yaml:"product,omitempty" json:"product,omitempty"`
	Percent  RefDoc        `yaml:"percent,omitempty" json:"percent,omitempty"`
	Rate     string        `yaml:"rate,omitempty" json:"rate,omitempty"`
	RateFrom string        `yaml:"rate_input,omitempty" json:"rate_input,omitempty"`
	Quotient RefDoc        `yaml:"quotient,omitempty" json:"quotient,omitempty"`
	Divisor  string        `yaml:"divisor,omitempty" json:"divisor,omitempty"`
	Election *ElectionDoc  `yaml:"election,omitempty" json:"election,omitempty"`
	If       *ConditionDoc `yaml:"if,omitempty" json:"if,omitempty"`
	Then     *FormulaDoc   `yaml:"then,omitempty" json:"then,omitempty"`
	Else     *FormulaDoc   `yaml:"else,omitempty" json:"else,omitempty"`
}

type LineDoc struct {
	Number        int        `yaml:"number" json:"number"`
	Display       string     `yaml:"display,omitempty" json:"display,omitempty"`
	Label         string     `yaml:"label" json:"label"`
	Unit          string     `yaml:"unit,omitempty" json:"unit,omitempty"`
	Editable      bool       `yaml:"editable,omitempty" json:"editable,omitempty"`
	Locked        bool       `yaml:"locked,omitempty" json:"locked,omitempty"`
	Min           string     `yaml:"min,omitempty" json:"min,omitempty"`
	Max           string     `yaml:"max,omitempty" json:"max,omitempty"`
	AllowNegative bool       `yaml:"allow_negative,omitempty" json:"allow_negative,omitempty"`
	Formula       FormulaDoc `yaml:"formula" json:"formula"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func parseLines(docs []LineDoc) ([]generic.LineSpec, error) {
	out := make([]generic.LineSpec, 0, len(docs))
	for _, ld := range docs {
		spec, err := parseLine(ld)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", ld.Number, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseLine(ld LineDoc) (generic.LineSpec, error) {
	if ld.Number <= 0 {
		return generic.LineSpec{}, fmt.Errorf("line number must be positive")
	}
	unit, err := parseUnit(ld.Unit)
	if err != nil {
		return generic.LineSpec{}, err
	}
	f, err := parseFormula(ld.Formula)
	if err != nil {
		return generic.LineSpec{}, err
	}
	min, err := optionalDecimal("min", ld.Min)
	if err != nil {
		return generic.LineSpec{}, err
	}
	max, err := optionalDecimal("max", ld.Max)
	if err != nil {
		return generic.LineSpec{}, err
	}
	return generic.LineSpec{
		Number:        ld.Number,
		Display:       ld.Display,
		Label:         ld.Label,
		Unit:          unit,
		Editable:      ld.Editable,
		Locked:        ld.Locked,
		Formula:       f,
		Min:           min,
		Max:           max,
		AllowNegative: ld.AllowNegative,
	}, nil
}

func parseUnit(s string) (generic.Unit, error) {
	switch s {
	case "", "usd", "dollars":
		return generic.UnitUSD, nil
	case "ratio", "percent":
		return generic.UnitRatio, nil
	case "count":
		return generic.UnitCount, nil
	}
	return "", fmt.Errorf("unknown unit %q", s)
}

func parseFormula(fd FormulaDoc) (generic.Formula, error) {
	refs := func(list []RefDoc) ([]generic.LineRef, error) {
		if len(list) == 0 {
			return nil, fmt.Errorf("operation needs at least one line")
		}
		out := make([]generic.LineRef, 0, len(list))
		for _, r := range list {
			ref, err := r.parse()
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
		return out, nil
	}

	switch {
	case fd.If != nil:
		return parseConditional(fd)
	case fd.Election != nil:
		ref, err := fd.Election.Line.parse()
		if err != nil {
			return generic.Formula{}, err
		}
		on, err := requiredDecimal("election.on", fd.Election.On)
		if err != nil {
			return generic.Formula{}, err
		}
		off, err := requiredDecimal("election.off", fd.Election.Off)
		if err != nil {
			return generic.Formula{}, err
		}
		if fd.Election.Flag == "" {
			return generic.Formula{}, fmt.Errorf("election needs a flag")
		}
		return generic.ElectionRate(ref, fd.Election.Flag, on, off), nil
	case fd.Input != "":
		return generic.Input(fd.Input), nil
	case fd.Const != "":
		c, err := requiredDecimal("const", fd.Const)
		if err != nil {
			return generic.Formula{}, err
		}
		return generic.Const(c), nil
	case fd.Ref != "":
		ref, err := fd.Ref.parse()
		if err != nil {
			return generic.Formula{}, err
		}
		return generic.Ref(ref), nil
	case len(fd.Sum) > 0:
		ops, err := refs(fd.Sum)
		if err != nil {
			return generic.Formula{}, err
		}
		plus, err := optionalDecimal("plus", fd.Plus)
		if err != nil {
			return generic.Formula{}, err
		}
		return generic.SumPlus(plus.Decimal, ops...), nil
	case len(fd.Diff) > 0:
		ops, err := refs(fd.Diff)
		if err != nil {
			return generic.Formula{}, err
		}
		minus, err := optionalDecimal("minus", fd.Minus)
		if err != nil {
			return generic.Formula{}, err
		}
		f := generic.Diff(ops[0], ops[1:]...)
		f.Constant = minus.Decimal
		return f, nil
	case len(fd.Min) > 0:
		ops, err := refs(fd.Min)
		return generic.Min(ops...), err
	case len(fd.Max) > 0:
		ops, err := refs(fd.Max)
		return generic.Max(ops...), err
	case len(fd.Product) > 0:
		ops, err := refs(fd.Product)
		return generic.Product(ops...), err
	case fd.Percent != "":
		ref, err := fd.Percent.parse()
		if err != nil {
			return generic.Formula{}, err
		}
		if fd.RateFrom != "" {
			return generic.PercentOf(ref, fd.RateFrom), nil
		}
		rate, err := requiredDecimal("rate", fd.Rate)
		if err != nil {
			return generic.Formula{}, err
		}
		return generic.Percent(ref, rate), nil
	case fd.Quotient != "":
		ref, err := fd.Quotient.parse()
		if err != nil {
			return generic.Formula{}, err
		}
		div, err := requiredDecimal("divisor", fd.Divisor)
		if err != nil {
			return generic.Formula{}, err
		}
		return generic.Quotient(ref, div), nil
	}
	return generic.Formula{}, fmt.Errorf("empty formula")
}

func parseConditional(fd FormulaDoc) (generic.Formula, error) {
	if fd.Then == nil || fd.Else == nil {
		return generic.Formula{}, fmt.Errorf("conditional needs then and else")
	}
	above, err := optionalDecimal("if.above", fd.If.Above)
	if err != nil {
		return generic.Formula{}, err
	}
	cond := generic.Condition{Input: fd.If.Input, Above: above.Decimal}
	if fd.If.Line != "" {
		ref, err := fd.If.Line.parse()
		if err != nil {
			return generic.Formula{}, err
		}
		cond.Line = &ref
	} else if fd.If.Input == "" {
		return generic.Formula{}, fmt.Errorf("conditional needs an input or a line")
	}
	then, err := parseFormula(*fd.Then)
	if err != nil {
		return generic.Formula{}, fmt.Errorf("then: %w", err)
	}
	otherwise, err := parseFormula(*fd.Else)
	if err != nil {
		return generic.Formula{}, fmt.Errorf("else: %w", err)
	}
	return generic.If(cond, then, otherwise), nil
}

func requiredDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid number %q", field, s)
	}
	return d, nil
}

func optionalDecimal(field, s string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := requiredDecimal(field, s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// =============================================================================
// FORMULA TEXT VARIANTS
// =============================================================================

var (
	percentPattern = regexp.MustCompile(`(\d+\.?\d*)\s*%`)
	decimalPattern = regexp.MustCompile(`0\.(\d+)`)
)

// ParseVariants splits semicolon-delimited formula text into variants.
// A variant's rate is its first "N%" (or "0.N") figure, falling back to
// fallbackRate. A variant naming wages, contractor costs and supply costs
// uses the weighted base; otherwise fallbackBase, or the weighted base when
// unset.
func ParseVariants(text string, fallbackRate decimal.Decimal, fallbackBase state.BaseKind) []state.Variant {
	var out []state.Variant
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)

		rate := fallbackRate
		if m := percentPattern.FindStringSubmatch(lower); m != nil {
			if pct, err := decimal.NewFromString(m[1]); err == nil {
				rate = pct.Div(decimal.NewFromInt(100))
			}
		} else if m := decimalPattern.FindString(lower); m != "" {
			if d, err := decimal.NewFromString(m); err == nil {
				rate = d
			}
		}

		base := fallbackBase
		namesParts := strings.Contains(lower, "wages") && strings.Contains(lower, "contractor") && strings.Contains(lower, "suppl")
		if namesParts || base == "" {
			base = state.BaseWeighted
		}

		out = append(out, state.Variant{
			Label:   fmt.Sprintf("option %d", len(out)+1),
			Formula: part,
			Rate:    rate,
			Base:    base,
		})
	}
	return out
}

// NoCreditText reports formula text that declares the state has no credit.
func NoCreditText(text string) bool {
	return strings.Contains(strings.ToLower(text), "no state r&d credit")
}

/*
formula.go - Tagged-variant line formulas and their interpreter

PURPOSE:
  A tax form line is either a user input or a small arithmetic expression
  over earlier lines. Formula is a closed set of operation kinds evaluated
  by a single interpreter over a line-value resolver. Adding a kind means
  adding a case to Eval, Dependencies and Inputs.

KINDS:
  input        named external input (qre.wages, use280C, ...)
  constant     fixed amount
  ref          copy of another line
  sum          operands + Constant
  difference   first operand - remaining operands - Constant (FloorZero clamps)
  min / max    over operands
  percent      operand * Rate, or operand * input RateInput when set
  product      operand * operand * ...
  quotient     operand / Constant (zero divisor yields zero)
  conditional  When ? Then : Else

OPERANDS:
  LineRef{Section: "", Line: 12} means line 12 of the formula's own
  section. Cross-section references name the section explicitly and must
  point to a section evaluated earlier.

EXAMPLE:
  // Form 6765 line 13: line 12 * (280C ? 15.8% : 20%)
  ElectionRate(L(12), "use280C", MustParseDecimal("0.158"), MustParseDecimal("0.20"))

SEE ALSO:
  - ledger.go: Builds the dependency graph from Dependencies()
  - factory/registry.go: Decodes formulas from YAML
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FORMULA TYPES
// =============================================================================

type FormulaKind string

const (
	FormulaInput       FormulaKind = "input"
	FormulaConstant    FormulaKind = "constant"
	FormulaRef         FormulaKind = "ref"
	FormulaSum         FormulaKind = "sum"
	FormulaDifference  FormulaKind = "difference"
	FormulaMin         FormulaKind = "min"
	FormulaMax         FormulaKind = "max"
	FormulaPercent     FormulaKind = "percent"
	FormulaProduct     FormulaKind = "product"
	FormulaQuotient    FormulaKind = "quotient"
	FormulaConditional FormulaKind = "conditional"
)

// LineRef addresses a line. An empty Section means the referencing section.
type LineRef struct {
	Section SectionID
	Line    int
}

func (r LineRef) String() string {
	if r.Section == "" {
		return fmt.Sprintf("line %d", r.Line)
	}
	return fmt.Sprintf("%s:%d", r.Section, r.Line)
}

// in resolves a relative reference against the owning section.
func (r LineRef) in(section SectionID) LineRef {
	if r.Section == "" {
		r.Section = section
	}
	return r
}

// L references a line of the same section.
func L(line int) LineRef { return LineRef{Line: line} }

// At references a line of another section.
func At(section SectionID, line int) LineRef { return LineRef{Section: section, Line: line} }

// Condition is true when the watched input or line is strictly greater than
// Above. A zero Above turns a 0/1 flag input into a boolean.
type Condition struct {
	Input string
	Line  *LineRef
	Above decimal.Decimal
}

type Formula struct {
	Kind      FormulaKind
	Input     string
	Operands  []LineRef
	Rate      decimal.Decimal
	RateInput string
	Constant  decimal.Decimal
	FloorZero bool
	When      *Condition
	Then      *Formula
	Else      *Formula
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func Input(key string) Formula { return Formula{Kind: FormulaInput, Input: key} }

func Const(d decimal.Decimal) Formula { return Formula{Kind: FormulaConstant, Constant: d} }

func Ref(r LineRef) Formula { return Formula{Kind: FormulaRef, Operands: []LineRef{r}} }

func Sum(refs ...LineRef) Formula { return Formula{Kind: FormulaSum, Operands: refs} }

// SumPlus adds a constant to the operand sum.
func SumPlus(c decimal.Decimal, refs ...LineRef) Formula {
	return Formula{Kind: FormulaSum, Operands: refs, Constant: c}
}

// Diff is a - b floored at zero, the "if zero or less, enter -0-" rule.
func Diff(a LineRef, b ...LineRef) Formula {
	return Formula{Kind: FormulaDifference, Operands: append([]LineRef{a}, b...), FloorZero: true}
}

// DiffConst is a - c floored at zero.
func DiffConst(a LineRef, c decimal.Decimal) Formula {
	return Formula{Kind: FormulaDifference, Operands: []LineRef{a}, Constant: c, FloorZero: true}
}

func Min(refs ...LineRef) Formula { return Formula{Kind: FormulaMin, Operands: refs} }

func Max(refs ...LineRef) Formula { return Formula{Kind: FormulaMax, Operands: refs} }

func Percent(r LineRef, rate decimal.Decimal) Formula {
	return Formula{Kind: FormulaPercent, Operands: []LineRef{r}, Rate: rate}
}

// PercentOf multiplies a line by a rate supplied as an input, such as an
// entity-dependent reduced-credit percentage.
func PercentOf(r LineRef, rateInput string) Formula {
	return Formula{Kind: FormulaPercent, Operands: []LineRef{r}, RateInput: rateInput}
}

func Product(refs ...LineRef) Formula { return Formula{Kind: FormulaProduct, Operands: refs} }

func Quotient(r LineRef, divisor decimal.Decimal) Formula {
	return Formula{Kind: FormulaQuotient, Operands: []LineRef{r}, Constant: divisor}
}

func If(when Condition, then, otherwise Formula) Formula {
	return Formula{Kind: FormulaConditional, When: &when, Then: &then, Else: &otherwise}
}

// ElectionRate applies onRate when the flag input is set, offRate otherwise.
func ElectionRate(r LineRef, flag string, onRate, offRate decimal.Decimal) Formula {
	return If(Condition{Input: flag}, Percent(r, onRate), Percent(r, offRate))
}

// =============================================================================
// INTERPRETER
// =============================================================================

// Resolver supplies effective line values and inputs during evaluation.
// Missing lines and inputs resolve to zero.
type Resolver interface {
	LineValue(ref LineRef) decimal.Decimal
	InputValue(key string) decimal.Decimal
}

// Eval computes the formula for a line of the given section.
func (f Formula) Eval(section SectionID, r Resolver) decimal.Decimal {
	val := func(i int) decimal.Decimal { return r.LineValue(f.Operands[i].in(section)) }

	switch f.Kind {
	case FormulaInput:
		return r.InputValue(f.Input)
	case FormulaConstant:
		return f.Constant
	case FormulaRef:
		if len(f.Operands) == 0 {
			return decimal.Zero
		}
		return val(0)
	case FormulaSum:
		total := f.Constant
		for i := range f.Operands {
			total = total.Add(val(i))
		}
		return total
	case FormulaDifference:
		if len(f.Operands) == 0 {
			return decimal.Zero
		}
		result := val(0).Sub(f.Constant)
		for i := 1; i < len(f.Operands); i++ {
			result = result.Sub(val(i))
		}
		if f.FloorZero {
			return NonNegative(result)
		}
		return result
	case FormulaMin, FormulaMax:
		if len(f.Operands) == 0 {
			return decimal.Zero
		}
		result := val(0)
		for i := 1; i < len(f.Operands); i++ {
			v := val(i)
			if (f.Kind == FormulaMin && v.LessThan(result)) || (f.Kind == FormulaMax && v.GreaterThan(result)) {
				result = v
			}
		}
		return result
	case FormulaPercent:
		if len(f.Operands) == 0 {
			return decimal.Zero
		}
		if f.RateInput != "" {
			return val(0).Mul(r.InputValue(f.RateInput))
		}
		return val(0).Mul(f.Rate)
	case FormulaProduct:
		if len(f.Operands) == 0 {
			return decimal.Zero
		}
		result := val(0)
		for i := 1; i < len(f.Operands); i++ {
			result = result.Mul(val(i))
		}
		return result
	case FormulaQuotient:
		if len(f.Operands) == 0 || f.Constant.IsZero() {
			return decimal.Zero
		}
		return val(0).Div(f.Constant)
	case FormulaConditional:
		if f.When == nil || f.Then == nil || f.Else == nil {
			return decimal.Zero
		}
		if f.When.holds(section, r) {
			return f.Then.Eval(section, r)
		}
		return f.Else.Eval(section, r)
	}
	return decimal.Zero
}

func (c Condition) holds(section SectionID, r Resolver) bool {
	var v decimal.Decimal
	switch {
	case c.Line != nil:
		v = r.LineValue(c.Line.in(section))
	default:
		v = r.InputValue(c.Input)
	}
	return v.GreaterThan(c.Above)
}

// Dependencies returns every line the formula reads, resolved against section.
func (f Formula) Dependencies(section SectionID) []LineRef {
	var deps []LineRef
	for _, op := range f.Operands {
		deps = append(deps, op.in(section))
	}
	if f.Kind == FormulaConditional {
		if f.When != nil && f.When.Line != nil {
			deps = append(deps, f.When.Line.in(section))
		}
		if f.Then != nil {
			deps = append(deps, f.Then.Dependencies(section)...)
		}
		if f.Else != nil {
			deps = append(deps, f.Else.Dependencies(section)...)
		}
	}
	return dedupeRefs(deps)
}

// Inputs returns every named input the formula reads, including the flags
// that steer conditionals.
func (f Formula) Inputs() []string {
	var keys []string
	if f.Kind == FormulaInput && f.Input != "" {
		keys = append(keys, f.Input)
	}
	if f.Kind == FormulaPercent && f.RateInput != "" {
		keys = append(keys, f.RateInput)
	}
	if f.Kind == FormulaConditional {
		if f.When != nil && f.When.Line == nil && f.When.Input != "" {
			keys = append(keys, f.When.Input)
		}
		if f.Then != nil {
			keys = append(keys, f.Then.Inputs()...)
		}
		if f.Else != nil {
			keys = append(keys, f.Else.Inputs()...)
		}
	}
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func dedupeRefs(refs []LineRef) []LineRef {
	seen := make(map[LineRef]bool, len(refs))
	out := make([]LineRef, 0, len(refs))
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

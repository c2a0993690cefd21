/*
Package state evaluates per-state research credits against a QRE breakdown.

PURPOSE:
  Each state/method pair has a static Config: a rate, a base kind, optional
  formula variants, validation rules and, for states with a worksheet, the
  pro forma lines rendered through the generic line ledger.

BASE KINDS:
  weighted     wages + w*contractor + supplies + contract research (w = 0.65
               unless the config says otherwise)
  total_qre    the breakdown total
  incremental  weighted measure over a fixed base of the state's own average
               gross receipts, capped at half the measure (the federal
               Standard shape)
  prior_qre_average
               weighted measure over the average QRE of the preceding
               PriorQREYears tax years (3 unless configured); missing years
               count as zero

WORKSHEETS:
  A config with lines is its own source of truth: Evaluate runs the
  worksheet with no overrides and reports its credit line (the last line
  unless CreditLine names another) as the credit. BaseLine, when set,
  names the line reported as the base amount. Validation rules and the
  280C reduction apply on top.

STATUS:
  calculated        normal result (may legitimately be zero)
  no_configuration  state/method absent from the registry
  missing_data      required state gross receipts were not supplied
  no_credit         the state offers no research credit

SEE ALSO:
  - evaluator.go: Evaluate / EvaluateAll
  - cache.go: Memoized evaluation
  - proforma.go: Ledger sections for state worksheets
  - factory/registry.go: Loads Configs from YAML
*/
package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

type Method string

const (
	MethodStandard    Method = "standard"
	MethodAlternative Method = "alternative"
)

type BaseKind string

const (
	BaseWeighted    BaseKind = "weighted"
	BaseTotalQRE    BaseKind = "total_qre"
	BaseIncremental BaseKind = "incremental"
	BasePriorQRE    BaseKind = "prior_qre_average"
)

// DefaultPriorQREYears is the prior_qre_average lookback when a config does
// not set one.
const DefaultPriorQREYears = 3

var (
	DefaultContractorWeight = decimal.RequireFromString("0.65")
	DefaultFixedBase        = decimal.RequireFromString("0.03")
	MaxFixedBase            = decimal.RequireFromString("0.16")
)

// Variant is one alternative formula of a config. Formula keeps the source
// text for display.
type Variant struct {
	Label   string
	Formula string
	Rate    decimal.Decimal
	Base    BaseKind
}

type RuleKind string

const (
	RuleMaxCredit              RuleKind = "max_credit"
	RuleCarryforwardLimit      RuleKind = "carryforward_limit"
	RuleEntityTypeRestriction  RuleKind = "entity_type_restriction"
	RuleGrossReceiptsThreshold RuleKind = "gross_receipts_threshold"
	RuleOther                  RuleKind = "other"
)

type ValidationRule struct {
	Kind     RuleKind
	Value    decimal.NullDecimal
	Entities []generic.EntityType
	Message  string
}

// Config is the static formula configuration of one state/method. It is
// never mutated after the registry is built.
type Config struct {
	State    string
	Name     string
	Method   Method
	FormName string

	HasCredit            bool
	HasAlternativeMethod bool
	Refundable           bool
	CarryforwardYears    int

	CreditRate decimal.Decimal
	Base       BaseKind
	Formula    string
	Variants   []Variant

	ContractorWeight      decimal.NullDecimal
	FixedBaseFloor        decimal.NullDecimal
	RequiresGrossReceipts bool
	PriorQREYears         int

	// Entity280C maps an entity type to the reduced-credit percentage.
	// The empty key is the fallback for unlisted entity types.
	Entity280C map[generic.EntityType]decimal.Decimal

	ValidationRules []ValidationRule
	Notes           []string
	Lines           []generic.LineSpec

	// CreditLine and BaseLine pick worksheet lines for the result. Zero
	// means the last line and no base line respectively.
	CreditLine int
	BaseLine   int
}

func (c Config) contractorWeight() decimal.Decimal {
	if c.ContractorWeight.Valid {
		return c.ContractorWeight.Decimal
	}
	return DefaultContractorWeight
}

func (c Config) fixedBaseFloor() decimal.Decimal {
	if c.FixedBaseFloor.Valid {
		return c.FixedBaseFloor.Decimal
	}
	return DefaultFixedBase
}

func (c Config) priorQREYears() int {
	if c.PriorQREYears > 0 {
		return c.PriorQREYears
	}
	return DefaultPriorQREYears
}

// variants returns the configured variants, or a single variant built from
// CreditRate and Base.
func (c Config) variants() []Variant {
	if len(c.Variants) > 0 {
		return c.Variants
	}
	base := c.Base
	if base == "" {
		base = BaseWeighted
	}
	return []Variant{{Label: "default", Formula: c.Formula, Rate: c.CreditRate, Base: base}}
}

// variant resolves a variant index. An index out of range resolves to the
// first variant and reports false.
func (c Config) variant(idx int) (Variant, bool) {
	vs := c.variants()
	if idx < 0 || idx >= len(vs) {
		return vs[0], false
	}
	return vs[idx], true
}

// Reduced280C returns the 280C percentage for an entity type.
func (c Config) Reduced280C(entity generic.EntityType) (decimal.Decimal, bool) {
	if pct, ok := c.Entity280C[entity]; ok {
		return pct, true
	}
	pct, ok := c.Entity280C[""]
	return pct, ok
}

// SectionID is the ledger section id of the config's pro forma.
func (c Config) SectionID() generic.SectionID {
	return generic.SectionID(fmt.Sprintf("%s-%s", c.State, c.Method))
}

// =============================================================================
// REGISTRY
// =============================================================================

type key struct {
	state  string
	method Method
}

// Registry indexes configs by state and method. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	configs map[key]Config
	states  []string
}

func NormalizeState(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{configs: make(map[key]Config, len(configs))}
	seen := make(map[string]bool)
	for _, c := range configs {
		c.State = NormalizeState(c.State)
		if c.State == "" {
			return nil, fmt.Errorf("state config without state code")
		}
		if c.Method == "" {
			c.Method = MethodStandard
		}
		k := key{state: c.State, method: c.Method}
		if _, dup := r.configs[k]; dup {
			return nil, fmt.Errorf("duplicate state config %s/%s", c.State, c.Method)
		}
		for _, rate := range append([]decimal.Decimal{c.CreditRate}, variantRates(c.Variants)...) {
			if rate.IsNegative() {
				return nil, fmt.Errorf("state config %s/%s: negative rate %s", c.State, c.Method, rate)
			}
		}
		for _, n := range []int{c.CreditLine, c.BaseLine} {
			if n != 0 && !c.hasLine(n) {
				return nil, fmt.Errorf("state config %s/%s: worksheet has no line %d", c.State, c.Method, n)
			}
		}
		r.configs[k] = c
		if !seen[c.State] {
			seen[c.State] = true
			r.states = append(r.states, c.State)
		}
	}
	sort.Strings(r.states)
	return r, nil
}

func variantRates(vs []Variant) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Rate)
	}
	return out
}

func (r *Registry) Get(state string, method Method) (Config, bool) {
	c, ok := r.configs[key{state: NormalizeState(state), method: method}]
	return c, ok
}

// States returns every state code with at least one config, sorted.
func (r *Registry) States() []string {
	return append([]string(nil), r.states...)
}

// ForState returns the configs of one state, standard first.
func (r *Registry) ForState(state string) []Config {
	state = NormalizeState(state)
	var out []Config
	for k, c := range r.configs {
		if k.state == state {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method == MethodStandard {
			return out[j].Method != MethodStandard
		}
		return out[j].Method != MethodStandard && out[i].Method < out[j].Method
	})
	return out
}

// All returns every config ordered by state then method.
func (r *Registry) All() []Config {
	var out []Config
	for _, s := range r.states {
		out = append(out, r.ForState(s)...)
	}
	return out
}

// hasNoCredit reports whether the state is registered as offering no credit.
func (r *Registry) hasNoCredit(state string) bool {
	configs := r.ForState(state)
	if len(configs) == 0 {
		return false
	}
	for _, c := range configs {
		if c.HasCredit {
			return false
		}
	}
	return true
}

func (r *Registry) Len() int { return len(r.configs) }

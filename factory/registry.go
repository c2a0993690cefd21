/*
Package factory converts state formula documents into a state.Registry.

PURPOSE:
  State credit rules change every tax year and differ wildly between
  states. Keeping them in a document (YAML or JSON) means a rate change or
  a new worksheet line is a data edit, not a code change. The factory
  validates the document and builds immutable state.Config values.

DOCUMENT SCHEMA (YAML shown, JSON uses the same keys):
  states:
    - state: GA
      name: Georgia
      method: standard
      form_name: Form IT-RD
      has_credit: true
      credit_rate: "0.10"
      base: incremental                    # weighted | total_qre | incremental | prior_qre_average
      formula: "10% of incremental QREs over base amount"
      carryforward_years: 10
      entity_280c: {C-Corp: "0.9116"}      # "default" is the fallback key
      validation_rules:
        - {type: gross_receipts_threshold, value: "100000", message: "..."}
      prior_qre_years: 3                   # prior_qre_average lookback
      credit_line: 3                       # defaults to the last line
      base_line: 3                         # reported as the base amount
      lines:
        - {number: 1, label: "Wages", editable: true, formula: {input: state.wages}}
        - {number: 2, label: "Supplies", editable: true, formula: {input: state.supplies}}
        - {number: 3, label: "QRE", formula: {sum: [1, 2]}}

  Line formulas use one operation key each: input, const, ref, sum (+plus),
  diff (+minus), min, max, product, percent (+rate or rate_input),
  quotient (+divisor), election, or if/then/else.

VARIANTS:
  When no explicit variants are listed, the semicolon-delimited formula
  text is split with ParseVariants.

USAGE:
  reg, err := factory.LoadDefault()                // embedded states.yaml
  reg, err := factory.LoadFile("/etc/rdcredit/states.yaml")

SEE ALSO:
  - formula.go: Line/formula documents and variant parsing
  - state/config.go: Config and Registry
*/
package factory

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
	"gopkg.in/yaml.v3"
)

//go:embed states.yaml
var defaultStates []byte

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

type RegistryDoc struct {
	Version string     `yaml:"version,omitempty" json:"version,omitempty"`
	States  []StateDoc `yaml:"states" json:"states"`
}

type VariantDoc struct {
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
	Formula string `yaml:"formula,omitempty" json:"formula,omitempty"`
	Rate    string `yaml:"rate" json:"rate"`
	Base    string `yaml:"base,omitempty" json:"base,omitempty"`
}

type RuleDoc struct {
	Type     string   `yaml:"type" json:"type"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Entities []string `yaml:"entities,omitempty" json:"entities,omitempty"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`
}

type StateDoc struct {
	State    string `yaml:"state" json:"state"`
	Name     string `yaml:"name" json:"name"`
	Method   string `yaml:"method,omitempty" json:"method,omitempty"`
	FormName string `yaml:"form_name,omitempty" json:"form_name,omitempty"`

	HasCredit            bool `yaml:"has_credit" json:"has_credit"`
	HasAlternativeMethod bool `yaml:"has_alternative_method,omitempty" json:"has_alternative_method,omitempty"`
	Refundable           bool `yaml:"refundable,omitempty" json:"refundable,omitempty"`
	CarryforwardYears    int  `yaml:"carryforward_years,omitempty" json:"carryforward_years,omitempty"`

	CreditRate string       `yaml:"credit_rate,omitempty" json:"credit_rate,omitempty"`
	Base       string       `yaml:"base,omitempty" json:"base,omitempty"`
	Formula    string       `yaml:"formula,omitempty" json:"formula,omitempty"`
	Variants   []VariantDoc `yaml:"variants,omitempty" json:"variants,omitempty"`

	ContractorWeight      string `yaml:"contractor_weight,omitempty" json:"contractor_weight,omitempty"`
	FixedBaseFloor        string `yaml:"fixed_base_floor,omitempty" json:"fixed_base_floor,omitempty"`
	RequiresGrossReceipts bool   `yaml:"requires_gross_receipts,omitempty" json:"requires_gross_receipts,omitempty"`
	PriorQREYears         int    `yaml:"prior_qre_years,omitempty" json:"prior_qre_years,omitempty"`

	Entity280C map[string]string `yaml:"entity_280c,omitempty" json:"entity_280c,omitempty"`

	ValidationRules []RuleDoc `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`
	Notes           []string  `yaml:"notes,omitempty" json:"notes,omitempty"`
	Lines           []LineDoc `yaml:"lines,omitempty" json:"lines,omitempty"`
	CreditLine      int       `yaml:"credit_line,omitempty" json:"credit_line,omitempty"`
	BaseLine        int       `yaml:"base_line,omitempty" json:"base_line,omitempty"`
}

// =============================================================================
// LOADING
// =============================================================================

// LoadDefault builds the registry from the embedded states.yaml.
func LoadDefault() (*state.Registry, error) {
	return ParseYAML(defaultStates)
}

// MustLoadDefault panics if the embedded registry is invalid. The embedded
// document is covered by tests, so this only fails on a broken build.
func MustLoadDefault() *state.Registry {
	reg, err := LoadDefault()
	if err != nil {
		panic(fmt.Sprintf("embedded state registry: %v", err))
	}
	return reg
}

// LoadFile reads a YAML (.yaml/.yml) or JSON (.json) registry. An empty
// path loads the embedded default.
func LoadFile(path string) (*state.Registry, error) {
	if path == "" {
		return LoadDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state registry: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return ParseYAML(data)
	}
}

func ParseYAML(data []byte) (*state.Registry, error) {
	var doc RegistryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state registry YAML: %w", err)
	}
	return FromDoc(doc)
}

func ParseJSON(data []byte) (*state.Registry, error) {
	var doc RegistryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state registry JSON: %w", err)
	}
	return FromDoc(doc)
}

// FromDoc validates a document and builds the registry.
func FromDoc(doc RegistryDoc) (*state.Registry, error) {
	configs := make([]state.Config, 0, len(doc.States))
	for _, sd := range doc.States {
		cfg, err := parseState(sd)
		if err != nil {
			return nil, fmt.Errorf("state %s/%s: %w", sd.State, sd.Method, err)
		}
		configs = append(configs, cfg)
	}
	return state.NewRegistry(configs...)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseState(sd StateDoc) (state.Config, error) {
	method, err := parseMethod(sd.Method)
	if err != nil {
		return state.Config{}, err
	}
	base, err := parseBase(sd.Base)
	if err != nil {
		return state.Config{}, err
	}
	rate, err := optionalDecimal("credit_rate", sd.CreditRate)
	if err != nil {
		return state.Config{}, err
	}
	weight, err := optionalDecimal("contractor_weight", sd.ContractorWeight)
	if err != nil {
		return state.Config{}, err
	}
	floor, err := optionalDecimal("fixed_base_floor", sd.FixedBaseFloor)
	if err != nil {
		return state.Config{}, err
	}

	cfg := state.Config{
		State:                 sd.State,
		Name:                  sd.Name,
		Method:                method,
		FormName:              sd.FormName,
		HasCredit:             sd.HasCredit && !NoCreditText(sd.Formula),
		HasAlternativeMethod:  sd.HasAlternativeMethod,
		Refundable:            sd.Refundable,
		CarryforwardYears:     sd.CarryforwardYears,
		CreditRate:            rate.Decimal,
		Base:                  base,
		Formula:               sd.Formula,
		ContractorWeight:      weight,
		FixedBaseFloor:        floor,
		RequiresGrossReceipts: sd.RequiresGrossReceipts,
		PriorQREYears:         sd.PriorQREYears,
		Notes:                 sd.Notes,
		CreditLine:            sd.CreditLine,
		BaseLine:              sd.BaseLine,
	}
	if sd.PriorQREYears < 0 {
		return state.Config{}, fmt.Errorf("prior_qre_years must not be negative")
	}

	if cfg.HasCredit {
		if len(sd.Variants) > 0 {
			for i, vd := range sd.Variants {
				v, err := parseVariant(vd, base)
				if err != nil {
					return state.Config{}, fmt.Errorf("variant %d: %w", i, err)
				}
				cfg.Variants = append(cfg.Variants, v)
			}
		} else if sd.Formula != "" {
			cfg.Variants = ParseVariants(sd.Formula, cfg.CreditRate, base)
		}
		if !rate.Valid && len(cfg.Variants) == 0 {
			return state.Config{}, fmt.Errorf("credit_rate or formula is required")
		}
	}

	if len(sd.Entity280C) > 0 {
		cfg.Entity280C = make(map[generic.EntityType]decimal.Decimal, len(sd.Entity280C))
		for entity, raw := range sd.Entity280C {
			pct, err := requiredDecimal("entity_280c."+entity, raw)
			if err != nil {
				return state.Config{}, err
			}
			if entity == "default" {
				entity = ""
			}
			cfg.Entity280C[generic.EntityType(entity)] = pct
		}
	}

	for i, rd := range sd.ValidationRules {
		rule, err := parseRule(rd)
		if err != nil {
			return state.Config{}, fmt.Errorf("validation rule %d: %w", i, err)
		}
		cfg.ValidationRules = append(cfg.ValidationRules, rule)
	}

	cfg.Lines, err = parseLines(sd.Lines)
	if err != nil {
		return state.Config{}, err
	}
	return cfg, nil
}

func parseMethod(s string) (state.Method, error) {
	switch s {
	case "", "standard":
		return state.MethodStandard, nil
	case "alternative":
		return state.MethodAlternative, nil
	}
	return "", fmt.Errorf("unknown method %q", s)
}

func parseBase(s string) (state.BaseKind, error) {
	switch state.BaseKind(s) {
	case "":
		return "", nil
	case state.BaseWeighted, state.BaseTotalQRE, state.BaseIncremental, state.BasePriorQRE:
		return state.BaseKind(s), nil
	}
	return "", fmt.Errorf("unknown base %q", s)
}

func parseVariant(vd VariantDoc, fallback state.BaseKind) (state.Variant, error) {
	rate, err := requiredDecimal("rate", vd.Rate)
	if err != nil {
		return state.Variant{}, err
	}
	base, err := parseBase(vd.Base)
	if err != nil {
		return state.Variant{}, err
	}
	if base == "" {
		base = fallback
	}
	if base == "" {
		base = state.BaseWeighted
	}
	return state.Variant{Label: vd.Label, Formula: vd.Formula, Rate: rate, Base: base}, nil
}

func parseRule(rd RuleDoc) (state.ValidationRule, error) {
	kind := state.RuleKind(rd.Type)
	switch kind {
	case state.RuleMaxCredit, state.RuleCarryforwardLimit, state.RuleEntityTypeRestriction,
		state.RuleGrossReceiptsThreshold, state.RuleOther:
	default:
		return state.ValidationRule{}, fmt.Errorf("unknown rule type %q", rd.Type)
	}
	value, err := optionalDecimal("value", rd.Value)
	if err != nil {
		return state.ValidationRule{}, err
	}
	rule := state.ValidationRule{Kind: kind, Value: value, Message: rd.Message}
	for _, e := range rd.Entities {
		rule.Entities = append(rule.Entities, generic.EntityType(e))
	}
	return rule, nil
}

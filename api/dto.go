/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Calculation:
    CalculationDTO, FederalDTO, FederalMethodDTO, StateCreditDTO, QREDTO,
    CalculationRequest

  Ledger:
    LedgerDTO, SectionDTO, LineDTO, OverrideRequest, OverrideResponse

  Lock:
    LockRequest

  States:
    StateConfigDTO, VariantDTO, RuleDTO, LineSpecDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

AMOUNTS:
  Every amount and rate is a decimal.Decimal, which marshals as a JSON
  string ("40000", "0.06"). Request amounts are strings validated with the
  "decimal" tag.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.decode, which decodes and validates in one step.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/engine.go: CalculationResult
*/
package api

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
)

// =============================================================================
// CALCULATION
// =============================================================================

// QREDTO is the effective QRE breakdown of a business year.
type QREDTO struct {
	BusinessYearID   string          `json:"business_year_id,omitempty"`
	Wages            decimal.Decimal `json:"wages"`
	ContractorCosts  decimal.Decimal `json:"contractor_costs"`
	SupplyCosts      decimal.Decimal `json:"supply_costs"`
	ContractResearch decimal.Decimal `json:"contract_research"`
	Total            decimal.Decimal `json:"total"`
	Source           string          `json:"source"`
	Locked           bool            `json:"locked"`
	LockedAt         string          `json:"locked_at,omitempty"`
	LockedBy         string          `json:"locked_by,omitempty"`
}

// FederalMethodDTO is one federal method's result. Method-specific fields
// are omitted when they do not apply.
type FederalMethodDTO struct {
	Method           string           `json:"method"`
	Credit           decimal.Decimal  `json:"credit"`
	AdjustedCredit   decimal.Decimal  `json:"adjusted_credit"`
	Rate             decimal.Decimal  `json:"rate"`
	CreditBase       decimal.Decimal  `json:"credit_base"`
	BasePercentage   *decimal.Decimal `json:"base_percentage,omitempty"`
	AvgGrossReceipts *decimal.Decimal `json:"avg_gross_receipts,omitempty"`
	FixedBaseAmount  *decimal.Decimal `json:"fixed_base_amount,omitempty"`
	IncrementalQRE   *decimal.Decimal `json:"incremental_qre,omitempty"`
	AvgPriorQRE      *decimal.Decimal `json:"avg_prior_qre,omitempty"`
	PriorQRESum      *decimal.Decimal `json:"prior_qre_sum,omitempty"`
	IsStartup        bool             `json:"is_startup,omitempty"`
	PriorYearsUsed   []int            `json:"prior_years_used,omitempty"`
	Notices          []string         `json:"notices,omitempty"`
}

type FederalDTO struct {
	Standard       FederalMethodDTO `json:"standard"`
	ASC            FederalMethodDTO `json:"asc"`
	SelectedMethod string           `json:"selected_method"`
	Use280C        bool             `json:"use_280c"`
	Credit         decimal.Decimal  `json:"credit"`
}

type StateCreditDTO struct {
	State             string          `json:"state"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	Enabled           bool            `json:"enabled"`
	Credit            decimal.Decimal `json:"credit"`
	Rate              decimal.Decimal `json:"rate"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	FormulaUsed       string          `json:"formula_used,omitempty"`
	VariantIndex      int             `json:"variant_index"`
	Refundable        bool            `json:"refundable"`
	CarryforwardYears int             `json:"carryforward_years,omitempty"`
	Messages          []string        `json:"messages,omitempty"`
}

// CalculationDTO is the full result of one calculation.
type CalculationDTO struct {
	BusinessYearID string           `json:"business_year_id"`
	BusinessID     string           `json:"business_id"`
	Year           int              `json:"year"`
	QRE            QREDTO           `json:"qre"`
	Federal        FederalDTO       `json:"federal"`
	States         []StateCreditDTO `json:"states"`
	TotalFederal   decimal.Decimal  `json:"total_federal"`
	TotalState     decimal.Decimal  `json:"total_state"`
	TotalCredits   decimal.Decimal  `json:"total_credits"`
	Notices        []string         `json:"notices"`
	CalculatedAt   string           `json:"calculated_at"`
}

// StateSelectionDTO picks one state for a calculation. Enabled defaults to
// true when omitted.
type StateSelectionDTO struct {
	State   string `json:"state" validate:"required,len=2,alpha"`
	Method  string `json:"method,omitempty" validate:"omitempty,oneof=standard alternative"`
	Variant int    `json:"variant,omitempty" validate:"gte=0"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// CalculationRequest is the body of POST /calculation. Every field is
// optional; omitted fields fall back to the server defaults.
type CalculationRequest struct {
	Use280C bool   `json:"use_280c"`
	Method  string `json:"method,omitempty" validate:"omitempty,oneof=auto standard regular asc"`

	States []StateSelectionDTO `json:"states,omitempty" validate:"omitempty,dive"`
	// StateGrossReceipts maps state code -> tax year -> amount.
	StateGrossReceipts map[string]map[int]string `json:"state_gross_receipts,omitempty" validate:"omitempty,dive,keys,len=2,endkeys,dive,decimal"`
	StateFixedBase     map[string]string         `json:"state_fixed_base,omitempty" validate:"omitempty,dive,keys,len=2,endkeys,decimal"`

	GapPolicy string `json:"asc_gap_policy,omitempty" validate:"omitempty,oneof=strict tolerant"`

	EnergyConsortia        string `json:"energy_consortia,omitempty" validate:"omitempty,decimal"`
	BasicResearchPayments  string `json:"basic_research_payments,omitempty" validate:"omitempty,decimal"`
	QualifiedOrgBasePeriod string `json:"qualified_org_base_period,omitempty" validate:"omitempty,decimal"`
	BasePercent            string `json:"base_percent,omitempty" validate:"omitempty,decimal"`
	AvgGrossReceipts       string `json:"avg_gross_receipts,omitempty" validate:"omitempty,decimal"`
}

// SavedCalculationDTO acknowledges POST /calculation/save.
type SavedCalculationDTO struct {
	ID           string          `json:"id"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	CreatedAt    string          `json:"created_at"`
	Result       CalculationDTO  `json:"result"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LineDTO struct {
	Line            int             `json:"line"`
	Display         string          `json:"display"`
	Label           string          `json:"label"`
	Unit            string          `json:"unit"`
	Value           decimal.Decimal `json:"value"`
	CalculatedValue decimal.Decimal `json:"calculated_value"`
	Editable        bool            `json:"editable"`
	Locked          bool            `json:"locked,omitempty"`
	Overridden      bool            `json:"overridden"`
	Formula         string          `json:"formula"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	LastModifiedBy  string          `json:"last_modified_by,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
}

type SectionDTO struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Lines []LineDTO `json:"lines"`
}

type LedgerDTO struct {
	BusinessYearID string       `json:"business_year_id"`
	Sections       []SectionDTO `json:"sections"`
}

// OverrideRequest sets one line. Value is raw user input ("0.10", "12,500").
type OverrideRequest struct {
	Value string `json:"value" validate:"required,max=64"`
	Actor string `json:"actor,omitempty" validate:"omitempty,max=254"`
}

// OverrideResponse lists the lines whose values changed and the ledger
// after the change.
type OverrideResponse struct {
	Changed []string  `json:"changed"`
	Ledger  LedgerDTO `json:"ledger"`
}

// =============================================================================
// LOCK
// =============================================================================

type LockRequest struct {
	Actor string `json:"actor" validate:"required,max=254"`
}

// =============================================================================
// STATES
// =============================================================================

type VariantDTO struct {
	Label   string          `json:"label"`
	Formula string          `json:"formula"`
	Rate    decimal.Decimal `json:"rate"`
	Base    string          `json:"base"`
}

type RuleDTO struct {
	Kind     string           `json:"kind"`
	Value    *decimal.Decimal `json:"value,omitempty"`
	Entities []string         `json:"entities,omitempty"`
	Message  string           `json:"message,omitempty"`
}

type LineSpecDTO struct {
	Line     int    `json:"line"`
	Display  string `json:"display"`
	Label    string `json:"label"`
	Unit     string `json:"unit"`
	Editable bool   `json:"editable"`
	Formula  string `json:"formula"`
}

// StateConfigDTO describes one registry entry. Rules and lines are only
// filled on the detail endpoint.
type StateConfigDTO struct {
	State                 string          `json:"state"`
	Name                  string          `json:"name"`
	Method                string          `json:"method"`
	FormName              string          `json:"form_name,omitempty"`
	HasCredit             bool            `json:"has_credit"`
	HasAlternativeMethod  bool            `json:"has_alternative_method,omitempty"`
	Refundable            bool            `json:"refundable,omitempty"`
	CarryforwardYears     int             `json:"carryforward_years,omitempty"`
	CreditRate            decimal.Decimal `json:"credit_rate"`
	Formula               string          `json:"formula"`
	RequiresGrossReceipts bool            `json:"requires_gross_receipts,omitempty"`
	HasProForma           bool            `json:"has_pro_forma"`
	Variants              []VariantDTO    `json:"variants,omitempty"`
	Rules                 []RuleDTO       `json:"rules,omitempty"`
	Notes                 []string        `json:"notes,omitempty"`
	Lines                 []LineSpecDTO   `json:"lines,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse names the business years a scenario created.
type LoadScenarioResponse struct {
	Status        string   `json:"status"`
	Scenario      string   `json:"scenario"`
	RunID         string   `json:"run_id"`
	BusinessYears []string `json:"business_years"`
}

// ErrorResponse is the standard error response. Result carries the
// in-memory outcome when only persisting it failed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nullPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func toQREDTO(b generic.QREBreakdown) QREDTO {
	return QREDTO{
		Wages:            b.Wages,
		ContractorCosts:  b.ContractorCosts,
		SupplyCosts:      b.SupplyCosts,
		ContractResearch: b.ContractResearch,
		Total:            b.Total,
		Source:           string(b.Source),
		Locked:           b.Source == generic.SourceLocked,
	}
}

func toFederalMethodDTO(r federal.Result) FederalMethodDTO {
	return FederalMethodDTO{
		Method:           string(r.Method),
		Credit:           r.Credit,
		AdjustedCredit:   r.AdjustedCredit,
		Rate:             r.Rate,
		CreditBase:       r.CreditBase,
		BasePercentage:   nullPtr(r.BasePercentage),
		AvgGrossReceipts: nullPtr(r.AvgGrossReceipts),
		FixedBaseAmount:  nullPtr(r.FixedBaseAmount),
		IncrementalQRE:   nullPtr(r.IncrementalQRE),
		AvgPriorQRE:      nullPtr(r.AvgPriorQRE),
		PriorQRESum:      nullPtr(r.PriorQRESum),
		IsStartup:        r.IsStartup,
		PriorYearsUsed:   r.PriorYearsUsed,
		Notices:          r.Notices,
	}
}

func toStateCreditDTO(sc engine.StateCredit) StateCreditDTO {
	return StateCreditDTO{
		State:             sc.State,
		Method:            string(sc.Method),
		Status:            string(sc.Status),
		Enabled:           sc.Enabled,
		Credit:            sc.Credit,
		Rate:              sc.Rate,
		BaseAmount:        sc.BaseAmount,
		FormulaUsed:       sc.FormulaUsed,
		VariantIndex:      sc.VariantIndex,
		Refundable:        sc.Refundable,
		CarryforwardYears: sc.CarryforwardYears,
		Messages:          sc.Messages,
	}
}

func toCalculationDTO(res *engine.CalculationResult) CalculationDTO {
	dto := CalculationDTO{
		BusinessYearID: string(res.BusinessYearID),
		BusinessID:     string(res.BusinessID),
		Year:           res.Year,
		QRE:            toQREDTO(res.QRE),
		Federal: FederalDTO{
			Standard:       toFederalMethodDTO(res.Federal.Standard),
			ASC:            toFederalMethodDTO(res.Federal.ASC),
			SelectedMethod: string(res.Federal.SelectedMethod),
			Use280C:        res.Federal.Use280C,
			Credit:         res.TotalFederal,
		},
		States:       make([]StateCreditDTO, 0, len(res.States)),
		TotalFederal: res.TotalFederal,
		TotalState:   res.TotalState,
		TotalCredits: res.TotalCredits,
		Notices:      res.Notices,
		CalculatedAt: formatTime(res.CalculatedAt),
	}
	for _, sc := range res.States {
		dto.States = append(dto.States, toStateCreditDTO(sc))
	}
	if dto.Notices == nil {
		dto.Notices = []string{}
	}
	return dto
}

func refStrings(refs []generic.LineRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func toLineDTO(l generic.CalculationLine) LineDTO {
	display := l.Display
	if display == "" {
		display = strconv.Itoa(l.LineNumber)
	}
	return LineDTO{
		Line:            l.LineNumber,
		Display:         display,
		Label:           l.Label,
		Unit:            string(l.Unit),
		Value:           l.Value.Value,
		CalculatedValue: l.CalculatedValue.Value,
		Editable:        l.IsEditable,
		Locked:          l.IsLocked,
		Overridden:      l.Overridden,
		Formula:         string(l.Formula.Kind),
		DependsOn:       refStrings(l.DependsOn),
		LastModifiedBy:  l.LastModifiedBy,
		UpdatedAt:       formatTime(l.UpdatedAt),
	}
}

func toSectionDTOs(views []generic.SectionView) []SectionDTO {
	out := make([]SectionDTO, 0, len(views))
	for _, v := range views {
		sec := SectionDTO{ID: string(v.ID), Title: v.Title, Lines: make([]LineDTO, 0, len(v.Lines))}
		for _, l := range v.Lines {
			sec.Lines = append(sec.Lines, toLineDTO(l))
		}
		out = append(out, sec)
	}
	return out
}

func toLedgerDTO(s *engine.Session) LedgerDTO {
	return LedgerDTO{BusinessYearID: string(s.YearID()), Sections: toSectionDTOs(s.Sections())}
}

func toStateConfigDTO(c state.Config, detail bool) StateConfigDTO {
	dto := StateConfigDTO{
		State:                 c.State,
		Name:                  c.Name,
		Method:                string(c.Method),
		FormName:              c.FormName,
		HasCredit:             c.HasCredit,
		HasAlternativeMethod:  c.HasAlternativeMethod,
		Refundable:            c.Refundable,
		CarryforwardYears:     c.CarryforwardYears,
		CreditRate:            c.CreditRate,
		Formula:               c.Formula,
		RequiresGrossReceipts: c.RequiresGrossReceipts,
		HasProForma:           c.HasProForma(),
		Notes:                 c.Notes,
	}
	for _, v := range c.Variants {
		dto.Variants = append(dto.Variants, VariantDTO{Label: v.Label, Formula: v.Formula, Rate: v.Rate, Base: string(v.Base)})
	}
	if !detail {
		return dto
	}
	for _, r := range c.ValidationRules {
		rule := RuleDTO{Kind: string(r.Kind), Value: nullPtr(r.Value), Message: r.Message}
		for _, e := range r.Entities {
			rule.Entities = append(rule.Entities, string(e))
		}
		dto.Rules = append(dto.Rules, rule)
	}
	for _, l := range c.Lines {
		display := l.Display
		if display == "" {
			display = strconv.Itoa(l.Number)
		}
		dto.Lines = append(dto.Lines, LineSpecDTO{
			Line:     l.Number,
			Display:  display,
			Label:    l.Label,
			Unit:     string(l.Unit),
			Editable: l.Editable,
			Formula:  string(l.Formula.Kind),
		})
	}
	return dto
}

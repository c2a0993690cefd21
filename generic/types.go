/*
Package generic provides the core of the credit calculation engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms shared by
  the federal and state credit packages: money amounts, QRE breakdowns,
  business-year records, the tagged-variant line formula and the line
  ledger that evaluates it. Nothing here knows about a specific tax form.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (dollars, ratio, count)
  - QREBreakdown: Qualified research expenses by category for one year
  - BusinessYear: A business's tax year, including its QRE lock snapshot
  - Allocation records: Raw per-person / per-vendor / per-supply cost rows

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every amount and rate
  2. Immutability: Breakdowns are values; a new one is built per request
  3. Type Safety: Strong typing for IDs prevents mixing business/year IDs

USAGE:
  b := generic.NewQREBreakdown(wages, contractor, supply, decimal.Zero)
  b.Total // rounded sum of the four categories

SEE ALSO:
  - formula.go: Tagged-variant formulas over line values
  - ledger.go: Line ledger / override engine
  - snapshot.go: Frozen QRE lock snapshot
*/
package generic

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitUSD   Unit = "usd"
	UnitRatio Unit = "ratio"
	UnitCount Unit = "count"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

func Dollars(value int64) decimal.Decimal {
	return decimal.NewFromInt(value)
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool          { return a.Unit == b.Unit && a.Value.Equal(b.Value) }

// RoundDollars rounds to whole currency units, half away from zero.
func RoundDollars(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type BusinessID string
type BusinessYearID string
type SectionID string

// EntityType is the legal form of a business. State 280C percentages
// depend on it.
type EntityType string

const (
	EntityCCorp          EntityType = "C-Corp"
	EntitySCorp          EntityType = "S-Corp"
	EntityLLC            EntityType = "LLC"
	EntityPartnership    EntityType = "Partnership"
	EntitySoleProprietor EntityType = "Sole-Proprietor"
)

// =============================================================================
// QRE BREAKDOWN
// =============================================================================

// QRESource tells consumers where a breakdown came from.
type QRESource string

const (
	SourceLive       QRESource = "live"
	SourceLocked     QRESource = "locked"
	SourceHistorical QRESource = "historical"
)

// QREBreakdown holds qualified research expenses by category.
// Total is always the rounded sum of the four categories.
type QREBreakdown struct {
	Wages            decimal.Decimal
	ContractorCosts  decimal.Decimal
	SupplyCosts      decimal.Decimal
	ContractResearch decimal.Decimal
	Total            decimal.Decimal
	Source           QRESource
}

// NewQREBreakdown builds a live breakdown. Negative inputs clamp to zero.
func NewQREBreakdown(wages, contractor, supply, contractResearch decimal.Decimal) QREBreakdown {
	b := QREBreakdown{
		Wages:            NonNegative(wages),
		ContractorCosts:  NonNegative(contractor),
		SupplyCosts:      NonNegative(supply),
		ContractResearch: NonNegative(contractResearch),
		Source:           SourceLive,
	}
	b.Total = RoundDollars(b.Wages.Add(b.ContractorCosts).Add(b.SupplyCosts).Add(b.ContractResearch))
	return b
}

// HistoricalBreakdown reports a single externally supplied total with no
// category detail.
func HistoricalBreakdown(total decimal.Decimal) QREBreakdown {
	return QREBreakdown{
		Wages:            decimal.Zero,
		ContractorCosts:  decimal.Zero,
		SupplyCosts:      decimal.Zero,
		ContractResearch: decimal.Zero,
		Total:            RoundDollars(NonNegative(total)),
		Source:           SourceHistorical,
	}
}

// WithSource returns a copy tagged with src.
func (b QREBreakdown) WithSource(src QRESource) QREBreakdown {
	b.Source = src
	return b
}

// IsZero reports whether the breakdown carries no expense at all.
func (b QREBreakdown) IsZero() bool {
	return b.Total.IsZero()
}

// Fingerprint is a content hash over the amounts. Source is excluded so a
// locked snapshot equal to the live figures hashes the same.
func (b QREBreakdown) Fingerprint() uint64 {
	h, err := hashstructure.Hash(struct {
		Wages, Contractor, Supply, ContractResearch, Total string
	}{
		b.Wages.String(), b.ContractorCosts.String(), b.SupplyCosts.String(),
		b.ContractResearch.String(), b.Total.String(),
	}, hashstructure.FormatV2, nil)
	if err != nil {
		// Only reachable for unhashable kinds; strings always hash.
		panic(fmt.Sprintf("fingerprint breakdown: %v", err))
	}
	return h
}

// =============================================================================
// BUSINESS / BUSINESS YEAR
// =============================================================================

type Business struct {
	ID            BusinessID
	ClientID      ClientID
	Name          string
	DomicileState string
	EntityType    EntityType
}

// BusinessYear is one tax year of a business.
// TotalQRE is the manually entered figure used when the year is read as
// history. The Locked* fields are only meaningful while QRELocked is true.
type BusinessYear struct {
	ID            BusinessYearID
	BusinessID    BusinessID
	Year          int
	GrossReceipts decimal.Decimal
	TotalQRE      decimal.Decimal

	QRELocked bool
	Lock      LockedQRE
}

// =============================================================================
// ALLOCATION RECORDS - Raw QRE source rows for one business year
// =============================================================================

type EmployeeAllocation struct {
	ID             string
	BusinessYearID BusinessYearID
	Name           string
	CalculatedQRE  decimal.NullDecimal
	Wage           decimal.Decimal
	AppliedPercent decimal.Decimal
}

type ContractorAllocation struct {
	ID             string
	BusinessYearID BusinessYearID
	Name           string
	CalculatedQRE  decimal.NullDecimal
	Amount         decimal.Decimal
	AppliedPercent decimal.Decimal
	// ContractResearch marks payments to qualified research organizations,
	// reported apart from ordinary contractor costs.
	ContractResearch bool
}

type SupplyAllocation struct {
	ID             string
	BusinessYearID BusinessYearID
	Name           string
	AmountApplied  decimal.NullDecimal
	SupplyCost     decimal.Decimal
	AppliedPercent decimal.Decimal
}

// =============================================================================
// OVERRIDE - Persisted manual replacement of a computed line value
// =============================================================================

// OverrideKey is unique per client, business year, section and line.
type OverrideKey struct {
	ClientID     ClientID
	BusinessYear int
	Section      SectionID
	LineNumber   int
}

type Override struct {
	ID             string
	Key            OverrideKey
	Value          decimal.Decimal
	LastModifiedBy string
	UpdatedAt      time.Time
}

package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SNAPSHOT - Frozen QRE breakdown for a locked business year
// =============================================================================

// LockedQRE captures the aggregated QRE at the moment a year was locked.
// Used for:
//   - Filing guides that must not drift after generation
//   - Audit trail (who locked, when)
//
// The values stay on the record after unlock but are only read while the
// year's QRELocked flag is set.
type LockedQRE struct {
	EmployeeQRE         decimal.Decimal
	ContractorQRE       decimal.Decimal
	SupplyQRE           decimal.Decimal
	ContractResearchQRE decimal.Decimal
	LockedAt            time.Time
	LockedBy            string
}

// SnapshotOf freezes a live breakdown.
func SnapshotOf(b QREBreakdown, at time.Time, by string) LockedQRE {
	return LockedQRE{
		EmployeeQRE:         b.Wages,
		ContractorQRE:       b.ContractorCosts,
		SupplyQRE:           b.SupplyCosts,
		ContractResearchQRE: b.ContractResearch,
		LockedAt:            at,
		LockedBy:            by,
	}
}

// Breakdown rebuilds the frozen breakdown, tagged as locked.
func (l LockedQRE) Breakdown() QREBreakdown {
	return NewQREBreakdown(l.EmployeeQRE, l.ContractorQRE, l.SupplyQRE, l.ContractResearchQRE).
		WithSource(SourceLocked)
}

/*
store.go - Persistence interfaces for the credit engine

PURPOSE:
  Defines the boundary between the calculation logic and whatever database
  holds businesses, business years, allocation records and overrides.
  The engine only needs read access to QRE data plus write access for
  overrides, lock snapshots and saved results.

KEY INTERFACES:
  BusinessYearStore: Businesses, years, lock snapshots
  AllocationStore:   Employee / contractor / supply QRE rows per year
  OverrideStore:     Manual line overrides keyed by OverrideKey
  ResultStore:       Saved calculation snapshots (optional)

NOT FOUND CONVENTION:
  Get methods return (nil, nil) when the row does not exist. Callers turn
  that into ErrBusinessYearNotFound / ErrBusinessNotFound where it matters.

LAST WRITE WINS:
  One editor per business year is assumed. UpsertOverride replaces the
  existing row for the same key; there is no version check.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Uses OverrideStore
  - qre/lock.go: Uses BusinessYearStore for lock snapshots
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BUSINESS YEAR STORE
// =============================================================================

type BusinessYearStore interface {
	GetBusiness(ctx context.Context, id BusinessID) (*Business, error)

	GetBusinessYear(ctx context.Context, id BusinessYearID) (*BusinessYear, error)

	// ListBusinessYears returns every year of a business ordered by Year ascending.
	ListBusinessYears(ctx context.Context, businessID BusinessID) ([]BusinessYear, error)

	// SaveLock writes the lock flag and snapshot for a year.
	SaveLock(ctx context.Context, id BusinessYearID, locked bool, snapshot LockedQRE) error
}

// =============================================================================
// ALLOCATION STORE - Raw QRE source records
// =============================================================================

type AllocationStore interface {
	EmployeeAllocations(ctx context.Context, id BusinessYearID) ([]EmployeeAllocation, error)
	ContractorAllocations(ctx context.Context, id BusinessYearID) ([]ContractorAllocation, error)
	SupplyAllocations(ctx context.Context, id BusinessYearID) ([]SupplyAllocation, error)
}

// =============================================================================
// OVERRIDE STORE
// =============================================================================

type OverrideStore interface {
	// ListOverrides returns all overrides of a client for one tax year.
	ListOverrides(ctx context.Context, clientID ClientID, year int) ([]Override, error)

	// UpsertOverride inserts or replaces the override with the same key.
	UpsertOverride(ctx context.Context, o Override) error

	DeleteOverride(ctx context.Context, key OverrideKey) error

	// DeleteSectionOverrides removes every override of one section.
	DeleteSectionOverrides(ctx context.Context, clientID ClientID, year int, section SectionID) error
}

// =============================================================================
// RESULT STORE - Saved calculation snapshots
// =============================================================================

// CalculationRecord is a serialized CalculationResult. The payload is
// opaque to the store.
type CalculationRecord struct {
	ID             string
	BusinessYearID BusinessYearID
	TotalCredits   decimal.Decimal
	Payload        []byte
	CreatedAt      time.Time
}

type ResultStore interface {
	SaveCalculation(ctx context.Context, rec CalculationRecord) error

	// LatestCalculation returns the most recent record or nil.
	LatestCalculation(ctx context.Context, id BusinessYearID) (*CalculationRecord, error)
}

/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the credit engine reads and writes
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.BusinessYearStore: Businesses, years, lock snapshots
  generic.AllocationStore:   Employee / contractor / supply QRE rows
  generic.OverrideStore:     Manual ledger line overrides
  generic.ResultStore:       Saved calculation snapshots

KEY TABLES:
  businesses:             Client businesses (entity type, domicile state)
  business_years:         One row per tax year, with the QRE lock snapshot
  employee_allocations:   Wage rows with applied research percentage
  contractor_allocations: Contractor payment rows
  supply_allocations:     Supply cost rows
  overrides:              Line overrides, unique per client/year/section/line
  calculations:           JSON snapshots of saved results

DECIMALS:
  Every amount and rate is stored as TEXT and round-trips through
  decimal.Decimal's Scanner/Valuer. Never REAL: rates like 0.0248 must not
  pick up binary float noise.

INDEXES:
  - idx_business_years_business: History lookup (hot path)
  - idx_overrides_key: Enforces one override per line
  - idx_calculations_year: Latest saved result

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rdcredit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(engine.Deps{Years: store, Records: store, Overrides: store, Results: store, ...})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - api/scenarios.go: Seeds demo data through the Save* methods
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ generic.BusinessYearStore = (*Store)(nil)
	_ generic.AllocationStore   = (*Store)(nil)
	_ generic.OverrideStore     = (*Store)(nil)
	_ generic.ResultStore       = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to ":memory:" would be its own database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS businesses (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		name TEXT NOT NULL,
		domicile_state TEXT,
		entity_type TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_businesses_client
		ON businesses(client_id);

	-- Lock columns are only meaningful while qre_locked = 1.
	CREATE TABLE IF NOT EXISTS business_years (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
		year INTEGER NOT NULL,
		gross_receipts TEXT NOT NULL DEFAULT '0',
		total_qre TEXT NOT NULL DEFAULT '0',
		qre_locked INTEGER NOT NULL DEFAULT 0,
		locked_employee_qre TEXT NOT NULL DEFAULT '0',
		locked_contractor_qre TEXT NOT NULL DEFAULT '0',
		locked_supply_qre TEXT NOT NULL DEFAULT '0',
		locked_contract_research_qre TEXT NOT NULL DEFAULT '0',
		locked_at TEXT,
		locked_by TEXT,
		UNIQUE(business_id, year)
	);

	CREATE INDEX IF NOT EXISTS idx_business_years_business
		ON business_years(business_id, year);

	CREATE TABLE IF NOT EXISTS employee_allocations (
		id TEXT PRIMARY KEY,
		business_year_id TEXT NOT NULL REFERENCES business_years(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		calculated_qre TEXT,
		wage TEXT NOT NULL DEFAULT '0',
		applied_percent TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS contractor_allocations (
		id TEXT PRIMARY KEY,
		business_year_id TEXT NOT NULL REFERENCES business_years(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		calculated_qre TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		applied_percent TEXT NOT NULL DEFAULT '0',
		contract_research INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS supply_allocations (
		id TEXT PRIMARY KEY,
		business_year_id TEXT NOT NULL REFERENCES business_years(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		amount_applied TEXT,
		supply_cost TEXT NOT NULL DEFAULT '0',
		applied_percent TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_employee_allocations_year
		ON employee_allocations(business_year_id);
	CREATE INDEX IF NOT EXISTS idx_contractor_allocations_year
		ON contractor_allocations(business_year_id);
	CREATE INDEX IF NOT EXISTS idx_supply_allocations_year
		ON supply_allocations(business_year_id);

	CREATE TABLE IF NOT EXISTS overrides (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		business_year INTEGER NOT NULL,
		section TEXT NOT NULL,
		line_number INTEGER NOT NULL,
		value TEXT NOT NULL,
		last_modified_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_overrides_key
		ON overrides(client_id, business_year, section, line_number);

	CREATE TABLE IF NOT EXISTS calculations (
		id TEXT PRIMARY KEY,
		business_year_id TEXT NOT NULL,
		total_credits TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calculations_year
		ON calculations(business_year_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BUSINESS YEAR STORE (generic.BusinessYearStore interface)
// =============================================================================

// SaveBusiness inserts or updates a business.
func (s *Store) SaveBusiness(ctx context.Context, b generic.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO businesses (id, client_id, name, domicile_state, entity_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			name = excluded.name,
			domicile_state = excluded.domicile_state,
			entity_type = excluded.entity_type
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.ClientID, b.Name,
		nullString(b.DomicileState), nullString(string(b.EntityType)),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save business: %w", err)
	}
	return nil
}

// GetBusiness retrieves a business by ID.
func (s *Store) GetBusiness(ctx context.Context, id generic.BusinessID) (*generic.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		b      generic.Business
		state  sql.NullString
		entity sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, client_id, name, domicile_state, entity_type FROM businesses WHERE id = ?",
		id,
	).Scan(&b.ID, &b.ClientID, &b.Name, &state, &entity)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business: %w", err)
	}

	b.DomicileState = state.String
	b.EntityType = generic.EntityType(entity.String)
	return &b, nil
}

// ListBusinesses returns all businesses ordered by name.
func (s *Store) ListBusinesses(ctx context.Context) ([]generic.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, client_id, name, domicile_state, entity_type FROM businesses ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}
	defer rows.Close()

	var out []generic.Business
	for rows.Next() {
		var (
			b      generic.Business
			state  sql.NullString
			entity sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ClientID, &b.Name, &state, &entity); err != nil {
			return nil, fmt.Errorf("failed to scan business: %w", err)
		}
		b.DomicileState = state.String
		b.EntityType = generic.EntityType(entity.String)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveBusinessYear inserts or updates a year, including its lock columns.
func (s *Store) SaveBusinessYear(ctx context.Context, y generic.BusinessYear) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO business_years
		(id, business_id, year, gross_receipts, total_qre, qre_locked,
		 locked_employee_qre, locked_contractor_qre, locked_supply_qre,
		 locked_contract_research_qre, locked_at, locked_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			business_id = excluded.business_id,
			year = excluded.year,
			gross_receipts = excluded.gross_receipts,
			total_qre = excluded.total_qre,
			qre_locked = excluded.qre_locked,
			locked_employee_qre = excluded.locked_employee_qre,
			locked_contractor_qre = excluded.locked_contractor_qre,
			locked_supply_qre = excluded.locked_supply_qre,
			locked_contract_research_qre = excluded.locked_contract_research_qre,
			locked_at = excluded.locked_at,
			locked_by = excluded.locked_by
	`

	_, err := s.db.ExecContext(ctx, query,
		y.ID, y.BusinessID, y.Year, y.GrossReceipts, y.TotalQRE, y.QRELocked,
		y.Lock.EmployeeQRE, y.Lock.ContractorQRE, y.Lock.SupplyQRE,
		y.Lock.ContractResearchQRE, nullTime(y.Lock.LockedAt), nullString(y.Lock.LockedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save business year: %w", err)
	}
	return nil
}

const businessYearColumns = `
	id, business_id, year, gross_receipts, total_qre, qre_locked,
	locked_employee_qre, locked_contractor_qre, locked_supply_qre,
	locked_contract_research_qre, locked_at, locked_by`

// GetBusinessYear retrieves a business year by ID.
func (s *Store) GetBusinessYear(ctx context.Context, id generic.BusinessYearID) (*generic.BusinessYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT"+businessYearColumns+" FROM business_years WHERE id = ?", id)
	y, err := scanBusinessYear(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business year: %w", err)
	}
	return &y, nil
}

// ListBusinessYears returns every year of a business ordered by year.
func (s *Store) ListBusinessYears(ctx context.Context, businessID generic.BusinessID) ([]generic.BusinessYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT"+businessYearColumns+" FROM business_years WHERE business_id = ? ORDER BY year ASC",
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list business years: %w", err)
	}
	defer rows.Close()

	var out []generic.BusinessYear
	for rows.Next() {
		y, err := scanBusinessYear(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan business year: %w", err)
		}
		out = append(out, y)
	}
	return out, rows.Err()
}

// SaveLock writes the lock flag and snapshot for a year. Unlocking keeps
// the snapshot columns; they are ignored while qre_locked = 0.
func (s *Store) SaveLock(ctx context.Context, id generic.BusinessYearID, locked bool, snap generic.LockedQRE) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if locked {
		res, err = s.db.ExecContext(ctx, `
			UPDATE business_years SET
				qre_locked = 1,
				locked_employee_qre = ?,
				locked_contractor_qre = ?,
				locked_supply_qre = ?,
				locked_contract_research_qre = ?,
				locked_at = ?,
				locked_by = ?
			WHERE id = ?`,
			snap.EmployeeQRE, snap.ContractorQRE, snap.SupplyQRE, snap.ContractResearchQRE,
			nullTime(snap.LockedAt), nullString(snap.LockedBy), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx, "UPDATE business_years SET qre_locked = 0 WHERE id = ?", id)
	}
	if err != nil {
		return fmt.Errorf("failed to save lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, generic.ErrBusinessYearNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBusinessYear(row scanner) (generic.BusinessYear, error) {
	var (
		y        generic.BusinessYear
		lockedAt sql.NullString
		lockedBy sql.NullString
	)
	err := row.Scan(
		&y.ID, &y.BusinessID, &y.Year, &y.GrossReceipts, &y.TotalQRE, &y.QRELocked,
		&y.Lock.EmployeeQRE, &y.Lock.ContractorQRE, &y.Lock.SupplyQRE,
		&y.Lock.ContractResearchQRE, &lockedAt, &lockedBy,
	)
	if err != nil {
		return y, err
	}
	y.Lock.LockedAt = parseTime(lockedAt.String)
	y.Lock.LockedBy = lockedBy.String
	return y, nil
}

// =============================================================================
// ALLOCATION STORE (generic.AllocationStore interface)
// =============================================================================

// SaveEmployeeAllocation inserts or updates an employee row. An empty ID
// gets a fresh uuid.
func (s *Store) SaveEmployeeAllocation(ctx context.Context, a generic.EmployeeAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employee_allocations (id, business_year_id, name, calculated_qre, wage, applied_percent)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			calculated_qre = excluded.calculated_qre,
			wage = excluded.wage,
			applied_percent = excluded.applied_percent`,
		idOrNew(a.ID), a.BusinessYearID, a.Name, a.CalculatedQRE, a.Wage, a.AppliedPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to save employee allocation: %w", err)
	}
	return nil
}

// SaveContractorAllocation inserts or updates a contractor row.
func (s *Store) SaveContractorAllocation(ctx context.Context, a generic.ContractorAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contractor_allocations
		(id, business_year_id, name, calculated_qre, amount, applied_percent, contract_research)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			calculated_qre = excluded.calculated_qre,
			amount = excluded.amount,
			applied_percent = excluded.applied_percent,
			contract_research = excluded.contract_research`,
		idOrNew(a.ID), a.BusinessYearID, a.Name, a.CalculatedQRE, a.Amount, a.AppliedPercent, a.ContractResearch,
	)
	if err != nil {
		return fmt.Errorf("failed to save contractor allocation: %w", err)
	}
	return nil
}

// SaveSupplyAllocation inserts or updates a supply row.
func (s *Store) SaveSupplyAllocation(ctx context.Context, a generic.SupplyAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supply_allocations (id, business_year_id, name, amount_applied, supply_cost, applied_percent)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			amount_applied = excluded.amount_applied,
			supply_cost = excluded.supply_cost,
			applied_percent = excluded.applied_percent`,
		idOrNew(a.ID), a.BusinessYearID, a.Name, a.AmountApplied, a.SupplyCost, a.AppliedPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to save supply allocation: %w", err)
	}
	return nil
}

// EmployeeAllocations returns a year's employee rows ordered by name.
func (s *Store) EmployeeAllocations(ctx context.Context, id generic.BusinessYearID) ([]generic.EmployeeAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_year_id, name, calculated_qre, wage, applied_percent
		FROM employee_allocations WHERE business_year_id = ? ORDER BY name, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query employee allocations: %w", err)
	}
	defer rows.Close()

	var out []generic.EmployeeAllocation
	for rows.Next() {
		var a generic.EmployeeAllocation
		if err := rows.Scan(&a.ID, &a.BusinessYearID, &a.Name, &a.CalculatedQRE, &a.Wage, &a.AppliedPercent); err != nil {
			return nil, fmt.Errorf("failed to scan employee allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ContractorAllocations returns a year's contractor rows ordered by name.
func (s *Store) ContractorAllocations(ctx context.Context, id generic.BusinessYearID) ([]generic.ContractorAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_year_id, name, calculated_qre, amount, applied_percent, contract_research
		FROM contractor_allocations WHERE business_year_id = ? ORDER BY name, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query contractor allocations: %w", err)
	}
	defer rows.Close()

	var out []generic.ContractorAllocation
	for rows.Next() {
		var a generic.ContractorAllocation
		if err := rows.Scan(&a.ID, &a.BusinessYearID, &a.Name, &a.CalculatedQRE, &a.Amount, &a.AppliedPercent, &a.ContractResearch); err != nil {
			return nil, fmt.Errorf("failed to scan contractor allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SupplyAllocations returns a year's supply rows ordered by name.
func (s *Store) SupplyAllocations(ctx context.Context, id generic.BusinessYearID) ([]generic.SupplyAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_year_id, name, amount_applied, supply_cost, applied_percent
		FROM supply_allocations WHERE business_year_id = ? ORDER BY name, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query supply allocations: %w", err)
	}
	defer rows.Close()

	var out []generic.SupplyAllocation
	for rows.Next() {
		var a generic.SupplyAllocation
		if err := rows.Scan(&a.ID, &a.BusinessYearID, &a.Name, &a.AmountApplied, &a.SupplyCost, &a.AppliedPercent); err != nil {
			return nil, fmt.Errorf("failed to scan supply allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// OVERRIDE STORE (generic.OverrideStore interface)
// =============================================================================

// ListOverrides returns all overrides of a client for one tax year.
func (s *Store) ListOverrides(ctx context.Context, clientID generic.ClientID, year int) ([]generic.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, business_year, section, line_number, value, last_modified_by, updated_at
		FROM overrides
		WHERE client_id = ? AND business_year = ?
		ORDER BY section, line_number`, clientID, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []generic.Override
	for rows.Next() {
		var (
			o         generic.Override
			modBy     sql.NullString
			updatedAt string
		)
		err := rows.Scan(&o.ID, &o.Key.ClientID, &o.Key.BusinessYear, &o.Key.Section,
			&o.Key.LineNumber, &o.Value, &modBy, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.LastModifiedBy = modBy.String
		o.UpdatedAt = parseTime(updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertOverride inserts or replaces the override with the same key.
// The row keeps its original id on replace.
func (s *Store) UpsertOverride(ctx context.Context, o generic.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedAt := o.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides
		(id, client_id, business_year, section, line_number, value, last_modified_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, business_year, section, line_number) DO UPDATE SET
			value = excluded.value,
			last_modified_by = excluded.last_modified_by,
			updated_at = excluded.updated_at`,
		idOrNew(o.ID), o.Key.ClientID, o.Key.BusinessYear, o.Key.Section, o.Key.LineNumber,
		o.Value, nullString(o.LastModifiedBy), formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert override: %w", err)
	}
	return nil
}

// DeleteOverride removes one override. Deleting a missing key is a no-op.
func (s *Store) DeleteOverride(ctx context.Context, key generic.OverrideKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM overrides
		WHERE client_id = ? AND business_year = ? AND section = ? AND line_number = ?`,
		key.ClientID, key.BusinessYear, key.Section, key.LineNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	return nil
}

// DeleteSectionOverrides removes every override of one section.
func (s *Store) DeleteSectionOverrides(ctx context.Context, clientID generic.ClientID, year int, section generic.SectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM overrides WHERE client_id = ? AND business_year = ? AND section = ?",
		clientID, year, section,
	)
	if err != nil {
		return fmt.Errorf("failed to delete section overrides: %w", err)
	}
	return nil
}

// =============================================================================
// RESULT STORE (generic.ResultStore interface)
// =============================================================================

// SaveCalculation appends a saved result. Records are never updated.
func (s *Store) SaveCalculation(ctx context.Context, rec generic.CalculationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calculations (id, business_year_id, total_credits, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		idOrNew(rec.ID), rec.BusinessYearID, rec.TotalCredits, rec.Payload, formatTime(createdAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("calculation %s already saved: %w", rec.ID, err)
		}
		return fmt.Errorf("failed to save calculation: %w", err)
	}
	return nil
}

// LatestCalculation returns the most recent saved result, or nil.
func (s *Store) LatestCalculation(ctx context.Context, id generic.BusinessYearID) (*generic.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec       generic.CalculationRecord
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_year_id, total_credits, payload, created_at
		FROM calculations
		WHERE business_year_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, id,
	).Scan(&rec.ID, &rec.BusinessYearID, &rec.TotalCredits, &rec.Payload, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest calculation: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children first; foreign keys are enforced.
	tables := []string{
		"calculations", "overrides",
		"employee_allocations", "contractor_allocations", "supply_allocations",
		"business_years", "businesses",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(formatTime(t))
}

// timeLayout has fixed-width fractions so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

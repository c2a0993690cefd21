// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every generic store interface.
// FailWrites makes override and lock writes fail, for rollback tests.
type Memory struct {
	mu          sync.RWMutex
	businesses  map[generic.BusinessID]generic.Business
	years       map[generic.BusinessYearID]generic.BusinessYear
	employees   map[generic.BusinessYearID][]generic.EmployeeAllocation
	contractors map[generic.BusinessYearID][]generic.ContractorAllocation
	supplies    map[generic.BusinessYearID][]generic.SupplyAllocation
	overrides   map[generic.OverrideKey]generic.Override
	results     map[generic.BusinessYearID][]generic.CalculationRecord

	writeErr error
}

func NewMemory() *Memory {
	return &Memory{
		businesses:  make(map[generic.BusinessID]generic.Business),
		years:       make(map[generic.BusinessYearID]generic.BusinessYear),
		employees:   make(map[generic.BusinessYearID][]generic.EmployeeAllocation),
		contractors: make(map[generic.BusinessYearID][]generic.ContractorAllocation),
		supplies:    make(map[generic.BusinessYearID][]generic.SupplyAllocation),
		overrides:   make(map[generic.OverrideKey]generic.Override),
		results:     make(map[generic.BusinessYearID][]generic.CalculationRecord),
	}
}

// FailWrites makes subsequent override and lock writes return err.
// Pass nil to restore normal behaviour.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutBusiness(b generic.Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.businesses[b.ID] = b
}

func (m *Memory) PutBusinessYear(y generic.BusinessYear) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.years[y.ID] = y
}

func (m *Memory) AddEmployee(a generic.EmployeeAllocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[a.BusinessYearID] = append(m.employees[a.BusinessYearID], a)
}

// ReplaceEmployees swaps the employee rows of a year.
func (m *Memory) ReplaceEmployees(id generic.BusinessYearID, rows []generic.EmployeeAllocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[id] = append([]generic.EmployeeAllocation(nil), rows...)
}

func (m *Memory) AddContractor(a generic.ContractorAllocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contractors[a.BusinessYearID] = append(m.contractors[a.BusinessYearID], a)
}

func (m *Memory) AddSupply(a generic.SupplyAllocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supplies[a.BusinessYearID] = append(m.supplies[a.BusinessYearID], a)
}

// =============================================================================
// BUSINESS YEAR STORE
// =============================================================================

func (m *Memory) GetBusiness(_ context.Context, id generic.BusinessID) (*generic.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.businesses[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) GetBusinessYear(_ context.Context, id generic.BusinessYearID) (*generic.BusinessYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	y, ok := m.years[id]
	if !ok {
		return nil, nil
	}
	return &y, nil
}

func (m *Memory) ListBusinessYears(_ context.Context, businessID generic.BusinessID) ([]generic.BusinessYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.BusinessYear
	for _, y := range m.years {
		if y.BusinessID == businessID {
			out = append(out, y)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

func (m *Memory) SaveLock(_ context.Context, id generic.BusinessYearID, locked bool, snapshot generic.LockedQRE) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	y, ok := m.years[id]
	if !ok {
		return generic.ErrBusinessYearNotFound
	}
	y.QRELocked = locked
	y.Lock = snapshot
	m.years[id] = y
	return nil
}

// =============================================================================
// ALLOCATION STORE
// =============================================================================

func (m *Memory) EmployeeAllocations(_ context.Context, id generic.BusinessYearID) ([]generic.EmployeeAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.EmployeeAllocation(nil), m.employees[id]...), nil
}

func (m *Memory) ContractorAllocations(_ context.Context, id generic.BusinessYearID) ([]generic.ContractorAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.ContractorAllocation(nil), m.contractors[id]...), nil
}

func (m *Memory) SupplyAllocations(_ context.Context, id generic.BusinessYearID) ([]generic.SupplyAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.SupplyAllocation(nil), m.supplies[id]...), nil
}

// =============================================================================
// OVERRIDE STORE
// =============================================================================

func (m *Memory) ListOverrides(_ context.Context, clientID generic.ClientID, year int) ([]generic.Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Override
	for k, o := range m.overrides {
		if k.ClientID == clientID && k.BusinessYear == year {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Section != out[j].Key.Section {
			return out[i].Key.Section < out[j].Key.Section
		}
		return out[i].Key.LineNumber < out[j].Key.LineNumber
	})
	return out, nil
}

func (m *Memory) UpsertOverride(_ context.Context, o generic.Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.overrides[o.Key] = o
	return nil
}

func (m *Memory) DeleteOverride(_ context.Context, key generic.OverrideKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	delete(m.overrides, key)
	return nil
}

func (m *Memory) DeleteSectionOverrides(_ context.Context, clientID generic.ClientID, year int, section generic.SectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for k := range m.overrides {
		if k.ClientID == clientID && k.BusinessYear == year && k.Section == section {
			delete(m.overrides, k)
		}
	}
	return nil
}

// =============================================================================
// RESULT STORE
// =============================================================================

func (m *Memory) SaveCalculation(_ context.Context, rec generic.CalculationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.results[rec.BusinessYearID] = append(m.results[rec.BusinessYearID], rec)
	return nil
}

func (m *Memory) LatestCalculation(_ context.Context, id generic.BusinessYearID) (*generic.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.results[id]
	if len(recs) == 0 {
		return nil, nil
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

/*
ledger.go - Line ledger and override engine

PURPOSE:
  A Ledger models a tax-form-like grid: ordered sections, each holding
  numbered lines. Every line has a formula. Non-editable lines are always
  computed; editable lines compute a system default that a persisted
  Override may replace. When a value changes, every line that reads it
  (directly or transitively) is recomputed in dependency order.

CRITICAL INVARIANTS:
  1. EFFECTIVE VALUE: override.Value if an override exists, else the
     computed value. Nothing else is ever read.
  2. ACYCLIC: a line may only read earlier lines of its own section or
     lines of earlier sections. NewLedger rejects anything else.
  3. ROLLBACK: a failed override write leaves the ledger exactly as it
     was before the call.
  4. IDEMPOTENT RESET: set-then-reset yields the same computed values.

RECOMPUTE ORDER:
  Sections are ordered as given to NewLedger and lines ascend within a
  section. Because every edge points backwards in that order, sorting the
  dirty set by (section index, line number) is a topological order.

ELECTIONS:
  Inputs such as "use280C" are treated like lines with no section: a
  formula that reads one (directly or in a conditional) is recomputed when
  SetInput changes it, followed by its dependents.

EXAMPLE FLOW:
  l, _ := NewLedger(scope, store, federal.Sections(federal.MethodStandard)...)
  l.SetInputs(inputs)
  l.Load(ctx)                                         // persisted overrides
  l.SetOverride(ctx, "A", 6, MustParseDecimal("0.05"), "preparer@firm")
  l.SetInput("use280C", decimal.NewFromInt(1))        // line 13 recomputes
  l.ResetOverride(ctx, "A", 6)

SEE ALSO:
  - formula.go: Formula kinds and interpreter
  - store.go: OverrideStore
  - federal/form6765.go, state/proforma.go: Section definitions
*/
package generic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SECTION / LINE DEFINITIONS
// =============================================================================

// LineSpec defines one line of a section.
type LineSpec struct {
	Number   int
	Display  string // printed line label when it differs from Number ("17b")
	Label    string
	Unit     Unit
	Editable bool
	Locked   bool
	Formula  Formula

	// Override bounds. Ratios default to [0, 1]; dollars and counts
	// default to non-negative unless AllowNegative is set.
	Min           decimal.NullDecimal
	Max           decimal.NullDecimal
	AllowNegative bool
}

type SectionSpec struct {
	ID    SectionID
	Title string
	Lines []LineSpec
}

// CalculationLine is the rendered state of a line.
type CalculationLine struct {
	LineNumber      int
	Display         string
	Section         SectionID
	Label           string
	Unit            Unit
	Value           Amount
	CalculatedValue Amount
	IsEditable      bool
	IsLocked        bool
	Overridden      bool
	DependsOn       []LineRef
	Formula         Formula
	LastModifiedBy  string
	UpdatedAt       time.Time
}

// SectionView is a rendered section.
type SectionView struct {
	ID    SectionID
	Title string
	Lines []CalculationLine
}

// LedgerScope identifies whose overrides a ledger reads and writes.
type LedgerScope struct {
	ClientID ClientID
	Year     int
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerOption func(*Ledger)

// WithClock replaces time.Now for override timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

type Ledger struct {
	scope  LedgerScope
	store  OverrideStore
	now    func() time.Time
	logger *slog.Logger

	sections []SectionSpec
	order    map[SectionID]int
	specs    map[LineRef]LineSpec

	inputs     map[string]decimal.Decimal
	calculated map[LineRef]decimal.Decimal
	overrides  map[LineRef]Override

	dependents   map[LineRef][]LineRef
	inputReaders map[string][]LineRef
}

// NewLedger validates the section definitions and computes every line with
// empty inputs. store may be nil for a purely in-memory ledger.
func NewLedger(scope LedgerScope, store OverrideStore, sections []SectionSpec, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		scope:        scope,
		store:        store,
		now:          time.Now,
		logger:       slog.Default(),
		order:        make(map[SectionID]int, len(sections)),
		specs:        make(map[LineRef]LineSpec),
		inputs:       make(map[string]decimal.Decimal),
		calculated:   make(map[LineRef]decimal.Decimal),
		overrides:    make(map[LineRef]Override),
		dependents:   make(map[LineRef][]LineRef),
		inputReaders: make(map[string][]LineRef),
	}
	for _, opt := range opts {
		opt(l)
	}

	for i, sec := range sections {
		if _, dup := l.order[sec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate section %s", ErrInvalidLedger, sec.ID)
		}
		lines := append([]LineSpec(nil), sec.Lines...)
		sort.Slice(lines, func(a, b int) bool { return lines[a].Number < lines[b].Number })
		sec.Lines = lines
		l.order[sec.ID] = i
		l.sections = append(l.sections, sec)

		for _, spec := range lines {
			ref := LineRef{Section: sec.ID, Line: spec.Number}
			if _, dup := l.specs[ref]; dup {
				return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidLedger, ref)
			}
			if spec.Unit == "" {
				spec.Unit = UnitUSD
			}
			l.specs[ref] = spec
		}
	}

	// Edges are checked after every line is known so that forward
	// references are reported as ordering errors, not as missing lines.
	for _, sec := range l.sections {
		for _, spec := range sec.Lines {
			ref := LineRef{Section: sec.ID, Line: spec.Number}
			for _, dep := range spec.Formula.Dependencies(sec.ID) {
				if err := l.checkEdge(ref, dep); err != nil {
					return nil, err
				}
				l.dependents[dep] = append(l.dependents[dep], ref)
			}
			for _, key := range spec.Formula.Inputs() {
				l.inputReaders[key] = append(l.inputReaders[key], ref)
			}
		}
	}

	l.ComputeAll()
	return l, nil
}

func (l *Ledger) checkEdge(from, dep LineRef) error {
	if _, ok := l.specs[dep]; !ok {
		return fmt.Errorf("%w: %s reads unknown %s", ErrInvalidLedger, from, dep)
	}
	fi, di := l.order[from.Section], l.order[dep.Section]
	if di > fi || (di == fi && dep.Line >= from.Line) {
		return fmt.Errorf("%w: %s reads %s which is not earlier", ErrInvalidLedger, from, dep)
	}
	return nil
}

// Scope returns the client/year the ledger is bound to.
func (l *Ledger) Scope() LedgerScope { return l.scope }

// =============================================================================
// RESOLVER
// =============================================================================

func (l *Ledger) LineValue(ref LineRef) decimal.Decimal {
	if o, ok := l.overrides[ref]; ok {
		return o.Value
	}
	return l.calculated[ref]
}

func (l *Ledger) InputValue(key string) decimal.Decimal {
	return l.inputs[key]
}

// =============================================================================
// COMPUTATION
// =============================================================================

// ComputeAll evaluates every section in order.
func (l *Ledger) ComputeAll() {
	for _, sec := range l.sections {
		l.computeSection(sec)
	}
}

// ComputeSection evaluates one section in ascending line order against the
// current inputs and effective values of earlier sections.
func (l *Ledger) ComputeSection(id SectionID) error {
	i, ok := l.order[id]
	if !ok {
		return fmt.Errorf("section %s: %w", id, ErrLineNotFound)
	}
	l.computeSection(l.sections[i])
	return nil
}

func (l *Ledger) computeSection(sec SectionSpec) {
	for _, spec := range sec.Lines {
		ref := LineRef{Section: sec.ID, Line: spec.Number}
		l.calculated[ref] = spec.Formula.Eval(sec.ID, l)
	}
}

// recompute evaluates the seed lines (when evalSeeds is set) and every line
// that transitively depends on a seed, in dependency order. It returns the
// lines it evaluated.
func (l *Ledger) recompute(seeds []LineRef, evalSeeds bool) []LineRef {
	dirty := make(map[LineRef]bool)
	queue := append([]LineRef(nil), seeds...)
	if evalSeeds {
		for _, s := range seeds {
			dirty[s] = true
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range l.dependents[cur] {
			if !dirty[dep] {
				dirty[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	ordered := make([]LineRef, 0, len(dirty))
	for ref := range dirty {
		ordered = append(ordered, ref)
	}
	sort.Slice(ordered, func(a, b int) bool {
		sa, sb := l.order[ordered[a].Section], l.order[ordered[b].Section]
		if sa != sb {
			return sa < sb
		}
		return ordered[a].Line < ordered[b].Line
	})

	for _, ref := range ordered {
		spec := l.specs[ref]
		l.calculated[ref] = spec.Formula.Eval(ref.Section, l)
	}
	return ordered
}

// recomputeDependents recalculates everything downstream of a changed line.
func (l *Ledger) recomputeDependents(ref LineRef) []LineRef {
	return l.recompute([]LineRef{ref}, false)
}

// SetInputs replaces all inputs and recomputes the whole ledger.
func (l *Ledger) SetInputs(inputs map[string]decimal.Decimal) {
	l.inputs = make(map[string]decimal.Decimal, len(inputs))
	for k, v := range inputs {
		l.inputs[k] = v
	}
	l.ComputeAll()
}

// SetInput changes one input and recomputes the lines that read it plus
// their dependents. Returns the recomputed lines.
func (l *Ledger) SetInput(key string, value decimal.Decimal) []LineRef {
	if cur, ok := l.inputs[key]; ok && cur.Equal(value) {
		return nil
	}
	l.inputs[key] = value
	return l.recompute(l.inputReaders[key], true)
}

// SetFlag is SetInput for 0/1 election flags.
func (l *Ledger) SetFlag(key string, on bool) []LineRef {
	v := decimal.Zero
	if on {
		v = decimal.NewFromInt(1)
	}
	return l.SetInput(key, v)
}

// =============================================================================
// OVERRIDES
// =============================================================================

// Load reads persisted overrides for the ledger's scope and recomputes.
// Overrides of sections this ledger does not carry belong to another ledger
// over the same scope and are ignored; overrides addressing lines that no
// longer exist are skipped with a warning.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	overrides, err := l.store.ListOverrides(ctx, l.scope.ClientID, l.scope.Year)
	if err != nil {
		return fmt.Errorf("failed to load overrides: %w", err)
	}
	l.overrides = make(map[LineRef]Override, len(overrides))
	for _, o := range overrides {
		if _, known := l.order[o.Key.Section]; !known {
			continue
		}
		ref := LineRef{Section: o.Key.Section, Line: o.Key.LineNumber}
		spec, ok := l.specs[ref]
		if !ok || !spec.Editable || spec.Locked {
			l.logger.Warn("ignoring override for non-editable line",
				"section", o.Key.Section, "line", o.Key.LineNumber)
			continue
		}
		l.overrides[ref] = o
	}
	l.ComputeAll()
	return nil
}

// SetOverride validates value, applies it locally, recomputes dependents and
// persists the override. On a store failure the previous state is restored
// and a PersistenceError is returned.
func (l *Ledger) SetOverride(ctx context.Context, section SectionID, line int, value decimal.Decimal, actor string) ([]LineRef, error) {
	ref := LineRef{Section: section, Line: line}
	spec, err := l.editableSpec(ref)
	if err != nil {
		return nil, err
	}
	if err := validateOverride(ref, spec, value); err != nil {
		return nil, err
	}

	prev, hadPrev := l.overrides[ref]
	o := Override{
		ID: uuid.NewString(),
		Key: OverrideKey{
			ClientID:     l.scope.ClientID,
			BusinessYear: l.scope.Year,
			Section:      section,
			LineNumber:   line,
		},
		Value:          value,
		LastModifiedBy: actor,
		UpdatedAt:      l.now().UTC(),
	}
	if hadPrev {
		o.ID = prev.ID
	}

	l.overrides[ref] = o
	changed := l.recomputeDependents(ref)

	if l.store != nil {
		if err := l.store.UpsertOverride(ctx, o); err != nil {
			if hadPrev {
				l.overrides[ref] = prev
			} else {
				delete(l.overrides, ref)
			}
			l.recomputeDependents(ref)
			l.logger.Warn("override rolled back", "section", section, "line", line, "error", err)
			return nil, &PersistenceError{Op: "save override", Err: err}
		}
	}

	l.logger.Debug("override set", "section", section, "line", line, "value", value.String(), "recomputed", len(changed))
	return changed, nil
}

// SetOverrideText parses raw user input before SetOverride. Surrounding
// blanks, a leading "$" and thousands separators are accepted.
func (l *Ledger) SetOverrideText(ctx context.Context, section SectionID, line int, raw string, actor string) ([]LineRef, error) {
	text := strings.TrimPrefix(strings.TrimSpace(raw), "$")
	value, err := decimal.NewFromString(strings.ReplaceAll(text, ",", ""))
	if err != nil {
		return nil, &InvalidOverrideError{Section: section, Line: line, Value: raw, Reason: "not a number"}
	}
	return l.SetOverride(ctx, section, line, value, actor)
}

// ResetOverride deletes one override and restores the computed chain.
// Resetting a line without an override is a no-op.
func (l *Ledger) ResetOverride(ctx context.Context, section SectionID, line int) ([]LineRef, error) {
	ref := LineRef{Section: section, Line: line}
	if _, ok := l.specs[ref]; !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrLineNotFound)
	}
	prev, ok := l.overrides[ref]
	if !ok {
		return nil, nil
	}

	delete(l.overrides, ref)
	changed := l.recomputeDependents(ref)

	if l.store != nil {
		if err := l.store.DeleteOverride(ctx, prev.Key); err != nil {
			l.overrides[ref] = prev
			l.recomputeDependents(ref)
			return nil, &PersistenceError{Op: "delete override", Err: err}
		}
	}
	return changed, nil
}

// ResetAllOverrides clears every override of a section.
func (l *Ledger) ResetAllOverrides(ctx context.Context, section SectionID) ([]LineRef, error) {
	if _, ok := l.order[section]; !ok {
		return nil, fmt.Errorf("section %s: %w", section, ErrLineNotFound)
	}

	removed := make(map[LineRef]Override)
	for ref, o := range l.overrides {
		if ref.Section == section {
			removed[ref] = o
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	seeds := make([]LineRef, 0, len(removed))
	for ref := range removed {
		delete(l.overrides, ref)
		seeds = append(seeds, ref)
	}
	changed := l.recompute(seeds, false)

	if l.store != nil {
		if err := l.store.DeleteSectionOverrides(ctx, l.scope.ClientID, l.scope.Year, section); err != nil {
			for ref, o := range removed {
				l.overrides[ref] = o
			}
			l.recompute(seeds, false)
			return nil, &PersistenceError{Op: "delete section overrides", Err: err}
		}
	}
	return changed, nil
}

func (l *Ledger) editableSpec(ref LineRef) (LineSpec, error) {
	spec, ok := l.specs[ref]
	if !ok {
		return LineSpec{}, fmt.Errorf("%s: %w", ref, ErrLineNotFound)
	}
	if !spec.Editable || spec.Locked {
		return LineSpec{}, fmt.Errorf("%s: %w", ref, ErrLineNotEditable)
	}
	return spec, nil
}

func validateOverride(ref LineRef, spec LineSpec, value decimal.Decimal) error {
	reject := func(reason string) error {
		return &InvalidOverrideError{Section: ref.Section, Line: ref.Line, Value: value.String(), Reason: reason}
	}

	lo, hi := spec.Min, spec.Max
	switch spec.Unit {
	case UnitRatio:
		if !lo.Valid {
			lo = decimal.NewNullDecimal(decimal.Zero)
		}
		if !hi.Valid {
			hi = decimal.NewNullDecimal(decimal.NewFromInt(1))
		}
	case UnitCount:
		if !value.Equal(value.Truncate(0)) {
			return reject("must be a whole number")
		}
	}
	if !spec.AllowNegative && value.IsNegative() {
		return reject("must not be negative")
	}
	if lo.Valid && value.LessThan(lo.Decimal) {
		return reject(fmt.Sprintf("must be at least %s", lo.Decimal))
	}
	if hi.Valid && value.GreaterThan(hi.Decimal) {
		return reject(fmt.Sprintf("must be at most %s", hi.Decimal))
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Value returns the effective value of a line.
func (l *Ledger) Value(section SectionID, line int) (decimal.Decimal, error) {
	ref := LineRef{Section: section, Line: line}
	if _, ok := l.specs[ref]; !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", ref, ErrLineNotFound)
	}
	return l.LineValue(ref), nil
}

// Line renders a single line.
func (l *Ledger) Line(section SectionID, line int) (CalculationLine, error) {
	ref := LineRef{Section: section, Line: line}
	spec, ok := l.specs[ref]
	if !ok {
		return CalculationLine{}, fmt.Errorf("%s: %w", ref, ErrLineNotFound)
	}
	return l.render(ref, spec), nil
}

// Section renders one section.
func (l *Ledger) Section(id SectionID) (SectionView, error) {
	i, ok := l.order[id]
	if !ok {
		return SectionView{}, fmt.Errorf("section %s: %w", id, ErrLineNotFound)
	}
	return l.renderSection(l.sections[i]), nil
}

func (l *Ledger) HasSection(id SectionID) bool {
	_, ok := l.order[id]
	return ok
}

// Sections renders every section in order.
func (l *Ledger) Sections() []SectionView {
	views := make([]SectionView, 0, len(l.sections))
	for _, sec := range l.sections {
		views = append(views, l.renderSection(sec))
	}
	return views
}

// Overrides returns the active overrides, ordered by section then line.
func (l *Ledger) Overrides() []Override {
	out := make([]Override, 0, len(l.overrides))
	for _, o := range l.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(a, b int) bool {
		sa, sb := l.order[out[a].Key.Section], l.order[out[b].Key.Section]
		if sa != sb {
			return sa < sb
		}
		return out[a].Key.LineNumber < out[b].Key.LineNumber
	})
	return out
}

func (l *Ledger) renderSection(sec SectionSpec) SectionView {
	view := SectionView{ID: sec.ID, Title: sec.Title, Lines: make([]CalculationLine, 0, len(sec.Lines))}
	for _, spec := range sec.Lines {
		ref := LineRef{Section: sec.ID, Line: spec.Number}
		view.Lines = append(view.Lines, l.render(ref, l.specs[ref]))
	}
	return view
}

func (l *Ledger) render(ref LineRef, spec LineSpec) CalculationLine {
	display := spec.Display
	if display == "" {
		display = fmt.Sprintf("%d", spec.Number)
	}
	cl := CalculationLine{
		LineNumber:      spec.Number,
		Display:         display,
		Section:         ref.Section,
		Label:           spec.Label,
		Unit:            spec.Unit,
		Value:           Amount{Value: l.LineValue(ref), Unit: spec.Unit},
		CalculatedValue: Amount{Value: l.calculated[ref], Unit: spec.Unit},
		IsEditable:      spec.Editable,
		IsLocked:        spec.Locked,
		DependsOn:       spec.Formula.Dependencies(ref.Section),
		Formula:         spec.Formula,
	}
	if o, ok := l.overrides[ref]; ok {
		cl.Overridden = true
		cl.LastModifiedBy = o.LastModifiedBy
		cl.UpdatedAt = o.UpdatedAt
	}
	return cl
}

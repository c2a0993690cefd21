package qre

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/generic"
)

// MaxHistoryYears bounds how far back LoadHistory reads.
const MaxHistoryYears = 10

// =============================================================================
// HISTORICAL LEDGER
// =============================================================================

type HistoricalRecord struct {
	Year          int
	QRE           decimal.Decimal
	GrossReceipts decimal.Decimal
}

// History is a read-only view of prior years, newest first.
type History struct {
	byYear map[int]HistoricalRecord
	years  []int
}

func NewHistory(records ...HistoricalRecord) History {
	h := History{byYear: make(map[int]HistoricalRecord, len(records))}
	for _, r := range records {
		if _, dup := h.byYear[r.Year]; !dup {
			h.years = append(h.years, r.Year)
		}
		h.byYear[r.Year] = r
	}
	sort.Sort(sort.Reverse(sort.IntSlice(h.years)))
	return h
}

// LoadHistory reads the business's years strictly before targetYear, keeping
// the MaxHistoryYears most recent.
func LoadHistory(ctx context.Context, years generic.BusinessYearStore, businessID generic.BusinessID, targetYear int) (History, error) {
	all, err := years.ListBusinessYears(ctx, businessID)
	if err != nil {
		return History{}, fmt.Errorf("failed to load business years: %w", err)
	}

	var records []HistoricalRecord
	for _, y := range all {
		if y.Year >= targetYear {
			continue
		}
		records = append(records, HistoricalRecord{
			Year:          y.Year,
			QRE:           HistoricalQRE(y).Total,
			GrossReceipts: generic.NonNegative(y.GrossReceipts),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Year > records[j].Year })
	if len(records) > MaxHistoryYears {
		records = records[:MaxHistoryYears]
	}
	return NewHistory(records...), nil
}

// Records returns every record, newest first.
func (h History) Records() []HistoricalRecord {
	out := make([]HistoricalRecord, 0, len(h.years))
	for _, y := range h.years {
		out = append(out, h.byYear[y])
	}
	return out
}

func (h History) Record(year int) (HistoricalRecord, bool) {
	r, ok := h.byYear[year]
	return r, ok
}

// Window returns the records that exist for target-1 … target-n, newest first.
func (h History) Window(target, n int) []HistoricalRecord {
	var out []HistoricalRecord
	for y := target - 1; y >= target-n; y-- {
		if r, ok := h.byYear[y]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Complete reports whether each of the n preceding years has a record with
// positive gross receipts.
func (h History) Complete(target, n int) bool {
	for y := target - 1; y >= target-n; y-- {
		r, ok := h.byYear[y]
		if !ok || !r.GrossReceipts.IsPositive() {
			return false
		}
	}
	return true
}

// AvgGrossReceipts averages gross receipts over the years of the window that
// exist. Zero when none do.
func (h History) AvgGrossReceipts(target, n int) decimal.Decimal {
	window := h.Window(target, n)
	if len(window) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, r := range window {
		sum = sum.Add(r.GrossReceipts)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}

// =============================================================================
// PRIOR QRE SCAN (ASC)
// =============================================================================

// GapPolicy decides how a backward scan treats years with no QRE.
type GapPolicy string

const (
	// GapStrict requires the immediately preceding years; the first missing
	// or zero year ends the scan.
	GapStrict GapPolicy = "strict"

	// GapTolerant skips missing or zero years and keeps scanning the loaded
	// history.
	GapTolerant GapPolicy = "tolerant"
)

func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(s) {
	case GapStrict, "":
		return GapStrict, nil
	case GapTolerant:
		return GapTolerant, nil
	}
	return "", fmt.Errorf("unknown gap policy %q", s)
}

// PriorQRE scans backward from target for up to n years with QRE > 0.
// Fewer than n results means the history does not qualify.
func (h History) PriorQRE(target, n int, policy GapPolicy) []HistoricalRecord {
	var out []HistoricalRecord
	if policy == GapTolerant {
		for _, y := range h.years {
			if len(out) == n {
				break
			}
			if y >= target {
				continue
			}
			if r := h.byYear[y]; r.QRE.IsPositive() {
				out = append(out, r)
			}
		}
		return out
	}

	for y := target - 1; y >= target-n; y-- {
		r, ok := h.byYear[y]
		if !ok || !r.QRE.IsPositive() {
			break
		}
		out = append(out, r)
	}
	return out
}

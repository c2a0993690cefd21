package qre

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// QRE LOCK
// =============================================================================

// Locker owns the lock flag of business years and is the only place that
// decides between the frozen and the live breakdown.
type Locker struct {
	Years      generic.BusinessYearStore
	Aggregator *Aggregator
	Now        func() time.Time
	Logger     *slog.Logger
}

func NewLocker(years generic.BusinessYearStore, agg *Aggregator, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{Years: years, Aggregator: agg, Now: time.Now, Logger: logger}
}

func (l *Locker) year(ctx context.Context, id generic.BusinessYearID) (*generic.BusinessYear, error) {
	y, err := l.Years.GetBusinessYear(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load business year: %w", err)
	}
	if y == nil {
		return nil, fmt.Errorf("%s: %w", id, generic.ErrBusinessYearNotFound)
	}
	return y, nil
}

// EffectiveBreakdown returns the frozen breakdown while the year is locked
// and the live aggregation otherwise.
func (l *Locker) EffectiveBreakdown(ctx context.Context, id generic.BusinessYearID) (generic.QREBreakdown, error) {
	y, err := l.year(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, err
	}
	return l.effective(ctx, *y)
}

func (l *Locker) effective(ctx context.Context, y generic.BusinessYear) (generic.QREBreakdown, error) {
	if y.QRELocked {
		return y.Lock.Breakdown(), nil
	}
	return l.Aggregator.Aggregate(ctx, y.ID)
}

// Lock snapshots the live aggregation into the year's frozen fields.
// Locking an already locked year refreshes the snapshot.
func (l *Locker) Lock(ctx context.Context, id generic.BusinessYearID, actor string) (generic.QREBreakdown, error) {
	y, err := l.year(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, err
	}
	live, err := l.Aggregator.Aggregate(ctx, id)
	if err != nil {
		return generic.QREBreakdown{}, err
	}
	// A snapshot only holds categories, so a year known only by its manual
	// total would freeze as zero and hide that total from later lookbacks.
	if live.IsZero() && y.TotalQRE.IsPositive() {
		return generic.QREBreakdown{}, fmt.Errorf("%s has a manual QRE total of %s: %w", id, y.TotalQRE, generic.ErrNothingToLock)
	}

	snap := generic.SnapshotOf(live, l.Now().UTC(), actor)
	if err := l.Years.SaveLock(ctx, id, true, snap); err != nil {
		return generic.QREBreakdown{}, &generic.PersistenceError{Op: "lock qre", Err: err}
	}

	l.Logger.Info("qre locked", "business_year_id", id, "total", snap.Breakdown().Total.String(), "by", actor)
	return snap.Breakdown(), nil
}

// Unlock clears the flag. The frozen amounts stay on the record for audit
// but are no longer read.
func (l *Locker) Unlock(ctx context.Context, id generic.BusinessYearID) error {
	y, err := l.year(ctx, id)
	if err != nil {
		return err
	}
	if err := l.Years.SaveLock(ctx, id, false, y.Lock); err != nil {
		return &generic.PersistenceError{Op: "unlock qre", Err: err}
	}
	l.Logger.Info("qre unlocked", "business_year_id", id)
	return nil
}

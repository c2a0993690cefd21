package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/credit-engine/generic"
)

var (
	calculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdcredit_calculations_total",
		Help: "Credit calculations by outcome.",
	}, []string{"outcome"})

	calculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdcredit_calculation_duration_seconds",
		Help:    "Wall time of one credit calculation.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	overridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdcredit_overrides_total",
		Help: "Ledger override operations by kind and outcome.",
	}, []string{"op", "outcome"})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case generic.IsNotFound(err):
		return "not_found"
	case errors.Is(err, generic.ErrPersistence):
		return "persistence_error"
	case generic.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}

func observeCalculation(start, end time.Time, err error) {
	calculationDuration.Observe(end.Sub(start).Seconds())
	calculationsTotal.WithLabelValues(outcome(err)).Inc()
}

func observeOverride(op string, err error) {
	overridesTotal.WithLabelValues(op, outcome(err)).Inc()
}

package canvas

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// placementAttempts counts placement attempts.
	// Labels: outcome (placed, insufficient_credits, frozen, rolling, conflict, ...)
	placementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "canvas",
		Name:      "placements_total",
		Help:      "Total placement attempts by outcome",
	}, []string{"outcome"})

	// undoAttempts counts undo attempts.
	// Labels: outcome
	undoAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "canvas",
		Name:      "undos_total",
		Help:      "Total undo attempts by outcome",
	}, []string{"outcome"})

	placementCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixelboard",
		Subsystem: "canvas",
		Name:      "placement_cost_credits",
		Help:      "Credits charged per successful placement",
		Buckets:   []float64{0, 10, 20, 50, 100, 200, 500, 1000, 2000},
	})

	casRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "canvas",
		Name:      "cas_retries_total",
		Help:      "Placements re-priced after a stale pixel sequence",
	})
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCoordinate), errors.Is(err, ErrInvalidColor), errors.Is(err, ErrInvalidUserID):
		return "invalid"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrBoardFrozen):
		return "frozen"
	case errors.Is(err, ErrCycleRolling):
		return "rolling"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrPriceChanged):
		return "price_changed"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	default:
		return "error"
	}
}

// Package pricing computes placement and undo costs. It performs no I/O.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// CurveKind selects how the base price grows with a user's placements in the cycle.
type CurveKind string

const (
	CurveFlat        CurveKind = "flat"
	CurveLinear      CurveKind = "linear"
	CurveExponential CurveKind = "exponential"
)

// ErrInvalidConfig indicates an unusable pricing configuration.
var ErrInvalidConfig = errors.New("pricing: invalid config")

// floatSlack absorbs binary rounding before ceil so 1.5*10 prices as 15, not 16.
const floatSlack = 1e-9

// Config holds every pricing parameter.
type Config struct {
	BasePrice       int64
	Curve           CurveKind
	GrowthStep      int64
	GrowthIncrement int64
	GrowthRate      float64
	PixelIncrement  int64
	PriceCap        int64

	// Once CapTriggerCount pixels of a cycle price at PriceCap on contention
	// alone, the cap drops to LowerPriceCap for the rest of the cycle.
	LowerPriceCap   int64
	CapTriggerCount int64

	// AdOverwriteDiscount is the fraction taken off when painting over an ad.
	AdOverwriteDiscount float64

	RepaintWindow     time.Duration
	RepaintMultiplier float64

	FreeIdleAfter             time.Duration
	FreeFinalWindow           time.Duration
	FreeMaxLifetimePlacements int64

	UndoWindow         time.Duration
	UndoBaseMultiplier float64
	UndoEscalationStep float64
	UndoLatePenalty    float64
	UndoMinCost        int64
	UndoCostCap        int64
	UndoRefundPercent  int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BasePrice:          10,
		Curve:              CurveLinear,
		GrowthStep:         50,
		GrowthIncrement:    1,
		GrowthRate:         1.1,
		PixelIncrement:     10,
		PriceCap:           2000,
		RepaintWindow:      60 * time.Second,
		RepaintMultiplier:  2.0,
		UndoWindow:         300 * time.Second,
		UndoBaseMultiplier: 1.5,
		UndoEscalationStep: 0.5,
		UndoLatePenalty:    0.25,
		UndoMinCost:        1,
		UndoCostCap:        500,
	}
}

// Policy prices placements and undos.
type Policy struct {
	config Config
}

// NewPolicy validates cfg.
func NewPolicy(cfg Config) (Policy, error) {
	switch {
	case cfg.BasePrice < 0:
		return Policy{}, fmt.Errorf("%w: base price %d", ErrInvalidConfig, cfg.BasePrice)
	case cfg.PriceCap <= 0:
		return Policy{}, fmt.Errorf("%w: price cap %d", ErrInvalidConfig, cfg.PriceCap)
	case cfg.PixelIncrement < 0:
		return Policy{}, fmt.Errorf("%w: pixel increment %d", ErrInvalidConfig, cfg.PixelIncrement)
	case cfg.CapTriggerCount < 0:
		return Policy{}, fmt.Errorf("%w: cap trigger count %d", ErrInvalidConfig, cfg.CapTriggerCount)
	case cfg.CapTriggerCount > 0 && (cfg.LowerPriceCap <= 0 || cfg.LowerPriceCap > cfg.PriceCap):
		return Policy{}, fmt.Errorf("%w: lower price cap %d outside (0,%d]", ErrInvalidConfig, cfg.LowerPriceCap, cfg.PriceCap)
	case cfg.AdOverwriteDiscount < 0 || cfg.AdOverwriteDiscount >= 1:
		return Policy{}, fmt.Errorf("%w: ad overwrite discount %v", ErrInvalidConfig, cfg.AdOverwriteDiscount)
	case cfg.RepaintMultiplier < 1:
		return Policy{}, fmt.Errorf("%w: repaint multiplier %v", ErrInvalidConfig, cfg.RepaintMultiplier)
	case cfg.UndoWindow <= 0:
		return Policy{}, fmt.Errorf("%w: undo window %s", ErrInvalidConfig, cfg.UndoWindow)
	case cfg.UndoBaseMultiplier < 0 || cfg.UndoEscalationStep < 0 || cfg.UndoLatePenalty < 0:
		return Policy{}, fmt.Errorf("%w: undo multipliers must be non-negative", ErrInvalidConfig)
	case cfg.UndoMinCost < 0 || cfg.UndoCostCap < cfg.UndoMinCost:
		return Policy{}, fmt.Errorf("%w: undo cost bounds [%d,%d]", ErrInvalidConfig, cfg.UndoMinCost, cfg.UndoCostCap)
	case cfg.UndoRefundPercent < 0 || cfg.UndoRefundPercent > 100:
		return Policy{}, fmt.Errorf("%w: undo refund percent %d", ErrInvalidConfig, cfg.UndoRefundPercent)
	}
	switch cfg.Curve {
	case CurveFlat:
	case CurveLinear:
		if cfg.GrowthStep <= 0 || cfg.GrowthIncrement < 0 {
			return Policy{}, fmt.Errorf("%w: linear curve step %d increment %d", ErrInvalidConfig, cfg.GrowthStep, cfg.GrowthIncrement)
		}
	case CurveExponential:
		if cfg.GrowthStep <= 0 || cfg.GrowthRate < 1 {
			return Policy{}, fmt.Errorf("%w: exponential curve step %d rate %v", ErrInvalidConfig, cfg.GrowthStep, cfg.GrowthRate)
		}
	default:
		return Policy{}, fmt.Errorf("%w: unknown curve %q", ErrInvalidConfig, cfg.Curve)
	}
	return Policy{config: cfg}, nil
}

// Config returns the configuration the policy was built with.
func (p Policy) Config() Config {
	return p.config
}

// UndoWindow is the span after placement during which an undo is allowed.
func (p Policy) UndoWindow() time.Duration {
	return p.config.UndoWindow
}

// CapSeq is the pixel sequence at which contention alone prices a pixel at
// PriceCap. ok is false when the dynamic cap is disabled.
func (p Policy) CapSeq() (seq int64, ok bool) {
	if p.config.CapTriggerCount == 0 || p.config.PixelIncrement == 0 {
		return 0, false
	}
	headroom := p.config.PriceCap - p.config.BasePrice
	if headroom <= 0 {
		return 1, true
	}
	return max((headroom+p.config.PixelIncrement-1)/p.config.PixelIncrement, 1), true
}

// PlacementInput carries the demand signals for a single placement.
type PlacementInput struct {
	UserCyclePlacements    int64
	UserLifetimePlacements int64
	PixelSeq               int64
	// SinceLastPaint and PixelIsAd are only consulted when PixelPainted is set.
	PixelPainted   bool
	PixelIsAd      bool
	SinceLastPaint time.Duration
	BoardIdle      time.Duration
	CycleRemaining time.Duration
	// PixelsAtCap counts the cycle's pixels whose seq has reached CapSeq.
	PixelsAtCap int64
}

// FreeReason explains why a placement was not charged.
type FreeReason string

const (
	FreeReasonNone      FreeReason = ""
	FreeReasonIdleBoard FreeReason = "idle-board"
	FreeReasonFinalHour FreeReason = "cycle-ending"
)

// Quote is the priced outcome of a placement.
type Quote struct {
	Cost       int64
	Free       bool
	FreeReason FreeReason
	Repaint    bool
	AdDiscount bool
	Capped     bool
	CapLowered bool
}

// Quote prices a placement.
func (p Policy) Quote(input PlacementInput) Quote {
	if reason := p.freeReason(input); reason != FreeReasonNone {
		return Quote{Cost: 0, Free: true, FreeReason: reason}
	}

	price := p.curve(input.UserCyclePlacements)
	price += float64(p.config.PixelIncrement) * float64(max(input.PixelSeq, 0))

	quote := Quote{}
	if input.PixelPainted && p.config.RepaintWindow > 0 && input.SinceLastPaint < p.config.RepaintWindow {
		price *= p.config.RepaintMultiplier
		quote.Repaint = true
	}
	if input.PixelPainted && input.PixelIsAd && p.config.AdOverwriteDiscount > 0 {
		price *= 1 - p.config.AdOverwriteDiscount
		quote.AdDiscount = true
	}

	limit := p.config.PriceCap
	if p.config.CapTriggerCount > 0 && input.PixelsAtCap >= p.config.CapTriggerCount {
		limit = p.config.LowerPriceCap
		quote.CapLowered = true
	}
	cost, capped := clampCeil(price, limit)
	quote.Cost = cost
	quote.Capped = capped
	return quote
}

func (p Policy) freeReason(input PlacementInput) FreeReason {
	if p.config.FreeMaxLifetimePlacements > 0 && input.UserLifetimePlacements > p.config.FreeMaxLifetimePlacements {
		return FreeReasonNone
	}
	if p.config.FreeIdleAfter > 0 && input.BoardIdle >= p.config.FreeIdleAfter {
		return FreeReasonIdleBoard
	}
	if p.config.FreeFinalWindow > 0 && input.CycleRemaining > 0 && input.CycleRemaining <= p.config.FreeFinalWindow {
		return FreeReasonFinalHour
	}
	return FreeReasonNone
}

func (p Policy) curve(userPlacements int64) float64 {
	base := float64(p.config.BasePrice)
	if userPlacements < 0 {
		userPlacements = 0
	}
	switch p.config.Curve {
	case CurveLinear:
		steps := userPlacements / p.config.GrowthStep
		return base + float64(steps*p.config.GrowthIncrement)
	case CurveExponential:
		steps := float64(userPlacements / p.config.GrowthStep)
		return base * math.Pow(p.config.GrowthRate, steps)
	default:
		return base
	}
}

// UndoInput carries the signals that drive undo pricing.
type UndoInput struct {
	OriginalCost int64
	Elapsed      time.Duration
	PriorUndos   int64
}

// UndoCost prices an undo. It never decreases as PriorUndos or Elapsed grow.
func (p Policy) UndoCost(input UndoInput) int64 {
	multiplier := p.config.UndoBaseMultiplier + p.config.UndoEscalationStep*float64(max(input.PriorUndos, 0))

	fraction := 0.0
	if input.Elapsed > 0 {
		fraction = float64(input.Elapsed) / float64(p.config.UndoWindow)
		if fraction > 1 {
			fraction = 1
		}
	}
	late := 1 + p.config.UndoLatePenalty*fraction

	cost, _ := clampCeil(float64(max(input.OriginalCost, 0))*multiplier*late, p.config.UndoCostCap)
	if cost < p.config.UndoMinCost {
		cost = p.config.UndoMinCost
	}
	return cost
}

// UndoRefund returns the share of the original cost credited back on undo.
func (p Policy) UndoRefund(originalCost int64) int64 {
	if originalCost <= 0 || p.config.UndoRefundPercent == 0 {
		return 0
	}
	return originalCost * p.config.UndoRefundPercent / 100
}

func clampCeil(value float64, limit int64) (int64, bool) {
	if math.IsNaN(value) || value <= 0 {
		return 0, false
	}
	if value >= float64(limit) {
		return limit, true
	}
	rounded := int64(math.Ceil(value - floatSlack))
	if rounded > limit {
		return limit, true
	}
	return rounded, false
}

package canvas

import (
	"errors"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/cycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
)

// Placement and undo failures. Sentinels owned by other packages are re-exported
// so callers can match every outcome against this package.
var (
	ErrInvalidCoordinate   = pixel.ErrInvalidCoordinate
	ErrInvalidColor        = pixel.ErrInvalidColor
	ErrInvalidUserID       = ledger.ErrInvalidUserID
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	ErrUnknownAccount      = ledger.ErrUnknownAccount
	ErrBoardFrozen         = moderation.ErrBoardFrozen
	ErrCycleRolling        = cycle.ErrCycleRolling

	// ErrNotEligible indicates that the caller may not undo the pixel's active placement.
	ErrNotEligible = errors.New("canvas: not eligible for undo")
	// ErrConflict indicates contention that did not resolve within the bounded wait or retry.
	ErrConflict = errors.New("canvas: conflict")
	// ErrPriceChanged indicates that the price rose beyond the accepted quote.
	ErrPriceChanged = errors.New("canvas: price changed")

	errStaleSequence = errors.New("canvas: stale pixel sequence")
)

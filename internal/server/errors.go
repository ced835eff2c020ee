package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorStatus struct {
	target error
	status int
}

var errorStatuses = []errorStatus{
	{target: canvas.ErrInvalidCoordinate, status: http.StatusBadRequest},
	{target: canvas.ErrInvalidColor, status: http.StatusBadRequest},
	{target: canvas.ErrInvalidUserID, status: http.StatusBadRequest},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest},
	{target: moderation.ErrInvalidReason, status: http.StatusBadRequest},
	{target: canvas.ErrInsufficientCredits, status: http.StatusPaymentRequired},
	{target: canvas.ErrNotEligible, status: http.StatusForbidden},
	{target: moderation.ErrClearNotAllowed, status: http.StatusForbidden},
	{target: canvas.ErrUnknownAccount, status: http.StatusNotFound},
	{target: lifecycle.ErrArchiveNotFound, status: http.StatusNotFound},
	{target: canvas.ErrConflict, status: http.StatusConflict},
	{target: canvas.ErrPriceChanged, status: http.StatusConflict},
	{target: ledger.ErrAccountBusy, status: http.StatusConflict},
	{target: lifecycle.ErrAlreadyVoted, status: http.StatusConflict},
	{target: lifecycle.ErrVotingClosed, status: http.StatusConflict},
	{target: canvas.ErrBoardFrozen, status: http.StatusLocked},
	{target: canvas.ErrCycleRolling, status: http.StatusServiceUnavailable},
}

// statusFor maps a service error to its HTTP status and response code.
func statusFor(err error) (int, string) {
	code := serviceerror.CodeOf(err)
	for _, candidate := range errorStatuses {
		if errors.Is(err, candidate.target) {
			if code == "" {
				code = http.StatusText(candidate.status)
			}
			return candidate.status, code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	cborContentType         = "application/cbor"
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

type coordinatePayload struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

func (p coordinatePayload) valid() bool {
	return p.X != nil && p.Y != nil
}

type placeRequestPayload struct {
	coordinatePayload
	Color       string `json:"color"`
	IsAd        bool   `json:"is_ad"`
	QuotedPrice *int64 `json:"quoted_price"`
}

type placeResponsePayload struct {
	RecordID     int64  `json:"record_id"`
	CycleID      int64  `json:"cycle_id"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Color        string `json:"color"`
	Cost         int64  `json:"cost"`
	WasFree      bool   `json:"was_free"`
	IsAd         bool   `json:"is_ad"`
	Seq          int64  `json:"seq"`
	PriceChanged bool   `json:"price_changed"`
	Balance      int64  `json:"balance"`
	PlacedAtMs   int64  `json:"placed_at_ms"`
	UndoDeadline int64  `json:"undo_deadline_ms"`
}

func (h *httpHandler) handlePlace(c *gin.Context) {
	var request placeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || !request.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.board.Place(c.Request.Context(), canvas.PlaceRequest{
		UserID:      c.GetString(userIDContextKey),
		X:           *request.X,
		Y:           *request.Y,
		Color:       request.Color,
		IsAd:        request.IsAd,
		QuotedPrice: request.QuotedPrice,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, placeResponsePayload{
		RecordID:     result.RecordID,
		CycleID:      result.CycleID,
		X:            result.X,
		Y:            result.Y,
		Color:        string(result.Color),
		Cost:         result.Cost,
		WasFree:      result.WasFree,
		IsAd:         result.IsAd,
		Seq:          result.Seq,
		PriceChanged: result.PriceChanged,
		Balance:      result.Balance,
		PlacedAtMs:   result.PlacedAt.UnixMilli(),
		UndoDeadline: result.UndoDeadline.UnixMilli(),
	})
}

type undoResponsePayload struct {
	RecordID         int64  `json:"record_id"`
	CycleID          int64  `json:"cycle_id"`
	X                int    `json:"x"`
	Y                int    `json:"y"`
	RestoredColor    string `json:"restored_color"`
	RestoredRecordID int64  `json:"restored_record_id"`
	Charged          int64  `json:"charged"`
	Refunded         int64  `json:"refunded"`
	Balance          int64  `json:"balance"`
}

func (h *httpHandler) handleUndo(c *gin.Context) {
	var request coordinatePayload
	if err := c.ShouldBindJSON(&request); err != nil || !request.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.board.Undo(c.Request.Context(), c.GetString(userIDContextKey), *request.X, *request.Y)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, undoResponsePayload{
		RecordID:         result.RecordID,
		CycleID:          result.CycleID,
		X:                result.X,
		Y:                result.Y,
		RestoredColor:    string(result.RestoredColor),
		RestoredRecordID: result.RestoredRecordID,
		Charged:          result.Charged,
		Refunded:         result.Refunded,
		Balance:          result.Balance,
	})
}

func (h *httpHandler) handleQuote(c *gin.Context) {
	x, errX := strconv.Atoi(c.Query("x"))
	y, errY := strconv.Atoi(c.Query("y"))
	if errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	quote, err := h.board.QuotePrice(c.Request.Context(), c.GetString(userIDContextKey), x, y)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"x":           x,
		"y":           y,
		"cost":        quote.Cost,
		"free":        quote.Free,
		"free_reason": string(quote.FreeReason),
		"repaint":     quote.Repaint,
		"ad_discount": quote.AdDiscount,
		"capped":      quote.Capped,
		"cap_lowered": quote.CapLowered,
	})
}

type gridPayload struct {
	CycleID int64         `json:"cycle_id" cbor:"1,keyasint"`
	Size    int           `json:"size" cbor:"2,keyasint"`
	Cells   []canvas.Cell `json:"cells" cbor:"3,keyasint"`
}

// handleCanvas serves the grid as JSON, or CBOR when the client asks for it.
func (h *httpHandler) handleCanvas(c *gin.Context) {
	cycleID, ok := optionalCycle(c)
	if !ok {
		return
	}
	grid, err := h.board.CanvasSnapshot(c.Request.Context(), cycleID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	payload := gridPayload{CycleID: grid.CycleID, Size: grid.Size, Cells: grid.Cells}
	if payload.Cells == nil {
		payload.Cells = []canvas.Cell{}
	}
	if strings.Contains(c.GetHeader("Accept"), cborContentType) {
		encoded, err := cbor.Marshal(payload)
		if err != nil {
			h.logger.Error("failed to encode grid", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
			return
		}
		c.Data(http.StatusOK, cborContentType, encoded)
		return
	}
	c.JSON(http.StatusOK, payload)
}

type reportRequestPayload struct {
	coordinatePayload
	Reason string `json:"reason"`
}

func (h *httpHandler) handleReport(c *gin.Context) {
	var request reportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || !request.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.board.FileReport(c.Request.Context(), c.GetString(userIDContextKey), *request.X, *request.Y, request.Reason)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"report_id": outcome.ReportID,
		"cycle_id":  outcome.CycleID,
		"scope_key": outcome.ScopeKey,
		"count":     outcome.Count,
		"threshold": outcome.Threshold,
		"frozen":    outcome.Frozen,
		"froze_now": outcome.FrozeNow,
	})
}

type leaderboardEntryPayload struct {
	Rank       int    `json:"rank"`
	UserID     string `json:"user_id"`
	Placements int64  `json:"placements"`
	Undos      int64  `json:"undos"`
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	cycleID, ok := optionalCycle(c)
	if !ok {
		return
	}
	limit := defaultLeaderboardLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxLeaderboardLimit)
	}
	entries, err := h.board.Leaderboard(c.Request.Context(), cycleID, limit)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	response := make([]leaderboardEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, leaderboardEntryPayload{
			Rank:       entry.Rank,
			UserID:     entry.UserID,
			Placements: entry.Placements,
			Undos:      entry.Undos,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

type archivePayload struct {
	CycleID            int64 `json:"cycle_id"`
	StartedAtMs        int64 `json:"started_at_ms"`
	EndedAtMs          int64 `json:"ended_at_ms"`
	VotePeriod         int64 `json:"vote_period"`
	PaintedPixels      int   `json:"painted_pixels"`
	TotalPlacements    int64 `json:"total_placements"`
	UniqueContributors int64 `json:"unique_contributors"`
	Votes              int64 `json:"votes"`
}

// handleListArchives lists recent archives, or with ?period= the archives
// competing in that vote period.
func (h *httpHandler) handleListArchives(c *gin.Context) {
	var (
		archives []lifecycle.ArchiveSummary
		err      error
	)
	if rawPeriod, ok := c.GetQuery("period"); ok {
		period, parseErr := strconv.ParseInt(rawPeriod, 10, 64)
		if parseErr != nil || period < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
			return
		}
		archives, err = h.board.ArchivesForPeriod(c.Request.Context(), period)
	} else {
		limit, _ := strconv.Atoi(c.Query("limit"))
		archives, err = h.board.ListArchives(c.Request.Context(), limit)
	}
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	response := make([]archivePayload, 0, len(archives))
	for _, archive := range archives {
		response = append(response, archivePayload{
			CycleID:            archive.CycleID,
			StartedAtMs:        archive.StartedAt.UnixMilli(),
			EndedAtMs:          archive.EndedAt.UnixMilli(),
			VotePeriod:         archive.VotePeriod,
			PaintedPixels:      archive.PaintedPixels,
			TotalPlacements:    archive.TotalPlacements,
			UniqueContributors: archive.UniqueContributors,
			Votes:              archive.Votes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"archives": response})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	cycleID, err := strconv.ParseInt(c.Param("cycle"), 10, 64)
	if err != nil || cycleID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cycle"})
		return
	}
	receipt, err := h.board.CastVote(c.Request.Context(), c.GetString(userIDContextKey), cycleID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"archive_cycle_id": receipt.ArchiveCycleID,
		"period":           receipt.Period,
		"cast_at_ms":       receipt.CastAt.UnixMilli(),
	})
}

type entryPayload struct {
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	CycleID     int64  `json:"cycle_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

func (h *httpHandler) handleAccount(c *gin.Context) {
	summary, err := h.board.Account(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	recent := make([]entryPayload, 0, len(summary.Recent))
	for _, entry := range summary.Recent {
		recent = append(recent, entryPayload{
			Delta:       entry.Delta,
			Reason:      string(entry.Reason),
			CycleID:     entry.CycleID,
			CreatedAtMs: time.Unix(entry.CreatedAtSeconds, 0).UnixMilli(),
		})
	}
	account := summary.Account
	c.JSON(http.StatusOK, gin.H{
		"user_id":             account.UserID,
		"balance":             account.Balance,
		"lifetime_placements": account.LifetimePlacements,
		"reports_given":       account.ReportsGiven,
		"reports_received":    account.ReportsReceived,
		"recent":              recent,
	})
}

type clearRequestPayload struct {
	ScopeKey string `json:"scope_key"`
}

func (h *httpHandler) handleClearFreeze(c *gin.Context) {
	var request clearRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ScopeKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cleared, err := h.board.ClearFreeze(c.Request.Context(), strings.TrimSpace(request.ScopeKey))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	h.logger.Info("moderator cleared freeze",
		zap.String("moderator_id", c.GetString(userIDContextKey)),
		zap.String("scope_key", request.ScopeKey),
		zap.Bool("cleared", cleared))
	c.JSON(http.StatusOK, gin.H{"scope_key": request.ScopeKey, "cleared": cleared})
}

type freezePayload struct {
	ScopeKey    string `json:"scope_key"`
	CycleID     int64  `json:"cycle_id"`
	ReportCount int64  `json:"report_count"`
	FrozenAtMs  int64  `json:"frozen_at_ms"`
}

func (h *httpHandler) handleModerationStatus(c *gin.Context) {
	status, err := h.board.ModerationStatus(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	freezes := make([]freezePayload, 0, len(status.Freezes))
	for _, freeze := range status.Freezes {
		freezes = append(freezes, freezePayload{
			ScopeKey:    freeze.ScopeKey,
			CycleID:     freeze.CycleID,
			ReportCount: freeze.ReportCount,
			FrozenAtMs:  time.Unix(freeze.FrozenAtSeconds, 0).UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"cycle_id":           status.CycleID,
		"scope":              string(status.Scope),
		"clear_policy":       string(status.ClearPolicy),
		"threshold":          status.Threshold,
		"board_frozen":       status.BoardFrozen,
		"reports_this_cycle": status.ReportsThisCycle,
		"freezes":            freezes,
	})
}

// optionalCycle parses the cycle query parameter; it writes a 400 and returns
// false when the value is malformed.
func optionalCycle(c *gin.Context) (*int64, bool) {
	raw := c.Query("cycle")
	if raw == "" {
		return nil, true
	}
	cycleID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cycleID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cycle"})
		return nil, false
	}
	return &cycleID, true
}

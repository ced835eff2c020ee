package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/board"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "pixelboard_user_id"
	claimsContextKey = "pixelboard_claims"

	defaultPlacementRate = 1.0
)

var (
	errMissingBoard     = errors.New("board service dependency required")
	errMissingValidator = errors.New("session validator dependency required")
)

// BoardService is the board surface the HTTP adapter exposes.
type BoardService interface {
	Place(ctx context.Context, request canvas.PlaceRequest) (canvas.PlaceResult, error)
	Undo(ctx context.Context, userID string, x, y int) (canvas.UndoResult, error)
	QuotePrice(ctx context.Context, userID string, x, y int) (pricing.Quote, error)
	CanvasSnapshot(ctx context.Context, cycleID *int64) (canvas.Grid, error)
	FileReport(ctx context.Context, userID string, x, y int, reason string) (moderation.ReportOutcome, error)
	Leaderboard(ctx context.Context, cycleID *int64, limit int) ([]canvas.LeaderboardEntry, error)
	ListArchives(ctx context.Context, limit int) ([]lifecycle.ArchiveSummary, error)
	ArchivesForPeriod(ctx context.Context, period int64) ([]lifecycle.ArchiveSummary, error)
	CastVote(ctx context.Context, userID string, archiveCycleID int64) (lifecycle.VoteReceipt, error)
	EnsureAccount(ctx context.Context, userID string) (ledger.Account, error)
	Account(ctx context.Context, userID string) (board.AccountSummary, error)
	ClearFreeze(ctx context.Context, scopeKey string) (bool, error)
	ModerationStatus(ctx context.Context) (moderation.Status, error)
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Board            BoardService
	SessionValidator SessionValidator
	Logger           *zap.Logger
	// PlacementRate bounds placements and undos per user per second.
	PlacementRate float64
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Board == nil {
		return nil, errMissingBoard
	}
	if deps.SessionValidator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	placementRate := deps.PlacementRate
	if placementRate <= 0 {
		placementRate = defaultPlacementRate
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestMetrics())

	handler := &httpHandler{
		board:    deps.Board,
		sessions: deps.SessionValidator,
		limiter:  newUserLimiter(placementRate, 1),
		logger:   logger,
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/canvas", handler.handleCanvas)
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/archives", handler.handleListArchives)
	router.GET("/moderation", handler.handleModerationStatus)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest, handler.ensureAccount)
	protected.GET("/account", handler.handleAccount)
	protected.GET("/pixels/quote", handler.handleQuote)
	protected.POST("/pixels", handler.rateLimit, handler.handlePlace)
	protected.POST("/pixels/undo", handler.rateLimit, handler.handleUndo)
	protected.POST("/reports", handler.handleReport)
	protected.POST("/archives/:cycle/votes", handler.handleVote)
	protected.POST("/moderation/clear", handler.requireRole(auth.RoleModerator), handler.handleClearFreeze)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	board    BoardService
	sessions SessionValidator
	limiter  *userLimiter
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(userIDContextKey, strings.TrimSpace(claims.UserID))
	c.Next()
}

func (h *httpHandler) ensureAccount(c *gin.Context) {
	if _, err := h.board.EnsureAccount(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Next()
}

func (h *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get(claimsContextKey)
		sessionClaims, ok := claims.(auth.SessionClaims)
		if !ok || !sessionClaims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if !h.limiter.Allow(c.GetString(userIDContextKey)) {
		rateLimited.Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

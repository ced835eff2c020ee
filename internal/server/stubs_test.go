package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/board"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
)

type stubSessionValidator struct {
	roles map[string][]string
	err   error
}

// ValidateRequest treats the bearer token as the user id.
func (s stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return auth.SessionClaims{UserID: token, UserRoles: s.roles[token]}, nil
}

type stubBoard struct {
	placeErr    error
	placed      []canvas.PlaceRequest
	ensured     []string
	grid        canvas.Grid
	snapshotFor *int64
	cleared     []string
	voteErr     error
	periodFor   *int64
}

func (s *stubBoard) Place(_ context.Context, request canvas.PlaceRequest) (canvas.PlaceResult, error) {
	if s.placeErr != nil {
		return canvas.PlaceResult{}, s.placeErr
	}
	s.placed = append(s.placed, request)
	return canvas.PlaceResult{RecordID: int64(len(s.placed)), X: request.X, Y: request.Y, Color: "#ABCDEF", Cost: 10, Seq: 1, Balance: 90}, nil
}

func (s *stubBoard) Undo(context.Context, string, int, int) (canvas.UndoResult, error) {
	return canvas.UndoResult{}, canvas.ErrNotEligible
}

func (s *stubBoard) QuotePrice(_ context.Context, _ string, x, y int) (pricing.Quote, error) {
	return pricing.Quote{Cost: int64(x + y)}, nil
}

func (s *stubBoard) CanvasSnapshot(_ context.Context, cycleID *int64) (canvas.Grid, error) {
	s.snapshotFor = cycleID
	return s.grid, nil
}

func (s *stubBoard) FileReport(context.Context, string, int, int, string) (moderation.ReportOutcome, error) {
	return moderation.ReportOutcome{}, canvas.ErrCycleRolling
}

func (s *stubBoard) Leaderboard(context.Context, *int64, int) ([]canvas.LeaderboardEntry, error) {
	return []canvas.LeaderboardEntry{{Rank: 1, UserID: "alice", Placements: 3}}, nil
}

func (s *stubBoard) ListArchives(context.Context, int) ([]lifecycle.ArchiveSummary, error) {
	return nil, nil
}

func (s *stubBoard) ArchivesForPeriod(_ context.Context, period int64) ([]lifecycle.ArchiveSummary, error) {
	s.periodFor = &period
	return []lifecycle.ArchiveSummary{{CycleID: 7, VotePeriod: period}}, nil
}

func (s *stubBoard) CastVote(_ context.Context, _ string, archiveCycleID int64) (lifecycle.VoteReceipt, error) {
	if s.voteErr != nil {
		return lifecycle.VoteReceipt{}, s.voteErr
	}
	return lifecycle.VoteReceipt{ArchiveCycleID: archiveCycleID}, nil
}

func (s *stubBoard) EnsureAccount(_ context.Context, userID string) (ledger.Account, error) {
	s.ensured = append(s.ensured, userID)
	return ledger.Account{UserID: userID}, nil
}

func (s *stubBoard) Account(_ context.Context, userID string) (board.AccountSummary, error) {
	return board.AccountSummary{Account: ledger.Account{UserID: userID, Balance: 42}}, nil
}

func (s *stubBoard) ClearFreeze(_ context.Context, scopeKey string) (bool, error) {
	s.cleared = append(s.cleared, scopeKey)
	return true, nil
}

func (s *stubBoard) ModerationStatus(context.Context) (moderation.Status, error) {
	return moderation.Status{Scope: moderation.ScopeBoard, ClearPolicy: moderation.ClearBoth, Threshold: 2500}, nil
}

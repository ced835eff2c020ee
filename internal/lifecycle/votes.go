package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCastVote    = "lifecycle.cast_vote"
	opRewardVotes = "lifecycle.reward_votes"
)

// VoteReceipt confirms an accepted vote.
type VoteReceipt struct {
	UserID         string
	Period         int64
	ArchiveCycleID int64
	CastAt         time.Time
}

// CastVote records the user's vote for an archive. Each user votes once per vote
// period; a period closes once it has been tallied.
func (m *Manager) CastVote(ctx context.Context, rawUserID string, archiveCycleID int64) (VoteReceipt, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return VoteReceipt{}, serviceerror.New(opCastVote, "invalid_user_id", err)
	}
	if _, err := m.ledger.Account(ctx, userID); err != nil {
		return VoteReceipt{}, err
	}

	now := m.clock().UTC()
	var receipt VoteReceipt
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var archive Archive
		err := tx.Select("cycle_id", "started_at_ms", "ended_at_ms").
			Where("cycle_id = ?", archiveCycleID).
			Take(&archive).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return serviceerror.New(opCastVote, "archive_not_found", fmt.Errorf("%w: cycle %d", ErrArchiveNotFound, archiveCycleID))
		}
		if err != nil {
			return serviceerror.New(opCastVote, "archive_select_failed", err)
		}

		period := m.periodOf(archive)
		var runs int64
		if err := tx.Model(&VoteRewardRun{}).Where("period = ?", period).Count(&runs).Error; err != nil {
			return serviceerror.New(opCastVote, "run_select_failed", err)
		}
		if runs > 0 {
			return serviceerror.New(opCastVote, "voting_closed", fmt.Errorf("%w: period %d", ErrVotingClosed, period))
		}

		vote := Vote{UserID: userID.String(), Period: period, ArchiveCycleID: archive.CycleID, CastAtMillis: now.UnixMilli()}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
		if result.Error != nil {
			return serviceerror.New(opCastVote, "insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return serviceerror.New(opCastVote, "already_voted", fmt.Errorf("%w: period %d", ErrAlreadyVoted, period))
		}
		receipt = VoteReceipt{UserID: vote.UserID, Period: period, ArchiveCycleID: archive.CycleID, CastAt: now}
		return nil
	})
	if err != nil {
		if serviceerror.CodeOf(err) == opCastVote+".insert_failed" {
			m.logError(opCastVote, "insert_failed", err, zap.String("user_id", userID.String()))
		}
		return VoteReceipt{}, err
	}
	return receipt, nil
}

// periodOf assigns an archive to the vote period containing its last instant.
func (m *Manager) periodOf(archive Archive) int64 {
	return m.votes.IndexAt(time.UnixMilli(archive.EndedAtMillis - 1))
}

type voteTally struct {
	ArchiveCycleID int64
	Votes          int64
}

// periodWinner is the outcome of tallying one vote period.
type periodWinner struct {
	found          bool
	archiveCycleID int64
	votes          int64
	userID         ledger.UserID
}

// errTallyMoved reports that votes landed between the tally and the run insert.
var errTallyMoved = errors.New("lifecycle: tally changed before the period closed")

const maxTallyAttempts = 3

// rewardPass tallies every vote period whose grace has elapsed and that has no
// run yet, oldest first, so periods missed while the process was down are still
// rewarded and closed. The run row is the idempotency key.
func (m *Manager) rewardPass(ctx context.Context, now time.Time) ([]VoteRewardRun, error) {
	periods, err := m.pendingPeriods(ctx, now)
	if err != nil {
		return nil, err
	}
	var runs []VoteRewardRun
	for _, period := range periods {
		run, err := m.rewardPeriod(ctx, period, now)
		if err != nil {
			return runs, err
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// pendingPeriods lists the closable periods without a run: every period holding
// an archive or a vote, plus the latest closable one.
func (m *Manager) pendingPeriods(ctx context.Context, now time.Time) ([]int64, error) {
	cutoff := now.Add(-m.config.VoteGrace)
	if cutoff.Before(m.votes.Epoch) {
		return nil, nil
	}
	last := m.votes.IndexAt(cutoff) - 1
	if last < 0 {
		return nil, nil
	}

	db := m.db.WithContext(ctx)
	candidates := map[int64]struct{}{last: {}}

	var archives []Archive
	if err := db.Select("cycle_id", "ended_at_ms").
		Where("ended_at_ms <= ?", m.votes.StartOf(last+1).UnixMilli()).
		Find(&archives).Error; err != nil {
		m.logError(opRewardVotes, "archive_select_failed", err)
		return nil, serviceerror.New(opRewardVotes, "archive_select_failed", err)
	}
	for _, archive := range archives {
		if period := m.periodOf(archive); period >= 0 {
			candidates[period] = struct{}{}
		}
	}

	var voted []int64
	if err := db.Model(&Vote{}).Distinct("period").Where("period <= ?", last).Pluck("period", &voted).Error; err != nil {
		m.logError(opRewardVotes, "vote_select_failed", err)
		return nil, serviceerror.New(opRewardVotes, "vote_select_failed", err)
	}
	for _, period := range voted {
		if period >= 0 {
			candidates[period] = struct{}{}
		}
	}

	var closed []int64
	if err := db.Model(&VoteRewardRun{}).Where("period <= ?", last).Pluck("period", &closed).Error; err != nil {
		m.logError(opRewardVotes, "run_select_failed", err)
		return nil, serviceerror.New(opRewardVotes, "run_select_failed", err)
	}
	for _, period := range closed {
		delete(candidates, period)
	}

	pending := make([]int64, 0, len(candidates))
	for period := range candidates {
		pending = append(pending, period)
	}
	slices.Sort(pending)
	return pending, nil
}

// rewardPeriod closes one period. The winner's account is locked before the
// transaction, so a tally that changes before the run row lands is retried.
func (m *Manager) rewardPeriod(ctx context.Context, period int64, now time.Time) (*VoteRewardRun, error) {
	for attempt := 1; attempt <= maxTallyAttempts; attempt++ {
		run, err := m.tryRewardPeriod(ctx, period, now)
		if errors.Is(err, errTallyMoved) {
			continue
		}
		return run, err
	}
	err := fmt.Errorf("%w: period %d", errTallyMoved, period)
	m.logError(opRewardVotes, "tally_unstable", err, zap.Int64("period", period))
	return nil, serviceerror.New(opRewardVotes, "tally_unstable", err)
}

func (m *Manager) tryRewardPeriod(ctx context.Context, period int64, now time.Time) (*VoteRewardRun, error) {
	expected, err := m.tallyPeriod(m.db.WithContext(ctx), period)
	if err != nil {
		m.logError(opRewardVotes, "tally_failed", err, zap.Int64("period", period))
		return nil, serviceerror.New(opRewardVotes, "tally_failed", err)
	}
	return m.closePeriod(ctx, period, expected, now)
}

// closePeriod writes the run for period and pays expected's winner. It returns
// errTallyMoved without writing anything when the recount disagrees.
func (m *Manager) closePeriod(ctx context.Context, period int64, expected periodWinner, now time.Time) (*VoteRewardRun, error) {
	payable := expected.userID != "" && m.config.VoteRewardAmount > 0
	if payable {
		release, err := m.ledger.Lock(ctx, expected.userID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	run := VoteRewardRun{Period: period, RanAtMillis: now.UTC().UnixMilli()}
	inserted := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The run row goes in first: votes cast after it see the period closed,
		// and the recount below sees every vote committed before it.
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&run)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		actual, err := m.tallyPeriod(tx, period)
		if err != nil {
			return err
		}
		if actual != expected {
			return errTallyMoved
		}
		if actual.found {
			archiveCycleID := actual.archiveCycleID
			run.ArchiveCycleID = &archiveCycleID
			run.Votes = actual.votes
			run.WinnerUserID = actual.userID.String()
		}

		if payable {
			account, err := m.ledger.AccountTx(tx, actual.userID)
			if err != nil {
				return err
			}
			if account.LastRewardPeriod != nil && period-*account.LastRewardPeriod < m.config.VoteRewardCooldownPeriods {
				run.CooldownActive = true
			} else {
				run.Rewarded = true
				run.Amount = m.config.VoteRewardAmount
			}
		}
		if err := tx.Model(&VoteRewardRun{}).Where("period = ?", period).Updates(map[string]any{
			"archive_cycle_id": run.ArchiveCycleID,
			"winner_user_id":   run.WinnerUserID,
			"votes":            run.Votes,
			"amount":           run.Amount,
			"rewarded":         run.Rewarded,
			"cooldown_active":  run.CooldownActive,
		}).Error; err != nil {
			return err
		}
		inserted = true
		if !run.Rewarded {
			return nil
		}
		if _, err := m.ledger.CreditTx(tx, ledger.Posting{
			UserID:    actual.userID,
			Amount:    run.Amount,
			Reason:    ledger.ReasonVoteReward,
			Reference: fmt.Sprintf("vote-reward:%d", period),
		}); err != nil {
			return err
		}
		return m.ledger.SetLastRewardPeriodTx(tx, actual.userID, period)
	})
	if errors.Is(err, errTallyMoved) {
		return nil, err
	}
	if err != nil {
		m.logError(opRewardVotes, "reward_failed", err, zap.Int64("period", period))
		return nil, serviceerror.New(opRewardVotes, "reward_failed", err)
	}
	if !inserted {
		return nil, nil
	}

	switch {
	case run.Rewarded:
		voteRewardRuns.WithLabelValues("rewarded").Inc()
	case run.CooldownActive:
		voteRewardRuns.WithLabelValues("cooldown").Inc()
	default:
		voteRewardRuns.WithLabelValues("no_votes").Inc()
	}
	m.logger.Info("vote period tallied",
		zap.Int64("period", period),
		zap.String("winner_user_id", run.WinnerUserID),
		zap.Int64("votes", run.Votes),
		zap.Bool("rewarded", run.Rewarded),
		zap.Bool("cooldown_active", run.CooldownActive))
	return &run, nil
}

// tallyPeriod picks the most voted archive of the period, lowest cycle id on a
// tie, and its top contributor.
func (m *Manager) tallyPeriod(db *gorm.DB, period int64) (periodWinner, error) {
	var tally []voteTally
	if err := db.Model(&Vote{}).
		Select("archive_cycle_id, COUNT(*) AS votes").
		Where("period = ?", period).
		Group("archive_cycle_id").
		Order("votes DESC").
		Order("archive_cycle_id ASC").
		Limit(1).
		Scan(&tally).Error; err != nil {
		return periodWinner{}, err
	}
	if len(tally) == 0 {
		return periodWinner{}, nil
	}

	winner := periodWinner{found: true, archiveCycleID: tally[0].ArchiveCycleID, votes: tally[0].Votes}
	var top ArchiveContributor
	err := db.Where("cycle_id = ?", winner.archiveCycleID).Order("rank ASC").Take(&top).Error
	switch {
	case err == nil:
		winner.userID = ledger.UserID(top.UserID)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return periodWinner{}, err
	}
	return winner, nil
}

package board

import (
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pricing"
)

// ModerationSettings configures the report-threshold freeze.
type ModerationSettings struct {
	Scope       moderation.Scope
	ClearPolicy moderation.ClearPolicy
	RegionSize  int
	Threshold   int64
}

// LifecycleSettings configures cycles, bonuses and the vote reward.
type LifecycleSettings struct {
	Epoch                     time.Time
	CycleLength               time.Duration
	VoteCycleLength           time.Duration
	TickInterval              time.Duration
	TopContributors           int
	WeeklyBonusAmount         int64
	WeeklyBonusTopN           int
	VoteRewardAmount          int64
	VoteRewardCooldownPeriods int64
}

// Settings is the complete board configuration.
type Settings struct {
	Pricing    pricing.Config
	Quote      canvas.QuotePolicy
	Moderation ModerationSettings
	Lifecycle  LifecycleSettings
	LockWait   time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		Pricing: pricing.DefaultConfig(),
		Moderation: ModerationSettings{
			Scope:       moderation.ScopeBoard,
			ClearPolicy: moderation.ClearBoth,
			RegionSize:  32,
			Threshold:   2500,
		},
		Lifecycle: LifecycleSettings{
			Epoch:                     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			CycleLength:               7 * 24 * time.Hour,
			VoteCycleLength:           30 * 24 * time.Hour,
			TickInterval:              time.Minute,
			TopContributors:           10,
			WeeklyBonusTopN:           3,
			VoteRewardAmount:          1000,
			VoteRewardCooldownPeriods: 6,
		},
		LockWait: 250 * time.Millisecond,
	}
}

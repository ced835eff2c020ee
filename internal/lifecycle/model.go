package lifecycle

import "errors"

var (
	// ErrArchiveNotFound indicates that no archive exists for the requested cycle.
	ErrArchiveNotFound = errors.New("lifecycle: archive not found")
	// ErrAlreadyVoted indicates that the user already voted in the archive's vote period.
	ErrAlreadyVoted = errors.New("lifecycle: already voted this period")
	// ErrVotingClosed indicates that the vote period has already been rewarded.
	ErrVotingClosed = errors.New("lifecycle: voting closed")

	errStaleCycleState = errors.New("lifecycle: cycle state advanced concurrently")
)

const cycleStateSingleton = 1

// CycleState records the cycle the board is currently accepting placements for.
type CycleState struct {
	Singleton       int   `gorm:"column:singleton;primaryKey;not null;autoIncrement:false"`
	CycleID         int64 `gorm:"column:cycle_id;not null"`
	StartedAtMillis int64 `gorm:"column:started_at_ms;not null"`
	UpdatedAtMillis int64 `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CycleState) TableName() string {
	return "cycle_state"
}

// Archive is the immutable record of a finished cycle.
type Archive struct {
	CycleID            int64  `gorm:"column:cycle_id;primaryKey;not null;autoIncrement:false"`
	StartedAtMillis    int64  `gorm:"column:started_at_ms;not null"`
	EndedAtMillis      int64  `gorm:"column:ended_at_ms;not null;index"`
	GridBlob           []byte `gorm:"column:grid_blob;not null"`
	GridCells          int    `gorm:"column:grid_cells;not null;default:0"`
	TotalPlacements    int64  `gorm:"column:total_placements;not null;default:0"`
	UniqueContributors int64  `gorm:"column:unique_contributors;not null;default:0"`
	ArchivedAtMillis   int64  `gorm:"column:archived_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Archive) TableName() string {
	return "archives"
}

// ArchiveContributor is one ranked contributor of an archived cycle.
type ArchiveContributor struct {
	CycleID    int64  `gorm:"column:cycle_id;primaryKey;not null;autoIncrement:false"`
	Rank       int    `gorm:"column:rank;primaryKey;not null;autoIncrement:false"`
	UserID     string `gorm:"column:user_id;size:190;not null"`
	Placements int64  `gorm:"column:placements;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ArchiveContributor) TableName() string {
	return "archive_contributors"
}

// Vote is a user's single vote for an archive within one vote period.
type Vote struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Period         int64  `gorm:"column:period;primaryKey;not null;autoIncrement:false;index:idx_votes_period_archive,priority:1"`
	ArchiveCycleID int64  `gorm:"column:archive_cycle_id;not null;index:idx_votes_period_archive,priority:2"`
	CastAtMillis   int64  `gorm:"column:cast_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "archive_votes"
}

// VoteRewardRun marks a vote period as tallied. It exists at most once per period.
type VoteRewardRun struct {
	Period         int64  `gorm:"column:period;primaryKey;not null;autoIncrement:false"`
	ArchiveCycleID *int64 `gorm:"column:archive_cycle_id"`
	WinnerUserID   string `gorm:"column:winner_user_id;size:190;not null;default:''"`
	Votes          int64  `gorm:"column:votes;not null;default:0"`
	Amount         int64  `gorm:"column:amount;not null;default:0"`
	Rewarded       bool   `gorm:"column:rewarded;not null;default:false"`
	CooldownActive bool   `gorm:"column:cooldown_active;not null;default:false"`
	RanAtMillis    int64  `gorm:"column:ran_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteRewardRun) TableName() string {
	return "vote_reward_runs"
}

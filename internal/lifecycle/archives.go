package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListArchives = "lifecycle.list_archives"
	opLoadArchive  = "lifecycle.load_archive"

	defaultArchiveListLimit = 52
)

var archiveSummaryColumns = []string{
	"cycle_id", "started_at_ms", "ended_at_ms", "grid_cells", "total_placements", "unique_contributors", "archived_at_ms",
}

// ArchiveSummary describes an archive without its grid.
type ArchiveSummary struct {
	CycleID            int64
	StartedAt          time.Time
	EndedAt            time.Time
	VotePeriod         int64
	PaintedPixels      int
	TotalPlacements    int64
	UniqueContributors int64
	Votes              int64
}

// ArchiveDetail is an archive with its decoded grid and ranked contributors.
type ArchiveDetail struct {
	ArchiveSummary
	Grid            canvas.Grid
	TopContributors []ArchiveContributor
}

// ListArchives returns the most recent archives, newest first.
func (m *Manager) ListArchives(ctx context.Context, limit int) ([]ArchiveSummary, error) {
	if limit <= 0 {
		limit = defaultArchiveListLimit
	}
	var archives []Archive
	if err := m.db.WithContext(ctx).
		Select(archiveSummaryColumns).
		Order("cycle_id DESC").
		Limit(limit).
		Find(&archives).Error; err != nil {
		m.logError(opListArchives, "query_failed", err)
		return nil, serviceerror.New(opListArchives, "query_failed", err)
	}
	return m.summarizeAll(ctx, archives)
}

// ArchivesForPeriod returns the archives competing in one vote period, latest
// first.
func (m *Manager) ArchivesForPeriod(ctx context.Context, period int64) ([]ArchiveSummary, error) {
	if period < 0 {
		return []ArchiveSummary{}, nil
	}
	var archives []Archive
	if err := m.db.WithContext(ctx).
		Select(archiveSummaryColumns).
		Where("ended_at_ms > ? AND ended_at_ms <= ?", m.votes.StartOf(period).UnixMilli(), m.votes.StartOf(period+1).UnixMilli()).
		Order("ended_at_ms DESC").
		Find(&archives).Error; err != nil {
		m.logError(opListArchives, "period_query_failed", err, zap.Int64("period", period))
		return nil, serviceerror.New(opListArchives, "period_query_failed", err)
	}
	return m.summarizeAll(ctx, archives)
}

func (m *Manager) summarizeAll(ctx context.Context, archives []Archive) ([]ArchiveSummary, error) {
	summaries := make([]ArchiveSummary, 0, len(archives))
	for _, archive := range archives {
		summary, err := m.summarize(ctx, archive)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Archive loads one archive and decodes its grid.
func (m *Manager) Archive(ctx context.Context, cycleID int64) (ArchiveDetail, error) {
	var archive Archive
	err := m.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&archive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArchiveDetail{}, serviceerror.New(opLoadArchive, "archive_not_found", fmt.Errorf("%w: cycle %d", ErrArchiveNotFound, cycleID))
	}
	if err != nil {
		m.logError(opLoadArchive, "query_failed", err, zap.Int64("cycle_id", cycleID))
		return ArchiveDetail{}, serviceerror.New(opLoadArchive, "query_failed", err)
	}

	cells, err := decodeGrid(archive.GridBlob)
	if err != nil {
		m.logError(opLoadArchive, "decode_failed", err, zap.Int64("cycle_id", cycleID))
		return ArchiveDetail{}, serviceerror.New(opLoadArchive, "decode_failed", err)
	}
	var contributors []ArchiveContributor
	if err := m.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("rank ASC").Find(&contributors).Error; err != nil {
		m.logError(opLoadArchive, "contributors_failed", err, zap.Int64("cycle_id", cycleID))
		return ArchiveDetail{}, serviceerror.New(opLoadArchive, "contributors_failed", err)
	}
	summary, err := m.summarize(ctx, archive)
	if err != nil {
		return ArchiveDetail{}, err
	}
	return ArchiveDetail{
		ArchiveSummary:  summary,
		Grid:            canvas.Grid{CycleID: cycleID, Size: pixel.BoardSize, Cells: cells},
		TopContributors: contributors,
	}, nil
}

func (m *Manager) summarize(ctx context.Context, archive Archive) (ArchiveSummary, error) {
	period := m.periodOf(archive)
	var votes int64
	if err := m.db.WithContext(ctx).
		Model(&Vote{}).
		Where("period = ? AND archive_cycle_id = ?", period, archive.CycleID).
		Count(&votes).Error; err != nil {
		m.logError(opListArchives, "votes_failed", err, zap.Int64("cycle_id", archive.CycleID))
		return ArchiveSummary{}, serviceerror.New(opListArchives, "votes_failed", err)
	}
	return ArchiveSummary{
		CycleID:            archive.CycleID,
		StartedAt:          time.UnixMilli(archive.StartedAtMillis).UTC(),
		EndedAt:            time.UnixMilli(archive.EndedAtMillis).UTC(),
		VotePeriod:         period,
		PaintedPixels:      archive.GridCells,
		TotalPlacements:    archive.TotalPlacements,
		UniqueContributors: archive.UniqueContributors,
		Votes:              votes,
	}, nil
}

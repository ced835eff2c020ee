package canvas

import (
	"sort"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixel"
)

// Pixel is the current state of one painted coordinate in a cycle. Coordinates
// nobody painted have no row. Seq counts successful placements and is unchanged by undo.
type Pixel struct {
	CycleID        int64  `gorm:"column:cycle_id;primaryKey;not null;autoIncrement:false"`
	X              int    `gorm:"column:x;primaryKey;not null;autoIncrement:false"`
	Y              int    `gorm:"column:y;primaryKey;not null;autoIncrement:false"`
	Color          string `gorm:"column:color;size:7;not null"`
	OwnerID        string `gorm:"column:owner_id;size:190;not null;default:''"`
	PlacedAtMillis int64  `gorm:"column:placed_at_ms;not null;default:0"`
	Seq            int64  `gorm:"column:seq;not null;default:0;index"`
	ActiveRecordID int64  `gorm:"column:active_record_id;not null;default:0"`
	IsAd           bool   `gorm:"column:is_ad;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Pixel) TableName() string {
	return "canvas_pixels"
}

// PlacementRecord is the append-only history of placements. A record is active
// while it is neither superseded nor undone.
type PlacementRecord struct {
	RecordID         int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	CycleID          int64  `gorm:"column:cycle_id;not null;index:idx_records_cycle_pixel,priority:1;index:idx_records_cycle_time,priority:1"`
	X                int    `gorm:"column:x;not null;index:idx_records_cycle_pixel,priority:2"`
	Y                int    `gorm:"column:y;not null;index:idx_records_cycle_pixel,priority:3"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	Color            string `gorm:"column:color;size:7;not null"`
	Cost             int64  `gorm:"column:cost;not null;default:0"`
	WasFree          bool   `gorm:"column:was_free;not null;default:false"`
	IsAd             bool   `gorm:"column:is_ad;not null;default:false"`
	PlacedAtMillis   int64  `gorm:"column:placed_at_ms;not null;index:idx_records_cycle_time,priority:2"`
	Seq              int64  `gorm:"column:seq;not null"`
	PreviousRecordID int64  `gorm:"column:previous_record_id;not null;default:0"`
	Superseded       bool   `gorm:"column:superseded;not null;default:false"`
	Undone           bool   `gorm:"column:undone;not null;default:false"`
	UndoneAtMillis   int64  `gorm:"column:undone_at_ms;not null;default:0"`
	UndoCost         int64  `gorm:"column:undo_cost;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PlacementRecord) TableName() string {
	return "placement_records"
}

// CycleContribution counts a user's net placements and undos in one cycle.
type CycleContribution struct {
	CycleID         int64  `gorm:"column:cycle_id;primaryKey;not null;autoIncrement:false;index:idx_contrib_cycle_rank,priority:1"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Placements      int64  `gorm:"column:placements;not null;default:0;index:idx_contrib_cycle_rank,priority:2"`
	Undos           int64  `gorm:"column:undos;not null;default:0"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CycleContribution) TableName() string {
	return "cycle_contributions"
}

// Cell is one painted pixel in a snapshot.
type Cell struct {
	X       int    `json:"x" cbor:"1,keyasint"`
	Y       int    `json:"y" cbor:"2,keyasint"`
	Color   string `json:"color" cbor:"3,keyasint"`
	OwnerID string `json:"owner_id" cbor:"4,keyasint"`
	Seq     int64  `json:"seq" cbor:"5,keyasint"`
	IsAd    bool   `json:"is_ad,omitempty" cbor:"6,keyasint,omitempty"`
}

// Grid is a sparse, read-only view of a cycle's board. Cells are ordered by (y, x)
// and every coordinate without a cell is blank.
type Grid struct {
	CycleID int64
	Size    int
	Cells   []Cell
}

// ColorAt returns the color at (x, y).
func (g Grid) ColorAt(x, y int) pixel.Color {
	index := sort.Search(len(g.Cells), func(i int) bool {
		cell := g.Cells[i]
		return cell.Y > y || (cell.Y == y && cell.X >= x)
	})
	if index < len(g.Cells) && g.Cells[index].X == x && g.Cells[index].Y == y {
		return pixel.Color(g.Cells[index].Color)
	}
	return pixel.BlankColor
}

// LeaderboardEntry is one ranked contributor.
type LeaderboardEntry struct {
	Rank       int
	UserID     string
	Placements int64
	Undos      int64
}

// CycleTotals summarizes activity in a cycle.
type CycleTotals struct {
	Placements   int64
	Contributors int64
}

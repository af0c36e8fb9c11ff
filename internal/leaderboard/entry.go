package leaderboard

import (
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

// Entry is one user's standing. TotalGets always equals the user's recorded
// claims plus Adjustment, which only owner overrides ever set.
type Entry struct {
	UserID        int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	TotalGets     int64 `gorm:"column:total_gets;not null;default:0"`
	Rank          int   `gorm:"column:rank;not null;default:0;index"`
	LastGetMillis int64 `gorm:"column:last_get_ms;not null;default:0"`
	Adjustment    int64 `gorm:"column:adjustment;not null;default:0"`
}

// TableName binds Entry to the voyager_stats table.
func (Entry) TableName() string {
	return "voyager_stats"
}

// User returns the entry's user id.
func (e Entry) User() snowflake.ID {
	return snowflake.ID(e.UserID)
}

// LastGet returns the time of the user's latest get, or the zero time.
func (e Entry) LastGet() time.Time {
	if e.LastGetMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.LastGetMillis).UTC()
}

// Claims returns the number of recorded claims behind TotalGets.
func (e Entry) Claims() int64 {
	return e.TotalGets - e.Adjustment
}

// ClaimTally is the authoritative claim summary for one user.
type ClaimTally struct {
	UserID          snowflake.ID
	Claims          int64
	LastClaimMillis int64
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Corrected []snowflake.ID
}

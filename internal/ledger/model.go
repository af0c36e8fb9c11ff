package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

// Claim is the append-only record of an accepted GET. At most one row exists per marker message.
type Claim struct {
	ID              int64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          int64 `gorm:"column:user_id;not null;index:idx_voyager_gets_user"`
	ClaimMessageID  int64 `gorm:"column:get_message_id;not null"`
	MarkerMessageID int64 `gorm:"column:voyager_message_id;not null;uniqueIndex:idx_voyager_gets_marker"`
	ChannelID       int64 `gorm:"column:channel_id;not null"`
	GuildID         int64 `gorm:"column:guild_id;not null;index:idx_voyager_gets_guild"`
	ClaimedAtMillis int64 `gorm:"column:claimed_at_ms;not null;default:0"`
}

// TableName keeps the table name used by earlier deployments of the game.
func (Claim) TableName() string {
	return "voyager_gets"
}

// ClaimedAt returns the commit time of the claim.
func (c Claim) ClaimedAt() time.Time {
	return time.UnixMilli(c.ClaimedAtMillis).UTC()
}

// Marker tracks a primed marker message and whether it may still be claimed.
type Marker struct {
	MarkerMessageID int64 `gorm:"column:marker_message_id;primaryKey;autoIncrement:false"`
	ChannelID       int64 `gorm:"column:channel_id;not null"`
	GuildID         int64 `gorm:"column:guild_id;not null;index:idx_voyager_markers_guild_open,priority:1"`
	OpenedAtMillis  int64 `gorm:"column:opened_at_ms;not null"`
	ExpiresAtMillis int64 `gorm:"column:expires_at_ms;not null;default:0"`
	ClosedAtMillis  int64 `gorm:"column:closed_at_ms;not null;default:0;index:idx_voyager_markers_guild_open,priority:2"`
	Prohibited      bool  `gorm:"column:prohibited;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Marker) TableName() string {
	return "voyager_markers"
}

// claimableAt reports whether the marker accepts claims at the provided instant.
func (m Marker) claimableAt(now time.Time) bool {
	if m.Prohibited || m.ClosedAtMillis != 0 {
		return false
	}
	if m.ExpiresAtMillis != 0 && now.UnixMilli() >= m.ExpiresAtMillis {
		return false
	}
	return true
}

// CommitRequest carries a claim attempt for a single marker.
type CommitRequest struct {
	MarkerMessageID snowflake.ID
	UserID          snowflake.ID
	ClaimMessageID  snowflake.ID
	ChannelID       snowflake.ID
	GuildID         snowflake.ID
}

// CommitStatus enumerates commit results.
type CommitStatus string

const (
	// StatusAccepted means the claim is (or already was) the winner for the marker.
	StatusAccepted CommitStatus = "accepted"
	// StatusRejected means the claim was refused; see RejectReason.
	StatusRejected CommitStatus = "rejected"
)

// RejectReason explains a rejected commit.
type RejectReason string

const (
	// ReasonNone is used for accepted commits.
	ReasonNone RejectReason = ""
	// ReasonAlreadyClaimed means another reply already won the marker.
	ReasonAlreadyClaimed RejectReason = "already_claimed"
	// ReasonInvalidMarker means the marker is unknown, closed, expired or prohibited.
	ReasonInvalidMarker RejectReason = "invalid_marker"
)

// CommitResult is the outcome of TryCommit.
type CommitResult struct {
	Status    CommitStatus
	Reason    RejectReason
	Claim     Claim
	Duplicate bool
}

// Accepted reports whether the commit produced (or matched) the winning claim.
func (r CommitResult) Accepted() bool {
	return r.Status == StatusAccepted
}

// MarkerSpec describes a marker message being primed for a race.
type MarkerSpec struct {
	MarkerMessageID snowflake.ID
	ChannelID       snowflake.ID
	GuildID         snowflake.ID
	Content         string
	Footers         []string
}

// Tally summarises the claims owned by a single user.
type Tally struct {
	UserID          int64 `gorm:"column:user_id"`
	Claims          int64 `gorm:"column:claims"`
	LastClaimMillis int64 `gorm:"column:last_claim_ms"`
}

package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/gets"
	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

// Identifiers travel as decimal strings; 64-bit snowflakes do not survive JSON numbers in most clients.

type openMarkerRequest struct {
	MarkerMessageID string   `json:"marker_message_id" binding:"required"`
	ChannelID       string   `json:"channel_id" binding:"required"`
	GuildID         string   `json:"guild_id" binding:"required"`
	Content         string   `json:"content"`
	Footers         []string `json:"footers"`
}

type markerPayload struct {
	MarkerMessageID string     `json:"marker_message_id"`
	ChannelID       string     `json:"channel_id"`
	GuildID         string     `json:"guild_id"`
	Prohibited      bool       `json:"prohibited"`
	OpenedAt        time.Time  `json:"opened_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type claimRequest struct {
	MarkerMessageID string `json:"marker_message_id" binding:"required"`
	UserID          string `json:"user_id" binding:"required"`
	ClaimMessageID  string `json:"claim_message_id" binding:"required"`
	ChannelID       string `json:"channel_id" binding:"required"`
	GuildID         string `json:"guild_id" binding:"required"`
	AudienceID      string `json:"audience_id"`
}

type pendingClaimRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	ClaimMessageID string `json:"claim_message_id" binding:"required"`
	AudienceID     string `json:"audience_id"`
}

type claimPayload struct {
	MarkerMessageID string    `json:"marker_message_id"`
	UserID          string    `json:"user_id"`
	ClaimMessageID  string    `json:"claim_message_id"`
	ChannelID       string    `json:"channel_id"`
	GuildID         string    `json:"guild_id"`
	ClaimedAt       time.Time `json:"claimed_at"`
}

type outcomePayload struct {
	Outcome   string        `json:"outcome"`
	Won       bool          `json:"won"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Announce  bool          `json:"announce"`
	Rank      int           `json:"rank,omitempty"`
	TotalGets int64         `json:"total_gets,omitempty"`
	Claim     *claimPayload `json:"claim,omitempty"`
}

type stackedPayload struct {
	Earned    int              `json:"earned"`
	Rank      int              `json:"rank,omitempty"`
	TotalGets int64            `json:"total_gets,omitempty"`
	Outcomes  []outcomePayload `json:"outcomes"`
}

type entryPayload struct {
	UserID    string     `json:"user_id"`
	Rank      int        `json:"rank"`
	TotalGets int64      `json:"total_gets"`
	LastGet   *time.Time `json:"last_get,omitempty"`
}

type profilePayload struct {
	UserID       string         `json:"user_id"`
	Ranked       bool           `json:"ranked"`
	Rank         int            `json:"rank,omitempty"`
	TotalGets    int64          `json:"total_gets"`
	LastGet      *time.Time     `json:"last_get,omitempty"`
	RecentClaims []claimPayload `json:"recent_claims"`
}

type overrideRequest struct {
	TotalGets *int64 `json:"total_gets" binding:"required"`
}

type reconcilePayload struct {
	Checked   int      `json:"checked"`
	Corrected []string `json:"corrected"`
}

type announcementPayload struct {
	GuildID         string    `json:"guild_id"`
	ChannelID       string    `json:"channel_id"`
	MarkerMessageID string    `json:"marker_message_id"`
	UserID          string    `json:"user_id,omitempty"`
	Rank            int       `json:"rank,omitempty"`
	TotalGets       int64     `json:"total_gets,omitempty"`
	Earned          int       `json:"earned"`
	ClaimedAt       time.Time `json:"claimed_at"`
}

func idString(value int64) string {
	return snowflake.ID(value).String()
}

func millisTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.UnixMilli(value).UTC()
	return &converted
}

func newMarkerPayload(marker ledger.Marker) markerPayload {
	return markerPayload{
		MarkerMessageID: idString(marker.MarkerMessageID),
		ChannelID:       idString(marker.ChannelID),
		GuildID:         idString(marker.GuildID),
		Prohibited:      marker.Prohibited,
		OpenedAt:        time.UnixMilli(marker.OpenedAtMillis).UTC(),
		ExpiresAt:       millisTime(marker.ExpiresAtMillis),
	}
}

func newClaimPayload(claim ledger.Claim) claimPayload {
	return claimPayload{
		MarkerMessageID: idString(claim.MarkerMessageID),
		UserID:          idString(claim.UserID),
		ClaimMessageID:  idString(claim.ClaimMessageID),
		ChannelID:       idString(claim.ChannelID),
		GuildID:         idString(claim.GuildID),
		ClaimedAt:       claim.ClaimedAt(),
	}
}

func newOutcomePayload(outcome gets.Outcome) outcomePayload {
	payload := outcomePayload{
		Outcome:   string(outcome.Kind),
		Won:       outcome.Won(),
		Duplicate: outcome.Duplicate,
		Announce:  outcome.Announce,
		Rank:      outcome.Rank,
		TotalGets: outcome.TotalGets,
	}
	if outcome.Claim != nil {
		claim := newClaimPayload(*outcome.Claim)
		payload.Claim = &claim
	}
	return payload
}

func newEntryPayload(entry leaderboard.Entry) entryPayload {
	return entryPayload{
		UserID:    idString(entry.UserID),
		Rank:      entry.Rank,
		TotalGets: entry.TotalGets,
		LastGet:   millisTime(entry.LastGetMillis),
	}
}

func newAnnouncementPayload(announcement gets.Announcement) announcementPayload {
	payload := announcementPayload{
		GuildID:         announcement.GuildID.String(),
		ChannelID:       announcement.ChannelID.String(),
		MarkerMessageID: announcement.MarkerMessageID.String(),
		Earned:          announcement.Earned,
		ClaimedAt:       announcement.ClaimedAt,
	}
	if !announcement.Anonymous {
		payload.UserID = announcement.UserID.String()
		payload.Rank = announcement.Rank
		payload.TotalGets = announcement.TotalGets
	}
	return payload
}

package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// ProhibitPhrase marks a marker message that must never be claimable.
const ProhibitPhrase = "[gets:prohibit]"

const (
	opOpenMarker  = "ledger.open_marker"
	opCloseMarker = "ledger.close_marker"
	opOpenMarkers = "ledger.open_markers"

	reasonMarkerUpsert = "marker_upsert_failed"
)

// ErrUnknownMarker indicates that the marker was never primed.
var ErrUnknownMarker = errors.New("ledger: unknown marker")

// MarkerIneligible reports whether marker content opts out of the game.
func MarkerIneligible(spec MarkerSpec) bool {
	if strings.Contains(spec.Content, ProhibitPhrase) {
		return true
	}
	for _, footer := range spec.Footers {
		if strings.Contains(footer, ProhibitPhrase) {
			return true
		}
	}
	return false
}

// OpenMarker primes a marker message for a race. Priming the same marker twice keeps the first record.
func (l *Ledger) OpenMarker(ctx context.Context, spec MarkerSpec) (Marker, error) {
	if err := validateMarkerSpec(spec); err != nil {
		return Marker{}, newServiceError(opOpenMarker, reasonInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock().UTC()
	marker := Marker{
		MarkerMessageID: spec.MarkerMessageID.Int64(),
		ChannelID:       spec.ChannelID.Int64(),
		GuildID:         spec.GuildID.Int64(),
		OpenedAtMillis:  now.UnixMilli(),
		Prohibited:      MarkerIneligible(spec),
	}
	if l.markerTTL > 0 {
		marker.ExpiresAtMillis = now.Add(l.markerTTL).UnixMilli()
	}

	db := l.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker).Error; err != nil {
		l.logError(opOpenMarker, reasonMarkerUpsert, err, zap.Int64("marker_message_id", marker.MarkerMessageID))
		return Marker{}, newServiceError(opOpenMarker, reasonMarkerUpsert, err)
	}
	var stored Marker
	if err := db.Where("marker_message_id = ?", marker.MarkerMessageID).Take(&stored).Error; err != nil {
		l.logError(opOpenMarker, reasonMarkerLookup, err, zap.Int64("marker_message_id", marker.MarkerMessageID))
		return Marker{}, newServiceError(opOpenMarker, reasonMarkerLookup, err)
	}

	if stored.Prohibited {
		l.logger.Info("marker primed as prohibited",
			zap.Int64("marker_message_id", stored.MarkerMessageID),
			zap.Int64("guild_id", stored.GuildID))
	} else {
		l.logger.Debug("marker primed",
			zap.Int64("marker_message_id", stored.MarkerMessageID),
			zap.Int64("guild_id", stored.GuildID))
	}
	return stored, nil
}

// CloseMarker stops a marker from accepting further claims. Closing twice is a no-op.
func (l *Ledger) CloseMarker(ctx context.Context, markerID snowflake.ID) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock().UTC()
	result := l.db.WithContext(ctx).
		Model(&Marker{}).
		Where("marker_message_id = ? AND closed_at_ms = 0", markerID.Int64()).
		Update("closed_at_ms", now.UnixMilli())
	if result.Error != nil {
		l.logError(opCloseMarker, reasonMarkerUpsert, result.Error, zap.Int64("marker_message_id", markerID.Int64()))
		return newServiceError(opCloseMarker, reasonMarkerUpsert, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := l.db.WithContext(ctx).Model(&Marker{}).Where("marker_message_id = ?", markerID.Int64()).Count(&count).Error; err != nil {
			return newServiceError(opCloseMarker, reasonMarkerLookup, err)
		}
		if count == 0 {
			return ErrUnknownMarker
		}
	}
	return nil
}

// OpenMarkers lists the claimable, still unclaimed markers of a guild, oldest first.
func (l *Ledger) OpenMarkers(ctx context.Context, guildID snowflake.ID) ([]Marker, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock().UTC()
	var markers []Marker
	err := l.db.WithContext(ctx).
		Where("guild_id = ? AND closed_at_ms = 0 AND prohibited = ?", guildID.Int64(), false).
		Where("expires_at_ms = 0 OR expires_at_ms > ?", now.UnixMilli()).
		Where("NOT EXISTS (?)", l.db.Model(&Claim{}).Select("1").Where("voyager_gets.voyager_message_id = voyager_markers.marker_message_id")).
		Order("opened_at_ms ASC, marker_message_id ASC").
		Find(&markers).Error
	if err != nil {
		l.logError(opOpenMarkers, reasonQueryFailed, err, zap.Int64("guild_id", guildID.Int64()))
		return nil, newServiceError(opOpenMarkers, reasonQueryFailed, err)
	}
	return markers, nil
}

func validateMarkerSpec(spec MarkerSpec) error {
	if spec.MarkerMessageID <= 0 || spec.ChannelID <= 0 || spec.GuildID <= 0 {
		return snowflake.ErrInvalidID
	}
	return nil
}

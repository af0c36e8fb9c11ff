package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/voyager/internal/gets"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleOpenMarker(c *gin.Context) {
	var request openMarkerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	spec, err := request.spec()
	if err != nil {
		h.respondError(c, "open_marker", err)
		return
	}
	marker, err := h.markers.OpenMarker(c.Request.Context(), spec)
	if err != nil {
		h.respondError(c, "open_marker", err)
		return
	}
	c.JSON(http.StatusCreated, newMarkerPayload(marker))
}

func (r openMarkerRequest) spec() (ledger.MarkerSpec, error) {
	markerID, err := snowflake.Parse(r.MarkerMessageID)
	if err != nil {
		return ledger.MarkerSpec{}, err
	}
	channelID, err := snowflake.Parse(r.ChannelID)
	if err != nil {
		return ledger.MarkerSpec{}, err
	}
	guildID, err := snowflake.Parse(r.GuildID)
	if err != nil {
		return ledger.MarkerSpec{}, err
	}
	return ledger.MarkerSpec{
		MarkerMessageID: markerID,
		ChannelID:       channelID,
		GuildID:         guildID,
		Content:         r.Content,
		Footers:         r.Footers,
	}, nil
}

func (h *httpHandler) handleCloseMarker(c *gin.Context) {
	markerID, ok := pathID(c, "marker_id")
	if !ok {
		return
	}
	if err := h.markers.CloseMarker(c.Request.Context(), markerID); err != nil {
		h.respondError(c, "close_marker", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMarkers(c *gin.Context) {
	guildID, ok := pathID(c, "guild_id")
	if !ok {
		return
	}
	markers, err := h.markers.OpenMarkers(c.Request.Context(), guildID)
	if err != nil {
		h.respondError(c, "list_markers", err)
		return
	}
	payload := make([]markerPayload, 0, len(markers))
	for _, marker := range markers {
		payload = append(payload, newMarkerPayload(marker))
	}
	c.JSON(http.StatusOK, gin.H{"markers": payload})
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	attempt, err := request.attempt()
	if err != nil {
		h.respondError(c, "claim", err)
		return
	}
	if !h.limiter.allow(attempt.UserID.String()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	outcome := h.coordinator.AttemptClaim(c.Request.Context(), attempt)
	if outcome.Kind == gets.OutcomeStorageError {
		h.logger.Error("claim attempt failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Int64("marker_message_id", attempt.MarkerMessageID.Int64()),
			zap.Bool("committed", outcome.Claim != nil),
			zap.Error(outcome.Err))
	}
	c.JSON(outcomeStatus(outcome.Kind), newOutcomePayload(outcome))
}

func (r claimRequest) attempt() (gets.Attempt, error) {
	ids := make([]snowflake.ID, 0, 5)
	for _, raw := range []string{r.MarkerMessageID, r.UserID, r.ClaimMessageID, r.ChannelID, r.GuildID} {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return gets.Attempt{}, err
		}
		ids = append(ids, id)
	}
	audience, err := optionalID(r.AudienceID)
	if err != nil {
		return gets.Attempt{}, err
	}
	return gets.Attempt{
		MarkerMessageID: ids[0],
		UserID:          ids[1],
		ClaimMessageID:  ids[2],
		ChannelID:       ids[3],
		GuildID:         ids[4],
		Audience:        audience,
	}, nil
}

func (h *httpHandler) handleClaimPending(c *gin.Context) {
	guildID, ok := pathID(c, "guild_id")
	if !ok {
		return
	}
	var request pendingClaimRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := snowflake.Parse(request.UserID)
	if err != nil {
		h.respondError(c, "claim_pending", err)
		return
	}
	replyID, err := snowflake.Parse(request.ClaimMessageID)
	if err != nil {
		h.respondError(c, "claim_pending", err)
		return
	}
	audience, err := optionalID(request.AudienceID)
	if err != nil {
		h.respondError(c, "claim_pending", err)
		return
	}
	if !h.limiter.allow(userID.String()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	stacked, err := h.coordinator.ClaimPending(c.Request.Context(), gets.PendingClaim{
		GuildID:        guildID,
		UserID:         userID,
		ClaimMessageID: replyID,
		Audience:       audience,
	})
	if err != nil {
		h.respondError(c, "claim_pending", err)
		return
	}
	payload := stackedPayload{
		Earned:    stacked.Earned,
		Rank:      stacked.Rank,
		TotalGets: stacked.Total,
		Outcomes:  make([]outcomePayload, 0, len(stacked.Outcomes)),
	}
	for _, outcome := range stacked.Outcomes {
		payload.Outcomes = append(payload.Outcomes, newOutcomePayload(outcome))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleAnnouncements(c *gin.Context) {
	guildID, ok := pathID(c, "guild_id")
	if !ok {
		return
	}
	if h.announcer == nil {
		h.respondError(c, "announcements", errors.New("announcements are disabled"))
		return
	}
	h.streamAnnouncements(c, guildID)
}

func outcomeStatus(kind gets.OutcomeKind) int {
	switch kind {
	case gets.OutcomeWon, gets.OutcomeNotVisible:
		return http.StatusOK
	case gets.OutcomeTooLate:
		return http.StatusConflict
	case gets.OutcomeInvalidMarker:
		return http.StatusUnprocessableEntity
	case gets.OutcomeInvalidAttempt:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/voyager/internal/gets"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/gin-gonic/gin"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit := defaultLeaderboardLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxLeaderboardLimit)
	}
	viewer, err := optionalID(c.Query("viewer"))
	if err != nil {
		h.respondError(c, "leaderboard", err)
		return
	}

	entries, err := h.coordinator.VisibleTop(c.Request.Context(), viewer, limit)
	if err != nil {
		h.respondError(c, "leaderboard", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	viewer, err := optionalID(c.Query("viewer"))
	if err != nil {
		h.respondError(c, "profile", err)
		return
	}
	profile, err := h.coordinator.Profile(c.Request.Context(), viewer, userID)
	if err != nil {
		h.respondError(c, "profile", err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

func newProfilePayload(profile gets.Profile) profilePayload {
	payload := profilePayload{
		UserID:       profile.UserID.String(),
		Ranked:       profile.Ranked,
		RecentClaims: make([]claimPayload, 0, len(profile.RecentClaims)),
	}
	if profile.Ranked {
		payload.Rank = profile.Entry.Rank
		payload.TotalGets = profile.Entry.TotalGets
		payload.LastGet = millisTime(profile.Entry.LastGetMillis)
	}
	for _, claim := range profile.RecentClaims {
		payload.RecentClaims = append(payload.RecentClaims, newClaimPayload(claim))
	}
	return payload
}

func (h *httpHandler) handleListBlocks(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	blocked, err := h.graph.Blocked(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "list_blocks", err)
		return
	}
	payload := make([]string, 0, len(blocked))
	for _, id := range blocked {
		payload = append(payload, id.String())
	}
	c.JSON(http.StatusOK, gin.H{"blocked": payload})
}

func (h *httpHandler) handleBlock(c *gin.Context) {
	blocker, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	blockee, ok := pathID(c, "blockee_id")
	if !ok {
		return
	}
	if err := h.graph.Block(c.Request.Context(), blocker, blockee); err != nil {
		h.respondError(c, "block", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnblock(c *gin.Context) {
	blocker, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	blockee, ok := pathID(c, "blockee_id")
	if !ok {
		return
	}
	if err := h.graph.Unblock(c.Request.Context(), blocker, blockee); err != nil {
		h.respondError(c, "unblock", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	document, err := h.preferences.Get(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "get_preferences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": document})
}

func (h *httpHandler) handleMergePreferences(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	var partial preferences.Document
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	document, err := h.preferences.Merge(c.Request.Context(), userID, partial)
	if err != nil {
		h.respondError(c, "merge_preferences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": document})
}

func (h *httpHandler) handleResetPreferences(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	document, err := h.preferences.Reset(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "reset_preferences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": document})
}

func (h *httpHandler) handleOverride(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	var request overrideRequest
	if err := c.ShouldBindJSON(&request); err != nil || *request.TotalGets < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.standings.Override(c.Request.Context(), userID, *request.TotalGets)
	if err != nil {
		h.respondError(c, "override", err)
		return
	}
	c.JSON(http.StatusOK, newEntryPayload(entry))
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler_unavailable"})
		return
	}
	report, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		h.respondError(c, "reconcile", err)
		return
	}
	payload := reconcilePayload{Checked: report.Checked, Corrected: make([]string, 0, len(report.Corrected))}
	for _, id := range report.Corrected {
		payload.Corrected = append(payload.Corrected, id.String())
	}
	c.JSON(http.StatusOK, payload)
}

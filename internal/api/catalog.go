package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/orator/internal/activity"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/telemetry"
)

// GET /api/credits
func (h *Handler) handleCredits(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	u, err := h.catalog.User(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": u.Credits})
}

// GET /api/history
func (h *Handler) handleHistory(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	limit := h.opts.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}
	entries, err := h.catalog.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// GET /api/challenges
func (h *Handler) handleChallenges(c *gin.Context) {
	items, err := h.catalog.Challenges(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if items == nil {
		items = []store.Challenge{}
	}
	c.JSON(http.StatusOK, items)
}

// GET /api/challenges/:id
func (h *Handler) handleChallenge(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid challenge id")
		return
	}
	item, err := h.catalog.Challenge(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// GET /api/transcription/models
func (h *Handler) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.tr.Models()})
}

// POST /api/transcription/token
func (h *Handler) handleToken(c *gin.Context) {
	streaming, err := h.tr.Streaming()
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.TokenTimeout)
	defer cancel()
	token, err := streaming.IssueToken(ctx)
	if err != nil {
		h.recorder.Record(c.Request.Context(), telemetry.Event{
			Category: telemetry.CategoryExternal,
			Action:   "token_issue_failed",
			Err:      err,
		})
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// GET /api/admin/telemetry?sessionId=&category=&limit=
func (h *Handler) handleTelemetry(c *gin.Context) {
	f := store.TelemetryFilter{
		SessionID: c.Query("sessionId"),
		Category:  c.Query("category"),
		Limit:     100,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, 1000)
	}
	rows, err := h.catalog.ListTelemetry(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rows == nil {
		rows = []store.TelemetryRow{}
	}
	c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
}

// GET /api/admin/activity?phase=
func (h *Handler) handleActivity(c *gin.Context) {
	var filter func(activity.SessionInfo) bool
	if phase := c.Query("phase"); phase != "" {
		filter = activity.WithPhase(activity.Phase(phase))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.activity.Query(filter),
		"counts":   h.activity.Counts(),
	})
}

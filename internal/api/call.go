package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/orator/internal/storage"
)

type startRequest struct {
	ChallengeID        int64  `json:"challengeId"`
	TranscriptionModel string `json:"transcriptionModel"`
}

// POST /api/call/start
func (h *Handler) handleStart(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeID <= 0 {
		errorResponse(c, http.StatusBadRequest, "Missing challengeId")
		return
	}
	res, err := h.calls.Start(c.Request.Context(), userID, req.ChallengeID, req.TranscriptionModel)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Set(sessionKey, res.SessionID)
	c.JSON(http.StatusOK, res)
}

// POST /api/call/upload (multipart: sessionId, audio)
func (h *Handler) handleUpload(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}
	if h.opts.MaxUploadBytes > 0 {
		// Room for the multipart envelope around the file part.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+1<<20)
	}
	sessionID := strings.TrimSpace(c.PostForm("sessionId"))
	fh, err := c.FormFile("audio")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.fail(c, fmt.Errorf("%w: %v", storage.ErrTooLarge, err))
			return
		}
		errorResponse(c, http.StatusBadRequest, "Missing audio file")
		return
	}
	if sessionID == "" {
		errorResponse(c, http.StatusBadRequest, "Missing sessionId")
		return
	}
	c.Set(sessionKey, sessionID)
	if h.opts.MaxUploadBytes > 0 && fh.Size > h.opts.MaxUploadBytes {
		h.fail(c, fmt.Errorf("%d bytes: %w", fh.Size, storage.ErrTooLarge))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()

	res, err := h.calls.RecordUpload(c.Request.Context(), sessionID, fh.Filename, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": res.SessionID, "bytes": res.Bytes})
}

type endRequest struct {
	SessionID          string `json:"sessionId"`
	RealtimeTranscript string `json:"realtimeTranscript"`
}

// POST /api/call/end
func (h *Handler) handleEnd(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		errorResponse(c, http.StatusBadRequest, "Missing sessionId")
		return
	}
	c.Set(sessionKey, req.SessionID)
	res, err := h.calls.End(c.Request.Context(), req.SessionID, req.RealtimeTranscript)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"sessionId":    res.SessionID,
		"feedback":     res.Feedback,
		"warning":      res.Warning,
		"canRetry":     res.CanRetry,
		"alreadyEnded": res.AlreadyEnded,
	})
}

// GET /api/call/feedback?sessionId=
func (h *Handler) handleFeedback(c *gin.Context) {
	sessionID, ok := h.sessionQuery(c)
	if !ok {
		return
	}
	view, err := h.calls.GetFeedback(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type retryRequest struct {
	SessionID string `json:"sessionId"`
}

// POST /api/call/retry
func (h *Handler) handleRetry(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		errorResponse(c, http.StatusBadRequest, "Missing sessionId")
		return
	}
	c.Set(sessionKey, req.SessionID)
	fb, err := h.calls.RetryEvaluation(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "feedback": fb})
}

// GET /api/call/info?sessionId=
func (h *Handler) handleInfo(c *gin.Context) {
	sessionID, ok := h.sessionQuery(c)
	if !ok {
		return
	}
	sess, err := h.calls.Info(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) sessionQuery(c *gin.Context) (string, bool) {
	if _, ok := h.userID(c); !ok {
		return "", false
	}
	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		errorResponse(c, http.StatusBadRequest, "Missing sessionId")
		return "", false
	}
	c.Set(sessionKey, sessionID)
	return sessionID, true
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vettr/backend/internal/syncengine"
	"go.uber.org/zap"
)

func (h *httpHandler) handlePull(c *gin.Context) {
	account, ok := accountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body pullRequestBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	lastSyncedAt, err := parseTimestamp(body.LastSyncedAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_synced_at"})
		return
	}
	entities := make([]syncengine.EntityKind, 0, len(body.Entities))
	for _, raw := range body.Entities {
		kind, err := syncengine.ParseEntityKind(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_kind", "entity_kind": raw})
			return
		}
		entities = append(entities, kind)
	}

	envelope, err := h.sync.Pull(c.Request.Context(), account, syncengine.PullRequest{
		LastSyncedAt: lastSyncedAt,
		Entities:     entities,
	})
	if err != nil {
		h.writePullError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPullResponseBody(envelope))
}

func (h *httpHandler) writePullError(c *gin.Context, err error) {
	var rateErr *syncengine.RateGateError
	if errors.As(err, &rateErr) {
		c.Header("Retry-After", strconv.Itoa(int(rateErr.RetryAfter().Seconds())))
		c.JSON(http.StatusTooManyRequests, newRateLimitedBody(rateErr))
		return
	}
	if errors.Is(err, syncengine.ErrPullInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	h.writeServiceError(c, err)
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, syncengine.ErrInvalidUserID) || errors.Is(err, syncengine.ErrUnsupportedEntityKind) {
		status = http.StatusBadRequest
	}
	response := gin.H{"error": "sync_failed"}
	var serviceErr *syncengine.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("sync request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	account, ok := accountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body pushRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	envelope, err := h.sync.Push(c.Request.Context(), account.UserID, toClientMutations(body.Changes))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPushResponseBody(envelope))
}

func (h *httpHandler) handleListAttempts(c *gin.Context) {
	userID, err := syncengine.NewUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	limit := 0
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}

	attempts, err := h.sync.ListAttempts(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := make([]attemptBody, 0, len(attempts))
	for _, attempt := range attempts {
		response = append(response, newAttemptBody(attempt))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "attempts": response})
}

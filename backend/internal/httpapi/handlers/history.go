package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/store"
)

type HistoryStore interface {
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]store.SessionRecord, error)
}

// ListHistory: GET /collab/history?limit=20
// 当前登录参与者的历史会话
func ListHistory(hs HistoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := c.GetString("userId")
		if participantID == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "User context missing"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		records, err := hs.ListByParticipant(c.Request.Context(), participantID, limit)
		if err != nil {
			logger.Ctx(c.Request.Context()).Warn("list history failed", "participant", participantID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list history failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": records})
	}
}

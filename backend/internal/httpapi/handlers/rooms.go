package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/logger"
)

type Rooms struct {
	svc      collab.Service
	presence cache.PresenceCache
}

func NewRooms(svc collab.Service, presence cache.PresenceCache) *Rooms {
	return &Rooms{svc: svc, presence: presence}
}

// member 带上最近一次光标，光标过期后不返回
type member struct {
	ParticipantID string          `json:"participantId"`
	DisplayName   string          `json:"displayName"`
	Cursor        json.RawMessage `json:"cursor,omitempty"`
}

// Register 挂到 /collab 分组下；ws 路由由 ws.Manager 单独注册
func (h *Rooms) Register(g *gin.RouterGroup) {
	g.GET("/rooms/:roomId/document", h.GetDocument)
	g.GET("/rooms/:roomId/members", h.GetMembers)
}

// GetDocument: GET /collab/rooms/:roomId/document
// 房间结束后从快照读，进行中的房间读 relay 的只读副本
func (h *Rooms) GetDocument(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room ID missing"})
		return
	}

	content, rev, err := h.svc.LoadDocumentContent(c.Request.Context(), roomID)
	if errors.Is(err, collab.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		logger.Ctx(c.Request.Context()).Warn("load document failed", "room", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "revision": rev, "content": content})
}

// GetMembers: GET /collab/rooms/:roomId/members
func (h *Rooms) GetMembers(c *gin.Context) {
	roomID := c.Param("roomId")
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), roomID)
	if err != nil {
		logger.Ctx(c.Request.Context()).Warn("list members failed", "room", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list members failed"})
		return
	}
	out := make([]member, 0, len(members))
	for _, m := range members {
		mb := member{ParticipantID: m.ParticipantID, DisplayName: m.DisplayName}
		cursor, err := h.presence.GetCursor(c.Request.Context(), roomID, m.ParticipantID)
		if err != nil {
			logger.Ctx(c.Request.Context()).Debug("get cursor failed", "room", roomID, "participant", m.ParticipantID, "err", err)
		}
		if len(cursor) > 0 {
			mb.Cursor = json.RawMessage(cursor)
		}
		out = append(out, mb)
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": out})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/transport"
)

// 本地开发环境的来源任意端口都放行；其余来源由 allowOrigins 配置
var devOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func newUpgrader(allowOrigins []string) websocket.Upgrader {
	allowed := make([]*url.URL, 0, len(devOrigins)+len(allowOrigins))
	for _, o := range append(append([]string(nil), devOrigins...), allowOrigins...) {
		u, err := url.Parse(strings.TrimSpace(o))
		if err != nil || u.Host == "" {
			logger.L().Warn("ignore invalid allowed origin", "origin", o)
			continue
		}
		allowed = append(allowed, u)
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端（CLI）通常不发送 Origin，或为 "null"
			if origin == "" || origin == "null" {
				return true
			}
			return originAllowed(origin, allowed)
		},
	}
}

// originAllowed 按 scheme + hostname 比较，配置里带端口时端口也要一致
func originAllowed(origin string, allowed []*url.URL) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, a := range allowed {
		if !strings.EqualFold(u.Scheme, a.Scheme) || !strings.EqualFold(u.Hostname(), a.Hostname()) {
			continue
		}
		if a.Port() == "" || a.Port() == u.Port() {
			return true
		}
	}
	return false
}

type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, allowOrigins ...string) *Manager {
	return &Manager{h: h, upgrader: newUpgrader(allowOrigins)}
}

// WebSocketConnect: GET /collab/rooms/:roomId/ws
// 参与者身份由鉴权中间件写入 userId/username
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.Param("roomId")
	participantID := c.GetString("userId")
	displayName := c.GetString("username")
	if roomID == "" || participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room or participant"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.L().Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, roomID, participantID, displayName, uuid.NewString())
	if err := m.h.Join(wsConn); err != nil {
		code := transport.CodeBadPayload
		if errors.Is(err, ErrRoomFull) {
			code = transport.CodeRoomFull
		}
		env, _ := transport.NewEnvelope(transport.EventError, roomID, transport.ErrorPayload{Code: code, Message: err.Error()})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(env)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(writeWait))
		_ = conn.Close()
		logger.L().Info("join rejected", "room", roomID, "participant", participantID, "err", err)
		return
	}
	logger.L().Info("participant joined", "room", roomID, "participant", participantID)

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
	m.h.disconnected(wsConn)
}

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/transport"
)

// 一个房间最多两个不同的参与者
const maxParticipants = 2

var ErrRoomFull = errors.New("ROOM_FULL")

type Options struct {
	PingInterval time.Duration
	PresenceTTL  time.Duration
	CursorTTL    time.Duration
	// 两人都离开后落库的超时
	CloseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 3 * o.PingInterval
	}
	if o.CursorTTL <= 0 {
		o.CursorTTL = 2 * time.Minute
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	return o
}

type Hub struct {
	// 在线状态与光标（一般是 redis 实现）
	presence cache.PresenceCache
	svc      collab.Service
	// 限制同时访问 svc 的调用数
	sem  *collab.SemaphoreControl
	opts Options

	// 保护 rooms
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu sync.Mutex
	// participantID -> 当前连接；同一参与者重连时替换旧连接
	conns map[string]*Conn
	// 已经发过 ready 的参与者，新 ready 的一方会收到这些帧的重放
	ready map[string]transport.Envelope
	// 两人都 ready 过一次后为 true，之后的断线才算提前结束
	started bool
}

func NewHub(p cache.PresenceCache, svc collab.Service, sem *collab.SemaphoreControl, opts Options) *Hub {
	return &Hub{
		presence: p,
		svc:      svc,
		sem:      sem,
		opts:     opts.withDefaults(),
		rooms:    make(map[string]*room),
	}
}

// Join 将连接加入房间；第三个不同的参与者返回 ErrRoomFull
func (h *Hub) Join(c *Conn) error {
	h.mu.Lock()
	r := h.rooms[c.roomID]
	if r == nil {
		r = &room{conns: make(map[string]*Conn), ready: make(map[string]transport.Envelope)}
		h.rooms[c.roomID] = r
	}
	r.mu.Lock()
	old, rejoin := r.conns[c.participantID]
	if !rejoin && len(r.conns) >= maxParticipants {
		r.mu.Unlock()
		h.mu.Unlock()
		return ErrRoomFull
	}
	r.conns[c.participantID] = c
	delete(r.ready, c.participantID)
	r.mu.Unlock()
	h.mu.Unlock()

	if rejoin && old != c {
		logger.L().Info("participant reconnected, replacing connection", "room", c.roomID, "participant", c.participantID)
		old.Close()
	}
	h.svc.AddParticipant(c.roomID, c.participantID, c.displayName)
	return nil
}

// Leave 移除连接。current=false 表示它已经被同一参与者的新连接替换，
// started 表示会话是否已经开始
func (h *Hub) Leave(c *Conn) (current, empty, started bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[c.roomID]
	if r == nil {
		return false, true, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	started = r.started
	if r.conns[c.participantID] == c {
		delete(r.conns, c.participantID)
		delete(r.ready, c.participantID)
		current = true
	}
	if len(r.conns) == 0 {
		delete(h.rooms, c.roomID)
		empty = true
	}
	return current, empty, started
}

// Broadcast 发给房间里除 except 以外的所有连接
func (h *Hub) Broadcast(roomID string, env transport.Envelope, except *Conn) {
	for _, c := range h.peers(roomID) {
		if c != except {
			c.Enqueue(env)
		}
	}
}

func (h *Hub) peers(roomID string) []*Conn {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// MarkReady 记录 c 已就绪，返回其他已就绪参与者的 ready 帧。
// 两个参与者第一次同时 ready 时 started 为 true
func (h *Hub) MarkReady(c *Conn, env transport.Envelope) (replay []transport.Envelope, started bool) {
	h.mu.RLock()
	r := h.rooms[c.roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.participantID] != c {
		return nil, false
	}
	r.ready[c.participantID] = env
	for pid, e := range r.ready {
		if pid != c.participantID {
			replay = append(replay, e)
		}
	}
	if !r.started && len(r.ready) == maxParticipants {
		r.started = true
		started = true
	}
	return replay, started
}

// RoomSize 返回房间内当前连接数
func (h *Hub) RoomSize(roomID string) int {
	return len(h.peers(roomID))
}

// disconnected 在连接读循环结束后调用：通知对端、记录结束原因，房间空了就落库
func (h *Hub) disconnected(c *Conn) {
	current, empty, started := h.Leave(c)
	if !current {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.CloseTimeout)
	defer cancel()

	if err := h.presence.RemoveMember(ctx, c.roomID, c.participantID); err != nil {
		logger.L().Debug("remove member failed", "room", c.roomID, "participant", c.participantID, "err", err)
	}
	if empty {
		if err := h.svc.CloseRoom(ctx, c.roomID); err != nil {
			logger.L().Warn("close room failed", "room", c.roomID, "err", err)
		}
		return
	}

	// 开始前的断线只通知对端，对端会等待重连
	if started {
		if err := h.svc.EndSession(ctx, c.roomID, c.participantID, collab.CausePartnerDisconnected, 0); err != nil {
			logger.L().Debug("record partner disconnect failed", "room", c.roomID, "err", err)
		}
	}
	env, _ := transport.NewEnvelope(transport.EventPartnerDisconnected, c.roomID,
		transport.PartnerDisconnectedPayload{ParticipantID: c.participantID})
	env.SenderID = c.participantID
	h.Broadcast(c.roomID, env, nil)
	logger.L().Info("partner disconnected", "room", c.roomID, "participant", c.participantID)
}

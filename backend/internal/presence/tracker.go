package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/transport"
)

// 对端光标的颜色表
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
}

// ColorFor 由参与者 id 决定颜色，两端算出来的结果一致
func ColorFor(participantID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

type Record struct {
	ParticipantID string
	DisplayName   string
	Color         string
	Position      int
	Selection     *transport.Selection
	LastSeen      time.Time
}

// Channel 是 Tracker 用到的 transport.Channel 子集
type Channel interface {
	Send(ctx context.Context, roomID, event string, payload any) error
	On(roomID, event string, h transport.Handler)
}

type Tracker struct {
	ch     Channel
	roomID string
	self   string

	mu        sync.Mutex
	records   map[string]Record
	onCursor  []func(Record)
	onRemoved []func(participantID string)
	closed    bool
}

func NewTracker(ch Channel, roomID, selfID string) *Tracker {
	t := &Tracker{
		ch:      ch,
		roomID:  roomID,
		self:    selfID,
		records: make(map[string]Record),
	}
	ch.On(roomID, transport.EventCursor, t.handleCursor)
	ch.On(roomID, transport.EventPartnerDisconnected, t.handleDisconnected)
	return t
}

// BroadcastCursor 发出本地光标；失败只记 debug 日志，不重试
func (t *Tracker) BroadcastCursor(ctx context.Context, roomID, participantID, displayName string, position int, sel *transport.Selection) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	err := t.ch.Send(ctx, roomID, transport.EventCursor, transport.CursorPayload{
		DisplayName: displayName,
		Position:    position,
		Selection:   sel,
	})
	if err != nil {
		logger.Ctx(ctx).Debug("cursor broadcast dropped", "room", roomID, "participant", participantID, "err", err)
	}
}

func (t *Tracker) OnRemoteCursor(h func(Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCursor = append(t.onCursor, h)
}

func (t *Tracker) OnRemoved(h func(participantID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoved = append(t.onRemoved, h)
}

func (t *Tracker) Get(participantID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[participantID]
	return r, ok
}

func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Close 之后收到的帧全部忽略；房间监听由 Controller 退出时统一移除
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.records = make(map[string]Record)
	t.onCursor = nil
	t.onRemoved = nil
}

func (t *Tracker) handleCursor(env transport.Envelope) {
	if env.SenderID == "" || env.SenderID == t.self {
		return
	}
	var p transport.CursorPayload
	if err := env.Decode(&p); err != nil {
		logger.L().Debug("bad cursor frame", "room", t.roomID, "err", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	// 重复投递的旧帧不能覆盖新位置
	if prev, ok := t.records[env.SenderID]; ok && env.SentAt.Before(prev.LastSeen) {
		t.mu.Unlock()
		return
	}
	rec := Record{
		ParticipantID: env.SenderID,
		DisplayName:   p.DisplayName,
		Color:         ColorFor(env.SenderID),
		Position:      p.Position,
		Selection:     p.Selection,
		LastSeen:      env.SentAt,
	}
	t.records[env.SenderID] = rec
	hs := append(([]func(Record))(nil), t.onCursor...)
	t.mu.Unlock()

	for _, h := range hs {
		h(rec)
	}
}

func (t *Tracker) handleDisconnected(env transport.Envelope) {
	var p transport.PartnerDisconnectedPayload
	_ = env.Decode(&p)
	id := p.ParticipantID
	if id == "" {
		id = env.SenderID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, ok := t.records[id]
	delete(t.records, id)
	hs := append(([]func(string))(nil), t.onRemoved...)
	t.mu.Unlock()

	if ok {
		for _, h := range hs {
			h(id)
		}
	}
}

package transport

import (
	"encoding/json"
	"time"

	"collabSession/backend/internal/crdt"
)

// 一条 websocket 连接上复用的事件
const (
	EventDocInit             = "doc_init"  // c→s 候选种子
	EventDocState            = "doc_state" // s→c 胜出的种子 + backlog
	EventDocUpdate           = "doc_update"
	EventCursor              = "cursor"
	EventReady               = "ready"
	EventEndSession          = "end_session"
	EventPartnerDisconnected = "partner_disconnected"
	EventChat                = "chat"
	EventLeave               = "leave"
	EventError               = "error"

	// 本地伪事件：自己的连接断开，不会出现在线上
	EventConnectionLost = "connection_lost"
)

// Envelope 是线上的一帧，seq 为发送方在这条连接上的递增序号
type Envelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	SenderID string          `json:"senderId,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ, roomID string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, RoomID: roomID, SentAt: time.Now()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}

// Decode 把 payload 解到 dst；没有 payload 时 dst 保持零值
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

type DocInitPayload struct {
	Seed          crdt.Update `json:"seed"`
	QuestionID    string      `json:"questionId,omitempty"`
	QuestionTitle string      `json:"questionTitle,omitempty"`
	Language      string      `json:"language,omitempty"`
}

type DocStatePayload struct {
	Seed     crdt.Update   `json:"seed"`
	Backlog  []crdt.Update `json:"backlog"`
	Revision uint64        `json:"revision"`
	Created  bool          `json:"created"`
}

type DocUpdatePayload struct {
	Update   crdt.Update `json:"update"`
	Revision uint64      `json:"revision,omitempty"` // relay 填写
}

type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type CursorPayload struct {
	DisplayName string     `json:"displayName"`
	Position    int        `json:"position"`
	Selection   *Selection `json:"selection,omitempty"`
}

type ReadyPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

// EndSessionPayload 的 duration 以秒为单位
type EndSessionPayload struct {
	Duration int64 `json:"duration"`
}

type PartnerDisconnectedPayload struct {
	ParticipantID string `json:"participantId"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// relay 返回的错误码
const (
	CodeRoomFull      = "ROOM_FULL"
	CodeBadPayload    = "BAD_PAYLOAD"
	CodeDocInitFailed = "DOC_INIT_FAILED"
	CodeUpdateFailed  = "UPDATE_REJECTED"
	CodeUnknownType   = "UNKNOWN_TYPE"
)

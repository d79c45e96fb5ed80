package collab

import (
	"time"

	"github.com/google/uuid"
)

type RoomEventType string

const (
	EventUpdateApplied RoomEventType = "DOC_UPDATE_APPLIED"
	EventSessionEnded  RoomEventType = "SESSION_ENDED"
	EventRoomClosed    RoomEventType = "ROOM_CLOSED"
)

// RoomEvent 是 relay 发往 kafka 的房间事件，以 roomId 作为分区 key
type RoomEvent struct {
	EventID       string        `json:"eventId"`
	EventType     RoomEventType `json:"eventType"`
	RoomID        string        `json:"roomId"`
	ParticipantID string        `json:"participantId,omitempty"`
	ClientID      string        `json:"clientId,omitempty"`
	ClientSeq     uint64        `json:"clientSeq,omitempty"` // 同一连接内递增的序号
	Revision      uint64        `json:"revision"`
	OpCount       int           `json:"opCount,omitempty"`
	Cause         string        `json:"cause,omitempty"`
	DurationSec   int64         `json:"durationSec,omitempty"`
	At            time.Time     `json:"at"`
}

func newRoomEvent(t RoomEventType, roomID string, revision uint64) RoomEvent {
	return RoomEvent{
		EventID:   uuid.NewString(),
		EventType: t,
		RoomID:    roomID,
		Revision:  revision,
		At:        time.Now(),
	}
}

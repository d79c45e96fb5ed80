package cache

import "fmt"

// 键语义：
// - roomKey(roomID):    房间在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):   房间内 participantId→displayName（Hash）
// - cursorKey:          参与者最近一次光标（String，带 TTL）
// - seedKey(roomID):    胜出的种子增量（String，只写一次）
// - updatesKey(roomID): 种子之后的增量日志（List，按 relay 接收顺序）
//
// 同一房间的键都带 {room:%s} hash tag，集群模式下落在同一个 slot

const (
	keyRoomFmt    = "presence:room:{room:%s}"
	keyNamesFmt   = "presence:room:names:{room:%s}"
	keyCursorFmt  = "presence:cursor:{room:%s}:%s"
	keySeedFmt    = "collab:doc:{room:%s}:seed"
	keyUpdatesFmt = "collab:doc:{room:%s}:updates"
)

func roomKey(roomID string) string        { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string       { return fmt.Sprintf(keyNamesFmt, roomID) }
func cursorKey(roomID, pid string) string { return fmt.Sprintf(keyCursorFmt, roomID, pid) }
func seedKey(roomID string) string        { return fmt.Sprintf(keySeedFmt, roomID) }
func updatesKey(roomID string) string     { return fmt.Sprintf(keyUpdatesFmt, roomID) }

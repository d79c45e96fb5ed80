package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, roomID, participantID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, participantID string) error
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, roomID, participantID string, jsonData []byte, ttl time.Duration) error
	// 没有光标时返回 nil, nil
	GetCursor(ctx context.Context, roomID, participantID string) ([]byte, error)
}

type PresenceMember struct {
	ParticipantID string
	DisplayName   string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理 score<=now 的成员以及它们的名字
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(roomID)
-- KEYS[2] = namesKey(roomID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, roomID, participantID, displayName string, ttl time.Duration) error {
	// 心跳刷新 TTL 也走这里
	tx := p.rdb.TxPipeline()
	// score 用 expireAt（Unix 秒）表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: participantID})
	tx.HSet(ctx, namesKey(roomID), participantID, displayName)
	// key 本身也带 TTL，房间被遗弃时自动回收
	tx.Expire(ctx, roomKey(roomID), 2*ttl)
	tx.Expire(ctx, namesKey(roomID), 2*ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), participantID)
	tx.HDel(ctx, namesKey(roomID), participantID)
	tx.Del(ctx, cursorKey(roomID, participantID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, participantID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(roomID, participantID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, roomID, participantID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(roomID, participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return cursor, err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now := time.Now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员（score > now）
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{ParticipantID: id, DisplayName: name})
	}
	return members, nil
}

// 内存实现：没有 redis 时使用，语义与 redis 版一致
type memoryPresence struct {
	mu      sync.Mutex
	now     func() time.Time
	rooms   map[string]map[string]memberEntry
	cursors map[string]cursorEntry
}

type memberEntry struct {
	name     string
	expireAt time.Time
}

type cursorEntry struct {
	data     []byte
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return newMemoryPresence(time.Now)
}

func newMemoryPresence(now func() time.Time) *memoryPresence {
	return &memoryPresence{
		now:     now,
		rooms:   make(map[string]map[string]memberEntry),
		cursors: make(map[string]cursorEntry),
	}
}

func (m *memoryPresence) AddMember(_ context.Context, roomID, participantID, displayName string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]memberEntry)
	}
	m.rooms[roomID][participantID] = memberEntry{name: displayName, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryPresence) RemoveMember(_ context.Context, roomID, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members := m.rooms[roomID]; members != nil {
		delete(members, participantID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	delete(m.cursors, cursorKey(roomID, participantID))
	return nil
}

func (m *memoryPresence) GetAliveMembersWithNames(_ context.Context, roomID string) ([]PresenceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []PresenceMember
	for id, e := range m.rooms[roomID] {
		if !e.expireAt.After(now) {
			delete(m.rooms[roomID], id)
			continue
		}
		out = append(out, PresenceMember{ParticipantID: id, DisplayName: e.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *memoryPresence) SetCursor(_ context.Context, roomID, participantID string, jsonData []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursorKey(roomID, participantID)] = cursorEntry{data: append([]byte(nil), jsonData...), expireAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryPresence) GetCursor(_ context.Context, roomID, participantID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cursors[cursorKey(roomID, participantID)]
	if !ok || !e.expireAt.After(m.now()) {
		return nil, nil
	}
	return e.data, nil
}

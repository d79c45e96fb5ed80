package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabSession/backend/internal/crdt"
)

// redis 实现：种子用 SETNX 仲裁，增量按到达顺序 RPUSH
type RedisDocuments struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisDocuments(rdb redis.UniversalClient, ttl time.Duration) *RedisDocuments {
	return &RedisDocuments{rdb: rdb, ttl: ttl}
}

func (s *RedisDocuments) SeedIfAbsent(ctx context.Context, roomID string, seed crdt.Update) (crdt.Update, bool, error) {
	b, err := json.Marshal(seed)
	if err != nil {
		return crdt.Update{}, false, err
	}
	ok, err := s.rdb.SetNX(ctx, seedKey(roomID), b, s.ttl).Result()
	if err != nil {
		return crdt.Update{}, false, err
	}
	if ok {
		return seed, true, nil
	}
	winner, found, err := s.Seed(ctx, roomID)
	if err != nil {
		return crdt.Update{}, false, err
	}
	if !found {
		// SETNX 失败之后 key 又过期了，极少见，交给调用方重试
		return crdt.Update{}, false, errors.New("seed vanished after SETNX")
	}
	return winner, false, nil
}

func (s *RedisDocuments) Seed(ctx context.Context, roomID string) (crdt.Update, bool, error) {
	b, err := s.rdb.Get(ctx, seedKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crdt.Update{}, false, nil
	}
	if err != nil {
		return crdt.Update{}, false, err
	}
	var u crdt.Update
	if err := json.Unmarshal(b, &u); err != nil {
		return crdt.Update{}, false, err
	}
	return u, true, nil
}

func (s *RedisDocuments) AppendUpdate(ctx context.Context, roomID string, u crdt.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	tx := s.rdb.TxPipeline()
	tx.RPush(ctx, updatesKey(roomID), b)
	if s.ttl > 0 {
		tx.Expire(ctx, updatesKey(roomID), s.ttl)
		tx.Expire(ctx, seedKey(roomID), s.ttl)
	}
	_, err = tx.Exec(ctx)
	return err
}

func (s *RedisDocuments) Updates(ctx context.Context, roomID string) ([]crdt.Update, error) {
	raw, err := s.rdb.LRange(ctx, updatesKey(roomID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]crdt.Update, 0, len(raw))
	for _, r := range raw {
		var u crdt.Update
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *RedisDocuments) Drop(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, seedKey(roomID), updatesKey(roomID)).Err()
}

// 内存实现：单进程 relay 和测试使用
type MemoryDocuments struct {
	mu      sync.Mutex
	seeds   map[string]crdt.Update
	updates map[string][]crdt.Update
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		seeds:   make(map[string]crdt.Update),
		updates: make(map[string][]crdt.Update),
	}
}

func (m *MemoryDocuments) SeedIfAbsent(_ context.Context, roomID string, seed crdt.Update) (crdt.Update, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.seeds[roomID]; ok {
		return cur, false, nil
	}
	m.seeds[roomID] = seed
	return seed, true, nil
}

func (m *MemoryDocuments) Seed(_ context.Context, roomID string) (crdt.Update, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.seeds[roomID]
	return u, ok, nil
}

func (m *MemoryDocuments) AppendUpdate(_ context.Context, roomID string, u crdt.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[roomID] = append(m.updates[roomID], u)
	return nil
}

func (m *MemoryDocuments) Updates(_ context.Context, roomID string) ([]crdt.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]crdt.Update(nil), m.updates[roomID]...), nil
}

func (m *MemoryDocuments) Drop(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seeds, roomID)
	delete(m.updates, roomID)
	return nil
}

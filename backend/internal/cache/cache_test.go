package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"collabSession/backend/internal/crdt"
)

func redisOrSkip(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestMemoryDocuments_SeedRace(t *testing.T) {
	store := NewMemoryDocuments()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]crdt.Update, 8)
	created := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seed := crdt.Seed(uuid.NewString(), "template")
			results[i], created[i], _ = store.SeedIfAbsent(ctx, "room-1", seed)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if created[i] {
			winners++
		}
		if results[i].Ops[0].ID != results[0].Ops[0].ID {
			t.Fatalf("caller %d saw a different seed", i)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestMemoryDocuments_UpdatesAndDrop(t *testing.T) {
	store := NewMemoryDocuments()
	ctx := context.Background()
	d := crdt.New("a")
	u1, _ := d.Insert(0, "ab")
	u2, _ := d.Delete(0, 1)
	_ = store.AppendUpdate(ctx, "r", u1)
	_ = store.AppendUpdate(ctx, "r", u2)

	got, _ := store.Updates(ctx, "r")
	if len(got) != 2 || len(got[0].Ops) != 2 || got[1].Ops[0].Kind != crdt.OpDelete {
		t.Fatalf("Updates() = %+v", got)
	}
	_ = store.Drop(ctx, "r")
	if got, _ := store.Updates(ctx, "r"); len(got) != 0 {
		t.Fatalf("Updates() after Drop = %+v", got)
	}
	if _, ok, _ := store.Seed(ctx, "r"); ok {
		t.Fatalf("seed survived Drop")
	}
}

func TestMemoryPresence_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newMemoryPresence(func() time.Time { return now })
	ctx := context.Background()

	_ = p.AddMember(ctx, "r", "alice", "Alice", 10*time.Second)
	_ = p.AddMember(ctx, "r", "bob", "Bob", 30*time.Second)
	_ = p.SetCursor(ctx, "r", "alice", []byte(`{"pos":3}`), 10*time.Second)

	members, _ := p.GetAliveMembersWithNames(ctx, "r")
	if len(members) != 2 || members[0].DisplayName != "Alice" {
		t.Fatalf("members = %+v", members)
	}

	now = now.Add(15 * time.Second)
	members, _ = p.GetAliveMembersWithNames(ctx, "r")
	if len(members) != 1 || members[0].ParticipantID != "bob" {
		t.Fatalf("after expiry members = %+v", members)
	}
	if c, _ := p.GetCursor(ctx, "r", "alice"); c != nil {
		t.Fatalf("expired cursor returned: %s", c)
	}

	_ = p.RemoveMember(ctx, "r", "bob")
	if members, _ := p.GetAliveMembersWithNames(ctx, "r"); len(members) != 0 {
		t.Fatalf("members after remove = %+v", members)
	}
}

func TestRedisDocuments_SeedIfAbsent(t *testing.T) {
	rdb := redisOrSkip(t)
	ctx := context.Background()
	room := "test-" + uuid.NewString()
	store := NewRedisDocuments(rdb, time.Minute)
	defer store.Drop(ctx, room)

	first := crdt.Seed("site-a", "def solve():")
	second := crdt.Seed("site-b", "class Solution {}")

	got, created, err := store.SeedIfAbsent(ctx, room, first)
	if err != nil || !created {
		t.Fatalf("first SeedIfAbsent: created=%v err=%v", created, err)
	}
	got, created, err = store.SeedIfAbsent(ctx, room, second)
	if err != nil || created {
		t.Fatalf("second SeedIfAbsent: created=%v err=%v", created, err)
	}
	if got.Ops[0].ID.Site != "site-a" {
		t.Fatalf("winner site = %s, want site-a", got.Ops[0].ID.Site)
	}

	d := crdt.New("site-c")
	_, _ = d.Apply(got)
	u, _ := d.Insert(0, "# ")
	if err := store.AppendUpdate(ctx, room, u); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}
	backlog, err := store.Updates(ctx, room)
	if err != nil || len(backlog) != 1 || len(backlog[0].Ops) != 2 {
		t.Fatalf("Updates() = %+v, %v", backlog, err)
	}
}

func TestRedisPresence_Members(t *testing.T) {
	rdb := redisOrSkip(t)
	ctx := context.Background()
	room := "test-" + uuid.NewString()
	p := NewRedisPresence(rdb)
	defer rdb.Del(ctx, roomKey(room), namesKey(room))

	if err := p.AddMember(ctx, room, "alice", "Alice", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.SetCursor(ctx, room, "alice", []byte(`{"position":4}`), time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	members, err := p.GetAliveMembersWithNames(ctx, room)
	if err != nil || len(members) != 1 || members[0].DisplayName != "Alice" {
		t.Fatalf("members = %+v, err = %v", members, err)
	}
	if c, err := p.GetCursor(ctx, room, "alice"); err != nil || string(c) != `{"position":4}` {
		t.Fatalf("GetCursor = %s, %v", c, err)
	}
	if err := p.RemoveMember(ctx, room, "alice"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if c, err := p.GetCursor(ctx, room, "alice"); err != nil || c != nil {
		t.Fatalf("cursor after remove = %s, %v", c, err)
	}
}

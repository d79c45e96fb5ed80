package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/ot/delta"
)

type fakeSnapshots struct {
	mu      sync.Mutex
	content map[string]string
	rev     map[string]uint64
}

func (f *fakeSnapshots) SaveDocumentSnapshot(_ context.Context, roomID string, rev uint64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.content == nil {
		f.content, f.rev = map[string]string{}, map[string]uint64{}
	}
	f.content[roomID], f.rev[roomID] = content, rev
	return nil
}

func (f *fakeSnapshots) LatestSnapshot(_ context.Context, roomID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[roomID]
	if !ok {
		return "", 0, ErrDocumentNotFound
	}
	return c, f.rev[roomID], nil
}

type fakeRecords struct{ recs []SessionRecord }

func (f *fakeRecords) SaveSessionRecord(_ context.Context, rec SessionRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

type fakeEvents struct {
	mu   sync.Mutex
	evts []RoomEvent
}

func (f *fakeEvents) Enqueue(_ context.Context, evt RoomEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evts = append(f.evts, evt)
	return nil
}

func (f *fakeEvents) types() []RoomEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RoomEventType, len(f.evts))
	for i, e := range f.evts {
		out[i] = e.EventType
	}
	return out
}

func TestInMemoryService_SeedOnlyOnce(t *testing.T) {
	svc := NewInMemoryService(cache.NewMemoryDocuments())
	ctx := context.Background()

	pySeed := crdt.Seed("alice-site", "def solve():\n    pass\n")
	javaSeed := crdt.Seed("bob-site", "class Solution {}\n")

	first, err := svc.InitDocument(ctx, "m-1", InitRequest{Seed: pySeed, QuestionID: "q1", Language: "Python"})
	if err != nil || !first.Created {
		t.Fatalf("first InitDocument = %+v, %v", first, err)
	}
	second, err := svc.InitDocument(ctx, "m-1", InitRequest{Seed: javaSeed, QuestionID: "q1", Language: "Java"})
	if err != nil || second.Created {
		t.Fatalf("second InitDocument = %+v, %v", second, err)
	}
	if second.Seed.Ops[0].ID != pySeed.Ops[0].ID {
		t.Fatalf("second joiner got a different seed")
	}
	text, _, err := svc.LoadDocumentContent(ctx, "m-1")
	if err != nil || text != "def solve():\n    pass\n" {
		t.Fatalf("LoadDocumentContent = %q, %v", text, err)
	}
}

func TestInMemoryService_SubmitDedupAndBacklog(t *testing.T) {
	events := &fakeEvents{}
	svc := NewInMemoryService(cache.NewMemoryDocuments(), WithEvents(events))
	ctx := context.Background()
	seed := crdt.Seed("a", "x")
	if _, err := svc.InitDocument(ctx, "m-2", InitRequest{Seed: seed}); err != nil {
		t.Fatalf("InitDocument: %v", err)
	}

	r := NewReplica("m-2", "alice")
	_ = r.Load(seed, nil)
	u, _ := r.ApplyLocal(delta.At(1, "yz"))

	applied, err := svc.SubmitUpdate(ctx, "m-2", "alice", "conn-1", 5, u)
	if err != nil || applied.Revision != 1 {
		t.Fatalf("SubmitUpdate = %+v, %v", applied, err)
	}
	if _, err := svc.SubmitUpdate(ctx, "m-2", "alice", "conn-1", 5, u); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("duplicate SubmitUpdate err = %v", err)
	}
	// 新连接的 seq 从头开始
	if _, err := svc.SubmitUpdate(ctx, "m-2", "alice", "conn-2", 1, crdt.Update{}); err != nil {
		t.Fatalf("SubmitUpdate on new connection: %v", err)
	}

	state, _ := svc.InitDocument(ctx, "m-2", InitRequest{Seed: crdt.Seed("b", "other")})
	if len(state.Backlog) != 2 || state.Revision != 2 {
		t.Fatalf("backlog = %d revision = %d", len(state.Backlog), state.Revision)
	}
	late := NewReplica("m-2", "bob")
	_ = late.Load(state.Seed, state.Backlog)
	if late.Text() != "xyz" {
		t.Fatalf("late joiner text = %q", late.Text())
	}
	if got := events.types(); len(got) != 2 || got[0] != EventUpdateApplied {
		t.Fatalf("events = %v", got)
	}
}

func TestInMemoryService_RejectsMalformedUpdate(t *testing.T) {
	docs := cache.NewMemoryDocuments()
	svc := NewInMemoryService(docs)
	ctx := context.Background()
	_, _ = svc.InitDocument(ctx, "m-3", InitRequest{Seed: crdt.Seed("a", "x")})

	bad := crdt.Update{Ops: []crdt.Op{{Kind: crdt.OpInsert, ID: crdt.ID{Clock: 9, Site: "z"}, Value: "too long"}}}
	if _, err := svc.SubmitUpdate(ctx, "m-3", "alice", "c", 1, bad); !errors.Is(err, crdt.ErrInvalidOp) {
		t.Fatalf("SubmitUpdate err = %v, want ErrInvalidOp", err)
	}
	if backlog, _ := docs.Updates(ctx, "m-3"); len(backlog) != 0 {
		t.Fatalf("malformed update reached backlog")
	}
}

func TestInMemoryService_EndAndCloseRoom(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	snaps, recs, events := &fakeSnapshots{}, &fakeRecords{}, &fakeEvents{}
	docs := cache.NewMemoryDocuments()
	svc := NewInMemoryService(docs, WithSnapshots(snaps), WithRecords(recs), WithEvents(events), WithClock(clock))
	ctx := context.Background()

	_, _ = svc.InitDocument(ctx, "m-4", InitRequest{Seed: crdt.Seed("a", "print(1)"), QuestionID: "q9", QuestionTitle: "Two Sum", Language: "Python"})
	svc.AddParticipant("m-4", "alice", "Alice")
	svc.AddParticipant("m-4", "bob", "Bob")
	_ = svc.StartSession(ctx, "m-4")

	now = now.Add(3 * time.Minute)
	if err := svc.EndSession(ctx, "m-4", "alice", CauseConfirmed, 180*time.Second); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	// 第二次结束（比如随后的断线）不覆盖原因
	_ = svc.EndSession(ctx, "m-4", "bob", CausePartnerDisconnected, 0)

	if err := svc.CloseRoom(ctx, "m-4"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	if len(recs.recs) != 1 {
		t.Fatalf("records = %d", len(recs.recs))
	}
	rec := recs.recs[0]
	if rec.EndCause != CauseConfirmed || rec.Duration != 180*time.Second || rec.FinalCode != "print(1)" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Participants) != 2 || rec.QuestionTitle != "Two Sum" {
		t.Fatalf("record participants/meta = %+v", rec)
	}

	// 房间关闭后回看走快照
	text, _, err := svc.LoadDocumentContent(ctx, "m-4")
	if err != nil || text != "print(1)" {
		t.Fatalf("LoadDocumentContent after close = %q, %v", text, err)
	}
	if _, ok, _ := docs.Seed(ctx, "m-4"); ok {
		t.Fatalf("seed not dropped after close")
	}
	got := events.types()
	if len(got) != 2 || got[0] != EventSessionEnded || got[1] != EventRoomClosed {
		t.Fatalf("events = %v", got)
	}
}

func TestInMemoryService_DurationExcludesWaitingForPartner(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	recs := &fakeRecords{}
	svc := NewInMemoryService(cache.NewMemoryDocuments(), WithRecords(recs), WithClock(clock))
	ctx := context.Background()

	_, _ = svc.InitDocument(ctx, "m-6", InitRequest{Seed: crdt.Seed("a", "x")})
	svc.AddParticipant("m-6", "alice", "Alice")

	// 对端 60s 后才到，双方 ready 时开始计时
	now = now.Add(60 * time.Second)
	svc.AddParticipant("m-6", "bob", "Bob")
	_ = svc.StartSession(ctx, "m-6")

	now = now.Add(30 * time.Second)
	_ = svc.EndSession(ctx, "m-6", "bob", CausePartnerDisconnected, 0)
	if err := svc.CloseRoom(ctx, "m-6"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	rec := recs.recs[0]
	if rec.EndCause != CausePartnerDisconnected || rec.Duration != 30*time.Second {
		t.Fatalf("cause = %s duration = %s, want PARTNER_DISCONNECTED 30s", rec.EndCause, rec.Duration)
	}
}

func TestInMemoryService_NeverStartedRoomHasNoDuration(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	recs := &fakeRecords{}
	svc := NewInMemoryService(cache.NewMemoryDocuments(), WithRecords(recs), WithClock(clock))
	ctx := context.Background()

	_, _ = svc.InitDocument(ctx, "m-7", InitRequest{Seed: crdt.Seed("a", "x")})
	now = now.Add(5 * time.Minute)
	if err := svc.CloseRoom(ctx, "m-7"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	rec := recs.recs[0]
	if rec.EndCause != CauseAbandoned || rec.Duration != 0 || !rec.StartedAt.Equal(rec.EndedAt) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestInMemoryService_RestoresAfterRestart(t *testing.T) {
	docs := cache.NewMemoryDocuments()
	ctx := context.Background()
	seed := crdt.Seed("a", "ab")
	_, _ = NewInMemoryService(docs).InitDocument(ctx, "m-5", InitRequest{Seed: seed})

	restarted := NewInMemoryService(docs)
	r := NewReplica("m-5", "alice")
	_ = r.Load(seed, nil)
	u, _ := r.ApplyLocal(delta.At(2, "c"))
	if _, err := restarted.SubmitUpdate(ctx, "m-5", "alice", "c1", 1, u); err != nil {
		t.Fatalf("SubmitUpdate after restart: %v", err)
	}
	if text, rev, _ := restarted.LoadDocumentContent(ctx, "m-5"); text != "abc" || rev != 1 {
		t.Fatalf("content = %q rev = %d", text, rev)
	}
}

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabSession/backend/internal/transport"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	sent     []transport.Envelope
	err      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Send(_ context.Context, roomID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	env, _ := transport.NewEnvelope(event, roomID, payload)
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) On(roomID, event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[roomID+"/"+event] = append(f.handlers[roomID+"/"+event], h)
}

func (f *fakeChannel) deliver(env transport.Envelope) {
	f.mu.Lock()
	hs := f.handlers[env.RoomID+"/"+env.Type]
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func cursorFrame(t *testing.T, sender string, pos int, at time.Time) transport.Envelope {
	t.Helper()
	env, err := transport.NewEnvelope(transport.EventCursor, "r1", transport.CursorPayload{DisplayName: sender, Position: pos})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.SenderID, env.SentAt = sender, at
	return env
}

func TestColorFor_Deterministic(t *testing.T) {
	if ColorFor("alice") != ColorFor("alice") {
		t.Fatalf("color must be stable")
	}
}

func TestTracker_LastUpdateWins(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTracker(ch, "r1", "alice")

	var seen []int
	tr.OnRemoteCursor(func(r Record) { seen = append(seen, r.Position) })

	t0 := time.Now()
	ch.deliver(cursorFrame(t, "bob", 5, t0))
	ch.deliver(cursorFrame(t, "bob", 9, t0.Add(time.Second)))
	// 迟到的旧帧
	ch.deliver(cursorFrame(t, "bob", 5, t0))
	// 自己的回显
	ch.deliver(cursorFrame(t, "alice", 1, t0.Add(2*time.Second)))

	rec, ok := tr.Get("bob")
	if !ok || rec.Position != 9 || rec.Color != ColorFor("bob") {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %v", seen)
	}
	if _, ok := tr.Get("alice"); ok {
		t.Fatalf("own cursor must not be tracked")
	}
}

func TestTracker_RemovedOnPartnerDisconnected(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTracker(ch, "r1", "alice")
	ch.deliver(cursorFrame(t, "bob", 3, time.Now()))

	var removed string
	tr.OnRemoved(func(id string) { removed = id })

	env, _ := transport.NewEnvelope(transport.EventPartnerDisconnected, "r1",
		transport.PartnerDisconnectedPayload{ParticipantID: "bob"})
	ch.deliver(env)

	if removed != "bob" || len(tr.Records()) != 0 {
		t.Fatalf("removed=%q records=%v", removed, tr.Records())
	}
}

func TestTracker_BroadcastIsFireAndForget(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTracker(ch, "r1", "alice")

	tr.BroadcastCursor(context.Background(), "r1", "alice", "Alice", 4, nil)
	ch.err = errors.New("queue closed")
	tr.BroadcastCursor(context.Background(), "r1", "alice", "Alice", 5, nil)

	if len(ch.sent) != 1 {
		t.Fatalf("expected one sent frame, got %d", len(ch.sent))
	}
	var p transport.CursorPayload
	if err := ch.sent[0].Decode(&p); err != nil || p.Position != 4 {
		t.Fatalf("payload %+v %v", p, err)
	}
}

func TestTracker_CloseIgnoresLaterFrames(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTracker(ch, "r1", "alice")
	tr.Close()
	ch.deliver(cursorFrame(t, "bob", 1, time.Now()))
	if len(tr.Records()) != 0 {
		t.Fatalf("closed tracker recorded a cursor")
	}
}

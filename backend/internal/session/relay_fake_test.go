package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/transport"
)

// fakeRelay 在进程内模拟 relay：种子只写一次、ready 重放、断线通知。
// 帧同步投递，不经过网络
type fakeRelay struct {
	mu      sync.Mutex
	seed    *crdt.Update
	backlog []crdt.Update
	members map[string]*fakeChannel
	ready   map[string]transport.Envelope
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{members: make(map[string]*fakeChannel), ready: make(map[string]transport.Envelope)}
}

func (r *fakeRelay) dialer() Dialer {
	return func(_ context.Context, roomID, participantID string) (Channel, error) {
		ch := &fakeChannel{relay: r, roomID: roomID, self: participantID, handlers: make(map[string][]transport.Handler)}
		r.mu.Lock()
		r.members[participantID] = ch
		r.mu.Unlock()
		return ch, nil
	}
}

func (r *fakeRelay) peers(except string) []*fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeChannel
	for id, ch := range r.members {
		if id != except {
			out = append(out, ch)
		}
	}
	return out
}

func (r *fakeRelay) receive(from *fakeChannel, env transport.Envelope) {
	switch env.Type {
	case transport.EventDocInit:
		var p transport.DocInitPayload
		_ = env.Decode(&p)
		r.mu.Lock()
		if r.seed == nil {
			r.seed = &p.Seed
		}
		state := transport.DocStatePayload{Seed: *r.seed, Backlog: append([]crdt.Update(nil), r.backlog...)}
		r.mu.Unlock()
		out, _ := transport.NewEnvelope(transport.EventDocState, env.RoomID, state)
		from.deliver(out)
		return
	case transport.EventDocUpdate:
		var p transport.DocUpdatePayload
		_ = env.Decode(&p)
		r.mu.Lock()
		r.backlog = append(r.backlog, p.Update)
		r.mu.Unlock()
	case transport.EventReady:
		r.mu.Lock()
		var replay []transport.Envelope
		for id, e := range r.ready {
			if id != from.self {
				replay = append(replay, e)
			}
		}
		r.ready[from.self] = env
		r.mu.Unlock()
		for _, e := range replay {
			from.deliver(e)
		}
	case transport.EventLeave:
		return
	}
	for _, p := range r.peers(from.self) {
		p.deliver(env)
	}
}

// drop 模拟 relay 发现连接断开
func (r *fakeRelay) drop(participantID string) {
	r.mu.Lock()
	ch := r.members[participantID]
	delete(r.members, participantID)
	delete(r.ready, participantID)
	r.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	env, _ := transport.NewEnvelope(transport.EventPartnerDisconnected, ch.roomID,
		transport.PartnerDisconnectedPayload{ParticipantID: participantID})
	env.SenderID = participantID
	for _, p := range r.peers(participantID) {
		p.deliver(env)
	}
}

type fakeChannel struct {
	relay  *fakeRelay
	roomID string
	self   string

	mu       sync.Mutex
	seq      uint64
	handlers map[string][]transport.Handler
	closed   bool
	sent     []transport.Envelope
}

var errFakeClosed = errors.New("fake channel closed")

func (f *fakeChannel) Send(_ context.Context, roomID, event string, payload any) error {
	env, err := transport.NewEnvelope(event, roomID, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	f.seq++
	env.Seq, env.SenderID = f.seq, f.self
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	f.relay.receive(f, env)
	return nil
}

func (f *fakeChannel) On(roomID, event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[roomID+"/"+event] = append(f.handlers[roomID+"/"+event], h)
}

func (f *fakeChannel) RemoveListeners(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.handlers {
		if len(k) > len(roomID) && k[:len(roomID)+1] == roomID+"/" {
			delete(f.handlers, k)
		}
	}
}

func (f *fakeChannel) Disconnect(roomID, participantID string) {
	_ = f.Send(context.Background(), roomID, transport.EventLeave, nil)
	f.relay.drop(participantID)
}

func (f *fakeChannel) deliver(env transport.Envelope) {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[env.RoomID+"/"+env.Type]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

// loseConnection 模拟自己的连接断开
func (f *fakeChannel) loseConnection() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.deliver(transport.Envelope{Type: transport.EventConnectionLost, RoomID: f.roomID})
}

func (f *fakeChannel) sentOfType(typ string) []transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Envelope
	for _, e := range f.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

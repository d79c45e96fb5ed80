package collab

import (
	"errors"
	"fmt"
	"sync"

	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/ot/delta"
)

var (
	ErrNotReady        = errors.New("DOCUMENT_NOT_READY")
	ErrReadOnly        = errors.New("DOCUMENT_READ_ONLY")
	ErrDeltaOutOfRange = errors.New("DELTA_OUT_OF_RANGE")
)

// Replica 是一个参与者本地的共享文档副本：
// crdt.Doc 负责合并，Buffer 是编辑器看到的文本，两者始终相等
type Replica struct {
	mu       sync.Mutex
	roomID   string
	doc      *crdt.Doc
	buf      Buffer
	ready    bool
	readOnly bool
}

type Option func(*Replica)

// ReadOnly 的副本拒绝本地编辑，只用于回看和落快照
func ReadOnly() Option {
	return func(r *Replica) { r.readOnly = true }
}

func NewReplica(roomID, site string, opts ...Option) *Replica {
	r := &Replica{
		roomID: roomID,
		doc:    crdt.New(site),
		buf:    NewPieceTable(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replica) RoomID() string { return r.roomID }
func (r *Replica) Site() string   { return r.doc.Site() }

// Load 依次应用 relay 确认的种子和加入时的积压增量，之后副本进入 ready。
// 在 ready 之前到达的远端增量已经合并进 CRDT，这里统一重建编辑器缓冲区
func (r *Replica) Load(seed crdt.Update, backlog []crdt.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.doc.Apply(seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	for i, u := range backlog {
		if _, err := r.doc.Apply(u); err != nil {
			return fmt.Errorf("apply backlog[%d]: %w", i, err)
		}
	}
	r.buf = NewPieceTable(r.doc.String())
	r.ready = true
	return nil
}

func (r *Replica) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version()
}

// Pending 返回还在等待依赖的操作数
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Pending()
}

// ApplyLocal 把编辑器的一次本地变更同时写进 CRDT 和缓冲区，返回需要广播的增量
func (r *Replica) ApplyLocal(d delta.Delta) (crdt.Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return crdt.Update{}, ErrReadOnly
	}
	if !r.ready {
		return crdt.Update{}, ErrNotReady
	}
	if err := checkBounds(d, r.doc.Len()); err != nil {
		return crdt.Update{}, err
	}

	var out crdt.Update
	pos := 0
	for _, op := range d {
		var (
			u   crdt.Update
			err error
		)
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			continue
		case delta.KindInsert:
			u, err = r.doc.Insert(pos, op.Text)
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			u, err = r.doc.Delete(pos, op.Count)
		}
		if err != nil {
			return crdt.Update{}, err
		}
		out.Ops = append(out.Ops, u.Ops...)
	}
	if err := r.buf.Apply(d); err != nil {
		return crdt.Update{}, err
	}
	return out, nil
}

// ApplyRemote 合并对端增量，返回编辑器需要应用的 delta（已经应用到缓冲区）。
// ready 之前只合并进 CRDT，不产生 delta
func (r *Replica) ApplyRemote(u crdt.Update) ([]delta.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes, err := r.doc.Apply(u)
	if err != nil {
		return nil, err
	}
	if !r.ready {
		return nil, nil
	}
	deltas := toDeltas(changes)
	for _, d := range deltas {
		if err := r.buf.Apply(d); err != nil {
			return nil, err
		}
	}
	return deltas, nil
}

// toDeltas 把 CRDT 的可见变化翻成 retain/insert/delete，连续的插入合并成一条
func toDeltas(changes []crdt.Change) []delta.Delta {
	out := make([]delta.Delta, 0, len(changes))
	lastPos, lastText := -1, ""
	for _, c := range changes {
		switch c.Kind {
		case crdt.OpInsert:
			if lastPos >= 0 && c.Pos == lastPos+len([]rune(lastText)) {
				lastText += c.Text
				out[len(out)-1] = delta.At(lastPos, lastText)
				continue
			}
			out = append(out, delta.At(c.Pos, c.Text))
			lastPos, lastText = c.Pos, c.Text
		case crdt.OpDelete:
			out = append(out, delta.Remove(c.Pos, 1))
			lastPos, lastText = -1, ""
		}
	}
	return out
}

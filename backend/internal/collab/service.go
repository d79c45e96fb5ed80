package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/logger"
)

// relay 侧的房间服务：只负责种子仲裁、积压增量、去重和落库，不裁决文档内容
type Service interface {
	InitDocument(ctx context.Context, roomID string, req InitRequest) (DocState, error)

	SubmitUpdate(ctx context.Context, roomID, participantID, clientID string,
		clientSeq uint64, u crdt.Update) (AppliedUpdate, error)

	LoadDocumentContent(ctx context.Context, roomID string) (string, uint64, error)

	AddParticipant(roomID, participantID, displayName string)

	// StartSession 在双方都 ready 时调用，计时从这里开始
	StartSession(ctx context.Context, roomID string) error

	EndSession(ctx context.Context, roomID, participantID, cause string, duration time.Duration) error

	// 两个参与者都离开后调用：落快照和会话记录，清理 redis
	CloseRoom(ctx context.Context, roomID string) error
}

// DocumentStore 保存种子和增量日志（redis 实现见 cache 包）
type DocumentStore interface {
	// SeedIfAbsent 只在没有种子时写入，返回最终胜出的种子以及本次是否写入
	SeedIfAbsent(ctx context.Context, roomID string, seed crdt.Update) (crdt.Update, bool, error)
	Seed(ctx context.Context, roomID string) (crdt.Update, bool, error)
	AppendUpdate(ctx context.Context, roomID string, u crdt.Update) error
	Updates(ctx context.Context, roomID string) ([]crdt.Update, error)
	Drop(ctx context.Context, roomID string) error
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error
	LatestSnapshot(ctx context.Context, roomID string) (string, uint64, error)
}

type SessionRecordStore interface {
	SaveSessionRecord(ctx context.Context, rec SessionRecord) error
}

// EventPublisher 由 KafkaDispatcher 实现
type EventPublisher interface {
	Enqueue(ctx context.Context, evt RoomEvent) error
}

const (
	CauseConfirmed           = "CONFIRMED"
	CausePartnerDisconnected = "PARTNER_DISCONNECTED"
	CauseAbandoned           = "ABANDONED"
)

var (
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrDocumentNotFound      = errors.New("DOCUMENT_NOT_FOUND")
	ErrDocumentInit          = errors.New("DOC_INIT_FAILED")
)

type InitRequest struct {
	Seed          crdt.Update `json:"seed"`
	QuestionID    string      `json:"questionId,omitempty"`
	QuestionTitle string      `json:"questionTitle,omitempty"`
	Language      string      `json:"language,omitempty"`
}

// DocState 是回给加入者的文档初始状态：胜出的种子 + 之后的全部增量
type DocState struct {
	Seed     crdt.Update   `json:"seed"`
	Backlog  []crdt.Update `json:"backlog"`
	Revision uint64        `json:"revision"`
	Created  bool          `json:"created"`
}

type AppliedUpdate struct {
	Revision  uint64
	AppliedAt time.Time
}

type Participant struct {
	ID          string
	DisplayName string
}

type SessionRecord struct {
	RoomID        string
	QuestionID    string
	QuestionTitle string
	Language      string
	Participants  []Participant
	FinalCode     string
	Revision      uint64
	StartedAt     time.Time
	EndedAt       time.Time
	Duration      time.Duration
	EndCause      string
}

type roomState struct {
	mu       sync.Mutex
	loaded   bool
	revision uint64
	replica  *Replica
	// 去重窗口：每个连接最近处理过的最大 clientSeq
	lastSeqByClient map[string]uint64

	meta         InitRequest
	participants []Participant
	startedAt    time.Time
	endedAt      time.Time
	duration     time.Duration
	cause        string
}

// 内存实现：房间状态在内存里，种子和增量日志在 DocumentStore 里
type InMemoryService struct {
	mu    sync.RWMutex
	rooms map[string]*roomState

	documents DocumentStore
	snapshots SnapshotStore
	records   SessionRecordStore
	events    EventPublisher

	now func() time.Time
}

type ServiceOption func(*InMemoryService)

func WithSnapshots(s SnapshotStore) ServiceOption   { return func(m *InMemoryService) { m.snapshots = s } }
func WithRecords(r SessionRecordStore) ServiceOption { return func(m *InMemoryService) { m.records = r } }
func WithEvents(p EventPublisher) ServiceOption      { return func(m *InMemoryService) { m.events = p } }
func WithClock(now func() time.Time) ServiceOption   { return func(m *InMemoryService) { m.now = now } }

func NewInMemoryService(documents DocumentStore, opts ...ServiceOption) *InMemoryService {
	s := &InMemoryService{
		rooms:     make(map[string]*roomState),
		documents: documents,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// 获取或创建房间状态
func (s *InMemoryService) getOrCreateRoom(roomID string) *roomState {
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs != nil {
		return rs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs = s.rooms[roomID]; rs == nil {
		rs = &roomState{
			replica:         NewReplica(roomID, "relay", ReadOnly()),
			lastSeqByClient: make(map[string]uint64),
		}
		s.rooms[roomID] = rs
	}
	return rs
}

func (s *InMemoryService) room(roomID string) *roomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *InMemoryService) InitDocument(ctx context.Context, roomID string, req InitRequest) (DocState, error) {
	rs := s.getOrCreateRoom(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	winner, created, err := s.documents.SeedIfAbsent(ctx, roomID, req.Seed)
	if err != nil {
		return DocState{}, fmt.Errorf("%w: seed %s: %v", ErrDocumentInit, roomID, err)
	}
	backlog, err := s.documents.Updates(ctx, roomID)
	if err != nil {
		return DocState{}, fmt.Errorf("%w: backlog %s: %v", ErrDocumentInit, roomID, err)
	}
	if !rs.loaded {
		if err := rs.replica.Load(winner, backlog); err != nil {
			return DocState{}, fmt.Errorf("%w: %v", ErrDocumentInit, err)
		}
		rs.loaded = true
		rs.revision = uint64(len(backlog))
	}
	// 第一个完成初始化的参与者决定题目信息，与种子同理
	if rs.meta.QuestionID == "" {
		rs.meta = InitRequest{QuestionID: req.QuestionID, QuestionTitle: req.QuestionTitle, Language: req.Language}
	}
	if created {
		logger.Ctx(ctx).Info("document seeded", "room", roomID, "ops", len(winner.Ops))
	}
	return DocState{Seed: winner, Backlog: backlog, Revision: rs.revision, Created: created}, nil
}

// restore 在 relay 重启后从 DocumentStore 恢复只读副本
func (s *InMemoryService) restore(ctx context.Context, roomID string, rs *roomState) error {
	seed, ok, err := s.documents.Seed(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDocumentNotFound
	}
	backlog, err := s.documents.Updates(ctx, roomID)
	if err != nil {
		return err
	}
	if err := rs.replica.Load(seed, backlog); err != nil {
		return err
	}
	rs.loaded = true
	rs.revision = uint64(len(backlog))
	return nil
}

// 提交增量（InMemoryService 实现）
func (s *InMemoryService) SubmitUpdate(ctx context.Context, roomID, participantID, clientID string, clientSeq uint64, u crdt.Update) (AppliedUpdate, error) {
	rs := s.getOrCreateRoom(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// 同一连接内 seq 只允许递增
	if last := rs.lastSeqByClient[clientID]; clientSeq <= last {
		return AppliedUpdate{}, ErrDuplicateOrOutOfOrder
	}
	if !rs.loaded {
		if err := s.restore(ctx, roomID, rs); err != nil {
			return AppliedUpdate{}, fmt.Errorf("restore %s: %w", roomID, err)
		}
	}
	// 先校验再落日志，坏的增量不进入 backlog
	if _, err := rs.replica.ApplyRemote(u); err != nil {
		return AppliedUpdate{}, err
	}
	if err := s.documents.AppendUpdate(ctx, roomID, u); err != nil {
		return AppliedUpdate{}, err
	}

	rs.revision++
	rs.lastSeqByClient[clientID] = clientSeq
	applied := AppliedUpdate{Revision: rs.revision, AppliedAt: s.now()}

	evt := newRoomEvent(EventUpdateApplied, roomID, rs.revision)
	evt.ParticipantID = participantID
	evt.ClientID = clientID
	evt.ClientSeq = clientSeq
	evt.OpCount = len(u.Ops)
	s.publish(ctx, evt)
	return applied, nil
}

// 返回房间当前文本；房间已关闭时回退到最近一次快照
func (s *InMemoryService) LoadDocumentContent(ctx context.Context, roomID string) (string, uint64, error) {
	if rs := s.room(roomID); rs != nil {
		rs.mu.Lock()
		loaded, rev := rs.loaded, rs.revision
		rs.mu.Unlock()
		if loaded {
			return rs.replica.Text(), rev, nil
		}
	}
	if s.snapshots == nil {
		return "", 0, ErrDocumentNotFound
	}
	content, rev, err := s.snapshots.LatestSnapshot(ctx, roomID)
	if err != nil {
		return "", 0, err
	}
	return content, rev, nil
}

func (s *InMemoryService) AddParticipant(roomID, participantID, displayName string) {
	rs := s.getOrCreateRoom(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, p := range rs.participants {
		if p.ID == participantID {
			if displayName != "" {
				rs.participants[i].DisplayName = displayName
			}
			return
		}
	}
	rs.participants = append(rs.participants, Participant{ID: participantID, DisplayName: displayName})
}

// StartSession 只记录第一次开始；已经结束的房间不再开始
func (s *InMemoryService) StartSession(ctx context.Context, roomID string) error {
	rs := s.getOrCreateRoom(roomID)
	rs.mu.Lock()
	if !rs.startedAt.IsZero() || rs.cause != "" {
		rs.mu.Unlock()
		return nil
	}
	rs.startedAt = s.now()
	rs.mu.Unlock()

	logger.Ctx(ctx).Info("session started", "room", roomID)
	return nil
}

// EndSession 记录会话结束原因，只有第一次生效
func (s *InMemoryService) EndSession(ctx context.Context, roomID, participantID, cause string, duration time.Duration) error {
	rs := s.room(roomID)
	if rs == nil {
		return ErrDocumentNotFound
	}
	rs.mu.Lock()
	if rs.cause != "" {
		rs.mu.Unlock()
		return nil
	}
	rs.cause = cause
	rs.endedAt = s.now()
	rs.duration = duration
	if duration <= 0 && !rs.startedAt.IsZero() {
		rs.duration = rs.endedAt.Sub(rs.startedAt)
	}
	evt := newRoomEvent(EventSessionEnded, roomID, rs.revision)
	evt.ParticipantID = participantID
	evt.Cause = cause
	evt.DurationSec = int64(rs.duration / time.Second)
	dur := rs.duration
	rs.mu.Unlock()

	logger.Ctx(ctx).Info("session ended", "room", roomID, "by", participantID, "cause", cause, "duration", dur)
	s.publish(ctx, evt)
	return nil
}

func (s *InMemoryService) CloseRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	rs := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if rs == nil {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.loaded {
		return s.documents.Drop(ctx, roomID)
	}

	rec := SessionRecord{
		RoomID:        roomID,
		QuestionID:    rs.meta.QuestionID,
		QuestionTitle: rs.meta.QuestionTitle,
		Language:      rs.meta.Language,
		Participants:  append([]Participant(nil), rs.participants...),
		FinalCode:     rs.replica.Text(),
		Revision:      rs.revision,
		StartedAt:     rs.startedAt,
		EndedAt:       rs.endedAt,
		Duration:      rs.duration,
		EndCause:      rs.cause,
	}
	if rec.EndCause == "" {
		rec.EndCause = CauseAbandoned
		rec.EndedAt = s.now()
		if !rec.StartedAt.IsZero() {
			rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
		}
	}
	// 没有开始过的会话时长为 0
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}

	var errs []error
	if s.snapshots != nil {
		if err := s.snapshots.SaveDocumentSnapshot(ctx, roomID, rec.Revision, rec.FinalCode); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot: %w", err))
		}
	}
	if s.records != nil {
		if err := s.records.SaveSessionRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("save session record: %w", err))
		}
	}
	if err := s.documents.Drop(ctx, roomID); err != nil {
		errs = append(errs, fmt.Errorf("drop document: %w", err))
	}

	evt := newRoomEvent(EventRoomClosed, roomID, rec.Revision)
	evt.Cause = rec.EndCause
	evt.DurationSec = int64(rec.Duration / time.Second)
	s.publish(ctx, evt)

	logger.Ctx(ctx).Info("room closed", "room", roomID, "revision", rec.Revision, "cause", rec.EndCause)
	return errors.Join(errs...)
}

// publish 异步入队，不阻塞主流程
func (s *InMemoryService) publish(ctx context.Context, evt RoomEvent) {
	if s.events == nil {
		return
	}
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 50*time.Millisecond)
	defer cancel()
	if err := s.events.Enqueue(enqCtx, evt); err != nil {
		logger.L().Debug("drop room event", "room", evt.RoomID, "event", evt.EventType, "err", err)
	}
}

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/evaluation"
	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/ot/delta"
	"collabSession/backend/internal/presence"
	"collabSession/backend/internal/transport"
)

// Channel 是 Controller 用到的 transport.Channel 方法
type Channel interface {
	Send(ctx context.Context, roomID, event string, payload any) error
	On(roomID, event string, h transport.Handler)
	RemoveListeners(roomID string)
	Disconnect(roomID, participantID string)
}

type Dialer func(ctx context.Context, roomID, participantID string) (Channel, error)

// DialRelay 用 transport.Connect 连接 relay
func DialRelay(opts transport.Options) Dialer {
	return func(ctx context.Context, roomID, participantID string) (Channel, error) {
		return transport.Connect(ctx, roomID, participantID, opts)
	}
}

type Evaluator interface {
	Submit(ctx context.Context, code, language string, cases []evaluation.TestCase) ([]evaluation.Result, error)
}

type Config struct {
	RoomID        string
	ParticipantID string
	DisplayName   string

	QuestionID    string
	QuestionTitle string
	Language      string
	Template      string
	TestCases     []evaluation.TestCase

	Dial      Dialer
	Evaluator Evaluator
	// 等待 doc_state 的上限
	InitTimeout time.Duration
	Now         func() time.Time
}

type JoinResult struct {
	Ready    bool
	Document string
	Version  uint64
}

type Summary struct {
	RoomID        string
	QuestionID    string
	QuestionTitle string
	Language      string
	State         State
	Cause         string
	Duration      time.Duration
	FinalCode     string
	Results       []evaluation.Result
}

// Controller 是一个参与者的会话状态机，状态只在这里修改。
// 控制事件先入队，由事件循环按批处理
type Controller struct {
	cfg   Config
	timer *Timer

	mu           sync.Mutex
	state        State
	cause        string
	err          error
	joined       bool
	ch           Channel
	replica      *collab.Replica
	tracker      *presence.Tracker
	partnerReady bool
	results      []evaluation.Result
	finalCode    string

	pending []transport.Envelope
	wake    chan struct{}
	stop    chan struct{}
	docCh   chan error

	outbox       []Transition
	onTransition []func(Transition)
	onRemoteEdit []func([]delta.Delta)
	onChat       []func(senderID, text string)
}

func NewController(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:   cfg,
		timer: NewTimer(cfg.Now),
		state: StateConnecting,
		wake:  make(chan struct{}, 1),
		docCh: make(chan error, 1),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Cause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Err 返回导致 CONNECTION_FAILED 的错误
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Elapsed() time.Duration { return c.timer.Elapsed() }

func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return c.finalCode
	}
	return c.replica.Text()
}

// Presence 在 Join 之前和 Exit 之后返回 nil
func (c *Controller) Presence() *presence.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// OnTransition 的回调可能来自不同 goroutine，同一批转换按顺序回调
func (c *Controller) OnTransition(h func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = append(c.onTransition, h)
}

// OnRemoteEdit 收到对端编辑后回调，参数是已经应用到本地缓冲区的 delta
func (c *Controller) OnRemoteEdit(h func([]delta.Delta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteEdit = append(c.onRemoteEdit, h)
}

func (c *Controller) OnChat(h func(senderID, text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = append(c.onChat, h)
}

// Join 连接 relay、初始化文档、发送 ready。失败时状态为 CONNECTION_FAILED，返回 Ready=false
func (c *Controller) Join(ctx context.Context) (JoinResult, error) {
	c.mu.Lock()
	if c.joined {
		st := c.state
		c.mu.Unlock()
		return JoinResult{}, fmt.Errorf("%w: join in %s", ErrInvalidTransition, st)
	}
	c.joined = true
	c.mu.Unlock()

	if c.cfg.Dial == nil {
		return c.failJoin(fmt.Errorf("%w: no dialer", ErrConnection))
	}
	ch, err := c.cfg.Dial(ctx, c.cfg.RoomID, c.cfg.ParticipantID)
	if err != nil {
		return c.failJoin(fmt.Errorf("%w: %v", ErrConnection, err))
	}

	room := c.cfg.RoomID
	replica := collab.NewReplica(room, uuid.NewString())
	c.mu.Lock()
	if c.state != StateConnecting {
		// Join 期间调用了 Leave
		c.mu.Unlock()
		ch.Disconnect(room, c.cfg.ParticipantID)
		return JoinResult{}, fmt.Errorf("%w: left while connecting", ErrConnection)
	}
	c.ch = ch
	c.replica = replica
	c.tracker = presence.NewTracker(ch, room, c.cfg.ParticipantID)
	c.stop = make(chan struct{})
	stop := c.stop
	c.setStateLocked(StateWaitingPartner, "")
	c.mu.Unlock()
	c.notify()

	ch.On(room, transport.EventDocState, c.handleDocState)
	ch.On(room, transport.EventDocUpdate, c.handleDocUpdate)
	ch.On(room, transport.EventReady, c.handleReady)
	ch.On(room, transport.EventChat, c.handleChat)
	ch.On(room, transport.EventError, c.handleError)
	for _, ev := range []string{transport.EventEndSession, transport.EventPartnerDisconnected, transport.EventConnectionLost} {
		ch.On(room, ev, c.enqueueControl)
	}
	go c.loop(stop)

	// 候选种子；relay 只在房间还没有种子时采用它
	err = ch.Send(ctx, room, transport.EventDocInit, transport.DocInitPayload{
		Seed:          crdt.Seed(replica.Site(), c.cfg.Template),
		QuestionID:    c.cfg.QuestionID,
		QuestionTitle: c.cfg.QuestionTitle,
		Language:      c.cfg.Language,
	})
	if err != nil {
		return c.failJoin(fmt.Errorf("%w: %v", ErrConnection, err))
	}

	timeout := time.NewTimer(c.cfg.InitTimeout)
	defer timeout.Stop()
	select {
	case err := <-c.docCh:
		if err != nil {
			return c.failJoin(err)
		}
	case <-timeout.C:
		return c.failJoin(fmt.Errorf("%w: no document state after %s", ErrDocumentInit, c.cfg.InitTimeout))
	case <-stop:
		return c.failJoin(fmt.Errorf("%w: left while joining", ErrConnection))
	case <-ctx.Done():
		return c.failJoin(fmt.Errorf("%w: %v", ErrConnection, ctx.Err()))
	}

	if err := ch.Send(ctx, room, transport.EventReady, transport.ReadyPayload{DisplayName: c.cfg.DisplayName}); err != nil {
		return c.failJoin(fmt.Errorf("%w: %v", ErrConnection, err))
	}

	c.mu.Lock()
	if c.state.terminal() {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: session closed during join", ErrConnection)
		}
		return c.failJoin(err)
	}
	c.tryActivateLocked()
	res := JoinResult{Ready: true, Document: replica.Text(), Version: replica.Version()}
	c.mu.Unlock()
	c.notify()
	logger.L().Info("joined room", "room", room, "participant", c.cfg.ParticipantID, "version", res.Version)
	return res, nil
}

func (c *Controller) failJoin(err error) (JoinResult, error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	if !c.state.terminal() {
		c.setStateLocked(StateConnectionFailed, "")
	}
	err = c.err
	c.mu.Unlock()
	c.notify()
	c.release()
	logger.L().Warn("join failed", "room", c.cfg.RoomID, "participant", c.cfg.ParticipantID, "err", err)
	return JoinResult{Ready: false}, err
}

// Edit 立即应用本地编辑，再把增量放进发送队列
func (c *Controller) Edit(ctx context.Context, d delta.Delta) error {
	c.mu.Lock()
	if !c.state.live() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: edit in %s", collab.ErrNotReady, st)
	}
	r, ch := c.replica, c.ch
	c.mu.Unlock()

	u, err := r.ApplyLocal(d)
	if err != nil {
		return err
	}
	if u.Empty() {
		return nil
	}
	if err := ch.Send(ctx, c.cfg.RoomID, transport.EventDocUpdate, transport.DocUpdatePayload{Update: u}); err != nil {
		// 连接断开会以 connection_lost 的形式到达
		logger.L().Warn("send update failed", "room", c.cfg.RoomID, "err", err)
	}
	return nil
}

func (c *Controller) MoveCursor(ctx context.Context, position int, sel *transport.Selection) {
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr != nil {
		tr.BroadcastCursor(ctx, c.cfg.RoomID, c.cfg.ParticipantID, c.cfg.DisplayName, position, sel)
	}
}

func (c *Controller) Chat(ctx context.Context, text string) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	return ch.Send(ctx, c.cfg.RoomID, transport.EventChat, transport.ChatPayload{Text: text})
}

// Submit 提交当前代码评测；计时不停，结束后回到 ACTIVE。
// 评测失败返回 evaluation.ErrEvaluation，之前的结果保留
func (c *Controller) Submit(ctx context.Context) ([]evaluation.Result, error) {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, st)
	}
	if c.cfg.Evaluator == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no evaluator configured", evaluation.ErrEvaluation)
	}
	code := c.replica.Text()
	c.setStateLocked(StateSubmitted, "")
	c.mu.Unlock()
	c.notify()

	results, err := c.cfg.Evaluator.Submit(ctx, code, c.cfg.Language, c.cfg.TestCases)

	c.mu.Lock()
	if err == nil {
		c.results = results
	}
	if c.state == StateSubmitted {
		c.setStateLocked(StateActive, "")
	}
	c.mu.Unlock()
	c.notify()
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RequestEnd 只在本地进入确认阶段，不发送任何消息
func (c *Controller) RequestEnd() error {
	return c.move(StateActive, StateEnding)
}

func (c *Controller) CancelEnd() error {
	return c.move(StateEnding, StateActive)
}

func (c *Controller) move(from, to State) error {
	c.mu.Lock()
	if c.state != from {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s in %s", ErrInvalidTransition, from, to, st)
	}
	c.setStateLocked(to, "")
	c.mu.Unlock()
	c.notify()
	return nil
}

// ConfirmEnd 停止计时并广播 end_session。已经到达的断线事件优先处理
func (c *Controller) ConfirmEnd(ctx context.Context) error {
	c.mu.Lock()
	c.drainLocked()
	if c.state != StateEnding {
		st, cause := c.state, c.cause
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("%w: confirm in %s %s", ErrInvalidTransition, st, cause)
	}
	// 只传整秒，本地也按整秒记录，两端一致
	d := c.timer.Stop().Truncate(time.Second)
	c.timer.Override(d)
	c.endLocked(CauseConfirmed)
	ch := c.ch
	c.mu.Unlock()
	c.notify()

	if err := ch.Send(ctx, c.cfg.RoomID, transport.EventEndSession, transport.EndSessionPayload{Duration: int64(d / time.Second)}); err != nil {
		logger.L().Warn("send end_session failed", "room", c.cfg.RoomID, "err", err)
	}
	return nil
}

// Exit 确认结束页后离开房间
func (c *Controller) Exit() error {
	c.mu.Lock()
	if c.state != StateEnded {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: exit in %s", ErrInvalidTransition, st)
	}
	c.setStateLocked(StateExited, c.cause)
	c.mu.Unlock()
	c.notify()
	c.release()
	return nil
}

// Leave 可重复调用，Join 之前或失败之后调用也安全
func (c *Controller) Leave(ctx context.Context) {
	c.mu.Lock()
	c.joined = true
	if c.state != StateExited && c.state != StateConnectionFailed {
		c.setStateLocked(StateExited, c.cause)
	}
	c.mu.Unlock()
	c.notify()
	c.release()
}

func (c *Controller) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := c.finalCode
	if code == "" && c.replica != nil {
		code = c.replica.Text()
	}
	return Summary{
		RoomID:        c.cfg.RoomID,
		QuestionID:    c.cfg.QuestionID,
		QuestionTitle: c.cfg.QuestionTitle,
		Language:      c.cfg.Language,
		State:         c.state,
		Cause:         c.cause,
		Duration:      c.timer.Elapsed(),
		FinalCode:     code,
		Results:       append([]evaluation.Result(nil), c.results...),
	}
}

// release 移除房间监听、断开连接、丢弃副本
func (c *Controller) release() {
	c.mu.Lock()
	ch, tr := c.ch, c.tracker
	c.ch, c.tracker = nil, nil
	if c.replica != nil {
		if c.finalCode == "" {
			c.finalCode = c.replica.Text()
		}
		c.replica = nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	if ch != nil {
		ch.RemoveListeners(c.cfg.RoomID)
		ch.Disconnect(c.cfg.RoomID, c.cfg.ParticipantID)
	}
}

func (c *Controller) setStateLocked(to State, cause string) {
	if c.state == to {
		return
	}
	c.outbox = append(c.outbox, Transition{From: c.state, To: to, Cause: cause, At: c.cfg.Now()})
	logger.L().Debug("session transition", "room", c.cfg.RoomID, "participant", c.cfg.ParticipantID,
		"from", c.state, "to", to, "cause", cause)
	c.state = to
}

// notify 在锁外回调转换
func (c *Controller) notify() {
	c.mu.Lock()
	ts := c.outbox
	c.outbox = nil
	hs := append(([]func(Transition))(nil), c.onTransition...)
	c.mu.Unlock()
	for _, t := range ts {
		for _, h := range hs {
			h(t)
		}
	}
}

// tryActivateLocked 先处理已经到达的控制事件，避免用过期的 partnerReady 开始
func (c *Controller) tryActivateLocked() {
	c.drainLocked()
	if c.state != StateWaitingPartner || !c.partnerReady || c.replica == nil || !c.replica.Ready() {
		return
	}
	c.setStateLocked(StateActive, "")
	c.timer.Start()
}

// endLocked 提交终止原因；已经有原因时忽略
func (c *Controller) endLocked(cause string) {
	if c.cause != "" || !c.state.live() {
		return
	}
	c.cause = cause
	if c.replica != nil {
		c.finalCode = c.replica.Text()
	}
	c.setStateLocked(StateEnded, cause)
}

func (c *Controller) postDoc(err error) {
	select {
	case c.docCh <- err:
	default:
	}
}

func (c *Controller) handleDocState(env transport.Envelope) {
	var p transport.DocStatePayload
	if err := env.Decode(&p); err != nil {
		c.postDoc(fmt.Errorf("%w: %v", ErrDocumentInit, err))
		return
	}
	c.mu.Lock()
	r := c.replica
	c.mu.Unlock()
	if r == nil || r.Ready() {
		return
	}
	if err := r.Load(p.Seed, p.Backlog); err != nil {
		c.postDoc(fmt.Errorf("%w: %v", ErrDocumentInit, err))
		return
	}
	c.postDoc(nil)

	c.mu.Lock()
	c.tryActivateLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleDocUpdate(env transport.Envelope) {
	if env.SenderID == c.cfg.ParticipantID {
		return
	}
	var p transport.DocUpdatePayload
	if err := env.Decode(&p); err != nil {
		logger.L().Warn("bad doc_update frame", "room", c.cfg.RoomID, "err", err)
		return
	}
	c.mu.Lock()
	r := c.replica
	hs := append(([]func([]delta.Delta))(nil), c.onRemoteEdit...)
	c.mu.Unlock()
	if r == nil {
		return
	}
	deltas, err := r.ApplyRemote(p.Update)
	if err != nil {
		logger.L().Warn("apply remote update failed", "room", c.cfg.RoomID, "from", env.SenderID, "err", err)
		return
	}
	if len(deltas) == 0 {
		return
	}
	for _, h := range hs {
		h(deltas)
	}
}

func (c *Controller) handleReady(env transport.Envelope) {
	if env.SenderID == c.cfg.ParticipantID {
		return
	}
	c.mu.Lock()
	// 之前的断线事件先生效，再记录这次 ready
	c.drainLocked()
	c.partnerReady = true
	c.tryActivateLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleChat(env transport.Envelope) {
	var p transport.ChatPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	c.mu.Lock()
	hs := append(([]func(string, string))(nil), c.onChat...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env.SenderID, p.Text)
	}
}

func (c *Controller) handleError(env transport.Envelope) {
	var p transport.ErrorPayload
	_ = env.Decode(&p)
	switch p.Code {
	case transport.CodeRoomFull:
		c.postDoc(fmt.Errorf("%w: %s", ErrConnection, p.Code))
	case transport.CodeDocInitFailed:
		c.postDoc(fmt.Errorf("%w: %s", ErrDocumentInit, p.Message))
	default:
		logger.L().Warn("relay error", "room", c.cfg.RoomID, "code", p.Code, "message", p.Message)
	}
}

func (c *Controller) enqueueControl(env transport.Envelope) {
	if env.Type == transport.EventConnectionLost {
		c.postDoc(fmt.Errorf("%w: connection lost", ErrConnection))
	}
	c.mu.Lock()
	c.pending = append(c.pending, env)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) loop(stop <-chan struct{}) {
	for {
		select {
		case <-c.wake:
			c.mu.Lock()
			c.drainLocked()
			c.mu.Unlock()
			c.notify()
		case <-stop:
			return
		}
	}
}

// 同一批里断线优先于结束，结束优先于自己的连接丢失
func controlPriority(typ string) int {
	switch typ {
	case transport.EventPartnerDisconnected:
		return 0
	case transport.EventEndSession:
		return 1
	default:
		return 2
	}
}

func (c *Controller) drainLocked() {
	batch := c.pending
	c.pending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return controlPriority(batch[i].Type) < controlPriority(batch[j].Type)
	})
	for _, env := range batch {
		c.applyControlLocked(env)
	}
}

func (c *Controller) applyControlLocked(env transport.Envelope) {
	switch env.Type {
	case transport.EventPartnerDisconnected:
		var p transport.PartnerDisconnectedPayload
		_ = env.Decode(&p)
		if p.ParticipantID == c.cfg.ParticipantID {
			return
		}
		if c.state == StateWaitingPartner {
			// 还没开始，等对端重连
			c.partnerReady = false
			return
		}
		if c.cause == "" && c.state.live() {
			c.timer.Stop()
			c.endLocked(CausePartnerDisconnected)
		}

	case transport.EventEndSession:
		var p transport.EndSessionPayload
		if err := env.Decode(&p); err != nil {
			logger.L().Warn("bad end_session frame", "room", c.cfg.RoomID, "err", err)
			return
		}
		if c.cause == "" && c.state.live() {
			c.timer.Override(time.Duration(p.Duration) * time.Second)
			c.endLocked(CauseConfirmed)
		}

	case transport.EventConnectionLost:
		if c.state.terminal() {
			return
		}
		if c.err == nil {
			c.err = fmt.Errorf("%w: connection lost", ErrConnection)
		}
		c.timer.Stop()
		c.setStateLocked(StateConnectionFailed, "")
	}
}

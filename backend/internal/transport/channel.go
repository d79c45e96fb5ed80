package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/logger"
)

var (
	ErrUnreachable = errors.New("RELAY_UNREACHABLE")
	ErrClosed      = errors.New("CHANNEL_CLOSED")
)

const (
	defaultQueueSize = 256
	writeWait        = 5 * time.Second
)

type Options struct {
	// relay 的 ws 基地址，如 ws://127.0.0.1:8082
	URL         string
	DisplayName string
	// 为空时走开发模式，relay 直接信任 participantId
	Token string

	ConnectTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffLimit   time.Duration
	QueueSize      int

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffLimit <= 0 {
		o.BackoffLimit = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type Handler func(Envelope)

// Channel 是客户端的一条 relay 连接：一个读 goroutine 顺序分发，一个写 goroutine 排空发送队列
type Channel struct {
	ws            *websocket.Conn
	roomID        string
	participantID string

	// 保证 seq 与入队顺序一致
	sendMu sync.Mutex
	seq    uint64
	out    chan Envelope

	// roomID -> event -> handlers
	mu        sync.RWMutex
	listeners map[string]map[string][]Handler

	closed    chan struct{}
	closeOnce sync.Once
	// 主动断开时不上报 connection_lost
	intentional bool
	lost        bool
	done        chan struct{}
}

// Connect 连接 relay 的房间；每次尝试受 ConnectTimeout 限制，最多 MaxAttempts 次，失败返回 ErrUnreachable
func Connect(ctx context.Context, roomID, participantID string, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	target, err := roomURL(opts, roomID, participantID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(collab.Backoff(opts.BackoffBase, opts.BackoffLimit, attempt-1)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		conn, resp, err := opts.Dialer.DialContext(dialCtx, target, header)
		cancel()
		if err == nil {
			return newChannel(conn, roomID, participantID, opts.QueueSize), nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// 鉴权失败重试没有意义
			return nil, fmt.Errorf("%w: unauthorized", ErrUnreachable)
		}
		lastErr = err
		logger.Ctx(ctx).Debug("connect attempt failed", "room", roomID, "attempt", attempt+1, "err", err)
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrUnreachable, opts.MaxAttempts, lastErr)
}

func roomURL(opts Options, roomID, participantID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return "", err
	}
	u.Path += "/collab/rooms/" + url.PathEscape(roomID) + "/ws"
	q := u.Query()
	q.Set("participantId", participantID)
	if opts.DisplayName != "" {
		q.Set("name", opts.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newChannel(conn *websocket.Conn, roomID, participantID string, queueSize int) *Channel {
	ch := &Channel{
		ws:            conn,
		roomID:        roomID,
		participantID: participantID,
		out:           make(chan Envelope, queueSize),
		listeners:     make(map[string]map[string][]Handler),
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	go ch.writeLoop()
	go ch.readLoop()
	return ch
}

// On 注册 roomID 上某个事件的处理函数；处理函数在读 goroutine 中顺序执行。
// 连接已经丢失时注册 connection_lost 会立即收到一次
func (ch *Channel) On(roomID, event string, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.lost && event == EventConnectionLost {
		go h(Envelope{Type: EventConnectionLost, RoomID: roomID, SentAt: time.Now()})
	}
	if ch.listeners[roomID] == nil {
		ch.listeners[roomID] = make(map[string][]Handler)
	}
	ch.listeners[roomID][event] = append(ch.listeners[roomID][event], h)
}

// RemoveListeners 返回后该房间不会再有处理函数被调用
func (ch *Channel) RemoveListeners(roomID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.listeners, roomID)
}

// Send 给帧打上 seq 后放入发送队列，不等待网络写入
func (ch *Channel) Send(ctx context.Context, roomID, event string, payload any) error {
	env, err := NewEnvelope(event, roomID, payload)
	if err != nil {
		return err
	}
	env.SenderID = ch.participantID

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	select {
	case <-ch.closed:
		return ErrClosed
	default:
	}
	ch.seq++
	env.Seq = ch.seq
	select {
	case ch.out <- env:
		return nil
	case <-ch.closed:
		return ErrClosed
	case <-ctx.Done():
		ch.seq--
		return ctx.Err()
	}
}

// Disconnect 主动离开：尽力发送 leave，然后关闭连接
func (ch *Channel) Disconnect(roomID, participantID string) {
	if roomID == ch.roomID && participantID == ch.participantID {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = ch.Send(ctx, roomID, EventLeave, nil)
		cancel()
	}
	ch.closeWith(true)
	<-ch.done
}

func (ch *Channel) closeWith(intentional bool) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.intentional = intentional
		ch.mu.Unlock()
		close(ch.closed)
	})
}

func (ch *Channel) readLoop() {
	defer func() {
		ch.closeWith(false)
		_ = ch.ws.Close()
		ch.mu.Lock()
		lost := !ch.intentional
		ch.lost = lost
		ch.mu.Unlock()
		if lost {
			ch.dispatchLost()
		}
	}()
	for {
		var env Envelope
		if err := ch.ws.ReadJSON(&env); err != nil {
			select {
			case <-ch.closed:
			default:
				logger.L().Debug("channel read failed", "room", ch.roomID, "err", err)
			}
			return
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env Envelope) {
	ch.mu.RLock()
	hs := append([]Handler(nil), ch.listeners[env.RoomID][env.Type]...)
	ch.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// dispatchLost 把 connection_lost 发给所有仍在监听的房间
func (ch *Channel) dispatchLost() {
	ch.mu.RLock()
	rooms := make([]string, 0, len(ch.listeners))
	for roomID := range ch.listeners {
		rooms = append(rooms, roomID)
	}
	ch.mu.RUnlock()
	for _, roomID := range rooms {
		ch.dispatch(Envelope{Type: EventConnectionLost, RoomID: roomID, SentAt: time.Now()})
	}
}

func (ch *Channel) writeLoop() {
	defer close(ch.done)
	for {
		select {
		case env := <-ch.out:
			_ = ch.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.ws.WriteJSON(env); err != nil {
				ch.closeWith(false)
				_ = ch.ws.Close()
				return
			}
		case <-ch.closed:
			ch.flush()
			_ = ch.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = ch.ws.Close()
			return
		}
	}
}

// flush 关闭前把已经入队的帧写完（例如 leave、end_session）
func (ch *Channel) flush() {
	for {
		select {
		case env := <-ch.out:
			_ = ch.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.ws.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

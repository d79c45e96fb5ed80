package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/transport"
)

const (
	sendQueueSize = 256
	writeWait     = 5 * time.Second
	maxFrameSize  = 1 << 20
	svcTimeout    = 2 * time.Second
)

type Conn struct {
	ws            *websocket.Conn
	hub           *Hub
	roomID        string
	participantID string
	displayName   string
	// 每条连接一个 clientID，去重窗口按它记录 seq
	clientID string

	send      chan transport.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, roomID, participantID, displayName, clientID string) *Conn {
	return &Conn{
		ws:            ws,
		hub:           hub,
		roomID:        roomID,
		participantID: participantID,
		displayName:   displayName,
		clientID:      clientID,
		send:          make(chan transport.Envelope, sendQueueSize),
		closed:        make(chan struct{}),
	}
}

// Enqueue 非阻塞入队。队列满说明对端读得太慢，直接断开，
// 不能像普通通知那样丢帧，否则对端会漏掉文档增量
func (c *Conn) Enqueue(env transport.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.closed:
		return false
	default:
		logger.L().Warn("send queue full, dropping connection", "room", c.roomID, "participant", c.participantID)
		c.Close()
		return false
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) sendError(code string, err error) {
	p := transport.ErrorPayload{Code: code}
	if err != nil {
		p.Message = err.Error()
	}
	env, _ := transport.NewEnvelope(transport.EventError, c.roomID, p)
	c.Enqueue(env)
}

// withSvc 在信号量保护下调用 svc
func (c *Conn) withSvc(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, svcTimeout)
	defer cancel()
	if c.hub.sem != nil {
		if err := c.hub.sem.Acquire(ctx); err != nil {
			return err
		}
		defer c.hub.sem.Release()
	}
	return fn(ctx)
}

func (c *Conn) touch(ctx context.Context) {
	if err := c.hub.presence.AddMember(ctx, c.roomID, c.participantID, c.displayName, c.hub.opts.PresenceTTL); err != nil {
		logger.L().Debug("add member failed", "room", c.roomID, "participant", c.participantID, "err", err)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.Close()
	ping := c.hub.opts.PingInterval

	c.touch(ctx)
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
		c.touch(ctx)
		return nil
	})

	for {
		var env transport.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.sendError(transport.CodeBadPayload, err)
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L().Debug("read frame failed", "room", c.roomID, "participant", c.participantID, "err", err)
			}
			return
		}
		// 身份以 relay 为准，客户端不能伪造
		env.RoomID = c.roomID
		env.SenderID = c.participantID
		if env.SentAt.IsZero() {
			env.SentAt = time.Now()
		}
		if !c.handle(ctx, env) {
			return
		}
	}
}

// handle 处理一帧；返回 false 表示连接应当结束
func (c *Conn) handle(ctx context.Context, env transport.Envelope) bool {
	switch env.Type {
	case transport.EventDocInit:
		var p transport.DocInitPayload
		if err := env.Decode(&p); err != nil {
			c.sendError(transport.CodeBadPayload, err)
			return true
		}
		var state collab.DocState
		err := c.withSvc(ctx, func(ctx context.Context) error {
			var err error
			state, err = c.hub.svc.InitDocument(ctx, c.roomID, collab.InitRequest{
				Seed:          p.Seed,
				QuestionID:    p.QuestionID,
				QuestionTitle: p.QuestionTitle,
				Language:      p.Language,
			})
			return err
		})
		if err != nil {
			logger.L().Warn("init document failed", "room", c.roomID, "participant", c.participantID, "err", err)
			c.sendError(transport.CodeDocInitFailed, err)
			return true
		}
		out, _ := transport.NewEnvelope(transport.EventDocState, c.roomID, transport.DocStatePayload{
			Seed:     state.Seed,
			Backlog:  state.Backlog,
			Revision: state.Revision,
			Created:  state.Created,
		})
		c.Enqueue(out)

	case transport.EventDocUpdate:
		var p transport.DocUpdatePayload
		if err := env.Decode(&p); err != nil {
			c.sendError(transport.CodeBadPayload, err)
			return true
		}
		var applied collab.AppliedUpdate
		err := c.withSvc(ctx, func(ctx context.Context) error {
			var err error
			applied, err = c.hub.svc.SubmitUpdate(ctx, c.roomID, c.participantID, c.clientID, env.Seq, p.Update)
			return err
		})
		switch {
		case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
			return true
		case err != nil:
			logger.L().Warn("update rejected", "room", c.roomID, "participant", c.participantID, "seq", env.Seq, "err", err)
			c.sendError(transport.CodeUpdateFailed, err)
			return true
		}
		p.Revision = applied.Revision
		fwd, _ := transport.NewEnvelope(transport.EventDocUpdate, c.roomID, p)
		fwd.SenderID, fwd.Seq, fwd.SentAt = env.SenderID, env.Seq, env.SentAt
		c.hub.Broadcast(c.roomID, fwd, c)

	case transport.EventCursor:
		if err := c.hub.presence.SetCursor(ctx, c.roomID, c.participantID, env.Payload, c.hub.opts.CursorTTL); err != nil {
			logger.L().Debug("set cursor failed", "room", c.roomID, "err", err)
		}
		c.hub.Broadcast(c.roomID, env, c)

	case transport.EventReady:
		replay, started := c.hub.MarkReady(c, env)
		for _, prev := range replay {
			c.Enqueue(prev)
		}
		if started {
			if err := c.withSvc(ctx, func(ctx context.Context) error {
				return c.hub.svc.StartSession(ctx, c.roomID)
			}); err != nil {
				logger.L().Warn("start session failed", "room", c.roomID, "err", err)
			}
		}
		c.hub.Broadcast(c.roomID, env, c)

	case transport.EventEndSession:
		var p transport.EndSessionPayload
		if err := env.Decode(&p); err != nil {
			c.sendError(transport.CodeBadPayload, err)
			return true
		}
		_ = c.withSvc(ctx, func(ctx context.Context) error {
			return c.hub.svc.EndSession(ctx, c.roomID, c.participantID, collab.CauseConfirmed, time.Duration(p.Duration)*time.Second)
		})
		c.hub.Broadcast(c.roomID, env, c)

	case transport.EventChat:
		c.hub.Broadcast(c.roomID, env, c)

	case transport.EventLeave:
		return false

	default:
		c.sendError(transport.CodeUnknownType, errors.New(env.Type))
	}
	return true
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

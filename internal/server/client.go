package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	commandWait  = 30 * time.Second
	// attachments travel base64 encoded inside send commands
	maxMessageSize = 8 << 20
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	engine     *engine.Engine
	send       chan *ServerMessage
	filterLock sync.Mutex
	filter     string
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(me types.Identity, conn *websocket.Conn, cs *ChatServer) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        cs.log.With(zap.String("user_id", me.Id)),
		engine:     cs.NewEngine(me),
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

// Start subscribes the client's directory and pushes it on every change.
func (c *Client) Start(ctx context.Context) error {
	if err := c.engine.Start(ctx); err != nil {
		return err
	}

	go c.watchDirectory()
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws read", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()

	switch {
	case msg.OpenRoom != nil:
		c.openRoom(ctx, msg)
	case msg.CloseRoom != nil:
		c.engine.CloseRoom()
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.Send != nil:
		c.sendMessageCmd(ctx, msg)
	case msg.Edit != nil:
		c.withRoom(msg, func(v *timeline.View) error {
			return v.Edit(ctx, msg.Edit.MessageId, msg.Edit.Text)
		})
	case msg.Delete != nil:
		c.withRoom(msg, func(v *timeline.View) error {
			return v.Delete(ctx, msg.Delete.MessageId)
		})
	case msg.Dismiss != nil:
		c.withRoom(msg, func(v *timeline.View) error {
			v.Dismiss(msg.Dismiss.ClientToken)
			return nil
		})
	case msg.CreateRoom != nil:
		c.createRoom(ctx, msg)
	case msg.JoinRoom != nil:
		c.joinRoom(ctx, msg)
	case msg.Filter != nil:
		c.setFilter(msg.Filter.Term)
		c.pushDirectory()
		c.queueMessage(NoErrOK(msg.Id, nil))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) openRoom(ctx context.Context, msg *ClientMessage) {
	roomId := msg.OpenRoom.RoomId
	if roomId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "room_id is required"))
		return
	}

	// a missing room still opens and reports itself through the header
	room, err := c.chatServer.repo.GetRoom(ctx, roomId)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		c.log.Error("failed to get room", zap.String("room_id", roomId), zap.Error(err))
		c.queueMessage(ErrInternalError(msg.Id))
		return
	case !room.HasMember(c.engine.Identity().Id):
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	view, err := c.engine.OpenRoom(roomId)
	if err != nil {
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	go c.watchTimeline(view)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
}

func (c *Client) withRoom(msg *ClientMessage, fn func(*timeline.View) error) {
	view := c.engine.Room()
	if view == nil {
		c.queueMessage(ErrNoOpenRoom(msg.Id))
		return
	}

	if err := fn(view); err != nil {
		c.queueMessage(commandError(msg.Id, err))
		return
	}
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) sendMessageCmd(ctx context.Context, msg *ClientMessage) {
	view := c.engine.Room()
	if view == nil {
		c.queueMessage(ErrNoOpenRoom(msg.Id))
		return
	}

	files := make([]attachments.File, 0, len(msg.Send.Files))
	for _, f := range msg.Send.Files {
		files = append(files, attachments.File{Name: f.Name, Data: f.Data})
	}

	sent, err := view.Send(ctx, msg.Send.Text, files, msg.Send.ReplyTo)
	if err != nil && sent.Id == "" {
		c.queueMessage(commandError(msg.Id, err))
		return
	}
	c.queueMessage(NoErrOK(msg.Id, sent))
}

func (c *Client) createRoom(ctx context.Context, msg *ClientMessage) {
	room, err := c.engine.CreateRoom(ctx, msg.CreateRoom.Name)
	if err != nil {
		c.queueMessage(commandError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, RoomCreated{Room: room, InviteURL: c.engine.InviteURL(room.Id)}))
}

func (c *Client) joinRoom(ctx context.Context, msg *ClientMessage) {
	res, err := c.engine.JoinRoom(ctx, msg.JoinRoom.RoomId)
	if err != nil {
		c.queueMessage(commandError(msg.Id, err))
		return
	}
	if res.Status == invite.StatusNotFound {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, JoinResult{Result: res, InviteURL: c.engine.InviteURL(res.Room.Id)}))
}

// commandError maps a failed command onto its response.
func commandError(id int, err error) *ServerMessage {
	var uploadErr *attachments.UploadError
	switch {
	case errors.Is(err, timeline.ErrEmptyMessage),
		errors.Is(err, timeline.ErrInvalidReply),
		errors.Is(err, database.ErrEmptyRoomName),
		errors.Is(err, attachments.ErrInvalidName):
		return ErrBadRequest(id, err.Error())
	case errors.As(err, &uploadErr):
		return ErrBadRequest(id, uploadErr.Error())
	case errors.Is(err, timeline.ErrNotSender),
		errors.Is(err, timeline.ErrNotMember):
		return ErrForbidden(id, err.Error())
	case errors.Is(err, timeline.ErrMessageNotFound):
		return ErrMessageNotFound(id)
	case errors.Is(err, docstore.ErrNotFound):
		return ErrRoomNotFound(id)
	default:
		return ErrInternalError(id)
	}
}

func (c *Client) setFilter(term string) {
	c.filterLock.Lock()
	defer c.filterLock.Unlock()
	c.filter = term
}

func (c *Client) currentFilter() string {
	c.filterLock.Lock()
	defer c.filterLock.Unlock()
	return c.filter
}

func (c *Client) pushDirectory() {
	c.queueMessage(DirectoryMessage(c.engine.Directory().Snapshot(), c.currentFilter()))
}

func (c *Client) watchDirectory() {
	ch, cancel := c.engine.Directory().Watch()
	defer cancel()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.pushDirectory()
		case <-c.stop:
			return
		}
	}
}

// watchTimeline pushes view until it is closed, which happens when another
// room is opened. A room that turns out to belong to others is pushed once,
// empty and denied, then closed.
func (c *Client) watchTimeline(view *timeline.View) {
	ch, cancel := view.Watch()
	defer cancel()

	if c.pushTimeline(view) {
		return
	}
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			if c.pushTimeline(view) {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// pushTimeline queues view's snapshot and reports whether the view was closed
// for being denied.
func (c *Client) pushTimeline(view *timeline.View) bool {
	snap := view.Snapshot()
	c.queueMessage(TimelineMessage(snap))
	if !snap.Denied {
		return false
	}

	c.log.Info("closing room the identity is not a member of", zap.String("room_id", snap.RoomId))
	c.engine.CloseView(view)
	return true
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.deregister(c)
	c.engine.Close()
	c.stopClient()
}

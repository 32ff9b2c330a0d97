package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage carries exactly one command from the presentation layer.
type ClientMessage struct {
	BaseMessage
	OpenRoom   *OpenRoom   `json:"open_room,omitempty"`
	CloseRoom  *CloseRoom  `json:"close_room,omitempty"`
	Send       *Send       `json:"send,omitempty"`
	Edit       *Edit       `json:"edit,omitempty"`
	Delete     *Delete     `json:"delete,omitempty"`
	Dismiss    *Dismiss    `json:"dismiss,omitempty"`
	CreateRoom *CreateRoom `json:"create_room,omitempty"`
	JoinRoom   *JoinRoom   `json:"join_room,omitempty"`
	Filter     *Filter     `json:"filter,omitempty"`
}

type OpenRoom struct {
	RoomId string `json:"room_id"`
}

type CloseRoom struct{}

type FileUpload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type Send struct {
	Text    string       `json:"text"`
	ReplyTo string       `json:"reply_to,omitempty"`
	Files   []FileUpload `json:"files,omitempty"`
}

type Edit struct {
	MessageId string `json:"message_id"`
	Text      string `json:"text"`
}

type Delete struct {
	MessageId string `json:"message_id"`
}

type Dismiss struct {
	ClientToken string `json:"client_token"`
}

type CreateRoom struct {
	Name string `json:"name"`
}

type JoinRoom struct {
	RoomId string `json:"room_id"`
}

type Filter struct {
	Term string `json:"term"`
}

type ServerMessage struct {
	BaseMessage
	Response  *Response          `json:"response,omitempty"`
	Directory *DirectoryUpdate   `json:"directory,omitempty"`
	Timeline  *timeline.Snapshot `json:"timeline,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// DirectoryUpdate is the directory as the presentation layer shows it, with
// the client's filter applied.
type DirectoryUpdate struct {
	State  directory.State   `json:"state"`
	Filter string            `json:"filter,omitempty"`
	Rooms  []directory.Entry `json:"rooms"`
}

type RoomCreated struct {
	Room      types.Room `json:"room"`
	InviteURL string     `json:"invite_url"`
}

type JoinResult struct {
	invite.Result
	InviteURL string `json:"invite_url,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrMessageNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "message not found")
}

func ErrForbidden(id int, reason string) *ServerMessage {
	return errResponse(id, http.StatusForbidden, reason)
}

func ErrNoOpenRoom(id int) *ServerMessage {
	return errResponse(id, http.StatusConflict, "no room open")
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, reason)
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func errResponse(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

func DirectoryMessage(snap directory.Snapshot, filter string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Directory: &DirectoryUpdate{
			State:  snap.State,
			Filter: filter,
			Rooms:  directory.FilterEntries(snap.Rooms, filter),
		},
	}
}

func TimelineMessage(snap timeline.Snapshot) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Timeline:    &snap,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

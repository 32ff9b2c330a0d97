package database

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// ChatRepository issues every write the sync engine makes against the
// document store, plus the point reads those writes are checked against.
type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	JoinRoom(ctx context.Context, roomId string, user types.Identity) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	GetMessage(ctx context.Context, messageId string) (types.Message, error)
	UpdateRoomOnMessage(ctx context.Context, roomId, preview string) error
	UpdateMessage(ctx context.Context, messageId, text string) error
	DeleteMessage(ctx context.Context, messageId string) error
	MarkRoomRead(ctx context.Context, userId, roomId string) error
}

package database

import "github.com/npezzotti/go-chatsync/internal/types"

type CreateRoomParams struct {
	Name    string         `json:"name"`
	Creator types.Identity `json:"-"`
}

type CreateMessageParams struct {
	RoomId      string
	Text        string
	Sender      types.Identity
	Attachments []types.Attachment
	ReplyTo     string
	ClientToken string
}

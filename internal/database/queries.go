package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/types"
)

func (r *DocRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return types.Room{}, ErrEmptyRoomName
	}

	clientMillis := types.ClientMillis(r.now())
	id, err := r.store.Create(ctx, docstore.RoomsCollection, map[string]any{
		"name":            name,
		"createdAt":       docstore.ServerTimestamp(),
		"createdAtClient": clientMillis,
		"createdBy": types.Creator{
			Uid:         params.Creator.Id,
			DisplayName: params.Creator.DisplayName,
			PhotoURL:    params.Creator.AvatarURL,
		},
		"members":             []string{params.Creator.Id},
		"lastMessage":         RoomCreatedPreview,
		"lastMessageAt":       docstore.ServerTimestamp(),
		"lastMessageAtClient": clientMillis,
	})
	if err != nil {
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	return r.GetRoom(ctx, id)
}

func (r *DocRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	doc, err := r.store.Get(ctx, docstore.RoomsCollection, roomId)
	if err != nil {
		return types.Room{}, err
	}

	var room types.Room
	if err := docstore.Decode(doc, &room); err != nil {
		return types.Room{}, err
	}
	room.Id = doc.Id

	return room, nil
}

// JoinRoom adds user to the room's members and records the profile snapshot
// other members resolve the user's name from.
func (r *DocRepository) JoinRoom(ctx context.Context, roomId string, user types.Identity) error {
	err := r.store.Update(ctx, docstore.RoomsCollection, roomId, map[string]any{
		"members": docstore.ArrayUnion(user.Id),
		"memberProfiles." + user.Id: types.MemberProfile{
			DisplayName: user.DisplayName,
			PhotoURL:    user.AvatarURL,
		},
	})
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomId, err)
	}
	return nil
}

func (r *DocRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	attachments := params.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}

	msg := types.Message{
		RoomId:          params.RoomId,
		Text:            params.Text,
		SenderId:        params.Sender.Id,
		SenderName:      params.Sender.DisplayName,
		SenderPhoto:     params.Sender.AvatarURL,
		CreatedAtClient: types.ClientMillis(r.now()),
		Attachments:     attachments,
		ReplyTo:         params.ReplyTo,
		ClientToken:     params.ClientToken,
	}

	data := map[string]any{
		"roomId":          msg.RoomId,
		"text":            msg.Text,
		"senderId":        msg.SenderId,
		"senderName":      msg.SenderName,
		"senderPhoto":     msg.SenderPhoto,
		"createdAt":       docstore.ServerTimestamp(),
		"createdAtClient": msg.CreatedAtClient,
		"attachments":     msg.Attachments,
	}
	if msg.ReplyTo != "" {
		data["replyTo"] = msg.ReplyTo
	}
	if msg.ClientToken != "" {
		data["clientToken"] = msg.ClientToken
	}

	id, err := r.store.Create(ctx, docstore.MessagesCollection, data)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}
	msg.Id = id

	return msg, nil
}

func (r *DocRepository) GetMessage(ctx context.Context, messageId string) (types.Message, error) {
	doc, err := r.store.Get(ctx, docstore.MessagesCollection, messageId)
	if err != nil {
		return types.Message{}, err
	}

	var msg types.Message
	if err := docstore.Decode(doc, &msg); err != nil {
		return types.Message{}, err
	}
	msg.Id = doc.Id

	return msg, nil
}

// UpdateRoomOnMessage writes the denormalized last message of a room.
func (r *DocRepository) UpdateRoomOnMessage(ctx context.Context, roomId, preview string) error {
	err := r.store.Update(ctx, docstore.RoomsCollection, roomId, map[string]any{
		"lastMessage":         preview,
		"lastMessageAt":       docstore.ServerTimestamp(),
		"lastMessageAtClient": types.ClientMillis(r.now()),
	})
	if err != nil {
		return fmt.Errorf("update room %s: %w", roomId, err)
	}
	return nil
}

func (r *DocRepository) UpdateMessage(ctx context.Context, messageId, text string) error {
	err := r.store.Update(ctx, docstore.MessagesCollection, messageId, map[string]any{
		"text":     text,
		"isEdited": true,
	})
	if err != nil {
		return fmt.Errorf("update message %s: %w", messageId, err)
	}
	return nil
}

func (r *DocRepository) DeleteMessage(ctx context.Context, messageId string) error {
	if err := r.store.Delete(ctx, docstore.MessagesCollection, messageId); err != nil {
		return fmt.Errorf("delete message %s: %w", messageId, err)
	}
	return nil
}

func (r *DocRepository) MarkRoomRead(ctx context.Context, userId, roomId string) error {
	err := r.store.Merge(ctx, docstore.ReceiptsCollection(userId), roomId, map[string]any{
		"lastReadAt": docstore.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("mark room %s read: %w", roomId, err)
	}
	return nil
}

package timeline

import (
	"time"

	"github.com/npezzotti/go-chatsync/internal/avatar"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// SeedMessages is the canned conversation shown in an empty room while the
// development bypass is on. The second message is from me.
func SeedMessages(roomId string, me types.Identity, now time.Time) []types.Message {
	meId := me.Id
	if meId == "" {
		meId = "dev-user"
	}
	meName := me.DisplayName
	if meName == "" {
		meName = "You"
	}

	at := func(ago time.Duration) *types.Timestamp {
		ts := types.Timestamp{Seconds: now.Add(-ago).Unix()}
		return &ts
	}

	return []types.Message{
		{
			Id:          roomId + "-mock-1",
			RoomId:      roomId,
			Text:        "Morning team! Just wanted to share the latest mockups. Let me know what you think.",
			SenderId:    "liam",
			SenderName:  "Liam Carter",
			SenderPhoto: avatar.URL("Liam Carter", false),
			CreatedAt:   at(5 * time.Minute),
			Attachments: []types.Attachment{},
		},
		{
			Id:          roomId + "-mock-2",
			RoomId:      roomId,
			Text:        "Looks great @Liam! I'll review them and leave comments on Figma later today.",
			SenderId:    meId,
			SenderName:  meName,
			SenderPhoto: me.AvatarURL,
			CreatedAt:   at(4 * time.Minute),
			Attachments: []types.Attachment{},
		},
		{
			Id:          roomId + "-mock-3",
			RoomId:      roomId,
			Text:        "Agreed, these are fantastic!",
			SenderId:    "ava",
			SenderName:  "Ava Rodriguez",
			SenderPhoto: avatar.URL("Ava Rodriguez", false),
			CreatedAt:   at(3 * time.Minute),
			Attachments: []types.Attachment{},
		},
	}
}

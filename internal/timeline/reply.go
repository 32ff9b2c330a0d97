package timeline

import (
	"strings"

	"github.com/npezzotti/go-chatsync/internal/avatar"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	DeletedReplyPreview = "Message deleted"
	maxPreviewLen       = 80
	truncatedPreviewLen = 77
)

type ReplyKind int

const (
	// ReplyNone marks a message that does not reply to anything.
	ReplyNone ReplyKind = iota
	// ReplyDeleted marks a reply whose target is not among the loaded messages.
	ReplyDeleted
	ReplyResolved
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyDeleted:
		return "deleted"
	case ReplyResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

func (k ReplyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type Reply struct {
	Kind       ReplyKind `json:"kind"`
	MessageId  string    `json:"messageId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Preview    string    `json:"preview,omitempty"`
}

// ResolveReply describes what msg replies to, looking the target up in byId.
func ResolveReply(msg types.Message, byId map[string]types.Message) Reply {
	if msg.ReplyTo == "" {
		return Reply{Kind: ReplyNone}
	}

	target, ok := byId[msg.ReplyTo]
	if !ok {
		return Reply{Kind: ReplyDeleted, MessageId: msg.ReplyTo, Preview: DeletedReplyPreview}
	}

	return Reply{
		Kind:       ReplyResolved,
		MessageId:  target.Id,
		SenderName: target.SenderName,
		Preview:    Preview(target),
	}
}

// Preview is the one-line summary of a reply target: its trimmed text,
// shortened past 80 characters, else its first attachment's name, else
// "message".
func Preview(target types.Message) string {
	text := strings.TrimSpace(target.Text)
	if text != "" {
		runes := []rune(text)
		if len(runes) > maxPreviewLen {
			return string(runes[:truncatedPreviewLen]) + "..."
		}
		return text
	}

	if len(target.Attachments) > 0 {
		if name := target.Attachments[0].Name; name != "" {
			return name
		}
		return "attachment"
	}

	return "message"
}

const (
	RoleAdmin  = "Admin"
	RoleMember = "Member"
)

type Participant struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
}

// Participants lists the members of room. A member's name comes from the
// first source that has one: the signed-in identity, the room creator, the
// member profiles, then the name on the member's first message.
func Participants(room types.Room, me types.Identity, senderNames map[string]string) []Participant {
	out := make([]Participant, 0, len(room.Members))
	for _, memberId := range room.Members {
		name := "Member " + prefix(memberId, 6)

		switch {
		case memberId == me.Id:
			name = me.DisplayName
			if name == "" {
				name = "You"
			}
		case memberId == room.CreatedBy.Uid && room.CreatedBy.DisplayName != "":
			name = room.CreatedBy.DisplayName
		case room.MemberProfiles[memberId].DisplayName != "":
			name = room.MemberProfiles[memberId].DisplayName
		case senderNames[memberId] != "":
			name = senderNames[memberId]
		}

		role := RoleMember
		if memberId == room.CreatedBy.Uid {
			role = RoleAdmin
		}

		out = append(out, Participant{
			Id:        memberId,
			Name:      name,
			AvatarURL: avatar.URL(name, false),
			Role:      role,
		})
	}
	return out
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	text81 := strings.Repeat("a", 81)
	text80 := strings.Repeat("b", 80)

	tcases := []struct {
		name     string
		target   types.Message
		expected string
	}{
		{name: "81 characters truncated", target: types.Message{Text: text81}, expected: strings.Repeat("a", 77) + "..."},
		{name: "80 characters kept", target: types.Message{Text: text80}, expected: text80},
		{name: "text trimmed", target: types.Message{Text: "  hello \n"}, expected: "hello"},
		{name: "attachment name", target: types.Message{Attachments: []types.Attachment{{Name: "brief.pdf"}, {Name: "other.png"}}}, expected: "brief.pdf"},
		{name: "blank text falls through to attachment", target: types.Message{Text: "   ", Attachments: []types.Attachment{{Name: "brief.pdf"}}}, expected: "brief.pdf"},
		{name: "unnamed attachment", target: types.Message{Attachments: []types.Attachment{{}}}, expected: "attachment"},
		{name: "empty message", target: types.Message{}, expected: "message"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Preview(tc.target))
		})
	}
}

func TestResolveReply(t *testing.T) {
	byId := map[string]types.Message{
		"m1": {Id: "m1", Text: "original", SenderName: "Ava"},
		"m2": {Id: "m2", SenderName: "Liam"},
	}

	tcases := []struct {
		name     string
		msg      types.Message
		expected Reply
	}{
		{
			name:     "no reference",
			msg:      types.Message{Id: "x"},
			expected: Reply{Kind: ReplyNone},
		},
		{
			name:     "dangling reference",
			msg:      types.Message{Id: "x", ReplyTo: "gone"},
			expected: Reply{Kind: ReplyDeleted, MessageId: "gone", Preview: "Message deleted"},
		},
		{
			name:     "resolved",
			msg:      types.Message{Id: "x", ReplyTo: "m1"},
			expected: Reply{Kind: ReplyResolved, MessageId: "m1", SenderName: "Ava", Preview: "original"},
		},
		{
			name:     "resolved but empty",
			msg:      types.Message{Id: "x", ReplyTo: "m2"},
			expected: Reply{Kind: ReplyResolved, MessageId: "m2", SenderName: "Liam", Preview: "message"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ResolveReply(tc.msg, byId))
		})
	}
}

func TestParticipants(t *testing.T) {
	room := types.Room{
		Id:        "r1",
		CreatedBy: types.Creator{Uid: "creator", DisplayName: "Casey Creator"},
		Members:   []string{"creator", "me", "profiled", "sender", "stranger-123456789"},
		MemberProfiles: map[string]types.MemberProfile{
			"profiled": {DisplayName: "Pat Profile"},
			"sender":   {},
		},
	}
	senderNames := map[string]string{"sender": "Sam Sender", "profiled": "Ignored"}

	got := Participants(room, types.Identity{Id: "me", DisplayName: "Morgan"}, senderNames)
	require.Len(t, got, 5)

	names := make([]string, len(got))
	roles := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name
		roles[i] = p.Role
		assert.NotEmpty(t, p.AvatarURL)
	}
	assert.Equal(t, []string{"Casey Creator", "Morgan", "Pat Profile", "Sam Sender", "Member strang"}, names)
	assert.Equal(t, []string{"Admin", "Member", "Member", "Member", "Member"}, roles)

	got = Participants(room, types.Identity{Id: "me"}, nil)
	assert.Equal(t, "You", got[1].Name, "expected a nameless current identity to show as You")
}

func TestSeedMessages(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	me := types.Identity{Id: "u1", DisplayName: "Morgan"}

	seed := SeedMessages("room-a", me, now)
	require.Len(t, seed, 3)
	assert.Equal(t, []string{"room-a-mock-1", "room-a-mock-2", "room-a-mock-3"}, []string{seed[0].Id, seed[1].Id, seed[2].Id})
	assert.Equal(t, now.Add(-5*time.Minute).Unix(), seed[0].CreatedAt.Seconds)
	assert.Less(t, seed[0].CreatedAt.Seconds, seed[1].CreatedAt.Seconds)
	assert.Less(t, seed[1].CreatedAt.Seconds, seed[2].CreatedAt.Seconds)
	assert.Equal(t, "u1", seed[1].SenderId)
	assert.Equal(t, "Morgan", seed[1].SenderName)
	assert.NotEqual(t, seed[0].SenderId, seed[2].SenderId)

	anon := SeedMessages("room-a", types.Identity{}, now)
	assert.Equal(t, "dev-user", anon[1].SenderId)
	assert.Equal(t, "You", anon[1].SenderName)
}

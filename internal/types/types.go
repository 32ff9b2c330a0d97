package types

import (
	"time"
)

// Timestamp is a server assigned point in time. A nil *Timestamp on a record
// means the server has not acknowledged the write yet.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
	}
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// ClientMillis returns t as the millisecond value written into the *Client
// fallback fields.
func ClientMillis(t time.Time) int64 {
	return t.UnixMilli()
}

type Identity struct {
	Id          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Creator struct {
	Uid         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type MemberProfile struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type Room struct {
	Id                  string                   `json:"id"`
	Name                string                   `json:"name"`
	CreatedBy           Creator                  `json:"createdBy"`
	Members             []string                 `json:"members"`
	MemberProfiles      map[string]MemberProfile `json:"memberProfiles,omitempty"`
	LastMessage         string                   `json:"lastMessage"`
	LastMessageAt       *Timestamp               `json:"lastMessageAt,omitempty"`
	LastMessageAtClient int64                    `json:"lastMessageAtClient,omitempty"`
	CreatedAt           *Timestamp               `json:"createdAt,omitempty"`
	CreatedAtClient     int64                    `json:"createdAtClient,omitempty"`
}

func (r Room) HasMember(userId string) bool {
	for _, m := range r.Members {
		if m == userId {
			return true
		}
	}
	return false
}

type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type Message struct {
	Id              string       `json:"id"`
	RoomId          string       `json:"roomId"`
	Text            string       `json:"text"`
	SenderId        string       `json:"senderId"`
	SenderName      string       `json:"senderName"`
	SenderPhoto     string       `json:"senderPhoto,omitempty"`
	CreatedAt       *Timestamp   `json:"createdAt,omitempty"`
	CreatedAtClient int64        `json:"createdAtClient,omitempty"`
	Attachments     []Attachment `json:"attachments"`
	ReplyTo         string       `json:"replyTo,omitempty"`
	IsEdited        bool         `json:"isEdited,omitempty"`
	// ClientToken correlates a locally issued send with the record the feed
	// eventually delivers for it.
	ClientToken string `json:"clientToken,omitempty"`
}

type ReadReceipt struct {
	RoomId     string     `json:"roomId"`
	LastReadAt *Timestamp `json:"lastReadAt,omitempty"`
}

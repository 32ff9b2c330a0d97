// Package timeline maintains the ordered messages of one open room together
// with the room header, and issues the room's message writes.
package timeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/feed"
	"github.com/npezzotti/go-chatsync/internal/order"
	"github.com/npezzotti/go-chatsync/internal/receipts"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/npezzotti/go-chatsync/internal/watch"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage    = errors.New("message needs text or an attachment")
	ErrClosed          = errors.New("timeline closed")
	ErrMessageNotFound = errors.New("message not found in this room")
	ErrNotSender       = errors.New("only the sender can change a message")
	ErrInvalidReply    = errors.New("reply target is not a message in this room")
	ErrNotMember       = errors.New("not a member of this room")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type Entry struct {
	Message types.Message `json:"message"`
	Status  Status        `json:"status"`
	Reply   Reply         `json:"reply"`
	Mine    bool          `json:"mine"`
}

type Header struct {
	Found        bool          `json:"found"`
	Room         types.Room    `json:"room"`
	Participants []Participant `json:"participants"`
}

type Snapshot struct {
	RoomId string `json:"roomId"`
	Loaded bool   `json:"loaded"`
	Seeded bool   `json:"seeded"`

	// Denied is set once the room record shows the current identity is not a
	// member. A denied snapshot carries no messages.
	Denied  bool    `json:"denied"`
	Header  Header  `json:"header"`
	Entries []Entry `json:"entries"`
}

type Options struct {
	// DevBypass shows a canned conversation while the room has no messages.
	DevBypass bool
	Now       func() time.Time
}

// Deps are the collaborators a view writes and subscribes through.
type Deps struct {
	Repo     database.ChatRepository
	Adapter  *feed.Adapter
	Tracker  *receipts.Tracker
	Uploader attachments.Uploader
	Log      *zap.Logger
	Stats    stats.StatsProvider
}

type pendingSend struct {
	message types.Message
	status  Status
}

type View struct {
	roomId string
	me     types.Identity
	deps   Deps
	log    *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	loaded  bool
	seeded  bool
	denied  bool
	room    *types.Room
	remote  []types.Message
	pending []*pendingSend
	edits   map[string]string
	deleted map[string]struct{}
	// derived from remote on every recompute, never shared across rooms
	idToMessage map[string]types.Message
	senderNames map[string]string
	entries     []Entry
	header      Header
	msgSub      *feed.Subscription
	roomSub     *feed.Subscription

	changes watch.Group
}

// NewView builds the timeline of roomId for me. A view that is never started
// can still issue writes.
func NewView(roomId string, me types.Identity, deps Deps, opts Options) *View {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &View{
		roomId:      roomId,
		me:          me,
		deps:        deps,
		log:         deps.Log.With(zap.String("room_id", roomId)),
		opts:        opts,
		edits:       make(map[string]string),
		deleted:     make(map[string]struct{}),
		idToMessage: make(map[string]types.Message),
		senderNames: make(map[string]string),
		entries:     make([]Entry, 0),
	}
}

func (v *View) RoomId() string {
	return v.roomId
}

// Start subscribes the message feed and the room record. Calling it again is
// a no-op.
func (v *View) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.started || v.closed {
		return
	}
	v.started = true
	v.ctx, v.cancel = context.WithCancel(ctx)

	v.msgSub = v.deps.Adapter.Messages(v.ctx, v.roomId, v.onMessages)
	v.roomSub = v.deps.Adapter.Room(v.ctx, v.roomId, v.onRoom)
	v.deps.Stats.Incr(stats.OpenTimelines)
	v.log.Debug("timeline opened")
}

func (v *View) onMessages(b feed.Batch[types.Message]) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	list := order.Messages(b.Records)
	v.seeded = false
	if len(list) == 0 && v.opts.DevBypass {
		list = SeedMessages(v.roomId, v.me, v.opts.Now())
		v.seeded = true
	}
	v.remote = list
	v.reconcile()
	v.recompute()
	markRead := len(list) > 0 && v.room != nil && !v.denied
	v.mu.Unlock()

	v.changes.Notify()

	if markRead {
		v.markRead()
	}
}

// markRead runs the receipt write off the delivery goroutine. Close waits for
// it.
func (v *View) markRead() {
	if v.me.Id == "" {
		return
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.deps.Tracker.MarkRead(v.ctx, v.roomId, v.me.Id)
	}()
}

func (v *View) onRoom(b feed.Batch[types.Room]) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	v.loaded = true
	v.room = nil
	if len(b.Records) > 0 {
		room := b.Records[0]
		v.room = &room
	}
	v.recompute()
	// the room's last message can land after the message itself was
	// delivered and marked
	markRead := v.room != nil && v.room.LastMessageAt != nil && len(v.remote) > 0 && !v.denied
	v.mu.Unlock()

	v.changes.Notify()

	if markRead {
		v.markRead()
	}
}

// reconcile drops local overlays the feed has caught up with.
func (v *View) reconcile() {
	ids := make(map[string]types.Message, len(v.remote))
	tokens := make(map[string]struct{})
	for _, m := range v.remote {
		ids[m.Id] = m
		if m.ClientToken != "" {
			tokens[m.ClientToken] = struct{}{}
		}
	}

	kept := v.pending[:0]
	for _, p := range v.pending {
		_, byToken := tokens[p.message.ClientToken]
		_, byId := ids[p.message.Id]
		if byToken || byId {
			continue
		}
		kept = append(kept, p)
	}
	v.pending = kept

	for id, text := range v.edits {
		m, ok := ids[id]
		if !ok || m.Text == text {
			delete(v.edits, id)
		}
	}

	for id := range v.deleted {
		if _, ok := ids[id]; !ok {
			delete(v.deleted, id)
		}
	}
}

// recompute rebuilds every derived field from the latest feed snapshots and
// the local overlays.
func (v *View) recompute() {
	v.denied = v.room != nil && !v.room.HasMember(v.me.Id)

	// messages stay hidden until the room record has shown who may read
	// them; the canned conversation of a missing room is the one exception
	remote := v.remote
	pending := v.pending
	readable := v.room != nil && !v.denied
	if !readable && !(v.loaded && v.room == nil && v.seeded) {
		remote = nil
	}
	if v.denied {
		pending = nil
	}

	idToMessage := make(map[string]types.Message, len(remote))
	senderNames := make(map[string]string)
	visible := make([]types.Message, 0, len(remote))

	for _, m := range remote {
		if _, gone := v.deleted[m.Id]; gone {
			continue
		}
		if text, ok := v.edits[m.Id]; ok {
			m.Text = text
			m.IsEdited = true
		}
		visible = append(visible, m)
		idToMessage[m.Id] = m
		if m.SenderId != "" && m.SenderName != "" {
			if _, seen := senderNames[m.SenderId]; !seen {
				senderNames[m.SenderId] = m.SenderName
			}
		}
	}

	entries := make([]Entry, 0, len(visible)+len(pending))
	for _, m := range visible {
		entries = append(entries, Entry{
			Message: m,
			Status:  StatusConfirmed,
			Reply:   ResolveReply(m, idToMessage),
			Mine:    m.SenderId == v.me.Id,
		})
	}
	for _, p := range pending {
		entries = append(entries, Entry{
			Message: p.message,
			Status:  p.status,
			Reply:   ResolveReply(p.message, idToMessage),
			Mine:    true,
		})
	}

	v.idToMessage = idToMessage
	v.senderNames = senderNames
	v.entries = entries

	v.header = Header{Participants: make([]Participant, 0)}
	if v.room != nil && !v.denied {
		v.header = Header{
			Found:        true,
			Room:         *v.room,
			Participants: Participants(*v.room, v.me, senderNames),
		}
	}
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries := make([]Entry, len(v.entries))
	copy(entries, v.entries)
	return Snapshot{
		RoomId:  v.roomId,
		Loaded:  v.loaded,
		Seeded:  v.seeded,
		Denied:  v.denied,
		Header:  v.header,
		Entries: entries,
	}
}

// ResolveReplyPreview resolves msg's reply target against the loaded messages.
func (v *View) ResolveReplyPreview(msg types.Message) Reply {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ResolveReply(msg, v.idToMessage)
}

// SenderName returns the name on the first loaded message from senderId.
func (v *View) SenderName(senderId string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	name, ok := v.senderNames[senderId]
	return name, ok
}

func (v *View) Watch() (<-chan struct{}, func()) {
	return v.changes.Watch()
}

func (v *View) update(fn func()) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	fn()
	v.recompute()
	v.mu.Unlock()

	v.changes.Notify()
	return true
}

// Send uploads files, then writes the message and the room's last message
// preview. The message shows as pending until the feed delivers it, and as
// failed when the message write fails. An upload failure aborts the send
// before anything is written.
func (v *View) Send(ctx context.Context, text string, files []attachments.File, replyToId string) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return types.Message{}, ErrEmptyMessage
	}

	v.mu.Lock()
	closed, denied := v.closed, v.denied
	v.mu.Unlock()
	if closed {
		return types.Message{}, ErrClosed
	}
	if denied {
		return types.Message{}, ErrNotMember
	}

	if replyToId != "" {
		if _, err := v.message(ctx, replyToId); err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return types.Message{}, ErrInvalidReply
			}
			return types.Message{}, err
		}
	}

	atts, err := attachments.UploadAll(ctx, v.deps.Uploader, attachments.Path(v.roomId), files)
	if err != nil {
		v.log.Warn("attachment upload failed", zap.Error(err))
		return types.Message{}, err
	}

	token := uuid.NewString()
	p := &pendingSend{
		status: StatusPending,
		message: types.Message{
			Id:              "pending-" + token,
			RoomId:          v.roomId,
			Text:            text,
			SenderId:        v.me.Id,
			SenderName:      v.me.DisplayName,
			SenderPhoto:     v.me.AvatarURL,
			CreatedAtClient: types.ClientMillis(v.opts.Now()),
			Attachments:     atts,
			ReplyTo:         replyToId,
			ClientToken:     token,
		},
	}
	v.update(func() { v.pending = append(v.pending, p) })

	msg, err := v.deps.Repo.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:      v.roomId,
		Text:        text,
		Sender:      v.me,
		Attachments: atts,
		ReplyTo:     replyToId,
		ClientToken: token,
	})
	if err != nil {
		v.log.Error("failed to send message", zap.Error(err))
		v.deps.Stats.Incr(stats.SendFailures)
		v.update(func() { p.status = StatusFailed })
		return types.Message{}, err
	}

	v.update(func() { p.message.Id = msg.Id })
	v.deps.Stats.Incr(stats.MessagesSent)

	if err := v.deps.Repo.UpdateRoomOnMessage(ctx, v.roomId, lastMessagePreview(text, atts)); err != nil {
		v.log.Error("failed to update room last message", zap.String("message_id", msg.Id), zap.Error(err))
		return msg, err
	}

	return msg, nil
}

func lastMessagePreview(text string, atts []types.Attachment) string {
	switch {
	case text != "":
		return text
	case len(atts) > 0:
		return "Sent an attachment"
	default:
		return "Message"
	}
}

// Dismiss removes a failed send. Pending sends are left alone.
func (v *View) Dismiss(clientToken string) bool {
	removed := false
	v.update(func() {
		for i, p := range v.pending {
			if p.message.ClientToken == clientToken && p.status == StatusFailed {
				v.pending = append(v.pending[:i], v.pending[i+1:]...)
				removed = true
				return
			}
		}
	})
	return removed
}

// message looks messageId up among the loaded messages, then in the store.
// Messages of other rooms are reported as not found.
func (v *View) message(ctx context.Context, messageId string) (types.Message, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return types.Message{}, ErrClosed
	}
	if v.denied {
		v.mu.Unlock()
		return types.Message{}, ErrNotMember
	}
	m, ok := v.idToMessage[messageId]
	v.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := v.deps.Repo.GetMessage(ctx, messageId)
	if errors.Is(err, docstore.ErrNotFound) {
		return types.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return types.Message{}, err
	}
	if m.RoomId != v.roomId {
		v.log.Warn("message from another room", zap.String("message_id", messageId), zap.String("user_id", v.me.Id))
		return types.Message{}, ErrMessageNotFound
	}
	return m, nil
}

// ownMessage checks messageId is a message of this room sent by the current
// identity.
func (v *View) ownMessage(ctx context.Context, messageId string) error {
	m, err := v.message(ctx, messageId)
	if err != nil {
		return err
	}
	if m.SenderId != v.me.Id {
		return ErrNotSender
	}
	return nil
}

// Edit replaces the text of a message. The new text shows at once and is
// rolled back if the write fails.
func (v *View) Edit(ctx context.Context, messageId, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := v.ownMessage(ctx, messageId); err != nil {
		return err
	}

	var prev string
	var hadPrev bool
	if !v.update(func() {
		prev, hadPrev = v.edits[messageId]
		v.edits[messageId] = text
	}) {
		return ErrClosed
	}

	if err := v.deps.Repo.UpdateMessage(ctx, messageId, text); err != nil {
		v.log.Error("failed to edit message", zap.String("message_id", messageId), zap.Error(err))
		v.update(func() {
			if hadPrev {
				v.edits[messageId] = prev
			} else {
				delete(v.edits, messageId)
			}
		})
		return err
	}
	return nil
}

// Delete removes a message. Replies to it stay and resolve as deleted.
func (v *View) Delete(ctx context.Context, messageId string) error {
	if err := v.ownMessage(ctx, messageId); err != nil {
		return err
	}

	if !v.update(func() { v.deleted[messageId] = struct{}{} }) {
		return ErrClosed
	}

	if err := v.deps.Repo.DeleteMessage(ctx, messageId); err != nil {
		v.log.Error("failed to delete message", zap.String("message_id", messageId), zap.Error(err))
		v.update(func() { delete(v.deleted, messageId) })
		return err
	}
	return nil
}

// Close stops both feeds and waits for outstanding read marks. The view's
// caches are dropped with it.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	started := v.started
	msgSub, roomSub := v.msgSub, v.roomSub
	v.mu.Unlock()

	if msgSub != nil {
		msgSub.Unsubscribe()
	}
	if roomSub != nil {
		roomSub.Unsubscribe()
	}
	v.wg.Wait()
	if v.cancel != nil {
		v.cancel()
	}
	v.changes.Close()

	if started {
		v.deps.Stats.Decr(stats.OpenTimelines)
		v.log.Debug("timeline closed")
	}
}

package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/memstore"
	"github.com/npezzotti/go-chatsync/internal/feed"
	"github.com/npezzotti/go-chatsync/internal/receipts"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var me = types.Identity{Id: "u1", DisplayName: "Morgan"}

type fakeUploader struct {
	err error
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, destinationPath, name string) (types.Attachment, error) {
	if f.err != nil {
		return types.Attachment{}, f.err
	}
	return types.Attachment{Name: name, Type: "application/pdf", URL: "https://files/" + destinationPath + "/" + name}, nil
}

type fixture struct {
	store *memstore.Store
	repo  *database.DocRepository
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	store := memstore.New(memstore.WithIndex(docstore.MessagesCollection, "createdAt"))
	repo := database.NewDocRepository(store)
	logger := testutil.TestLogger(t)
	st := stats.NewMockStatsUpdater()
	adapter := feed.NewAdapter(store, logger, st)

	return &fixture{
		store: store,
		repo:  repo,
		deps: Deps{
			Repo:     repo,
			Adapter:  adapter,
			Tracker:  receipts.NewTracker(repo, adapter, logger, st),
			Uploader: &fakeUploader{},
			Log:      logger,
			Stats:    st,
		},
	}
}

func (f *fixture) open(t *testing.T, roomId string, opts Options) *View {
	v := NewView(roomId, me, f.deps, opts)
	v.Start(context.Background())
	t.Cleanup(v.Close)
	return v
}

func (f *fixture) room(t *testing.T) types.Room {
	room, err := f.repo.CreateRoom(context.Background(), database.CreateRoomParams{Name: "Design Team", Creator: me})
	require.NoError(t, err)
	return room
}

func waitSnapshot(t *testing.T, v *View, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = v.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestSeedActivatesInDevBypass(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1_700_000_000, 0)
	v := f.open(t, "room-a", Options{DevBypass: true, Now: func() time.Time { return now }})

	snap := waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 3 })
	assert.True(t, snap.Seeded)
	assert.Equal(t, "u1", snap.Entries[1].Message.SenderId, "expected the second message from the current identity")
	assert.True(t, snap.Entries[1].Mine)
	for i := 1; i < len(snap.Entries); i++ {
		assert.Less(t, snap.Entries[i-1].Message.CreatedAt.Seconds, snap.Entries[i].Message.CreatedAt.Seconds)
	}

	name, ok := v.SenderName("liam")
	assert.True(t, ok)
	assert.Equal(t, "Liam Carter", name)
}

func TestSeedNeverInProduction(t *testing.T) {
	f := newFixture(t)
	room := f.room(t)
	v := f.open(t, room.Id, Options{})

	waitSnapshot(t, v, func(s Snapshot) bool { return s.Loaded })
	time.Sleep(50 * time.Millisecond)

	snap := v.Snapshot()
	assert.False(t, snap.Seeded)
	assert.Empty(t, snap.Entries)
	assert.True(t, snap.Header.Found)
	require.Len(t, snap.Header.Participants, 1)
	assert.Equal(t, RoleAdmin, snap.Header.Participants[0].Role)
}

func TestSeedReplacedByRealMessages(t *testing.T) {
	f := newFixture(t)
	room := f.room(t)
	v := f.open(t, room.Id, Options{DevBypass: true})

	waitSnapshot(t, v, func(s Snapshot) bool { return s.Seeded })

	_, err := v.Send(context.Background(), "real message", nil, "")
	require.NoError(t, err)

	snap := waitSnapshot(t, v, func(s Snapshot) bool { return !s.Seeded && len(s.Entries) == 1 })
	assert.Equal(t, "real message", snap.Entries[0].Message.Text)
}

func TestSendConfirmsAndUpdatesRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t)
	v := f.open(t, room.Id, Options{})

	msg, err := v.Send(ctx, "  hello team  ", []attachments.File{{Name: "brief.pdf", Data: []byte("%PDF-1.4")}}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Id)

	snap := waitSnapshot(t, v, func(s Snapshot) bool {
		return len(s.Entries) == 1 && s.Entries[0].Status == StatusConfirmed && s.Header.Room.LastMessage == "hello team"
	})
	entry := snap.Entries[0]
	assert.Equal(t, msg.Id, entry.Message.Id)
	assert.Equal(t, "hello team", entry.Message.Text)
	assert.Equal(t, "Morgan", entry.Message.SenderName)
	require.Len(t, entry.Message.Attachments, 1)
	assert.Equal(t, "brief.pdf", entry.Message.Attachments[0].Name)
	assert.True(t, entry.Mine)
	assert.Equal(t, ReplyNone, entry.Reply.Kind)
	assert.NotEmpty(t, entry.Message.ClientToken)

	updated, err := f.repo.GetRoom(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, "hello team", updated.LastMessage)
}

func TestSendAttachmentOnlyPreview(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	mockRepo.On("CreateMessage", mock.Anything, mock.Anything).Return(types.Message{Id: "m1"}, nil)
	mockRepo.On("UpdateRoomOnMessage", mock.Anything, "r1", "Sent an attachment").Return(nil)

	f := newFixture(t)
	f.deps.Repo = mockRepo
	v := f.open(t, "r1", Options{})

	_, err := v.Send(context.Background(), "", []attachments.File{{Name: "brief.pdf"}}, "")
	require.NoError(t, err)
	mockRepo.AssertExpectations(t)
}

func TestSendFailureMarksFailed(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	mockRepo.On("CreateMessage", mock.Anything, mock.Anything).Return(types.Message{}, errors.New("unavailable"))

	f := newFixture(t)
	f.deps.Repo = mockRepo
	v := f.open(t, "r1", Options{})

	_, err := v.Send(context.Background(), "hello", nil, "")
	require.Error(t, err)
	mockRepo.AssertNotCalled(t, "UpdateRoomOnMessage", mock.Anything, mock.Anything, mock.Anything)

	snap := v.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, StatusFailed, snap.Entries[0].Status)

	assert.False(t, v.Dismiss("unknown-token"))
	assert.True(t, v.Dismiss(snap.Entries[0].Message.ClientToken))
	assert.Empty(t, v.Snapshot().Entries)
}

func TestSendUploadFailureAborts(t *testing.T) {
	mockRepo := &database.MockChatRepository{}

	f := newFixture(t)
	f.deps.Repo = mockRepo
	f.deps.Uploader = &fakeUploader{err: errors.New("quota exceeded")}
	v := f.open(t, "r1", Options{})

	_, err := v.Send(context.Background(), "see attached", []attachments.File{{Name: "big.mov"}}, "")
	var uploadErr *attachments.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "big.mov", uploadErr.Name)

	mockRepo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	assert.Empty(t, v.Snapshot().Entries, "expected no pending entry for an aborted send")
}

func TestSendEmpty(t *testing.T) {
	f := newFixture(t)
	v := f.open(t, "r1", Options{})

	_, err := v.Send(context.Background(), "   ", nil, "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestEditDeleteAndDanglingReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t)
	v := f.open(t, room.Id, Options{})

	first, err := v.Send(ctx, "first", nil, "")
	require.NoError(t, err)
	reply, err := v.Send(ctx, "replying", nil, first.Id)
	require.NoError(t, err)

	snap := waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 2 && s.Entries[1].Status == StatusConfirmed })
	assert.Equal(t, Reply{Kind: ReplyResolved, MessageId: first.Id, SenderName: "Morgan", Preview: "first"}, snap.Entries[1].Reply)

	require.NoError(t, v.Edit(ctx, first.Id, "first, edited"))
	snap = waitSnapshot(t, v, func(s Snapshot) bool {
		return len(s.Entries) == 2 && s.Entries[0].Message.Text == "first, edited"
	})
	assert.True(t, snap.Entries[0].Message.IsEdited)
	assert.Equal(t, "first, edited", snap.Entries[1].Reply.Preview)

	require.NoError(t, v.Delete(ctx, first.Id))
	snap = waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 1 })
	assert.Equal(t, reply.Id, snap.Entries[0].Message.Id)
	assert.Equal(t, ReplyDeleted, snap.Entries[0].Reply.Kind)
	assert.Equal(t, "Message deleted", snap.Entries[0].Reply.Preview)
	assert.Equal(t, ReplyDeleted, v.ResolveReplyPreview(types.Message{ReplyTo: first.Id}).Kind)
}

func TestEditRollsBackOnFailure(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	mockRepo.On("UpdateMessage", mock.Anything, "m1", "changed").Return(errors.New("unavailable"))
	mockRepo.On("DeleteMessage", mock.Anything, "m1").Return(errors.New("unavailable"))

	f := newFixture(t)
	require.NoError(t, f.store.Put(docstore.RoomsCollection, "r1", map[string]any{"name": "Design Team", "members": []string{"u1"}}))
	require.NoError(t, f.store.Put(docstore.MessagesCollection, "m1", map[string]any{
		"roomId": "r1", "text": "original", "senderId": "u1", "senderName": "Morgan", "createdAt": docstore.ServerTimestamp(),
	}))
	f.deps.Repo = mockRepo
	v := f.open(t, "r1", Options{})
	waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 1 })

	assert.Error(t, v.Edit(context.Background(), "m1", "changed"))
	assert.Equal(t, "original", v.Snapshot().Entries[0].Message.Text)
	assert.False(t, v.Snapshot().Entries[0].Message.IsEdited)

	assert.Error(t, v.Delete(context.Background(), "m1"))
	assert.Len(t, v.Snapshot().Entries, 1, "expected a failed delete to restore the message")
}

func TestEditDeleteOnlyOwnMessagesInRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ava := types.Identity{Id: "u2", DisplayName: "Ava"}

	room := f.room(t)
	require.NoError(t, f.repo.JoinRoom(ctx, room.Id, ava))
	theirs, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: room.Id, Text: "from ava", Sender: ava})
	require.NoError(t, err)

	otherRoom, err := f.repo.CreateRoom(ctx, database.CreateRoomParams{Name: "Ops", Creator: ava})
	require.NoError(t, err)
	elsewhere, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: otherRoom.Id, Text: "ops only", Sender: ava})
	require.NoError(t, err)
	mineElsewhere, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: otherRoom.Id, Text: "mine, in ops", Sender: me})
	require.NoError(t, err)

	v := f.open(t, room.Id, Options{})
	waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 1 })

	tcases := []struct {
		name      string
		messageId string
		expected  error
	}{
		{name: "message in another room", messageId: elsewhere.Id, expected: ErrMessageNotFound},
		{name: "own message in another room", messageId: mineElsewhere.Id, expected: ErrMessageNotFound},
		{name: "message from another sender", messageId: theirs.Id, expected: ErrNotSender},
		{name: "missing message", messageId: "missing", expected: ErrMessageNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Edit(ctx, tc.messageId, "rewritten"), tc.expected)
			assert.ErrorIs(t, v.Delete(ctx, tc.messageId), tc.expected)
		})
	}

	for _, id := range []string{theirs.Id, elsewhere.Id, mineElsewhere.Id} {
		doc, err := f.store.Get(ctx, docstore.MessagesCollection, id)
		require.NoError(t, err, "expected the message to survive")
		assert.NotEqual(t, "rewritten", doc.Data["text"])
		assert.NotContains(t, doc.Data, "isEdited")
	}

	snap := v.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "from ava", snap.Entries[0].Message.Text)
}

func TestUnstartedViewChecksOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ava := types.Identity{Id: "u2", DisplayName: "Ava"}

	theirs, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: "r1", Text: "from ava", Sender: ava})
	require.NoError(t, err)
	mine, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: "r1", Text: "tpyo", Sender: me})
	require.NoError(t, err)

	v := NewView("r1", me, f.deps, Options{})
	defer v.Close()

	assert.ErrorIs(t, v.Edit(ctx, theirs.Id, "rewritten"), ErrNotSender)
	assert.ErrorIs(t, v.Delete(ctx, theirs.Id), ErrNotSender)

	require.NoError(t, v.Edit(ctx, mine.Id, "typo"))
	msg, err := f.repo.GetMessage(ctx, mine.Id)
	require.NoError(t, err)
	assert.Equal(t, "typo", msg.Text)
	assert.True(t, msg.IsEdited)

	require.NoError(t, v.Delete(ctx, mine.Id))
	_, err = f.repo.GetMessage(ctx, mine.Id)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSendRejectsReplyOutsideRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t)
	otherRoom := f.room(t)

	elsewhere, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: otherRoom.Id, Text: "other room", Sender: me})
	require.NoError(t, err)

	v := f.open(t, room.Id, Options{})
	waitSnapshot(t, v, func(s Snapshot) bool { return s.Loaded })

	_, err = v.Send(ctx, "replying", nil, elsewhere.Id)
	assert.ErrorIs(t, err, ErrInvalidReply)
	_, err = v.Send(ctx, "replying", nil, "missing")
	assert.ErrorIs(t, err, ErrInvalidReply)

	docs, err := f.store.Query(ctx, docstore.Query{
		Collection: docstore.MessagesCollection,
		Filters:    []docstore.Filter{{Field: "roomId", Op: docstore.OpEqual, Value: room.Id}},
	})
	require.NoError(t, err)
	assert.Empty(t, docs, "expected no message written for an invalid reply")
	assert.Empty(t, v.Snapshot().Entries)
}

func TestNonMemberSeesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ava := types.Identity{Id: "u2", DisplayName: "Ava"}

	room, err := f.repo.CreateRoom(ctx, database.CreateRoomParams{Name: "Private", Creator: ava})
	require.NoError(t, err)
	secret, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: room.Id, Text: "members only", Sender: ava})
	require.NoError(t, err)

	v := f.open(t, room.Id, Options{})
	snap := waitSnapshot(t, v, func(s Snapshot) bool { return s.Loaded && s.Denied })
	assert.Empty(t, snap.Entries)
	assert.False(t, snap.Header.Found)
	assert.Empty(t, snap.Header.Participants)
	assert.Equal(t, ReplyDeleted, v.ResolveReplyPreview(types.Message{ReplyTo: secret.Id}).Kind)

	_, err = v.Send(ctx, "let me in", nil, "")
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, v.Edit(ctx, secret.Id, "x"), ErrNotMember)

	time.Sleep(50 * time.Millisecond)
	_, err = f.store.Get(ctx, docstore.ReceiptsCollection(me.Id), room.Id)
	assert.ErrorIs(t, err, docstore.ErrNotFound, "expected no read mark for a room the identity cannot read")

	require.NoError(t, f.repo.JoinRoom(ctx, room.Id, me))
	snap = waitSnapshot(t, v, func(s Snapshot) bool { return !s.Denied && len(s.Entries) == 1 })
	assert.True(t, snap.Header.Found)
	assert.Equal(t, "members only", snap.Entries[0].Message.Text)
}

func TestMarksReadOnDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t)
	v := f.open(t, room.Id, Options{})

	_, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: room.Id, Text: "hi", Sender: types.Identity{Id: "u2", DisplayName: "Ava"}})
	require.NoError(t, err)

	waitSnapshot(t, v, func(s Snapshot) bool { return len(s.Entries) == 1 })
	require.Eventually(t, func() bool {
		doc, err := f.store.Get(ctx, docstore.ReceiptsCollection("u1"), room.Id)
		return err == nil && doc.Data["lastReadAt"] != nil
	}, 2*time.Second, 5*time.Millisecond, "expected the open room to be marked read")

	snap := v.Snapshot()
	assert.False(t, snap.Entries[0].Mine)
}

func TestMissingRoomHeader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.open(t, "missing", Options{})

	snap := waitSnapshot(t, v, func(s Snapshot) bool { return s.Loaded })
	assert.False(t, snap.Header.Found)
	assert.False(t, snap.Denied)
	assert.Empty(t, snap.Header.Participants)

	_, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: "missing", Text: "early", Sender: types.Identity{Id: "u2", DisplayName: "Ava"}})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, v.Snapshot().Entries, "expected messages of a room without a record to stay hidden")

	_, err = f.store.Get(ctx, docstore.ReceiptsCollection(me.Id), "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestCloseStopsUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t)
	v := NewView(room.Id, me, f.deps, Options{})
	v.Start(ctx)
	waitSnapshot(t, v, func(s Snapshot) bool { return s.Loaded })

	v.Close()
	v.Close()

	_, err := f.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: room.Id, Text: "late", Sender: me})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, v.Snapshot().Entries)

	_, err = v.Send(ctx, "after close", nil, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Edit(ctx, "m1", "x"), ErrClosed)
}

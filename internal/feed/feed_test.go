package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/memstore"
	"github.com/npezzotti/go-chatsync/internal/order"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector keeps the latest batch a feed delivered.
type collector[T any] struct {
	mu      sync.Mutex
	batches []Batch[T]
}

func (c *collector[T]) add(b Batch[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *collector[T]) last() (Batch[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return Batch[T]{}, false
	}
	return c.batches[len(c.batches)-1], true
}

func (c *collector[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func seedRooms(t *testing.T, s *memstore.Store) {
	t.Helper()
	rooms := map[string]map[string]any{
		"r1": {"name": "Design Team", "members": []string{"u1"}, "lastMessageAt": types.Timestamp{Seconds: 300}},
		"r2": {"name": "Ops", "members": []string{"u1", "u2"}, "lastMessageAt": types.Timestamp{Seconds: 100}},
		"r3": {"name": "alpha", "members": []string{"u1"}, "lastMessageAt": types.Timestamp{Seconds: 100}},
		"r4": {"name": "Elsewhere", "members": []string{"u9"}, "lastMessageAt": types.Timestamp{Seconds: 900}},
	}
	for id, data := range rooms {
		require.NoError(t, s.Put(docstore.RoomsCollection, id, data))
	}
}

func roomIds(rooms []types.Room) []string {
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.Id
	}
	return ids
}

func TestDiff(t *testing.T) {
	doc := func(id, name string) docstore.Document {
		return docstore.Document{Id: id, Data: map[string]any{"name": name}}
	}

	tcases := []struct {
		name     string
		prev     []docstore.Document
		next     []docstore.Document
		expected []Change
	}{
		{
			name:     "initial delivery adds everything",
			next:     []docstore.Document{doc("a", "A"), doc("b", "B")},
			expected: []Change{{Type: Added, Id: "a"}, {Type: Added, Id: "b"}},
		},
		{
			name:     "modified and removed",
			prev:     []docstore.Document{doc("a", "A"), doc("b", "B"), doc("c", "C")},
			next:     []docstore.Document{doc("b", "B2"), doc("a", "A")},
			expected: []Change{{Type: Modified, Id: "b"}, {Type: Removed, Id: "c"}},
		},
		{
			name:     "unchanged set",
			prev:     []docstore.Document{doc("a", "A")},
			next:     []docstore.Document{doc("a", "A")},
			expected: []Change{},
		},
		{
			name:     "duplicate ids count once",
			next:     []docstore.Document{doc("a", "A"), doc("a", "A2")},
			expected: []Change{{Type: Added, Id: "a"}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, prev := diff(nil, tc.prev)
			changes, _ := diff(prev, tc.next)
			assert.Equal(t, tc.expected, changes)
		})
	}
}

func TestRoomsFeedFallsBackWithoutIndex(t *testing.T) {
	store := memstore.New()
	seedRooms(t, store)
	mockStats := stats.NewMockStatsUpdater()
	a := NewAdapter(store, testutil.TestLogger(t), mockStats)

	var c collector[types.Room]
	sub := a.Rooms(context.Background(), "u1", c.add)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		b, ok := c.last()
		return ok && len(b.Records) == 3
	}, time.Second, 5*time.Millisecond, "expected the unordered feed to deliver the member's rooms")

	assert.True(t, sub.Degraded(), "expected the feed to run degraded")
	mockStats.AssertCalled(t, "Incr", stats.FeedFallbacks)
	mockStats.AssertNotCalled(t, "Incr", stats.FeedErrors)
}

func TestIndexFallbackKeepsOrderedOutput(t *testing.T) {
	indexed := memstore.New(memstore.WithIndex(docstore.RoomsCollection, "lastMessageAt"))
	plain := memstore.New()
	seedRooms(t, indexed)
	seedRooms(t, plain)

	latest := func(s *memstore.Store) ([]types.Room, bool) {
		a := NewAdapter(s, testutil.TestLogger(t), stats.NewMockStatsUpdater())
		var c collector[types.Room]
		sub := a.Rooms(context.Background(), "u1", c.add)
		defer sub.Unsubscribe()

		require.Eventually(t, func() bool {
			b, ok := c.last()
			return ok && len(b.Records) == 3
		}, time.Second, 5*time.Millisecond)

		b, _ := c.last()
		return b.Records, sub.Degraded()
	}

	orderedRooms, orderedDegraded := latest(indexed)
	fallbackRooms, fallbackDegraded := latest(plain)

	assert.False(t, orderedDegraded)
	assert.True(t, fallbackDegraded)
	assert.Equal(t, []string{"r1", "r3", "r2"}, roomIds(order.Rooms(orderedRooms)))
	assert.Equal(t, roomIds(order.Rooms(orderedRooms)), roomIds(order.Rooms(fallbackRooms)),
		"expected identical ordered output regardless of delivery order")
}

func TestRoomFeedSingleDocument(t *testing.T) {
	store := memstore.New()
	a := NewAdapter(store, testutil.TestLogger(t), stats.NewMockStatsUpdater())

	var c collector[types.Room]
	sub := a.Room(context.Background(), "r1", c.add)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	b, _ := c.last()
	assert.Empty(t, b.Records, "expected no record for a missing room")

	require.NoError(t, store.Put(docstore.RoomsCollection, "r1", map[string]any{"name": "Ops", "members": []string{"u1"}}))
	require.Eventually(t, func() bool {
		b, ok := c.last()
		return ok && len(b.Records) == 1
	}, time.Second, 5*time.Millisecond)

	b, _ = c.last()
	assert.Equal(t, "r1", b.Records[0].Id, "expected the id to come from the document key")
	assert.Equal(t, []Change{{Type: Added, Id: "r1"}}, b.Changes)
}

func TestMessagesFeedSkipsUndecodable(t *testing.T) {
	store := memstore.New(memstore.WithIndex(docstore.MessagesCollection, "createdAt"))
	require.NoError(t, store.Put(docstore.MessagesCollection, "m1", map[string]any{
		"roomId": "room-a", "text": "hello", "createdAt": docstore.ServerTimestamp(),
	}))
	require.NoError(t, store.Put(docstore.MessagesCollection, "m2", map[string]any{
		"roomId": "room-a", "text": 42, "createdAt": docstore.ServerTimestamp(),
	}))
	require.NoError(t, store.Put(docstore.MessagesCollection, "m3", map[string]any{
		"roomId": "room-b", "text": "elsewhere", "createdAt": docstore.ServerTimestamp(),
	}))

	a := NewAdapter(store, testutil.TestLogger(t), stats.NewMockStatsUpdater())
	var c collector[types.Message]
	sub := a.Messages(context.Background(), "room-a", c.add)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return c.count() > 0 }, time.Second, 5*time.Millisecond)
	b, _ := c.last()
	require.Len(t, b.Records, 1, "expected the malformed message to be skipped")
	assert.Equal(t, "m1", b.Records[0].Id)
	assert.Len(t, b.Changes, 2, "expected changes to cover every delivered document")
	assert.False(t, sub.Degraded())
}

func TestReceiptsFeed(t *testing.T) {
	store := memstore.New()
	a := NewAdapter(store, testutil.TestLogger(t), stats.NewMockStatsUpdater())

	var c collector[types.ReadReceipt]
	sub := a.Receipts(context.Background(), "u1", c.add)
	defer sub.Unsubscribe()

	require.NoError(t, store.Merge(context.Background(), docstore.ReceiptsCollection("u1"), "room-a", map[string]any{
		"lastReadAt": docstore.ServerTimestamp(),
	}))

	require.Eventually(t, func() bool {
		b, ok := c.last()
		return ok && len(b.Records) == 1
	}, time.Second, 5*time.Millisecond)

	b, _ := c.last()
	assert.Equal(t, "room-a", b.Records[0].RoomId)
	assert.NotNil(t, b.Records[0].LastReadAt)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := memstore.New()
	a := NewAdapter(store, testutil.TestLogger(t), stats.NewMockStatsUpdater())

	var c collector[types.ReadReceipt]
	sub := a.Receipts(context.Background(), "u1", c.add)
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, store.Merge(context.Background(), docstore.ReceiptsCollection("u1"), "room-a", map[string]any{"x": 1}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count(), "expected no delivery after unsubscribe")
}

// failingStore reports a transport error on every subscription.
type failingStore struct {
	docstore.Store
	err error
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}

func (f *failingStore) Subscribe(ctx context.Context, q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) docstore.Subscription {
	onError(f.err)
	return nopSubscription{}
}

func TestTransportErrorKeepsSubscription(t *testing.T) {
	mockStats := stats.NewMockStatsUpdater()
	a := NewAdapter(&failingStore{err: errors.New("connection reset")}, testutil.TestLogger(t), mockStats)

	sub := a.Receipts(context.Background(), "u1", func(Batch[types.ReadReceipt]) {
		t.Error("expected no delivery")
	})
	defer sub.Unsubscribe()

	assert.False(t, sub.Degraded(), "expected transport errors not to degrade the feed")
	mockStats.AssertCalled(t, "Incr", stats.FeedErrors)
	mockStats.AssertNotCalled(t, "Incr", stats.FeedFallbacks)
}

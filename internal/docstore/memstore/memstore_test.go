package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSnapshot(t *testing.T, ch <-chan []docstore.Document) []docstore.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
		return nil
	}
}

func TestCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(func() time.Time { return time.Unix(100, 0) }))

	id, err := s.Create(ctx, docstore.RoomsCollection, map[string]any{
		"name":          "Design Team",
		"members":       []string{"u1"},
		"lastMessageAt": docstore.ServerTimestamp(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "expected generated id")

	doc, err := s.Get(ctx, docstore.RoomsCollection, id)
	require.NoError(t, err)
	assert.Equal(t, "Design Team", doc.Data["name"])
	assert.Equal(t, map[string]any{"seconds": float64(100), "nanos": float64(0)}, doc.Data["lastMessageAt"])

	err = s.Update(ctx, docstore.RoomsCollection, id, map[string]any{"members": docstore.ArrayUnion("u2")})
	require.NoError(t, err)

	doc, err = s.Get(ctx, docstore.RoomsCollection, id)
	require.NoError(t, err)
	assert.Equal(t, []any{"u1", "u2"}, doc.Data["members"])

	require.NoError(t, s.Delete(ctx, docstore.RoomsCollection, id))
	_, err = s.Get(ctx, docstore.RoomsCollection, id)
	assert.True(t, errors.Is(err, docstore.ErrNotFound), "expected not found after delete")

	assert.NoError(t, s.Delete(ctx, docstore.RoomsCollection, id), "expected deleting a missing document to succeed")
}

func TestUpdateMissing(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), docstore.MessagesCollection, "nope", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMergeKeepsFields(t *testing.T) {
	ctx := context.Background()
	s := New()
	coll := docstore.ReceiptsCollection("u1")

	require.NoError(t, s.Put(coll, "room-a", map[string]any{"muted": true}))
	require.NoError(t, s.Merge(ctx, coll, "room-a", map[string]any{"lastReadAt": docstore.ServerTimestamp()}))

	doc, err := s.Get(ctx, coll, "room-a")
	require.NoError(t, err)
	assert.Equal(t, true, doc.Data["muted"], "expected merge to keep unrelated fields")
	assert.Contains(t, doc.Data, "lastReadAt")
}

func TestOrderedQueryRequiresIndex(t *testing.T) {
	ctx := context.Background()
	q := docstore.Query{
		Collection: docstore.RoomsCollection,
		OrderBy:    &docstore.OrderBy{Field: "lastMessageAt", Descending: true},
	}

	_, err := New().Query(ctx, q)
	assert.ErrorIs(t, err, docstore.ErrIndexUnavailable)

	_, err = New(WithIndex(docstore.RoomsCollection, "lastMessageAt")).Query(ctx, q)
	assert.NoError(t, err)
}

func TestSubscribeDeliversFullSets(t *testing.T) {
	ctx := context.Background()
	s := New()
	snaps := make(chan []docstore.Document, 16)

	q := docstore.Query{
		Collection: docstore.MessagesCollection,
		Filters:    []docstore.Filter{{Field: "roomId", Op: docstore.OpEqual, Value: "room-a"}},
	}
	sub := s.Subscribe(ctx, q, func(docs []docstore.Document) { snaps <- docs }, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})
	defer sub.Unsubscribe()

	assert.Len(t, waitSnapshot(t, snaps), 0, "expected initial empty snapshot")

	_, err := s.Create(ctx, docstore.MessagesCollection, map[string]any{"roomId": "room-a", "text": "one"})
	require.NoError(t, err)
	assert.Len(t, waitSnapshot(t, snaps), 1)

	_, err = s.Create(ctx, docstore.MessagesCollection, map[string]any{"roomId": "room-a", "text": "two"})
	require.NoError(t, err)

	// deliveries may coalesce, the last one always holds both records
	var docs []docstore.Document
	require.Eventually(t, func() bool {
		select {
		case docs = <-snaps:
		default:
		}
		return len(docs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeOrderedWithoutIndexFails(t *testing.T) {
	s := New()
	errCh := make(chan error, 1)

	q := docstore.Query{
		Collection: docstore.RoomsCollection,
		OrderBy:    &docstore.OrderBy{Field: "lastMessageAt", Descending: true},
	}
	sub := s.Subscribe(context.Background(), q, func([]docstore.Document) {
		t.Error("expected no snapshot")
	}, func(err error) { errCh <- err })
	defer sub.Unsubscribe()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, docstore.ErrIndexUnavailable)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for index error")
	}
}

func TestSubscribeDoc(t *testing.T) {
	ctx := context.Background()
	s := New()
	snaps := make(chan *docstore.Document, 16)

	sub := s.SubscribeDoc(ctx, docstore.RoomsCollection, "room-a", func(doc *docstore.Document) { snaps <- doc }, nil)
	defer sub.Unsubscribe()

	select {
	case doc := <-snaps:
		assert.Nil(t, doc, "expected nil for a missing document")
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	require.NoError(t, s.Put(docstore.RoomsCollection, "room-a", map[string]any{"name": "Ops"}))
	select {
	case doc := <-snaps:
		require.NotNil(t, doc)
		assert.Equal(t, "Ops", doc.Data["name"])
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	snaps := make(chan []docstore.Document, 16)

	q := docstore.Query{Collection: docstore.RoomsCollection}
	sub := s.Subscribe(ctx, q, func(docs []docstore.Document) { snaps <- docs }, nil)
	waitSnapshot(t, snaps)

	sub.Unsubscribe()
	_, err := s.Create(ctx, docstore.RoomsCollection, map[string]any{"name": "Ops"})
	require.NoError(t, err)

	select {
	case <-snaps:
		t.Error("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

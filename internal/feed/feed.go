// Package feed turns store subscriptions into typed change feeds. Every
// delivery carries the full current record set of its target together with
// the changes relative to the previous delivery.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

type Change struct {
	Type ChangeType
	Id   string
}

type Batch[T any] struct {
	Records []T
	Changes []Change
}

// Target names what a feed watches. A target with a DocId watches that single
// document of Query.Collection.
type Target struct {
	Name  string
	Query docstore.Query
	DocId string
}

func RoomsForMember(userId string) Target {
	return Target{
		Name: "rooms:" + userId,
		Query: docstore.Query{
			Collection: docstore.RoomsCollection,
			Filters:    []docstore.Filter{{Field: "members", Op: docstore.OpArrayContains, Value: userId}},
			OrderBy:    &docstore.OrderBy{Field: "lastMessageAt", Descending: true},
		},
	}
}

func SingleRoom(roomId string) Target {
	return Target{
		Name:  "room:" + roomId,
		Query: docstore.Query{Collection: docstore.RoomsCollection},
		DocId: roomId,
	}
}

func RoomMessages(roomId string) Target {
	return Target{
		Name: "messages:" + roomId,
		Query: docstore.Query{
			Collection: docstore.MessagesCollection,
			Filters:    []docstore.Filter{{Field: "roomId", Op: docstore.OpEqual, Value: roomId}},
			OrderBy:    &docstore.OrderBy{Field: "createdAt"},
		},
	}
}

func ReadReceipts(userId string) Target {
	return Target{
		Name:  "receipts:" + userId,
		Query: docstore.Query{Collection: docstore.ReceiptsCollection(userId)},
	}
}

type Adapter struct {
	store docstore.Store
	log   *zap.Logger
	stats stats.StatsProvider
}

func NewAdapter(store docstore.Store, logger *zap.Logger, stats stats.StatsProvider) *Adapter {
	return &Adapter{
		store: store,
		log:   logger,
		stats: stats,
	}
}

type Subscription struct {
	adapter *Adapter
	target  Target
	ctx     context.Context
	log     *zap.Logger
	deliver func(docs []docstore.Document, changes []Change)

	mu       sync.Mutex
	sub      docstore.Subscription
	prev     map[string]string
	closed   bool
	degraded atomic.Bool
}

// Subscribe opens a feed on target. decode turns store documents into records;
// documents it rejects are logged and left out of the delivery. When the
// target's ordered query has no index the feed quietly switches to the
// unordered query.
func Subscribe[T any](ctx context.Context, a *Adapter, target Target, decode func(docstore.Document) (T, error), deliver func(Batch[T])) *Subscription {
	s := &Subscription{
		adapter: a,
		target:  target,
		ctx:     ctx,
		log:     a.log.With(zap.String("target", target.Name)),
	}

	s.deliver = func(docs []docstore.Document, changes []Change) {
		records := make([]T, 0, len(docs))
		for _, doc := range docs {
			rec, err := decode(doc)
			if err != nil {
				s.log.Warn("skipping undecodable record", zap.String("id", doc.Id), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		deliver(Batch[T]{Records: records, Changes: changes})
	}

	s.mu.Lock()
	s.sub = s.open(target.Query)
	s.mu.Unlock()
	return s
}

func (s *Subscription) open(q docstore.Query) docstore.Subscription {
	store := s.adapter.store
	if s.target.DocId != "" {
		return store.SubscribeDoc(s.ctx, q.Collection, s.target.DocId, func(doc *docstore.Document) {
			if doc == nil {
				s.handle(nil)
				return
			}
			s.handle([]docstore.Document{*doc})
		}, s.handleError)
	}
	return store.Subscribe(s.ctx, q, s.handle, s.handleError)
}

func (s *Subscription) handle(docs []docstore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	changes, next := diff(s.prev, docs)
	s.prev = next
	s.deliver(docs, changes)
	s.adapter.stats.Incr(stats.FeedDeliveries)
}

func (s *Subscription) handleError(err error) {
	if errors.Is(err, docstore.ErrIndexUnavailable) && s.target.Query.Ordered() {
		s.fallback()
		return
	}

	s.log.Warn("feed transport error", zap.Error(err))
	s.adapter.stats.Incr(stats.FeedErrors)
}

func (s *Subscription) fallback() {
	s.mu.Lock()
	if s.closed || s.degraded.Load() {
		s.mu.Unlock()
		return
	}

	s.log.Info("ordered query unavailable, falling back to unordered feed")
	s.degraded.Store(true)
	old := s.sub
	s.sub = s.open(s.target.Query.Unordered())
	s.adapter.stats.Incr(stats.FeedFallbacks)
	s.mu.Unlock()

	old.Unsubscribe()
}

// Degraded reports whether the feed runs on the unordered fallback query. It
// is safe to call from the feed's own callback.
func (s *Subscription) Degraded() bool {
	return s.degraded.Load()
}

// Unsubscribe stops the feed. A delivery in progress completes first; none
// starts afterwards. Must not be called from the feed's own callback.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	sub.Unsubscribe()
}

// diff compares the documents of a delivery with the fingerprints of the
// previous one.
func diff(prev map[string]string, docs []docstore.Document) ([]Change, map[string]string) {
	next := make(map[string]string, len(docs))
	changes := make([]Change, 0)

	for _, doc := range docs {
		raw, err := json.Marshal(doc.Data)
		if err != nil {
			raw = nil
		}
		fp := string(raw)
		if _, dup := next[doc.Id]; dup {
			next[doc.Id] = fp
			continue
		}
		next[doc.Id] = fp

		old, ok := prev[doc.Id]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Id: doc.Id})
		case old != fp:
			changes = append(changes, Change{Type: Modified, Id: doc.Id})
		}
	}

	removed := make([]string, 0)
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	for _, id := range removed {
		changes = append(changes, Change{Type: Removed, Id: id})
	}

	return changes, next
}

func DecodeRoom(doc docstore.Document) (types.Room, error) {
	var room types.Room
	if err := docstore.Decode(doc, &room); err != nil {
		return types.Room{}, err
	}
	room.Id = doc.Id
	return room, nil
}

func DecodeMessage(doc docstore.Document) (types.Message, error) {
	var msg types.Message
	if err := docstore.Decode(doc, &msg); err != nil {
		return types.Message{}, err
	}
	msg.Id = doc.Id
	return msg, nil
}

func DecodeReceipt(doc docstore.Document) (types.ReadReceipt, error) {
	var rr types.ReadReceipt
	if err := docstore.Decode(doc, &rr); err != nil {
		return types.ReadReceipt{}, err
	}
	rr.RoomId = doc.Id
	return rr, nil
}

// Rooms feeds the rooms userId is a member of.
func (a *Adapter) Rooms(ctx context.Context, userId string, fn func(Batch[types.Room])) *Subscription {
	return Subscribe(ctx, a, RoomsForMember(userId), DecodeRoom, fn)
}

// Room feeds a single room record; the batch is empty while the room does not
// exist.
func (a *Adapter) Room(ctx context.Context, roomId string, fn func(Batch[types.Room])) *Subscription {
	return Subscribe(ctx, a, SingleRoom(roomId), DecodeRoom, fn)
}

func (a *Adapter) Messages(ctx context.Context, roomId string, fn func(Batch[types.Message])) *Subscription {
	return Subscribe(ctx, a, RoomMessages(roomId), DecodeMessage, fn)
}

func (a *Adapter) Receipts(ctx context.Context, userId string, fn func(Batch[types.ReadReceipt])) *Subscription {
	return Subscribe(ctx, a, ReadReceipts(userId), DecodeReceipt, fn)
}

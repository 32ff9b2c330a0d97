// Package redisstore keeps each collection in a Redis hash and fans changes
// out over pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "docstore:"
	indexesKey    = "docstore:indexes"
	changesPrefix = "docstore:changes:"
	maxTxRetries  = 10
)

var errTooManyRetries = errors.New("transaction retries exhausted")

type Store struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger

	mu        sync.Mutex
	listeners map[*docstore.Listener]string
	closed    bool
	done      chan struct{}
}

var _ docstore.Store = (*Store)(nil)

// New connects to the Redis server at redisURL and subscribes to document
// changes.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	pubsub := client.PSubscribe(ctx, changesPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}

	s := &Store{
		client:    client,
		pubsub:    pubsub,
		log:       logger,
		listeners: make(map[*docstore.Listener]string),
		done:      make(chan struct{}),
	}

	go s.dispatch()
	return s, nil
}

func collectionKey(collection string) string {
	return keyPrefix + collection
}

func changesChannel(collection string) string {
	return changesPrefix + collection
}

func indexMember(collection, field string) string {
	return collection + "/" + field
}

// EnsureIndex declares an ordered index on field of collection.
func (s *Store) EnsureIndex(ctx context.Context, collection, field string) error {
	if err := s.client.SAdd(ctx, indexesKey, indexMember(collection, field)).Err(); err != nil {
		return fmt.Errorf("ensure index %s/%s: %w", collection, field, err)
	}
	return nil
}

func (s *Store) dispatch() {
	defer close(s.done)

	for msg := range s.pubsub.ChannelWithSubscriptions() {
		switch m := msg.(type) {
		case *redis.Subscription:
			// a resubscription follows a dropped connection; changes in
			// between were not published to us
			if m.Kind == "psubscribe" {
				s.notifyAll()
			}
		case *redis.Message:
			s.notify(strings.TrimPrefix(m.Channel, changesPrefix))
		}
	}
}

func (s *Store) publish(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, changesChannel(collection), "changed").Err(); err != nil {
		s.log.Warn("publish change", zap.String("collection", collection), zap.Error(err))
	}
}

func (s *Store) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id, err := docstore.NewId()
	if err != nil {
		return "", err
	}

	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("create %s: server time: %w", collection, err)
	}

	doc, err := docstore.ApplyFields(nil, data, now)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	if err := s.client.HSet(ctx, collectionKey(collection), id, raw).Err(); err != nil {
		return "", fmt.Errorf("create %s: %w", collection, err)
	}

	s.publish(ctx, collection)
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	raw, err := s.client.HGet(ctx, collectionKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}

	return decode(id, raw)
}

func decode(id string, raw []byte) (docstore.Document, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return docstore.Document{Id: id, Data: data}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.OrderBy != nil {
		ok, err := s.client.SIsMember(ctx, indexesKey, indexMember(q.Collection, q.OrderBy.Field)).Result()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q, err)
		}
		if !ok {
			return nil, fmt.Errorf("query %s: %w", q, docstore.ErrIndexUnavailable)
		}
	}

	all, err := s.client.HGetAll(ctx, collectionKey(q.Collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}

	return filterDocuments(q, all)
}

// filterDocuments applies q to the raw hash contents of a collection.
func filterDocuments(q docstore.Query, all map[string]string) ([]docstore.Document, error) {
	docs := make([]docstore.Document, 0, len(all))
	for id, raw := range all {
		doc, err := decode(id, []byte(raw))
		if err != nil {
			return nil, err
		}
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}

	if q.OrderBy != nil {
		return docstore.SortDocuments(docs, *q.OrderBy), nil
	}

	slices.SortFunc(docs, func(a, b docstore.Document) int { return strings.Compare(a.Id, b.Id) })
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) docstore.Subscription {
	load := func(ctx context.Context) ([]docstore.Document, error) {
		return s.Query(ctx, q)
	}
	return s.listen(ctx, q.Collection, load, onSnapshot, onError)
}

func (s *Store) SubscribeDoc(ctx context.Context, collection, id string, onSnapshot docstore.DocSnapshotFunc, onError docstore.ErrorFunc) docstore.Subscription {
	load := docstore.DocLoader(func(ctx context.Context) (docstore.Document, error) {
		return s.Get(ctx, collection, id)
	})
	return s.listen(ctx, collection, load, docstore.DocSnapshots(onSnapshot), onError)
}

func (s *Store) listen(ctx context.Context, collection string, load func(context.Context) ([]docstore.Document, error), onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) docstore.Subscription {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l := docstore.NewListener(ctx, load, onSnapshot, onError, nil)
		l.Unsubscribe()
		return l
	}

	l := docstore.NewListener(ctx, load, onSnapshot, onError, s.removeListener)
	s.listeners[l] = collection
	s.mu.Unlock()
	return l
}

func (s *Store) removeListener(l *docstore.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Store) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for l, c := range s.listeners {
		if c == collection {
			l.Notify()
		}
	}
}

func (s *Store) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for l := range s.listeners {
		l.Notify()
	}
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.modify(ctx, collection, id, fields, false); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.modify(ctx, collection, id, fields, true); err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	return nil
}

// modify applies fields to a document under WATCH, retrying when another
// writer touches the collection first.
func (s *Store) modify(ctx context.Context, collection, id string, fields map[string]any, upsert bool) error {
	key := collectionKey(collection)

	txf := func(tx *redis.Tx) error {
		var existing map[string]any

		raw, err := tx.HGet(ctx, key, id).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if !upsert {
				return docstore.ErrNotFound
			}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
		}

		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}

		updated, err := docstore.ApplyFields(existing, fields, now)
		if err != nil {
			return err
		}

		out, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, out)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}

		s.publish(ctx, collection)
		return nil
	}

	return errTooManyRetries
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	n, err := s.client.HDel(ctx, collectionKey(collection), id).Result()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}

	if n > 0 {
		s.publish(ctx, collection)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*docstore.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Unsubscribe()
	}

	if err := s.pubsub.Close(); err != nil {
		s.log.Warn("close pubsub", zap.Error(err))
	}
	<-s.done

	return s.client.Close()
}

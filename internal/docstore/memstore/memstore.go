// Package memstore is an in-process docstore.Store. It backs the development
// mode and the tests of every package above the store boundary.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/docstore"
)

type Option func(*Store)

// WithIndex declares an ordered index on field of collection. Ordered queries
// on fields without a declared index fail with docstore.ErrIndexUnavailable.
func WithIndex(collection, field string) Option {
	return func(s *Store) {
		s.indexes[indexKey(collection, field)] = struct{}{}
	}
}

// WithClock replaces the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	indexes     map[string]struct{}
	now         func() time.Time

	listenersMu sync.Mutex
	listeners   map[*docstore.Listener]string
	closed      bool
}

var _ docstore.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]map[string]any),
		indexes:     make(map[string]struct{}),
		now:         time.Now,
		listeners:   make(map[*docstore.Listener]string),
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func indexKey(collection, field string) string {
	return collection + "/" + field
}

func (s *Store) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id, err := docstore.NewId()
	if err != nil {
		return "", err
	}

	doc, err := docstore.ApplyFields(nil, data, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	coll[id] = doc
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

// Put writes data under id, replacing any existing document. It lets callers
// seed records with fixed ids.
func (s *Store) Put(collection, id string, data map[string]any) error {
	doc, err := docstore.ApplyFields(nil, data, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	coll[id] = doc
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection][id]
	if !ok {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, docstore.ErrNotFound)
	}

	cp, err := docstore.Normalize(data)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{Id: id, Data: cp}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.OrderBy != nil {
		if _, ok := s.indexes[indexKey(q.Collection, q.OrderBy.Field)]; !ok {
			return nil, fmt.Errorf("query %s: %w", q, docstore.ErrIndexUnavailable)
		}
	}

	s.mu.RLock()
	docs := make([]docstore.Document, 0, len(s.collections[q.Collection]))
	for id, data := range s.collections[q.Collection] {
		cp, err := docstore.Normalize(data)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}

		doc := docstore.Document{Id: id, Data: cp}
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	s.mu.RUnlock()

	if q.OrderBy != nil {
		return docstore.SortDocuments(docs, *q.OrderBy), nil
	}

	// map iteration order already scrambles the result; sort by id so a
	// single store hands out the same unordered result for the same state
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
	s.listenersMu.Lock()
	if s.closed {
		s.listenersMu.Unlock()
		l := docstore.NewListener(ctx, load, onSnapshot, onError, nil)
		l.Unsubscribe()
		return l
	}

	// removeListener blocks on listenersMu, so a listener that stops at once
	// is still registered before it is removed
	l := docstore.NewListener(ctx, load, onSnapshot, onError, s.removeListener)
	s.listeners[l] = collection
	s.listenersMu.Unlock()
	return l
}

func (s *Store) removeListener(l *docstore.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, l)
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	data, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, docstore.ErrNotFound)
	}

	updated, err := docstore.ApplyFields(data, fields, s.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.collections[collection][id] = updated
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}

	merged, err := docstore.ApplyFields(coll[id], fields, s.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	coll[id] = merged
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	_, existed := s.collections[collection][id]
	delete(s.collections[collection], id)
	s.mu.Unlock()

	if existed {
		s.notify(collection)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	s.listenersMu.Lock()
	s.closed = true
	listeners := make([]*docstore.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.Unsubscribe()
	}
	return nil
}

func (s *Store) notify(collection string) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for l, c := range s.listeners {
		if c == collection {
			l.Notify()
		}
	}
}

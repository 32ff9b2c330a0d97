// Package pgstore keeps documents as JSONB rows in PostgreSQL and turns
// LISTEN/NOTIFY into change feeds.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"go.uber.org/zap"
)

const (
	notifyChannel        = "docstore_changes"
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

type Store struct {
	db       *sql.DB
	listener *pq.Listener
	log      *zap.Logger

	mu        sync.Mutex
	listeners map[*docstore.Listener]string
	closed    bool
	stop      chan struct{}
	done      chan struct{}
}

var _ docstore.Store = (*Store)(nil)

type changeEvent struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
	Op         string `json:"op"`
}

// New connects to dsn and starts listening for document changes. The schema
// must be in place; see Migrate.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{
		db:        db,
		log:       logger,
		listeners: make(map[*docstore.Listener]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, s.handleListenerEvent)
	if err := s.listener.Listen(notifyChannel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	go s.dispatch()
	return s, nil
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) handleListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn("change feed connection lost", zap.Error(err))
		if err != nil {
			s.failAll(fmt.Errorf("change feed: %w", err))
		}
	case pq.ListenerEventReconnected:
		s.log.Info("change feed reconnected")
		// notifications sent while disconnected are lost
		s.notifyAll()
	}
}

func (s *Store) dispatch() {
	defer close(s.done)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				s.notifyAll()
				continue
			}

			var ev changeEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				s.log.Warn("malformed change notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			s.notify(ev.Collection)
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.Warn("change feed ping", zap.Error(err))
				}
			}()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id, err := docstore.NewId()
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now, err := serverNow(ctx, tx)
		if err != nil {
			return err
		}

		doc, err := docstore.ApplyFields(nil, data, now)
		if err != nil {
			return err
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)",
			collection, id, string(raw),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", collection, err)
	}

	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = $1 AND id = $2",
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}

	return decodeRow(id, raw)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.OrderBy != nil {
		ok, err := s.hasIndex(ctx, q.Collection, q.OrderBy.Field)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q, err)
		}
		if !ok {
			return nil, fmt.Errorf("query %s: %w", q, docstore.ErrIndexUnavailable)
		}
	}

	stmt, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		doc, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return docs, nil
}

func (s *Store) hasIndex(ctx context.Context, collection, field string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'documents' AND indexname = $1)",
		indexName(collection, field),
	).Scan(&exists)
	return exists, err
}

// indexName is the name an ordered index on field of collection must carry.
// Unquoted identifiers are folded to lower case by Postgres.
func indexName(collection, field string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return strings.ToLower(fmt.Sprintf("documents_%s_%s_idx", sanitize(collection), sanitize(field)))
}

// buildQuery renders q as SQL. Ordering is only supported on timestamp
// fields, which are compared by seconds then nanos.
func buildQuery(q docstore.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString("SELECT id, data FROM documents WHERE collection = $1")

	for _, f := range q.Filters {
		var operand any = f.Value
		var op string
		switch f.Op {
		case docstore.OpEqual:
			op = "="
		case docstore.OpArrayContains:
			op = "@>"
			operand = []any{f.Value}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}

		raw, err := json.Marshal(operand)
		if err != nil {
			return "", nil, fmt.Errorf("marshal filter value: %w", err)
		}

		args = append(args, pq.Array(strings.Split(f.Field, ".")), string(raw))
		fmt.Fprintf(&b, " AND (data #> $%d::text[]) %s $%d::jsonb", len(args)-1, op, len(args))
	}

	if q.OrderBy != nil {
		dir := "ASC"
		if q.OrderBy.Descending {
			dir = "DESC"
		}

		args = append(args, pq.Array(strings.Split(q.OrderBy.Field, ".")))
		n := len(args)
		fmt.Fprintf(&b, " AND (data #> $%d::text[]) IS NOT NULL", n)
		fmt.Fprintf(&b, " ORDER BY ((data #> $%d::text[]) ->> 'seconds')::bigint %s, ((data #> $%d::text[]) ->> 'nanos')::bigint %s, id", n, dir, n, dir)
	}

	return b.String(), args, nil
}

func decodeRow(id string, raw []byte) (docstore.Document, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return docstore.Document{Id: id, Data: data}, nil
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

func (s *Store) failAll(err error) {
	s.mu.Lock()
	listeners := make([]*docstore.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Fail(err)
	}
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			"SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE",
			collection, id,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.ErrNotFound
		}
		if err != nil {
			return err
		}

		return s.write(ctx, tx, collection, id, raw, fields)
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			"SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE",
			collection, id,
		).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		return s.write(ctx, tx, collection, id, raw, fields)
	})
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, collection, id string, existing []byte, fields map[string]any) error {
	var data map[string]any
	if existing != nil {
		if err := json.Unmarshal(existing, &data); err != nil {
			return err
		}
	}

	now, err := serverNow(ctx, tx)
	if err != nil {
		return err
	}

	updated, err := docstore.ApplyFields(data, fields, now)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(updated)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb) "+
			"ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data",
		collection, id, string(raw),
	)
	return err
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE collection = $1 AND id = $2", collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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

	close(s.stop)
	<-s.done

	if err := s.listener.Close(); err != nil {
		s.log.Warn("close listener", zap.Error(err))
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func serverNow(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var now time.Time
	if err := tx.QueryRowContext(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return now, nil
}

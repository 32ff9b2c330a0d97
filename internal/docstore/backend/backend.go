// Package backend opens the document store named by a URL.
package backend

import (
	"context"
	"fmt"
	"net/url"

	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/memstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/pgstore"
	"github.com/npezzotti/go-chatsync/internal/docstore/redisstore"
	"go.uber.org/zap"
)

// OrderedFields are the fields the feeds order by. Every backend declares an
// index on them.
var OrderedFields = []struct {
	Collection string
	Field      string
}{
	{Collection: docstore.RoomsCollection, Field: "lastMessageAt"},
	{Collection: docstore.MessagesCollection, Field: "createdAt"},
}

// Open connects to rawURL: memory://, postgres:// (migrated on open), or
// redis://.
func Open(ctx context.Context, rawURL string, logger *zap.Logger) (docstore.Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	log := logger.With(zap.String("store", u.Scheme))

	switch u.Scheme {
	case "memory":
		opts := make([]memstore.Option, 0, len(OrderedFields))
		for _, f := range OrderedFields {
			opts = append(opts, memstore.WithIndex(f.Collection, f.Field))
		}
		log.Info("using in-memory store")
		return memstore.New(opts...), nil

	case "postgres", "postgresql":
		s, err := pgstore.New(ctx, rawURL, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pgstore.Migrate(s.DB()); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil

	case "redis", "rediss":
		s, err := redisstore.New(ctx, rawURL, log)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		for _, f := range OrderedFields {
			if err := s.EnsureIndex(ctx, f.Collection, f.Field); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

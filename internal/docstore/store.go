// Package docstore defines the boundary to the remote document store: a
// change-notifying collection store reached over the network. Implementations
// live in the subpackages.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrIndexUnavailable is returned for an ordered query the backend has no
	// index for. The same query without ordering is always servable.
	ErrIndexUnavailable = errors.New("index unavailable for ordered query")
)

const (
	RoomsCollection    = "rooms"
	MessagesCollection = "messages"
)

// ReceiptsCollection returns the per-user collection holding read receipts,
// keyed by room id.
func ReceiptsCollection(userId string) string {
	return "users/" + userId + "/roomData"
}

type Document struct {
	Id   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type Operator string

const (
	OpEqual         Operator = "=="
	OpArrayContains Operator = "array-contains"
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

type OrderBy struct {
	Field      string
	Descending bool
}

type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    *OrderBy
}

func (q Query) Ordered() bool {
	return q.OrderBy != nil
}

// Unordered returns a copy of q without its ordering clause.
func (q Query) Unordered() Query {
	return Query{
		Collection: q.Collection,
		Filters:    q.Filters,
	}
}

// Matches reports whether doc satisfies every filter of q. The document data
// is expected in normalized form.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		want, err := normalizeValue(f.Value)
		if err != nil {
			return false
		}

		got, ok := Lookup(doc.Data, f.Field)
		if !ok {
			return false
		}

		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			arr, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if reflect.DeepEqual(el, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}

	return true
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " where %s %s %v", f.Field, f.Op, f.Value)
	}
	if q.OrderBy != nil {
		dir := "asc"
		if q.OrderBy.Descending {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order by %s %s", q.OrderBy.Field, dir)
	}
	return b.String()
}

type (
	SnapshotFunc    func(docs []Document)
	DocSnapshotFunc func(doc *Document)
	ErrorFunc       func(err error)
)

type Subscription interface {
	Unsubscribe()
}

// Store is the contract every backend satisfies. Subscriptions deliver the
// full current result set of their query each time any matching document
// changes; delivery for one subscription is serialized on its own goroutine.
// A subscription whose ordered query cannot be served reports
// ErrIndexUnavailable through onError and delivers nothing further.
type Store interface {
	Create(ctx context.Context, collection string, data map[string]any) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) Subscription
	// SubscribeDoc delivers nil while the document does not exist.
	SubscribeDoc(ctx context.Context, collection, id string, onSnapshot DocSnapshotFunc, onError ErrorFunc) Subscription
	// Update patches an existing document. Keys may be dotted paths.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Merge upserts fields into the document, keeping unrelated fields.
	Merge(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	Ping(ctx context.Context) error
	Close() error
}

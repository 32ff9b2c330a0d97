package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-chatsync/internal/docstore"
)

var ErrEmptyRoomName = errors.New("room name must not be empty")

const RoomCreatedPreview = "Room created"

// DocRepository implements ChatRepository on a docstore.Store.
type DocRepository struct {
	store docstore.Store
	now   func() time.Time
}

var _ ChatRepository = (*DocRepository)(nil)

func NewDocRepository(store docstore.Store) *DocRepository {
	return &DocRepository{
		store: store,
		now:   time.Now,
	}
}

func (r *DocRepository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

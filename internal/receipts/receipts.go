// Package receipts tracks the current identity's read markers per room.
package receipts

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/feed"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

type Tracker struct {
	repo    database.ChatRepository
	adapter *feed.Adapter
	log     *zap.Logger
	stats   stats.StatsProvider
}

func NewTracker(repo database.ChatRepository, adapter *feed.Adapter, logger *zap.Logger, stats stats.StatsProvider) *Tracker {
	return &Tracker{
		repo:    repo,
		adapter: adapter,
		log:     logger,
		stats:   stats,
	}
}

// MarkRead moves the user's read marker for roomId to the store's current
// time. Failures are logged and dropped: a missed marker only leaves a room
// flagged unread.
func (t *Tracker) MarkRead(ctx context.Context, roomId, userId string) {
	if roomId == "" || userId == "" {
		return
	}

	if err := t.repo.MarkRoomRead(ctx, userId, roomId); err != nil {
		t.log.Warn("failed to mark room read",
			zap.String("room_id", roomId),
			zap.String("user_id", userId),
			zap.Error(err),
		)
		return
	}

	t.stats.Incr(stats.ReadMarks)
}

// Subscribe delivers the user's receipts keyed by room id on every change.
func (t *Tracker) Subscribe(ctx context.Context, userId string, fn func(map[string]types.ReadReceipt)) *feed.Subscription {
	return t.adapter.Receipts(ctx, userId, func(b feed.Batch[types.ReadReceipt]) {
		byRoom := make(map[string]types.ReadReceipt, len(b.Records))
		for _, rr := range b.Records {
			byRoom[rr.RoomId] = rr
		}
		fn(byRoom)
	})
}

// HasUnread reports whether room has activity newer than the receipt. A room
// without activity is never unread; a room with activity and no receipt
// always is.
func HasUnread(room types.Room, receipt *types.ReadReceipt) bool {
	if room.LastMessageAt == nil {
		return false
	}
	if receipt == nil || receipt.LastReadAt == nil {
		return true
	}
	return room.LastMessageAt.Seconds > receipt.LastReadAt.Seconds
}

// Package directory maintains the ordered list of rooms the signed-in
// identity belongs to, with unread flags from the identity's read receipts.
package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/avatar"
	"github.com/npezzotti/go-chatsync/internal/feed"
	"github.com/npezzotti/go-chatsync/internal/order"
	"github.com/npezzotti/go-chatsync/internal/receipts"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/npezzotti/go-chatsync/internal/watch"
	"go.uber.org/zap"
)

type State int

const (
	StateUninitialized State = iota
	StateSubscribed
	StateActive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Entry struct {
	Room      types.Room `json:"room"`
	Unread    bool       `json:"unread"`
	AvatarURL string     `json:"avatarUrl"`
}

type Snapshot struct {
	State State   `json:"state"`
	Rooms []Entry `json:"rooms"`
}

type View struct {
	userId  string
	adapter *feed.Adapter
	tracker *receipts.Tracker
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	rooms       []types.Room
	receipts    map[string]types.ReadReceipt
	roomsLoaded bool
	entries     []Entry
	roomSub     *feed.Subscription
	receiptSub  *feed.Subscription

	changes watch.Group
}

func NewView(userId string, adapter *feed.Adapter, tracker *receipts.Tracker, logger *zap.Logger) *View {
	return &View{
		userId:   userId,
		adapter:  adapter,
		tracker:  tracker,
		log:      logger.With(zap.String("user_id", userId)),
		receipts: make(map[string]types.ReadReceipt),
		entries:  make([]Entry, 0),
	}
}

// Start subscribes the room and receipt feeds. Calling it again is a no-op.
func (v *View) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateUninitialized {
		return
	}

	v.state = StateSubscribed
	v.roomSub = v.adapter.Rooms(ctx, v.userId, v.onRooms)
	v.receiptSub = v.tracker.Subscribe(ctx, v.userId, v.onReceipts)
	v.log.Debug("directory subscribed")
}

func (v *View) onRooms(b feed.Batch[types.Room]) {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	v.rooms = b.Records
	v.roomsLoaded = true
	v.recompute()
	v.mu.Unlock()

	v.changes.Notify()
}

func (v *View) onReceipts(byRoom map[string]types.ReadReceipt) {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	v.receipts = byRoom
	if v.roomsLoaded {
		v.recompute()
	}
	v.mu.Unlock()

	v.changes.Notify()
}

// recompute derives the entries from the latest room and receipt sets.
func (v *View) recompute() {
	ordered := order.Rooms(v.rooms)
	entries := make([]Entry, 0, len(ordered))
	for _, room := range ordered {
		var receipt *types.ReadReceipt
		if rr, ok := v.receipts[room.Id]; ok {
			receipt = &rr
		}

		entries = append(entries, Entry{
			Room:      room,
			Unread:    receipts.HasUnread(room, receipt),
			AvatarURL: avatar.URL(room.Name, false),
		})
	}
	v.entries = entries

	if v.roomSub != nil && v.roomSub.Degraded() {
		v.state = StateDegraded
	} else {
		v.state = StateActive
	}
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	rooms := make([]Entry, len(v.entries))
	copy(rooms, v.entries)
	return Snapshot{State: v.state, Rooms: rooms}
}

// Filter returns the entries whose name contains term, ignoring case, in
// directory order. An empty term returns every entry.
func (v *View) Filter(term string) []Entry {
	return FilterEntries(v.Snapshot().Rooms, term)
}

func FilterEntries(entries []Entry, term string) []Entry {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if term == "" || strings.Contains(strings.ToLower(e.Room.Name), term) {
			out = append(out, e)
		}
	}
	return out
}

// Watch signals after every recompute until cancel is called or the view
// closes.
func (v *View) Watch() (<-chan struct{}, func()) {
	return v.changes.Watch()
}

// Close stops both feeds. No recompute happens after it returns.
func (v *View) Close() {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	v.state = StateClosed
	roomSub, receiptSub := v.roomSub, v.receiptSub
	v.mu.Unlock()

	if roomSub != nil {
		roomSub.Unsubscribe()
	}
	if receiptSub != nil {
		receiptSub.Unsubscribe()
	}
	v.changes.Close()
}

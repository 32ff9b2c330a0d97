// Package engine wires the feed adapter, views, and writers for one signed-in
// identity. Each client builds its own Engine; nothing is shared through
// package state.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/feed"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/receipts"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

var (
	ErrClosed     = errors.New("engine closed")
	ErrNotStarted = errors.New("engine not started")
)

type Deps struct {
	Store docstore.Store
	// Repo defaults to a document repository over Store.
	Repo     database.ChatRepository
	Uploader attachments.Uploader
	Log      *zap.Logger
	Stats    stats.StatsProvider
}

type Options struct {
	DevBypass    bool
	PublicOrigin string
}

type Engine struct {
	me       types.Identity
	repo     database.ChatRepository
	adapter  *feed.Adapter
	tracker  *receipts.Tracker
	invites  *invite.Service
	uploader attachments.Uploader
	log      *zap.Logger
	stats    stats.StatsProvider
	opts     Options

	// openMu serializes opening and closing the room so a displaced view is
	// always closed
	openMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	dir    *directory.View
	room   *timeline.View
	closed bool
}

func New(me types.Identity, deps Deps, opts Options) *Engine {
	repo := deps.Repo
	if repo == nil {
		repo = database.NewDocRepository(deps.Store)
	}

	logger := deps.Log.With(zap.String("user_id", me.Id))
	adapter := feed.NewAdapter(deps.Store, logger, deps.Stats)
	tracker := receipts.NewTracker(repo, adapter, logger, deps.Stats)

	return &Engine{
		me:       me,
		repo:     repo,
		adapter:  adapter,
		tracker:  tracker,
		invites:  invite.NewService(repo, logger),
		uploader: deps.Uploader,
		log:      logger,
		stats:    deps.Stats,
		opts:     opts,
		dir:      directory.NewView(me.Id, adapter, tracker, logger),
	}
}

func (e *Engine) Identity() types.Identity {
	return e.me
}

// Start subscribes the room directory. Rooms are opened separately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.ctx != nil {
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.dir.Start(e.ctx)
	e.log.Info("engine started")
	return nil
}

func (e *Engine) Directory() *directory.View {
	return e.dir
}

// Room returns the open timeline, or nil when no room is open.
func (e *Engine) Room() *timeline.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// OpenRoom replaces the open timeline with a fresh one for roomId. The
// previous view and its caches are closed first.
func (e *Engine) OpenRoom(roomId string) (*timeline.View, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.ctx == nil {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	prev := e.room
	e.room = nil
	ctx := e.ctx
	e.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	view := timeline.NewView(roomId, e.me, timeline.Deps{
		Repo:     e.repo,
		Adapter:  e.adapter,
		Tracker:  e.tracker,
		Uploader: e.uploader,
		Log:      e.log,
		Stats:    e.stats,
	}, timeline.Options{DevBypass: e.opts.DevBypass})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	displaced := e.room
	e.room = view
	e.mu.Unlock()

	if displaced != nil {
		displaced.Close()
	}

	view.Start(ctx)
	return view, nil
}

func (e *Engine) CloseRoom() {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	view := e.room
	e.room = nil
	e.mu.Unlock()

	if view != nil {
		view.Close()
	}
}

// CloseView closes view if it is still the open room. A view already
// replaced by another room is left to whoever replaced it.
func (e *Engine) CloseView(view *timeline.View) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	if e.room != view {
		e.mu.Unlock()
		return
	}
	e.room = nil
	e.mu.Unlock()

	view.Close()
}

func (e *Engine) CreateRoom(ctx context.Context, name string) (types.Room, error) {
	room, err := e.repo.CreateRoom(ctx, database.CreateRoomParams{Name: name, Creator: e.me})
	if err != nil {
		return types.Room{}, err
	}
	e.log.Info("created room", zap.String("room_id", room.Id))
	return room, nil
}

func (e *Engine) JoinRoom(ctx context.Context, roomId string) (invite.Result, error) {
	return e.invites.Join(ctx, roomId, e.me)
}

func (e *Engine) InviteURL(roomId string) string {
	return invite.URL(e.opts.PublicOrigin, roomId)
}

// Close releases every subscription. Writes already in flight finish on
// their own contexts.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	view := e.room
	e.room = nil
	cancel := e.cancel
	e.mu.Unlock()

	if view != nil {
		view.Close()
	}
	e.dir.Close()
	if cancel != nil {
		cancel()
	}
	e.log.Info("engine closed")
}

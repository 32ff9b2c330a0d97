package server

import (
	"context"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

type Options struct {
	DevBypass    bool
	PublicOrigin string
}

// ChatServer tracks connected clients and builds the engine each one runs.
type ChatServer struct {
	log            *zap.Logger
	store          docstore.Store
	repo           database.ChatRepository
	uploader       attachments.Uploader
	stats          stats.StatsProvider
	opts           Options
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *zap.Logger, store docstore.Store, repo database.ChatRepository, uploader attachments.Uploader, stats stats.StatsProvider, opts Options) *ChatServer {
	return &ChatServer{
		log:            logger,
		store:          store,
		repo:           repo,
		uploader:       uploader,
		stats:          stats,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// NewEngine builds the client context for one identity.
func (cs *ChatServer) NewEngine(me types.Identity) *engine.Engine {
	return engine.New(me, engine.Deps{
		Store:    cs.store,
		Repo:     cs.repo,
		Uploader: cs.uploader,
		Log:      cs.log,
		Stats:    cs.stats,
	}, engine.Options{
		DevBypass:    cs.opts.DevBypass,
		PublicOrigin: cs.opts.PublicOrigin,
	})
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.RegisterChan:
			cs.log.Info("adding connection", zap.String("user_id", client.engine.Identity().Id))
			cs.addClient(client)
			cs.stats.Incr(stats.WsClients)
		case client := <-cs.deRegisterChan:
			cs.log.Info("removing connection", zap.String("user_id", client.engine.Identity().Id))
			if cs.removeClient(client) {
				cs.stats.Decr(stats.WsClients)
			}
		case <-cs.stop:
			cs.log.Info("shutting down clients")
			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)
	return true
}

func (cs *ChatServer) ClientCount() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// deregister hands c back to the run loop, or drops it when the loop has
// already exited.
func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")
	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

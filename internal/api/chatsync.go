package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/identity"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"go.uber.org/zap"
)

type ChatSyncApp struct {
	log      *zap.Logger
	repo     database.ChatRepository
	cs       *server.ChatServer
	invites  *invite.Service
	uploader attachments.Uploader
	verifier *identity.Verifier
	stats    stats.StatsProvider
	cfg      *config.Config
	srv      *http.Server
}

func NewChatSyncApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, repo database.ChatRepository, uploader attachments.Uploader, stats stats.StatsProvider, cfg *config.Config) *ChatSyncApp {
	s := &ChatSyncApp{
		log:      logger,
		repo:     repo,
		cs:       cs,
		invites:  invite.NewService(repo, logger),
		uploader: uploader,
		verifier: identity.NewVerifier(cfg.SigningKey),
		stats:    stats,
		cfg:      cfg,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/session", s.authMiddleware(s.session))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms/{roomId}", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/rooms/{roomId}/invite", s.authMiddleware(s.inviteLink))
	mux.Handle("POST /api/rooms/{roomId}/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /join/{roomId}", s.authMiddleware(s.joinRoom))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.UploadDir))))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.LoggingHandler(zap.NewStdLog(logger.Named("http")).Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatSyncApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatSyncApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *ChatSyncApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

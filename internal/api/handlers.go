package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/attachments"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/identity"
	"github.com/npezzotti/go-chatsync/internal/invite"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const maxUploadSize = 32 << 20

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type InviteResponse struct {
	RoomId string `json:"roomId"`
	URL    string `json:"url"`
}

func (s *ChatSyncApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *ChatSyncApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatSyncApp) session(w http.ResponseWriter, r *http.Request) {
	me, ok := identity.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, me)
}

func (s *ChatSyncApp) createRoom(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.FromContext(r.Context())

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.repo.CreateRoom(r.Context(), database.CreateRoomParams{Name: req.Name, Creator: me})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrEmptyRoomName) {
			errResp = NewValidationError(err)
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.log.Info("created room", zap.String("room_id", room.Id), zap.String("user_id", me.Id))
	s.writeJson(w, http.StatusCreated, room)
}

// memberRoom loads the path's room and checks the caller belongs to it. It
// writes the error response itself and reports whether the caller may go on.
func (s *ChatSyncApp) memberRoom(w http.ResponseWriter, r *http.Request) (types.Room, bool) {
	me, _ := identity.FromContext(r.Context())

	room, err := s.repo.GetRoom(r.Context(), r.PathValue("roomId"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, docstore.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return types.Room{}, false
	}

	if !room.HasMember(me.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return types.Room{}, false
	}

	return room, true
}

func (s *ChatSyncApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *ChatSyncApp) inviteLink(w http.ResponseWriter, r *http.Request) {
	room, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, InviteResponse{
		RoomId: room.Id,
		URL:    invite.URL(s.cfg.PublicOrigin, room.Id),
	})
}

func (s *ChatSyncApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.FromContext(r.Context())

	res, err := s.invites.Join(r.Context(), r.PathValue("roomId"), me)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if res.Status == invite.StatusNotFound {
		s.writeJson(w, http.StatusNotFound, res)
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

// sendMessage takes a multipart form with text, replyTo, and any number of
// files parts, and sends it the way an open room would.
func (s *ChatSyncApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := s.memberRoom(w, r)
	if !ok {
		return
	}
	me, _ := identity.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var errResp *ApiError
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errResp = NewRequestTooLargeError()
		} else {
			errResp = NewBadRequestError()
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	files, err := readFiles(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	view := timeline.NewView(room.Id, me, timeline.Deps{
		Repo:     s.repo,
		Uploader: s.uploader,
		Log:      s.log,
		Stats:    s.stats,
	}, timeline.Options{})
	defer view.Close()

	msg, err := view.Send(r.Context(), r.FormValue("text"), files, r.FormValue("replyTo"))
	if err != nil && msg.Id == "" {
		var errResp *ApiError
		if errors.Is(err, timeline.ErrEmptyMessage) ||
			errors.Is(err, timeline.ErrInvalidReply) ||
			errors.Is(err, attachments.ErrInvalidName) {
			errResp = NewValidationError(err)
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func readFiles(r *http.Request) ([]attachments.File, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	headers := r.MultipartForm.File["files"]
	files := make([]attachments.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, attachments.File{Name: fh.Filename, Data: data})
	}

	return files, nil
}

func (s *ChatSyncApp) serveWs(w http.ResponseWriter, r *http.Request) {
	me, ok := identity.FromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.cfg.AllowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	client := server.NewClient(me, conn, s.cs)
	// the request context ends when this handler returns
	if err := client.Start(context.Background()); err != nil {
		s.log.Error("failed to start client", zap.Error(err))
		conn.Close()
		return
	}

	s.cs.RegisterChan <- client
	go client.Write()
	go client.Read()
}

// Package invite builds shareable join links and admits identities into rooms.
package invite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/docstore"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

type Status int

const (
	StatusNotFound Status = iota
	StatusAlreadyMember
	StatusJoined
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusAlreadyMember:
		return "already_member"
	case StatusJoined:
		return "joined"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Result struct {
	Status Status     `json:"status"`
	Room   types.Room `json:"room"`
}

// URL returns the link that lets someone join roomId.
func URL(origin, roomId string) string {
	return strings.TrimRight(origin, "/") + "/join/" + url.PathEscape(roomId)
}

type Service struct {
	repo database.ChatRepository
	log  *zap.Logger
}

func NewService(repo database.ChatRepository, logger *zap.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

// Join adds user to roomId unless already a member. A missing room is reported
// through the result, not as an error.
func (s *Service) Join(ctx context.Context, roomId string, user types.Identity) (Result, error) {
	room, err := s.repo.GetRoom(ctx, roomId)
	if errors.Is(err, docstore.ErrNotFound) {
		return Result{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get room: %w", err)
	}

	if room.HasMember(user.Id) {
		return Result{Status: StatusAlreadyMember, Room: room}, nil
	}

	if err := s.repo.JoinRoom(ctx, roomId, user); err != nil {
		return Result{}, err
	}
	s.log.Info("joined room", zap.String("room_id", roomId), zap.String("user_id", user.Id))

	room, err = s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return Result{}, fmt.Errorf("get room: %w", err)
	}

	return Result{Status: StatusJoined, Room: room}, nil
}

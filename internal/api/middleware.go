package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/identity"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const tokenCookieKey = "token"

func (s *ChatSyncApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.Error(panicError))
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller from a bearer token or the token cookie.
// In dev bypass mode every caller is the development identity.
func (s *ChatSyncApp) authenticate(r *http.Request) (types.Identity, error) {
	if s.cfg.DevBypass {
		return identity.Dev(), nil
	}

	tokenString := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tokenString = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := r.Cookie(tokenCookieKey); err == nil {
		tokenString = c.Value
	}

	if tokenString == "" {
		return types.Identity{}, identity.ErrInvalidToken
	}

	return s.verifier.Verify(tokenString)
}

func (s *ChatSyncApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, err := s.authenticate(r)
		if err != nil {
			s.log.Debug("failed to authenticate request", zap.Error(err))
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := identity.WithIdentity(r.Context(), me)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

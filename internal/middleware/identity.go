package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"

	"go.uber.org/zap"
)

const UserKey contextKey = "user"

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// Identity доверяет заголовкам провайдера аутентификации, стоящего перед сервисом.
// Пути из public пропускаются без пользователя.
func Identity(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			user := board.User{
				UID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
				Email:       strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserEmail))),
				DisplayName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
			}
			if user.UID == "" {
				logger.Warn("HTTP: Запрос без пользователя",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("path", r.URL.Path))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"error": "unauthenticated",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, user board.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

func GetUser(ctx context.Context) board.User {
	if user, ok := ctx.Value(UserKey).(board.User); ok {
		return user
	}
	return board.User{}
}

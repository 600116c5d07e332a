package handlers

import (
	"net/http"
	"sync"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/session"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HeaderClientID связывает мутацию с потоком, открытым тем же клиентом
const HeaderClientID = "X-Client-ID"

type Deps struct {
	Tasks    TaskGateway
	Boards   BoardManager
	Members  Membership
	Activity ActivityFeed
	Sessions Sessions
	Loader   SnapshotLoader
	Health   HealthChecker

	FeedLimit int
	// KeepAlive период комментария-пинга в потоке доски
	KeepAlive time.Duration
	// ResubscribeDelay пауза перед переподпиской потока после ошибки
	ResubscribeDelay time.Duration
}

type Handler struct {
	tasks    TaskGateway
	boards   BoardManager
	members  Membership
	activity ActivityFeed
	sessions Sessions
	loader   SnapshotLoader
	health   HealthChecker

	feedLimit        int
	keepAlive        time.Duration
	resubscribeDelay time.Duration
	now              func() time.Time

	streamsDone chan struct{}
	closeOnce   sync.Once
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		tasks:            d.Tasks,
		boards:           d.Boards,
		members:          d.Members,
		activity:         d.Activity,
		sessions:         d.Sessions,
		loader:           d.Loader,
		health:           d.Health,
		feedLimit:        d.FeedLimit,
		keepAlive:        d.KeepAlive,
		resubscribeDelay: d.ResubscribeDelay,
		now:              time.Now,
		streamsDone:      make(chan struct{}),
	}
	if h.feedLimit <= 0 {
		h.feedLimit = 20
	}
	if h.keepAlive <= 0 {
		h.keepAlive = 15 * time.Second
	}
	if h.resubscribeDelay <= 0 {
		h.resubscribeDelay = 2 * time.Second
	}
	return h
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)

	// /tasks сам разбирает метод: неподдерживаемые получают 405 с телом {error}
	r.HandleFunc("/tasks", h.Tasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/move", h.MoveTask)

	r.Route("/boards", func(r chi.Router) {
		r.Get("/", h.ListBoards)
		r.Post("/", h.CreateBoard)

		r.Route("/{boardID}", func(r chi.Router) {
			r.Get("/", h.GetBoard)
			r.Patch("/", h.UpdateBoard)
			r.Delete("/", h.DeleteBoard)

			r.Get("/view", h.BoardView)
			r.Get("/my-work", h.MyWork)
			r.Get("/stream", h.Stream)
			r.Get("/activity", h.Activity)

			r.Get("/columns", h.ListColumns)
			r.Post("/columns", h.CreateColumn)

			r.Get("/members", h.ListMembers)
			r.Post("/invites", h.Invite)
		})
	})

	r.Patch("/columns/{id}", h.UpdateColumn)
	r.Delete("/columns/{id}", h.DeleteColumn)

	r.Patch("/members/{id}", h.UpdateRole)
	r.Delete("/members/{id}", h.RemoveMember)

	r.Get("/invites", h.ListInvites)
	r.Post("/invites/{id}/accept", h.AcceptInvite)
	r.Post("/invites/{id}/decline", h.DeclineInvite)
}

// CloseStreams завершает открытые потоки досок; http.Server.Shutdown их сам не прерывает
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// track колбэк завершения мутации для потока клиента из заголовка X-Client-ID
func (h *Handler) track(r *http.Request, kind session.MutationKind) func(string, int64, error) {
	clientID := r.Header.Get(HeaderClientID)
	if h.sessions == nil || clientID == "" {
		return func(string, int64, error) {}
	}
	return h.sessions.Track(clientID, kind)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		responseWithJSON(w, http.StatusOK, toPayload("status", "ok"))
		return
	}
	if err := h.health.HealthCheck(r.Context()); err != nil {
		logger.Warn("HTTP: Хранилище недоступно", zap.Error(err))
		responseWithJSON(w, http.StatusServiceUnavailable,
			toPayload("status", "unavailable"),
			toPayload("error", err.Error()))
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("status", "ok"))
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"boardSync/internal/handlers/dto"
	"boardSync/internal/logger"
	"boardSync/internal/middleware"
	"boardSync/internal/projector"
	"boardSync/internal/service"
	"boardSync/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// streamQueue копит события клиента, пока поток пишет предыдущие.
// Из снимков хранится только последний, подтверждения и ошибка не теряются.
type streamQueue struct {
	mu       sync.Mutex
	snapshot *projector.Snapshot
	resolved []session.Resolution
	err      error
	ready    chan struct{}
}

func newStreamQueue() *streamQueue {
	return &streamQueue{ready: make(chan struct{}, 1)}
}

func (q *streamQueue) push(ev session.Event) {
	q.mu.Lock()
	if ev.Snapshot != nil {
		q.snapshot = ev.Snapshot
	}
	q.resolved = append(q.resolved, ev.Resolved...)
	if ev.Err != nil && q.err == nil {
		q.err = ev.Err
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *streamQueue) take() (*projector.Snapshot, []session.Resolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, r, err := q.snapshot, q.resolved, q.err
	q.snapshot, q.resolved, q.err = nil, nil, nil
	return s, r, err
}

// terminal ошибки, после которых переподписка бессмысленна
func terminal(err error) bool {
	return errors.Is(err, service.ErrForbidden) || errors.Is(err, service.ErrNotFound)
}

// Stream отдаёт снимки доски как text/event-stream.
// События: hello, snapshot, resolved, error. После error поток переподписывается сам,
// отказ в доступе закрывает его окончательно.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUser(ctx)
	boardID := chi.URLParam(r, "boardID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		responseWithError(w, http.StatusInternalServerError, "потоковая передача не поддерживается")
		return
	}

	mode := projector.ParseSwimlaneMode(r.URL.Query().Get("swimlane"))
	members, err := h.members.ListMembers(ctx, actor, boardID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	clientID := r.Header.Get(HeaderClientID)
	if clientID == "" {
		clientID = r.URL.Query().Get("client")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	queue := newStreamQueue()
	client, err := h.sessions.Connect(ctx, clientID, boardID, actor, queue.push)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer h.sessions.Disconnect(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderClientID, clientID)
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "hello", map[string]string{"clientId": clientID, "boardId": boardID})
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("HTTP: Поток доски закрыт клиентом", zap.String("client_id", clientID))
			return

		case <-h.streamsDone:
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-queue.ready:
			snapshot, resolved, err := queue.take()
			if snapshot != nil {
				if current := client.Members(); current != nil {
					members = current
				}
				writeEvent(w, "snapshot", dto.FromSnapshot(snapshot, mode, members))
			}
			if len(resolved) > 0 {
				writeEvent(w, "resolved", dto.FromResolutions(resolved))
			}
			if err == nil {
				flusher.Flush()
				continue
			}

			writeEvent(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			if terminal(err) {
				logger.Info("HTTP: Поток доски закрыт, доступ отозван",
					zap.String("client_id", clientID),
					zap.String("board_id", boardID))
				return
			}
			if !h.resubscribe(w, r, client) {
				return
			}
		}
	}
}

// resubscribe ждёт паузу и переоткрывает подписки клиента; false закрывает поток
func (h *Handler) resubscribe(w http.ResponseWriter, r *http.Request, client *session.Client) bool {
	select {
	case <-r.Context().Done():
		return false
	case <-h.streamsDone:
		return false
	case <-time.After(h.resubscribeDelay):
	}
	if err := client.Resubscribe(r.Context()); err != nil {
		logger.Error("HTTP: Не удалось переподписать поток", err,
			zap.String("client_id", client.ID()),
			zap.String("board_id", client.BoardID()))
		writeEvent(w, "error", map[string]string{"error": err.Error()})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return false
	}
	return true
}

func writeEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("HTTP: Ошибка сериализации события", err, zap.String("event", name))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

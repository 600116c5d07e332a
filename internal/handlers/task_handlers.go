package handlers

import (
	"net/http"
	"strings"
	"time"

	"boardSync/internal/handlers/dto"
	"boardSync/internal/logger"
	"boardSync/internal/middleware"
	"boardSync/internal/session"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.PostTask(w, r)
	case http.MethodPut:
		h.PutTask(w, r)
	case http.MethodDelete:
		h.DeleteTask(w, r)
	default:
		logger.Warn("HTTP: Неверный метод",
			zap.String("expected", "POST, PUT, DELETE"),
			zap.String("received", r.Method),
			zap.String("client_ip", r.RemoteAddr))

		w.Header().Set("Allow", "POST, PUT, DELETE")
		responseWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) PostTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger.HttpRequestInfo(r, "HTTP_IN:")

	var request dto.CreateTaskRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	if strings.TrimSpace(request.BoardID) == "" || strings.TrimSpace(request.ColumnID) == "" {
		logger.Warn("HTTP: Ошибка валидации",
			zap.String("field", "boardId/columnId"),
			zap.String("error", "empty_field"),
			zap.String("client_ip", r.RemoteAddr))

		responseWithError(w, http.StatusBadRequest, "boardId и columnId обязательны")
		return
	}

	logger.Info("HTTP: Вызов сервиса для создания задачи")

	done := h.track(r, session.MutationCreate)
	task, err := h.tasks.CreateTask(r.Context(), middleware.GetUser(r.Context()),
		request.BoardID, request.ColumnID, request.Fields())
	done(task.ID, task.Version, err)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Задача создана",
		zap.String("task_id", task.ID),
		zap.Duration("ms", time.Since(start)),
		zap.Int("http_status", http.StatusCreated))

	responseWithBody(w, http.StatusCreated, dto.FromTask(task))
}

func (h *Handler) PutTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger.HttpRequestInfo(r, "HTTP_IN:")

	var request dto.UpdateTaskRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	if request.ID == "" {
		logger.Warn("HTTP: Ошибка валидации",
			zap.String("field", "id"),
			zap.String("error", "empty_field"),
			zap.String("client_ip", r.RemoteAddr))

		responseWithError(w, http.StatusBadRequest, "поле id обязательно")
		return
	}

	logger.Info("HTTP: Вызов сервиса для обновления задачи", zap.String("task_id", request.ID))

	done := h.track(r, session.MutationUpdate)
	task, err := h.tasks.UpdateTask(r.Context(), middleware.GetUser(r.Context()), request.ID, request.Patch())
	done(request.ID, task.Version, err)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Задача обновлена",
		zap.Duration("ms", time.Since(start)),
		zap.Int("http_status", http.StatusOK))

	responseSuccess(w)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger.HttpRequestInfo(r, "HTTP_IN:")

	id := r.URL.Query().Get("id")
	if id == "" {
		logger.Warn("HTTP: Ошибка получения параметра",
			zap.String("query", "id"),
			zap.String("client_ip", r.RemoteAddr))

		responseWithError(w, http.StatusBadRequest, "параметр id обязателен")
		return
	}

	done := h.track(r, session.MutationDelete)
	err := h.tasks.DeleteTask(r.Context(), middleware.GetUser(r.Context()), id)
	done(id, 0, err)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Задача удалена",
		zap.String("task_id", id),
		zap.Duration("ms", time.Since(start)),
		zap.Int("http_status", http.StatusOK))

	responseSuccess(w)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.tasks.GetTask(r.Context(), middleware.GetUser(r.Context()), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, dto.FromTask(task))
}

func (h *Handler) MoveTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	var request dto.MoveTaskRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if request.ToColumn == "" {
		responseWithError(w, http.StatusBadRequest, "toColumn обязателен")
		return
	}

	done := h.track(r, session.MutationMove)
	task, err := h.tasks.MoveTask(r.Context(), middleware.GetUser(r.Context()),
		id, request.FromColumn, request.ToColumn, request.ToIndex)
	done(id, task.Version, err)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Задача перемещена",
		zap.String("task_id", id),
		zap.String("to_column", request.ToColumn),
		zap.Int("to_index", request.ToIndex),
		zap.Duration("ms", time.Since(start)))

	responseWithBody(w, http.StatusOK, dto.FromTask(task))
}

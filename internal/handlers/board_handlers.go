package handlers

import (
	"net/http"
	"strconv"

	"boardSync/internal/handlers/dto"
	"boardSync/internal/logger"
	"boardSync/internal/middleware"
	"boardSync/internal/models/board"
	"boardSync/internal/projector"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *Handler) ListBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := h.boards.ListBoards(r.Context(), middleware.GetUser(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("boards", boards))
}

func (h *Handler) CreateBoard(w http.ResponseWriter, r *http.Request) {
	var request dto.BoardRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	b, err := h.boards.CreateBoard(r.Context(), middleware.GetUser(r.Context()), request.Fields())
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Доска создана",
		zap.String("board_id", b.ID),
		zap.Int("http_status", http.StatusCreated))

	responseWithBody(w, http.StatusCreated, b)
}

func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	b, err := h.boards.GetBoard(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "boardID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, b)
}

func (h *Handler) UpdateBoard(w http.ResponseWriter, r *http.Request) {
	var request dto.UpdateBoardRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	b, err := h.boards.UpdateBoard(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "boardID"), request.Patch())
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, b)
}

func (h *Handler) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	if err := h.boards.DeleteBoard(r.Context(), middleware.GetUser(r.Context()), boardID); err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Доска удалена", zap.String("board_id", boardID))
	responseSuccess(w)
}

// BoardView снимок доски с группировкой ?swimlane=assignee|priority
func (h *Handler) BoardView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUser(ctx)
	boardID := chi.URLParam(r, "boardID")
	mode := projector.ParseSwimlaneMode(r.URL.Query().Get("swimlane"))

	// проверка доступа идёт через участников доски
	members, err := h.members.ListMembers(ctx, actor, boardID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	snap, err := h.loader.Load(ctx, boardID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, dto.FromSnapshot(snap, mode, members))
}

func (h *Handler) MyWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUser(ctx)
	boardID := chi.URLParam(r, "boardID")

	limit, ok := queryInt(w, r, "limit", projector.DefaultMyWorkLimit)
	if !ok {
		return
	}

	if _, err := h.boards.GetBoard(ctx, actor, boardID); err != nil {
		respondError(w, r, err)
		return
	}
	snap, err := h.loader.Load(ctx, boardID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	items := projector.MyWork(snap, actor.UID, limit)
	out := make([]myWorkItem, len(items))
	for i, it := range items {
		out[i] = myWorkItem{TaskResponse: dto.FromTask(it.Task), ColumnName: it.ColumnName, Mentioned: it.Mentioned}
	}
	responseWithJSON(w, http.StatusOK, toPayload("items", out))
}

type myWorkItem struct {
	dto.TaskResponse
	ColumnName string `json:"columnName"`
	Mentioned  bool   `json:"mentioned"`
}

func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", h.feedLimit)
	if !ok {
		return
	}

	entries, err := h.activity.Recent(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "boardID"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("activity", dto.FromActivity(entries, h.now())))
}

func (h *Handler) ListColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := h.boards.ListColumns(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "boardID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("columns", cols))
}

func (h *Handler) CreateColumn(w http.ResponseWriter, r *http.Request) {
	var request dto.ColumnRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	col, err := h.boards.CreateColumn(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "boardID"), request.Fields())
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusCreated, col)
}

func (h *Handler) UpdateColumn(w http.ResponseWriter, r *http.Request) {
	var request dto.UpdateColumnRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	col, err := h.boards.UpdateColumn(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "id"), request.Patch())
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, col)
}

func (h *Handler) DeleteColumn(w http.ResponseWriter, r *http.Request) {
	if err := h.boards.DeleteColumn(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	responseSuccess(w)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("HTTP: Неверное значение параметра",
			zap.String("query", name),
			zap.String("value", raw),
			zap.String("client_ip", r.RemoteAddr))

		responseWithError(w, http.StatusBadRequest, "неверное значение "+name)
		return 0, false
	}
	return n, true
}

func roleOf(value string) board.Role {
	return board.Role(value)
}

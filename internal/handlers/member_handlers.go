package handlers

import (
	"context"
	"fmt"
	"net/http"

	"boardSync/internal/handlers/dto"
	"boardSync/internal/logger"
	"boardSync/internal/middleware"
	"boardSync/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.members.ListMembers(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "boardID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("members", dto.FromMembers(members)))
}

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	var request dto.InviteRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	invite, err := h.members.Invite(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "boardID"), request.Email, roleOf(request.Role))
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.Info("HTTP_OUT: Приглашение отправлено",
		zap.String("invite_id", invite.ID),
		zap.String("board_id", invite.BoardID))

	responseWithBody(w, http.StatusCreated, invite)
}

func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.members.ListInvitesForEmail(r.Context(), middleware.GetUser(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithJSON(w, http.StatusOK, toPayload("invites", invites))
}

func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	member, err := h.members.Accept(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, member)
}

func (h *Handler) DeclineInvite(w http.ResponseWriter, r *http.Request) {
	if err := h.members.Decline(r.Context(), middleware.GetUser(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	responseSuccess(w)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var request dto.RoleRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	member, err := h.members.UpdateRole(r.Context(), middleware.GetUser(r.Context()),
		chi.URLParam(r, "id"), roleOf(request.Role))
	if err != nil {
		respondError(w, r, err)
		return
	}
	responseWithBody(w, http.StatusOK, member)
}

// RemoveMember требует ?confirm=true: без подтверждения сервис возвращает CANCELLED
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")
	confirmed := r.URL.Query().Get("confirm") == "true"

	confirm := func(_ context.Context, opts service.ConfirmOptions) bool {
		if !confirmed {
			logger.Debug("HTTP: Удаление участника без подтверждения",
				zap.String("member_id", memberID),
				zap.String("prompt", opts.Title))
		}
		return confirmed
	}

	if err := h.members.RemoveMember(r.Context(), middleware.GetUser(r.Context()), memberID, confirm); err != nil {
		respondError(w, r, err)
		return
	}

	if h.sessions != nil {
		h.sessions.RevokeMember(memberID, service.NewForbidden("участник удалён с доски"))
	}

	logger.Info("HTTP_OUT: Участник удалён", zap.String("member_id", memberID))
	responseWithJSON(w, http.StatusOK,
		toPayload("success", true),
		toPayload("message", fmt.Sprintf("участник %s удалён", memberID)))
}

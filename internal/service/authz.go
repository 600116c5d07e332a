package service

import (
	"boardSync/internal/models/board"
)

type Action string

const (
	ActionViewBoard     Action = "view_board"
	ActionEditTasks     Action = "edit_tasks"
	ActionManageColumns Action = "manage_columns"
	ActionInvite        Action = "invite"
	ActionChangeRole    Action = "change_role"
	ActionRemoveMember  Action = "remove_member"
	ActionManageBoard   Action = "manage_board"
)

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err превращает отказ в FORBIDDEN
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return NewForbidden(d.Reason)
}

// EffectiveRole владелец доски всегда owner, что бы ни было записано в документе
func EffectiveRole(b board.Board, m board.Member) board.Role {
	if m.UID == b.CreatedBy {
		return board.RoleOwner
	}
	if m.Role == board.RoleOwner {
		// запись с ролью owner у не-владельца читается как обычный участник
		return board.RoleMember
	}
	return m.Role
}

// Authorize единая политика доступа для всех шлюзов.
// actorMember nil, если у пользователя нет записи участника; target нужен для операций над участником.
func Authorize(b board.Board, actor board.User, actorMember *board.Member, action Action, target *board.Member) Decision {
	isOwner := actor.UID != "" && actor.UID == b.CreatedBy
	role := board.Role("")
	switch {
	case isOwner:
		role = board.RoleOwner
	case actorMember != nil && actorMember.UID == actor.UID:
		role = EffectiveRole(b, *actorMember)
	}

	switch action {
	case ActionViewBoard, ActionEditTasks:
		if role == "" {
			return deny("пользователь не участник доски")
		}
		return allow()

	case ActionManageColumns, ActionInvite:
		if role == board.RoleOwner || role == board.RoleAdmin {
			return allow()
		}
		return deny("недостаточно прав на доске")

	case ActionChangeRole, ActionRemoveMember:
		if !isOwner {
			return deny("управлять участниками может только владелец доски")
		}
		if target == nil || target.BoardID != b.ID {
			return deny("участник не принадлежит доске")
		}
		if target.UID == b.CreatedBy {
			return deny("владельца доски нельзя понизить или удалить")
		}
		if action == ActionRemoveMember && target.UID == actor.UID {
			return deny("выход из доски не поддерживается этим действием")
		}
		return allow()

	case ActionManageBoard:
		if isOwner {
			return allow()
		}
		return deny("только владелец может изменять доску")
	}
	return deny("неизвестное действие")
}

// AssignableRole роли, которые можно выдать через смену роли или приглашение
func AssignableRole(role board.Role) error {
	switch role {
	case board.RoleMember:
		return nil
	case board.RoleOwner:
		return NewForbidden("роль владельца не передаётся")
	case board.RoleAdmin:
		return NewValidationError("role", "роль admin устарела и не назначается")
	}
	return NewValidationError("role", "неизвестная роль")
}

package board

import "strings"

type Role string
type Stage string

const RoleOwner Role = "owner"
const RoleAdmin Role = "admin" // устаревшая роль, только для отображения
const RoleMember Role = "member"

const StageBacklog Stage = "backlog"
const StageTodo Stage = "todo"
const StageInProgress Stage = "in_progress"
const StageDone Stage = "done"

type Sprint struct {
	Name      string `json:"name,omitempty"`
	Goal      string `json:"goal,omitempty"`
	StartDate string `json:"startDate,omitempty" validate:"omitempty,isodate"`
	EndDate   string `json:"endDate,omitempty" validate:"omitempty,isodate"`
}

type Board struct {
	ID          string  `json:"id"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description"`
	CreatedBy   string  `json:"createdBy" validate:"required"`
	ProjectID   string  `json:"projectId"`
	Sprint      *Sprint `json:"sprint,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
}

type Column struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Order    float64 `json:"order"`
	WipLimit *int    `json:"wipLimit,omitempty" validate:"omitempty,min=0"`
	Stage    Stage   `json:"stage,omitempty" validate:"omitempty,oneof=backlog todo in_progress done"`
	// растёт при каждой вставке задачи в колонку, на нём сталкиваются конкурентные записи
	Revision int64 `json:"revision"`
}

// Full сообщает, упёрлась ли колонка в свой WIP-лимит при count задачах
func (c Column) Full(count int) bool {
	return c.WipLimit != nil && count >= *c.WipLimit
}

type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Label то, что видят остальные участники в ленте и списках
func (u User) Label() string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	if u.Email != "" {
		return strings.SplitN(u.Email, "@", 2)[0]
	}
	return "Someone"
}

type Member struct {
	ID          string `json:"id"`
	BoardID     string `json:"boardId" validate:"required"`
	UID         string `json:"uid" validate:"required"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        Role   `json:"role" validate:"oneof=owner admin member"`
	JoinedAt    int64  `json:"joinedAt"`
}

// MemberID детерминированный id записи участника: одна запись на пару (доска, пользователь)
func MemberID(boardID, uid string) string {
	return boardID + "_" + uid
}

func RoleLabel(role Role) string {
	switch role {
	case RoleOwner:
		return "Owner"
	case RoleAdmin:
		return "Admin"
	default:
		return "Member"
	}
}

func DefaultColumns() []Column {
	return []Column{
		{Name: "To Do", Stage: StageTodo, Order: 1},
		{Name: "In Progress", Stage: StageInProgress, Order: 2},
		{Name: "Done", Stage: StageDone, Order: 3},
	}
}

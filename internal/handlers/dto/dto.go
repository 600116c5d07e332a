package dto

import (
	"time"

	"boardSync/internal/models/board"
	"boardSync/internal/projector"
	"boardSync/internal/service"
	"boardSync/internal/session"
)

type CreateTaskRequest struct {
	BoardID        string                `json:"boardId"`
	ColumnID       string                `json:"columnId"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	Priority       string                `json:"priority"`
	DueDate        string                `json:"dueDate"`
	AssigneeID     string                `json:"assigneeId"`
	Mentions       []string              `json:"mentions"`
	Checklist      []board.ChecklistItem `json:"checklist"`
	TimeLoggedMins int                   `json:"timeLoggedMins"`
	Tags           []board.Tag           `json:"tags"`
}

func (r CreateTaskRequest) Fields() board.TaskFields {
	return board.TaskFields{
		Title:          r.Title,
		Description:    r.Description,
		Priority:       board.Priority(r.Priority),
		DueDate:        r.DueDate,
		AssigneeID:     r.AssigneeID,
		Mentions:       r.Mentions,
		Checklist:      r.Checklist,
		TimeLoggedMins: r.TimeLoggedMins,
		Tags:           r.Tags,
	}
}

// UpdateTaskRequest отсутствующее поле не меняется; assigneeId "" снимает исполнителя
type UpdateTaskRequest struct {
	ID             string                 `json:"id"`
	Title          *string                `json:"title,omitempty"`
	Description    *string                `json:"description,omitempty"`
	Priority       *string                `json:"priority,omitempty"`
	DueDate        *string                `json:"dueDate,omitempty"`
	AssigneeID     *string                `json:"assigneeId,omitempty"`
	Mentions       *[]string              `json:"mentions,omitempty"`
	Checklist      *[]board.ChecklistItem `json:"checklist,omitempty"`
	TimeLoggedMins *int                   `json:"timeLoggedMins,omitempty"`
	Tags           *[]board.Tag           `json:"tags,omitempty"`
}

func (r UpdateTaskRequest) Patch() board.TaskPatch {
	patch := board.TaskPatch{
		Title:          r.Title,
		Description:    r.Description,
		DueDate:        r.DueDate,
		AssigneeID:     r.AssigneeID,
		Mentions:       r.Mentions,
		Checklist:      r.Checklist,
		TimeLoggedMins: r.TimeLoggedMins,
		Tags:           r.Tags,
	}
	if r.Priority != nil {
		p := board.Priority(*r.Priority)
		patch.Priority = &p
	}
	return patch
}

type MoveTaskRequest struct {
	FromColumn string `json:"fromColumn"`
	ToColumn   string `json:"toColumn"`
	ToIndex    int    `json:"toIndex"`
}

type TaskResponse struct {
	board.Task
	IsOverdue bool `json:"isOverdue"`
}

func FromTask(t board.Task) TaskResponse {
	due, ok := t.DueAt()
	return TaskResponse{
		Task:      t,
		IsOverdue: ok && due.Before(time.Now()),
	}
}

type BoardRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	ProjectID   string        `json:"projectId"`
	Sprint      *board.Sprint `json:"sprint,omitempty"`
}

func (r BoardRequest) Fields() service.BoardFields {
	return service.BoardFields{
		Name:        r.Name,
		Description: r.Description,
		ProjectID:   r.ProjectID,
		Sprint:      r.Sprint,
	}
}

type UpdateBoardRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Sprint      *board.Sprint `json:"sprint,omitempty"`
	ClearSprint bool          `json:"clearSprint,omitempty"`
}

func (r UpdateBoardRequest) Patch() service.BoardPatch {
	return service.BoardPatch{
		Name:        r.Name,
		Description: r.Description,
		Sprint:      r.Sprint,
		ClearSprint: r.ClearSprint,
	}
}

type ColumnRequest struct {
	Name     string `json:"name"`
	WipLimit *int   `json:"wipLimit,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

func (r ColumnRequest) Fields() service.ColumnFields {
	return service.ColumnFields{
		Name:     r.Name,
		WipLimit: r.WipLimit,
		Stage:    board.Stage(r.Stage),
	}
}

type UpdateColumnRequest struct {
	Name          *string `json:"name,omitempty"`
	WipLimit      *int    `json:"wipLimit,omitempty"`
	ClearWipLimit bool    `json:"clearWipLimit,omitempty"`
	Stage         *string `json:"stage,omitempty"`
}

func (r UpdateColumnRequest) Patch() service.ColumnPatch {
	patch := service.ColumnPatch{
		Name:          r.Name,
		WipLimit:      r.WipLimit,
		ClearWipLimit: r.ClearWipLimit,
	}
	if r.Stage != nil {
		stage := board.Stage(*r.Stage)
		patch.Stage = &stage
	}
	return patch
}

type InviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type RoleRequest struct {
	Role string `json:"role"`
}

type MemberResponse struct {
	board.Member
	RoleLabel string `json:"roleLabel"`
}

func FromMembers(members []board.Member) []MemberResponse {
	out := make([]MemberResponse, len(members))
	for i, m := range members {
		out[i] = MemberResponse{Member: m, RoleLabel: board.RoleLabel(m.Role)}
	}
	return out
}

type ActivityResponse struct {
	board.ActivityEntry
	TimeAgo string `json:"timeAgo"`
}

func FromActivity(entries []board.ActivityEntry, now time.Time) []ActivityResponse {
	out := make([]ActivityResponse, len(entries))
	for i, e := range entries {
		out[i] = ActivityResponse{ActivityEntry: e, TimeAgo: service.FormatTimeAgo(e.CreatedAt, now)}
	}
	return out
}

type ColumnResponse struct {
	board.Column
	CountText string               `json:"countText"`
	Tasks     []TaskResponse       `json:"tasks"`
	Lanes     []projector.Swimlane `json:"lanes,omitempty"`
}

type SnapshotResponse struct {
	BoardID string           `json:"boardId"`
	Version uint64           `json:"version"`
	Columns []ColumnResponse `json:"columns"`
	Changed []string         `json:"changed,omitempty"`
	Removed []string         `json:"removed,omitempty"`
}

// FromSnapshot колонки в порядке доски; lanes заполняются, если задан режим группировки
func FromSnapshot(s *projector.Snapshot, mode projector.SwimlaneMode, members []board.Member) SnapshotResponse {
	resp := SnapshotResponse{
		BoardID: s.BoardID,
		Version: s.Version,
		Columns: make([]ColumnResponse, 0, len(s.Order)),
		Changed: s.Changed,
		Removed: s.Removed,
	}
	for _, id := range s.Order {
		view := s.Columns[id]
		col := ColumnResponse{
			Column:    view.Column,
			CountText: projector.CountText(view, len(view.Tasks), false),
			Tasks:     make([]TaskResponse, len(view.Tasks)),
		}
		for i, t := range view.Tasks {
			col.Tasks[i] = FromTask(t)
		}
		if mode != projector.SwimlaneNone {
			col.Lanes = projector.Swimlanes(view.Tasks, mode, members)
		}
		resp.Columns = append(resp.Columns, col)
	}
	return resp
}

type ResolutionResponse struct {
	TaskID  string `json:"taskId"`
	Kind    string `json:"kind"`
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func FromResolutions(items []session.Resolution) []ResolutionResponse {
	out := make([]ResolutionResponse, len(items))
	for i, r := range items {
		out[i] = ResolutionResponse{TaskID: r.TaskID, Kind: string(r.Kind), Version: r.Version}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

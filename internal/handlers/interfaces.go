package handlers

import (
	"context"

	"boardSync/internal/models/board"
	"boardSync/internal/projector"
	"boardSync/internal/service"
	"boardSync/internal/session"
)

type TaskGateway interface {
	GetTask(ctx context.Context, actor board.User, taskID string) (board.Task, error)
	CreateTask(ctx context.Context, actor board.User, boardID, columnID string, fields board.TaskFields) (board.Task, error)
	UpdateTask(ctx context.Context, actor board.User, taskID string, patch board.TaskPatch) (board.Task, error)
	DeleteTask(ctx context.Context, actor board.User, taskID string) error
	MoveTask(ctx context.Context, actor board.User, taskID, fromColumn, toColumn string, toIndex int) (board.Task, error)
}

type BoardManager interface {
	CreateBoard(ctx context.Context, actor board.User, fields service.BoardFields) (board.Board, error)
	GetBoard(ctx context.Context, actor board.User, boardID string) (board.Board, error)
	UpdateBoard(ctx context.Context, actor board.User, boardID string, patch service.BoardPatch) (board.Board, error)
	DeleteBoard(ctx context.Context, actor board.User, boardID string) error
	ListBoards(ctx context.Context, user board.User) ([]board.Board, error)

	ListColumns(ctx context.Context, actor board.User, boardID string) ([]board.Column, error)
	CreateColumn(ctx context.Context, actor board.User, boardID string, fields service.ColumnFields) (board.Column, error)
	UpdateColumn(ctx context.Context, actor board.User, columnID string, patch service.ColumnPatch) (board.Column, error)
	DeleteColumn(ctx context.Context, actor board.User, columnID string) error
}

type Membership interface {
	Invite(ctx context.Context, actor board.User, boardID, email string, role board.Role) (board.Invite, error)
	Accept(ctx context.Context, user board.User, inviteID string) (board.Member, error)
	Decline(ctx context.Context, user board.User, inviteID string) error
	UpdateRole(ctx context.Context, actor board.User, memberID string, role board.Role) (board.Member, error)
	RemoveMember(ctx context.Context, actor board.User, memberID string, confirm service.ConfirmFunc) error
	ListMembers(ctx context.Context, actor board.User, boardID string) ([]board.Member, error)
	ListInvitesForEmail(ctx context.Context, user board.User) ([]board.Invite, error)
}

type ActivityFeed interface {
	Recent(ctx context.Context, actor board.User, boardID string, n int) ([]board.ActivityEntry, error)
}

// Sessions реестр подключённых клиентов потока доски
type Sessions interface {
	Connect(ctx context.Context, clientID, boardID string, user board.User, onEvent func(session.Event)) (*session.Client, error)
	Disconnect(c *session.Client)
	RevokeMember(memberID string, err error) int
	Track(clientID string, kind session.MutationKind) func(taskID string, version int64, err error)
}

type SnapshotLoader interface {
	Load(ctx context.Context, boardID string) (*projector.Snapshot, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

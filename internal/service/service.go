package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"go.uber.org/zap"
)

// ActivityRecorder приёмник записей ленты. Record не блокирует и не возвращает ошибок.
type ActivityRecorder interface {
	Record(boardID, actorName, message string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string) {}

type clock func() time.Time

func nowMillis(now clock) int64 {
	return now().UnixMilli()
}

// здесь происходит проверка ошибок бизнес-логики; чтение внутри транзакций идёт только через tx

func loadBoard(ctx context.Context, r repo.Reader, boardID string) (board.Board, error) {
	doc, err := r.Get(ctx, repo.Boards, boardID)
	if err != nil {
		return board.Board{}, storeError(err, "доска", boardID)
	}
	b, err := schema.DecodeBoard(doc)
	if err != nil {
		return board.Board{}, fmt.Errorf("доска %s: %w", boardID, err)
	}
	return b, nil
}

func loadColumn(ctx context.Context, r repo.Reader, boardID, columnID string) (board.Column, error) {
	doc, err := r.Get(ctx, repo.Columns, columnID)
	if err != nil {
		return board.Column{}, storeError(err, "колонка", columnID)
	}
	col, err := schema.DecodeColumn(doc)
	if err != nil {
		return board.Column{}, fmt.Errorf("колонка %s: %w", columnID, err)
	}
	if boardID != "" && col.BoardID != boardID {
		return board.Column{}, NewNotFound("колонка", columnID)
	}
	return col, nil
}

func loadTask(ctx context.Context, r repo.Reader, taskID string) (board.Task, error) {
	doc, err := r.Get(ctx, repo.Tasks, taskID)
	if err != nil {
		return board.Task{}, storeError(err, "задача", taskID)
	}
	t, err := schema.DecodeTask(doc)
	if err != nil {
		return board.Task{}, fmt.Errorf("задача %s: %w", taskID, err)
	}
	return t, nil
}

func loadMemberByID(ctx context.Context, r repo.Reader, memberID string) (board.Member, error) {
	doc, err := r.Get(ctx, repo.Members, memberID)
	if err != nil {
		return board.Member{}, storeError(err, "участник", memberID)
	}
	m, err := schema.DecodeMember(doc)
	if err != nil {
		return board.Member{}, fmt.Errorf("участник %s: %w", memberID, err)
	}
	return m, nil
}

// findMember ищет запись по паре (доска, пользователь); nil, если пользователь не участник
func findMember(ctx context.Context, r repo.Reader, boardID, uid string) (*board.Member, error) {
	if uid == "" {
		return nil, nil
	}
	docs, err := r.Find(ctx, repo.Where(repo.Members, "boardId", boardID).And("uid", uid))
	if err != nil {
		return nil, storeError(err, "участник", uid)
	}
	members, decodeErr := schema.DecodeMany(docs, schema.DecodeMember)
	logSkipped("участники", boardID, decodeErr)
	if len(members) == 0 {
		return nil, nil
	}
	return &members[0], nil
}

func listMembers(ctx context.Context, r repo.Reader, boardID string) ([]board.Member, error) {
	docs, err := r.Find(ctx, repo.Where(repo.Members, "boardId", boardID).Order("joinedAt", false))
	if err != nil {
		return nil, storeError(err, "участники доски", boardID)
	}
	members, decodeErr := schema.DecodeMany(docs, schema.DecodeMember)
	logSkipped("участники", boardID, decodeErr)
	return members, nil
}

// columnTasks задачи колонки в порядке позиции
func columnTasks(ctx context.Context, r repo.Reader, boardID, columnID string) ([]board.Task, error) {
	docs, err := r.Find(ctx, repo.Where(repo.Tasks, "boardId", boardID).And("columnId", columnID))
	if err != nil {
		return nil, storeError(err, "задачи колонки", columnID)
	}
	tasks, decodeErr := schema.DecodeMany(docs, schema.DecodeTask)
	logSkipped("задачи", boardID, decodeErr)
	SortByPosition(tasks)
	return tasks, nil
}

// SortByPosition порядок внутри колонки: позиция, при равенстве id
func SortByPosition(tasks []board.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// authorize загружает запись участника актора и применяет общую политику
func authorize(ctx context.Context, r repo.Reader, b board.Board, actor board.User, action Action, target *board.Member) error {
	member, err := findMember(ctx, r, b.ID, actor.UID)
	if err != nil {
		return err
	}
	return Authorize(b, actor, member, action, target).Err()
}

func logSkipped(what, boardID string, err error) {
	if err != nil {
		logger.Warn("Service: Пропущены некорректные документы",
			zap.String("collection", what),
			zap.String("board_id", boardID),
			zap.Error(err))
	}
}

func requireActor(actor board.User) error {
	if actor.UID == "" {
		return NewForbidden("пользователь не аутентифицирован")
	}
	return nil
}

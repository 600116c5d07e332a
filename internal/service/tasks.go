package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// шаг между соседними позициями; середина между соседями используется, пока хватает точности
const positionStep = 1024.0

// TaskService единственная точка записи задач: WIP-лимиты, исполнители и права проверяются здесь
type TaskService struct {
	store    repo.Store
	activity ActivityRecorder
	now      clock
}

func NewTaskService(store repo.Store, activity ActivityRecorder) *TaskService {
	if activity == nil {
		activity = nopRecorder{}
	}
	return &TaskService{
		store:    store,
		activity: activity,
		now:      time.Now,
	}
}

func (s *TaskService) GetTask(ctx context.Context, actor board.User, taskID string) (board.Task, error) {
	t, err := loadTask(ctx, s.store, taskID)
	if err != nil {
		return board.Task{}, err
	}
	b, err := loadBoard(ctx, s.store, t.BoardID)
	if err != nil {
		return board.Task{}, err
	}
	if err := authorize(ctx, s.store, b, actor, ActionViewBoard, nil); err != nil {
		return board.Task{}, err
	}
	return t, nil
}

func (s *TaskService) CreateTask(ctx context.Context, actor board.User, boardID, columnID string, fields board.TaskFields) (board.Task, error) {
	start := time.Now()
	if err := requireActor(actor); err != nil {
		return board.Task{}, err
	}

	fields.Title = strings.TrimSpace(fields.Title)
	if fields.Priority == "" {
		fields.Priority = board.PriorityLow
	}
	if err := validateFields(fields); err != nil {
		return board.Task{}, err
	}

	var created board.Task
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := loadBoard(ctx, tx, boardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionEditTasks, nil); err != nil {
			return err
		}

		col, err := loadColumn(ctx, tx, boardID, columnID)
		if err != nil {
			return err
		}
		tasks, err := columnTasks(ctx, tx, boardID, columnID)
		if err != nil {
			return err
		}
		if col.Full(len(tasks)) {
			return NewWipLimitExceeded(columnID, *col.WipLimit, len(tasks))
		}

		if err := checkAssignee(ctx, tx, b, fields.AssigneeID); err != nil {
			return err
		}

		position := positionStep
		if len(tasks) > 0 {
			position = tasks[len(tasks)-1].Position + positionStep
		}

		now := nowMillis(s.now)
		created = board.Task{
			ID:             uuid.NewString(),
			BoardID:        boardID,
			ColumnID:       columnID,
			Position:       position,
			Title:          fields.Title,
			Description:    fields.Description,
			Priority:       fields.Priority,
			DueDate:        fields.DueDate,
			AssigneeID:     fields.AssigneeID,
			Mentions:       nonNil(fields.Mentions),
			Checklist:      nonNilChecklist(fields.Checklist),
			TimeLoggedMins: fields.TimeLoggedMins,
			Tags:           nonNilTags(fields.Tags),
			CreatedBy:      actor.UID,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		}
		if err := schema.Validate(created); err != nil {
			return NewValidationError("task", err.Error())
		}
		if err := tx.Set(ctx, repo.Tasks, created.ID, created); err != nil {
			return err
		}
		return touchColumn(ctx, tx, col)
	})
	if err != nil {
		logger.Warn("Service: Задача не создана",
			zap.String("board_id", boardID),
			zap.String("column_id", columnID),
			zap.Error(err))
		return board.Task{}, storeError(err, "колонка", columnID)
	}

	s.activity.Record(boardID, actor.Label(), fmt.Sprintf("created task %q", created.Title))
	logger.Info("Service: Задача создана",
		zap.String("task_id", created.ID),
		zap.String("board_id", boardID),
		zap.Duration("ms", time.Since(start)))
	return created, nil
}

func (s *TaskService) UpdateTask(ctx context.Context, actor board.User, taskID string, patch board.TaskPatch) (board.Task, error) {
	if err := requireActor(actor); err != nil {
		return board.Task{}, err
	}
	if err := validatePatch(patch); err != nil {
		return board.Task{}, err
	}

	var updated board.Task
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, t.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionEditTasks, nil); err != nil {
			return err
		}
		if patch.AssigneeID != nil {
			if err := checkAssignee(ctx, tx, b, *patch.AssigneeID); err != nil {
				return err
			}
		}

		patch.Apply(&t)
		t.Version++
		t.UpdatedAt = nowMillis(s.now)
		if err := schema.Validate(t); err != nil {
			return NewValidationError("task", err.Error())
		}
		updated = t
		return tx.Set(ctx, repo.Tasks, t.ID, t)
	})
	if err != nil {
		return board.Task{}, storeError(err, "задача", taskID)
	}

	s.activity.Record(updated.BoardID, actor.Label(), fmt.Sprintf("updated task %q", updated.Title))
	return updated, nil
}

func (s *TaskService) DeleteTask(ctx context.Context, actor board.User, taskID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	var deleted board.Task
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, t.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionEditTasks, nil); err != nil {
			return err
		}
		deleted = t
		return tx.Delete(ctx, repo.Tasks, taskID)
	})
	if err != nil {
		return storeError(err, "задача", taskID)
	}

	s.activity.Record(deleted.BoardID, actor.Label(), fmt.Sprintf("deleted task %q", deleted.Title))
	return nil
}

// MoveTask переносит задачу целиком одной транзакцией: колонка и позиция живут в документе задачи,
// поэтому состояния "убрали из источника, но не вставили в цель" не существует.
func (s *TaskService) MoveTask(ctx context.Context, actor board.User, taskID, fromColumn, toColumn string, toIndex int) (board.Task, error) {
	if err := requireActor(actor); err != nil {
		return board.Task{}, err
	}
	if toIndex < 0 {
		return board.Task{}, NewValidationError("toIndex", "индекс не может быть отрицательным")
	}

	var (
		moved   board.Task
		destCol board.Column
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, t.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionEditTasks, nil); err != nil {
			return err
		}
		if t.ColumnID != fromColumn {
			return NewVersionConflict("задача", taskID, "задача уже перемещена из исходной колонки")
		}

		destCol, err = loadColumn(ctx, tx, b.ID, toColumn)
		if err != nil {
			return err
		}
		siblings, err := columnTasks(ctx, tx, b.ID, toColumn)
		if err != nil {
			return err
		}
		dest := make([]board.Task, 0, len(siblings))
		for _, sib := range siblings {
			if sib.ID != taskID {
				dest = append(dest, sib)
			}
		}
		if toColumn != fromColumn && destCol.Full(len(dest)) {
			return NewWipLimitExceeded(toColumn, *destCol.WipLimit, len(dest))
		}

		if toIndex > len(dest) {
			toIndex = len(dest)
		}
		position, ok := rankBetween(dest, toIndex)
		if !ok {
			// соседние позиции слиплись: перенумеровываем колонку в той же транзакции
			if err := renumber(ctx, tx, dest, toIndex); err != nil {
				return err
			}
			position = float64(toIndex+1) * positionStep
		}

		t.ColumnID = toColumn
		t.Position = position
		t.Version++
		t.UpdatedAt = nowMillis(s.now)
		moved = t
		if err := tx.Set(ctx, repo.Tasks, t.ID, t); err != nil {
			return err
		}
		if fromColumn != toColumn {
			srcCol, err := loadColumn(ctx, tx, b.ID, fromColumn)
			if err == nil {
				if err := touchColumn(ctx, tx, srcCol); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return touchColumn(ctx, tx, destCol)
	})
	if err != nil {
		logger.Warn("Service: Задача не перемещена",
			zap.String("task_id", taskID),
			zap.String("from", fromColumn),
			zap.String("to", toColumn),
			zap.Error(err))
		return board.Task{}, storeError(err, "задача", taskID)
	}

	s.activity.Record(moved.BoardID, actor.Label(), fmt.Sprintf("moved %q to %s", moved.Title, destCol.Name))
	return moved, nil
}

// rankBetween позиция для вставки перед dest[index]; false, если между соседями не осталось места
func rankBetween(dest []board.Task, index int) (float64, bool) {
	switch {
	case len(dest) == 0:
		return positionStep, true
	case index == 0:
		return dest[0].Position - positionStep, true
	case index >= len(dest):
		return dest[len(dest)-1].Position + positionStep, true
	}
	prev, next := dest[index-1].Position, dest[index].Position
	mid := prev + (next-prev)/2
	if mid <= prev || mid >= next {
		return 0, false
	}
	return mid, true
}

// renumber раздаёт соседям ровные позиции, оставляя дырку под вставку на index
func renumber(ctx context.Context, tx repo.Tx, dest []board.Task, index int) error {
	for i, sib := range dest {
		slot := i
		if i >= index {
			slot = i + 1
		}
		position := float64(slot+1) * positionStep
		if sib.Position == position {
			continue
		}
		if err := tx.Update(ctx, repo.Tasks, sib.ID, repo.Patch{"position": position}); err != nil {
			return err
		}
	}
	return nil
}

// touchColumn поднимает ревизию колонки: конкурентные вставки в одну колонку
// сталкиваются на этом документе в любом адаптере
func touchColumn(ctx context.Context, tx repo.Tx, col board.Column) error {
	return tx.Update(ctx, repo.Columns, col.ID, repo.Patch{"revision": col.Revision + 1})
}

func checkAssignee(ctx context.Context, r repo.Reader, b board.Board, uid string) error {
	if uid == "" {
		return nil
	}
	if uid == b.CreatedBy {
		return nil
	}
	member, err := findMember(ctx, r, b.ID, uid)
	if err != nil {
		return err
	}
	if member == nil {
		return NewInvalidAssignee(uid)
	}
	return nil
}

func validateFields(f board.TaskFields) error {
	if f.Title == "" {
		return NewValidationError("title", "название не может быть пустым")
	}
	if !board.ValidPriority(f.Priority) {
		return NewValidationError("priority", "допустимо low, medium или high")
	}
	if f.DueDate != "" {
		if _, err := board.ParseDate(f.DueDate); err != nil {
			return NewValidationError("dueDate", "ожидается дата ISO 8601")
		}
	}
	if f.TimeLoggedMins < 0 {
		return NewValidationError("timeLoggedMins", "время не может быть отрицательным")
	}
	return nil
}

func validatePatch(p board.TaskPatch) error {
	if p.Empty() {
		return NewValidationError("patch", "нечего обновлять")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return NewValidationError("title", "название не может быть пустым")
	}
	if p.Priority != nil && !board.ValidPriority(*p.Priority) {
		return NewValidationError("priority", "допустимо low, medium или high")
	}
	if p.DueDate != nil && *p.DueDate != "" {
		if _, err := board.ParseDate(*p.DueDate); err != nil {
			return NewValidationError("dueDate", "ожидается дата ISO 8601")
		}
	}
	if p.TimeLoggedMins != nil && *p.TimeLoggedMins < 0 {
		return NewValidationError("timeLoggedMins", "время не может быть отрицательным")
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilChecklist(items []board.ChecklistItem) []board.ChecklistItem {
	if items == nil {
		return []board.ChecklistItem{}
	}
	return items
}

func nonNilTags(tags []board.Tag) []board.Tag {
	if tags == nil {
		return []board.Tag{}
	}
	return tags
}

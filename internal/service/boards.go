package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// сколько досок подгружается параллельно при построении списка пользователя
const listBoardsConcurrency = 8

type BoardService struct {
	store    repo.Store
	activity ActivityRecorder
	now      clock
}

func NewBoardService(store repo.Store, activity ActivityRecorder) *BoardService {
	if activity == nil {
		activity = nopRecorder{}
	}
	return &BoardService{
		store:    store,
		activity: activity,
		now:      time.Now,
	}
}

type BoardFields struct {
	Name        string
	Description string
	ProjectID   string
	Sprint      *board.Sprint
}

type BoardPatch struct {
	Name        *string
	Description *string
	Sprint      *board.Sprint
	ClearSprint bool
}

type ColumnFields struct {
	Name     string
	WipLimit *int
	Stage    board.Stage
}

type ColumnPatch struct {
	Name          *string
	WipLimit      *int
	ClearWipLimit bool
	Stage         *board.Stage
}

// CreateBoard создаёт доску, запись владельца и колонки по умолчанию одной транзакцией
func (s *BoardService) CreateBoard(ctx context.Context, actor board.User, fields BoardFields) (board.Board, error) {
	if err := requireActor(actor); err != nil {
		return board.Board{}, err
	}
	now := nowMillis(s.now)
	b := board.Board{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(fields.Name),
		Description: fields.Description,
		CreatedBy:   actor.UID,
		ProjectID:   fields.ProjectID,
		Sprint:      fields.Sprint,
		CreatedAt:   now,
	}
	if b.Name == "" {
		return board.Board{}, NewValidationError("name", "название не может быть пустым")
	}
	if err := schema.Validate(b); err != nil {
		return board.Board{}, NewValidationError("board", err.Error())
	}

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := tx.Set(ctx, repo.Boards, b.ID, b); err != nil {
			return err
		}
		owner := board.Member{
			ID:          board.MemberID(b.ID, actor.UID),
			BoardID:     b.ID,
			UID:         actor.UID,
			DisplayName: actor.Label(),
			Email:       schema.NormalizeEmail(actor.Email),
			Role:        board.RoleOwner,
			JoinedAt:    now,
		}
		if err := tx.Set(ctx, repo.Members, owner.ID, owner); err != nil {
			return err
		}
		for _, col := range board.DefaultColumns() {
			col.ID = uuid.NewString()
			col.BoardID = b.ID
			if err := tx.Set(ctx, repo.Columns, col.ID, col); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return board.Board{}, storeError(err, "доска", b.ID)
	}

	s.activity.Record(b.ID, actor.Label(), fmt.Sprintf("created board %q", b.Name))
	logger.Info("Service: Доска создана", zap.String("board_id", b.ID))
	return b, nil
}

func (s *BoardService) GetBoard(ctx context.Context, actor board.User, boardID string) (board.Board, error) {
	b, err := loadBoard(ctx, s.store, boardID)
	if err != nil {
		return board.Board{}, err
	}
	if err := authorize(ctx, s.store, b, actor, ActionViewBoard, nil); err != nil {
		return board.Board{}, err
	}
	return b, nil
}

// UpdateBoard меняет описательные поля; владелец не меняется никогда
func (s *BoardService) UpdateBoard(ctx context.Context, actor board.User, boardID string, patch BoardPatch) (board.Board, error) {
	if err := requireActor(actor); err != nil {
		return board.Board{}, err
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return board.Board{}, NewValidationError("name", "название не может быть пустым")
	}

	var updated board.Board
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := loadBoard(ctx, tx, boardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionManageBoard, nil); err != nil {
			return err
		}
		if patch.Name != nil {
			b.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Description != nil {
			b.Description = *patch.Description
		}
		if patch.Sprint != nil {
			b.Sprint = patch.Sprint
		}
		if patch.ClearSprint {
			b.Sprint = nil
		}
		if err := schema.Validate(b); err != nil {
			return NewValidationError("board", err.Error())
		}
		updated = b
		return tx.Set(ctx, repo.Boards, b.ID, b)
	})
	if err != nil {
		return board.Board{}, storeError(err, "доска", boardID)
	}
	s.activity.Record(boardID, actor.Label(), "updated the board details")
	return updated, nil
}

// DeleteBoard удаляет доску со всеми зависимыми документами
func (s *BoardService) DeleteBoard(ctx context.Context, actor board.User, boardID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	removed := 0
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := loadBoard(ctx, tx, boardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionManageBoard, nil); err != nil {
			return err
		}
		for _, c := range []repo.Collection{repo.Tasks, repo.Columns, repo.Members, repo.Invites, repo.Activity} {
			n, err := deleteWhere(ctx, tx, repo.Where(c, "boardId", boardID))
			if err != nil {
				return err
			}
			removed += n
		}
		return tx.Delete(ctx, repo.Boards, boardID)
	})
	if err != nil {
		return storeError(err, "доска", boardID)
	}
	logger.Info("Service: Доска удалена",
		zap.String("board_id", boardID),
		zap.Int("documents", removed))
	return nil
}

// ListBoards доски, где пользователь владелец или участник, по имени
func (s *BoardService) ListBoards(ctx context.Context, user board.User) ([]board.Board, error) {
	if err := requireActor(user); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, repo.Where(repo.Members, "uid", user.UID))
	if err != nil {
		return nil, storeError(err, "участия", user.UID)
	}
	members, decodeErr := schema.DecodeMany(docs, schema.DecodeMember)
	logSkipped("участники", "", decodeErr)

	p := pool.NewWithResults[*board.Board]().WithContext(ctx).WithMaxGoroutines(listBoardsConcurrency)
	for _, m := range members {
		boardID := m.BoardID
		p.Go(func(ctx context.Context) (*board.Board, error) {
			b, err := loadBoard(ctx, s.store, boardID)
			if err != nil {
				// осиротевшая запись участника не должна ломать весь список
				if errors.Is(err, ErrNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return &b, nil
		})
	}
	loaded, err := p.Wait()
	if err != nil {
		return nil, err
	}

	boards := make([]board.Board, 0, len(loaded))
	for _, b := range loaded {
		if b != nil {
			boards = append(boards, *b)
		}
	}
	sort.SliceStable(boards, func(i, j int) bool {
		if !strings.EqualFold(boards[i].Name, boards[j].Name) {
			return strings.ToLower(boards[i].Name) < strings.ToLower(boards[j].Name)
		}
		return boards[i].ID < boards[j].ID
	})
	return boards, nil
}

func (s *BoardService) ListColumns(ctx context.Context, actor board.User, boardID string) ([]board.Column, error) {
	b, err := loadBoard(ctx, s.store, boardID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, s.store, b, actor, ActionViewBoard, nil); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, repo.Where(repo.Columns, "boardId", boardID).Order("order", false))
	if err != nil {
		return nil, storeError(err, "колонки", boardID)
	}
	cols, decodeErr := schema.DecodeMany(docs, schema.DecodeColumn)
	logSkipped("колонки", boardID, decodeErr)
	return cols, nil
}

func (s *BoardService) CreateColumn(ctx context.Context, actor board.User, boardID string, fields ColumnFields) (board.Column, error) {
	if err := requireActor(actor); err != nil {
		return board.Column{}, err
	}
	fields.Name = strings.TrimSpace(fields.Name)
	if fields.Name == "" {
		return board.Column{}, NewValidationError("name", "название не может быть пустым")
	}
	if fields.WipLimit != nil && *fields.WipLimit < 0 {
		return board.Column{}, NewValidationError("wipLimit", "лимит не может быть отрицательным")
	}

	var col board.Column
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := loadBoard(ctx, tx, boardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionManageColumns, nil); err != nil {
			return err
		}
		docs, err := tx.Find(ctx, repo.Where(repo.Columns, "boardId", boardID).Order("order", true).Take(1))
		if err != nil {
			return err
		}
		order := 1.0
		if last, decodeErr := schema.DecodeMany(docs, schema.DecodeColumn); len(last) > 0 {
			order = last[0].Order + 1
		} else {
			logSkipped("колонки", boardID, decodeErr)
		}
		col = board.Column{
			ID:       uuid.NewString(),
			BoardID:  boardID,
			Name:     fields.Name,
			Order:    order,
			WipLimit: fields.WipLimit,
			Stage:    fields.Stage,
		}
		if err := schema.Validate(col); err != nil {
			return NewValidationError("column", err.Error())
		}
		return tx.Set(ctx, repo.Columns, col.ID, col)
	})
	if err != nil {
		return board.Column{}, storeError(err, "доска", boardID)
	}
	s.activity.Record(boardID, actor.Label(), fmt.Sprintf("added column %s", col.Name))
	return col, nil
}

// UpdateColumn не даёт опустить WIP-лимит ниже текущего числа задач
func (s *BoardService) UpdateColumn(ctx context.Context, actor board.User, columnID string, patch ColumnPatch) (board.Column, error) {
	if err := requireActor(actor); err != nil {
		return board.Column{}, err
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return board.Column{}, NewValidationError("name", "название не может быть пустым")
	}
	if patch.WipLimit != nil && *patch.WipLimit < 0 {
		return board.Column{}, NewValidationError("wipLimit", "лимит не может быть отрицательным")
	}

	var col board.Column
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		c, err := loadColumn(ctx, tx, "", columnID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, c.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionManageColumns, nil); err != nil {
			return err
		}
		if patch.Name != nil {
			c.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Stage != nil {
			c.Stage = *patch.Stage
		}
		if patch.ClearWipLimit {
			c.WipLimit = nil
		}
		if patch.WipLimit != nil {
			tasks, err := columnTasks(ctx, tx, c.BoardID, c.ID)
			if err != nil {
				return err
			}
			if len(tasks) > *patch.WipLimit {
				return NewValidationError("wipLimit",
					fmt.Sprintf("в колонке уже %d задач, лимит %d меньше", len(tasks), *patch.WipLimit))
			}
			limit := *patch.WipLimit
			c.WipLimit = &limit
		}
		c.Revision++
		if err := schema.Validate(c); err != nil {
			return NewValidationError("column", err.Error())
		}
		col = c
		return tx.Set(ctx, repo.Columns, c.ID, c)
	})
	if err != nil {
		return board.Column{}, storeError(err, "колонка", columnID)
	}
	s.activity.Record(col.BoardID, actor.Label(), fmt.Sprintf("updated column %s", col.Name))
	return col, nil
}

// DeleteColumn удаляет колонку вместе с её задачами
func (s *BoardService) DeleteColumn(ctx context.Context, actor board.User, columnID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	var col board.Column
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		c, err := loadColumn(ctx, tx, "", columnID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, c.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionManageColumns, nil); err != nil {
			return err
		}
		if _, err := deleteWhere(ctx, tx, repo.Where(repo.Tasks, "boardId", c.BoardID).And("columnId", c.ID)); err != nil {
			return err
		}
		col = c
		return tx.Delete(ctx, repo.Columns, c.ID)
	})
	if err != nil {
		return storeError(err, "колонка", columnID)
	}
	s.activity.Record(col.BoardID, actor.Label(), fmt.Sprintf("deleted column %s", col.Name))
	return nil
}

func deleteWhere(ctx context.Context, tx repo.Tx, q repo.Query) (int, error) {
	docs, err := tx.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		if err := tx.Delete(ctx, q.Collection, doc.ID); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

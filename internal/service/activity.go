package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"go.uber.org/zap"
)

// ActivityQueue очередь на запись в ленту; Enqueue не блокирует и сообщает, принята ли запись
type ActivityQueue interface {
	Enqueue(entry board.ActivityEntry) bool
}

// ActivityService пишет ленту в фоне и отдаёт её читателям новыми записями вперёд
type ActivityService struct {
	store     repo.Store
	queue     ActivityQueue
	feedLimit int
}

func NewActivityService(store repo.Store, queue ActivityQueue, feedLimit *int) *ActivityService {
	limit := 20
	if feedLimit != nil && *feedLimit > 0 {
		limit = *feedLimit
	}
	return &ActivityService{
		store:     store,
		queue:     queue,
		feedLimit: limit,
	}
}

// Record никогда не влияет на результат мутации: переполнение очереди только логируется
func (s *ActivityService) Record(boardID, actorName, message string) {
	if boardID == "" || strings.TrimSpace(message) == "" {
		return
	}
	if actorName == "" {
		actorName = "Someone"
	}
	entry := board.ActivityEntry{
		BoardID:   boardID,
		ActorName: actorName,
		Message:   message,
	}
	if s.queue == nil || !s.queue.Enqueue(entry) {
		logger.Warn("Service: Запись ленты отброшена",
			zap.String("board_id", boardID),
			zap.String("message", message))
	}
}

// Recent последние n записей, новые первыми; n <= 0 означает лимит по умолчанию
func (s *ActivityService) Recent(ctx context.Context, actor board.User, boardID string, n int) ([]board.ActivityEntry, error) {
	if err := s.canView(ctx, actor, boardID); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, s.feedQuery(boardID, n))
	if err != nil {
		return nil, storeError(err, "лента", boardID)
	}
	entries, decodeErr := schema.DecodeMany(docs, schema.DecodeActivity)
	logSkipped("лента", boardID, decodeErr)
	return entries, nil
}

// SubscribeFeed живая лента; каждая доставка уже обрезана до n последних записей
func (s *ActivityService) SubscribeFeed(ctx context.Context, actor board.User, boardID string, n int, onData func([]board.ActivityEntry), onError func(error)) (*repo.Subscription, error) {
	if err := s.canView(ctx, actor, boardID); err != nil {
		return nil, err
	}
	sub, err := s.store.Subscribe(ctx, s.feedQuery(boardID, n), func(docs []repo.Doc) {
		entries, decodeErr := schema.DecodeMany(docs, schema.DecodeActivity)
		logSkipped("лента", boardID, decodeErr)
		onData(entries)
	}, func(err error) {
		onError(NewStoreUnavailable(err))
	})
	if err != nil {
		return nil, storeError(err, "лента", boardID)
	}
	return sub, nil
}

func (s *ActivityService) feedQuery(boardID string, n int) repo.Query {
	if n <= 0 {
		n = s.feedLimit
	}
	return repo.Where(repo.Activity, "boardId", boardID).Order("createdAt", true).Take(n)
}

func (s *ActivityService) canView(ctx context.Context, actor board.User, boardID string) error {
	b, err := loadBoard(ctx, s.store, boardID)
	if err != nil {
		return err
	}
	return authorize(ctx, s.store, b, actor, ActionViewBoard, nil)
}

// FormatTimeAgo подпись записи ленты относительно now
func FormatTimeAgo(createdAt int64, now time.Time) string {
	if createdAt <= 0 {
		return ""
	}
	diff := now.Sub(time.UnixMilli(createdAt))
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff/time.Hour))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff/(24*time.Hour)))
	}
	return time.UnixMilli(createdAt).Format("Jan 2")
}

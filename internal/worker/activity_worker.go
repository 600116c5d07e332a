package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errBoardGone доска удалена, пока запись ждала в очереди
var errBoardGone = errors.New("доска удалена")

// ActivityWorker фоновая запись ленты. Мутации кладут записи в очередь и не ждут хранилища.
type ActivityWorker struct {
	store    repo.Store
	queue    chan board.ActivityEntry
	interval time.Duration
	now      func() time.Time

	appended atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	orphaned atomic.Int64
}

func NewActivityWorker(store repo.Store, queueSize *int, statsInterval *time.Duration) *ActivityWorker {
	var sizeToSet int
	if queueSize == nil || *queueSize <= 0 {
		sizeToSet = 256
	} else {
		sizeToSet = *queueSize
	}

	var intervalToSet time.Duration
	if statsInterval == nil || *statsInterval <= 0 {
		intervalToSet = time.Minute
	} else {
		intervalToSet = *statsInterval
	}
	return &ActivityWorker{
		store:    store,
		queue:    make(chan board.ActivityEntry, sizeToSet),
		interval: intervalToSet,
		now:      time.Now,
	}
}

// Enqueue кладёт запись в очередь; false, если очередь заполнена
func (w *ActivityWorker) Enqueue(entry board.ActivityEntry) bool {
	select {
	case w.queue <- entry:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *ActivityWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info("Worker: Запись ленты запущена", zap.Int("queue_size", cap(w.queue)))
	for {
		select {
		case entry := <-w.queue:
			// запись, уже взятая из очереди, не теряется из-за начавшейся остановки
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
			w.Append(writeCtx, entry)
			cancel()
		case <-ticker.C:
			w.logStats()
		case <-ctx.Done():
			w.drain()
			logger.Info("Worker: Запись ленты останавливается")
			w.logStats()
			return
		}
	}
}

const appendTimeout = 5 * time.Second

// drain дописывает то, что уже лежит в очереди, с коротким собственным таймаутом
func (w *ActivityWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	for {
		select {
		case entry := <-w.queue:
			w.Append(ctx, entry)
		default:
			return
		}
	}
}

// Append пишет одну запись. Время ставится здесь, а не вызывающим.
func (w *ActivityWorker) Append(ctx context.Context, entry board.ActivityEntry) {
	start := time.Now()
	entry.CreatedAt = w.now().UnixMilli()

	if err := w.append(ctx, entry); err != nil {
		if errors.Is(err, errBoardGone) {
			w.orphaned.Add(1)
			logger.Info("Worker: Запись ленты отброшена, доски больше нет",
				zap.String("board_id", entry.BoardID))
			return
		}
		w.failed.Add(1)
		logger.Warn("Worker: Ошибка записи ленты",
			zap.String("board_id", entry.BoardID),
			zap.Error(err))
		return
	}
	w.appended.Add(1)
	logger.Debug("Worker: Запись ленты добавлена",
		zap.String("board_id", entry.BoardID),
		zap.Duration("ms", time.Since(start)))
}

func (w *ActivityWorker) append(ctx context.Context, entry board.ActivityEntry) error {
	if err := schema.Validate(entry); err != nil {
		return fmt.Errorf("запись ленты: %w", err)
	}
	// проверка доски и запись в одной транзакции: удаление доски каскадом
	// не оставит записей, пришедших из очереди позже
	err := w.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		if _, err := tx.Get(ctx, repo.Boards, entry.BoardID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return errBoardGone
			}
			return err
		}
		return tx.Set(ctx, repo.Activity, uuid.NewString(), entry)
	})
	if err != nil && !errors.Is(err, errBoardGone) {
		return fmt.Errorf("добавление записи ленты: %w", err)
	}
	return err
}

type Stats struct {
	Appended int64
	Failed   int64
	Dropped  int64
	Orphaned int64
	Pending  int
}

func (w *ActivityWorker) Stats() Stats {
	return Stats{
		Appended: w.appended.Load(),
		Failed:   w.failed.Load(),
		Dropped:  w.dropped.Load(),
		Orphaned: w.orphaned.Load(),
		Pending:  len(w.queue),
	}
}

func (w *ActivityWorker) logStats() {
	st := w.Stats()
	logger.Info("Worker: Статистика ленты",
		zap.Int64("appended", st.Appended),
		zap.Int64("failed", st.Failed),
		zap.Int64("dropped", st.Dropped),
		zap.Int64("orphaned", st.Orphaned),
		zap.Int("pending", st.Pending))
}

package postgres

import (
	"context"
	"time"

	"boardSync/internal/logger"
	repo "boardSync/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const changesChannel = "boardsync_changes"

// listener держит отдельное соединение с LISTEN и переподключается с экспоненциальной паузой
type listener struct {
	pool   *pgxpool.Pool
	onNote func(repo.Collection)
	onLost func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

func startListener(pool *pgxpool.Pool, onNote func(repo.Collection), onLost func(error)) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		pool:   pool,
		onNote: onNote,
		onLost: onLost,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

func (l *listener) stop() {
	l.cancel()
	<-l.done
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // переподключаемся, пока хранилище не закрыто
	b.MaxInterval = 30 * time.Second

	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			logger.Info("Repository: Слушатель изменений остановлен")
			return
		}
		logger.Warn("Repository: Соединение слушателя потеряно", zap.Error(err))
		l.onLost(err)

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *listener) listen(ctx context.Context, b *backoff.ExponentialBackOff) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// соединение с LISTEN не возвращается в пул
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		return err
	}
	b.Reset()
	logger.Info("Repository: Слушатель изменений подключён", zap.String("channel", changesChannel))

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.onNote(repo.Collection(note.Payload))
	}
}

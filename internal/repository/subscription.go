package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type FetchFunc func(ctx context.Context, q Query) ([]Doc, error)

// Subscription явный дескриптор живой подписки. Владелец обязан вызвать Unsubscribe;
// повторные вызовы безопасны, освобождение происходит ровно один раз.
//
// Каждое уведомление перечитывает запрос целиком, поэтому сигналы можно схлопывать:
// потребитель всегда получает последнее состояние.
type Subscription struct {
	query   Query
	fetch   FetchFunc
	onData  func([]Doc)
	onError func(error)

	ctx     context.Context
	cancel  context.CancelFunc
	signal  chan struct{}
	failed  chan error
	done    chan struct{}
	active  atomic.Bool
	once    sync.Once
	release func()
}

// StartSubscription запускает цикл доставки. release вызывается один раз при завершении,
// адаптер убирает в нём подписку из своего реестра.
func StartSubscription(ctx context.Context, q Query, fetch FetchFunc, onData func([]Doc), onError func(error), release func()) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		query:   q,
		fetch:   fetch,
		onData:  onData,
		onError: onError,
		ctx:     subCtx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
		release: release,
	}
	s.active.Store(true)
	s.signal <- struct{}{} // начальный снимок
	go s.run()
	return s
}

func (s *Subscription) Query() Query {
	return s.query
}

func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Done закрывается, когда цикл доставки полностью остановлен
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Notify сообщает, что коллекция изменилась. Никогда не блокирует.
func (s *Subscription) Notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Fail завершает подписку ошибкой транспорта
func (s *Subscription) Fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// Unsubscribe останавливает доставку. После возврата новые вызовы onData и onError
// не начинаются; уже идущий колбэк доработает, дождаться его можно через Done.
// Безопасен внутри собственного колбэка.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.Unsubscribe()
			return
		case err := <-s.failed:
			s.terminate(err)
			return
		case <-s.signal:
			docs, err := s.fetch(s.ctx, s.query)
			if err != nil {
				if s.ctx.Err() != nil {
					s.Unsubscribe()
					return
				}
				s.terminate(err)
				return
			}
			if s.active.Load() && s.onData != nil {
				s.onData(docs)
			}
		}
	}
}

func (s *Subscription) terminate(err error) {
	if s.active.Load() && s.onError != nil {
		s.onError(fmt.Errorf("подписка на %s: %w", s.query.Collection, err))
	}
	s.Unsubscribe()
}

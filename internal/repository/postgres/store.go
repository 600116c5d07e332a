package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"boardSync/internal/logger"
	repo "boardSync/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const slowQuery = 100 * time.Millisecond

// Config параметры пула; нулевые значения заменяются значениями по умолчанию
type Config struct {
	URL            string
	MaxConnections int32
	MinConnections int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Storage документное хранилище поверх одной JSONB-таблицы.
// Изменения разносятся подписчикам через LISTEN/NOTIFY.
type Storage struct {
	pool     *pgxpool.Pool
	listener *listener

	subsMtx sync.Mutex
	subs    map[*repo.Subscription]struct{}
	closed  bool
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		logger.Error("Repository: Ошибка загрузки конфига", err)
		return nil, fmt.Errorf("загрузка конфига: %w", err)
	}

	config.MaxConns = 10
	if cfg.MaxConnections > 0 {
		config.MaxConns = cfg.MaxConnections
	}
	config.MinConns = 2
	if cfg.MinConnections > 0 {
		config.MinConns = cfg.MinConnections
	}
	config.MaxConnIdleTime = time.Minute * 5
	if cfg.IdleTimeout > 0 {
		config.MaxConnIdleTime = cfg.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.Error("Repository: Ошибка создания пула", err)
		return nil, fmt.Errorf("создание пула: %w", err)
	}

	// база в docker-compose поднимается дольше сервиса
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("Repository: PostgreSQL недоступен, повтор",
			zap.Error(err),
			zap.Duration("wait", wait))
	})
	if err != nil {
		pool.Close()
		logger.Error("Repository: Неудачная проверка ping", err)
		return nil, fmt.Errorf("проверка соединения ping: %w", err)
	}

	s := &Storage{
		pool: pool,
		subs: make(map[*repo.Subscription]struct{}),
	}
	s.listener = startListener(pool, s.notify, s.failAll)

	logger.Info("Repository: Успешное создание подключения к PostgreSQL")
	return s, nil
}

// Pool нужен тестам и миграциям
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Storage) Close() {
	s.subsMtx.Lock()
	subs := make([]*repo.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.closed = true
	s.subsMtx.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.listener.stop()
	s.pool.Close()
	logger.Info("Repository: Закрытие всех соединений PostgreSQL")
}

func (s *Storage) HealthCheck(ctx context.Context) error {
	err := s.pool.Ping(ctx)
	if err != nil {
		logger.Error("Repository: Неудачная проверка ping", err)
		return fmt.Errorf("%w: проверка соединения ping: %v", repo.ErrUnavailable, err)
	}
	logger.Debug("Repository: Соединение стабильно")
	return nil
}

func (s *Storage) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	return get(ctx, s.pool, c, id, false)
}

func (s *Storage) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	return find(ctx, s.pool, q)
}

func (s *Storage) Add(ctx context.Context, c repo.Collection, doc any) (string, error) {
	id := uuid.NewString()
	if err := set(ctx, s.pool, c, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Storage) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	return set(ctx, s.pool, c, id, doc)
}

func (s *Storage) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	return update(ctx, s.pool, c, id, patch)
}

func (s *Storage) Delete(ctx context.Context, c repo.Collection, id string) error {
	return remove(ctx, s.pool, c, id)
}

// RunTransaction повторяет fn при deadlock и ошибках сериализации.
// Ошибка самой fn возвращается без изменений.
func (s *Storage) RunTransaction(ctx context.Context, fn repo.TxFunc) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := s.runOnce(ctx, fn)
		if err != nil && retryable(err) {
			logger.Warn("Repository: Конфликт транзакции, повтор", zap.Error(err))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

func (s *Storage) runOnce(ctx context.Context, fn repo.TxFunc) error {
	start := time.Now()
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		// после Commit откат ничего не делает
		_ = pgTx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &transaction{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	if time.Since(start) > slowQuery {
		logger.Warn("Repository: Медленная транзакция", zap.Duration("ms", time.Since(start)))
	}
	return nil
}

func (s *Storage) Subscribe(ctx context.Context, q repo.Query, onData func([]repo.Doc), onError func(error)) (*repo.Subscription, error) {
	s.subsMtx.Lock()
	defer s.subsMtx.Unlock()
	if s.closed {
		return nil, repo.ErrClosed
	}

	var sub *repo.Subscription
	sub = repo.StartSubscription(ctx, q, s.Find, onData, onError, func() {
		s.subsMtx.Lock()
		delete(s.subs, sub)
		s.subsMtx.Unlock()
	})
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Storage) notify(c repo.Collection) {
	s.subsMtx.Lock()
	defer s.subsMtx.Unlock()
	for sub := range s.subs {
		if sub.Query().Collection == c {
			sub.Notify()
		}
	}
}

// failAll: пока слушатель переподключается, уведомления теряются,
// поэтому живые подписки завершаются ошибкой и потребитель переподписывается сам
func (s *Storage) failAll(err error) {
	s.subsMtx.Lock()
	defer s.subsMtx.Unlock()
	for sub := range s.subs {
		sub.Fail(fmt.Errorf("%w: %v", repo.ErrUnavailable, err))
	}
}

type transaction struct {
	tx pgx.Tx
}

// Get внутри транзакции блокирует строку до коммита
func (t *transaction) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	return get(ctx, t.tx, c, id, true)
}

func (t *transaction) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	return find(ctx, t.tx, q)
}

func (t *transaction) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	return set(ctx, t.tx, c, id, doc)
}

func (t *transaction) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	return update(ctx, t.tx, c, id, patch)
}

func (t *transaction) Delete(ctx context.Context, c repo.Collection, id string) error {
	return remove(ctx, t.tx, c, id)
}

func get(ctx context.Context, q querier, c repo.Collection, id string, forUpdate bool) (repo.Doc, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var data []byte
	if err := q.QueryRow(ctx, query, string(c), id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repo.Doc{}, fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
		}
		return repo.Doc{}, mapErr(err)
	}
	return repo.Doc{ID: id, Data: json.RawMessage(data)}, nil
}

func find(ctx context.Context, q querier, query repo.Query) ([]repo.Doc, error) {
	start := time.Now()
	sql, args := buildFind(query)

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	docs := []repo.Doc{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, mapErr(err)
		}
		docs = append(docs, repo.Doc{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	if time.Since(start) > slowQuery {
		logger.Warn("Repository: Медленная операция",
			zap.String("collection", string(query.Collection)),
			zap.Duration("ms", time.Since(start)))
	}
	return docs, nil
}

// buildFind: фильтры совпадают только со строковыми значениями, отсутствующее поле
// при сортировке идёт первым, при равенстве сохраняется порядок вставки
func buildFind(q repo.Query) (string, []any) {
	var sb strings.Builder
	args := []any{string(q.Collection)}
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	for _, f := range q.Where {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&sb, ` AND data->($%d::text) = to_jsonb($%d::text)`, len(args)-1, len(args))
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		if q.Desc {
			fmt.Fprintf(&sb, ` ORDER BY data->($%d::text) DESC NULLS LAST, seq DESC`, len(args))
		} else {
			fmt.Fprintf(&sb, ` ORDER BY data->($%d::text) ASC NULLS FIRST, seq ASC`, len(args))
		}
	} else {
		sb.WriteString(` ORDER BY seq ASC`)
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ` + strconv.Itoa(q.Limit))
	}
	return sb.String(), args
}

func set(ctx context.Context, q querier, c repo.Collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("кодирование %s/%s: %w", c, id, err)
	}
	query := `INSERT INTO documents (collection, id, data)
				VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, id)
				DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	if _, err := q.Exec(ctx, query, string(c), id, string(data)); err != nil {
		logger.Error("Repository: Ошибка записи документа", err,
			zap.String("collection", string(c)),
			zap.String("id", id))
		return mapErr(err)
	}
	return nil
}

// update сливает поля верхнего уровня, как и хранилище в памяти
func update(ctx context.Context, q querier, c repo.Collection, id string, patch repo.Patch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("кодирование обновления %s/%s: %w", c, id, err)
	}
	query := `UPDATE documents
				SET data = data || $3::jsonb,
					updated_at = NOW()
			WHERE collection = $1 AND id = $2`
	tag, err := q.Exec(ctx, query, string(c), id, string(data))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	return nil
}

func remove(ctx context.Context, q querier, c repo.Collection, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, string(c), id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	return nil
}

// mapErr: ошибки сервера возвращаются как есть, всё остальное (обрыв, таймаут пула) это недоступность
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", pgErr.Code, err)
	}
	return fmt.Errorf("%w: %v", repo.ErrUnavailable, err)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

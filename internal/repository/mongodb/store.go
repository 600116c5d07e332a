// Package mongodb документное хранилище на MongoDB. Подписки работают через
// change streams, поэтому сервер должен быть запущен как replica set.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardSync/internal/logger"
	repo "boardSync/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const slowQuery = 100 * time.Millisecond

type Storage struct {
	client *mongo.Client
	db     *mongo.Database

	subsMtx sync.Mutex
	subs    map[*repo.Subscription]struct{}
	closed  bool
}

func New(ctx context.Context, uri, database string) (*Storage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		logger.Error("Repository: Ошибка подключения к MongoDB", err)
		return nil, fmt.Errorf("подключение к mongo: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(func() error {
		return client.Ping(ctx, readpref.Primary())
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("Repository: MongoDB недоступна, повтор",
			zap.Error(err),
			zap.Duration("wait", wait))
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		logger.Error("Repository: Неудачная проверка ping", err)
		return nil, fmt.Errorf("проверка соединения ping: %w", err)
	}

	s := &Storage{
		client: client,
		db:     client.Database(database),
		subs:   make(map[*repo.Subscription]struct{}),
	}
	logger.Info("Repository: Успешное создание подключения к MongoDB", zap.String("database", database))
	return s, nil
}

// EnsureIndexes индексы под запросы шлюзов и проекции
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	byBoard := []repo.Collection{repo.Columns, repo.Tasks, repo.Members, repo.Invites, repo.Activity}
	for _, c := range byBoard {
		_, err := s.db.Collection(string(c)).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "boardId", Value: 1}},
			Options: options.Index().SetName("idx_" + string(c) + "_board"),
		})
		if err != nil {
			return fmt.Errorf("индекс %s: %w", c, err)
		}
	}
	extra := map[repo.Collection]mongo.IndexModel{
		repo.Members: {
			Keys:    bson.D{{Key: "uid", Value: 1}},
			Options: options.Index().SetName("idx_members_uid"),
		},
		repo.Invites: {
			Keys:    bson.D{{Key: "invitedEmail", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_invites_email_status"),
		},
	}
	for c, model := range extra {
		if _, err := s.db.Collection(string(c)).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("индекс %s: %w", c, err)
		}
	}
	logger.Info("Repository: Индексы MongoDB созданы")
	return nil
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		logger.Warn("Repository: Ошибка отключения от MongoDB", zap.Error(err))
	}
	logger.Info("Repository: Закрытие соединений MongoDB")
}

func (s *Storage) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("Repository: Неудачная проверка ping", err)
		return fmt.Errorf("%w: проверка соединения ping: %v", repo.ErrUnavailable, err)
	}
	logger.Debug("Repository: Соединение стабильно")
	return nil
}

func (s *Storage) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	return get(ctx, s.db, c, id)
}

func (s *Storage) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	return find(ctx, s.db, q)
}

func (s *Storage) Add(ctx context.Context, c repo.Collection, doc any) (string, error) {
	id := uuid.NewString()
	if err := set(ctx, s.db, c, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Storage) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	return set(ctx, s.db, c, id, doc)
}

func (s *Storage) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	return update(ctx, s.db, c, id, patch)
}

func (s *Storage) Delete(ctx context.Context, c repo.Collection, id string) error {
	return remove(ctx, s.db, c, id)
}

// RunTransaction использует сессию драйвера; конфликты записи драйвер повторяет сам.
// Все операции fn идут через переданный ей ctx, в нём живёт сессия.
func (s *Storage) RunTransaction(ctx context.Context, fn repo.TxFunc) error {
	start := time.Now()
	session, err := s.client.StartSession()
	if err != nil {
		return mapErr(err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	var fnErr error
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		fnErr = fn(sc, &transaction{db: s.db})
		return nil, fnErr
	})
	if err != nil {
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
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

	cs, err := s.db.Collection(string(q.Collection)).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, mapErr(err)
	}

	var sub *repo.Subscription
	sub = repo.StartSubscription(ctx, q, s.Find, onData, onError, func() {
		s.subsMtx.Lock()
		delete(s.subs, sub)
		s.subsMtx.Unlock()
	})
	s.subs[sub] = struct{}{}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-sub.Done()
		cancel()
	}()
	go watch(watchCtx, cs, sub)
	return sub, nil
}

// watch превращает события change stream в сигналы перечитать запрос
func watch(ctx context.Context, cs *mongo.ChangeStream, sub *repo.Subscription) {
	defer cs.Close(context.Background())
	for cs.Next(ctx) {
		sub.Notify()
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("Repository: Change stream оборван", zap.Error(err))
		sub.Fail(fmt.Errorf("%w: %v", repo.ErrUnavailable, err))
	}
}

type transaction struct {
	db *mongo.Database
}

func (t *transaction) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	return get(ctx, t.db, c, id)
}

func (t *transaction) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	return find(ctx, t.db, q)
}

func (t *transaction) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	return set(ctx, t.db, c, id, doc)
}

func (t *transaction) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	return update(ctx, t.db, c, id, patch)
}

func (t *transaction) Delete(ctx context.Context, c repo.Collection, id string) error {
	return remove(ctx, t.db, c, id)
}

func get(ctx context.Context, db *mongo.Database, c repo.Collection, id string) (repo.Doc, error) {
	var raw bson.Raw
	err := db.Collection(string(c)).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return repo.Doc{}, fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
		}
		return repo.Doc{}, mapErr(err)
	}
	return toDoc(raw)
}

func find(ctx context.Context, db *mongo.Database, q repo.Query) ([]repo.Doc, error) {
	start := time.Now()
	filter := bson.D{}
	for _, f := range q.Where {
		filter = append(filter, bson.E{Key: f.Field, Value: f.Value})
	}

	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := db.Collection(string(q.Collection)).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	defer cur.Close(ctx)

	docs := []repo.Doc{}
	for cur.Next(ctx) {
		doc, err := toDoc(cur.Current)
		if err != nil {
			logger.Warn("Repository: Документ пропущен",
				zap.String("collection", string(q.Collection)),
				zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, mapErr(err)
	}

	if time.Since(start) > slowQuery {
		logger.Warn("Repository: Медленная операция",
			zap.String("collection", string(q.Collection)),
			zap.Duration("ms", time.Since(start)))
	}
	return docs, nil
}

func set(ctx context.Context, db *mongo.Database, c repo.Collection, id string, doc any) error {
	d, err := toBSON(doc)
	if err != nil {
		return fmt.Errorf("кодирование %s/%s: %w", c, id, err)
	}
	d = append(bson.D{{Key: "_id", Value: id}}, withoutID(d)...)
	_, err = db.Collection(string(c)).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, d, options.Replace().SetUpsert(true))
	if err != nil {
		logger.Error("Repository: Ошибка записи документа", err,
			zap.String("collection", string(c)),
			zap.String("id", id))
		return mapErr(err)
	}
	return nil
}

func update(ctx context.Context, db *mongo.Database, c repo.Collection, id string, patch repo.Patch) error {
	d, err := toBSON(patch)
	if err != nil {
		return fmt.Errorf("кодирование обновления %s/%s: %w", c, id, err)
	}
	res, err := db.Collection(string(c)).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: withoutID(d)}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	return nil
}

func remove(ctx context.Context, db *mongo.Database, c repo.Collection, id string) error {
	res, err := db.Collection(string(c)).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return mapErr(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	return nil
}

// toBSON идёт через JSON, чтобы числа и null хранились так же, как в других адаптерах
func toBSON(v any) (bson.D, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(js, false, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func toDoc(raw bson.Raw) (repo.Doc, error) {
	id, ok := raw.Lookup("_id").StringValueOK()
	if !ok {
		return repo.Doc{}, fmt.Errorf("документ без строкового _id")
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return repo.Doc{}, err
	}
	js, err := bson.MarshalExtJSON(withoutID(d), false, false)
	if err != nil {
		return repo.Doc{}, err
	}
	return repo.Doc{ID: id, Data: json.RawMessage(js)}, nil
}

func withoutID(d bson.D) bson.D {
	out := make(bson.D, 0, len(d))
	for _, e := range d {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}

// mapErr: ответы сервера возвращаются как есть, сетевые сбои и таймауты это недоступность
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", repo.ErrUnavailable, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return fmt.Errorf("mongo: %w", err)
	}
	return fmt.Errorf("%w: %v", repo.ErrUnavailable, err)
}

package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"boardSync/internal/logger"
	repo "boardSync/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type collection struct {
	docs map[string]json.RawMessage
	ids  []string // порядок вставки, нужен для стабильной выдачи без сортировки
}

// DocumentStorage документное хранилище в памяти процесса.
// Транзакции сериализуются одним мьютексом.
type DocumentStorage struct {
	mtx         *sync.RWMutex
	collections map[repo.Collection]*collection

	subsMtx sync.Mutex
	subs    map[*repo.Subscription]struct{}
	closed  bool
}

func NewDocumentStorage() *DocumentStorage {
	return &DocumentStorage{
		mtx:         &sync.RWMutex{},
		collections: make(map[repo.Collection]*collection),
		subs:        make(map[*repo.Subscription]struct{}),
	}
}

func (s *DocumentStorage) HealthCheck(ctx context.Context) error {
	s.subsMtx.Lock()
	defer s.subsMtx.Unlock()
	if s.closed {
		return repo.ErrClosed
	}
	logger.Debug("Repository: Соединение стабильно")
	return nil
}

func (s *DocumentStorage) Close() {
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
	logger.Info("Repository: Хранилище в памяти закрыто", zap.Int("subscriptions", len(subs)))
}

func (s *DocumentStorage) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.get(c, id)
}

func (s *DocumentStorage) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return q.Apply(s.all(q.Collection, nil)), nil
}

func (s *DocumentStorage) Add(ctx context.Context, c repo.Collection, doc any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, c, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DocumentStorage) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		return tx.Set(ctx, c, id, doc)
	})
}

func (s *DocumentStorage) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		return tx.Update(ctx, c, id, patch)
	})
}

func (s *DocumentStorage) Delete(ctx context.Context, c repo.Collection, id string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		return tx.Delete(ctx, c, id)
	})
}

// RunTransaction держит эксклюзивную блокировку на всё время fn.
// Внутри fn нельзя обращаться к самому хранилищу, только к tx.
func (s *DocumentStorage) RunTransaction(ctx context.Context, fn repo.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	touched, err := s.runLocked(ctx, fn)
	if err != nil {
		return err
	}
	s.notify(touched)
	return nil
}

func (s *DocumentStorage) runLocked(ctx context.Context, fn repo.TxFunc) (map[repo.Collection]bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx := &transaction{store: s, staged: make(map[repo.Collection]map[string]*json.RawMessage)}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	return tx.commit(), nil
}

func (s *DocumentStorage) Subscribe(ctx context.Context, q repo.Query, onData func([]repo.Doc), onError func(error)) (*repo.Subscription, error) {
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

func (s *DocumentStorage) notify(touched map[repo.Collection]bool) {
	if len(touched) == 0 {
		return
	}
	s.subsMtx.Lock()
	defer s.subsMtx.Unlock()
	for sub := range s.subs {
		if touched[sub.Query().Collection] {
			sub.Notify()
		}
	}
}

func (s *DocumentStorage) get(c repo.Collection, id string) (repo.Doc, error) {
	coll, ok := s.collections[c]
	if !ok {
		return repo.Doc{}, fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	data, ok := coll.docs[id]
	if !ok {
		return repo.Doc{}, fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
	}
	return repo.Doc{ID: id, Data: data}, nil
}

// all собирает документы коллекции с учётом неподтверждённых записей транзакции
func (s *DocumentStorage) all(c repo.Collection, staged map[string]*json.RawMessage) []repo.Doc {
	var docs []repo.Doc
	seen := make(map[string]bool)
	if coll, ok := s.collections[c]; ok {
		for _, id := range coll.ids {
			seen[id] = true
			if data, ok := staged[id]; ok {
				if data != nil {
					docs = append(docs, repo.Doc{ID: id, Data: *data})
				}
				continue
			}
			docs = append(docs, repo.Doc{ID: id, Data: coll.docs[id]})
		}
	}
	for id, data := range staged {
		if !seen[id] && data != nil {
			docs = append(docs, repo.Doc{ID: id, Data: *data})
		}
	}
	return docs
}

type transaction struct {
	store  *DocumentStorage
	staged map[repo.Collection]map[string]*json.RawMessage
	order  []stagedKey
}

type stagedKey struct {
	c  repo.Collection
	id string
}

func (t *transaction) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	if data, ok := t.staged[c][id]; ok {
		if data == nil {
			return repo.Doc{}, fmt.Errorf("%s/%s: %w", c, id, repo.ErrNotFound)
		}
		return repo.Doc{ID: id, Data: *data}, nil
	}
	return t.store.get(c, id)
}

func (t *transaction) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	return q.Apply(t.store.all(q.Collection, t.staged[q.Collection])), nil
}

func (t *transaction) Set(ctx context.Context, c repo.Collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("кодирование %s/%s: %w", c, id, err)
	}
	raw := json.RawMessage(data)
	t.stage(c, id, &raw)
	return nil
}

func (t *transaction) Update(ctx context.Context, c repo.Collection, id string, patch repo.Patch) error {
	current, err := t.Get(ctx, c, id)
	if err != nil {
		return err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(current.Data, &fields); err != nil {
		return fmt.Errorf("разбор %s/%s: %w", c, id, err)
	}
	for key, value := range patch {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("кодирование поля %s: %w", key, err)
		}
		fields[key] = encoded
	}
	return t.Set(ctx, c, id, fields)
}

func (t *transaction) Delete(ctx context.Context, c repo.Collection, id string) error {
	if _, err := t.Get(ctx, c, id); err != nil {
		return err
	}
	t.stage(c, id, nil)
	return nil
}

func (t *transaction) stage(c repo.Collection, id string, data *json.RawMessage) {
	if t.staged[c] == nil {
		t.staged[c] = make(map[string]*json.RawMessage)
	}
	t.staged[c][id] = data
	t.order = append(t.order, stagedKey{c: c, id: id})
}

func (t *transaction) commit() map[repo.Collection]bool {
	touched := make(map[repo.Collection]bool)
	for _, key := range t.order {
		data, ok := t.staged[key.c][key.id]
		if !ok {
			continue
		}
		coll := t.store.collections[key.c]
		if coll == nil {
			coll = &collection{docs: make(map[string]json.RawMessage)}
			t.store.collections[key.c] = coll
		}
		_, existed := coll.docs[key.id]
		switch {
		case data == nil && existed:
			delete(coll.docs, key.id)
			for i, id := range coll.ids {
				if id == key.id {
					coll.ids = append(coll.ids[:i], coll.ids[i+1:]...)
					break
				}
			}
		case data != nil:
			coll.docs[key.id] = *data
			if !existed {
				coll.ids = append(coll.ids, key.id)
			}
		}
		delete(t.staged[key.c], key.id)
		touched[key.c] = true
	}
	return touched
}

package repository

import (
	"context"
	"encoding/json"
)

type Collection string

const (
	Boards   Collection = "boards"
	Columns  Collection = "columns"
	Tasks    Collection = "tasks"
	Members  Collection = "boardMembers"
	Invites  Collection = "boardInvites"
	Activity Collection = "activity"
)

// Doc сырой документ хранилища. Data не проверяется здесь, это делает пакет schema.
type Doc struct {
	ID   string
	Data json.RawMessage
}

// Patch обновление верхнего уровня документа, nil записывается как null
type Patch map[string]any

type Reader interface {
	Get(ctx context.Context, c Collection, id string) (Doc, error)
	Find(ctx context.Context, q Query) ([]Doc, error)
}

type Writer interface {
	Set(ctx context.Context, c Collection, id string, doc any) error
	Update(ctx context.Context, c Collection, id string, patch Patch) error
	Delete(ctx context.Context, c Collection, id string) error
}

// Tx видит собственные записи; всё применяется одним коммитом или не применяется вовсе
type Tx interface {
	Reader
	Writer
}

type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	Reader
	Writer
	Add(ctx context.Context, c Collection, doc any) (string, error)
	// RunTransaction возвращает ошибку fn как есть, без обёртки
	RunTransaction(ctx context.Context, fn TxFunc) error
	// Subscribe отдаёт начальный снимок и новый полный снимок после каждого коммита,
	// затрагивающего коллекцию. Ошибка транспорта приходит в onError один раз и завершает подписку.
	Subscribe(ctx context.Context, q Query, onData func([]Doc), onError func(error)) (*Subscription, error)
	HealthCheck(ctx context.Context) error
	Close()
}

// Package session держит состояние подключённых клиентов: последний снимок доски
// и мутации, которые клиент отправил, но ещё не увидел в снимке.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	"boardSync/internal/projector"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"
	"boardSync/internal/service"

	"go.uber.org/zap"
)

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationMove   MutationKind = "move"
	MutationDelete MutationKind = "delete"
)

// Resolution итог одной мутации клиента. Err заполнен, если шлюз её отклонил.
type Resolution struct {
	TaskID  string       `json:"taskId"`
	Kind    MutationKind `json:"kind"`
	Version int64        `json:"version,omitempty"`
	Err     error        `json:"-"`
}

// Event одна доставка клиенту: новый снимок, завершённые мутации или ошибка подписки
type Event struct {
	Snapshot *projector.Snapshot
	Resolved []Resolution
	Err      error
}

type pending struct {
	kind    MutationKind
	version int64
}

// Client одно подключение к одной доске. Экран рисует только снимки хранилища,
// собственного оптимистичного слоя нет.
type Client struct {
	id      string
	boardID string
	user    board.User
	store   repo.Store
	onEvent func(Event)

	relevant atomic.Bool

	mu         sync.Mutex
	projector  *projector.Projector
	membersSub *repo.Subscription
	members    []board.Member
	ownerUID   string
	last       *projector.Snapshot
	inflight   map[string]pending
	err        error
	revoked    error

	closeOnce sync.Once
}

func newClient(id, boardID string, user board.User, store repo.Store, onEvent func(Event)) *Client {
	c := &Client{
		id:       id,
		boardID:  boardID,
		user:     user,
		store:    store,
		onEvent:  onEvent,
		inflight: make(map[string]pending),
	}
	c.relevant.Store(true)
	return c
}

func (c *Client) ID() string       { return c.id }
func (c *Client) BoardID() string  { return c.boardID }
func (c *Client) UserID() string   { return c.user.UID }
func (c *Client) memberID() string { return board.MemberID(c.boardID, c.user.UID) }

// authorize проверяет право смотреть доску по текущим документам хранилища
func (c *Client) authorize(ctx context.Context) error {
	doc, err := c.store.Get(ctx, repo.Boards, c.boardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return service.NewNotFound("доска", c.boardID)
		}
		return fmt.Errorf("чтение доски %s: %w", c.boardID, err)
	}
	b, err := schema.DecodeBoard(doc)
	if err != nil {
		return fmt.Errorf("доска %s: %w", c.boardID, err)
	}

	var member *board.Member
	mdoc, err := c.store.Get(ctx, repo.Members, c.memberID())
	switch {
	case err == nil:
		if m, err := schema.DecodeMember(mdoc); err == nil {
			member = &m
		}
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("чтение участника %s: %w", c.memberID(), err)
	}

	if err := service.Authorize(b, c.user, member, service.ActionViewBoard, nil).Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.ownerUID = b.CreatedBy
	c.mu.Unlock()
	return nil
}

// subscribe открывает проекцию доски и подписку на её участников.
// Если клиент закрыт, пока подписки открывались, они сразу освобождаются.
func (c *Client) subscribe(ctx context.Context) error {
	p, err := projector.Start(ctx, c.store, c.boardID, c.handleSnapshot, c.handleError)
	if err != nil {
		return err
	}
	ms, err := c.store.Subscribe(ctx, repo.Where(repo.Members, "boardId", c.boardID), c.handleMembers, func(err error) {
		c.handleError(service.NewStoreUnavailable(err))
	})
	if err != nil {
		p.Close()
		return service.NewStoreUnavailable(err)
	}

	c.mu.Lock()
	if !c.relevant.Load() || c.revoked != nil {
		revoked := c.revoked
		c.mu.Unlock()
		p.Close()
		ms.Unsubscribe()
		if revoked != nil {
			return revoked
		}
		return repo.ErrClosed
	}
	c.projector, c.membersSub = p, ms
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	p, ms := c.projector, c.membersSub
	c.projector, c.membersSub = nil, nil
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
	if ms != nil {
		ms.Unsubscribe()
	}
}

// Snapshot последний снимок, полученный клиентом
func (c *Client) Snapshot() *projector.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Err ошибка подписки; держится до Resubscribe
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Members последний список участников доски; nil до первой доставки
func (c *Client) Members() []board.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members
}

// Pending id задач с неподтверждёнными мутациями
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resubscribe заново проверяет доступ и открывает подписки после ошибки.
// Без ошибки ничего не делает. Отозванный доступ не восстанавливается.
func (c *Client) Resubscribe(ctx context.Context) error {
	if !c.relevant.Load() {
		return repo.ErrClosed
	}
	c.mu.Lock()
	if c.revoked != nil {
		err := c.revoked
		c.mu.Unlock()
		return err
	}
	if c.err == nil {
		c.mu.Unlock()
		return nil
	}
	// ошибка новых подписок, пришедшая во время subscribe, не должна затереться
	c.err = nil
	c.mu.Unlock()
	c.unsubscribe()

	if err := c.authorize(ctx); err != nil {
		if errors.Is(err, service.ErrForbidden) || errors.Is(err, service.ErrNotFound) {
			c.revoke(err)
		} else {
			c.setErr(err)
		}
		return err
	}
	if err := c.subscribe(ctx); err != nil {
		c.setErr(err)
		return err
	}
	logger.Info("Session: Клиент переподписан",
		zap.String("client_id", c.id),
		zap.String("board_id", c.boardID))
	return nil
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// revoke окончательно завершает клиента ошибкой доступа: подписки закрываются,
// клиент получает одно событие с ошибкой, новые снимки до него не доходят
func (c *Client) revoke(err error) {
	c.mu.Lock()
	if c.revoked != nil || !c.relevant.Load() {
		c.mu.Unlock()
		return
	}
	c.revoked = err
	c.err = err
	c.inflight = make(map[string]pending)
	c.mu.Unlock()

	c.unsubscribe()
	logger.Info("Session: Доступ клиента к доске отозван",
		zap.String("client_id", c.id),
		zap.String("board_id", c.boardID),
		zap.String("uid", c.user.UID))
	c.emit(Event{Err: err})
}

// Close идемпотентен; после него колбэки клиента больше не срабатывают
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.relevant.Store(false)
		c.unsubscribe()
		logger.Debug("Session: Клиент отключён", zap.String("client_id", c.id))
	})
}

// track запоминает мутацию, подтверждённую шлюзом. Если снимок с ней уже пришёл,
// она разрешается сразу.
func (c *Client) track(kind MutationKind, taskID string, version int64, err error) {
	if !c.relevant.Load() {
		return
	}
	if err != nil {
		c.emit(Event{Resolved: []Resolution{{TaskID: taskID, Kind: kind, Err: err}}})
		return
	}
	if taskID == "" {
		return
	}

	p := pending{kind: kind, version: version}
	c.mu.Lock()
	if c.revoked != nil {
		c.mu.Unlock()
		return
	}
	if c.last != nil && settled(c.last, taskID, p) {
		c.mu.Unlock()
		c.emit(Event{Resolved: []Resolution{{TaskID: taskID, Kind: kind, Version: version}}})
		return
	}
	c.inflight[taskID] = p
	c.mu.Unlock()
}

func (c *Client) handleSnapshot(s *projector.Snapshot) {
	if !c.relevant.Load() {
		return
	}
	c.mu.Lock()
	if c.revoked != nil {
		c.mu.Unlock()
		return
	}
	c.last = s
	var resolved []Resolution
	for taskID, p := range c.inflight {
		if settled(s, taskID, p) {
			resolved = append(resolved, Resolution{TaskID: taskID, Kind: p.kind, Version: p.version})
			delete(c.inflight, taskID)
		}
	}
	c.mu.Unlock()

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].TaskID < resolved[j].TaskID })
	c.emit(Event{Snapshot: s, Resolved: resolved})
}

// handleMembers следит, что пользователь всё ещё участник доски. Изменение состава
// переотправляет последний снимок, чтобы подписи дорожек не устаревали.
func (c *Client) handleMembers(docs []repo.Doc) {
	if !c.relevant.Load() {
		return
	}
	members, err := schema.DecodeMany(docs, schema.DecodeMember)
	if err != nil {
		logger.Warn("Session: Часть участников пропущена",
			zap.String("board_id", c.boardID),
			zap.Error(err))
	}

	c.mu.Lock()
	if c.revoked != nil {
		c.mu.Unlock()
		return
	}
	present := c.user.UID == c.ownerUID
	for _, m := range members {
		if m.UID == c.user.UID {
			present = true
			break
		}
	}
	if !present {
		c.mu.Unlock()
		c.revoke(service.NewForbidden("пользователь больше не участник доски"))
		return
	}
	changed := c.members != nil
	c.members = members
	last := c.last
	c.mu.Unlock()

	if changed && last != nil {
		c.emit(Event{Snapshot: last})
	}
}

func (c *Client) handleError(err error) {
	if !c.relevant.Load() {
		return
	}
	c.mu.Lock()
	if c.revoked != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.mu.Unlock()
	logger.Warn("Session: Подписка клиента завершилась ошибкой",
		zap.String("client_id", c.id),
		zap.String("board_id", c.boardID),
		zap.Error(err))
	c.emit(Event{Err: err})
}

func (c *Client) emit(ev Event) {
	if c.onEvent != nil && c.relevant.Load() {
		c.onEvent(ev)
	}
}

// settled: задача видна с версией не ниже ожидаемой, а после удаления отсутствует
func settled(s *projector.Snapshot, taskID string, p pending) bool {
	t, ok := s.Task(taskID)
	if p.kind == MutationDelete {
		return !ok
	}
	return ok && t.Version >= p.version
}

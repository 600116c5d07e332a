// Package projector собирает живые документы колонок и задач одной доски
// в неизменяемые снимки, сгруппированные по колонкам.
package projector

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"
	"boardSync/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ColumnView колонка с задачами в порядке позиции. Не изменяется после публикации.
type ColumnView struct {
	Column board.Column
	Tasks  []board.Task

	fingerprint uint64
}

// Snapshot полное состояние доски на момент одной доставки.
// Колонки, которые не менялись, разделяют указатель с предыдущим снимком.
type Snapshot struct {
	BoardID string
	Version uint64
	Order   []string
	Columns map[string]*ColumnView
	// Changed колонки, чей указатель отличается от предыдущего снимка, в порядке Order
	Changed []string
	// Removed колонки, пропавшие с прошлого снимка
	Removed []string
}

// Task ищет задачу по всем колонкам
func (s *Snapshot) Task(taskID string) (board.Task, bool) {
	for _, id := range s.Order {
		for _, t := range s.Columns[id].Tasks {
			if t.ID == taskID {
				return t, true
			}
		}
	}
	return board.Task{}, false
}

// TaskCount общее число задач на доске
func (s *Snapshot) TaskCount() int {
	n := 0
	for _, view := range s.Columns {
		n += len(view.Tasks)
	}
	return n
}

type Projector struct {
	boardID    string
	onSnapshot func(*Snapshot)
	onError    func(error)

	mu        sync.Mutex
	colDocs   []repo.Doc
	taskDocs  []repo.Doc
	haveCols  bool
	haveTasks bool

	current  atomic.Pointer[Snapshot]
	closed   atomic.Bool
	failOnce sync.Once
	subs     []*repo.Subscription
}

// Start открывает подписки на колонки и задачи доски. Первый снимок приходит,
// когда получены оба начальных набора. Ошибка подписки терминальна: обе подписки
// закрываются и onError вызывается один раз, повторных попыток нет.
// onSnapshot вызывается последовательно и не должен синхронно вызывать Close.
func Start(ctx context.Context, store repo.Store, boardID string, onSnapshot func(*Snapshot), onError func(error)) (*Projector, error) {
	p := &Projector{
		boardID:    boardID,
		onSnapshot: onSnapshot,
		onError:    onError,
	}

	// колбэки ждут мьютекс, пока обе подписки не зарегистрированы
	p.mu.Lock()
	defer p.mu.Unlock()

	cols, err := store.Subscribe(ctx, repo.Where(repo.Columns, "boardId", boardID),
		func(docs []repo.Doc) { p.apply(repo.Columns, docs) },
		p.fail)
	if err != nil {
		return nil, fmt.Errorf("подписка на колонки доски %s: %w", boardID, err)
	}
	tasks, err := store.Subscribe(ctx, repo.Where(repo.Tasks, "boardId", boardID),
		func(docs []repo.Doc) { p.apply(repo.Tasks, docs) },
		p.fail)
	if err != nil {
		p.closed.Store(true)
		cols.Unsubscribe()
		return nil, fmt.Errorf("подписка на задачи доски %s: %w", boardID, err)
	}
	p.subs = []*repo.Subscription{cols, tasks}

	logger.Debug("Projector: Подписки открыты", zap.String("board_id", boardID))
	return p, nil
}

// Snapshot последний опубликованный снимок или nil до первой доставки
func (p *Projector) Snapshot() *Snapshot {
	return p.current.Load()
}

// Close идемпотентен. Доставка, уже начатая в момент вызова, может завершиться.
func (p *Projector) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	logger.Debug("Projector: Подписки закрыты", zap.String("board_id", p.boardID))
}

func (p *Projector) fail(err error) {
	p.failOnce.Do(func() {
		if p.closed.Swap(true) {
			return
		}
		p.mu.Lock()
		subs := p.subs
		p.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		logger.Warn("Projector: Подписка завершилась ошибкой",
			zap.String("board_id", p.boardID),
			zap.Error(err))
		if p.onError != nil {
			p.onError(service.NewStoreUnavailable(err))
		}
	})
}

func (p *Projector) apply(c repo.Collection, docs []repo.Doc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	switch c {
	case repo.Columns:
		p.colDocs = docs
		p.haveCols = true
	case repo.Tasks:
		p.taskDocs = docs
		p.haveTasks = true
	}
	if !p.haveCols || !p.haveTasks {
		return
	}

	next := build(p.boardID, p.colDocs, p.taskDocs, p.current.Load())
	if next == nil {
		return
	}
	p.current.Store(next)
	if p.onSnapshot != nil {
		p.onSnapshot(next)
	}
}

// build возвращает nil, если ничего видимого не изменилось
func build(boardID string, colDocs, taskDocs []repo.Doc, prev *Snapshot) *Snapshot {
	columns, err := schema.DecodeMany(colDocs, schema.DecodeColumn)
	if err != nil {
		logger.Warn("Projector: Пропущены некорректные колонки",
			zap.String("board_id", boardID),
			zap.Error(err))
	}
	sort.SliceStable(columns, func(i, j int) bool {
		if columns[i].Order != columns[j].Order {
			return columns[i].Order < columns[j].Order
		}
		return columns[i].ID < columns[j].ID
	})

	raw := make(map[string][]byte, len(colDocs)+len(taskDocs))
	for _, doc := range colDocs {
		raw["c/"+doc.ID] = doc.Data
	}
	for _, doc := range taskDocs {
		raw["t/"+doc.ID] = doc.Data
	}

	tasks, err := schema.DecodeMany(taskDocs, schema.DecodeTask)
	if err != nil {
		logger.Warn("Projector: Пропущены некорректные задачи",
			zap.String("board_id", boardID),
			zap.Error(err))
	}
	grouped := make(map[string][]board.Task, len(columns))
	for _, col := range columns {
		grouped[col.ID] = []board.Task{}
	}
	orphans := 0
	for _, t := range tasks {
		if _, ok := grouped[t.ColumnID]; !ok {
			orphans++
			continue
		}
		grouped[t.ColumnID] = append(grouped[t.ColumnID], t)
	}
	if orphans > 0 {
		logger.Debug("Projector: Задачи без колонки пропущены",
			zap.String("board_id", boardID),
			zap.Int("count", orphans))
	}

	next := &Snapshot{
		BoardID: boardID,
		Order:   make([]string, 0, len(columns)),
		Columns: make(map[string]*ColumnView, len(columns)),
	}
	for _, col := range columns {
		items := grouped[col.ID]
		service.SortByPosition(items)
		fp := fingerprint(raw, col.ID, items)

		if prev != nil {
			if old, ok := prev.Columns[col.ID]; ok && old.fingerprint == fp {
				next.Columns[col.ID] = old
				next.Order = append(next.Order, col.ID)
				continue
			}
		}
		next.Columns[col.ID] = &ColumnView{Column: col, Tasks: items, fingerprint: fp}
		next.Order = append(next.Order, col.ID)
		next.Changed = append(next.Changed, col.ID)
	}

	if prev == nil {
		next.Version = 1
		return next
	}
	for _, id := range prev.Order {
		if _, ok := next.Columns[id]; !ok {
			next.Removed = append(next.Removed, id)
		}
	}
	if len(next.Changed) == 0 && len(next.Removed) == 0 && equalOrder(prev.Order, next.Order) {
		return nil
	}
	next.Version = prev.Version + 1
	return next
}

// fingerprint по сырым байтам колонки и её задач в порядке отображения
func fingerprint(raw map[string][]byte, columnID string, tasks []board.Task) uint64 {
	h := fnv.New64a()
	var sep [8]byte
	h.Write(raw["c/"+columnID])
	for _, t := range tasks {
		binary.LittleEndian.PutUint64(sep[:], uint64(len(t.ID)))
		h.Write(sep[:])
		h.Write([]byte(t.ID))
		h.Write(raw["t/"+t.ID])
	}
	return h.Sum64()
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Load строит снимок доски одним чтением, без подписки
func Load(ctx context.Context, r repo.Reader, boardID string) (*Snapshot, error) {
	cols, err := r.Find(ctx, repo.Where(repo.Columns, "boardId", boardID))
	if err != nil {
		return nil, service.NewStoreUnavailable(err)
	}
	tasks, err := r.Find(ctx, repo.Where(repo.Tasks, "boardId", boardID))
	if err != nil {
		return nil, service.NewStoreUnavailable(err)
	}
	return build(boardID, cols, tasks, nil), nil
}

// Loader читает снимки для запросов без подписки. Одновременные чтения
// одной доски схлопываются в одно; снимок общий и только для чтения.
type Loader struct {
	store repo.Reader
	group singleflight.Group
}

func NewLoader(store repo.Reader) *Loader {
	return &Loader{store: store}
}

func (l *Loader) Load(ctx context.Context, boardID string) (*Snapshot, error) {
	v, err, shared := l.group.Do(boardID, func() (any, error) {
		return Load(ctx, l.store, boardID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("Projector: Снимок доски получен совместным чтением", zap.String("board_id", boardID))
	}
	return v.(*Snapshot), nil
}

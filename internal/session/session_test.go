package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardSync/internal/models/board"
	"boardSync/internal/projector"
	repo "boardSync/internal/repository"
	"boardSync/internal/repository/inmemory"
	"boardSync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	olga = board.User{UID: "olga", Email: "olga@example.com", DisplayName: "Olga"}
	bob  = board.User{UID: "bob", Email: "bob@example.com", DisplayName: "Bob"}
)

// events копит доставки клиента для проверок из теста
type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) push(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) resolved() []Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Resolution
	for _, ev := range e.all {
		out = append(out, ev.Resolved...)
	}
	return out
}

func (e *events) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []error
	for _, ev := range e.all {
		if ev.Err != nil {
			out = append(out, ev.Err)
		}
	}
	return out
}

type env struct {
	ctx    context.Context
	store  *inmemory.DocumentStorage
	tasks  *service.TaskService
	hub    *Hub
	board  board.Board
	column board.Column
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{ctx: context.Background(), store: inmemory.NewDocumentStorage()}
	e.tasks = service.NewTaskService(e.store, nil)
	e.hub = NewHub(e.store)
	t.Cleanup(func() {
		e.hub.Close()
		e.store.Close()
	})

	boards := service.NewBoardService(e.store, nil)
	b, err := boards.CreateBoard(e.ctx, olga, service.BoardFields{Name: "Sync"})
	require.NoError(t, err)
	cols, err := boards.ListColumns(e.ctx, olga, b.ID)
	require.NoError(t, err)
	e.board, e.column = b, cols[0]
	return e
}

func (e *env) connect(t *testing.T, id string) (*Client, *events) {
	t.Helper()
	return e.connectAs(t, id, olga)
}

func (e *env) connectAs(t *testing.T, id string, user board.User) (*Client, *events) {
	t.Helper()
	ev := &events{}
	c, err := e.hub.Connect(e.ctx, id, e.board.ID, user, ev.push)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot() != nil }, time.Second, 5*time.Millisecond)
	return c, ev
}

func TestHub_ConnectReplacesSameID(t *testing.T) {
	e := newEnv(t)

	first, _ := e.connect(t, "tab-1")
	second, _ := e.connect(t, "tab-1")

	assert.Equal(t, 1, e.hub.Len())
	got, ok := e.hub.Client("tab-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.False(t, first.relevant.Load())

	// отключение устаревшего клиента не трогает нового
	e.hub.Disconnect(first)
	assert.Equal(t, 1, e.hub.Len())

	e.hub.Disconnect(second)
	assert.Equal(t, 0, e.hub.Len())
}

func TestHub_ConnectRejects(t *testing.T) {
	e := newEnv(t)

	_, err := e.hub.Connect(e.ctx, "", e.board.ID, olga, nil)
	assert.Error(t, err)

	_, err = e.hub.Connect(e.ctx, "stranger", e.board.ID, bob, nil)
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = e.hub.Connect(e.ctx, "gone", "missing-board", olga, nil)
	assert.ErrorIs(t, err, service.ErrNotFound)

	e.store.Close()
	_, err = e.hub.Connect(e.ctx, "tab", e.board.ID, olga, nil)
	assert.ErrorIs(t, err, repo.ErrClosed)
	assert.Equal(t, 0, e.hub.Len())
}

func TestClient_CreateResolvesOnSnapshot(t *testing.T) {
	e := newEnv(t)
	c, ev := e.connect(t, "tab")

	done := e.hub.Track("tab", MutationCreate)
	task, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "Write docs"})
	done(task.ID, task.Version, err)

	require.Eventually(t, func() bool { return len(ev.resolved()) == 1 }, time.Second, 5*time.Millisecond)
	res := ev.resolved()[0]
	assert.Equal(t, task.ID, res.TaskID)
	assert.Equal(t, MutationCreate, res.Kind)
	assert.NoError(t, res.Err)
	assert.Empty(t, c.Pending())

	_, ok := c.Snapshot().Task(task.ID)
	assert.True(t, ok)
}

func TestClient_DeleteResolvesWhenGone(t *testing.T) {
	e := newEnv(t)
	task, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "Temp"})
	require.NoError(t, err)
	c, ev := e.connect(t, "tab")

	// мутация ещё не выполнена: задача видна, удаление не подтверждено
	c.track(MutationDelete, task.ID, 0, nil)
	assert.Equal(t, []string{task.ID}, c.Pending())

	require.NoError(t, e.tasks.DeleteTask(e.ctx, olga, task.ID))

	require.Eventually(t, func() bool { return len(ev.resolved()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, MutationDelete, ev.resolved()[0].Kind)
	assert.Empty(t, c.Pending())
}

func TestClient_RejectedMutationResolvesImmediately(t *testing.T) {
	e := newEnv(t)
	_, ev := e.connect(t, "tab")

	done := e.hub.Track("tab", MutationUpdate)
	done("t-1", 0, service.ErrVersionConflict)

	res := ev.resolved()
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, service.ErrVersionConflict)
}

func TestHub_TrackUnknownClientIsNoop(t *testing.T) {
	e := newEnv(t)

	assert.NotPanics(t, func() {
		e.hub.Track("nobody", MutationMove)("t-1", 2, nil)
	})
}

func TestClient_ResubscribeAfterError(t *testing.T) {
	e := newEnv(t)
	c, ev := e.connect(t, "tab")

	// без ошибки переподписка ничего не делает
	require.NoError(t, c.Resubscribe(e.ctx))

	boom := service.NewStoreUnavailable(errors.New("обрыв"))
	c.handleError(boom)
	assert.ErrorIs(t, c.Err(), service.ErrStoreUnavailable)
	require.Len(t, ev.errors(), 1)

	require.NoError(t, c.Resubscribe(e.ctx))
	assert.NoError(t, c.Err())

	// новые подписки живые
	task, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "After"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().Task(task.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	c.Close()
	assert.ErrorIs(t, c.Resubscribe(e.ctx), repo.ErrClosed)
}

func TestClient_NoEventsAfterClose(t *testing.T) {
	e := newEnv(t)
	c, ev := e.connect(t, "tab")
	c.Close()
	c.Close()

	ev.mu.Lock()
	before := len(ev.all)
	ev.mu.Unlock()

	_, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "Silent"})
	require.NoError(t, err)
	c.track(MutationCreate, "x", 1, errors.New("late"))
	time.Sleep(30 * time.Millisecond)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Len(t, ev.all, before)
}

func TestHub_Close(t *testing.T) {
	e := newEnv(t)
	a, _ := e.connect(t, "a")
	b, _ := e.connect(t, "b")

	e.hub.Close()

	assert.Equal(t, 0, e.hub.Len())
	assert.False(t, a.relevant.Load())
	assert.False(t, b.relevant.Load())
}

func TestSettled(t *testing.T) {
	s := &projector.Snapshot{
		Order: []string{"c1"},
		Columns: map[string]*projector.ColumnView{
			"c1": {Tasks: []board.Task{{ID: "t1", Version: 3}}},
		},
	}

	assert.True(t, settled(s, "t1", pending{kind: MutationUpdate, version: 3}))
	assert.True(t, settled(s, "t1", pending{kind: MutationMove, version: 2}))
	assert.False(t, settled(s, "t1", pending{kind: MutationUpdate, version: 4}))
	assert.False(t, settled(s, "t1", pending{kind: MutationDelete}))
	assert.True(t, settled(s, "t2", pending{kind: MutationDelete}))
	assert.False(t, settled(s, "t2", pending{kind: MutationCreate, version: 1}))
}

// join добавляет bob на доску через приглашение
func (e *env) join(t *testing.T) (*service.MembershipService, string) {
	t.Helper()
	members := service.NewMembershipService(e.store, nil)
	inv, err := members.Invite(e.ctx, olga, e.board.ID, bob.Email, board.RoleMember)
	require.NoError(t, err)
	m, err := members.Accept(e.ctx, bob, inv.ID)
	require.NoError(t, err)
	return members, m.ID
}

func (e *env) taskVisible(c *Client, title string) bool {
	s := c.Snapshot()
	if s == nil {
		return false
	}
	for _, view := range s.Columns {
		for _, task := range view.Tasks {
			if task.Title == title {
				return true
			}
		}
	}
	return false
}

// TestHub_RevokeMemberEndsStream тестирует, что удалённый участник больше не получает снимков
func TestHub_RevokeMemberEndsStream(t *testing.T) {
	e := newEnv(t)
	members, memberID := e.join(t)
	c, ev := e.connectAs(t, "bob-tab", bob)
	other, _ := e.connect(t, "olga-tab")

	require.NoError(t, members.RemoveMember(e.ctx, olga, memberID, service.AlwaysConfirm))
	assert.Equal(t, 1, e.hub.RevokeMember(memberID, service.NewForbidden("участник удалён")))

	// подписка участников может отозвать клиента раньше хаба, событие всё равно одно
	require.Eventually(t, func() bool { return len(ev.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ev.errors()[0], service.ErrForbidden)
	assert.ErrorIs(t, c.Err(), service.ErrForbidden)

	_, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "After removal"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.taskVisible(other, "After removal") }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, e.taskVisible(c, "After removal"))

	// отозванный доступ не восстанавливается переподпиской
	assert.ErrorIs(t, c.Resubscribe(e.ctx), service.ErrForbidden)
	assert.Len(t, ev.errors(), 1)
}

// TestClient_MembershipChangeRevokes тестирует отзыв по снимку участников без явного вызова хаба
func TestClient_MembershipChangeRevokes(t *testing.T) {
	e := newEnv(t)
	members, memberID := e.join(t)
	c, ev := e.connectAs(t, "bob-tab", bob)

	require.NoError(t, members.RemoveMember(e.ctx, olga, memberID, service.AlwaysConfirm))

	require.Eventually(t, func() bool { return len(ev.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ev.errors()[0], service.ErrForbidden)

	_, err := e.tasks.CreateTask(e.ctx, olga, e.board.ID, e.column.ID, board.TaskFields{Title: "Hidden"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, e.taskVisible(c, "Hidden"))
}

// TestClient_ResubscribeChecksAccess тестирует повторную проверку доступа при переподписке
func TestClient_ResubscribeChecksAccess(t *testing.T) {
	e := newEnv(t)
	_, memberID := e.join(t)
	c, _ := e.connectAs(t, "bob-tab", bob)

	c.handleError(service.NewStoreUnavailable(errors.New("обрыв")))
	// участник исчезает, пока подписки лежат
	c.unsubscribe()
	require.NoError(t, e.store.Delete(e.ctx, repo.Members, memberID))

	assert.ErrorIs(t, c.Resubscribe(e.ctx), service.ErrForbidden)
	assert.ErrorIs(t, c.Err(), service.ErrForbidden)
}

// TestClient_MembersTracked тестирует, что список участников клиента обновляется вживую
func TestClient_MembersTracked(t *testing.T) {
	e := newEnv(t)
	c, ev := e.connect(t, "tab")
	require.Eventually(t, func() bool { return len(c.Members()) == 1 }, time.Second, 5*time.Millisecond)

	ev.mu.Lock()
	before := len(ev.all)
	ev.mu.Unlock()

	e.join(t)
	require.Eventually(t, func() bool { return len(c.Members()) == 2 }, time.Second, 5*time.Millisecond)
	// смена состава переотправляет последний снимок
	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.all) > before
	}, time.Second, 5*time.Millisecond)
}

// TestClient_CloseDuringSubscribeReleases тестирует, что подписки закрытого клиента не остаются висеть
func TestClient_CloseDuringSubscribeReleases(t *testing.T) {
	e := newEnv(t)
	c := newClient("tab", e.board.ID, olga, e.store, nil)
	require.NoError(t, c.authorize(e.ctx))
	c.Close()

	assert.ErrorIs(t, c.subscribe(e.ctx), repo.ErrClosed)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Nil(t, c.projector)
	assert.Nil(t, c.membersSub)
}

// TestClient_ResubscribeKeepsNewError тестирует, что ошибка новой подписки не теряется
func TestClient_ResubscribeKeepsNewError(t *testing.T) {
	e := newEnv(t)
	c, _ := e.connect(t, "tab")

	c.handleError(service.NewStoreUnavailable(errors.New("обрыв")))
	e.store.Close()

	err := c.Resubscribe(e.ctx)
	require.Error(t, err)
	assert.Error(t, c.Err())
}

package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/repository/inmemory"
	"boardSync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func colDoc(t *testing.T, c board.Column) repo.Doc {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return repo.Doc{ID: c.ID, Data: data}
}

func taskDoc(t *testing.T, task board.Task) repo.Doc {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	return repo.Doc{ID: task.ID, Data: data}
}

func sampleColumns(t *testing.T) []repo.Doc {
	return []repo.Doc{
		colDoc(t, board.Column{ID: "done", BoardID: "b1", Name: "Done", Order: 3}),
		colDoc(t, board.Column{ID: "todo", BoardID: "b1", Name: "To Do", Order: 1}),
		colDoc(t, board.Column{ID: "doing", BoardID: "b1", Name: "In Progress", Order: 2}),
	}
}

func task(id, col string, pos float64) board.Task {
	return board.Task{ID: id, BoardID: "b1", ColumnID: col, Title: id, Priority: board.PriorityLow, Position: pos, Version: 1}
}

func titles(view *ColumnView) []string {
	out := make([]string, 0, len(view.Tasks))
	for _, t := range view.Tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestBuild_GroupsAndOrders(t *testing.T) {
	cols := sampleColumns(t)
	tasks := []repo.Doc{
		taskDoc(t, task("b", "todo", 2048)),
		taskDoc(t, task("a", "todo", 1024)),
		taskDoc(t, task("c", "doing", 1024)),
		taskDoc(t, task("orphan", "gone", 1)),
		{ID: "broken", Data: json.RawMessage(`{"boardId":"b1"}`)},
	}

	s := build("b1", cols, tasks, nil)

	require.NotNil(t, s)
	assert.Equal(t, uint64(1), s.Version)
	assert.Equal(t, []string{"todo", "doing", "done"}, s.Order)
	assert.Equal(t, []string{"a", "b"}, titles(s.Columns["todo"]))
	assert.Equal(t, []string{"c"}, titles(s.Columns["doing"]))
	assert.NotNil(t, s.Columns["done"].Tasks)
	assert.Empty(t, s.Columns["done"].Tasks)
	assert.Equal(t, s.Order, s.Changed)
	assert.Equal(t, 3, s.TaskCount())

	found, ok := s.Task("c")
	require.True(t, ok)
	assert.Equal(t, "doing", found.ColumnID)
	_, ok = s.Task("orphan")
	assert.False(t, ok)
}

func TestBuild_ReusesUnchangedColumns(t *testing.T) {
	cols := sampleColumns(t)
	tasks := []repo.Doc{
		taskDoc(t, task("a", "todo", 1024)),
		taskDoc(t, task("c", "doing", 1024)),
	}
	first := build("b1", cols, tasks, nil)

	// ничего не изменилось: нового снимка нет
	assert.Nil(t, build("b1", cols, tasks, first))

	// задача переехала из todo в done
	moved := task("a", "done", 1024)
	moved.Version = 2
	second := build("b1", cols, []repo.Doc{taskDoc(t, moved), tasks[1]}, first)

	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, []string{"todo", "done"}, second.Changed)
	assert.Same(t, first.Columns["doing"], second.Columns["doing"])
	assert.NotSame(t, first.Columns["todo"], second.Columns["todo"])
	assert.Empty(t, second.Columns["todo"].Tasks)
	assert.Empty(t, second.Removed)
}

func TestBuild_ColumnRemovedAndReordered(t *testing.T) {
	cols := sampleColumns(t)
	first := build("b1", cols, nil, nil)

	next := build("b1", cols[1:], nil, first)
	require.NotNil(t, next)
	assert.Equal(t, []string{"done"}, next.Removed)
	assert.Empty(t, next.Changed)

	// смена порядка меняет сырые байты колонки, значит и отпечаток
	swapped := []repo.Doc{
		colDoc(t, board.Column{ID: "done", BoardID: "b1", Name: "Done", Order: 0}),
		cols[1], cols[2],
	}
	reordered := build("b1", swapped, nil, first)
	require.NotNil(t, reordered)
	assert.Equal(t, []string{"done", "todo", "doing"}, reordered.Order)
	assert.Equal(t, []string{"done"}, reordered.Changed)
}

func TestFingerprint_SensitiveToTaskBytes(t *testing.T) {
	raw := map[string][]byte{"c/c1": []byte(`{"name":"x"}`), "t/a": []byte(`{"title":"a"}`)}
	tasks := []board.Task{{ID: "a"}}

	before := fingerprint(raw, "c1", tasks)
	assert.Equal(t, before, fingerprint(raw, "c1", tasks))

	raw["t/a"] = []byte(`{"title":"A"}`)
	assert.NotEqual(t, before, fingerprint(raw, "c1", tasks))
	assert.NotEqual(t, fingerprint(raw, "c1", nil), fingerprint(raw, "c1", tasks))
}

func seed(t *testing.T, store *inmemory.DocumentStorage) {
	t.Helper()
	ctx := context.Background()
	for _, doc := range sampleColumns(t) {
		require.NoError(t, store.Set(ctx, repo.Columns, doc.ID, json.RawMessage(doc.Data)))
	}
	require.NoError(t, store.Set(ctx, repo.Tasks, "a", task("a", "todo", 1024)))
	// чужая доска в снимок не попадает
	other := task("x", "todo", 1)
	other.BoardID = "b2"
	require.NoError(t, store.Set(ctx, repo.Tasks, "x", other))
}

func TestStart_DeliversSnapshots(t *testing.T) {
	store := inmemory.NewDocumentStorage()
	defer store.Close()
	seed(t, store)

	var (
		mu        sync.Mutex
		snapshots []*Snapshot
	)
	p, err := Start(context.Background(), store, "b1", func(s *Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, s)
	}, func(err error) { t.Errorf("неожиданная ошибка: %v", err) })
	require.NoError(t, err)
	defer p.Close()

	latest := func() *Snapshot {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return nil
		}
		return snapshots[len(snapshots)-1]
	}
	require.Eventually(t, func() bool { return latest() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, latest().TaskCount())
	assert.Same(t, latest(), p.Snapshot())

	require.NoError(t, store.Set(context.Background(), repo.Tasks, "b", task("b", "doing", 1024)))
	require.Eventually(t, func() bool {
		s := latest()
		return s != nil && s.TaskCount() == 2
	}, time.Second, 5*time.Millisecond)

	s := latest()
	assert.Equal(t, []string{"b"}, titles(s.Columns["doing"]))
	mu.Lock()
	for i := 1; i < len(snapshots); i++ {
		assert.Greater(t, snapshots[i].Version, snapshots[i-1].Version)
	}
	mu.Unlock()

	p.Close()
	p.Close()
}

func TestStart_SubscriptionFailureIsTerminal(t *testing.T) {
	store := inmemory.NewDocumentStorage()
	seed(t, store)

	errs := make(chan error, 4)
	p, err := Start(context.Background(), store, "b1", func(*Snapshot) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()
	subs[1].Fail(errors.New("обрыв соединения"))
	subs[0].Fail(errors.New("второй обрыв"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	case <-time.After(time.Second):
		t.Fatal("ошибка не доставлена")
	}
	require.Eventually(t, func() bool { return !subs[0].Active() && !subs[1].Active() }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, errs)
	store.Close()
}

func TestStart_ClosedStore(t *testing.T) {
	store := inmemory.NewDocumentStorage()
	store.Close()

	_, err := Start(context.Background(), store, "b1", nil, nil)
	assert.ErrorIs(t, err, repo.ErrClosed)
}

func TestLoad(t *testing.T) {
	store := inmemory.NewDocumentStorage()
	defer store.Close()
	seed(t, store)

	s, err := Load(context.Background(), store, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"todo", "doing", "done"}, s.Order)
	assert.Equal(t, 1, s.TaskCount())

	empty, err := Load(context.Background(), store, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty.Order)
}

type mockReader struct {
	mock.Mock
}

func (m *mockReader) Get(ctx context.Context, c repo.Collection, id string) (repo.Doc, error) {
	args := m.Called(ctx, c, id)
	return args.Get(0).(repo.Doc), args.Error(1)
}

func (m *mockReader) Find(ctx context.Context, q repo.Query) ([]repo.Doc, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repo.Doc), args.Error(1)
}

func TestLoad_StoreUnavailable(t *testing.T) {
	r := &mockReader{}
	r.On("Find", mock.Anything, mock.Anything).Return(nil, repo.ErrUnavailable)

	_, err := NewLoader(r).Load(context.Background(), "b1")

	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	r.AssertExpectations(t)
}

func TestLoader_CollapsesConcurrentReads(t *testing.T) {
	r := &mockReader{}
	release := make(chan struct{})
	r.On("Find", mock.Anything, mock.MatchedBy(func(q repo.Query) bool { return q.Collection == repo.Columns })).
		Run(func(mock.Arguments) { <-release }).
		Return([]repo.Doc{}, nil)
	r.On("Find", mock.Anything, mock.MatchedBy(func(q repo.Query) bool { return q.Collection == repo.Tasks })).
		Return([]repo.Doc{}, nil)

	loader := NewLoader(r)
	var wg sync.WaitGroup
	results := make([]*Snapshot, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := loader.Load(context.Background(), "b1")
			assert.NoError(t, err, fmt.Sprint(i))
			results[i] = s
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	calls := 0
	for _, c := range r.Calls {
		if c.Method == "Find" {
			calls++
		}
	}
	assert.Less(t, calls, 2*len(results))
	for _, s := range results {
		require.NotNil(t, s)
	}
}

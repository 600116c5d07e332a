package worker

import (
	"context"
	"testing"
	"time"

	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/repository/inmemory"
	"boardSync/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unavailableStore отвечает ошибкой на любую запись
type unavailableStore struct {
	repo.Store
}

func (unavailableStore) RunTransaction(context.Context, repo.TxFunc) error {
	return repo.ErrUnavailable
}

// newStore хранилище с доской b1, куда пишут записи тестов
func newStore(t *testing.T) *inmemory.DocumentStorage {
	t.Helper()
	store := inmemory.NewDocumentStorage()
	t.Cleanup(store.Close)
	require.NoError(t, store.Set(context.Background(), repo.Boards, "b1",
		board.Board{ID: "b1", Name: "Sync", CreatedBy: "olga"}))
	return store
}

func entry(msg string) board.ActivityEntry {
	return board.ActivityEntry{BoardID: "b1", ActorName: "Olga", Message: msg}
}

func feed(t *testing.T, store repo.Store) []board.ActivityEntry {
	t.Helper()
	docs, err := store.Find(context.Background(), repo.Where(repo.Activity, "boardId", "b1").Order("createdAt", false))
	require.NoError(t, err)
	entries, err := schema.DecodeMany(docs, schema.DecodeActivity)
	require.NoError(t, err)
	return entries
}

func TestNewActivityWorker_Defaults(t *testing.T) {
	w := NewActivityWorker(nil, nil, nil)
	assert.Equal(t, 256, cap(w.queue))
	assert.Equal(t, time.Minute, w.interval)

	size, interval := 4, 5*time.Second
	w = NewActivityWorker(nil, &size, &interval)
	assert.Equal(t, 4, cap(w.queue))
	assert.Equal(t, 5*time.Second, w.interval)

	zero := 0
	w = NewActivityWorker(nil, &zero, nil)
	assert.Equal(t, 256, cap(w.queue))
}

func TestActivityWorker_EnqueueDropsWhenFull(t *testing.T) {
	size := 2
	w := NewActivityWorker(nil, &size, nil)

	assert.True(t, w.Enqueue(entry("one")))
	assert.True(t, w.Enqueue(entry("two")))
	assert.False(t, w.Enqueue(entry("three")))

	st := w.Stats()
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, 2, st.Pending)
}

func TestActivityWorker_AppendStampsTime(t *testing.T) {
	store := newStore(t)
	w := NewActivityWorker(store, nil, nil)
	fixed := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	w.Append(context.Background(), entry("created board"))

	entries := feed(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, fixed.UnixMilli(), entries[0].CreatedAt)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, int64(1), w.Stats().Appended)
}

func TestActivityWorker_AppendFailures(t *testing.T) {
	w := NewActivityWorker(unavailableStore{}, nil, nil)

	w.Append(context.Background(), entry("created board"))
	// пустое сообщение не проходит проверку и до хранилища не доходит
	w.Append(context.Background(), board.ActivityEntry{BoardID: "b1"})

	st := w.Stats()
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(0), st.Appended)
}

func TestActivityWorker_StartWritesAndDrainsOnStop(t *testing.T) {
	store := newStore(t)
	w := NewActivityWorker(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(stopped)
	}()

	require.True(t, w.Enqueue(entry("first")))
	require.Eventually(t, func() bool { return len(feed(t, store)) == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.True(t, w.Enqueue(entry("burst")))
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("воркер не остановился")
	}
	assert.Len(t, feed(t, store), 11)
	assert.Equal(t, 0, w.Stats().Pending)
}

// TestActivityWorker_SkipsDeletedBoard тестирует, что записи из очереди не переживают удаление доски
func TestActivityWorker_SkipsDeletedBoard(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := NewActivityWorker(store, nil, nil)

	require.True(t, w.Enqueue(entry("created board")))
	require.True(t, w.Enqueue(entry("created task")))
	require.NoError(t, store.Delete(ctx, repo.Boards, "b1"))

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	w.Start(runCtx)

	docs, err := store.Find(ctx, repo.Where(repo.Activity, "boardId", "b1"))
	require.NoError(t, err)
	assert.Empty(t, docs)

	st := w.Stats()
	assert.Equal(t, int64(2), st.Orphaned)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, int64(0), st.Appended)
}

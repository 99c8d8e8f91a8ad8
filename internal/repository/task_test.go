package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context) ([]*model.Task, error)
	Search(ctx context.Context, query string) ([]*model.Task, error)
	Update(ctx context.Context, id string, req *model.UpdateTaskRequest) (*model.Task, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (model.Counts, error)
	Count() int64
}

func newSQLite(t *testing.T) *SQLTaskRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewTaskRepository()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
}

func titles(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestRepository_CreateGetList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		deadline := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

		t1, err := s.Create(ctx, &model.CreateTaskRequest{Title: "Pay bills", Email: "a@b.com", Deadline: &deadline})
		require.NoError(t, err)
		assert.NotEmpty(t, t1.ID)
		assert.False(t, t1.Complete)

		got, err := s.GetByID(ctx, t1.ID)
		require.NoError(t, err)
		assert.Equal(t, "Pay bills", got.Title)
		assert.Equal(t, "a@b.com", got.Email)
		require.NotNil(t, got.Deadline)
		assert.WithinDuration(t, deadline, *got.Deadline, time.Second)

		_, err = s.Create(ctx, &model.CreateTaskRequest{Title: "water plants"})
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Pay bills", "water plants"}, titles(list))
		assert.Equal(t, int64(2), s.Count())
	})
}

func TestRepository_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		_, err := s.GetByID(context.Background(), "missing")
		assert.ErrorIs(t, err, model.ErrTaskNotFound)
	})
}

func TestRepository_Search(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		for _, title := range []string{"Buy milk", "buy bread", "Call mom", "100% done"} {
			_, err := s.Create(ctx, &model.CreateTaskRequest{Title: title})
			require.NoError(t, err)
		}

		got, err := s.Search(ctx, "buy")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Buy milk", "buy bread"}, titles(got))

		got, err = s.Search(ctx, "%")
		require.NoError(t, err)
		assert.Equal(t, []string{"100% done"}, titles(got))

		got, err = s.Search(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRepository_UpdateAndCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		a, err := s.Create(ctx, &model.CreateTaskRequest{Title: "a"})
		require.NoError(t, err)
		_, err = s.Create(ctx, &model.CreateTaskRequest{Title: "b"})
		require.NoError(t, err)

		done := true
		title := "a2"
		updated, err := s.Update(ctx, a.ID, &model.UpdateTaskRequest{Complete: &done, Title: &title})
		require.NoError(t, err)
		assert.True(t, updated.Complete)
		assert.Equal(t, "a2", updated.Title)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.Counts{Total: 2, Completed: 1, Uncompleted: 1}, counts)

		_, err = s.Update(ctx, "missing", &model.UpdateTaskRequest{Complete: &done})
		assert.ErrorIs(t, err, model.ErrTaskNotFound)
	})
}

func TestRepository_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		a, err := s.Create(ctx, &model.CreateTaskRequest{Title: "gone"})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, a.ID))
		assert.ErrorIs(t, s.Delete(ctx, a.ID), model.ErrTaskNotFound)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)

		got, err := s.Search(ctx, "gone")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestTaskRepository_ReturnsCopies(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, &model.CreateTaskRequest{Title: "original"})
	require.NoError(t, err)
	created.Title = "mutated"

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Title)
}

func TestTaskRepository_ListOrderIsStableWithinAClockTick(t *testing.T) {
	repo := NewTaskRepository()
	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return tick }
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c", "d", "e", "f"} {
		_, err := repo.Create(ctx, &model.CreateTaskRequest{Title: title})
		require.NoError(t, err)
	}

	first, err := repo.List(ctx)
	require.NoError(t, err)
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].ID, first[i].ID)
	}

	for range 20 {
		again, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, titles(first), titles(again))
	}
}

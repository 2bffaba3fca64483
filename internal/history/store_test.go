package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func summary(id string, started time.Time, state types.RunState) types.RunSummary {
	return types.RunSummary{
		RunID:     id,
		State:     state,
		StartedAt: started,
		Total:     3,
		TargetURL: "http://form.test/apply",
	}
}

func TestStore_SaveListGet(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(summary("b", base.Add(time.Minute), types.StateCompleted)))
	require.NoError(t, s.Save(summary("a", base, types.StateCompleted)))
	require.NoError(t, s.Save(summary("c", base.Add(2*time.Minute), types.StatePaused)))

	items, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{items[0].RunID, items[1].RunID, items[2].RunID})

	items, err = s.List(2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)
	assert.True(t, got.StartedAt.Equal(base.Add(time.Minute)))

	_, err = s.Get("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTestStore(t)
	started := time.Now().UTC()

	paused := summary("run-1", started, types.StatePaused)
	paused.Succeeded = 1
	require.NoError(t, s.Save(paused))

	done := summary("run-1", started, types.StateCompleted)
	done.Succeeded = 3
	require.NoError(t, s.Save(done))

	items, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Succeeded)
	assert.Equal(t, types.StateCompleted, items[0].State)
}

func TestStore_RejectsMissingID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Save(types.RunSummary{}))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(summary("keep", time.Now(), types.StateCompleted)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.RunID)
}

func TestStore_OpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(summary("ro", time.Now(), types.StateCompleted)))

	// the writer still holds the lock
	_, err = OpenReadOnly(path, 50*time.Millisecond)
	require.Error(t, err)
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path, time.Second)
	require.NoError(t, err)
	defer ro.Close()
	items, err := ro.List(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ro", items[0].RunID)
	assert.ErrorIs(t, ro.Save(summary("other", time.Now(), types.StateCompleted)), bbolt.ErrDatabaseReadOnly)
}

package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證 checkpoint 的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint() Checkpoint {
	rec := types.NewRecord(types.Field{Name: "email", Value: "a@b.c"})
	return Checkpoint{
		RunID:        "run-1",
		State:        types.StatePaused,
		StartIndex:   0,
		CurrentIndex: 2,
		Total:        5,
		Result: types.RunResult{
			Successful: []types.SuccessEntry{{Index: 0, Record: rec, AttemptCount: 1}},
			Failed:     []types.FailureEntry{{Index: 1, Record: rec, LastError: "Email invalid", AttemptCount: 3}},
			Retries:    2,
		},
		LastSeq:   9,
		TargetURL: "http://form.test/apply",
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		SavedAt:   time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("checkpoint.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "checkpoint.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	manager := NewManager(path)

	want := sampleCheckpoint()
	require.NoError(t, manager.Write(want))
	assert.True(t, manager.Exists())

	got, err := manager.Load()
	require.NoError(t, err)

	want.SchemaVer = SchemaVersion
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

// TestAtomicWrite 測試寫入後不留下臨時檔案
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleCheckpoint()))
	cp := sampleCheckpoint()
	cp.CurrentIndex = 4
	require.NoError(t, manager.Write(cp))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentIndex)
}

// TestFirstBoot 測試沒有 checkpoint 時的行為
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.json"))
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.NoError(t, manager.Remove())
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp := sampleCheckpoint()
	cp.SchemaVer = 99
	data, err := json.Marshal(cp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的檔案
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"run_id\": "), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試目錄不存在時寫入失敗
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing", "checkpoint.json"))
	assert.Error(t, manager.Write(sampleCheckpoint()))
}

// TestRemove 測試刪除
func TestRemove(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, manager.Write(sampleCheckpoint()))
	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())
}

// TestConcurrentWrites 測試並發寫入不會損壞檔案
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := sampleCheckpoint()
			cp.RunID = fmt.Sprintf("run-%d", i)
			cp.CurrentIndex = i
			assert.NoError(t, manager.Write(cp))
		}(i)
	}
	wg.Wait()

	got, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("run-%d", got.CurrentIndex), got.RunID)
}

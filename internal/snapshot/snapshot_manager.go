package snapshot

// ============================================================================
// 職責說明：
// 1. 將執行進度（游標、計數、結果）序列化為 JSON checkpoint 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合執行日誌 (wal) 在重啟後重建恢復游標
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
)

// SchemaVersion 是目前 checkpoint 格式的版本號
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Checkpoint 是一次執行在某個時間點的完整進度
type Checkpoint struct {
	RunID        string          `json:"run_id"`
	State        types.RunState  `json:"state"`
	StartIndex   int             `json:"start_index"`
	CurrentIndex int             `json:"current_index"` // 下一筆要處理的記錄
	Total        int             `json:"total"`
	Result       types.RunResult `json:"result"`
	LastSeq      uint64          `json:"last_seq"` // 已包含在此 checkpoint 的最後日誌序號
	TargetURL    string          `json:"target_url,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	SavedAt      time.Time       `json:"saved_at"`
	SchemaVer    int             `json:"schema_version"`
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入 checkpoint
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.SchemaVer = SchemaVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	jsonBytes, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入 checkpoint
//
// 錯誤處理：
//   - ErrSnapshotNotFound: 檔案不存在
//   - ErrCorruptedSnapshot: JSON 無法解析
//   - ErrIncompatibleVersion: 版本不符
func (m *Manager) Load() (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cp Checkpoint
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, ErrSnapshotNotFound
		}
		return cp, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &cp); err != nil {
		return cp, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if cp.SchemaVer != SchemaVersion {
		return cp, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, SchemaVersion)
	}
	if cp.Result.Successful == nil {
		cp.Result.Successful = []types.SuccessEntry{}
	}
	if cp.Result.Failed == nil {
		cp.Result.Failed = []types.FailureEntry{}
	}
	return cp, nil
}

// Remove 刪除 checkpoint（執行正常完成後不再需要恢復）
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

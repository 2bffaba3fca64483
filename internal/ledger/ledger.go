// ============================================================================
// formrelay 結果帳本 - 每次執行的結果記錄
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 累積一次執行 (run) 中每筆記錄的最終結果
//
// 設計理念:
//   帳本只能追加 (append-only)：
//   1. successful / failed 依處理順序追加
//   2. decided set 保證每筆記錄在一次執行中只被決定一次
//   3. retries 只在記錄被決定時累加 attempts-1，放棄的記錄不計入
//
// 記錄狀態轉換:
//   Undecided (未決定)
//      ↓ RecordSuccess()  或  RecordFailure()
//   Succeeded (成功) / Failed (重試耗盡)
//
// 不變量:
//   - len(successful) + len(failed) == processed
//   - 決定的 index 嚴格遞增（cursor 只會前進）
//   - retries == Σ(attempts-1)，對所有已決定的記錄
//
// 並發安全:
//   - sync.RWMutex 保護所有欄位
//   - Snapshot() 回傳深拷貝，呼叫者可自由持有
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/formrelay/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 記錄已經被決定過
	ErrAlreadyDecided = errors.New("record fate already decided")
	// 記錄的 index 比已決定的還小
	ErrOutOfOrder = errors.New("record decided out of order")
)

// Stats 是帳本的計數摘要
type Stats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
	Processed int `json:"processed"`
}

// Ledger 代表一次執行的結果帳本
type Ledger struct {
	mu         sync.RWMutex
	successful []types.SuccessEntry
	failed     []types.FailureEntry
	decided    map[int]bool
	retries    int
	last       int // 最後一個被決定的 index，-1 表示尚無
}

// New 建立空帳本
func New() *Ledger {
	return &Ledger{
		successful: make([]types.SuccessEntry, 0),
		failed:     make([]types.FailureEntry, 0),
		decided:    make(map[int]bool),
		last:       -1,
	}
}

// RecordSuccess 記錄一筆成功提交
//
// 參數說明：
//   - index: 記錄在序列中的位置
//   - rec: 記錄內容
//   - attempts: 實際嘗試次數（>= 1），其中 attempts-1 次計入重試
//
// 錯誤處理：
//   - ErrAlreadyDecided: 此 index 已有結果
//   - ErrOutOfOrder: index 小於最後決定的 index
func (l *Ledger) RecordSuccess(index int, rec types.Record, attempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(index); err != nil {
		return err
	}
	l.successful = append(l.successful, types.SuccessEntry{Index: index, Record: rec, AttemptCount: attempts})
	l.decideLocked(index, attempts)
	return nil
}

// RecordFailure 記錄一筆重試耗盡的失敗
//
// 參數說明：
//   - index: 記錄在序列中的位置
//   - rec: 記錄內容
//   - lastErr: 最後一次嘗試的錯誤訊息
//   - attempts: 實際嘗試次數
func (l *Ledger) RecordFailure(index int, rec types.Record, lastErr string, attempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(index); err != nil {
		return err
	}
	l.failed = append(l.failed, types.FailureEntry{Index: index, Record: rec, LastError: lastErr, AttemptCount: attempts})
	l.decideLocked(index, attempts)
	return nil
}

// IsDecided 檢查記錄是否已有結果
func (l *Ledger) IsDecided(index int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.decided[index]
}

// Stats 取得計數摘要
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Succeeded: len(l.successful),
		Failed:    len(l.failed),
		Retries:   l.retries,
		Processed: len(l.successful) + len(l.failed),
	}
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 回傳目前結果的深拷貝
func (l *Ledger) Snapshot() types.RunResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := types.RunResult{
		Successful: make([]types.SuccessEntry, len(l.successful)),
		Failed:     make([]types.FailureEntry, len(l.failed)),
		Retries:    l.retries,
	}
	for i, e := range l.successful {
		e.Record = cloneRecord(e.Record)
		out.Successful[i] = e
	}
	for i, e := range l.failed {
		e.Record = cloneRecord(e.Record)
		out.Failed[i] = e
	}
	return out
}

// Restore 以快照內容取代帳本
//
// 返回值：
//   - error: 快照中有重複的 index
func (l *Ledger) Restore(r types.RunResult) error {
	fresh := New()
	type decision struct {
		index int
		apply func() error
	}
	// 依 index 順序重播，確保不變量與直接執行時一致
	var ds []decision
	for _, e := range r.Successful {
		ds = append(ds, decision{e.Index, func() error { return fresh.RecordSuccess(e.Index, e.Record, e.AttemptCount) }})
	}
	for _, e := range r.Failed {
		ds = append(ds, decision{e.Index, func() error { return fresh.RecordFailure(e.Index, e.Record, e.LastError, e.AttemptCount) }})
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].index < ds[j].index })
	for _, d := range ds {
		if err := d.apply(); err != nil {
			return fmt.Errorf("restore index %d: %w", d.index, err)
		}
	}
	if r.Retries != fresh.retries {
		log.Warn("Checkpoint retries disagree with attempt counts, using attempt counts",
			"checkpoint", r.Retries, "derived", fresh.retries)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.successful = fresh.successful
	l.failed = fresh.failed
	l.decided = fresh.decided
	l.last = fresh.last
	l.retries = fresh.retries
	return nil
}

// Reset 清空帳本，用於新的執行
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successful = make([]types.SuccessEntry, 0)
	l.failed = make([]types.FailureEntry, 0)
	l.decided = make(map[int]bool)
	l.retries = 0
	l.last = -1
}

func (l *Ledger) checkLocked(index int) error {
	if l.decided[index] {
		return fmt.Errorf("%w: index %d", ErrAlreadyDecided, index)
	}
	if index < l.last {
		return fmt.Errorf("%w: index %d after %d", ErrOutOfOrder, index, l.last)
	}
	return nil
}

func (l *Ledger) decideLocked(index, attempts int) {
	l.decided[index] = true
	l.last = index
	if attempts > 1 {
		l.retries += attempts - 1
	}
}

func cloneRecord(r types.Record) types.Record {
	return types.Record{Fields: append([]types.Field(nil), r.Fields...)}
}

package controller

// ============================================================================
// 崩潰恢復
// 流程：
//  1. loadCheckpoint - 載入最近的 checkpoint（可能不存在）
//  2. replayJournal  - 重放 checkpoint 之後的日誌事件
//  3. 重建帳本與游標，狀態設為 Paused，之後由 Resume 繼續
//
// 冪等性：已決定的 index 在重放時跳過
// ============================================================================

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/formrelay/internal/ledger"
	"github.com/ChuLiYu/formrelay/internal/snapshot"
	"github.com/ChuLiYu/formrelay/internal/storage/wal"
	"github.com/ChuLiYu/formrelay/pkg/types"
)

var (
	// 沒有 checkpoint 也沒有日誌
	ErrNothingToRecover = errors.New("no checkpoint or journal to recover from")
	// 記錄序列與被恢復的執行不符
	ErrRecordMismatch = errors.New("records do not match the recovered run")
)

// RecoveryReport 描述一次恢復的結果
type RecoveryReport struct {
	RunID          string         `json:"run_id"`
	State          types.RunState `json:"state"`
	Cursor         int            `json:"cursor"`
	FromCheckpoint bool           `json:"from_checkpoint"`
	Replayed       int            `json:"replayed"` // checkpoint 之後重放的事件數
	Duration       time.Duration  `json:"duration"`
}

// Recover 從 checkpoint 與執行日誌重建上一次執行的進度
//
// 參數：
//   - records: 與上一次執行相同的記錄序列
//
// 行為：
//   - 日誌中的執行與 checkpoint 相同時，只重放 seq > LastSeq 的事件
//   - 日誌屬於較新的執行（尚未寫過 checkpoint）時，只用日誌重建
//   - 成功後狀態為 Paused（或已完成的執行為 Completed），Resume 從游標繼續
//
// 錯誤處理：
//   - ErrAlreadyRunning: 迴圈正在執行
//   - ErrNothingToRecover: 沒有可用的進度
//   - ErrRecordMismatch: 記錄數與 checkpoint 或日誌不符
func (c *Controller) Recover(records []types.Record) (RecoveryReport, error) {
	start := time.Now()
	var report RecoveryReport

	c.mu.Lock()
	active := c.loopActive
	c.mu.Unlock()
	if active {
		return report, ErrAlreadyRunning
	}

	cp, haveCP, err := c.loadCheckpoint()
	if err != nil {
		return report, err
	}
	events, err := c.readJournal()
	if err != nil {
		return report, err
	}

	journalRun := ""
	for _, e := range events {
		if e.RunID != "" {
			journalRun = e.RunID
			break
		}
	}

	var (
		runID      string
		lastSeq    uint64
		startIndex int
		cursor     int
		startedAt  time.Time
		rebuilt    = ledger.New()
	)
	switch {
	case haveCP && (journalRun == "" || journalRun == cp.RunID):
		if cp.Total != len(records) {
			return report, fmt.Errorf("%w: checkpoint has %d records, got %d", ErrRecordMismatch, cp.Total, len(records))
		}
		if err := rebuilt.Restore(cp.Result); err != nil {
			return report, fmt.Errorf("restore checkpoint: %w", err)
		}
		runID, lastSeq = cp.RunID, cp.LastSeq
		startIndex, cursor, startedAt = cp.StartIndex, cp.CurrentIndex, cp.StartedAt
		report.FromCheckpoint = true
	case journalRun != "":
		runID = journalRun
		startIndex = -1
	default:
		return report, ErrNothingToRecover
	}

	completed := report.FromCheckpoint && cp.State == types.StateCompleted
	for _, e := range events {
		if e.RunID != runID || e.Seq <= lastSeq {
			continue
		}
		if err := replayEvent(e, records, rebuilt, &startIndex, &cursor, &completed); err != nil {
			return report, fmt.Errorf("replay seq %d: %w", e.Seq, err)
		}
		if startedAt.IsZero() {
			startedAt = time.UnixMilli(e.Timestamp).UTC()
		}
		report.Replayed++
	}
	if startIndex < 0 {
		startIndex = 0
	}

	state := types.StatePaused
	if completed {
		state = types.StateCompleted
	}

	c.mu.Lock()
	if c.loopActive {
		c.mu.Unlock()
		return report, ErrAlreadyRunning
	}
	if err := c.ledger.Restore(rebuilt.Snapshot()); err != nil {
		c.mu.Unlock()
		return report, err
	}
	c.records = records
	c.runID = runID
	c.startIndex = startIndex
	c.cursor = cursor
	c.startedAt = startedAt
	c.finishedAt = time.Time{}
	c.lastError = ""
	c.sinceCheckpoint = 0
	c.state = state
	c.mu.Unlock()

	report.RunID = runID
	report.State = state
	report.Cursor = cursor
	report.Duration = time.Since(start)

	c.metrics.SetRecoveryTime(report.Duration)
	c.metrics.SetState(state)
	c.metrics.SetProgress(cursor, len(records))

	st := c.ledger.Stats()
	log.Info("Recovery completed",
		"run_id", runID,
		"cursor", cursor,
		"succeeded", st.Succeeded,
		"failed", st.Failed,
		"replayed", report.Replayed,
		"from_checkpoint", report.FromCheckpoint,
		"duration", report.Duration)
	return report, nil
}

// loadCheckpoint 載入 checkpoint；不存在時 ok 為 false
func (c *Controller) loadCheckpoint() (cp snapshot.Checkpoint, ok bool, err error) {
	if c.checkpoints == nil {
		return cp, false, nil
	}
	cp, err = c.checkpoints.Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, true, nil
}

// readJournal 讀出日誌中的所有事件（已驗證 checksum）
func (c *Controller) readJournal() ([]wal.Event, error) {
	if c.journal == nil {
		return nil, nil
	}
	var events []wal.Event
	err := c.journal.Replay(func(e wal.Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	return events, nil
}

// replayEvent 將單一日誌事件套用到重建中的帳本與游標
func replayEvent(e wal.Event, records []types.Record, l *ledger.Ledger, startIndex, cursor *int, completed *bool) error {
	switch e.Type {
	case wal.EventRunStart:
		if total, err := strconv.Atoi(e.Message); err == nil && total != len(records) {
			return fmt.Errorf("%w: journal has %d records, got %d", ErrRecordMismatch, total, len(records))
		}
		if *startIndex < 0 {
			*startIndex = e.Index
		}
		if e.Index > *cursor {
			*cursor = e.Index
		}
		*completed = false

	case wal.EventRecordSucceeded, wal.EventRecordFailed:
		if e.Index < 0 || e.Index >= len(records) {
			return fmt.Errorf("%w: index %d out of range", ErrRecordMismatch, e.Index)
		}
		if l.IsDecided(e.Index) {
			return nil
		}
		var err error
		if e.Type == wal.EventRecordSucceeded {
			err = l.RecordSuccess(e.Index, records[e.Index], e.Attempt)
		} else {
			err = l.RecordFailure(e.Index, records[e.Index], e.Message, e.Attempt)
		}
		if err != nil {
			return err
		}
		if e.Index+1 > *cursor {
			*cursor = e.Index + 1
		}

	case wal.EventRetry:
		// 重試次數由決定事件的 Attempt 推得，這裡只做診斷用途

	case wal.EventRunCompleted, wal.EventRunStopped:
		*completed = true

	case wal.EventRunPaused:
		*completed = false
	}
	return nil
}

package wal

// ============================================================================
// WAL 工具函式
// 職責：讀取、驗證與輸出日誌檔案
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ReplayFile 依序讀取日誌檔案並呼叫 handler
//
// 錯誤處理：
//   - *CorruptionError: 行無法解析
//   - *ChecksumError: 校驗和不符
//   - handler 的錯誤原樣回傳
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// GetLastEvent 從日誌檔案讀取最後一個有效事件
//
// 採用從頭掃描；遇到損壞的尾行時回傳之前最後一個有效事件
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil && last == nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算日誌中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證日誌的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return ReplayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: got seq=%d after %d", ErrSeqGap, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出日誌內容（人類可讀格式）
//
//	[Seq:1] RUN_START run=ab12 index=0 at 2024-01-01T00:00:00Z
func DumpWAL(path string, w io.Writer) error {
	err := ReplayFile(path, func(e Event) error {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d] %s run=%s index=%d attempt=%d at %s", e.Seq, e.Type, e.RunID, e.Index, e.Attempt, ts)
		if err != nil {
			return err
		}
		if e.Message != "" {
			_, err = fmt.Fprintf(w, " msg=%q", e.Message)
			if err != nil {
				return err
			}
		}
		_, err = fmt.Fprintln(w)
		return err
	})
	if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrCorruptedWAL) {
		fmt.Fprintf(w, "!! %v\n", err)
	}
	return err
}

// WALStats 日誌統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
}

// GetWALStats 取得日誌的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := ReplayFile(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

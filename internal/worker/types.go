package worker

import (
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
)

// Task 代表一次提交嘗試
type Task struct {
	Index   int           // 記錄在序列中的位置
	Attempt int           // 第幾次嘗試（從 1 開始）
	Record  types.Record  // 要填寫的記錄
	Timeout time.Duration // 單次嘗試的超時時間
}

// Result 代表一次嘗試的結果
type Result struct {
	Index    int                  // 記錄位置
	Attempt  int                  // 嘗試次數
	Outcome  types.AttemptOutcome // 成功 / 可重試 / 致命
	Err      error                // 導致失敗的錯誤（如果有）
	Filled   []string             // 本次寫入的欄位名稱
	Duration time.Duration        // 實際執行時間
}

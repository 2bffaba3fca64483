// ============================================================================
// formrelay 控制器 - 提交執行的核心狀態機
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 逐筆將記錄送入遠端表單，處理重試、節流、暫停/恢復/停止與狀態回報
//
// 架構設計:
//   控制器協調以下組件：
//   - worker.Executor: 單次填寫與提交（每次嘗試使用新的會話）
//   - retry.Policy:    決定失敗後是否重試
//   - pacing.Scheduler: 記錄之間的隨機延遲
//   - ledger.Ledger:   結果帳本（成功 / 失敗 / 重試次數）
//   - wal.WAL:         執行日誌，每個事件先寫日誌再修改狀態
//   - snapshot.Manager: 週期性 checkpoint，配合日誌在重啟後恢復游標
//
// 狀態轉換:
//   Idle ──Start──> Running ──Pause──> Paused ──Resume──> Running
//                      │                  │
//                      └──Stop──> Stopping ──> Completed <──Stop──┘
//   序列處理完畢時 Running -> Completed
//
// 並發安全:
//   - Start / Resume 在呼叫者的 goroutine 上執行迴圈（阻塞）
//   - Pause / Stop / Status 可從任意 goroutine 呼叫
//   - mu 只在修改記憶體狀態時持有，不跨越 driver 呼叫或等待
//   - wake channel 讓暫停/停止打斷節流與退避等待
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/formrelay/internal/detect"
	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/ledger"
	"github.com/ChuLiYu/formrelay/internal/metrics"
	"github.com/ChuLiYu/formrelay/internal/pacing"
	"github.com/ChuLiYu/formrelay/internal/retry"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/internal/snapshot"
	"github.com/ChuLiYu/formrelay/internal/stats"
	"github.com/ChuLiYu/formrelay/internal/storage/wal"
	"github.com/ChuLiYu/formrelay/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 已有執行中的迴圈
	ErrAlreadyRunning = errors.New("a run is already active")
	// 從未開始過任何執行
	ErrNoActiveRun = errors.New("no run has been started")
	// 所有記錄都已處理
	ErrNothingToResume = errors.New("no records left to resume")
	// 起始位置超出範圍
	ErrInvalidStartIndex = errors.New("start index out of range")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置（每個實例固定）
type Config struct {
	TargetURL       string        // 表單網址，只用於摘要
	AttemptTimeout  time.Duration // 單次嘗試的超時時間
	SettleDelay     time.Duration // 提交後等待頁面穩定的時間
	BaseDelay       time.Duration // 記錄之間的基本延遲
	Variation       float64       // 延遲抖動比例 [0,1]
	MaxRetries      int           // 每筆記錄最多重試次數
	Backoff         retry.Backoff // 同一筆記錄兩次嘗試之間的退避
	CheckpointEvery int           // 每處理 N 筆寫一次 checkpoint，0 表示只在迴圈結束時寫
	JournalPath     string        // 執行日誌路徑，空字串表示不寫日誌
	CheckpointPath  string        // checkpoint 路徑，空字串表示不寫
	Rand            pacing.Source // 節流亂數來源，nil 使用全域產生器
}

// HistorySink 接收每次迴圈結束時的執行摘要
type HistorySink interface {
	Save(types.RunSummary) error
}

// Option 調整 Controller 的可選組件
type Option func(*Controller)

// WithSchema 設置欄位 schema；未設置時每個記錄欄位寫入同名的輸入框
func WithSchema(sc *schema.Schema) Option {
	return func(c *Controller) { c.schema = sc }
}

// WithDetector 替換成功判定規則鏈
func WithDetector(chain *detect.Chain) Option {
	return func(c *Controller) { c.chain = chain }
}

// WithMetrics 設置 Prometheus 指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHistory 設置執行歷史儲存
func WithHistory(h HistorySink) Option {
	return func(c *Controller) { c.history = h }
}

// WithScheduler 替換節流排程器
func WithScheduler(s *pacing.Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// Controller 提交控制器
type Controller struct {
	config Config
	driver driver.Driver
	schema *schema.Schema
	chain  *detect.Chain
	policy retry.Policy
	sched  *pacing.Scheduler

	ledger      *ledger.Ledger
	latency     *stats.SafeHistogram
	metrics     *metrics.Collector
	journal     *wal.WAL
	checkpoints *snapshot.Manager
	history     HistorySink

	mu              sync.Mutex // 保護以下欄位
	state           types.RunState
	loopActive      bool
	records         []types.Record
	cursor          int
	startIndex      int
	runID           string
	startedAt       time.Time
	finishedAt      time.Time
	lastError       string
	sinceCheckpoint int

	wake chan struct{} // 容量 1，暫停/停止時通知等待中的迴圈
}

// ============================================================================
// 建構
// ============================================================================

// New 建立 Controller
//
// 參數：
//   - cfg: 控制器配置
//   - drv: 表單 driver
//   - opts: 可選組件
//
// 返回值：
//   - error: 日誌檔無法開啟
func New(cfg Config, drv driver.Driver, opts ...Option) (*Controller, error) {
	if drv == nil {
		return nil, errors.New("controller: driver is required")
	}
	c := &Controller{
		config:  cfg,
		driver:  drv,
		policy:  retry.New(cfg.MaxRetries, cfg.Backoff),
		ledger:  ledger.New(),
		latency: stats.NewSafeHistogram(),
		state:   types.StateIdle,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chain == nil {
		c.chain = detect.Default(detect.Config{AmbiguousAsSuccess: true})
	}
	if c.sched == nil {
		c.sched = pacing.New(cfg.BaseDelay, cfg.Variation, cfg.Rand)
	}

	if cfg.JournalPath != "" {
		j, err := wal.NewWAL(cfg.JournalPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		c.journal = j
	}
	if cfg.CheckpointPath != "" {
		c.checkpoints = snapshot.NewManager(cfg.CheckpointPath)
	}
	return c, nil
}

// Close 關閉執行日誌；迴圈仍在執行時返回 ErrAlreadyRunning
func (c *Controller) Close() error {
	c.mu.Lock()
	active := c.loopActive
	c.mu.Unlock()
	if active {
		return ErrAlreadyRunning
	}
	if c.journal != nil {
		return c.journal.Close()
	}
	return nil
}

// ============================================================================
// 控制操作
// ============================================================================

// Start 開始新的執行並阻塞到迴圈結束
//
// 流程：
//  1. 重置帳本與延遲統計，設置游標，狀態 -> Running
//  2. 旋轉日誌並寫入 RUN_START
//  3. 預先打開會話；導航失敗時整個執行失敗，狀態回到 Idle
//  4. 執行主迴圈直到序列結束、暫停或停止
//
// 錯誤處理：
//   - ErrAlreadyRunning: 已有迴圈在執行
//   - ErrInvalidStartIndex: startIndex 超出 [0, len(records)]
//   - driver.ErrNavigation: 無法打開表單
func (c *Controller) Start(ctx context.Context, records []types.Record, startIndex int) error {
	c.mu.Lock()
	if c.loopActive {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if startIndex < 0 || startIndex > len(records) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrInvalidStartIndex, startIndex, len(records))
	}

	c.ledger.Reset()
	c.latency.Reset()
	c.records = records
	c.cursor = startIndex
	c.startIndex = startIndex
	c.runID = newRunID()
	c.startedAt = time.Now().UTC()
	c.finishedAt = time.Time{}
	c.lastError = ""
	c.sinceCheckpoint = 0
	c.state = types.StateRunning
	c.loopActive = true
	runID := c.runID
	c.mu.Unlock()
	c.drainWake()

	if c.journal != nil && c.journal.GetLastSeq() > 0 {
		if err := c.journal.Rotate(); err != nil {
			log.Error("Failed to rotate journal", "error", err)
		}
	}

	log.Info("Run starting", "run_id", runID, "records", len(records), "start_index", startIndex)
	return c.enterLoop(ctx, types.StateIdle)
}

// Resume 繼續已暫停或停止的執行
//
// 行為：
//   - 迴圈仍在執行（暫停請求尚未生效）：直接切回 Running
//   - 沒有迴圈且還有剩餘記錄：從目前游標重新進入迴圈（阻塞），累計結果保留
//
// 錯誤處理：
//   - ErrNoActiveRun: 從未開始或開始時導航失敗
//   - ErrAlreadyRunning: 迴圈正在停止中
//   - ErrNothingToResume: 所有記錄都已處理
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.runID == "" || c.state == types.StateIdle:
		c.mu.Unlock()
		return ErrNoActiveRun
	case c.loopActive && c.state == types.StatePaused:
		c.state = types.StateRunning
		c.mu.Unlock()
		c.drainWake()
		c.metrics.SetState(types.StateRunning)
		log.Info("Run resumed before pause took effect")
		return nil
	case c.loopActive:
		state := c.state
		c.mu.Unlock()
		if state == types.StateRunning {
			return nil
		}
		return ErrAlreadyRunning
	case c.cursor >= len(c.records):
		c.mu.Unlock()
		return ErrNothingToResume
	}
	c.state = types.StateRunning
	c.loopActive = true
	c.finishedAt = time.Time{}
	runID, cursor := c.runID, c.cursor
	c.mu.Unlock()
	c.drainWake()

	log.Info("Run resuming", "run_id", runID, "cursor", cursor)
	return c.enterLoop(ctx, types.StatePaused)
}

// Pause 在目前記錄完成後暫停；重複呼叫無副作用
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.runID == "" {
		c.mu.Unlock()
		return ErrNoActiveRun
	}
	if c.state != types.StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = types.StatePaused
	c.mu.Unlock()

	c.metrics.SetState(types.StatePaused)
	c.signal()
	log.Info("Pause requested")
	return nil
}

// Stop 在目前記錄完成或放棄後結束執行；重複呼叫無副作用
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.runID == "" {
		c.mu.Unlock()
		return ErrNoActiveRun
	}
	switch {
	case c.loopActive:
		if c.state != types.StateRunning && c.state != types.StatePaused {
			c.mu.Unlock()
			return nil
		}
		c.state = types.StateStopping
		c.mu.Unlock()
		c.metrics.SetState(types.StateStopping)
		c.signal()
		log.Info("Stop requested")
		return nil

	case c.state == types.StatePaused:
		// 沒有迴圈在執行，直接結束
		c.state = types.StateCompleted
		c.finishedAt = time.Now().UTC()
		cursor := c.cursor
		c.mu.Unlock()
		c.appendEvent(wal.Event{Type: wal.EventRunStopped, Index: cursor}, true)
		c.persist(types.StateCompleted)
		log.Info("Paused run stopped")
		return nil
	}
	c.mu.Unlock()
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Status 回傳目前狀態的快照，不做任何 I/O
func (c *Controller) Status() types.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.ledger.Stats()
	snap := types.StatusSnapshot{
		RunID:        c.runID,
		State:        c.state,
		CurrentIndex: c.cursor,
		StartIndex:   c.startIndex,
		Total:        len(c.records),
		SuccessCount: st.Succeeded,
		FailedCount:  st.Failed,
		Retries:      st.Retries,
		AttemptP50Ms: c.latency.QuantileMs(50),
		AttemptP95Ms: c.latency.QuantileMs(95),
		LastError:    c.lastError,
	}
	if snap.Total > 0 {
		snap.ProgressPercent = float64(c.cursor) / float64(snap.Total) * 100
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		snap.StartedAt = &t
	}
	if !c.finishedAt.IsZero() {
		t := c.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Result 回傳目前累計結果的深拷貝
func (c *Controller) Result() types.RunResult {
	return c.ledger.Snapshot()
}

// Records 回傳目前執行的記錄數
func (c *Controller) Records() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// signal 非阻塞地喚醒等待中的迴圈
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drainWake 清除尚未被消費的喚醒訊號
func (c *Controller) drainWake() {
	select {
	case <-c.wake:
	default:
	}
}

// currentState 在鎖內讀取狀態
func (c *Controller) currentState() types.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// appendEvent 寫入執行日誌；失敗只記錄，不中斷執行
func (c *Controller) appendEvent(e wal.Event, force bool) {
	if c.journal == nil {
		return
	}
	if e.RunID == "" {
		c.mu.Lock()
		e.RunID = c.runID
		c.mu.Unlock()
	}
	if _, err := c.journal.Append(e, force); err != nil {
		log.Error("Failed to append journal event", "type", e.Type, "index", e.Index, "error", err)
	}
}

// persist 寫 checkpoint、儲存歷史摘要並更新指標
func (c *Controller) persist(state types.RunState) {
	c.metrics.SetState(state)
	if err := c.writeCheckpoint(); err != nil {
		log.Error("Failed to write checkpoint", "error", err)
	}
	if c.history == nil {
		return
	}
	if err := c.history.Save(c.summary()); err != nil {
		log.Error("Failed to save run summary", "error", err)
	}
}

// writeCheckpoint 將目前進度原子性地寫入 checkpoint
func (c *Controller) writeCheckpoint() error {
	if c.checkpoints == nil {
		return nil
	}
	if c.journal != nil {
		if err := c.journal.Flush(); err != nil {
			return fmt.Errorf("flush journal: %w", err)
		}
	}

	c.mu.Lock()
	cp := snapshot.Checkpoint{
		RunID:        c.runID,
		State:        c.state,
		StartIndex:   c.startIndex,
		CurrentIndex: c.cursor,
		Total:        len(c.records),
		Result:       c.ledger.Snapshot(),
		LastSeq:      c.journal.GetLastSeq(),
		TargetURL:    c.config.TargetURL,
		StartedAt:    c.startedAt,
	}
	c.sinceCheckpoint = 0
	c.mu.Unlock()

	return c.checkpoints.Write(cp)
}

// summary 建立執行摘要
func (c *Controller) summary() types.RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.ledger.Snapshot()
	return types.RunSummary{
		RunID:       c.runID,
		State:       c.state,
		StartedAt:   c.startedAt,
		FinishedAt:  c.finishedAt,
		StartIndex:  c.startIndex,
		FinalIndex:  c.cursor,
		Total:       len(c.records),
		Succeeded:   len(res.Successful),
		Failed:      len(res.Failed),
		Retries:     res.Retries,
		Failures:    res.Failed,
		TargetURL:   c.config.TargetURL,
		BaseDelayMs: c.sched.Base().Milliseconds(),
	}
}

package controller

// ============================================================================
// 主迴圈
// 職責：
// 1. 逐筆處理游標上的記錄，直到序列結束或狀態不再是 Running
// 2. 每筆記錄在重試策略下最多嘗試 MaxRetries+1 次
// 3. 記錄之間依節流排程等待，等待可被暫停/停止/context 打斷
// 4. 迴圈結束時決定最終狀態，寫日誌、checkpoint 與歷史摘要
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/formrelay/internal/pacing"
	"github.com/ChuLiYu/formrelay/internal/storage/wal"
	"github.com/ChuLiYu/formrelay/internal/worker"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/google/uuid"
)

// errAbandoned 表示記錄在兩次嘗試之間被放棄（停止或 context 結束）
var errAbandoned = errors.New("record abandoned")

func newRunID() string { return uuid.NewString() }

// enterLoop 打開會話並執行迴圈直到結束
//
// 參數：
//   - navFallback: 無法打開表單時回到的狀態（Start 為 Idle，Resume 為 Paused）
func (c *Controller) enterLoop(ctx context.Context, navFallback types.RunState) error {
	pool := worker.NewPool(c.driver)
	defer pool.Close()

	if err := pool.Warm(ctx); err != nil {
		c.mu.Lock()
		c.state = navFallback
		c.loopActive = false
		c.lastError = err.Error()
		if navFallback == types.StateIdle {
			c.runID = ""
			c.startedAt = time.Time{}
		}
		c.mu.Unlock()
		c.metrics.SetState(navFallback)
		log.Error("Failed to open form", "error", err)
		return fmt.Errorf("open form: %w", err)
	}

	c.mu.Lock()
	cursor, total := c.cursor, len(c.records)
	c.mu.Unlock()
	c.appendEvent(wal.Event{Type: wal.EventRunStart, Index: cursor, Message: strconv.Itoa(total)}, true)
	c.metrics.SetState(types.StateRunning)
	c.metrics.SetProgress(cursor, total)

	exec := worker.NewExecutor(pool, c.schema, c.chain, c.config.SettleDelay)
	for {
		c.loop(ctx, exec)
		if c.finish() {
			return nil
		}
	}
}

// loop 處理記錄直到狀態不是 Running 或序列結束
func (c *Controller) loop(ctx context.Context, exec *worker.Executor) {
	for {
		if ctx.Err() != nil {
			c.stopOnCancel()
			return
		}

		c.mu.Lock()
		if c.state != types.StateRunning || c.cursor >= len(c.records) {
			c.mu.Unlock()
			return
		}
		index := c.cursor
		rec := c.records[index]
		c.mu.Unlock()

		if err := c.processRecord(ctx, exec, index, rec); err != nil {
			return
		}

		c.mu.Lock()
		due := c.config.CheckpointEvery > 0 && c.sinceCheckpoint >= c.config.CheckpointEvery
		cursor, total := c.cursor, len(c.records)
		running := c.state == types.StateRunning
		c.mu.Unlock()

		c.metrics.SetProgress(cursor, total)
		if due {
			if err := c.writeCheckpoint(); err != nil {
				log.Error("Failed to write checkpoint", "error", err)
			}
		}
		if cursor >= total || !running {
			continue
		}

		delay := c.sched.Next()
		log.Debug("Pacing before next record", "delay_ms", delay.Milliseconds(), "next", cursor)
		if err := pacing.Wait(ctx, delay, c.wake); err != nil && ctx.Err() != nil {
			c.stopOnCancel()
		}
	}
}

// processRecord 以重試策略處理一筆記錄
//
// 返回值：
//   - nil: 記錄的結果已寫入帳本且游標已前進
//   - errAbandoned: 停止或 context 結束，結果未決定，游標不動
func (c *Controller) processRecord(ctx context.Context, exec *worker.Executor, index int, rec types.Record) error {
	for attempt := 1; ; attempt++ {
		res := exec.Execute(ctx, worker.Task{
			Index:   index,
			Attempt: attempt,
			Record:  rec,
			Timeout: c.config.AttemptTimeout,
		})
		c.latency.Observe(res.Duration)
		c.metrics.ObserveAttempt(res.Outcome.Kind, res.Duration)

		switch res.Outcome.Kind {
		case types.OutcomeSuccess:
			c.journalRetries(index, attempt)
			c.appendEvent(wal.Event{Type: wal.EventRecordSucceeded, Index: index, Attempt: attempt}, false)
			c.decide(index, attempt, "", func() error { return c.ledger.RecordSuccess(index, rec, attempt) })
			c.metrics.RecordSucceeded()
			log.Info("Record submitted", "index", index, "attempt", attempt)

			// 成功後丟棄會話，並為下一筆記錄打開新的會話
			if index+1 < c.Records() {
				if err := exec.Pool().Warm(ctx); err != nil {
					log.Warn("Failed to open session for next record", "error", err)
				}
			}
			return nil

		case types.OutcomeFatal:
			c.fail(index, rec, attempt, res.Outcome.Reason)
			c.mu.Lock()
			if c.state == types.StateRunning || c.state == types.StatePaused {
				c.state = types.StateStopping
			}
			c.mu.Unlock()
			log.Error("Fatal outcome, ending run", "index", index, "reason", res.Outcome.Reason)
			return nil
		}

		if ctx.Err() != nil {
			c.stopOnCancel()
			log.Info("Record abandoned, context done", "index", index, "attempt", attempt)
			return errAbandoned
		}

		decision := c.policy.Decide(attempt, res.Outcome)
		if !decision.Retry {
			c.fail(index, rec, attempt, res.Outcome.Reason)
			log.Warn("Record failed, attempts exhausted",
				"index", index,
				"attempts", attempt,
				"error", res.Outcome.Reason)
			return nil
		}

		log.Info("Attempt failed, retrying",
			"index", index,
			"attempt", attempt,
			"backoff_ms", decision.Wait.Milliseconds(),
			"error", res.Outcome.Reason)
		if err := c.backoff(ctx, decision.Wait); err != nil {
			log.Info("Record abandoned between attempts", "index", index, "attempt", attempt)
			return errAbandoned
		}
	}
}

// fail 記錄一筆失敗
func (c *Controller) fail(index int, rec types.Record, attempts int, reason string) {
	c.journalRetries(index, attempts)
	c.appendEvent(wal.Event{Type: wal.EventRecordFailed, Index: index, Attempt: attempts, Message: reason}, false)
	c.decide(index, attempts, reason, func() error { return c.ledger.RecordFailure(index, rec, reason, attempts) })
	c.metrics.RecordFailed()
}

// journalRetries 在決定事件之前寫入該記錄的重試次數
func (c *Controller) journalRetries(index, attempts int) {
	if attempts > 1 {
		c.appendEvent(wal.Event{Type: wal.EventRetry, Index: index, Attempt: attempts - 1}, false)
	}
}

// decide 在同一個鎖內寫入帳本並前進游標，讓 Status 看到一致的快照
//
// 帳本以 attempts-1 累加重試次數；放棄的記錄不會走到這裡，所以不計入。
func (c *Controller) decide(index, attempts int, lastError string, apply func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := apply(); err != nil {
		log.Error("Failed to record outcome", "index", index, "error", err)
	} else {
		c.metrics.RecordRetries(attempts - 1)
	}
	if index >= c.cursor {
		c.cursor = index + 1
	}
	if lastError != "" {
		c.lastError = lastError
	}
	c.sinceCheckpoint++
}

// backoff 在兩次嘗試之間等待
//
// 暫停不會打斷目前記錄的重試；停止或 context 結束會放棄記錄。
func (c *Controller) backoff(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if c.currentState() == types.StateStopping {
			return errAbandoned
		}
		err := pacing.Wait(ctx, time.Until(deadline), c.wake)
		switch {
		case err == nil:
			if ctx.Err() != nil {
				c.stopOnCancel()
				return ctx.Err()
			}
			if c.currentState() == types.StateStopping {
				return errAbandoned
			}
			return nil
		case errors.Is(err, pacing.ErrInterrupted):
			continue
		default:
			c.stopOnCancel()
			return err
		}
	}
}

// stopOnCancel 將 context 結束視為停止請求
func (c *Controller) stopOnCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == types.StateRunning || c.state == types.StatePaused {
		c.state = types.StateStopping
	}
}

// finish 決定迴圈結束後的狀態
//
// 返回值：
//   - false: Resume 在迴圈退出途中把狀態切回 Running，需要繼續處理
func (c *Controller) finish() bool {
	c.mu.Lock()
	var event wal.EventType
	switch c.state {
	case types.StateStopping:
		c.state = types.StateCompleted
		event = wal.EventRunStopped
	case types.StateRunning:
		if c.cursor < len(c.records) {
			c.mu.Unlock()
			return false
		}
		c.state = types.StateCompleted
		event = wal.EventRunCompleted
	default:
		event = wal.EventRunPaused
	}
	if c.state == types.StateCompleted {
		c.finishedAt = time.Now().UTC()
	}
	state, cursor, runID := c.state, c.cursor, c.runID
	c.mu.Unlock()

	c.appendEvent(wal.Event{Type: event, Index: cursor}, true)
	c.persist(state)

	c.mu.Lock()
	if c.state != state {
		// Resume 或 Stop 在退出途中改變了狀態
		c.mu.Unlock()
		return false
	}
	c.loopActive = false
	c.mu.Unlock()

	st := c.ledger.Stats()
	log.Info("Run loop exited",
		"run_id", runID,
		"state", state,
		"cursor", cursor,
		"succeeded", st.Succeeded,
		"failed", st.Failed,
		"retries", st.Retries)
	return true
}

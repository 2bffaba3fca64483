// ============================================================================
// formrelay Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露提交執行的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - formrelay_records_succeeded_total: 成功提交的記錄數
//      - formrelay_records_failed_total: 重試耗盡的記錄數
//      - formrelay_attempts_total{outcome}: 各結果的嘗試次數
//      - formrelay_retries_total: 重試次數
//
//   2. 性能指標 (Histogram)：
//      - formrelay_attempt_duration_seconds: 單次嘗試耗時
//
//   3. 狀態指標 (Gauge)：
//      - formrelay_run_state{state}: 目前狀態為 1，其餘為 0
//      - formrelay_cursor / formrelay_records_total: 進度
//      - formrelay_recovery_time_seconds: 最近一次恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘成功提交數
//   rate(formrelay_records_succeeded_total[1m])
//
//   # 95 分位嘗試耗時
//   histogram_quantile(0.95, formrelay_attempt_duration_seconds_bucket)
//
// HTTP 端點:
//   由 internal/server 掛在 /metrics
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStates = []types.RunState{
	types.StateIdle, types.StateRunning, types.StatePaused, types.StateStopping, types.StateCompleted,
}

// Collector Prometheus 指標收集器；nil Collector 的方法都是 no-op
type Collector struct {
	recordsSucceeded prometheus.Counter
	recordsFailed    prometheus.Counter
	attempts         *prometheus.CounterVec
	retries          prometheus.Counter

	attemptDuration prometheus.Histogram
	recoveryTime    prometheus.Gauge

	runState     *prometheus.GaugeVec
	cursor       prometheus.Gauge
	recordsTotal prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		recordsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formrelay_records_succeeded_total",
			Help: "Total number of records submitted successfully",
		}),
		recordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formrelay_records_failed_total",
			Help: "Total number of records that exhausted their attempts",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formrelay_attempts_total",
			Help: "Total number of submission attempts by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formrelay_retries_total",
			Help: "Total number of retried attempts",
		}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "formrelay_attempt_duration_seconds",
			Help:    "Duration of a single fill-and-submit attempt in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formrelay_recovery_time_seconds",
			Help: "Time taken to rebuild the resume cursor from checkpoint and journal",
		}),
		runState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formrelay_run_state",
			Help: "Current controller state (1 for the active state)",
		}, []string{"state"}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formrelay_cursor",
			Help: "Index of the next record to process",
		}),
		recordsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formrelay_records_total",
			Help: "Number of records in the current run",
		}),
	}

	reg.MustRegister(
		c.recordsSucceeded,
		c.recordsFailed,
		c.attempts,
		c.retries,
		c.attemptDuration,
		c.recoveryTime,
		c.runState,
		c.cursor,
		c.recordsTotal,
	)
	c.SetState(types.StateIdle)
	return c
}

// ObserveAttempt 記錄一次嘗試
func (c *Collector) ObserveAttempt(kind types.OutcomeKind, d time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(string(kind)).Inc()
	c.attemptDuration.Observe(d.Seconds())
}

// RecordSucceeded 記錄一筆成功
func (c *Collector) RecordSucceeded() {
	if c == nil {
		return
	}
	c.recordsSucceeded.Inc()
}

// RecordFailed 記錄一筆失敗
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.recordsFailed.Inc()
}

// RecordRetries 記錄一筆已決定記錄的重試次數
func (c *Collector) RecordRetries(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.retries.Add(float64(n))
}

// SetState 將 state 設為 1，其餘狀態為 0
func (c *Collector) SetState(state types.RunState) {
	if c == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.runState.WithLabelValues(string(s)).Set(v)
	}
}

// SetProgress 更新進度
func (c *Collector) SetProgress(cursor, total int) {
	if c == nil {
		return
	}
	c.cursor.Set(float64(cursor))
	c.recordsTotal.Set(float64(total))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Handler 返回 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ============================================================================
// Beaver-MR Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 agent 執行、DLQ、checkpoint 與恢復的指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - beaver_agents_dispatched_total: 已分派 agent 總數
//      - beaver_agents_completed_total: 成功 agent 總數
//      - beaver_agents_failed_total{kind}: 失敗 agent 總數（依錯誤類型）
//      - beaver_items_dead_total: 進入 DLQ 的 item 總數
//      - beaver_checkpoints_saved_total / beaver_checkpoint_failures_total
//      - beaver_dlq_reprocessed_total{outcome}: DLQ 重新處理結果
//
//   2. 分佈 (Histogram)：
//      - beaver_agent_duration_seconds: agent 執行時間
//
//   3. 瞬時值 (Gauge)：
//      - beaver_resume_time_seconds: 最近一次恢復耗時
//      - beaver_items_pending / beaver_items_in_flight
//
// 註冊:
//   NewCollector 接受 prometheus.Registerer，測試使用獨立的 Registry
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

const namespace = "beaver"

// Collector 持有所有指標。nil *Collector 的方法皆為 no-op。
type Collector struct {
	// agent 相關指標
	agentsDispatched prometheus.Counter
	agentsCompleted  prometheus.Counter
	agentsFailed     *prometheus.CounterVec
	itemsDead        prometheus.Counter

	// 效能指標
	agentDuration prometheus.Histogram
	resumeTime    prometheus.Gauge

	// 狀態指標
	itemsPending  prometheus.Gauge
	itemsInFlight prometheus.Gauge

	// 持久化相關指標
	checkpointsSaved   prometheus.Counter
	checkpointFailures prometheus.Counter
	dlqReprocessed     *prometheus.CounterVec
}

// NewCollector 建立並註冊所有指標
//
// 參數：
//   - reg: 指標註冊處，nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		agentsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_dispatched_total",
			Help:      "Total number of agents dispatched",
		}),
		agentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_completed_total",
			Help:      "Total number of agents that completed successfully",
		}),
		agentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_failed_total",
			Help:      "Total number of failed agents by error kind",
		}, []string{"kind"}),
		itemsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dead_total",
			Help:      "Total number of work items moved to the dead letter queue",
		}),
		agentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Agent execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		resumeTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resume_time_seconds",
			Help:      "Time taken to reconstruct state on the last resume",
		}),
		itemsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_pending",
			Help:      "Current number of pending work items",
		}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_in_flight",
			Help:      "Current number of running agents",
		}),
		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total number of checkpoints written",
		}),
		checkpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Total number of failed checkpoint writes",
		}),
		dlqReprocessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_reprocessed_total",
			Help:      "Total number of DLQ reprocessing attempts by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.agentsDispatched,
		c.agentsCompleted,
		c.agentsFailed,
		c.itemsDead,
		c.agentDuration,
		c.resumeTime,
		c.itemsPending,
		c.itemsInFlight,
		c.checkpointsSaved,
		c.checkpointFailures,
		c.dlqReprocessed,
	)
	return c
}

// RecordDispatch 記錄分派的 agent 數量
func (c *Collector) RecordDispatch(n int) {
	if c == nil {
		return
	}
	c.agentsDispatched.Add(float64(n))
}

// RecordResult 依 agent 結果更新計數與延遲
func (c *Collector) RecordResult(r types.AgentResult) {
	if c == nil {
		return
	}
	c.agentDuration.Observe(r.Duration.Seconds())
	if r.Success {
		c.agentsCompleted.Inc()
		return
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = types.ErrorUnknown
	}
	c.agentsFailed.WithLabelValues(string(kind)).Inc()
}

// RecordDead 記錄進入 DLQ 的 item
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.itemsDead.Inc()
}

// RecordCheckpoint 記錄一次 checkpoint 寫入結果
func (c *Collector) RecordCheckpoint(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.checkpointFailures.Inc()
		return
	}
	c.checkpointsSaved.Inc()
}

// RecordReprocess 記錄一次 DLQ 重新處理的成功與失敗數
func (c *Collector) RecordReprocess(successful, failed int) {
	if c == nil {
		return
	}
	c.dlqReprocessed.WithLabelValues("success").Add(float64(successful))
	c.dlqReprocessed.WithLabelValues("failure").Add(float64(failed))
}

// SetResumeTime 記錄恢復耗時
func (c *Collector) SetResumeTime(seconds float64) {
	if c == nil {
		return
	}
	c.resumeTime.Set(seconds)
}

// UpdateProgress 更新待處理與執行中的 item 數
func (c *Collector) UpdateProgress(pending, inFlight int) {
	if c == nil {
		return
	}
	c.itemsPending.Set(float64(pending))
	c.itemsInFlight.Set(float64(inFlight))
}

// Handler 回傳 /metrics 的 HTTP handler
//
// 參數：
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

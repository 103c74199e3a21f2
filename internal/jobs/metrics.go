// Package jobmetrics instruments asynq task handlers.
package jobmetrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes reported in the status label.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusRejected = "rejected"
	StatusSkipped  = "skipped"
)

// Metrics holds the collectors shared by every task handler.
type Metrics struct {
	runs          *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	closedBatches *prometheus.CounterVec
	expired       *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers collectors on registerer, or once on the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = register(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return register(registerer)
}

// Tracker times one task run.
type Tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
	skipped bool
}

// Track starts timing a run of task. Safe on a nil receiver.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{metrics: m, task: task, start: time.Now()}
}

// Skip marks the run as intentionally not performed, e.g. when another worker holds the lock.
func (t *Tracker) Skip() {
	if t != nil {
		t.skipped = true
	}
}

// End records the run and hands err back. Errors wrapping asynq.SkipRetry count as rejected.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.task == "" {
		return err
	}
	status := classify(err, t.skipped)
	m := t.metrics
	m.runs.WithLabelValues(t.task, status).Inc()
	m.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(t.task).SetToCurrentTime()
	}
	return err
}

func classify(err error, skipped bool) string {
	switch {
	case err == nil && skipped:
		return StatusSkipped
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusRejected
	default:
		return StatusFailure
	}
}

// AddClosedBatches records the outcome of one period close run.
func (m *Metrics) AddClosedBatches(companyID int64, closed, failed int) {
	if m == nil {
		return
	}
	company := strconv.FormatInt(companyID, 10)
	if closed > 0 {
		m.closedBatches.WithLabelValues(company, "closed").Add(float64(closed))
	}
	if failed > 0 {
		m.closedBatches.WithLabelValues(company, "failed").Add(float64(failed))
	}
}

// AddExpired counts batches flagged as expired by the expiry sweep.
func (m *Metrics) AddExpired(companyID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.WithLabelValues(strconv.FormatInt(companyID, 10)).Add(float64(count))
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_task_runs_total",
			Help: "Task runs by task type and status.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backoffice_task_duration_seconds",
			Help:    "Task run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"task"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backoffice_task_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per task type.",
		}, []string{"task"}),
		closedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_closing_batches_total",
			Help: "Batches recalculated by period close runs, by outcome.",
		}, []string{"company", "outcome"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_batches_expired_total",
			Help: "Batches moved to expired by the expiry sweep.",
		}, []string{"company"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.lastSuccess, m.closedBatches, m.expired)
	return m
}

package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register 在各指标定义处登记，MustRegister 时统一注册
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister 将所有登记的指标注册到默认注册表，只执行一次
func MustRegister() {
	once.Do(func() {
		if len(collectors) > 0 {
			prometheus.MustRegister(collectors...)
		}
	})
}

func init() {
	register(tasksSubmitted, taskPolls, pollSessions, webhookEvents, upstreamDuration)
}

var tasksSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "print_studio_tasks_submitted_total",
		Help: "Generation tasks submitted to the job service, by mode and result.",
	},
	[]string{"mode", "result"},
)

var taskPolls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "print_studio_task_polls_total",
		Help: "Task status checks, by mode and normalized status (or error).",
	},
	[]string{"mode", "status"},
)

var pollSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "print_studio_poll_sessions_active",
		Help: "Poll sessions currently running.",
	},
)

var webhookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "print_studio_webhook_events_total",
		Help: "Webhook status pushes received, by status.",
	},
	[]string{"status"},
)

var upstreamDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "print_studio_upstream_request_seconds",
		Help:    "Latency of job service calls.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

func IncTaskSubmitted(mode, result string) {
	tasksSubmitted.WithLabelValues(norm(mode), norm(result)).Inc()
}

func IncTaskPoll(mode, status string) {
	taskPolls.WithLabelValues(norm(mode), norm(status)).Inc()
}

func PollSessionStarted() { pollSessions.Inc() }

func PollSessionEnded() { pollSessions.Dec() }

func IncWebhookEvent(status string) {
	webhookEvents.WithLabelValues(norm(status)).Inc()
}

// ObserveUpstream 记录任务服务调用耗时
func ObserveUpstream(op string, start time.Time) {
	upstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func norm(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// CoordinatorMetrics содержит метрики координатора: шина событий, фоновые задачи,
// блокировки, вызовы внешних сервисов, возвраты и уведомления.
type CoordinatorMetrics struct {
	// Шина событий
	consumerCalls    *prometheus.CounterVec
	consumerDuration *prometheus.HistogramVec

	// Фоновые задачи
	taskRuns         *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskRetries      *prometheus.CounterVec
	taskDeadLettered *prometheus.CounterVec

	// Блокировки
	lockWait     *prometheus.HistogramVec
	lockTimeouts *prometheus.CounterVec

	// Внешние вызовы
	remoteCalls    *prometheus.CounterVec
	remoteAttempts *prometheus.HistogramVec

	refunds       *prometheus.CounterVec
	notifications *prometheus.CounterVec

	sweepRuns    *prometheus.CounterVec
	sweepDeleted prometheus.Counter
	sweepLast    prometheus.Gauge

	kafkaMessages *prometheus.CounterVec
}

// NewCoordinatorMetrics создаёт метрики в DefaultRegisterer.
func NewCoordinatorMetrics() *CoordinatorMetrics {
	return NewCoordinatorMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCoordinatorMetricsWithRegisterer создаёт метрики в заданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCoordinatorMetricsWithRegisterer(registerer prometheus.Registerer) *CoordinatorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CoordinatorMetrics{
		consumerCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_event_consumer_calls_total",
			Help: "Total number of event consumer invocations grouped by event, consumer and result.",
		}, []string{"event", "consumer", "result"}),
		consumerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "coordinator_event_consumer_duration_seconds",
			Help:    "Duration of event consumer invocations in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"event", "consumer"}),
		taskRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_task_runs_total",
			Help: "Total number of background task executions grouped by task and result.",
		}, []string{"task", "result"}),
		taskDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "coordinator_task_duration_seconds",
			Help:    "Duration of background task executions in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"task"}),
		taskRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_task_retries_total",
			Help: "Total number of background task retries.",
		}, []string{"task"}),
		taskDeadLettered: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_task_dead_lettered_total",
			Help: "Total number of background tasks moved to dead letters.",
		}, []string{"task"}),
		lockWait: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "coordinator_lock_wait_seconds",
			Help:    "Time spent waiting for a distributed lock in seconds.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"lock"}),
		lockTimeouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_lock_timeouts_total",
			Help: "Total number of distributed lock acquisitions that gave up.",
		}, []string{"lock"}),
		remoteCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_remote_calls_total",
			Help: "Total number of remote collaborator calls grouped by endpoint and result.",
		}, []string{"endpoint", "result"}),
		remoteAttempts: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "coordinator_remote_call_attempts",
			Help:    "Number of attempts spent per remote collaborator call.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"endpoint"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_refunds_total",
			Help: "Total number of processed order returns grouped by outcome.",
		}, []string{"outcome"}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_notifications_total",
			Help: "Total number of order confirmation notifications grouped by result.",
		}, []string{"result"}),
		sweepRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_cache_sweep_runs_total",
			Help: "Total number of cache sweep runs grouped by result.",
		}, []string{"result"}),
		sweepDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "coordinator_cache_sweep_deleted_total",
			Help: "Total number of deleted expired cache entries.",
		}),
		sweepLast: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "coordinator_cache_sweep_last_deleted",
			Help: "Number of deleted cache entries during the last sweep run.",
		}),
		kafkaMessages: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "coordinator_kafka_messages_total",
			Help: "Total number of consumed Kafka messages grouped by topic and result.",
		}, []string{"topic", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

// lockName отрезает id заказа от ключа блокировки, чтобы не плодить серии.
func lockName(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// ObserveConsumer реализует eventbus.Recorder.
func (m *CoordinatorMetrics) ObserveConsumer(event, consumer string, duration time.Duration, err error) {
	m.consumerCalls.WithLabelValues(event, consumer, result(err)).Inc()
	m.consumerDuration.WithLabelValues(event, consumer).Observe(duration.Seconds())
}

// ObserveTask реализует taskqueue.Recorder.
func (m *CoordinatorMetrics) ObserveTask(task string, duration time.Duration, err error) {
	m.taskRuns.WithLabelValues(task, result(err)).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (m *CoordinatorMetrics) TaskRetried(task string) {
	m.taskRetries.WithLabelValues(task).Inc()
}

func (m *CoordinatorMetrics) TaskDeadLettered(task string) {
	m.taskDeadLettered.WithLabelValues(task).Inc()
}

// ObserveLockWait реализует lock.Recorder.
func (m *CoordinatorMetrics) ObserveLockWait(key string, wait time.Duration, acquired bool) {
	name := lockName(key)
	m.lockWait.WithLabelValues(name).Observe(wait.Seconds())
	if !acquired {
		m.lockTimeouts.WithLabelValues(name).Inc()
	}
}

// ObserveRemoteCall реализует retry.Recorder.
func (m *CoordinatorMetrics) ObserveRemoteCall(endpoint string, attempts int, err error) {
	m.remoteCalls.WithLabelValues(endpoint, result(err)).Inc()
	m.remoteAttempts.WithLabelValues(endpoint).Observe(float64(attempts))
}

// ObserveRefund реализует refund.Recorder.
func (m *CoordinatorMetrics) ObserveRefund(outcome string, err error) {
	if err != nil || outcome == "" {
		outcome = resultError
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

func (m *CoordinatorMetrics) NotificationSent() {
	m.notifications.WithLabelValues("sent").Inc()
}

func (m *CoordinatorMetrics) NotificationSkipped() {
	m.notifications.WithLabelValues("skipped").Inc()
}

func (m *CoordinatorMetrics) NotificationFailed() {
	m.notifications.WithLabelValues("failed").Inc()
}

// ObserveSweep реализует sweeper.Recorder.
func (m *CoordinatorMetrics) ObserveSweep(deleted int, err error) {
	m.sweepRuns.WithLabelValues(result(err)).Inc()
	if err != nil {
		return
	}
	m.sweepDeleted.Add(float64(deleted))
	m.sweepLast.Set(float64(deleted))
}

// ObserveMessage реализует kafka.Recorder.
func (m *CoordinatorMetrics) ObserveMessage(topic, result string) {
	m.kafkaMessages.WithLabelValues(topic, result).Inc()
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

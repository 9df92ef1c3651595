package app

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/lock"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/pipeline"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/fulfillment"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/lms"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/notification"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/oms"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/psp"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/refund"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/sanction"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

const (
	lmsBreakerFailures = 5
	lmsBreakerReset    = 30 * time.Second
)

// Collaborators — внешние системы, с которыми работает координатор.
type Collaborators struct {
	Orders    domain.OrderManagement
	Learners  domain.LearnerService
	Providers []domain.PaymentProvider
	Notifier  domain.Notifier
	Analytics domain.AnalyticsSink
}

// DefaultCollaborators возвращает in-memory OMS, mock LMS и mock PSP.
// NOTE: в production их нужно заменить клиентами реальных систем.
func DefaultCollaborators(notifier domain.Notifier, analytics domain.AnalyticsSink) Collaborators {
	return Collaborators{
		Orders:    memory.NewOrderManagement(),
		Learners:  lms.NewMockService(),
		Providers: []domain.PaymentProvider{psp.NewStripe(), psp.NewPayPal()},
		Notifier:  notifier,
		Analytics: analytics,
	}
}

// Dependencies содержит собранный граф координатора.
type Dependencies struct {
	Bus           *eventbus.Bus
	Queue         *taskqueue.Queue
	Pipelines     *pipeline.Registry
	Locker        *lock.Locker
	Fulfillment   *fulfillment.Service
	Refunds       *refund.Service
	Sanctions     *sanction.Service
	Notifications *notification.Service
	Logger        *log.Entry
}

// NewDependencies связывает сервисы, очередь и шину по конфигурации wiring.
// Ошибка означает некорректную привязку и должна останавливать запуск.
func NewDependencies(
	cfg Config,
	wiring Wiring,
	collab Collaborators,
	runtime *runtimeDependencies,
	m *metrics.CoordinatorMetrics,
	logger *log.Entry,
) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if m == nil {
		m = metrics.NewCoordinatorMetrics()
	}
	productTypes := wiring.productTypes()

	omsCaller := retry.New(retry.DefaultConfig(), logger.WithField("component", "oms-client"), retry.WithRecorder(m))
	orders := oms.NewRetryingClient(collab.Orders, omsCaller)

	lmsLogger := logger.WithField("component", "lms-client")
	lmsCaller := retry.New(retry.DefaultConfig(), lmsLogger,
		retry.WithRecorder(m),
		retry.WithCircuitBreaker(retry.NewCircuitBreaker(lmsBreakerFailures, lmsBreakerReset, lmsLogger)),
	)
	pspCaller := retry.New(retry.DefaultConfig(), logger.WithField("component", "psp-client"), retry.WithRecorder(m))

	locker := lock.New(runtime.cache,
		lock.WithTTL(cfg.LockTTL),
		lock.WithPollInterval(cfg.LockPollInterval),
		lock.WithLogger(logger.WithField("component", "lock")),
		lock.WithRecorder(m),
	)

	policy := taskqueue.DefaultRetryPolicy()
	if cfg.TaskMaxAttempts > 0 {
		policy.MaxAttempts = cfg.TaskMaxAttempts
	}
	if cfg.TaskBackoff > 0 {
		policy.Backoff = taskqueue.FixedBackoff(cfg.TaskBackoff)
	}
	queue := taskqueue.New(
		taskqueue.WithWorkers(cfg.Workers),
		taskqueue.WithRetryPolicy(policy),
		taskqueue.WithDeadLetters(runtime.deadLetters),
		taskqueue.WithLogger(logger.WithField("component", "task-queue")),
		taskqueue.WithRecorder(m),
	)

	pipelines, err := pipeline.Init(wiring.PipelineConfig(), refund.Steps(orders, pspCaller, collab.Providers...), logger.WithField("component", "pipeline"))
	if err != nil {
		return nil, fmt.Errorf("init pipelines: %w", err)
	}
	for pspName, pipelineType := range wiring.PSPPipelines {
		if !pipelines.Has(pipelineType) {
			return nil, fmt.Errorf("psp %q: %w: %q", pspName, pipeline.ErrUnknownPipeline, pipelineType)
		}
	}

	notifications := notification.NewService(runtime.cache, collab.Notifier, logger.WithField("component", "notification"), m)

	// Шина строится после сервисов, а исполнение публикует вторичные события в неё.
	var publisher eventbus.Deferred
	fulfillmentSvc := fulfillment.NewService(fulfillment.Deps{
		Orders:        orders,
		Learners:      collab.Learners,
		Analytics:     collab.Analytics,
		Publisher:     &publisher,
		Notifications: notifications,
		Confirmations: queue,
		Locker:        locker,
		LMSCaller:     lmsCaller,
		ProductTypes:  productTypes,
		Logger:        logger.WithField("component", "fulfillment"),
	})
	refundSvc := refund.NewService(refund.Deps{
		Orders:       orders,
		Analytics:    collab.Analytics,
		Pipelines:    pipelines,
		Locker:       locker,
		PSPPipelines: wiring.PSPPipelines,
		ProductTypes: productTypes,
		Logger:       logger.WithField("component", "refund"),
		Recorder:     m,
	})
	sanctionSvc := sanction.NewService(orders, collab.Learners, lmsCaller, logger.WithField("component", "sanction"))

	var consumers []eventbus.Consumer
	consumers = append(consumers, fulfillmentSvc.Consumers(queue)...)
	consumers = append(consumers, refundSvc.Consumers(queue)...)
	consumers = append(consumers, sanctionSvc.Consumers(queue)...)

	bus, err := eventbus.Init(wiring.BusConfig(), consumers,
		eventbus.WithLogger(logger.WithField("component", "eventbus")),
		eventbus.WithRecorder(m),
	)
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	publisher.Bind(bus)

	return &Dependencies{
		Bus:           bus,
		Queue:         queue,
		Pipelines:     pipelines,
		Locker:        locker,
		Fulfillment:   fulfillmentSvc,
		Refunds:       refundSvc,
		Sanctions:     sanctionSvc,
		Notifications: notifications,
		Logger:        logger,
	}, nil
}

package sanction

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

const (
	// Имя потребителя order_sanctioned.
	ConsumerDeactivateLearner = "deactivate_learner"
	// Имя фоновой задачи деактивации.
	TaskDeactivateLearner = "lms_deactivate_learner"
)

var errMissingOrderID = errors.New("order_id is required")

// Submitter ставит задачу в фоновую очередь.
type Submitter interface {
	Submit(ctx context.Context, task taskqueue.Task) error
}

// Service деактивирует в LMS учётную запись покупателя заблокированного заказа.
type Service struct {
	orders   domain.OrderManagement
	learners domain.LearnerService
	caller   *retry.Caller
	logger   *log.Entry
}

// NewService создаёт сервис. nil caller заменяется конфигурацией по умолчанию.
func NewService(orders domain.OrderManagement, learners domain.LearnerService, caller *retry.Caller, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "sanction")
	}
	if caller == nil {
		caller = retry.New(retry.DefaultConfig(), logger)
	}
	return &Service{orders: orders, learners: learners, caller: caller, logger: logger}
}

// HandleOrderSanctioned деактивирует покупателя, если заказ в состоянии SanctionedOrder.
// Заказ без состояния пропускается; любое другое состояние: постоянная ошибка.
func (s *Service) HandleOrderSanctioned(ctx context.Context, ev domain.OrderSanctioned) error {
	logger := s.logger.WithFields(log.Fields{
		"order_id":   ev.OrderID,
		"message_id": ev.MessageID,
	})

	order, err := s.orders.GetOrderByID(ctx, ev.OrderID)
	if err != nil {
		logger.WithError(err).Error("failed to load order")
		return fmt.Errorf("load order %s: %w", ev.OrderID, err)
	}
	customer, err := s.orders.GetCustomerByID(ctx, order.CustomerID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", order.CustomerID).Error("failed to load customer")
		return fmt.Errorf("load customer %s: %w", order.CustomerID, err)
	}

	if order.WorkflowState == nil {
		logger.Info("order has no workflow state, skipping deactivation")
		return nil
	}
	if *order.WorkflowState != domain.StateSanctionedOrder {
		logger.WithFields(log.Fields{
			"expected_state": domain.StateSanctionedOrder,
			"actual_state":   *order.WorkflowState,
		}).Error("sanctioned order is in unexpected workflow state")
		return domain.Permanent(fmt.Errorf("%w: %s", domain.ErrSanctionStateMismatch, *order.WorkflowState))
	}

	err = s.caller.Write(ctx, "lms.deactivate_learner", customer.Username, func(ctx context.Context) error {
		return s.learners.DeactivateLearner(ctx, customer.Username)
	})
	if err != nil {
		logger.WithError(err).WithField("username", customer.Username).Error("failed to deactivate learner")
		return fmt.Errorf("deactivate learner %s: %w", customer.Username, err)
	}

	logger.WithField("username", customer.Username).Info("learner deactivated for sanctioned order")
	return nil
}

// Consumers возвращает потребителя order_sanctioned.
func (s *Service) Consumers(queue Submitter) []eventbus.Consumer {
	return []eventbus.Consumer{
		eventbus.NewConsumer(ConsumerDeactivateLearner, func(ctx context.Context, payload eventbus.Payload) error {
			var ev domain.OrderSanctioned
			if err := eventbus.Decode(payload, &ev); err != nil {
				return err
			}
			if ev.OrderID == "" {
				return errMissingOrderID
			}
			return queue.Submit(ctx, taskqueue.NewTask(TaskDeactivateLearner, ev.OrderID, ev, func(ctx context.Context) error {
				return s.HandleOrderSanctioned(ctx, ev)
			}))
		}),
	}
}

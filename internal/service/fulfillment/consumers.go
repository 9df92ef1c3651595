package fulfillment

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

// Имена потребителей, на которые ссылается конфигурация шины.
const (
	ConsumerFulfillOrder         = "fulfill_order"
	ConsumerLMSEnrollment        = "lms_enrollment"
	ConsumerLMSEntitlement       = "lms_entitlement"
	ConsumerFulfillmentAnalytics = "fulfillment_analytics"
)

// Имена фоновых задач.
const (
	TaskFulfillOrderPlaced    = "fulfill_order_placed"
	TaskEnroll                = "lms_enroll"
	TaskGrantEntitlement      = "lms_grant_entitlement"
	TaskSendOrderConfirmation = "send_order_confirmation"
)

var errMissingOrderID = errors.New("order_id is required")

// Submitter ставит задачу в фоновую очередь.
type Submitter interface {
	Submit(ctx context.Context, task taskqueue.Task) error
}

// Consumers возвращает потребителей шины, которые переводят события в фоновые задачи.
func (s *Service) Consumers(queue Submitter) []eventbus.Consumer {
	return []eventbus.Consumer{
		eventbus.NewConsumer(ConsumerFulfillOrder, func(ctx context.Context, payload eventbus.Payload) error {
			var ev domain.OrderPlaced
			if err := eventbus.Decode(payload, &ev); err != nil {
				return err
			}
			if ev.OrderID == "" {
				return errMissingOrderID
			}
			return queue.Submit(ctx, taskqueue.NewTask(TaskFulfillOrderPlaced, ev.OrderID, ev, func(ctx context.Context) error {
				return s.HandleOrderPlaced(ctx, ev)
			}))
		}),
		s.lmsConsumer(ConsumerLMSEnrollment, TaskEnroll, false, queue),
		s.lmsConsumer(ConsumerLMSEntitlement, TaskGrantEntitlement, true, queue),
		eventbus.NewConsumer(ConsumerFulfillmentAnalytics, func(ctx context.Context, payload eventbus.Payload) error {
			var req domain.FulfillmentRequest
			if err := eventbus.Decode(payload, &req); err != nil {
				return err
			}
			return s.EmitFulfillmentRequested(ctx, req)
		}),
	}
}

func (s *Service) lmsConsumer(name, taskName string, entitlement bool, queue Submitter) eventbus.Consumer {
	return eventbus.NewConsumer(name, func(ctx context.Context, payload eventbus.Payload) error {
		var req domain.FulfillmentRequest
		if err := eventbus.Decode(payload, &req); err != nil {
			return err
		}
		if req.OrderID == "" {
			return errMissingOrderID
		}
		return queue.Submit(ctx, taskqueue.NewTask(taskName, req.OrderID, req, func(ctx context.Context) error {
			return s.CompleteFulfillment(ctx, req, entitlement)
		}))
	})
}

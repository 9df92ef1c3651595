package refund

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

const (
	// Имя потребителя order_returned.
	ConsumerRefundOrder = "refund_order"
	// Имя фоновой задачи возврата.
	TaskRefundOrderReturned = "refund_order_returned"
)

var errIncompleteEvent = errors.New("order_id and return_line_item_id are required")

// Submitter ставит задачу в фоновую очередь.
type Submitter interface {
	Submit(ctx context.Context, task taskqueue.Task) error
}

// Consumers возвращает потребителей шины для событий возврата.
func (s *Service) Consumers(queue Submitter) []eventbus.Consumer {
	return []eventbus.Consumer{
		eventbus.NewConsumer(ConsumerRefundOrder, func(ctx context.Context, payload eventbus.Payload) error {
			var ev domain.OrderReturned
			if err := eventbus.Decode(payload, &ev); err != nil {
				return err
			}
			if ev.OrderID == "" || ev.LineItemID == "" {
				return errIncompleteEvent
			}
			return queue.Submit(ctx, taskqueue.NewTask(TaskRefundOrderReturned, ev.OrderID, ev, func(ctx context.Context) error {
				_, err := s.HandleOrderReturned(ctx, ev)
				return err
			}))
		}),
	}
}

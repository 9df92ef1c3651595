package oms

import (
	"context"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
)

// RetryingClient оборачивает клиент системы управления заказами повторами:
// чтения исчерпываются в retry.ErrRemoteCallFailed, мутации возвращают последнюю ошибку.
type RetryingClient struct {
	next   domain.OrderManagement
	caller *retry.Caller
}

// NewRetryingClient создаёт декоратор.
func NewRetryingClient(next domain.OrderManagement, caller *retry.Caller) *RetryingClient {
	return &RetryingClient{next: next, caller: caller}
}

func (c *RetryingClient) GetOrderByID(ctx context.Context, orderID string) (domain.Order, error) {
	return retry.ReadValue(ctx, c.caller, "oms.get_order", orderID, func(ctx context.Context) (domain.Order, error) {
		return c.next.GetOrderByID(ctx, orderID)
	})
}

func (c *RetryingClient) GetCustomerByID(ctx context.Context, customerID string) (domain.Customer, error) {
	return retry.ReadValue(ctx, c.caller, "oms.get_customer", customerID, func(ctx context.Context) (domain.Customer, error) {
		return c.next.GetCustomerByID(ctx, customerID)
	})
}

func (c *RetryingClient) GetPaymentByKey(ctx context.Context, key string) (domain.Payment, error) {
	return retry.ReadValue(ctx, c.caller, "oms.get_payment", key, func(ctx context.Context) (domain.Payment, error) {
		return c.next.GetPaymentByKey(ctx, key)
	})
}

func (c *RetryingClient) GetStateByKey(ctx context.Context, key string) (domain.State, error) {
	return retry.ReadValue(ctx, c.caller, "oms.get_state", key, func(ctx context.Context) (domain.State, error) {
		return c.next.GetStateByKey(ctx, key)
	})
}

func (c *RetryingClient) TransitionLineItems(ctx context.Context, orderID string, version int64, lineItemIDs []string, fromStateID, toStateKey string) (domain.Order, error) {
	return retry.WriteValue(ctx, c.caller, "oms.transition_line_items", orderID, func(ctx context.Context) (domain.Order, error) {
		return c.next.TransitionLineItems(ctx, orderID, version, lineItemIDs, fromStateID, toStateKey)
	})
}

func (c *RetryingClient) CreateReturn(ctx context.Context, orderID string, version int64, lineItemID string) (domain.Order, error) {
	return retry.WriteValue(ctx, c.caller, "oms.create_return", orderID, func(ctx context.Context) (domain.Order, error) {
		return c.next.CreateReturn(ctx, orderID, version, lineItemID)
	})
}

func (c *RetryingClient) SetReturnPaymentState(ctx context.Context, orderID string, version int64, returnItemID string, state domain.ReturnPaymentState) (domain.Order, error) {
	return retry.WriteValue(ctx, c.caller, "oms.set_return_payment_state", orderID, func(ctx context.Context) (domain.Order, error) {
		return c.next.SetReturnPaymentState(ctx, orderID, version, returnItemID, state)
	})
}

func (c *RetryingClient) RecordRefundTransaction(ctx context.Context, paymentID string, version int64, refund domain.RefundResult) (domain.Payment, error) {
	return retry.WriteValue(ctx, c.caller, "oms.record_refund", paymentID, func(ctx context.Context) (domain.Payment, error) {
		return c.next.RecordRefundTransaction(ctx, paymentID, version, refund)
	})
}

var _ domain.OrderManagement = (*RetryingClient)(nil)

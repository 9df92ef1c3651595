package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/pipeline"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
)

// Ключи контекста refund-пайплайна.
const (
	KeyOrderID      = "order_id"
	KeyReturnItemID = "return_item_id"
	KeyLineItemID   = "line_item_id"
	KeyPaymentKey   = "payment_key"
	KeyPaymentID    = "payment_id"
	KeyChargeID     = "charge_id"
	KeyAmountMinor  = "amount_minor"
	KeyCurrency     = "currency"
	KeyPSP          = "psp"
	KeyMessageID    = "message_id"

	KeyRefundStatus = "refund_status"
	KeyRefund       = "refund"
	KeyRefundID     = "refund_id"
)

// Значения KeyRefundStatus.
const (
	StatusRefunded        = "refunded"
	StatusAlreadyRefunded = "already_refunded"
)

// StepAlreadyRefunded — имя шага проверки существующего возврата.
const StepAlreadyRefunded = "already_refunded_check"

// PSPStepName возвращает имя шага возврата для PSP.
func PSPStepName(psp string) string {
	return psp + "_refund"
}

// PipelineType возвращает тип refund-пайплайна для PSP.
func PipelineType(psp string) string {
	return "refund." + psp
}

// DefaultPipelines — конфигурация по умолчанию: проверка существующего возврата, затем вызов PSP.
func DefaultPipelines(psps ...string) pipeline.Config {
	cfg := pipeline.Config{Pipelines: make(map[string][]string, len(psps))}
	for _, psp := range psps {
		cfg.Pipelines[PipelineType(psp)] = []string{StepAlreadyRefunded, PSPStepName(psp)}
	}
	return cfg
}

// Steps возвращает все шаги refund-пайплайнов для регистрации в pipeline.Init.
func Steps(orders domain.OrderManagement, caller *retry.Caller, providers ...domain.PaymentProvider) []pipeline.Step {
	steps := []pipeline.Step{NewAlreadyRefundedStep(orders)}
	for _, provider := range providers {
		steps = append(steps, NewPSPRefundStep(provider, caller))
	}
	return steps
}

// AlreadyRefundedStep останавливает пайплайн, если по платежу уже есть возврат.
// Платёж перечитывается, чтобы увидеть возврат, записанный параллельной задачей.
type AlreadyRefundedStep struct {
	orders domain.OrderManagement
}

// NewAlreadyRefundedStep создаёт шаг.
func NewAlreadyRefundedStep(orders domain.OrderManagement) *AlreadyRefundedStep {
	return &AlreadyRefundedStep{orders: orders}
}

func (s *AlreadyRefundedStep) Name() string {
	return StepAlreadyRefunded
}

func (s *AlreadyRefundedStep) Run(ctx context.Context, pc pipeline.Context) (pipeline.Context, pipeline.Command, error) {
	payment, err := s.orders.GetPaymentByKey(ctx, pc.String(KeyPaymentKey))
	if err != nil {
		return nil, pipeline.Continue, fmt.Errorf("load payment %s: %w", pc.String(KeyPaymentKey), err)
	}
	if existing, ok := payment.ExistingRefund(); ok {
		return pipeline.Context{
			KeyRefundStatus: StatusAlreadyRefunded,
			KeyRefundID:     existing.InteractionID,
		}, pipeline.Halt, nil
	}
	return nil, pipeline.Continue, nil
}

// PSPRefundStep вызывает refund API конкретного PSP.
type PSPRefundStep struct {
	provider domain.PaymentProvider
	caller   *retry.Caller
}

// NewPSPRefundStep создаёт шаг для провайдера.
func NewPSPRefundStep(provider domain.PaymentProvider, caller *retry.Caller) *PSPRefundStep {
	return &PSPRefundStep{provider: provider, caller: caller}
}

func (s *PSPRefundStep) Name() string {
	return PSPStepName(s.provider.Name())
}

func (s *PSPRefundStep) Run(ctx context.Context, pc pipeline.Context) (pipeline.Context, pipeline.Command, error) {
	chargeID := pc.String(KeyChargeID)
	refund, err := retry.WriteValue(ctx, s.caller, "psp."+s.provider.Name()+".refund", chargeID, func(ctx context.Context) (domain.RefundResult, error) {
		return s.provider.RefundCharge(ctx, chargeID, pc.Int64(KeyAmountMinor), pc.String(KeyCurrency))
	})
	if errors.Is(err, domain.ErrChargeAlreadyRefunded) {
		return pipeline.Context{KeyRefundStatus: StatusAlreadyRefunded}, pipeline.Halt, nil
	}
	if err != nil {
		return nil, pipeline.Continue, fmt.Errorf("refund charge %s: %w", chargeID, err)
	}
	return pipeline.Context{
		KeyRefundStatus: StatusRefunded,
		KeyRefund:       refund,
		KeyRefundID:     refund.ID,
	}, pipeline.Continue, nil
}

package refund

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/lock"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/pipeline"
)

// Outcome — итог обработки возврата.
type Outcome string

const (
	OutcomeRefunded        Outcome = "refunded"
	OutcomeAlreadyRefunded Outcome = "already_refunded"
	// Заказ не содержит позиций, которые обслуживает координатор.
	OutcomeNotApplicable Outcome = "not_applicable"
	// У заказа нет успешного списания через известный PSP.
	OutcomeNoPSP Outcome = "no_psp"
)

// Runner выполняет пайплайн по типу.
type Runner interface {
	Run(ctx context.Context, pipelineType string, input pipeline.Context) (pipeline.Result, error)
}

// Locker выполняет функцию под распределённой блокировкой.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Recorder принимает метрики возвратов.
type Recorder interface {
	ObserveRefund(outcome string, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRefund(string, error) {}

// Deps — зависимости оркестратора возвратов.
type Deps struct {
	Orders    domain.OrderManagement
	Analytics domain.AnalyticsSink
	Pipelines Runner
	Locker    Locker
	// PSPPipelines сопоставляет идентификатор PSP с типом refund-пайплайна.
	PSPPipelines map[string]string
	ProductTypes domain.ProductTypes
	Logger       *log.Entry
	Recorder     Recorder
}

// Service — оркестратор возвратов. Все шаги по заказу выполняются под
// блокировкой refund-lock:{order_id}.
type Service struct {
	orders       domain.OrderManagement
	analytics    domain.AnalyticsSink
	pipelines    Runner
	locker       Locker
	pspPipelines map[string]string
	productTypes domain.ProductTypes
	logger       *log.Entry
	recorder     Recorder
}

// NewService создаёт оркестратор возвратов.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "refund")
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		orders:       deps.Orders,
		analytics:    deps.Analytics,
		pipelines:    deps.Pipelines,
		locker:       deps.Locker,
		pspPipelines: deps.PSPPipelines,
		productTypes: deps.ProductTypes,
		logger:       logger,
		recorder:     recorder,
	}
}

// HandleOrderReturned возвращает деньги за возвращённую позицию не более одного раза.
func (s *Service) HandleOrderReturned(ctx context.Context, ev domain.OrderReturned) (Outcome, error) {
	logger := s.logger.WithFields(log.Fields{
		"order_id":     ev.OrderID,
		"line_item_id": ev.LineItemID,
		"message_id":   ev.MessageID,
	})

	var outcome Outcome
	err := s.locker.WithLock(ctx, lock.RefundKey(ev.OrderID), func(ctx context.Context) error {
		var err error
		outcome, err = s.refund(ctx, ev, logger)
		return err
	})
	s.recorder.ObserveRefund(string(outcome), err)
	return outcome, err
}

func (s *Service) refund(ctx context.Context, ev domain.OrderReturned, logger *log.Entry) (Outcome, error) {
	order, err := s.orders.GetOrderByID(ctx, ev.OrderID)
	if err != nil {
		logger.WithError(err).Error("failed to load order")
		return "", fmt.Errorf("load order %s: %w", ev.OrderID, err)
	}
	customer, err := s.orders.GetCustomerByID(ctx, order.CustomerID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", order.CustomerID).Error("failed to load customer")
		return "", fmt.Errorf("load customer %s: %w", order.CustomerID, err)
	}

	if len(order.RecognizedItems(s.productTypes)) == 0 {
		logger.Info("order has no recognized line items, skipping refund")
		return OutcomeNotApplicable, nil
	}
	if _, ok := order.LineItem(ev.LineItemID); !ok {
		logger.Error("returned line item not found in order")
		return "", domain.Permanent(fmt.Errorf("%w: %s", domain.ErrLineItemNotFound, ev.LineItemID))
	}

	order, returnItem, err := s.resolveReturnItem(ctx, order, ev, logger)
	if err != nil {
		return "", err
	}

	payment, charge, pipelineType, ok := s.chargedPayment(order)
	if !ok {
		logger.Info("no successful charge by a known payment provider, skipping refund")
		return OutcomeNoPSP, nil
	}

	currency := charge.Currency
	if currency == "" {
		currency = payment.Currency
	}
	input := pipeline.Context{
		KeyOrderID:      order.ID,
		KeyReturnItemID: returnItem.ID,
		KeyLineItemID:   ev.LineItemID,
		KeyPaymentKey:   payment.Key,
		KeyPaymentID:    payment.ID,
		KeyChargeID:     charge.InteractionID,
		KeyAmountMinor:  charge.AmountMinor,
		KeyCurrency:     currency,
		KeyPSP:          payment.PaymentInterface,
		KeyMessageID:    ev.MessageID,
	}

	logger = logger.WithFields(log.Fields{
		"psp":            payment.PaymentInterface,
		"return_item_id": returnItem.ID,
	})

	res, err := s.pipelines.Run(ctx, pipelineType, input)
	if err != nil {
		logger.WithError(err).WithField("pipeline", pipelineType).Error("refund pipeline failed")
		return "", fmt.Errorf("refund order %s: %w", order.ID, err)
	}

	switch res.Context.String(KeyRefundStatus) {
	case StatusAlreadyRefunded:
		logger.WithField("halted_by", res.HaltedBy).Info("order already refunded, skipping analytics")
		if err := s.markReturnRefunded(ctx, order.ID, returnItem.ID, logger); err != nil {
			return "", err
		}
		return OutcomeAlreadyRefunded, nil

	case StatusRefunded:
		refund, ok := res.Context[KeyRefund].(domain.RefundResult)
		if !ok {
			return "", domain.Permanent(fmt.Errorf("refund pipeline %s returned no refund result", pipelineType))
		}
		if err := s.recordRefund(ctx, payment.Key, refund, logger); err != nil {
			return "", err
		}
		if err := s.markReturnRefunded(ctx, order.ID, returnItem.ID, logger); err != nil {
			return "", err
		}
		s.emitRefunded(ctx, order, customer, payment.PaymentInterface, refund, logger)
		logger.WithField("refund_id", refund.ID).Info("order refunded")
		return OutcomeRefunded, nil

	default:
		logger.WithField("pipeline", pipelineType).Error("refund pipeline finished without refund status")
		return "", domain.Permanent(fmt.Errorf("refund pipeline %s finished without refund status", pipelineType))
	}
}

// resolveReturnItem находит позицию возврата из события или заводит её, если событие пришло без неё.
func (s *Service) resolveReturnItem(ctx context.Context, order domain.Order, ev domain.OrderReturned, logger *log.Entry) (domain.Order, domain.ReturnItem, error) {
	if ev.ReturnItemID != "" {
		ri, ok := order.ReturnItem(ev.ReturnItemID)
		if !ok {
			logger.WithField("return_item_id", ev.ReturnItemID).Error("return item not found in order")
			return order, domain.ReturnItem{}, domain.Permanent(fmt.Errorf("%w: %s", domain.ErrReturnItemNotFound, ev.ReturnItemID))
		}
		return order, ri, nil
	}

	if ri, ok := order.ReturnItemForLineItem(ev.LineItemID); ok {
		return order, ri, nil
	}

	updated, err := s.orders.CreateReturn(ctx, order.ID, order.Version, ev.LineItemID)
	if err != nil {
		logger.WithError(err).Error("failed to create return item")
		return order, domain.ReturnItem{}, fmt.Errorf("create return for %s: %w", ev.LineItemID, err)
	}
	ri, ok := updated.ReturnItemForLineItem(ev.LineItemID)
	if !ok {
		return order, domain.ReturnItem{}, domain.Permanent(fmt.Errorf("%w: created return for %s is missing", domain.ErrReturnItemNotFound, ev.LineItemID))
	}
	return updated, ri, nil
}

func (s *Service) chargedPayment(order domain.Order) (domain.Payment, domain.Transaction, string, bool) {
	for _, payment := range order.Payments {
		pipelineType, known := s.pspPipelines[payment.PaymentInterface]
		if !known {
			continue
		}
		if charge, ok := payment.SuccessfulCharge(); ok {
			return payment, charge, pipelineType, true
		}
	}
	return domain.Payment{}, domain.Transaction{}, "", false
}

// recordRefund перечитывает платёж и записывает транзакцию возврата с актуальной версией.
func (s *Service) recordRefund(ctx context.Context, paymentKey string, refund domain.RefundResult, logger *log.Entry) error {
	payment, err := s.orders.GetPaymentByKey(ctx, paymentKey)
	if err != nil {
		logger.WithError(err).Error("failed to reload payment")
		return fmt.Errorf("load payment %s: %w", paymentKey, err)
	}
	if _, err := s.orders.RecordRefundTransaction(ctx, payment.ID, payment.Version, refund); err != nil {
		logger.WithError(err).WithField("refund_id", refund.ID).Error("failed to record refund transaction")
		return fmt.Errorf("record refund %s: %w", refund.ID, err)
	}
	return nil
}

func (s *Service) markReturnRefunded(ctx context.Context, orderID, returnItemID string, logger *log.Entry) error {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		logger.WithError(err).Error("failed to reload order")
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	ri, ok := order.ReturnItem(returnItemID)
	if !ok || ri.PaymentState == domain.ReturnPaymentRefunded {
		return nil
	}
	if _, err := s.orders.SetReturnPaymentState(ctx, order.ID, order.Version, returnItemID, domain.ReturnPaymentRefunded); err != nil {
		logger.WithError(err).Error("failed to mark return item refunded")
		return fmt.Errorf("mark return %s refunded: %w", returnItemID, err)
	}
	return nil
}

func (s *Service) emitRefunded(ctx context.Context, order domain.Order, customer domain.Customer, psp string, refund domain.RefundResult, logger *log.Entry) {
	products := make([]map[string]any, 0, len(order.LineItems))
	for _, item := range order.RecognizedItems(s.productTypes) {
		if item.ProductKey == "" {
			continue
		}
		products = append(products, map[string]any{
			"product_id": item.ProductKey,
			"name":       item.Name,
			"category":   item.ProductType,
			"price":      item.PriceMinor,
			"quantity":   item.Quantity,
		})
	}
	if len(products) == 0 {
		logger.Warn("no products resolved for refunded order, analytics event is not emitted")
		return
	}

	userID := customer.LMSUserID
	if userID == "" {
		userID = customer.ID
	}
	props := map[string]any{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.TotalMinor,
		"currency":     order.Currency,
		"discount":     TotalDiscount(order, s.productTypes),
		"products":     products,
		"psp":          psp,
		"refund_id":    refund.ID,
	}
	if err := s.analytics.EmitAnalyticsEvent(ctx, userID, domain.AnalyticsOrderRefunded, props); err != nil {
		logger.WithError(err).Warn("failed to emit refund analytics event")
	}
}

// TotalDiscount складывает скидку на заказ и скидки распознанных позиций; отсутствующая скидка считается нулём.
func TotalDiscount(order domain.Order, types domain.ProductTypes) int64 {
	var total int64
	if order.DiscountOnTotalMinor != nil {
		total += *order.DiscountOnTotalMinor
	}
	for _, item := range order.RecognizedItems(types) {
		if item.DiscountMinor != nil {
			total += *item.DiscountMinor
		}
	}
	return total
}

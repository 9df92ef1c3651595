package fulfillment

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/lock"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

// Publisher публикует вторичные события в шину.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event, payload eventbus.Payload) []eventbus.Outcome
}

// Confirmer отправляет письмо-подтверждение с дедупликацией.
type Confirmer interface {
	SendOrderConfirmation(ctx context.Context, order domain.Order, customer domain.Customer) (bool, error)
}

// Locker выполняет функцию под распределённой блокировкой.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Deps — зависимости сервиса исполнения.
type Deps struct {
	Orders        domain.OrderManagement
	Learners      domain.LearnerService
	Analytics     domain.AnalyticsSink
	Publisher     Publisher
	Notifications Confirmer
	// Confirmations — очередь, в которой письмо-подтверждение повторяется отдельно
	// от перевода позиций. Без неё письмо отправляется сразу, без повторов.
	Confirmations Submitter
	// Locker необязателен; без него задачи одного заказа не сериализуются.
	Locker       Locker
	LMSCaller    *retry.Caller
	ProductTypes domain.ProductTypes
	Logger       *log.Entry
}

// Service ведёт позиции заказа по графу исполнения.
type Service struct {
	orders        domain.OrderManagement
	learners      domain.LearnerService
	analytics     domain.AnalyticsSink
	publisher     Publisher
	notifications Confirmer
	confirmations Submitter
	locker        Locker
	lmsCaller     *retry.Caller
	productTypes  domain.ProductTypes
	logger        *log.Entry
}

// NewService создаёт сервис исполнения.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "fulfillment")
	}
	caller := deps.LMSCaller
	if caller == nil {
		caller = retry.New(retry.DefaultConfig(), logger)
	}
	return &Service{
		orders:        deps.Orders,
		learners:      deps.Learners,
		analytics:     deps.Analytics,
		publisher:     deps.Publisher,
		notifications: deps.Notifications,
		confirmations: deps.Confirmations,
		locker:        deps.Locker,
		lmsCaller:     caller,
		productTypes:  deps.ProductTypes,
		logger:        logger,
	}
}

// HandleOrderPlaced переводит распознанные позиции заказа в ProcessingFulfillment,
// публикует по каждой позиции запрос на запись или entitlement и ставит в очередь
// письмо-подтверждение. Блокировка заказа держится только на время перевода.
func (s *Service) HandleOrderPlaced(ctx context.Context, ev domain.OrderPlaced) error {
	logger := s.logger.WithFields(log.Fields{
		"order_id":   ev.OrderID,
		"message_id": ev.MessageID,
	})

	var placed *placement
	transition := func(ctx context.Context) error {
		var err error
		placed, err = s.startProcessing(ctx, ev, logger)
		return err
	}
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, lock.FulfillmentKey(ev.OrderID), transition)
	} else {
		err = transition(ctx)
	}
	if err != nil || placed == nil {
		return err
	}

	for _, item := range placed.items {
		if err := s.dispatch(ctx, placed.order, placed.customer, item, placed.stateID, ev.MessageID, logger); err != nil {
			return err
		}
	}
	s.confirm(ctx, placed.order, placed.customer, ev.MessageID, logger)

	logger.WithField("line_items", len(placed.items)).Info("order fulfillment dispatched")
	return nil
}

// placement — результат перевода позиций заказа в ProcessingFulfillment.
type placement struct {
	order    domain.Order
	customer domain.Customer
	items    []domain.LineItem
	stateID  string
}

// startProcessing возвращает nil без ошибки, если в заказе нет распознанных позиций.
func (s *Service) startProcessing(ctx context.Context, ev domain.OrderPlaced, logger *log.Entry) (*placement, error) {
	order, err := s.orders.GetOrderByID(ctx, ev.OrderID)
	if err != nil {
		logger.WithError(err).Error("failed to load order")
		return nil, fmt.Errorf("load order %s: %w", ev.OrderID, err)
	}
	customer, err := s.orders.GetCustomerByID(ctx, order.CustomerID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", order.CustomerID).Error("failed to load customer")
		return nil, fmt.Errorf("load customer %s: %w", order.CustomerID, err)
	}

	items := order.RecognizedItems(s.productTypes)
	if len(items) == 0 {
		logger.Info("order has no recognized line items, skipping")
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	updated, err := s.orders.TransitionLineItems(ctx, order.ID, order.Version, ids, ev.LineItemStateID, domain.StateProcessingFulfillment)
	if err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"order_version": order.Version,
			"from_state_id": ev.LineItemStateID,
		}).Error("failed to transition line items to processing")
		err = fmt.Errorf("transition order %s: %w", order.ID, err)
		if errors.Is(err, domain.ErrLineItemStateMismatch) || errors.Is(err, domain.ErrInvalidTransition) {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}

	processing, err := s.orders.GetStateByKey(ctx, domain.StateProcessingFulfillment)
	if err != nil {
		logger.WithError(err).Error("failed to load processing state")
		return nil, fmt.Errorf("load state %s: %w", domain.StateProcessingFulfillment, err)
	}

	for i, item := range items {
		if fresh, ok := updated.LineItem(item.ID); ok {
			items[i] = fresh
		}
	}
	return &placement{order: updated, customer: customer, items: items, stateID: processing.ID}, nil
}

// confirm ставит письмо-подтверждение отдельной задачей; если очередь её не
// приняла, письмо отправляется сразу.
func (s *Service) confirm(ctx context.Context, order domain.Order, customer domain.Customer, messageID string, logger *log.Entry) {
	send := func(ctx context.Context) error {
		if _, err := s.notifications.SendOrderConfirmation(ctx, order, customer); err != nil {
			logger.WithError(err).Error("failed to send order confirmation")
			return fmt.Errorf("send confirmation for order %s: %w", order.ID, err)
		}
		return nil
	}

	if s.confirmations != nil {
		payload := map[string]string{"order_id": order.ID, "message_id": messageID}
		err := s.confirmations.Submit(ctx, taskqueue.NewTask(TaskSendOrderConfirmation, order.ID, payload, send))
		if err == nil {
			return
		}
		logger.WithError(err).Warn("failed to queue order confirmation, sending inline")
	}
	_ = send(ctx)
}

func (s *Service) dispatch(ctx context.Context, order domain.Order, customer domain.Customer, item domain.LineItem, stateID, messageID string, logger *log.Entry) error {
	req := domain.FulfillmentRequest{
		CourseID:        item.ProductKey,
		CourseMode:      item.CourseMode(),
		LMSUserID:       customer.LMSUserID,
		Username:        customer.Username,
		OrderNumber:     order.OrderNumber,
		OrderID:         order.ID,
		OrderVersion:    order.Version,
		LineItemID:      item.ID,
		ItemQuantity:    item.Quantity,
		LineItemStateID: stateID,
		MessageID:       messageID,
		UserFirstName:   customer.FirstName,
		UserEmail:       customer.Email,
		CourseTitle:     item.Name,
		BundleID:        item.BundleID(),
	}

	event := eventbus.EnrollmentRequested
	if item.IsEntitlement() {
		event = eventbus.EntitlementRequested
	}

	payload, err := eventbus.Encode(req)
	if err != nil {
		return domain.Permanent(err)
	}

	if err := eventbus.Failed(s.publisher.Publish(ctx, event, payload)); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"line_item_id": item.ID,
			"event":        event,
		}).Warn("some fulfillment consumers failed")
	}
	return nil
}

// CompleteFulfillment вызывает LMS по одной позиции и переводит её в
// SuccessFulfillment или FailedFulfillment. Вызов LMS идёт вне блокировки заказа,
// под блокировкой только перечитывается версия и выполняется переход. Позиция,
// уже покинувшая состояние из запроса, пропускается.
func (s *Service) CompleteFulfillment(ctx context.Context, req domain.FulfillmentRequest, entitlement bool) error {
	logger := s.logger.WithFields(log.Fields{
		"order_id":     req.OrderID,
		"line_item_id": req.LineItemID,
		"message_id":   req.MessageID,
	})

	endpoint, call := "lms.enroll", s.learners.Enroll
	if entitlement {
		endpoint, call = "lms.grant_entitlement", s.learners.GrantEntitlement
	}
	lmsErr := s.lmsCaller.Write(ctx, endpoint, req.OrderID+"/"+req.LineItemID, func(ctx context.Context) error {
		return call(ctx, req)
	})

	target := domain.StateSuccessFulfillment
	if lmsErr != nil {
		target = domain.StateFailedFulfillment
	}

	record := func(ctx context.Context) error {
		return s.recordOutcome(ctx, req, target, logger)
	}
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, lock.FulfillmentKey(req.OrderID), record)
	} else {
		err = record(ctx)
	}
	if err != nil {
		return err
	}

	if lmsErr != nil {
		logger.WithError(lmsErr).Error("lms fulfillment failed, line item marked failed")
		return nil
	}
	logger.WithField("to_state", target).Info("line item fulfilled")
	return nil
}

func (s *Service) recordOutcome(ctx context.Context, req domain.FulfillmentRequest, target string, logger *log.Entry) error {
	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		logger.WithError(err).Error("failed to reload order")
		return fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	item, ok := order.LineItem(req.LineItemID)
	if !ok {
		logger.Error("line item disappeared from order")
		return domain.Permanent(fmt.Errorf("%w: %s", domain.ErrLineItemNotFound, req.LineItemID))
	}
	if item.StateID != req.LineItemStateID {
		logger.Info("line item already left processing state, skipping")
		return nil
	}

	if _, err := s.orders.TransitionLineItems(ctx, order.ID, order.Version, []string{item.ID}, req.LineItemStateID, target); err != nil {
		logger.WithError(err).WithField("to_state", target).Error("failed to record fulfillment outcome")
		return fmt.Errorf("transition line item %s: %w", item.ID, err)
	}
	return nil
}

// EmitFulfillmentRequested отправляет аналитическое событие о запросе исполнения.
func (s *Service) EmitFulfillmentRequested(ctx context.Context, req domain.FulfillmentRequest) error {
	props := map[string]any{
		"order_id":     req.OrderID,
		"order_number": req.OrderNumber,
		"line_item_id": req.LineItemID,
		"course_id":    req.CourseID,
		"mode":         req.CourseMode,
	}
	if req.BundleID != "" {
		props["bundle_id"] = req.BundleID
	}
	return s.analytics.EmitAnalyticsEvent(ctx, req.LMSUserID, domain.AnalyticsFulfillmentRequested, props)
}

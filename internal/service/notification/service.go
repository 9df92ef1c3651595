package notification

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// DedupTTL — время жизни маркера отправленного письма (чуть меньше суток).
const DedupTTL = 86300 * time.Second

// ConfirmationKey возвращает ключ дедупликации письма о заказе.
func ConfirmationKey(orderID string) string {
	return "send_order_confirmation_email:" + orderID
}

// Recorder принимает метрики уведомлений.
type Recorder interface {
	NotificationSent()
	NotificationSkipped()
	NotificationFailed()
}

type noopRecorder struct{}

func (noopRecorder) NotificationSent()    {}
func (noopRecorder) NotificationSkipped() {}
func (noopRecorder) NotificationFailed()  {}

// Service отправляет письмо-подтверждение не чаще одного раза на заказ в пределах DedupTTL.
type Service struct {
	cache    domain.Cache
	notifier domain.Notifier
	logger   *log.Entry
	recorder Recorder
}

// NewService создаёт сервис уведомлений.
func NewService(cache domain.Cache, notifier domain.Notifier, logger *log.Entry, recorder Recorder) *Service {
	if logger == nil {
		logger = log.WithField("component", "notification")
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{cache: cache, notifier: notifier, logger: logger, recorder: recorder}
}

// SendOrderConfirmation резервирует маркер в кэше и отправляет письмо. false без
// ошибки означает, что письмо по заказу уже отправлялось. Если отправка не
// удалась, маркер снимается, чтобы следующая попытка могла отправить письмо.
func (s *Service) SendOrderConfirmation(ctx context.Context, order domain.Order, customer domain.Customer) (bool, error) {
	key := ConfirmationKey(order.ID)
	reserved, err := s.cache.Add(ctx, key, order.OrderNumber, DedupTTL)
	if err != nil {
		s.recorder.NotificationFailed()
		return false, fmt.Errorf("reserve notification marker: %w", err)
	}
	if !reserved {
		s.recorder.NotificationSkipped()
		s.logger.WithField("order_id", order.ID).Info("order confirmation already sent, skipping")
		return false, nil
	}

	if err := s.notifier.SendNotification(ctx, customer.ID, customer.Email, confirmationProps(order, customer)); err != nil {
		s.recorder.NotificationFailed()
		if delErr := s.cache.Delete(ctx, key); delErr != nil {
			s.logger.WithError(delErr).WithField("order_id", order.ID).Warn("failed to drop notification marker")
		}
		return false, fmt.Errorf("send order confirmation: %w", err)
	}

	s.recorder.NotificationSent()
	return true, nil
}

func confirmationProps(order domain.Order, customer domain.Customer) map[string]any {
	titles := make([]string, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		titles = append(titles, item.Name)
	}
	return map[string]any{
		"template":     "order_confirmation",
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"first_name":   customer.FirstName,
		"total":        order.TotalMinor,
		"currency":     order.Currency,
		"products":     titles,
	}
}

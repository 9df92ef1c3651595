package domain

import (
	"context"
	"time"
)

// OrderManagement описывает клиент внешней системы управления заказами.
// Каждая мутация принимает последнюю прочитанную версию; устаревшая версия
// возвращает ErrVersionConflict без частичного применения.
type OrderManagement interface {
	GetOrderByID(ctx context.Context, orderID string) (Order, error)
	GetCustomerByID(ctx context.Context, customerID string) (Customer, error)
	GetPaymentByKey(ctx context.Context, key string) (Payment, error)
	GetStateByKey(ctx context.Context, key string) (State, error)
	// TransitionLineItems переводит все позиции из fromStateID в toStateKey атомарно.
	TransitionLineItems(ctx context.Context, orderID string, version int64, lineItemIDs []string, fromStateID, toStateKey string) (Order, error)
	CreateReturn(ctx context.Context, orderID string, version int64, lineItemID string) (Order, error)
	SetReturnPaymentState(ctx context.Context, orderID string, version int64, returnItemID string, state ReturnPaymentState) (Order, error)
	RecordRefundTransaction(ctx context.Context, paymentID string, version int64, refund RefundResult) (Payment, error)
}

// PaymentProvider описывает refund API конкретного PSP.
type PaymentProvider interface {
	// Name возвращает идентификатор PSP, совпадающий с Payment.PaymentInterface.
	Name() string
	// RefundCharge возвращает деньги по списанию; ErrChargeAlreadyRefunded, если возврат уже был.
	RefundCharge(ctx context.Context, chargeID string, amountMinor int64, currency string) (RefundResult, error)
}

// LearnerService описывает LMS.
type LearnerService interface {
	Enroll(ctx context.Context, req FulfillmentRequest) error
	GrantEntitlement(ctx context.Context, req FulfillmentRequest) error
	DeactivateLearner(ctx context.Context, username string) error
}

// Notifier отправляет пользовательские уведомления (письма).
type Notifier interface {
	SendNotification(ctx context.Context, userID, email string, props map[string]any) error
}

// AnalyticsSink принимает аналитические события (fire-and-forget).
type AnalyticsSink interface {
	EmitAnalyticsEvent(ctx context.Context, userID, eventName string, props map[string]any) error
}

// DeadLetterRepository хранит задачи, исчерпавшие бюджет повторов.
type DeadLetterRepository interface {
	Save(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// DeadLetter — запись о задаче, которую не удалось выполнить.
type DeadLetter struct {
	ID        string
	TaskName  string
	TaskKey   string
	Payload   []byte
	LastError string
	Attempts  int
	FailedAt  time.Time
}

// Названия аналитических событий.
const (
	AnalyticsOrderRefunded        = "Order Refunded"
	AnalyticsFulfillmentRequested = "Fulfillment Requested"
)

// Cache — общий внешний кэш, доступный всем воркерам: маркеры блокировок и дедупликации.
type Cache interface {
	// Add атомарно создаёт запись, если её нет; true означает, что запись создал этот вызов.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get возвращает значение или ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)
	// Delete удаляет запись безусловно.
	Delete(ctx context.Context, key string) error
}

// ExpiredEntryDeleter удаляет истёкшие записи кэша порциями.
type ExpiredEntryDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

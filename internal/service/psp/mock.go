package psp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// MockProvider — конфигурируемая заглушка PSP для локального запуска и тестов.
// Запоминает возвращённые списания и, как настоящий PSP, отвечает
// ErrChargeAlreadyRefunded на повторный возврат.
type MockProvider struct {
	name         string
	refundPrefix string

	mu       sync.Mutex
	refunded map[string]domain.RefundResult
	errs     []error
	calls    int
}

// NewStripe возвращает mock Stripe.
func NewStripe() *MockProvider {
	return newMockProvider(domain.PSPStripe, "re_")
}

// NewPayPal возвращает mock PayPal.
func NewPayPal() *MockProvider {
	return newMockProvider(domain.PSPPayPal, "PAYPAL-")
}

func newMockProvider(name, refundPrefix string) *MockProvider {
	return &MockProvider{
		name:         name,
		refundPrefix: refundPrefix,
		refunded:     make(map[string]domain.RefundResult),
	}
}

func (m *MockProvider) Name() string {
	return m.name
}

// FailNext заставляет следующие вызовы RefundCharge вернуть errs по порядку.
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// MarkRefunded помечает списание как уже возвращённое на стороне PSP.
func (m *MockProvider) MarkRefunded(chargeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded[chargeID] = domain.RefundResult{ID: m.refundPrefix + "external", ChargeID: chargeID, State: domain.TransactionSuccess}
}

// Calls возвращает число вызовов RefundCharge.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Refunds возвращает число успешно выпущенных возвратов.
func (m *MockProvider) Refunds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refunded)
}

// RefundCharge возвращает настроенную ошибку или выпускает возврат на всю сумму.
func (m *MockProvider) RefundCharge(_ context.Context, chargeID string, amountMinor int64, currency string) (domain.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return domain.RefundResult{}, err
	}
	if _, ok := m.refunded[chargeID]; ok {
		return domain.RefundResult{}, domain.ErrChargeAlreadyRefunded
	}

	result := domain.RefundResult{
		ID:          m.refundPrefix + uuid.NewString(),
		ChargeID:    chargeID,
		AmountMinor: amountMinor,
		Currency:    currency,
		State:       domain.TransactionSuccess,
		CreatedAt:   time.Now().UTC(),
	}
	m.refunded[chargeID] = result
	return result, nil
}

var _ domain.PaymentProvider = (*MockProvider)(nil)

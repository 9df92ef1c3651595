package lms

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// MockService — конфигурируемая заглушка LMS для локального запуска и тестов.
type MockService struct {
	mu sync.Mutex

	enrollErrs      []error
	entitlementErrs []error
	deactivateErrs  []error

	enrollments  []domain.FulfillmentRequest
	entitlements []domain.FulfillmentRequest
	deactivated  []string
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{}
}

// FailEnroll заставляет следующие вызовы Enroll вернуть errs по порядку.
func (m *MockService) FailEnroll(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollErrs = append(m.enrollErrs, errs...)
}

// FailEntitlement заставляет следующие вызовы GrantEntitlement вернуть errs по порядку.
func (m *MockService) FailEntitlement(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entitlementErrs = append(m.entitlementErrs, errs...)
}

// FailDeactivate заставляет следующие вызовы DeactivateLearner вернуть errs по порядку.
func (m *MockService) FailDeactivate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateErrs = append(m.deactivateErrs, errs...)
}

func (m *MockService) Enroll(_ context.Context, req domain.FulfillmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := pop(&m.enrollErrs); err != nil {
		return err
	}
	m.enrollments = append(m.enrollments, req)
	return nil
}

func (m *MockService) GrantEntitlement(_ context.Context, req domain.FulfillmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := pop(&m.entitlementErrs); err != nil {
		return err
	}
	m.entitlements = append(m.entitlements, req)
	return nil
}

func (m *MockService) DeactivateLearner(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := pop(&m.deactivateErrs); err != nil {
		return err
	}
	m.deactivated = append(m.deactivated, username)
	return nil
}

// Enrollments возвращает принятые записи на курсы.
func (m *MockService) Enrollments() []domain.FulfillmentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FulfillmentRequest(nil), m.enrollments...)
}

// Entitlements возвращает выданные entitlements.
func (m *MockService) Entitlements() []domain.FulfillmentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FulfillmentRequest(nil), m.entitlements...)
}

// Deactivated возвращает заблокированных пользователей.
func (m *MockService) Deactivated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deactivated...)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

var _ domain.LearnerService = (*MockService)(nil)

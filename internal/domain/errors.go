package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в системе управления заказами.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCustomerNotFound возвращается, если покупатель не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrPaymentNotFound возвращается, если платёж не найден по ключу.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrStateNotFound возвращается, если состояние не найдено по ключу или id.
	ErrStateNotFound = errors.New("state not found")
	// ErrLineItemNotFound возвращается, если позиция отсутствует в заказе.
	ErrLineItemNotFound = errors.New("line item not found")
	// ErrReturnItemNotFound возвращается, если позиция возврата отсутствует в заказе.
	ErrReturnItemNotFound = errors.New("return item not found")
	// ErrVersionConflict сигнализирует о попытке записи с устаревшей версией.
	ErrVersionConflict = errors.New("version conflict")
	// Переход отсутствует в графе состояний.
	ErrInvalidTransition = errors.New("transition is not permitted by state graph")
	// Позиция находится не в том состоянии, из которого запрошен переход.
	ErrLineItemStateMismatch = errors.New("line item is not in the expected state")
	// PSP сообщает, что списание уже возвращено.
	ErrChargeAlreadyRefunded = errors.New("charge already refunded")
	// PSP отклонил возврат.
	ErrRefundDeclined = errors.New("refund declined by payment provider")
	// Заказ ожидался в состоянии SanctionedOrder.
	ErrSanctionStateMismatch = errors.New("order workflow state is not sanctioned")
	// LMS не знает такого пользователя.
	ErrLearnerNotFound = errors.New("learner not found")
	// Временная ошибка внешнего сервиса, можно повторить попытку.
	ErrTemporary = errors.New("temporary collaborator error")
)

// OMSError — ошибка, которую возвращает клиент системы управления заказами.
type OMSError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *OMSError) Error() string {
	return fmt.Sprintf("oms %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *OMSError) Unwrap() error {
	return e.Err
}

// Retryable сообщает, имеет ли смысл повторить вызов.
// 4xx ответы (кроме 429) не исправляются повтором с теми же аргументами.
func (e *OMSError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую для очереди задач.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неповторяемая.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет ошибки отсутствия сущности.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrLineItemNotFound) ||
		errors.Is(err, ErrReturnItemNotFound)
}

package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// Имена операций для InjectError и Calls.
const (
	OpGetOrderByID            = "GetOrderByID"
	OpGetCustomerByID         = "GetCustomerByID"
	OpGetPaymentByKey         = "GetPaymentByKey"
	OpGetStateByKey           = "GetStateByKey"
	OpTransitionLineItems     = "TransitionLineItems"
	OpCreateReturn            = "CreateReturn"
	OpSetReturnPaymentState   = "SetReturnPaymentState"
	OpRecordRefundTransaction = "RecordRefundTransaction"
)

type injectedError struct {
	err   error
	times int
}

// OrderManagementInMemory — in-memory система управления заказами для локального
// запуска и тестов. Ведёт версии заказов и платежей, проверяет переходы по графу
// состояний и возвращает ошибки в виде *domain.OMSError, как настоящий клиент.
type OrderManagementInMemory struct {
	mu sync.RWMutex

	orders        map[string]domain.Order
	orderPayments map[string][]string
	payments      map[string]domain.Payment
	paymentByKey  map[string]string
	customers     map[string]domain.Customer
	states        map[string]domain.State
	stateByKey    map[string]string
	history       map[string][]string

	injected map[string]*injectedError
	calls    map[string]int
}

// NewOrderManagement создаёт хранилище с уже заведённым графом состояний исполнения.
func NewOrderManagement() *OrderManagementInMemory {
	m := &OrderManagementInMemory{
		orders:        make(map[string]domain.Order),
		orderPayments: make(map[string][]string),
		payments:      make(map[string]domain.Payment),
		paymentByKey:  make(map[string]string),
		customers:     make(map[string]domain.Customer),
		states:        make(map[string]domain.State),
		stateByKey:    make(map[string]string),
		history:       make(map[string][]string),
		injected:      make(map[string]*injectedError),
		calls:         make(map[string]int),
	}
	for _, state := range domain.FulfillmentGraph() {
		state.ID = uuid.NewString()
		m.states[state.ID] = state
		m.stateByKey[state.Key] = state.ID
	}
	return m
}

// StateID возвращает id состояния по ключу или пустую строку.
func (m *OrderManagementInMemory) StateID(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateByKey[key]
}

// StateKey возвращает ключ состояния по id или пустую строку.
func (m *OrderManagementInMemory) StateKey(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id].Key
}

// PutOrder сохраняет заказ вместе с его платежами. Версия 0 заменяется на 1.
func (m *OrderManagementInMemory) PutOrder(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order = order.Clone()
	if order.Version == 0 {
		order.Version = 1
	}

	paymentIDs := make([]string, 0, len(order.Payments))
	for _, p := range order.Payments {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Version == 0 {
			p.Version = 1
		}
		m.payments[p.ID] = p
		m.paymentByKey[p.Key] = p.ID
		paymentIDs = append(paymentIDs, p.ID)
	}
	m.orderPayments[order.ID] = paymentIDs
	order.Payments = nil

	for _, item := range order.LineItems {
		if key := m.states[item.StateID].Key; key != "" {
			m.history[item.ID] = []string{key}
		}
	}
	m.orders[order.ID] = order
}

// PutCustomer сохраняет покупателя.
func (m *OrderManagementInMemory) PutCustomer(customer domain.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[customer.ID] = customer
}

// History возвращает ключи состояний, через которые прошла позиция.
func (m *OrderManagementInMemory) History(lineItemID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.history[lineItemID]...)
}

// InjectError заставляет следующие times вызовов op вернуть err.
func (m *OrderManagementInMemory) InjectError(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected[op] = &injectedError{err: err, times: times}
}

// Calls возвращает число вызовов операции.
func (m *OrderManagementInMemory) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *OrderManagementInMemory) GetOrderByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpGetOrderByID); err != nil {
		return domain.Order{}, err
	}
	return m.assemble(orderID, OpGetOrderByID)
}

func (m *OrderManagementInMemory) GetCustomerByID(_ context.Context, customerID string) (domain.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpGetCustomerByID); err != nil {
		return domain.Customer{}, err
	}
	customer, ok := m.customers[customerID]
	if !ok {
		return domain.Customer{}, omsError(OpGetCustomerByID, http.StatusNotFound, domain.ErrCustomerNotFound)
	}
	return customer, nil
}

func (m *OrderManagementInMemory) GetPaymentByKey(_ context.Context, key string) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpGetPaymentByKey); err != nil {
		return domain.Payment{}, err
	}
	payment, ok := m.payments[m.paymentByKey[key]]
	if !ok {
		return domain.Payment{}, omsError(OpGetPaymentByKey, http.StatusNotFound, domain.ErrPaymentNotFound)
	}
	return payment.Clone(), nil
}

func (m *OrderManagementInMemory) GetStateByKey(_ context.Context, key string) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpGetStateByKey); err != nil {
		return domain.State{}, err
	}
	state, ok := m.states[m.stateByKey[key]]
	if !ok {
		return domain.State{}, omsError(OpGetStateByKey, http.StatusNotFound, domain.ErrStateNotFound)
	}
	state.Transitions = append([]string(nil), state.Transitions...)
	return state, nil
}

// TransitionLineItems проверяет все позиции до применения: либо переходят все, либо ни одна.
func (m *OrderManagementInMemory) TransitionLineItems(_ context.Context, orderID string, version int64, lineItemIDs []string, fromStateID, toStateKey string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = OpTransitionLineItems
	if err := m.enter(op); err != nil {
		return domain.Order{}, err
	}
	order, err := m.versioned(orderID, version, op)
	if err != nil {
		return domain.Order{}, err
	}

	to, ok := m.states[m.stateByKey[toStateKey]]
	if !ok {
		return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s", domain.ErrStateNotFound, toStateKey))
	}
	from, ok := m.states[fromStateID]
	if !ok {
		return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s", domain.ErrStateNotFound, fromStateID))
	}

	indexes := make([]int, 0, len(lineItemIDs))
	for _, id := range lineItemIDs {
		idx := -1
		for i, item := range order.LineItems {
			if item.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s", domain.ErrLineItemNotFound, id))
		}
		if order.LineItems[idx].StateID != fromStateID {
			return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: line item %s is in %s, expected %s",
				domain.ErrLineItemStateMismatch, id, m.states[order.LineItems[idx].StateID].Key, from.Key))
		}
		if !from.CanTransitionTo(to.Key) {
			return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from.Key, to.Key))
		}
		indexes = append(indexes, idx)
	}

	for _, idx := range indexes {
		order.LineItems[idx].StateID = to.ID
		id := order.LineItems[idx].ID
		m.history[id] = append(m.history[id], to.Key)
	}
	order.Version++
	m.orders[orderID] = order

	return m.assemble(orderID, op)
}

func (m *OrderManagementInMemory) CreateReturn(_ context.Context, orderID string, version int64, lineItemID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = OpCreateReturn
	if err := m.enter(op); err != nil {
		return domain.Order{}, err
	}
	order, err := m.versioned(orderID, version, op)
	if err != nil {
		return domain.Order{}, err
	}
	item, ok := order.LineItem(lineItemID)
	if !ok {
		return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s", domain.ErrLineItemNotFound, lineItemID))
	}

	order.Returns = append(order.Returns, domain.ReturnItem{
		ID:            uuid.NewString(),
		LineItemID:    item.ID,
		Quantity:      item.Quantity,
		ShipmentState: domain.ReturnShipmentReturned,
		PaymentState:  domain.ReturnPaymentInitial,
		CreatedAt:     time.Now().UTC(),
	})
	order.Version++
	m.orders[orderID] = order

	return m.assemble(orderID, op)
}

func (m *OrderManagementInMemory) SetReturnPaymentState(_ context.Context, orderID string, version int64, returnItemID string, state domain.ReturnPaymentState) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = OpSetReturnPaymentState
	if err := m.enter(op); err != nil {
		return domain.Order{}, err
	}
	order, err := m.versioned(orderID, version, op)
	if err != nil {
		return domain.Order{}, err
	}

	found := false
	for i := range order.Returns {
		if order.Returns[i].ID == returnItemID {
			order.Returns[i].PaymentState = state
			found = true
			break
		}
	}
	if !found {
		return domain.Order{}, omsError(op, http.StatusBadRequest, fmt.Errorf("%w: %s", domain.ErrReturnItemNotFound, returnItemID))
	}
	order.Version++
	m.orders[orderID] = order

	return m.assemble(orderID, op)
}

func (m *OrderManagementInMemory) RecordRefundTransaction(_ context.Context, paymentID string, version int64, refund domain.RefundResult) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = OpRecordRefundTransaction
	if err := m.enter(op); err != nil {
		return domain.Payment{}, err
	}
	payment, ok := m.payments[paymentID]
	if !ok {
		return domain.Payment{}, omsError(op, http.StatusNotFound, domain.ErrPaymentNotFound)
	}
	if payment.Version != version {
		return domain.Payment{}, omsError(op, http.StatusConflict,
			fmt.Errorf("%w: payment %s is at version %d, got %d", domain.ErrVersionConflict, paymentID, payment.Version, version))
	}

	state := refund.State
	if state == "" {
		state = domain.TransactionSuccess
	}
	timestamp := refund.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	payment = payment.Clone()
	payment.Transactions = append(payment.Transactions, domain.Transaction{
		ID:            uuid.NewString(),
		Type:          domain.TransactionRefund,
		State:         state,
		AmountMinor:   refund.AmountMinor,
		Currency:      refund.Currency,
		InteractionID: refund.ID,
		Timestamp:     timestamp,
	})
	payment.Version++
	m.payments[paymentID] = payment

	return payment.Clone(), nil
}

// enter учитывает вызов и возвращает внедрённую ошибку, если она есть. Вызывается под m.mu.
func (m *OrderManagementInMemory) enter(op string) error {
	m.calls[op]++
	inj, ok := m.injected[op]
	if !ok || inj.times <= 0 {
		return nil
	}
	inj.times--
	return inj.err
}

func (m *OrderManagementInMemory) versioned(orderID string, version int64, op string) (domain.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, omsError(op, http.StatusNotFound, domain.ErrOrderNotFound)
	}
	if order.Version != version {
		return domain.Order{}, omsError(op, http.StatusConflict,
			fmt.Errorf("%w: order %s is at version %d, got %d", domain.ErrVersionConflict, orderID, order.Version, version))
	}
	return order.Clone(), nil
}

func (m *OrderManagementInMemory) assemble(orderID, op string) (domain.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, omsError(op, http.StatusNotFound, domain.ErrOrderNotFound)
	}
	order = order.Clone()
	for _, id := range m.orderPayments[orderID] {
		order.Payments = append(order.Payments, m.payments[id].Clone())
	}
	return order, nil
}

func omsError(op string, status int, err error) error {
	return &domain.OMSError{Op: op, StatusCode: status, Err: err}
}

var _ domain.OrderManagement = (*OrderManagementInMemory)(nil)

package domain

import "time"

// Известные идентификаторы платёжных провайдеров.
const (
	PSPStripe = "stripe"
	PSPPayPal = "paypal"
)

// TransactionType — тип транзакции платежа.
type TransactionType string

const (
	TransactionCharge TransactionType = "Charge"
	TransactionRefund TransactionType = "Refund"
)

// TransactionState — состояние транзакции платежа.
type TransactionState string

const (
	TransactionPending TransactionState = "Pending"
	TransactionSuccess TransactionState = "Success"
	TransactionFailure TransactionState = "Failure"
)

// Transaction — движение денег по платежу.
type Transaction struct {
	ID            string
	Type          TransactionType
	State         TransactionState
	AmountMinor   int64
	Currency      string
	InteractionID string
	Timestamp     time.Time
}

// Payment — платёж заказа, проведённый через PSP.
type Payment struct {
	ID      string
	Key     string
	Version int64
	// Идентификатор PSP (stripe, paypal).
	PaymentInterface string
	// Идентификатор платежа на стороне PSP.
	InterfaceID  string
	AmountMinor  int64
	Currency     string
	Transactions []Transaction
}

// SuccessfulCharge возвращает успешное списание, если оно есть.
func (p Payment) SuccessfulCharge() (Transaction, bool) {
	for _, tx := range p.Transactions {
		if tx.Type == TransactionCharge && tx.State == TransactionSuccess {
			return tx, true
		}
	}
	return Transaction{}, false
}

// ExistingRefund возвращает возврат в состоянии Success или Pending.
// Pending-возврат тоже считается выпущенным, чтобы не вызвать PSP повторно.
func (p Payment) ExistingRefund() (Transaction, bool) {
	for _, tx := range p.Transactions {
		if tx.Type != TransactionRefund {
			continue
		}
		if tx.State == TransactionSuccess || tx.State == TransactionPending {
			return tx, true
		}
	}
	return Transaction{}, false
}

// Clone возвращает копию платежа с независимым списком транзакций.
func (p Payment) Clone() Payment {
	dst := p
	dst.Transactions = append([]Transaction(nil), p.Transactions...)
	return dst
}

// RefundResult — ответ PSP на запрос возврата.
type RefundResult struct {
	ID          string
	ChargeID    string
	AmountMinor int64
	Currency    string
	State       TransactionState
	CreatedAt   time.Time
}

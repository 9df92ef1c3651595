package domain

import "time"

// AttributeBundleID — кастомный атрибут позиции, отмечающий entitlement (бандл).
const AttributeBundleID = "bundleId"

// AttributeCourseMode — кастомный атрибут позиции с режимом курса.
const AttributeCourseMode = "mode"

// DefaultCourseMode используется, если у позиции не задан режим.
const DefaultCourseMode = "verified"

// LineItem — одна покупаемая единица в заказе.
type LineItem struct {
	ID string
	// Ключ продукта/запуска курса.
	ProductKey  string
	ProductType string
	Name        string
	Quantity    int32
	PriceMinor  int64
	// Скидка на позицию, nil если скидки нет.
	DiscountMinor *int64
	// Текущее состояние исполнения позиции.
	StateID    string
	Attributes map[string]string
}

// BundleID возвращает id бандла или пустую строку.
func (li LineItem) BundleID() string {
	return li.Attributes[AttributeBundleID]
}

// IsEntitlement сообщает, исполняется ли позиция как entitlement, а не как прямая запись на курс.
func (li LineItem) IsEntitlement() bool {
	return li.BundleID() != ""
}

// CourseMode возвращает режим курса для позиции.
func (li LineItem) CourseMode() string {
	if mode := li.Attributes[AttributeCourseMode]; mode != "" {
		return mode
	}
	return DefaultCourseMode
}

// ReturnShipmentState — состояние доставки возвращаемой позиции.
type ReturnShipmentState string

const (
	ReturnShipmentAdvised  ReturnShipmentState = "Advised"
	ReturnShipmentReturned ReturnShipmentState = "Returned"
)

// ReturnPaymentState — состояние возврата денег по позиции.
type ReturnPaymentState string

const (
	ReturnPaymentInitial  ReturnPaymentState = "Initial"
	ReturnPaymentRefunded ReturnPaymentState = "Refunded"
)

// ReturnItem описывает возврат одной позиции.
type ReturnItem struct {
	ID            string
	LineItemID    string
	Quantity      int32
	ShipmentState ReturnShipmentState
	PaymentState  ReturnPaymentState
	CreatedAt     time.Time
}

// Order — заказ, принадлежащий системе управления заказами. Ядро только читает
// его и запрашивает переходы, передавая последнюю прочитанную версию.
type Order struct {
	ID          string
	OrderNumber string
	Version     int64
	CustomerID  string
	Currency    string
	TotalMinor  int64
	// Скидка на весь заказ, nil если скидки нет.
	DiscountOnTotalMinor *int64
	LineItems            []LineItem
	Payments             []Payment
	Returns              []ReturnItem
	// Ключ состояния заказа; nil, если состояние не назначено.
	WorkflowState *string
	CreatedAt     time.Time
}

// LineItem возвращает позицию по id.
func (o Order) LineItem(id string) (LineItem, bool) {
	for _, item := range o.LineItems {
		if item.ID == id {
			return item, true
		}
	}
	return LineItem{}, false
}

// ReturnItem возвращает позицию возврата по id.
func (o Order) ReturnItem(id string) (ReturnItem, bool) {
	for _, ri := range o.Returns {
		if ri.ID == id {
			return ri, true
		}
	}
	return ReturnItem{}, false
}

// ReturnItemForLineItem возвращает последний возврат для позиции.
func (o Order) ReturnItemForLineItem(lineItemID string) (ReturnItem, bool) {
	for i := len(o.Returns) - 1; i >= 0; i-- {
		if o.Returns[i].LineItemID == lineItemID {
			return o.Returns[i], true
		}
	}
	return ReturnItem{}, false
}

// RecognizedItems возвращает позиции, чей тип продукта обслуживается координатором.
func (o Order) RecognizedItems(types ProductTypes) []LineItem {
	var items []LineItem
	for _, item := range o.LineItems {
		if types.Contains(item.ProductType) {
			items = append(items, item)
		}
	}
	return items
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	dst := o
	dst.DiscountOnTotalMinor = cloneInt64(o.DiscountOnTotalMinor)
	if o.WorkflowState != nil {
		state := *o.WorkflowState
		dst.WorkflowState = &state
	}
	dst.LineItems = make([]LineItem, len(o.LineItems))
	for i, item := range o.LineItems {
		item.DiscountMinor = cloneInt64(item.DiscountMinor)
		attrs := make(map[string]string, len(item.Attributes))
		for k, v := range item.Attributes {
			attrs[k] = v
		}
		item.Attributes = attrs
		dst.LineItems[i] = item
	}
	dst.Payments = make([]Payment, len(o.Payments))
	for i, p := range o.Payments {
		dst.Payments[i] = p.Clone()
	}
	dst.Returns = append([]ReturnItem(nil), o.Returns...)
	return dst
}

// ProductTypes — множество типов продуктов, которые обслуживает координатор.
type ProductTypes map[string]struct{}

// NewProductTypes строит множество из списка.
func NewProductTypes(types ...string) ProductTypes {
	set := make(ProductTypes, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Contains проверяет принадлежность типа множеству.
func (p ProductTypes) Contains(productType string) bool {
	_, ok := p[productType]
	return ok
}

// Customer — покупатель, владелец заказа.
type Customer struct {
	ID        string
	Email     string
	FirstName string
	Username  string
	LMSUserID string
}

// FulfillmentRequest — данные для записи на курс или выдачи entitlement по одной позиции.
type FulfillmentRequest struct {
	CourseID        string `json:"course_id"`
	CourseMode      string `json:"course_mode"`
	LMSUserID       string `json:"edx_lms_user_id"`
	Username        string `json:"edx_lms_username,omitempty"`
	OrderNumber     string `json:"order_number"`
	OrderID         string `json:"order_id"`
	OrderVersion    int64  `json:"order_version"`
	LineItemID      string `json:"line_item_id"`
	ItemQuantity    int32  `json:"item_quantity"`
	LineItemStateID string `json:"line_item_state_id"`
	MessageID       string `json:"message_id"`
	UserFirstName   string `json:"user_first_name"`
	UserEmail       string `json:"user_email"`
	CourseTitle     string `json:"course_title"`
	BundleID        string `json:"bundle_id,omitempty"`
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

package domain

// OrderPlaced — заказ оформлен, позиции готовы к исполнению.
type OrderPlaced struct {
	OrderID         string `json:"order_id"`
	LineItemStateID string `json:"line_item_state_id"`
	SourceSystem    string `json:"source_system"`
	MessageID       string `json:"message_id"`
}

// OrderSanctioned — заказ заблокирован по санкционной проверке.
type OrderSanctioned struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
}

// OrderReturned — по позиции заказа оформлен возврат.
type OrderReturned struct {
	OrderID      string `json:"order_id"`
	ReturnItemID string `json:"return_line_item_return_id"`
	LineItemID   string `json:"return_line_item_id"`
	MessageID    string `json:"message_id"`
}

package orders

import "time"

// OrderRecord is one merchant-created order as stored in the ledger.
// Empty strings stand for "not yet known".
type OrderRecord struct {
	OrderID      string    `json:"order_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Receipt      string    `json:"receipt,omitempty"`
	PaymentID    string    `json:"payment_id,omitempty"`
	RefundID     string    `json:"refund_id,omitempty"`
	RefundAmount int64     `json:"refund_amount,omitempty"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewOrderRecord builds the initial ledger entry for an order returned by the gateway.
func NewOrderRecord(orderID string, amount int64, currency, receipt string) OrderRecord {
	now := time.Now().UTC()
	return OrderRecord{
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Receipt:   receipt,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SameState compares everything except UpdatedAt.
func (r OrderRecord) SameState(o OrderRecord) bool {
	r.UpdatedAt, o.UpdatedAt = time.Time{}, time.Time{}
	return r.OrderID == o.OrderID &&
		r.Amount == o.Amount &&
		r.Currency == o.Currency &&
		r.Receipt == o.Receipt &&
		r.PaymentID == o.PaymentID &&
		r.RefundID == o.RefundID &&
		r.RefundAmount == o.RefundAmount &&
		r.Status == o.Status &&
		r.Reason == o.Reason &&
		r.CreatedAt.Equal(o.CreatedAt)
}

// PartialRefund reports whether the recorded refund covers less than the order amount.
func (r OrderRecord) PartialRefund() bool {
	return r.RefundAmount > 0 && r.RefundAmount < r.Amount
}

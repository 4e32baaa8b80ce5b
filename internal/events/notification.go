// Package events parses verified gateway notifications and maps each one to the
// ledger rule that reconciles it.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Notification is the webhook envelope. Payload is keyed by entity name
// ("payment", "refund", ...) and only decoded once the event name is known.
type Notification struct {
	Entity    string                     `json:"entity"`
	AccountID string                     `json:"account_id,omitempty"`
	Event     string                     `json:"event"`
	Contains  []string                   `json:"contains,omitempty"`
	Payload   map[string]json.RawMessage `json:"payload"`
	CreatedAt int64                      `json:"created_at,omitempty"`
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type RefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// entityWrapper is the {"entity": {...}} level under payload.<name>.
type entityWrapper[T any] struct {
	Entity *T `json:"entity"`
}

// Parse decodes the envelope. Call it only on a body whose signature was verified.
func Parse(raw []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if n.Event == "" {
		return Notification{}, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}
	return n, nil
}

// UnwrapEntity decodes payload.<name>.entity into T.
func UnwrapEntity[T any](n Notification, name string) (T, error) {
	var zero T
	raw, ok := n.Payload[name]
	if !ok || len(raw) == 0 {
		return zero, fmt.Errorf("%w: payload.%s missing", ErrMalformedPayload, name)
	}
	var w entityWrapper[T]
	if err := json.Unmarshal(raw, &w); err != nil {
		return zero, fmt.Errorf("%w: decode payload.%s: %v", ErrMalformedPayload, name, err)
	}
	if w.Entity == nil {
		return zero, fmt.Errorf("%w: payload.%s.entity missing", ErrMalformedPayload, name)
	}
	return *w.Entity, nil
}
